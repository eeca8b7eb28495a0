package builder

import (
	"errors"
	"fmt"

	"otaforge/internal/fault"
	"otaforge/internal/models"

	"gorm.io/gorm"
)

// Store — контракт хранилища сборок. Очередь не знает про gorm;
// в тестах подставляется sqlite либо фейк.
type Store interface {
	CreateJob(j *models.BuildJob) error
	SaveJob(j *models.BuildJob) error
	GetJob(buildID string) (*models.BuildJob, error)
	ListJobs(ownerID string) ([]models.BuildJob, error)
	AppendLog(buildID, ownerID, udid, message string) error
	Logs(buildID string) ([]models.BuildLogEntry, error)
}

type DBStore struct{ db *gorm.DB }

func NewDBStore(db *gorm.DB) *DBStore { return &DBStore{db: db} }

func (s *DBStore) CreateJob(j *models.BuildJob) error {
	if err := s.db.Create(j).Error; err != nil {
		return fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
	}
	return nil
}

func (s *DBStore) SaveJob(j *models.BuildJob) error {
	if err := s.db.Save(j).Error; err != nil {
		return fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
	}
	return nil
}

func (s *DBStore) GetJob(buildID string) (*models.BuildJob, error) {
	var j models.BuildJob
	if err := s.db.Where("build_id = ?", buildID).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "build_not_found")
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
	}
	return &j, nil
}

// ListJobs — сборки владельца, новые сверху.
func (s *DBStore) ListJobs(ownerID string) ([]models.BuildJob, error) {
	var out []models.BuildJob
	err := s.db.Where("owner_id = ?", ownerID).Order("id DESC").Find(&out).Error
	return out, err
}

func (s *DBStore) AppendLog(buildID, ownerID, udid, message string) error {
	e := models.BuildLogEntry{BuildID: buildID, OwnerID: ownerID, UDID: udid, Message: message}
	return s.db.Create(&e).Error
}

func (s *DBStore) Logs(buildID string) ([]models.BuildLogEntry, error) {
	var out []models.BuildLogEntry
	err := s.db.Where("build_id = ?", buildID).Order("id ASC").Find(&out).Error
	return out, err
}

// FailStale добивает QUEUED/RUNNING, оставшиеся от убитого процесса.
// Вызывается один раз на старте, до запуска воркеров.
func (s *DBStore) FailStale() (int64, error) {
	tx := s.db.Model(&models.BuildJob{}).
		Where("status IN ?", []string{models.BuildQueued, models.BuildRunning}).
		Updates(map[string]any{"status": models.BuildFailed, "reason": ReasonShutdown})
	return tx.RowsAffected, tx.Error
}

func exitReason(code int) string { return fmt.Sprintf("exit_status_%d", code) }
