// Package registry — канонические записи устройств флота.
// Идентичность: UDID (назначается один раз), MAC — легаси-ключ,
// уникальный в пределах владельца.
package registry

import (
	"errors"
	"strings"
	"sync"
	"time"

	"otaforge/internal/fault"
	"otaforge/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Fields — DTO регистрации: что устройство сообщило о себе при check-in.
// Пустые строки означают "не прислано" и при merge не затирают БД.
type Fields struct {
	MAC       string
	Firmware  string
	Commit    string
	Checksum  string
	Version   string
	PushToken string
	Alias     string
	UDID      string // устройство может предложить свой UDID при первой регистрации
	KeyHash   string // sha256 предъявленного API-ключа
}

type Store struct {
	db *gorm.DB

	// Пер-MAC блокировка: read-merge-write при upsert не должен терять
	// конкурентные обновления одной и той же записи.
	locks *keyedMutex
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, locks: newKeyedMutex()}
}

// keyedMutex — замок по строковому ключу со счётчиком ссылок: запись
// живёт, только пока кто-то держит или ждёт замок, так что таблица не
// растёт вместе с числом устройств флота.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

func (k *keyedMutex) lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()
	e.mu.Lock()
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
	e.mu.Unlock()
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Upsert — создать либо дообновить устройство по (owner, mac).
// Новому устройству назначается UDID; существующему merge только
// непустых полей, UDID неизменен. Запись durably сохранена до возврата.
func (s *Store) Upsert(ownerID string, f Fields) (*models.Device, bool, error) {
	mac := strings.TrimSpace(f.MAC)
	if mac == "" {
		return nil, false, fault.New(fault.InvalidInput, "missing_mac")
	}

	key := ownerID + "|" + mac
	s.locks.lock(key)
	defer s.locks.unlock(key)

	var m models.Device
	err := s.db.Where("owner_id = ? AND mac = ?", ownerID, mac).First(&m).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
		}
		udid := strings.TrimSpace(f.UDID)
		if udid == "" {
			udid = uuid.NewString()
		}
		m = models.Device{
			UDID:        udid,
			MAC:         mac,
			OwnerID:     ownerID,
			Alias:       f.Alias,
			Firmware:    f.Firmware,
			CommitHash:  f.Commit,
			Checksum:    f.Checksum,
			Version:     defaultVersion(f.Version),
			PushToken:   f.PushToken,
			LastSeen:    time.Now(),
			LastKeyHash: f.KeyHash,
		}
		if err := s.db.Create(&m).Error; err != nil {
			return nil, false, fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
		}
		return &m, true, nil
	}

	// известное устройство — merge непустых полей, UDID не трогаем
	if f.Firmware != "" {
		m.Firmware = f.Firmware
	}
	if f.Commit != "" {
		m.CommitHash = f.Commit
	}
	if f.Checksum != "" {
		m.Checksum = f.Checksum
	}
	if f.Version != "" {
		m.Version = f.Version
	}
	if f.PushToken != "" {
		m.PushToken = f.PushToken
	}
	if f.Alias != "" {
		m.Alias = f.Alias
	}
	if f.KeyHash != "" {
		m.LastKeyHash = f.KeyHash
	}
	m.LastSeen = time.Now()
	if err := s.db.Save(&m).Error; err != nil {
		return nil, false, fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
	}
	return &m, false, nil
}

func (s *Store) GetByMAC(ownerID, mac string) (*models.Device, error) {
	var m models.Device
	err := s.db.Where("owner_id = ? AND mac = ?", ownerID, mac).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "device_not_found")
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
	}
	return &m, nil
}

func (s *Store) GetByUDID(udid string) (*models.Device, error) {
	var m models.Device
	err := s.db.Where("udid = ?", udid).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "device_not_found")
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
	}
	return &m, nil
}

// ResolveOwnerDevice — единственный авторитетный способ найти устройство
// для владельца: ref — это UDID либо легаси-MAC. Чужое устройство —
// Forbidden, не NotFound (владение проверяется ПОСЛЕ резолва, чтобы не
// маскировать попытку доступа).
func (s *Store) ResolveOwnerDevice(ownerID, ref string) (*models.Device, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fault.New(fault.InvalidInput, "missing_device_hash")
	}
	m, err := s.GetByUDID(ref)
	if err != nil {
		if !fault.Is(err, fault.NotFound) {
			return nil, err
		}
		m, err = s.GetByMAC(ownerID, ref)
		if err != nil {
			return nil, err
		}
	}
	if m.OwnerID != ownerID {
		return nil, fault.New(fault.Forbidden, "forbidden")
	}
	return m, nil
}

func (s *Store) ListByOwner(ownerID string) ([]models.Device, error) {
	var out []models.Device
	err := s.db.Where("owner_id = ?", ownerID).Order("id ASC").Find(&out).Error
	return out, err
}

// SetAlias — device edit (пока поддерживаем только alias, как и раньше).
func (s *Store) SetAlias(udid, alias string) error {
	return s.updateOne(udid, map[string]any{"alias": alias})
}

func (s *Store) AttachSource(udid, sourceAlias string) error {
	return s.updateOne(udid, map[string]any{"source_alias": sourceAlias})
}

func (s *Store) DetachSource(udid string) error {
	return s.updateOne(udid, map[string]any{"source_alias": ""})
}

func (s *Store) updateOne(udid string, fields map[string]any) error {
	tx := s.db.Model(&models.Device{}).Where("udid = ?", udid).Updates(fields)
	if tx.Error != nil {
		return fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fault.New(fault.NotFound, "device_not_found")
	}
	return nil
}

// Revoke удаляет устройство. Снятие watch-хендла — забота вызывающего.
func (s *Store) Revoke(udid string) error {
	tx := s.db.Where("udid = ?", udid).Delete(&models.Device{})
	if tx.Error != nil {
		return fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fault.New(fault.NotFound, "device_not_found")
	}
	return nil
}

func defaultVersion(v string) string {
	if v == "" {
		return "1.0.0"
	}
	return v
}
