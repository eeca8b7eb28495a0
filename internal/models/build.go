package models

import (
	"time"

	"gorm.io/gorm"
)

// Статусы сборки. Жизненный цикл строго QUEUED -> RUNNING -> {SUCCEEDED|FAILED},
// без ретраев: провалившийся BuildID терминален.
const (
	BuildQueued    = "QUEUED"
	BuildRunning   = "RUNNING"
	BuildSucceeded = "SUCCEEDED"
	BuildFailed    = "FAILED"
)

// BuildJob — одна попытка сборки прошивки для устройства.
type BuildJob struct {
	gorm.Model
	BuildID     string `gorm:"column:build_id;type:char(36);uniqueIndex"`
	OwnerID     string `gorm:"column:owner_id;type:char(64);index"`
	UDID        string `gorm:"column:udid;type:char(36);index"`
	MAC         string `gorm:"column:mac"` // легаси, опционально
	SourceAlias string `gorm:"column:source_alias"`
	SourceURL   string `gorm:"column:source_url"`
	DryRun      bool
	Status      string `gorm:"index"`
	Reason      string // timeout | cancelled | shutdown | spawn_failed | exit_status_N
	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// BuildLogEntry — строка лога жизненного цикла сборки, append-only.
type BuildLogEntry struct {
	gorm.Model
	BuildID string `gorm:"column:build_id;type:char(36);index"`
	OwnerID string `gorm:"column:owner_id;type:char(64);index"`
	UDID    string `gorm:"column:udid;type:char(36)"`
	Message string `gorm:"type:text"`
}

// AuditLogEntry — запись аудита действий владельца.
type AuditLogEntry struct {
	gorm.Model
	Subject string `gorm:"index"` // owner id либо "API"
	Message string `gorm:"type:text"`
}
