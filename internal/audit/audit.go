// Package audit — журнал действий владельцев. Только append и выборка,
// записи не редактируются.
package audit

import (
	"otaforge/internal/logs"
	"otaforge/internal/models"

	"gorm.io/gorm"
)

type Log struct{ db *gorm.DB }

func NewLog(db *gorm.DB) *Log { return &Log{db: db} }

// Append не возвращает ошибку: потеря строки аудита не должна ронять
// бизнес-операцию. Сбой уходит в обычный лог.
func (l *Log) Append(subject, message string) {
	if l == nil || l.db == nil {
		return
	}
	e := models.AuditLogEntry{Subject: subject, Message: message}
	if err := l.db.Create(&e).Error; err != nil {
		logs.Logger.Warnf("audit append (%s): %v", subject, err)
	}
}

func (l *Log) List(subject string) ([]models.AuditLogEntry, error) {
	var out []models.AuditLogEntry
	err := l.db.Where("subject = ?", subject).Order("id ASC").Find(&out).Error
	return out, err
}
