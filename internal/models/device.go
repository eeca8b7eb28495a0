package models

import (
	"time"

	"gorm.io/gorm"
)

// Device — зарегистрированное устройство флота.
// UDID назначается один раз при первой регистрации и больше не меняется;
// MAC — легаси-ключ, уникален в пределах владельца.
type Device struct {
	gorm.Model
	UDID        string `gorm:"column:udid;type:char(36);uniqueIndex"`
	MAC         string `gorm:"column:mac;uniqueIndex:idx_owner_mac,priority:2"`
	OwnerID     string `gorm:"column:owner_id;type:char(64);uniqueIndex:idx_owner_mac,priority:1;index"`
	Alias       string
	Firmware    string
	CommitHash  string `gorm:"column:commit_hash"`
	Checksum    string
	Version     string
	PushToken   string `gorm:"column:push_token"`
	SourceAlias string `gorm:"column:source_alias"` // привязанный git-источник ("" = не привязан)
	LastSeen    time.Time
	LastKeyHash string `gorm:"column:last_key_hash"` // sha256 последнего API-ключа
}
