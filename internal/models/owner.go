package models

import "gorm.io/gorm"

// Owner — владелец устройств. OwnerID — стабильный hex-идентификатор
// (sha256 от e-mail при создании аккаунта), Username — человекочитаемое имя.
type Owner struct {
	gorm.Model
	OwnerID  string `gorm:"column:owner_id;type:char(64);uniqueIndex"`
	Username string `gorm:"uniqueIndex"`
	Email    string
}

// APIKey хранится только в виде sha256-дайджеста.
type APIKey struct {
	gorm.Model
	OwnerID string `gorm:"column:owner_id;type:char(64);index"`
	Alias   string
	KeyHash string `gorm:"column:key_hash;type:char(64);index"`
	Suffix  string `gorm:"type:varchar(10)"` // последние символы для отображения в списках
}

// Source — git-репозиторий с прошивкой, привязан к владельцу, alias уникален
// в пределах владельца.
type Source struct {
	gorm.Model
	OwnerID string `gorm:"column:owner_id;type:char(64);uniqueIndex:idx_owner_alias,priority:1"`
	Alias   string `gorm:"uniqueIndex:idx_owner_alias,priority:2"`
	URL     string
	Branch  string // default "origin/master"
}
