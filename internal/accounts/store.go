// Package accounts — владельцы, их API-ключи и git-источники.
// Управление аккаунтами (регистрация, сессии, сброс пароля) живёт в
// отдельном сервисе; здесь только то, что нужно флоту: поиск владельца,
// разрешение источника по alias и проверка API-ключа.
package accounts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"otaforge/internal/fault"
	"otaforge/internal/models"

	"gorm.io/gorm"
)

const DefaultBranch = "origin/master"

type Store struct{ db *gorm.DB }

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// FindOwnerByUsername различает "не найдено" и ошибку соединения.
func (s *Store) FindOwnerByUsername(name string) (*models.Owner, error) {
	var o models.Owner
	if err := s.db.Where("username = ?", name).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "owner_not_found")
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
	}
	return &o, nil
}

func (s *Store) FindOwnerByID(ownerID string) (*models.Owner, error) {
	var o models.Owner
	if err := s.db.Where("owner_id = ?", ownerID).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "owner_not_found")
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
	}
	return &o, nil
}

// FindSourceByAlias — источник владельца по alias.
func (s *Store) FindSourceByAlias(ownerID, alias string) (*models.Source, error) {
	var src models.Source
	err := s.db.Where("owner_id = ? AND alias = ?", ownerID, alias).First(&src).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "source_not_found")
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
	}
	return &src, nil
}

func (s *Store) ListSources(ownerID string) ([]models.Source, error) {
	var out []models.Source
	err := s.db.Where("owner_id = ?", ownerID).Order("alias").Find(&out).Error
	return out, err
}

func (s *Store) AddSource(ownerID, alias, url, branch string) (*models.Source, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, fault.New(fault.InvalidInput, "missing_source_alias")
	}
	if strings.TrimSpace(url) == "" {
		return nil, fault.New(fault.InvalidInput, "missing_source_url")
	}
	if branch == "" {
		branch = DefaultBranch
	}
	src := models.Source{OwnerID: ownerID, Alias: alias, URL: url, Branch: branch}
	if err := s.db.Create(&src).Error; err != nil {
		// нарушение уникальности (owner, alias) — конфликт, не 5xx
		return nil, fault.Wrap(fault.Conflict, "source_exists", err)
	}
	return &src, nil
}

func (s *Store) RemoveSource(ownerID, alias string) error {
	tx := s.db.Where("owner_id = ? AND alias = ?", ownerID, alias).Delete(&models.Source{})
	if tx.Error != nil {
		return fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fault.New(fault.NotFound, "source_not_found")
	}
	return nil
}

// HashKey — sha256 hex, как ключи лежат в таблице api_keys.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authorize сверяет предъявленный API-ключ с зарегистрированными дайджестами
// и возвращает владельца. Сами ключи нигде не хранятся.
func (s *Store) Authorize(apiKey string) (*models.Owner, error) {
	if apiKey == "" {
		return nil, fault.New(fault.Forbidden, "authentication")
	}
	var k models.APIKey
	err := s.db.Where("key_hash = ?", HashKey(apiKey)).First(&k).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.Forbidden, "authentication")
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, "upstream_unavailable", err)
	}
	return s.FindOwnerByID(k.OwnerID)
}
