// Package deploy — деплой-дерево собранных прошивок и решение
// "нужен ли устройству апдейт".
//
// Раскладка: <root>/<owner>/<udid>/build.json + бинарь прошивки.
// build.json пишет внешний билдер по завершении успешной сборки.
package deploy

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"otaforge/internal/fault"
)

const envelopeFile = "build.json"

// Envelope — дескриптор последней собранной прошивки для устройства.
type Envelope struct {
	URL      string `json:"url"`
	MAC      string `json:"mac,omitempty"`
	UDID     string `json:"udid"`
	Commit   string `json:"commit"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	Artifact string `json:"artifact"` // имя файла бинаря рядом с build.json
}

type Store struct{ root string }

func NewStore(root string) *Store { return &Store{root: root} }

// PathForDevice — каталог деплоя устройства (он же checkout для watch-бриджа).
func (s *Store) PathForDevice(ownerID, udid string) string {
	return filepath.Join(s.root, ownerID, udid)
}

// InitWithOwner создаёт каталог владельца (идемпотентно).
func (s *Store) InitWithOwner(ownerID string) error {
	return os.MkdirAll(filepath.Join(s.root, ownerID), 0o755)
}

func (s *Store) InitWithDevice(ownerID, udid string) error {
	return os.MkdirAll(s.PathForDevice(ownerID, udid), 0o755)
}

// LatestEnvelope читает build.json устройства. Отсутствие файла — не ошибка:
// просто ещё ничего не собирали (nil, nil).
func (s *Store) LatestEnvelope(ownerID, udid string) (*Envelope, error) {
	b, err := os.ReadFile(filepath.Join(s.PathForDevice(ownerID, udid), envelopeFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.UpstreamUnavailable, "envelope_unreadable", err)
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fault.Wrap(fault.ProcessFailure, "envelope_corrupt", err)
	}
	return &e, nil
}

// ArtifactPath — путь до бинаря из конверта; валидируем, что имя не выводит
// из каталога устройства.
func (s *Store) ArtifactPath(ownerID, udid string, e *Envelope) (string, error) {
	name := filepath.Base(e.Artifact)
	if name == "" || name == "." || name == ".." {
		return "", fault.New(fault.NotFound, "artifact_not_found")
	}
	p := filepath.Join(s.PathForDevice(ownerID, udid), name)
	if _, err := os.Stat(p); err != nil {
		return "", fault.Wrap(fault.NotFound, "artifact_not_found", err)
	}
	return p, nil
}

// WriteEnvelope используется билдером в dry-run-тестах и утилитах.
func (s *Store) WriteEnvelope(ownerID, udid string, e *Envelope) error {
	if err := s.InitWithDevice(ownerID, udid); err != nil {
		return err
	}
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.PathForDevice(ownerID, udid), envelopeFile), b, 0o644)
}
