package deploy

import (
	"otaforge/internal/logs"
	"otaforge/internal/models"

	"github.com/Masterminds/semver/v3"
)

// Decision — результат переговоров об апдейте.
type Decision int

const (
	NoUpdate Decision = iota
	UpdateAvailable
)

// Negotiate — чистая функция: по текущему состоянию устройства и последнему
// конверту решает, есть ли апдейт. Апдейт есть, когда коммит ИЛИ чексумма
// конверта отличаются от прошивки на устройстве. Сравнение версий —
// только совещательное: даунгрейд по semver логируется, но не блокирует
// раскатку (откат по коммиту — легальный сценарий).
func Negotiate(d *models.Device, latest *Envelope) (Decision, *Envelope) {
	if latest == nil {
		return NoUpdate, nil
	}
	if latest.Commit == d.CommitHash && latest.Checksum == d.Checksum {
		return NoUpdate, nil
	}

	if dv, err := semver.NewVersion(d.Version); err == nil {
		if av, err2 := semver.NewVersion(latest.Version); err2 == nil && av.LessThan(dv) {
			logs.With(map[string]any{
				"udid":     d.UDID,
				"device":   d.Version,
				"artifact": latest.Version,
			}).Warn("negotiated update is a semver downgrade")
		}
	}

	// конверт отдаём как есть; MAC подставляем из записи устройства,
	// если билдер его не заполнил
	env := *latest
	if env.MAC == "" {
		env.MAC = d.MAC
	}
	return UpdateAvailable, &env
}
