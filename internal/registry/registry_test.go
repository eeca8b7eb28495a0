package registry

import (
	"sync"
	"testing"

	"otaforge/internal/fault"
	"otaforge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Device{}))
	return db
}

const owner = "aabbccdd00112233aabbccdd00112233aabbccdd00112233aabbccdd00112233"

func TestUpsertCreatesDeviceWithUDID(t *testing.T) {
	s := NewStore(newTestDB(t))

	dev, isNew, err := s.Upsert(owner, Fields{MAC: "5C:CF:7F:00:00:01", Firmware: "thinx-0.1"})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, dev.UDID)
	assert.Equal(t, "1.0.0", dev.Version, "missing version gets the default")

	// повторный check-in того же MAC — то же устройство, тот же UDID
	again, isNew2, err := s.Upsert(owner, Fields{MAC: "5C:CF:7F:00:00:01", Firmware: "thinx-0.2"})
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.Equal(t, dev.UDID, again.UDID)
	assert.Equal(t, "thinx-0.2", again.Firmware)
}

func TestUpsertHonorsSuppliedUDIDOnlyAtCreation(t *testing.T) {
	s := NewStore(newTestDB(t))

	dev, _, err := s.Upsert(owner, Fields{MAC: "aa:bb:cc:dd:ee:01", UDID: "device-chosen-udid"})
	require.NoError(t, err)
	assert.Equal(t, "device-chosen-udid", dev.UDID)

	// при повторной регистрации чужой UDID игнорируется
	again, _, err := s.Upsert(owner, Fields{MAC: "aa:bb:cc:dd:ee:01", UDID: "another-udid"})
	require.NoError(t, err)
	assert.Equal(t, "device-chosen-udid", again.UDID)
}

func TestUpsertMergeSkipsEmptyFields(t *testing.T) {
	s := NewStore(newTestDB(t))

	_, _, err := s.Upsert(owner, Fields{
		MAC: "aa:bb:cc:dd:ee:02", Commit: "abc123", Checksum: "deadbeef", Alias: "garage",
	})
	require.NoError(t, err)

	dev, _, err := s.Upsert(owner, Fields{MAC: "aa:bb:cc:dd:ee:02", Commit: "def456"})
	require.NoError(t, err)
	assert.Equal(t, "def456", dev.CommitHash)
	assert.Equal(t, "deadbeef", dev.Checksum, "empty field must not wipe stored value")
	assert.Equal(t, "garage", dev.Alias)
}

func TestUpsertMissingMAC(t *testing.T) {
	s := NewStore(newTestDB(t))
	_, _, err := s.Upsert(owner, Fields{})
	assert.True(t, fault.Is(err, fault.InvalidInput))
	assert.Equal(t, "missing_mac", fault.StatusOf(err))
}

func TestUpsertConcurrentSameMAC(t *testing.T) {
	s := NewStore(newTestDB(t))

	var wg sync.WaitGroup
	udids := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dev, _, err := s.Upsert(owner, Fields{MAC: "aa:bb:cc:dd:ee:03"})
			if err == nil {
				udids[i] = dev.UDID
			}
		}(i)
	}
	wg.Wait()

	first := ""
	for _, u := range udids {
		if u == "" {
			continue
		}
		if first == "" {
			first = u
		}
		assert.Equal(t, first, u, "concurrent check-ins must converge on one UDID")
	}
	require.NotEmpty(t, first)
}

func TestUpsertLockTableDoesNotGrow(t *testing.T) {
	s := NewStore(newTestDB(t))

	macs := []string{"00:01", "00:02", "00:03", "00:04", "00:05"}
	for _, mac := range macs {
		_, _, err := s.Upsert(owner, Fields{MAC: mac})
		require.NoError(t, err)
	}
	assert.Zero(t, s.locks.size(),
		"lock entries must be dropped once the last holder releases them")

	// и под конкуренцией таблица пустеет после завершения
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.Upsert(owner, Fields{MAC: "00:06"})
		}()
	}
	wg.Wait()
	assert.Zero(t, s.locks.size())
}

func TestResolveOwnerDevice(t *testing.T) {
	s := NewStore(newTestDB(t))
	dev, _, err := s.Upsert(owner, Fields{MAC: "aa:bb:cc:dd:ee:04"})
	require.NoError(t, err)

	byUDID, err := s.ResolveOwnerDevice(owner, dev.UDID)
	require.NoError(t, err)
	assert.Equal(t, dev.UDID, byUDID.UDID)

	// легаси-резолв по MAC
	byMAC, err := s.ResolveOwnerDevice(owner, "aa:bb:cc:dd:ee:04")
	require.NoError(t, err)
	assert.Equal(t, dev.UDID, byMAC.UDID)

	// чужое устройство — forbidden, не not_found
	_, err = s.ResolveOwnerDevice("someone-else", dev.UDID)
	assert.True(t, fault.Is(err, fault.Forbidden))

	_, err = s.ResolveOwnerDevice(owner, "")
	assert.Equal(t, "missing_device_hash", fault.StatusOf(err))

	_, err = s.ResolveOwnerDevice(owner, "no-such-ref")
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestRevoke(t *testing.T) {
	s := NewStore(newTestDB(t))
	dev, _, err := s.Upsert(owner, Fields{MAC: "aa:bb:cc:dd:ee:05"})
	require.NoError(t, err)

	require.NoError(t, s.Revoke(dev.UDID))
	_, err = s.GetByUDID(dev.UDID)
	assert.True(t, fault.Is(err, fault.NotFound))

	// повторный revoke — not_found, не тихий успех
	err = s.Revoke(dev.UDID)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestAttachDetachSource(t *testing.T) {
	s := NewStore(newTestDB(t))
	dev, _, err := s.Upsert(owner, Fields{MAC: "aa:bb:cc:dd:ee:06"})
	require.NoError(t, err)

	require.NoError(t, s.AttachSource(dev.UDID, "firmware-main"))
	got, err := s.GetByUDID(dev.UDID)
	require.NoError(t, err)
	assert.Equal(t, "firmware-main", got.SourceAlias)

	require.NoError(t, s.DetachSource(dev.UDID))
	got, err = s.GetByUDID(dev.UDID)
	require.NoError(t, err)
	assert.Empty(t, got.SourceAlias)
}
