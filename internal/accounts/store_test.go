package accounts

import (
	"testing"

	"otaforge/internal/fault"
	"otaforge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Owner{}, &models.APIKey{}, &models.Source{}))

	require.NoError(t, db.Create(&models.Owner{OwnerID: "owner-1", Username: "alice"}).Error)
	require.NoError(t, db.Create(&models.APIKey{
		OwnerID: "owner-1", KeyHash: HashKey("alice-key"),
	}).Error)
	return NewStore(db)
}

func TestAuthorize(t *testing.T) {
	s := newTestStore(t)

	owner, err := s.Authorize("alice-key")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", owner.OwnerID)

	_, err = s.Authorize("wrong-key")
	assert.True(t, fault.Is(err, fault.Forbidden))
	assert.Equal(t, "authentication", fault.StatusOf(err))

	_, err = s.Authorize("")
	assert.True(t, fault.Is(err, fault.Forbidden))
}

func TestFindOwner(t *testing.T) {
	s := newTestStore(t)

	o, err := s.FindOwnerByUsername("alice")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", o.OwnerID)

	_, err = s.FindOwnerByUsername("nobody")
	assert.True(t, fault.Is(err, fault.NotFound))
	assert.Equal(t, "owner_not_found", fault.StatusOf(err))
}

func TestSources(t *testing.T) {
	s := newTestStore(t)

	src, err := s.AddSource("owner-1", "fw", "https://git.example/fw.git", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultBranch, src.Branch, "branch defaults to origin/master")

	_, err = s.AddSource("owner-1", "fw", "https://git.example/other.git", "")
	assert.True(t, fault.Is(err, fault.Conflict))

	_, err = s.AddSource("owner-1", "", "https://git.example/x.git", "")
	assert.Equal(t, "missing_source_alias", fault.StatusOf(err))
	_, err = s.AddSource("owner-1", "x", "", "")
	assert.Equal(t, "missing_source_url", fault.StatusOf(err))

	got, err := s.FindSourceByAlias("owner-1", "fw")
	require.NoError(t, err)
	assert.Equal(t, "https://git.example/fw.git", got.URL)

	_, err = s.FindSourceByAlias("owner-1", "nope")
	assert.True(t, fault.Is(err, fault.NotFound))

	require.NoError(t, s.RemoveSource("owner-1", "fw"))
	err = s.RemoveSource("owner-1", "fw")
	assert.True(t, fault.Is(err, fault.NotFound))
}
