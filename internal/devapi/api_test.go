package devapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"otaforge/internal/accounts"
	"otaforge/internal/audit"
	"otaforge/internal/builder"
	"otaforge/internal/deploy"
	"otaforge/internal/models"
	"otaforge/internal/registry"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testUA     = "OTAForge-Client"
	testAPIKey = "test-api-key-secret"
	testOwner  = "1122334455667788112233445566778811223344556677881122334455667788"
)

type env struct {
	router   *mux.Router
	db       *gorm.DB
	deploy   *deploy.Store
	registry *registry.Store
	queue    *builder.Queue
}

// blockingRunner висит до отмены; для быстрых сборок см. okRunner.
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, c builder.Command) builder.Result {
	<-ctx.Done()
	return builder.Result{ExitCode: -1, Signaled: true}
}

type okRunner struct{}

func (okRunner) Run(ctx context.Context, c builder.Command) builder.Result {
	return builder.Result{ExitCode: 0}
}

func newEnv(t *testing.T, runner builder.Runner) *env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Device{}, &models.Owner{}, &models.APIKey{}, &models.Source{},
		&models.BuildJob{}, &models.BuildLogEntry{}, &models.AuditLogEntry{},
	))

	require.NoError(t, db.Create(&models.Owner{OwnerID: testOwner, Username: "tester"}).Error)
	require.NoError(t, db.Create(&models.APIKey{
		OwnerID: testOwner, KeyHash: accounts.HashKey(testAPIKey),
	}).Error)
	require.NoError(t, db.Create(&models.Source{
		OwnerID: testOwner, Alias: "fw", URL: "https://git.example/fw.git",
		Branch: accounts.DefaultBranch,
	}).Error)

	acc := accounts.NewStore(db)
	reg := registry.NewStore(db)
	dep := deploy.NewStore(t.TempDir())
	q := builder.NewQueue(builder.Options{Workers: 1}, builder.NewDBStore(db), runner, reg, acc)
	q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})

	api := New(testUA, acc, reg, dep, q, nil, audit.NewLog(db))
	r := mux.NewRouter()
	api.RegisterRoutes(r)
	return &env{router: r, db: db, deploy: dep, registry: reg, queue: q}
}

func (e *env) do(t *testing.T, method, path string, body any, device bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authentication", testAPIKey)
	if device {
		req.Header.Set("User-Agent", testUA+"/2.1")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), "body: %s", w.Body.String())
	return m
}

func registration(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	m := decode(t, w)
	reg, ok := m["registration"].(map[string]any)
	require.True(t, ok, "missing registration wrapper: %s", w.Body.String())
	return reg
}

func TestRegisterRequiresDeviceUserAgent(t *testing.T) {
	e := newEnv(t, okRunner{})
	w := e.do(t, http.MethodPost, "/device/register",
		map[string]any{"registration": map[string]any{"mac": "aa:bb"}}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterRejectsBadKey(t *testing.T) {
	e := newEnv(t, okRunner{})
	req := httptest.NewRequest(http.MethodPost, "/device/register",
		bytes.NewBufferString(`{"registration":{"mac":"aa:bb"}}`))
	req.Header.Set("User-Agent", testUA)
	req.Header.Set("Authentication", "wrong-key")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	m := decode(t, w)
	assert.Equal(t, "authentication", m["status"])
}

func TestRegisterNewDevice(t *testing.T) {
	e := newEnv(t, okRunner{})
	w := e.do(t, http.MethodPost, "/device/register", map[string]any{
		"registration": map[string]any{
			"mac": "5C:CF:7F:00:00:01", "firmware": "thinx-0.1", "hash": "abc123",
		},
	}, true)

	require.Equal(t, http.StatusOK, w.Code)
	reg := registration(t, w)
	assert.Equal(t, true, reg["success"])
	assert.Equal(t, "OK", reg["status"])
	assert.NotEmpty(t, reg["udid"])
	assert.Equal(t, testOwner, reg["owner"])
}

func TestRegisterAnnouncesFirmwareUpdate(t *testing.T) {
	e := newEnv(t, okRunner{})

	// первая регистрация — узнаём UDID
	w := e.do(t, http.MethodPost, "/device/register", map[string]any{
		"registration": map[string]any{"mac": "aa:bb:cc:00:00:02", "hash": "oldcommit"},
	}, true)
	udid := registration(t, w)["udid"].(string)

	require.NoError(t, e.deploy.WriteEnvelope(testOwner, udid, &deploy.Envelope{
		URL: "http://srv/fw.bin", UDID: udid, Commit: "newcommit",
		Version: "1.1.0", Checksum: "newsum", Artifact: "fw.bin",
	}))

	w = e.do(t, http.MethodPost, "/device/register", map[string]any{
		"registration": map[string]any{"mac": "aa:bb:cc:00:00:02", "hash": "oldcommit"},
	}, true)
	reg := registration(t, w)
	assert.Equal(t, "FIRMWARE_UPDATE", reg["status"])
	assert.Equal(t, "http://srv/fw.bin", reg["url"])
	assert.Equal(t, "newcommit", reg["commit"])
}

func TestRegisterMissingBody(t *testing.T) {
	e := newEnv(t, okRunner{})
	w := e.do(t, http.MethodPost, "/device/register", map[string]any{}, true)
	reg := registration(t, w)
	assert.Equal(t, false, reg["success"])
	assert.Equal(t, "no_registration", reg["status"])
}

func TestFirmwareNoUpdate(t *testing.T) {
	e := newEnv(t, okRunner{})
	e.do(t, http.MethodPost, "/device/register", map[string]any{
		"registration": map[string]any{"mac": "aa:bb:cc:00:00:03"},
	}, true)

	w := e.do(t, http.MethodPost, "/device/firmware",
		map[string]any{"mac": "aa:bb:cc:00:00:03"}, true)
	m := decode(t, w)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "no_update_available", m["status"])
}

func TestFirmwareStreamsArtifact(t *testing.T) {
	e := newEnv(t, okRunner{})
	w := e.do(t, http.MethodPost, "/device/register", map[string]any{
		"registration": map[string]any{"mac": "aa:bb:cc:00:00:04", "hash": "oldcommit"},
	}, true)
	udid := registration(t, w)["udid"].(string)

	require.NoError(t, e.deploy.WriteEnvelope(testOwner, udid, &deploy.Envelope{
		UDID: udid, Commit: "newcommit", Checksum: "sum", Version: "2.0.0", Artifact: "fw.bin",
	}))
	artifact := e.deploy.PathForDevice(testOwner, udid) + "/fw.bin"
	require.NoError(t, writeFile(artifact, "FIRMWARE-BYTES"))

	w = e.do(t, http.MethodPost, "/device/firmware",
		map[string]any{"mac": "aa:bb:cc:00:00:04"}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "newcommit", w.Header().Get("X-Firmware-Commit"))
	assert.Equal(t, "FIRMWARE-BYTES", w.Body.String())
}

func TestFirmwareMissingMAC(t *testing.T) {
	e := newEnv(t, okRunner{})
	w := e.do(t, http.MethodPost, "/device/firmware", map[string]any{}, true)
	m := decode(t, w)
	assert.Equal(t, "missing_mac", m["status"])
}

func TestBuildSubmitValidation(t *testing.T) {
	e := newEnv(t, okRunner{})

	w := e.do(t, http.MethodPost, "/api/build",
		map[string]any{"build": map[string]any{"source": "fw"}}, false)
	b := decode(t, w)["build"].(map[string]any)
	assert.Equal(t, "missing_device_hash", b["status"])

	w = e.do(t, http.MethodPost, "/api/build",
		map[string]any{"build": map[string]any{"hash": "some-udid"}}, false)
	b = decode(t, w)["build"].(map[string]any)
	assert.Equal(t, "missing_source_alias", b["status"])
}

func TestBuildLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, blockingRunner{})
	w := e.do(t, http.MethodPost, "/device/register", map[string]any{
		"registration": map[string]any{"mac": "aa:bb:cc:00:00:05"},
	}, true)
	udid := registration(t, w)["udid"].(string)

	w = e.do(t, http.MethodPost, "/api/build", map[string]any{
		"build": map[string]any{"hash": udid, "source": "fw"},
	}, false)
	b := decode(t, w)["build"].(map[string]any)
	require.Equal(t, true, b["success"], "body: %s", w.Body.String())
	id := b["id"].(string)
	require.NotEmpty(t, id)

	// вторая сборка того же устройства — конфликт
	w = e.do(t, http.MethodPost, "/api/build", map[string]any{
		"build": map[string]any{"hash": udid, "source": "fw"},
	}, false)
	m := decode(t, w)
	assert.Equal(t, "build_in_progress", m["status"])

	// статус виден
	w = e.do(t, http.MethodGet, "/api/build/"+id, nil, false)
	b = decode(t, w)["build"].(map[string]any)
	assert.Contains(t, []string{"QUEUED", "RUNNING"}, b["state"])

	// отмена
	w = e.do(t, http.MethodPost, "/api/build/"+id+"/cancel", nil, false)
	assert.Equal(t, true, decode(t, w)["success"])

	require.Eventually(t, func() bool {
		j, err := e.queue.Status(id)
		return err == nil && j.Status == "FAILED" && j.Reason == "cancelled"
	}, 3*time.Second, 10*time.Millisecond)

	// журнал сборки
	w = e.do(t, http.MethodPost, "/api/user/logs/build",
		map[string]any{"build_id": id}, false)
	m = decode(t, w)
	assert.Equal(t, true, m["success"])
	assert.NotEmpty(t, m["log"])

	w = e.do(t, http.MethodGet, "/api/builds", nil, false)
	m = decode(t, w)
	assert.Len(t, m["builds"], 1)
}

func TestBuildUnknownDevice(t *testing.T) {
	e := newEnv(t, okRunner{})
	w := e.do(t, http.MethodPost, "/api/build", map[string]any{
		"build": map[string]any{"hash": "nonexistent", "source": "fw"},
	}, false)
	m := decode(t, w)
	assert.Equal(t, "device_not_found", m["status"])
}

func TestDryRunStatusLine(t *testing.T) {
	e := newEnv(t, okRunner{})
	w := e.do(t, http.MethodPost, "/device/register", map[string]any{
		"registration": map[string]any{"mac": "aa:bb:cc:00:00:06"},
	}, true)
	udid := registration(t, w)["udid"].(string)

	w = e.do(t, http.MethodPost, "/api/build", map[string]any{
		"build": map[string]any{"hash": udid, "source": "fw", "dryrun": true},
	}, false)
	b := decode(t, w)["build"].(map[string]any)
	assert.Equal(t, "Dry-run started. Build will not be deployed.", b["status"])
}

func TestDeviceManagement(t *testing.T) {
	e := newEnv(t, okRunner{})
	w := e.do(t, http.MethodPost, "/device/register", map[string]any{
		"registration": map[string]any{"mac": "aa:bb:cc:00:00:07", "alias": "old-name"},
	}, true)
	udid := registration(t, w)["udid"].(string)

	// список устройств
	w = e.do(t, http.MethodGet, "/api/user/devices", nil, false)
	m := decode(t, w)
	assert.Len(t, m["devices"], 1)

	// переименование
	w = e.do(t, http.MethodPost, "/api/device/edit", map[string]any{
		"changes": []map[string]any{{"udid": udid, "alias": "new-name"}},
	}, false)
	assert.Equal(t, true, decode(t, w)["success"])
	dev, err := e.registry.GetByUDID(udid)
	require.NoError(t, err)
	assert.Equal(t, "new-name", dev.Alias)

	// привязка источника (watch-бридж в тестах не поднят)
	w = e.do(t, http.MethodPost, "/api/device/attach",
		map[string]any{"udid": udid, "alias": "fw"}, false)
	assert.Equal(t, "fw", decode(t, w)["attached"])

	w = e.do(t, http.MethodPost, "/api/device/detach",
		map[string]any{"udid": udid}, false)
	assert.Equal(t, true, decode(t, w)["success"])

	// отзыв
	w = e.do(t, http.MethodPost, "/api/device/revoke",
		map[string]any{"udid": udid}, false)
	assert.Equal(t, udid, decode(t, w)["revoked"])
	_, err = e.registry.GetByUDID(udid)
	assert.Error(t, err)
}

func TestSourcesCRUD(t *testing.T) {
	e := newEnv(t, okRunner{})

	w := e.do(t, http.MethodPost, "/api/user/source", map[string]any{
		"alias": "beta", "url": "https://git.example/beta.git",
	}, false)
	m := decode(t, w)
	require.Equal(t, true, m["success"], "body: %s", w.Body.String())
	src := m["source"].(map[string]any)
	assert.Equal(t, accounts.DefaultBranch, src["Branch"], "branch defaults when omitted")

	// дубль alias — конфликт
	w = e.do(t, http.MethodPost, "/api/user/source", map[string]any{
		"alias": "beta", "url": "https://git.example/beta.git",
	}, false)
	assert.Equal(t, "source_exists", decode(t, w)["status"])

	w = e.do(t, http.MethodGet, "/api/user/sources/list", nil, false)
	assert.Len(t, decode(t, w)["sources"], 2) // "fw" из фикстур + "beta"

	w = e.do(t, http.MethodPost, "/api/user/source/revoke",
		map[string]any{"alias": "beta"}, false)
	assert.Equal(t, true, decode(t, w)["success"])

	w = e.do(t, http.MethodPost, "/api/user/source/revoke",
		map[string]any{"alias": "beta"}, false)
	assert.Equal(t, "source_not_found", decode(t, w)["status"])
}

func TestAuditLogRecordsActions(t *testing.T) {
	e := newEnv(t, okRunner{})
	e.do(t, http.MethodPost, "/device/register", map[string]any{
		"registration": map[string]any{"mac": "aa:bb:cc:00:00:08"},
	}, true)

	w := e.do(t, http.MethodGet, "/api/user/logs/audit", nil, false)
	m := decode(t, w)
	assert.Equal(t, true, m["success"])
	assert.NotEmpty(t, m["logs"], "device registration must leave an audit trail")
}
