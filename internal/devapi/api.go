// Package devapi — HTTP-фасад флота: ручки для устройств (/device/...)
// и для владельцев (/api/...). Вся логика живёт в registry/deploy/builder/
// watcher; здесь только трансляция запросов и ошибок.
package devapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"otaforge/internal/accounts"
	"otaforge/internal/audit"
	"otaforge/internal/builder"
	"otaforge/internal/deploy"
	"otaforge/internal/fault"
	"otaforge/internal/models"
	"otaforge/internal/registry"
	"otaforge/internal/watcher"

	"github.com/gorilla/mux"
)

type API struct {
	userAgent string // обязательный префикс User-Agent устройств

	accounts *accounts.Store
	registry *registry.Store
	deploy   *deploy.Store
	queue    *builder.Queue
	bridge   *watcher.Bridge
	audit    *audit.Log
}

var errForbidden = fault.New(fault.Forbidden, "forbidden")

func New(userAgent string, acc *accounts.Store, reg *registry.Store, dep *deploy.Store,
	q *builder.Queue, bridge *watcher.Bridge, alog *audit.Log) *API {
	return &API{
		userAgent: userAgent,
		accounts:  acc,
		registry:  reg,
		deploy:    dep,
		queue:     q,
		bridge:    bridge,
		audit:     alog,
	}
}

func (a *API) RegisterRoutes(r *mux.Router) {
	// устройства
	r.HandleFunc("/device/register", a.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/device/firmware", a.handleFirmware).Methods(http.MethodPost)

	// сборки
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/build", a.handleBuild).Methods(http.MethodPost)
	api.HandleFunc("/build/{id}", a.handleBuildStatus).Methods(http.MethodGet)
	api.HandleFunc("/build/{id}/cancel", a.handleBuildCancel).Methods(http.MethodPost)
	api.HandleFunc("/builds", a.handleBuildList).Methods(http.MethodGet)

	// устройства владельца + источники + логи
	api.HandleFunc("/user/devices", a.handleDeviceList).Methods(http.MethodGet)
	api.HandleFunc("/device/edit", a.handleDeviceEdit).Methods(http.MethodPost)
	api.HandleFunc("/device/attach", a.handleDeviceAttach).Methods(http.MethodPost)
	api.HandleFunc("/device/detach", a.handleDeviceDetach).Methods(http.MethodPost)
	api.HandleFunc("/device/revoke", a.handleDeviceRevoke).Methods(http.MethodPost)
	api.HandleFunc("/user/sources/list", a.handleSourceList).Methods(http.MethodGet)
	api.HandleFunc("/user/source", a.handleSourceAdd).Methods(http.MethodPost)
	api.HandleFunc("/user/source/revoke", a.handleSourceRevoke).Methods(http.MethodPost)
	api.HandleFunc("/user/logs/audit", a.handleAuditLog).Methods(http.MethodGet)
	api.HandleFunc("/user/logs/build/list", a.handleBuildLogList).Methods(http.MethodGet)
	api.HandleFunc("/user/logs/build", a.handleBuildLog).Methods(http.MethodPost)
}

// authOwner — владелец по заголовку Authentication (API-ключ).
func (a *API) authOwner(w http.ResponseWriter, r *http.Request) *models.Owner {
	owner, err := a.accounts.Authorize(r.Header.Get("Authentication"))
	if err != nil {
		a.respondFault(w, err)
		return nil
	}
	return owner
}

// authDevice — то же + проверка User-Agent агента прошивки.
func (a *API) authDevice(w http.ResponseWriter, r *http.Request) *models.Owner {
	if a.userAgent != "" && !strings.HasPrefix(r.UserAgent(), a.userAgent) {
		http.Error(w, "client request has invalid User-Agent", http.StatusUnauthorized)
		return nil
	}
	return a.authOwner(w, r)
}

// respondFault — единая трансляция ошибок в протокол:
// недоступность хранилища — problem+503, отказ в аутентификации — 401,
// остальные доменные отказы — {success:false, status} c HTTP 200.
func (a *API) respondFault(w http.ResponseWriter, err error) {
	status := fault.StatusOf(err)
	switch {
	case fault.KindOf(err) == fault.UpstreamUnavailable, fault.KindOf(err) == 0:
		models.WriteProblem(w, http.StatusServiceUnavailable,
			"Upstream unavailable", "persistence failure, retry later", nil)
	case status == "authentication":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "status": status})
	default:
		models.WriteStatus(w, false, status)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func pathVar(r *http.Request, name string) string { return mux.Vars(r)[name] }
