package devapi

import (
	"encoding/json"
	"net/http"

	"otaforge/internal/fault"
	"otaforge/internal/models"
)

func (a *API) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	devices, err := a.registry.ListByOwner(owner.OwnerID)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "devices": devices})
}

// handleDeviceEdit — пакетное редактирование. Тело:
// {"changes": [{"udid": "...", "alias": "..."}]}. Каждое изменение
// применяется независимо; результат — по записи на изменение.
func (a *API) handleDeviceEdit(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	var req struct {
		Changes []struct {
			UDID  string `json:"udid"`
			Alias string `json:"alias"`
		} `json:"changes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Changes) == 0 {
		models.WriteStatus(w, false, "missing_changes")
		return
	}

	results := make([]map[string]any, 0, len(req.Changes))
	for _, c := range req.Changes {
		res := map[string]any{"udid": c.UDID, "success": true}
		if _, err := a.registry.ResolveOwnerDevice(owner.OwnerID, c.UDID); err != nil {
			res["success"] = false
			res["status"] = fault.StatusOf(err)
		} else if err := a.registry.SetAlias(c.UDID, c.Alias); err != nil {
			res["success"] = false
			res["status"] = fault.StatusOf(err)
		}
		results = append(results, res)
	}
	writeJSON(w, map[string]any{"success": true, "changes": results})
}

// handleDeviceAttach привязывает git-источник к устройству и вешает
// watch на его деплой-каталог: с этого момента изменения в каталоге
// могут триггерить автосборку.
func (a *API) handleDeviceAttach(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	var req struct {
		UDID  string `json:"udid"`
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Alias == "" {
		models.WriteStatus(w, false, "missing_source_alias")
		return
	}

	dev, err := a.registry.ResolveOwnerDevice(owner.OwnerID, req.UDID)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	src, err := a.accounts.FindSourceByAlias(owner.OwnerID, req.Alias)
	if err != nil {
		a.respondFault(w, err)
		return
	}

	if err := a.deploy.InitWithDevice(owner.OwnerID, dev.UDID); err != nil {
		a.respondFault(w, err)
		return
	}
	if a.bridge != nil {
		path := a.deploy.PathForDevice(owner.OwnerID, dev.UDID)
		if err := a.bridge.Attach(owner.OwnerID, dev.UDID, path); err != nil {
			a.respondFault(w, err)
			return
		}
	}
	if err := a.registry.AttachSource(dev.UDID, src.Alias); err != nil {
		a.respondFault(w, err)
		return
	}
	a.audit.Append(owner.OwnerID, "Source "+src.Alias+" attached to "+dev.UDID)
	writeJSON(w, map[string]any{"success": true, "attached": src.Alias})
}

func (a *API) handleDeviceDetach(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	var req struct {
		UDID string `json:"udid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteStatus(w, false, "missing_device_hash")
		return
	}

	dev, err := a.registry.ResolveOwnerDevice(owner.OwnerID, req.UDID)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	if a.bridge != nil {
		a.bridge.Detach(owner.OwnerID, dev.UDID)
	}
	if err := a.registry.DetachSource(dev.UDID); err != nil {
		a.respondFault(w, err)
		return
	}
	a.audit.Append(owner.OwnerID, "Source detached from "+dev.UDID)
	writeJSON(w, map[string]any{"success": true, "detached": dev.UDID})
}

// handleDeviceRevoke удаляет устройство из реестра. Деплой-каталог на
// диске остаётся (его чистит отдельная housekeeping-утилита), watch
// снимается сразу.
func (a *API) handleDeviceRevoke(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	var req struct {
		UDID string `json:"udid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteStatus(w, false, "missing_device_hash")
		return
	}

	dev, err := a.registry.ResolveOwnerDevice(owner.OwnerID, req.UDID)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	if a.bridge != nil {
		a.bridge.Detach(owner.OwnerID, dev.UDID)
	}
	if err := a.registry.Revoke(dev.UDID); err != nil {
		a.respondFault(w, err)
		return
	}
	a.audit.Append(owner.OwnerID, "Device revoked: "+dev.UDID)
	writeJSON(w, map[string]any{"success": true, "revoked": dev.UDID})
}

// ── источники ───────────────────────────────────────────────────────

func (a *API) handleSourceList(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	sources, err := a.accounts.ListSources(owner.OwnerID)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "sources": sources})
}

func (a *API) handleSourceAdd(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	var req struct {
		Alias  string `json:"alias"`
		URL    string `json:"url"`
		Branch string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteStatus(w, false, "missing_source_alias")
		return
	}
	src, err := a.accounts.AddSource(owner.OwnerID, req.Alias, req.URL, req.Branch)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	a.audit.Append(owner.OwnerID, "Source added: "+src.Alias)
	writeJSON(w, map[string]any{"success": true, "source": src})
}

func (a *API) handleSourceRevoke(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	var req struct {
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Alias == "" {
		models.WriteStatus(w, false, "missing_source_alias")
		return
	}
	if err := a.accounts.RemoveSource(owner.OwnerID, req.Alias); err != nil {
		a.respondFault(w, err)
		return
	}
	a.audit.Append(owner.OwnerID, "Source revoked: "+req.Alias)
	writeJSON(w, map[string]any{"success": true, "revoked": req.Alias})
}
