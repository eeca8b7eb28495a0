package devapi

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"otaforge/internal/accounts"
	"otaforge/internal/deploy"
	"otaforge/internal/logs"
	"otaforge/internal/models"
	"otaforge/internal/registry"
)

// handleRegister — check-in устройства. Тело: {"registration": {...}}.
// Ответ всегда обёрнут в {"registration": {...}}; status OK либо
// FIRMWARE_UPDATE (тогда рядом лежат поля конверта).
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	owner := a.authDevice(w, r)
	if owner == nil {
		return
	}

	var req struct {
		Registration *struct {
			MAC       string `json:"mac"`
			Firmware  string `json:"firmware"`
			Commit    string `json:"hash"`
			Checksum  string `json:"checksum"`
			Version   string `json:"version"`
			PushToken string `json:"push"`
			Alias     string `json:"alias"`
			UDID      string `json:"udid"`
		} `json:"registration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Registration == nil {
		writeRegistration(w, map[string]any{"success": false, "status": "no_registration"})
		return
	}
	reg := req.Registration

	dev, isNew, err := a.registry.Upsert(owner.OwnerID, registry.Fields{
		MAC:       reg.MAC,
		Firmware:  reg.Firmware,
		Commit:    reg.Commit,
		Checksum:  reg.Checksum,
		Version:   reg.Version,
		PushToken: reg.PushToken,
		Alias:     reg.Alias,
		UDID:      reg.UDID,
		KeyHash:   accounts.HashKey(r.Header.Get("Authentication")),
	})
	if err != nil {
		a.respondFault(w, err)
		return
	}
	if isNew {
		if err := a.deploy.InitWithDevice(owner.OwnerID, dev.UDID); err != nil {
			logs.Logger.Warnf("deploy init %s/%s: %v", owner.OwnerID, dev.UDID, err)
		}
		a.audit.Append(owner.OwnerID, "Device registered: "+dev.UDID)
	}

	env, err := a.deploy.LatestEnvelope(owner.OwnerID, dev.UDID)
	if err != nil {
		logs.With(map[string]any{"udid": dev.UDID}).Warnf("envelope: %v", err)
		env = nil // конверт нечитаем — ведём себя как "нет апдейта"
	}

	resp := map[string]any{
		"success": true,
		"status":  "OK",
		"owner":   owner.OwnerID,
		"udid":    dev.UDID,
		"alias":   dev.Alias,
	}
	if decision, out := deploy.Negotiate(dev, env); decision == deploy.UpdateAvailable {
		resp["status"] = "FIRMWARE_UPDATE"
		resp["url"] = out.URL
		resp["mac"] = out.MAC
		resp["commit"] = out.Commit
		resp["version"] = out.Version
		resp["checksum"] = out.Checksum
	}
	writeRegistration(w, resp)
}

// handleFirmware — выдача бинаря прошивки. Тело: {mac, ...}; отдаём
// октет-поток, если Negotiate говорит "есть апдейт", иначе
// {success:false, status:"no_update_available"}.
func (a *API) handleFirmware(w http.ResponseWriter, r *http.Request) {
	owner := a.authDevice(w, r)
	if owner == nil {
		return
	}

	var req struct {
		MAC  string `json:"mac"`
		UDID string `json:"udid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteStatus(w, false, "missing_mac")
		return
	}

	var dev *models.Device
	var err error
	switch {
	case req.UDID != "":
		dev, err = a.registry.ResolveOwnerDevice(owner.OwnerID, req.UDID)
	case req.MAC != "":
		dev, err = a.registry.GetByMAC(owner.OwnerID, req.MAC)
	default:
		models.WriteStatus(w, false, "missing_mac")
		return
	}
	if err != nil {
		a.respondFault(w, err)
		return
	}

	env, err := a.deploy.LatestEnvelope(owner.OwnerID, dev.UDID)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	decision, out := deploy.Negotiate(dev, env)
	if decision == deploy.NoUpdate {
		// "нет апдейта" — штатный исход, не ошибка
		models.WriteStatus(w, true, "no_update_available")
		return
	}

	path, err := a.deploy.ArtifactPath(owner.OwnerID, dev.UDID, out)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError,
			"Artifact unreadable", err.Error(), nil)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(path))
	w.Header().Set("X-Firmware-Commit", out.Commit)
	w.Header().Set("X-Firmware-Version", out.Version)
	w.Header().Set("X-Firmware-Checksum", out.Checksum)
	if _, err := io.Copy(w, f); err != nil {
		logs.With(map[string]any{"udid": dev.UDID}).Warnf("firmware stream: %v", err)
		return
	}
	a.audit.Append(owner.OwnerID, "Firmware served to "+dev.UDID+" ("+out.Commit+")")
}

func writeRegistration(w http.ResponseWriter, body map[string]any) {
	writeJSON(w, map[string]any{"registration": body})
}
