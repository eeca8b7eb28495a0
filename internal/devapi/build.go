package devapi

import (
	"encoding/json"
	"net/http"

	"otaforge/internal/models"
)

// handleBuild — постановка сборки. Тело: {"build": {hash, source, dryrun}}.
// hash — UDID либо легаси-MAC устройства; source — alias git-источника.
func (a *API) handleBuild(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}

	var req struct {
		Build *struct {
			DeviceRef   string `json:"hash"`
			SourceAlias string `json:"source"`
			DryRun      bool   `json:"dryrun"`
		} `json:"build"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Build == nil {
		writeBuild(w, map[string]any{"success": false, "status": "missing_device_hash"})
		return
	}
	if req.Build.DeviceRef == "" {
		writeBuild(w, map[string]any{"success": false, "status": "missing_device_hash"})
		return
	}
	if req.Build.SourceAlias == "" {
		writeBuild(w, map[string]any{"success": false, "status": "missing_source_alias"})
		return
	}

	job, err := a.queue.Submit(owner.OwnerID, req.Build.DeviceRef, req.Build.SourceAlias, req.Build.DryRun)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	a.audit.Append(owner.OwnerID, "Build submitted: "+job.BuildID+" for "+job.UDID)

	status := "Build started."
	if job.DryRun {
		status = "Dry-run started. Build will not be deployed."
	}
	writeBuild(w, map[string]any{
		"success": true,
		"status":  status,
		"id":      job.BuildID,
	})
}

func (a *API) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	job, err := a.ownedJob(owner.OwnerID, pathVar(r, "id"))
	if err != nil {
		a.respondFault(w, err)
		return
	}
	writeBuild(w, map[string]any{
		"success":      true,
		"id":           job.BuildID,
		"udid":         job.UDID,
		"source":       job.SourceAlias,
		"dryrun":       job.DryRun,
		"state":        job.Status,
		"reason":       job.Reason,
		"submitted_at": job.SubmittedAt,
		"started_at":   job.StartedAt,
		"finished_at":  job.FinishedAt,
	})
}

func (a *API) handleBuildCancel(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	id := pathVar(r, "id")
	if err := a.queue.Cancel(owner.OwnerID, id); err != nil {
		a.respondFault(w, err)
		return
	}
	a.audit.Append(owner.OwnerID, "Build cancelled: "+id)
	models.WriteStatus(w, true, "cancelled")
}

func (a *API) handleBuildList(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	jobs, err := a.queue.List(owner.OwnerID)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "builds": jobs})
}

// handleBuildLog — журнал одной сборки. Тело: {"build_id": "..."}.
func (a *API) handleBuildLog(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	var req struct {
		BuildID string `json:"build_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BuildID == "" {
		models.WriteStatus(w, false, "missing_build_id")
		return
	}
	if _, err := a.ownedJob(owner.OwnerID, req.BuildID); err != nil {
		a.respondFault(w, err)
		return
	}
	entries, err := a.queue.Logs(req.BuildID)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "log": entries})
}

// handleBuildLogList — все сборки владельца вместе с их журналами.
func (a *API) handleBuildLogList(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	jobs, err := a.queue.List(owner.OwnerID)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for i := range jobs {
		entries, err := a.queue.Logs(jobs[i].BuildID)
		if err != nil {
			a.respondFault(w, err)
			return
		}
		out = append(out, map[string]any{"build": jobs[i], "log": entries})
	}
	writeJSON(w, map[string]any{"success": true, "builds": out})
}

func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	owner := a.authOwner(w, r)
	if owner == nil {
		return
	}
	entries, err := a.audit.List(owner.OwnerID)
	if err != nil {
		a.respondFault(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "logs": entries})
}

// ownedJob отдаёт сборку только её владельцу. Чужая сборка — forbidden,
// не not_found: попытка доступа не маскируется.
func (a *API) ownedJob(ownerID, buildID string) (*models.BuildJob, error) {
	job, err := a.queue.Status(buildID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, errForbidden
	}
	return job, nil
}

func writeBuild(w http.ResponseWriter, body map[string]any) {
	writeJSON(w, map[string]any{"build": body})
}
