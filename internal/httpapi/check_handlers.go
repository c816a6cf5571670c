package httpapi

import (
	"net/http"
	"strings"
	"time"

	"granta.org/internal/authz"
	"granta.org/internal/events"
	"granta.org/internal/obs"
)

type checkRequest struct {
	SubjectID   string   `json:"subject_id"`
	Permission  string   `json:"permission,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Application string   `json:"application,omitempty"`
	InstanceID  string   `json:"resource_instance_id,omitempty"`
}

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" || strings.TrimSpace(req.Permission) == "" {
		writeError(w, r, http.StatusBadRequest, "subject_id and permission are required")
		return
	}

	allowed, err := a.svc.HasPermission(r.Context(), req.SubjectID, req.Permission, defaultApplication(r, req.Application), req.InstanceID)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.finishCheck(w, r, req.SubjectID, req.Permission, req.InstanceID, allowed)
}

func (a *API) handleCheckAny(w http.ResponseWriter, r *http.Request) {
	a.handleBatchCheck(w, r, authz.CheckAnyPermission)
}

func (a *API) handleCheckAll(w http.ResponseWriter, r *http.Request) {
	a.handleBatchCheck(w, r, authz.CheckPermission)
}

func (a *API) handleBatchCheck(w http.ResponseWriter, r *http.Request, kind authz.CheckKind) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" || len(req.Permissions) == 0 {
		writeError(w, r, http.StatusBadRequest, "subject_id and permissions are required")
		return
	}

	decision, err := a.svc.Evaluate(r.Context(), req.SubjectID, defaultApplication(r, req.Application), authz.Check{
		Kind:        kind,
		Permissions: req.Permissions,
		InstanceID:  req.InstanceID,
	})
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.finishCheck(w, r, req.SubjectID, strings.Join(req.Permissions, ","), req.InstanceID, decision.Allowed)
}

func (a *API) finishCheck(w http.ResponseWriter, r *http.Request, subjectID, permission, instanceID string, allowed bool) {
	obs.Decision(allowed)
	a.publish(events.Event{
		Kind:       events.KindDecision,
		SubjectID:  subjectID,
		Permission: permission,
		InstanceID: instanceID,
		Allowed:    allowed,
		Timestamp:  time.Now().UTC(),
	})
	resp := map[string]any{"allowed": allowed}
	if !allowed {
		resp["reason"] = "no matching grant"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSubjectScoped dispatches /v1/subjects/{id}/... sub-resources.
func (a *API) handleSubjectScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/subjects/"), "/")
	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	subjectID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "permissions":
		a.listSubjectPermissions(w, r, subjectID)
	case len(parts) == 2 && parts[1] == "roles":
		a.subjectRoles(w, r, subjectID)
	case len(parts) == 4 && parts[1] == "instances" && parts[3] == "permissions":
		a.subjectInstancePermissions(w, r, subjectID, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (a *API) listSubjectPermissions(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	perms, err := a.svc.ListPermissions(r.Context(), subjectID, r.URL.Query().Get("application"))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id":  subjectID,
		"permissions": perms,
	})
}
