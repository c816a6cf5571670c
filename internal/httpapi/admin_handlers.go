package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"granta.org/internal/authz"
	"granta.org/internal/events"
)

type roleGrantRequest struct {
	RoleCode    string `json:"role_code"`
	Application string `json:"application,omitempty"`
	InstanceID  string `json:"resource_instance_id,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// subjectRoles handles GET (list), POST (assign) and DELETE (revoke) on
// /v1/subjects/{id}/roles.
func (a *API) subjectRoles(w http.ResponseWriter, r *http.Request, subjectID string) {
	switch r.Method {
	case http.MethodGet:
		roles, err := a.svc.ListRoles(r.Context(), subjectID, r.URL.Query().Get("application"))
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subject_id": subjectID,
			"roles":      roles,
		})
	case http.MethodPost:
		a.assignRole(w, r, subjectID, "")
	case http.MethodDelete:
		a.revokeRole(w, r, subjectID, "")
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

// handleTeamScoped dispatches /v1/teams/{code}/roles.
func (a *API) handleTeamScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/teams/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "roles" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.assignRole(w, r, "", parts[0])
	case http.MethodDelete:
		a.revokeRole(w, r, "", parts[0])
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request, subjectID, teamCode string) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req roleGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	expiresAt, err := parseExpiry(req.ExpiresAt)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	assignment, err := a.svc.AssignRole(r.Context(), authz.AssignRoleInput{
		SubjectID:       subjectID,
		TeamCode:        teamCode,
		RoleCode:        req.RoleCode,
		ApplicationCode: req.Application,
		InstanceID:      req.InstanceID,
		ExpiresAt:       expiresAt,
	})
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "role.assigned", "role_assignment", assignment.ID, map[string]string{
		"role_code":  req.RoleCode,
		"subject_id": subjectID,
		"team_code":  teamCode,
	})
	a.publishMutation("role.assigned", subjectID, req.InstanceID)
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request, subjectID, teamCode string) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req roleGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.svc.RevokeRole(r.Context(), authz.AssignRoleInput{
		SubjectID:       subjectID,
		TeamCode:        teamCode,
		RoleCode:        req.RoleCode,
		ApplicationCode: req.Application,
		InstanceID:      req.InstanceID,
	})
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "role.revoked", "role_assignment", "", map[string]string{
		"role_code":  req.RoleCode,
		"subject_id": subjectID,
		"team_code":  teamCode,
	})
	a.publishMutation("role.revoked", subjectID, req.InstanceID)
	w.WriteHeader(http.StatusNoContent)
}

type instanceGrantRequest struct {
	Permission  string `json:"permission"`
	Application string `json:"application,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// subjectInstancePermissions handles GET (list), POST (grant) and DELETE
// (revoke) on /v1/subjects/{id}/instances/{iid}/permissions.
func (a *API) subjectInstancePermissions(w http.ResponseWriter, r *http.Request, subjectID, instanceID string) {
	switch r.Method {
	case http.MethodGet:
		perms, err := a.svc.InstancePermissions(r.Context(), subjectID, instanceID)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subject_id":           subjectID,
			"resource_instance_id": instanceID,
			"permissions":          perms,
		})
	case http.MethodPost:
		if !a.requireAdmin(w, r) {
			return
		}
		var req instanceGrantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		expiresAt, err := parseExpiry(req.ExpiresAt)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		grant, err := a.svc.GrantInstancePermission(r.Context(), subjectID, instanceID, req.Permission, defaultApplication(r, req.Application), expiresAt)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.audit(r.Context(), "instance_permission.granted", "instance_permission", grant.ID, map[string]string{
			"subject_id":           subjectID,
			"resource_instance_id": instanceID,
			"permission":           grant.PermissionCode,
		})
		a.publishMutation("instance_permission.granted", subjectID, instanceID)
		writeJSON(w, http.StatusCreated, grant)
	case http.MethodDelete:
		if !a.requireAdmin(w, r) {
			return
		}
		var req instanceGrantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.RevokeInstancePermission(r.Context(), subjectID, instanceID, req.Permission, defaultApplication(r, req.Application)); err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.audit(r.Context(), "instance_permission.revoked", "instance_permission", "", map[string]string{
			"subject_id":           subjectID,
			"resource_instance_id": instanceID,
			"permission":           req.Permission,
		})
		a.publishMutation("instance_permission.revoked", subjectID, instanceID)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

type provisionSubjectRequest struct {
	ExternalID  string `json:"external_id"`
	Provider    string `json:"provider"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

func (a *API) handleSubjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req provisionSubjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subject, err := a.svc.ProvisionSubject(r.Context(), authz.ProvisionSubjectInput{
		ExternalID:  req.ExternalID,
		Provider:    req.Provider,
		Email:       req.Email,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "subject.provisioned", "subject", subject.ID, map[string]string{
		"provider": subject.Provider,
	})
	writeJSON(w, http.StatusCreated, subject)
}

type registerInstanceRequest struct {
	Application    string `json:"application"`
	ResourceType   string `json:"resource_type"`
	ExternalID     string `json:"external_id"`
	OwnerSubjectID string `json:"owner_subject_id,omitempty"`
}

func (a *API) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}
	var req registerInstanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := a.svc.RegisterResourceInstance(r.Context(), authz.RegisterResourceInstanceInput{
		ApplicationCode:  defaultApplication(r, req.Application),
		ResourceTypeCode: req.ResourceType,
		ExternalID:       req.ExternalID,
		OwnerSubjectID:   req.OwnerSubjectID,
	})
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "instance.registered", "resource_instance", inst.ID, map[string]string{
		"resource_type": req.ResourceType,
		"external_id":   req.ExternalID,
	})
	a.publishMutation("instance.registered", req.OwnerSubjectID, inst.ID)
	writeJSON(w, http.StatusCreated, inst)
}

func (a *API) handleInstanceResource(w http.ResponseWriter, r *http.Request) {
	instanceID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/instances/"), "/")
	if instanceID == "" || strings.Contains(instanceID, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}
	if err := a.svc.RemoveResourceInstance(r.Context(), instanceID); err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "instance.removed", "resource_instance", instanceID, nil)
	a.publishMutation("instance.removed", "", instanceID)
	w.WriteHeader(http.StatusNoContent)
}

type invalidateRequest struct {
	SubjectID string `json:"subject_id,omitempty"`
}

func (a *API) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}
	var req invalidateRequest
	if err := decodeJSON(w, r, &req); err != nil && err.Error() != "request body is required" {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.SubjectID != "" {
		a.svc.InvalidateSubject(r.Context(), req.SubjectID)
	} else {
		a.svc.InvalidateAll(r.Context())
	}
	a.publish(events.Event{
		Kind:      events.KindInvalidation,
		SubjectID: req.SubjectID,
		Timestamp: time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated"})
}

func (a *API) publishMutation(operation, subjectID, instanceID string) {
	a.publish(events.Event{
		Kind:       events.KindMutation,
		Operation:  operation,
		SubjectID:  subjectID,
		InstanceID: instanceID,
		Timestamp:  time.Now().UTC(),
	})
}

// handleEvents streams decision and mutation events as server-sent events.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusNotImplemented, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := a.stream.Subscribe(r.Context())
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, open := <-sub:
			if !open {
				return
			}
			data, err := marshalEvent(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
			flusher.Flush()
		}
	}
}
