package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cache is the per-subject side channel for resolved permission and role
// lists. Implementations are best-effort: a miss, an error, or a nil Cache
// all degrade to direct resolution. Set must be atomic per key.
type Cache interface {
	GetPermissions(ctx context.Context, subjectID string) ([]string, bool)
	SetPermissions(ctx context.Context, subjectID string, permissions []string)
	GetRoles(ctx context.Context, subjectID string) ([]string, bool)
	SetRoles(ctx context.Context, subjectID string, roles []string)
	Invalidate(ctx context.Context, subjectID string)
	InvalidateAll(ctx context.Context)
}

// CheckKind discriminates the supported check variants.
type CheckKind int

const (
	// CheckPermission requires every listed permission.
	CheckPermission CheckKind = iota
	// CheckAnyPermission requires at least one listed permission.
	CheckAnyPermission
	// CheckRole requires the subject to hold the named role.
	CheckRole
)

// Check is a tagged check request evaluated by Service.Evaluate.
type Check struct {
	Kind        CheckKind
	Permissions []string
	Role        string
	InstanceID  string
}

// Service is the façade combining normalizer, resolver and cache behind the
// operations external collaborators consume. The cache is consulted only
// for subject-global queries without an application filter; instance-scoped
// and filtered queries always hit the resolver.
type Service struct {
	store    Store
	resolver *Resolver
	cache    Cache
}

// NewService wires the façade. cache may be nil to disable caching; results
// are identical either way.
func NewService(store Store, resolver *Resolver, cache Cache) (*Service, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	if resolver == nil {
		return nil, errors.New("authz: resolver is required")
	}
	return &Service{store: store, resolver: resolver, cache: cache}, nil
}

// ListPermissions returns the subject's flat permission set. The unfiltered
// form is cache-backed.
func (s *Service) ListPermissions(ctx context.Context, subjectID, applicationCode string) ([]string, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject_id is required", ErrInvalidInput)
	}
	if applicationCode != "" {
		return s.resolver.ListPermissions(ctx, subjectID, applicationCode)
	}
	if s.cache != nil {
		if perms, ok := s.cache.GetPermissions(ctx, subjectID); ok {
			return perms, nil
		}
	}
	perms, err := s.resolver.ListPermissions(ctx, subjectID, "")
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetPermissions(ctx, subjectID, perms)
	}
	return perms, nil
}

// ListRoles returns the subject's effective role codes, parents included.
func (s *Service) ListRoles(ctx context.Context, subjectID, applicationCode string) ([]string, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject_id is required", ErrInvalidInput)
	}
	if applicationCode != "" {
		return s.resolver.ListRoles(ctx, subjectID, applicationCode)
	}
	if s.cache != nil {
		if roles, ok := s.cache.GetRoles(ctx, subjectID); ok {
			return roles, nil
		}
	}
	roles, err := s.resolver.ListRoles(ctx, subjectID, "")
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetRoles(ctx, subjectID, roles)
	}
	return roles, nil
}

// HasPermission answers a single check. The permission string is normalized
// with the caller's default application code first. Malformed or unknown
// permissions yield false, never an error.
func (s *Service) HasPermission(ctx context.Context, subjectID, permission, defaultApp, instanceID string) (bool, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return false, nil
	}
	code := Normalize(permission, defaultApp)
	if instanceID != "" {
		return s.resolver.HasPermission(ctx, subjectID, code, instanceID)
	}
	perms, err := s.ListPermissions(ctx, subjectID, "")
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == code {
			return true, nil
		}
	}
	return false, nil
}

// HasAnyPermission short-circuits on the first permission that matches.
func (s *Service) HasAnyPermission(ctx context.Context, subjectID string, permissions []string, defaultApp, instanceID string) (bool, error) {
	for _, perm := range permissions {
		ok, err := s.HasPermission(ctx, subjectID, perm, defaultApp, instanceID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HasAllPermissions short-circuits on the first permission that is missing.
func (s *Service) HasAllPermissions(ctx context.Context, subjectID string, permissions []string, defaultApp, instanceID string) (bool, error) {
	if len(permissions) == 0 {
		return false, nil
	}
	for _, perm := range permissions {
		ok, err := s.HasPermission(ctx, subjectID, perm, defaultApp, instanceID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// HasRole reports whether the subject effectively holds the role code.
func (s *Service) HasRole(ctx context.Context, subjectID, roleCode string) (bool, error) {
	roleCode = strings.TrimSpace(roleCode)
	if roleCode == "" {
		return false, nil
	}
	roles, err := s.ListRoles(ctx, subjectID, "")
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r == roleCode {
			return true, nil
		}
	}
	return false, nil
}

// Evaluate dispatches a tagged check request.
func (s *Service) Evaluate(ctx context.Context, subjectID, defaultApp string, check Check) (Decision, error) {
	var (
		allowed bool
		err     error
	)
	switch check.Kind {
	case CheckPermission:
		allowed, err = s.HasAllPermissions(ctx, subjectID, check.Permissions, defaultApp, check.InstanceID)
	case CheckAnyPermission:
		allowed, err = s.HasAnyPermission(ctx, subjectID, check.Permissions, defaultApp, check.InstanceID)
	case CheckRole:
		allowed, err = s.HasRole(ctx, subjectID, check.Role)
	default:
		return Decision{}, fmt.Errorf("%w: unsupported check kind %d", ErrInvalidInput, check.Kind)
	}
	if err != nil {
		return Decision{}, err
	}
	if allowed {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, Reason: "no matching grant"}, nil
}

// InstancePermissions enumerates the subject's effective permissions on one
// resource instance. Never cache-backed.
func (s *Service) InstancePermissions(ctx context.Context, subjectID, instanceID string) ([]string, error) {
	subjectID = strings.TrimSpace(subjectID)
	instanceID = strings.TrimSpace(instanceID)
	if subjectID == "" || instanceID == "" {
		return nil, fmt.Errorf("%w: subject_id and instance_id are required", ErrInvalidInput)
	}
	return s.resolver.InstancePermissions(ctx, subjectID, instanceID)
}

// AssignRoleInput describes a role grant to a subject or team.
type AssignRoleInput struct {
	SubjectID       string
	TeamCode        string
	RoleCode        string
	ApplicationCode string
	InstanceID      string
	ExpiresAt       *time.Time
}

// AssignRole grants a role to a subject or a team. The affected subjects'
// cache entries are invalidated before the call returns.
func (s *Service) AssignRole(ctx context.Context, in AssignRoleInput) (RoleAssignment, error) {
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	in.TeamCode = strings.TrimSpace(in.TeamCode)
	in.RoleCode = strings.TrimSpace(in.RoleCode)
	if in.RoleCode == "" {
		return RoleAssignment{}, fmt.Errorf("%w: role code is required", ErrInvalidInput)
	}
	if (in.SubjectID == "") == (in.TeamCode == "") {
		return RoleAssignment{}, fmt.Errorf("%w: exactly one of subject_id or team_code is required", ErrInvalidInput)
	}
	role, err := s.store.GetRoleByCode(ctx, strings.TrimSpace(in.ApplicationCode), in.RoleCode)
	if err != nil {
		return RoleAssignment{}, err
	}

	assignment := RoleAssignment{
		RoleID:             role.ID,
		ResourceInstanceID: strings.TrimSpace(in.InstanceID),
		ExpiresAt:          in.ExpiresAt,
	}
	var affected []string
	if in.SubjectID != "" {
		if _, err := s.store.GetSubject(ctx, in.SubjectID); err != nil {
			return RoleAssignment{}, err
		}
		assignment.SubjectID = in.SubjectID
		affected = []string{in.SubjectID}
	} else {
		team, err := s.store.GetTeamByCode(ctx, in.TeamCode)
		if err != nil {
			return RoleAssignment{}, err
		}
		assignment.TeamID = team.ID
		affected, err = s.store.TeamMemberIDs(ctx, team.ID)
		if err != nil {
			return RoleAssignment{}, err
		}
	}

	created, err := s.store.CreateAssignment(ctx, assignment)
	if err != nil {
		return RoleAssignment{}, err
	}
	s.invalidate(ctx, affected)
	return created, nil
}

// RevokeRole removes all matching assignment rows. Revoking a role that is
// not assigned is a no-op success. Invalidation runs regardless, so a
// revoke racing a grant still converges.
func (s *Service) RevokeRole(ctx context.Context, in AssignRoleInput) error {
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	in.TeamCode = strings.TrimSpace(in.TeamCode)
	in.RoleCode = strings.TrimSpace(in.RoleCode)
	if in.RoleCode == "" {
		return fmt.Errorf("%w: role code is required", ErrInvalidInput)
	}
	if (in.SubjectID == "") == (in.TeamCode == "") {
		return fmt.Errorf("%w: exactly one of subject_id or team_code is required", ErrInvalidInput)
	}
	role, err := s.store.GetRoleByCode(ctx, strings.TrimSpace(in.ApplicationCode), in.RoleCode)
	if err != nil {
		return err
	}

	var affected []string
	if in.SubjectID != "" {
		if _, err := s.store.DeleteSubjectAssignments(ctx, in.SubjectID, role.ID, strings.TrimSpace(in.InstanceID)); err != nil {
			return err
		}
		affected = []string{in.SubjectID}
	} else {
		team, err := s.store.GetTeamByCode(ctx, in.TeamCode)
		if err != nil {
			return err
		}
		affected, err = s.store.TeamMemberIDs(ctx, team.ID)
		if err != nil {
			return err
		}
		if _, err := s.store.DeleteTeamAssignments(ctx, team.ID, role.ID, strings.TrimSpace(in.InstanceID)); err != nil {
			return err
		}
	}
	s.invalidate(ctx, affected)
	return nil
}

// GrantInstancePermission creates a direct grant of one permission to one
// subject on one resource instance.
func (s *Service) GrantInstancePermission(ctx context.Context, subjectID, instanceID, permission, defaultApp string, expiresAt *time.Time) (InstancePermission, error) {
	subjectID = strings.TrimSpace(subjectID)
	instanceID = strings.TrimSpace(instanceID)
	if subjectID == "" || instanceID == "" {
		return InstancePermission{}, fmt.Errorf("%w: subject_id and instance_id are required", ErrInvalidInput)
	}
	code := Normalize(permission, defaultApp)
	if _, _, _, err := ParsePermission(code); err != nil {
		return InstancePermission{}, err
	}
	perm, err := s.store.GetPermissionByCode(ctx, code)
	if err != nil {
		return InstancePermission{}, err
	}
	if _, err := s.store.GetSubject(ctx, subjectID); err != nil {
		return InstancePermission{}, err
	}
	if _, err := s.store.GetResourceInstance(ctx, instanceID); err != nil {
		return InstancePermission{}, err
	}
	created, err := s.store.CreateInstancePermission(ctx, InstancePermission{
		SubjectID:          subjectID,
		ResourceInstanceID: instanceID,
		PermissionID:       perm.ID,
		PermissionCode:     perm.Code,
		ExpiresAt:          expiresAt,
	})
	if err != nil {
		return InstancePermission{}, err
	}
	s.invalidate(ctx, []string{subjectID})
	return created, nil
}

// RevokeInstancePermission removes a direct grant; revoking an absent grant
// is a no-op success.
func (s *Service) RevokeInstancePermission(ctx context.Context, subjectID, instanceID, permission, defaultApp string) error {
	subjectID = strings.TrimSpace(subjectID)
	instanceID = strings.TrimSpace(instanceID)
	if subjectID == "" || instanceID == "" {
		return fmt.Errorf("%w: subject_id and instance_id are required", ErrInvalidInput)
	}
	code := Normalize(permission, defaultApp)
	if _, _, _, err := ParsePermission(code); err != nil {
		return err
	}
	perm, err := s.store.GetPermissionByCode(ctx, code)
	if err != nil {
		return err
	}
	if _, err := s.store.DeleteInstancePermission(ctx, subjectID, instanceID, perm.ID); err != nil {
		return err
	}
	s.invalidate(ctx, []string{subjectID})
	return nil
}

// RegisterResourceInstanceInput describes a new resource instance.
type RegisterResourceInstanceInput struct {
	ApplicationCode  string
	ResourceTypeCode string
	ExternalID       string
	OwnerSubjectID   string
}

// RegisterResourceInstance records a resource instance under an
// instance-supporting resource type.
func (s *Service) RegisterResourceInstance(ctx context.Context, in RegisterResourceInstanceInput) (ResourceInstance, error) {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	if in.ExternalID == "" {
		return ResourceInstance{}, fmt.Errorf("%w: external_id is required", ErrInvalidInput)
	}
	rt, err := s.store.GetResourceTypeByCode(ctx, strings.TrimSpace(in.ApplicationCode), strings.TrimSpace(in.ResourceTypeCode))
	if err != nil {
		return ResourceInstance{}, err
	}
	if !rt.SupportsInstances {
		return ResourceInstance{}, fmt.Errorf("%w: resource type %s does not support instances", ErrInvalidInput, rt.Code)
	}
	return s.store.CreateResourceInstance(ctx, ResourceInstance{
		ResourceTypeID: rt.ID,
		ExternalID:     in.ExternalID,
		OwnerSubjectID: strings.TrimSpace(in.OwnerSubjectID),
	})
}

// RemoveResourceInstance deletes an instance registration. Removing an
// unknown instance is a no-op success. The owner's cache entries are
// invalidated since ownership is an implicit grant.
func (s *Service) RemoveResourceInstance(ctx context.Context, instanceID string) error {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return fmt.Errorf("%w: instance_id is required", ErrInvalidInput)
	}
	inst, err := s.store.GetResourceInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if _, err := s.store.DeleteResourceInstance(ctx, instanceID); err != nil {
		return err
	}
	if inst.OwnerSubjectID != "" {
		s.invalidate(ctx, []string{inst.OwnerSubjectID})
	}
	return nil
}

// ProvisionSubjectInput is the identity-provisioning payload.
type ProvisionSubjectInput struct {
	ExternalID  string
	Provider    string
	Email       string
	DisplayName string
}

// ProvisionSubject upserts a subject keyed by (external_id, provider) and
// refreshes last_seen_at.
func (s *Service) ProvisionSubject(ctx context.Context, in ProvisionSubjectInput) (Subject, error) {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.Provider = strings.TrimSpace(strings.ToLower(in.Provider))
	if in.ExternalID == "" || in.Provider == "" {
		return Subject{}, fmt.Errorf("%w: external_id and provider are required", ErrInvalidInput)
	}
	return s.store.UpsertSubject(ctx, Subject{
		ExternalID:  in.ExternalID,
		Provider:    in.Provider,
		Email:       strings.TrimSpace(strings.ToLower(in.Email)),
		DisplayName: strings.TrimSpace(in.DisplayName),
		IsActive:    true,
	})
}

// InvalidateSubject drops cached lists for one subject.
func (s *Service) InvalidateSubject(ctx context.Context, subjectID string) {
	s.invalidate(ctx, []string{subjectID})
}

// InvalidateAll flushes the whole cache. Best effort: backends without a
// clear-all primitive rely on natural TTL expiry.
func (s *Service) InvalidateAll(ctx context.Context) {
	if s.cache != nil {
		s.cache.InvalidateAll(ctx)
	}
}

func (s *Service) invalidate(ctx context.Context, subjectIDs []string) {
	if s.cache == nil {
		return
	}
	for _, id := range subjectIDs {
		if id == "" {
			continue
		}
		s.cache.Invalidate(ctx, id)
	}
}
