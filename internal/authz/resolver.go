package authz

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

const defaultInheritanceDepth = 3

// Resolver computes effective permissions by merging every grant source:
// direct subject roles, team roles, role inheritance, instance-scoped
// grants and implicit resource ownership. All read paths degrade to
// empty/false when a referenced entity is missing; they never error for
// absent data. A deactivated subject resolves to nothing regardless of
// its grants.
type Resolver struct {
	store Store
	depth int
	now   func() time.Time
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithInheritanceDepth bounds how many role levels (the assigned role
// included) the parent walk visits. Permissions beyond the bound are
// silently dropped.
func WithInheritanceDepth(depth int) ResolverOption {
	return func(r *Resolver) {
		if depth > 0 {
			r.depth = depth
		}
	}
}

// WithResolverClock overrides the time source used for expiry comparisons.
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store Store, opts ...ResolverOption) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	r := &Resolver{store: store, depth: defaultInheritanceDepth, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// subjectInactive reports whether the subject is known and deactivated.
// An unknown subject is not inactive: grants are keyed by identifier and
// resolution must not depend on the subject row existing.
func (r *Resolver) subjectInactive(ctx context.Context, subjectID string) (bool, error) {
	sub, err := r.store.GetSubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return !sub.IsActive, nil
}

// candidateRoleIDs gathers unexpired assignments reaching the subject.
// Global assignments always count; instance-scoped ones only when the check
// carries a matching instance filter.
func (r *Resolver) candidateRoleIDs(ctx context.Context, subjectID, instanceID string) ([]string, error) {
	assignments, err := r.store.SubjectAssignments(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	now := r.now().UTC()
	seen := make(map[string]struct{}, len(assignments))
	var ids []string
	for _, a := range assignments {
		if a.Expired(now) {
			continue
		}
		if a.ResourceInstanceID != "" && a.ResourceInstanceID != instanceID {
			continue
		}
		if _, ok := seen[a.RoleID]; ok {
			continue
		}
		seen[a.RoleID] = struct{}{}
		ids = append(ids, a.RoleID)
	}
	return ids, nil
}

// expandRoles performs the bounded parent walk: an explicit loop over the
// lookup table, one level per iteration, never an unbounded graph walk.
func (r *Resolver) expandRoles(ctx context.Context, roleIDs []string) (map[string]Role, error) {
	expanded := make(map[string]Role)
	frontier := roleIDs
	for level := 0; level < r.depth && len(frontier) > 0; level++ {
		roles, err := r.store.RolesByID(ctx, frontier)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, role := range roles {
			if _, ok := expanded[role.ID]; ok {
				continue
			}
			expanded[role.ID] = role
			if role.ParentRoleID != "" {
				if _, ok := expanded[role.ParentRoleID]; !ok {
					frontier = append(frontier, role.ParentRoleID)
				}
			}
		}
	}
	return expanded, nil
}

func (r *Resolver) rolePermissionSet(ctx context.Context, subjectID, instanceID, applicationCode string) (map[string]struct{}, error) {
	candidates, err := r.candidateRoleIDs(ctx, subjectID, instanceID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return map[string]struct{}{}, nil
	}
	expanded, err := r.expandRoles(ctx, candidates)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(expanded))
	for id := range expanded {
		ids = append(ids, id)
	}
	perms, err := r.store.RolePermissions(ctx, ids)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if applicationCode != "" && !hasAppPrefix(p.Code, applicationCode) {
			continue
		}
		set[p.Code] = struct{}{}
	}
	return set, nil
}

// ListPermissions returns the flattened permission codes the subject holds
// through global role assignments, optionally filtered by application.
func (r *Resolver) ListPermissions(ctx context.Context, subjectID, applicationCode string) ([]string, error) {
	if inactive, err := r.subjectInactive(ctx, subjectID); err != nil || inactive {
		return nil, err
	}
	set, err := r.rolePermissionSet(ctx, subjectID, "", applicationCode)
	if err != nil {
		return nil, err
	}
	return sortedKeys(set), nil
}

// ListRoles returns the codes of every role the subject effectively holds
// via global assignments, inherited parents included.
func (r *Resolver) ListRoles(ctx context.Context, subjectID, applicationCode string) ([]string, error) {
	if inactive, err := r.subjectInactive(ctx, subjectID); err != nil || inactive {
		return nil, err
	}
	candidates, err := r.candidateRoleIDs(ctx, subjectID, "")
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	expanded, err := r.expandRoles(ctx, candidates)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(expanded))
	for _, role := range expanded {
		if applicationCode != "" && role.ApplicationCode != "" && role.ApplicationCode != applicationCode {
			continue
		}
		set[role.Code] = struct{}{}
	}
	return sortedKeys(set), nil
}

// HasPermission reports whether the subject holds the permission,
// short-circuiting on the first grant source that matches. The instance
// fallback (direct grants, then ownership) only runs when an instance is
// given and roles did not already answer.
func (r *Resolver) HasPermission(ctx context.Context, subjectID, permissionCode, instanceID string) (bool, error) {
	if _, _, _, err := ParsePermission(permissionCode); err != nil {
		return false, nil
	}
	if inactive, err := r.subjectInactive(ctx, subjectID); err != nil || inactive {
		return false, err
	}
	set, err := r.rolePermissionSet(ctx, subjectID, instanceID, "")
	if err != nil {
		return false, err
	}
	if _, ok := set[permissionCode]; ok {
		return true, nil
	}
	if instanceID == "" {
		return false, nil
	}
	return r.instanceFallback(ctx, subjectID, permissionCode, instanceID)
}

func (r *Resolver) instanceFallback(ctx context.Context, subjectID, permissionCode, instanceID string) (bool, error) {
	grants, err := r.store.SubjectInstancePermissions(ctx, subjectID, instanceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	now := r.now().UTC()
	for _, g := range grants {
		if g.Expired(now) {
			continue
		}
		if g.PermissionCode == permissionCode {
			return true, nil
		}
	}
	inst, err := r.store.GetResourceInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return inst.OwnerSubjectID != "" && inst.OwnerSubjectID == subjectID, nil
}

// InstancePermissions enumerates the effective permission set the subject
// holds on one resource instance: role-derived permissions (global and
// instance-scoped), unexpired direct grants, and the full resource-type
// catalog when the subject owns the instance.
func (r *Resolver) InstancePermissions(ctx context.Context, subjectID, instanceID string) ([]string, error) {
	if inactive, err := r.subjectInactive(ctx, subjectID); err != nil || inactive {
		return nil, err
	}
	set, err := r.rolePermissionSet(ctx, subjectID, instanceID, "")
	if err != nil {
		return nil, err
	}
	grants, err := r.store.SubjectInstancePermissions(ctx, subjectID, instanceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := r.now().UTC()
	for _, g := range grants {
		if g.Expired(now) {
			continue
		}
		set[g.PermissionCode] = struct{}{}
	}
	inst, err := r.store.GetResourceInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return sortedKeys(set), nil
		}
		return nil, err
	}
	if inst.OwnerSubjectID != "" && inst.OwnerSubjectID == subjectID {
		perms, err := r.store.ResourceTypePermissions(ctx, inst.ResourceTypeID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			set[p.Code] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

func hasAppPrefix(code, applicationCode string) bool {
	return strings.HasPrefix(code, applicationCode+permissionSeparator)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
