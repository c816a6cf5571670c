package authz

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// fakeCache records every interaction so tests can assert the service
// never changes results based on cache state.
type fakeCache struct {
	perms       map[string][]string
	roles       map[string][]string
	hits        int
	misses      int
	invalidated []string
	flushed     bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		perms: make(map[string][]string),
		roles: make(map[string][]string),
	}
}

func (c *fakeCache) GetPermissions(_ context.Context, subjectID string) ([]string, bool) {
	v, ok := c.perms[subjectID]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

func (c *fakeCache) SetPermissions(_ context.Context, subjectID string, permissions []string) {
	c.perms[subjectID] = permissions
}

func (c *fakeCache) GetRoles(_ context.Context, subjectID string) ([]string, bool) {
	v, ok := c.roles[subjectID]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

func (c *fakeCache) SetRoles(_ context.Context, subjectID string, roles []string) {
	c.roles[subjectID] = roles
}

func (c *fakeCache) Invalidate(_ context.Context, subjectID string) {
	delete(c.perms, subjectID)
	delete(c.roles, subjectID)
	c.invalidated = append(c.invalidated, subjectID)
}

func (c *fakeCache) InvalidateAll(_ context.Context) {
	c.perms = make(map[string][]string)
	c.roles = make(map[string][]string)
	c.flushed = true
}

func newTestService(t *testing.T, g *docsGraph, cache Cache) *Service {
	t.Helper()
	resolver := newTestResolver(t, g.store)
	svc, err := NewService(g.store, resolver, cache)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestListPermissionsCacheTransparency(t *testing.T) {
	g := newDocsGraph(t)
	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: g.editor.ID})
	cache := newFakeCache()
	svc := newTestService(t, g, cache)
	ctx := context.Background()

	first, err := svc.ListPermissions(ctx, g.user.ID, "")
	if err != nil {
		t.Fatalf("first list: %v", err)
	}
	if cache.misses != 1 || cache.hits != 0 {
		t.Fatalf("after first list: hits=%d misses=%d", cache.hits, cache.misses)
	}

	second, err := svc.ListPermissions(ctx, g.user.ID, "")
	if err != nil {
		t.Fatalf("second list: %v", err)
	}
	if cache.hits != 1 {
		t.Fatalf("second list should hit cache, hits=%d", cache.hits)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("cached result %v differs from computed %v", second, first)
	}
}

func TestApplicationFilterBypassesCache(t *testing.T) {
	g := newDocsGraph(t)
	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: g.viewer.ID})
	cache := newFakeCache()
	svc := newTestService(t, g, cache)

	if _, err := svc.ListPermissions(context.Background(), g.user.ID, "docs"); err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if cache.hits != 0 || cache.misses != 0 || len(cache.perms) != 0 {
		t.Fatalf("filtered query must not touch the cache: %+v", cache)
	}
}

func TestAssignRoleInvalidatesCacheSynchronously(t *testing.T) {
	g := newDocsGraph(t)
	cache := newFakeCache()
	svc := newTestService(t, g, cache)
	ctx := context.Background()

	// Prime an empty result.
	if _, err := svc.ListPermissions(ctx, g.user.ID, ""); err != nil {
		t.Fatalf("prime: %v", err)
	}

	if _, err := svc.AssignRole(ctx, AssignRoleInput{SubjectID: g.user.ID, RoleCode: "editor"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !reflect.DeepEqual(cache.invalidated, []string{g.user.ID}) {
		t.Fatalf("invalidated = %v, want [%s]", cache.invalidated, g.user.ID)
	}

	perms, err := svc.ListPermissions(ctx, g.user.ID, "")
	if err != nil {
		t.Fatalf("list after assign: %v", err)
	}
	want := []string{"docs:document:read", "docs:document:update"}
	if !reflect.DeepEqual(perms, want) {
		t.Fatalf("stale read after mutation: %v, want %v", perms, want)
	}
}

func TestTeamAssignInvalidatesEveryMember(t *testing.T) {
	g := newDocsGraph(t)
	other, err := g.store.UpsertSubject(context.Background(), Subject{ExternalID: "u2", Provider: "oidc"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	team := g.store.AddTeam("platform", "")
	g.store.AddTeamMember(team.ID, g.user.ID, TeamRoleMember)
	g.store.AddTeamMember(team.ID, other.ID, TeamRoleAdmin)

	cache := newFakeCache()
	svc := newTestService(t, g, cache)

	if _, err := svc.AssignRole(context.Background(), AssignRoleInput{TeamCode: "platform", RoleCode: "viewer"}); err != nil {
		t.Fatalf("team assign: %v", err)
	}
	if len(cache.invalidated) != 2 {
		t.Fatalf("invalidated = %v, want both members", cache.invalidated)
	}
}

func TestAssignRoleValidation(t *testing.T) {
	g := newDocsGraph(t)
	svc := newTestService(t, g, nil)
	ctx := context.Background()

	if _, err := svc.AssignRole(ctx, AssignRoleInput{SubjectID: g.user.ID, RoleCode: "no-such-role"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown role err = %v, want ErrNotFound", err)
	}
	if _, err := svc.AssignRole(ctx, AssignRoleInput{RoleCode: "viewer"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("no target err = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.AssignRole(ctx, AssignRoleInput{SubjectID: g.user.ID, TeamCode: "platform", RoleCode: "viewer"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("both targets err = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.AssignRole(ctx, AssignRoleInput{SubjectID: "ghost", RoleCode: "viewer"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown subject err = %v, want ErrNotFound", err)
	}
}

func TestRevokeRoleIsIdempotent(t *testing.T) {
	g := newDocsGraph(t)
	svc := newTestService(t, g, nil)
	ctx := context.Background()

	if _, err := svc.AssignRole(ctx, AssignRoleInput{SubjectID: g.user.ID, RoleCode: "viewer"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := svc.RevokeRole(ctx, AssignRoleInput{SubjectID: g.user.ID, RoleCode: "viewer"}); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := svc.RevokeRole(ctx, AssignRoleInput{SubjectID: g.user.ID, RoleCode: "viewer"}); err != nil {
		t.Fatalf("second revoke must be a no-op: %v", err)
	}

	ok, err := svc.HasRole(ctx, g.user.ID, "viewer")
	if err != nil || ok {
		t.Fatalf("role still present after revoke: (%v, %v)", ok, err)
	}
}

func TestRevokeInstancePermissionIdempotent(t *testing.T) {
	g := newDocsGraph(t)
	inst, err := g.store.CreateResourceInstance(context.Background(), ResourceInstance{
		ResourceTypeID: g.doc.ID,
		ExternalID:     "doc-42",
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	svc := newTestService(t, g, nil)
	ctx := context.Background()

	// No grant exists yet; revoke must still succeed.
	if err := svc.RevokeInstancePermission(ctx, g.user.ID, inst.ID, "docs:document:share", ""); err != nil {
		t.Fatalf("revoke absent grant: %v", err)
	}

	if _, err := svc.GrantInstancePermission(ctx, g.user.ID, inst.ID, "document:share", "docs", nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	ok, err := svc.HasPermission(ctx, g.user.ID, "docs:document:share", "", inst.ID)
	if err != nil || !ok {
		t.Fatalf("after grant: (%v, %v), want (true, nil)", ok, err)
	}
	if err := svc.RevokeInstancePermission(ctx, g.user.ID, inst.ID, "docs:document:share", ""); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, err = svc.HasPermission(ctx, g.user.ID, "docs:document:share", "", inst.ID)
	if err != nil || ok {
		t.Fatalf("after revoke: (%v, %v), want (false, nil)", ok, err)
	}
}

func TestGrantInstancePermissionValidation(t *testing.T) {
	g := newDocsGraph(t)
	inst, err := g.store.CreateResourceInstance(context.Background(), ResourceInstance{
		ResourceTypeID: g.doc.ID,
		ExternalID:     "doc-42",
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	svc := newTestService(t, g, nil)
	ctx := context.Background()

	if _, err := svc.GrantInstancePermission(ctx, g.user.ID, inst.ID, "not-a-permission", "", nil); !errors.Is(err, ErrInvalidPermission) {
		t.Fatalf("malformed err = %v, want ErrInvalidPermission", err)
	}
	if _, err := svc.GrantInstancePermission(ctx, g.user.ID, inst.ID, "docs:document:transmogrify", "", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown permission err = %v, want ErrNotFound", err)
	}
}

func TestRegisterResourceInstanceRequiresInstanceSupport(t *testing.T) {
	g := newDocsGraph(t)
	g.store.AddResourceType(g.app.ID, "settings", false)
	svc := newTestService(t, g, nil)
	ctx := context.Background()

	if _, err := svc.RegisterResourceInstance(ctx, RegisterResourceInstanceInput{
		ApplicationCode:  "docs",
		ResourceTypeCode: "settings",
		ExternalID:       "main",
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}

	inst, err := svc.RegisterResourceInstance(ctx, RegisterResourceInstanceInput{
		ApplicationCode:  "docs",
		ResourceTypeCode: "document",
		ExternalID:       "doc-1",
		OwnerSubjectID:   g.user.ID,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if inst.ID == "" {
		t.Fatal("registered instance has no id")
	}
}

func TestRemoveResourceInstanceAbsentIsNoop(t *testing.T) {
	g := newDocsGraph(t)
	svc := newTestService(t, g, nil)
	if err := svc.RemoveResourceInstance(context.Background(), "never-existed"); err != nil {
		t.Fatalf("remove absent instance: %v", err)
	}
}

func TestRemoveOwnedInstanceInvalidatesOwner(t *testing.T) {
	g := newDocsGraph(t)
	cache := newFakeCache()
	svc := newTestService(t, g, cache)
	ctx := context.Background()

	inst, err := svc.RegisterResourceInstance(ctx, RegisterResourceInstanceInput{
		ApplicationCode:  "docs",
		ResourceTypeCode: "document",
		ExternalID:       "doc-9",
		OwnerSubjectID:   g.user.ID,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.RemoveResourceInstance(ctx, inst.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !reflect.DeepEqual(cache.invalidated, []string{g.user.ID}) {
		t.Fatalf("invalidated = %v, want owner", cache.invalidated)
	}
}

func TestHasAllPermissionsEmptyListDenies(t *testing.T) {
	g := newDocsGraph(t)
	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: g.admin.ID})
	svc := newTestService(t, g, nil)

	ok, err := svc.HasAllPermissions(context.Background(), g.user.ID, nil, "docs", "")
	if err != nil || ok {
		t.Fatalf("empty list check = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestEvaluateDispatch(t *testing.T) {
	g := newDocsGraph(t)
	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: g.editor.ID})
	svc := newTestService(t, g, nil)
	ctx := context.Background()

	d, err := svc.Evaluate(ctx, g.user.ID, "docs", Check{Kind: CheckAnyPermission, Permissions: []string{"document:delete", "document:read"}})
	if err != nil || !d.Allowed {
		t.Fatalf("any check = (%+v, %v)", d, err)
	}
	d, err = svc.Evaluate(ctx, g.user.ID, "docs", Check{Kind: CheckPermission, Permissions: []string{"document:read", "document:delete"}})
	if err != nil {
		t.Fatalf("all check: %v", err)
	}
	if d.Allowed || d.Reason == "" {
		t.Fatalf("all check = %+v, want denial with reason", d)
	}
	d, err = svc.Evaluate(ctx, g.user.ID, "", Check{Kind: CheckRole, Role: "viewer"})
	if err != nil || !d.Allowed {
		t.Fatalf("role check = (%+v, %v), inherited viewer expected", d, err)
	}
}

func TestProvisionSubjectUpserts(t *testing.T) {
	g := newDocsGraph(t)
	svc := newTestService(t, g, nil)
	ctx := context.Background()

	first, err := svc.ProvisionSubject(ctx, ProvisionSubjectInput{ExternalID: "ext-1", Provider: "OIDC", Email: "A@Example.com"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if first.Provider != "oidc" || first.Email != "a@example.com" {
		t.Fatalf("provision did not normalize fields: %+v", first)
	}

	second, err := svc.ProvisionSubject(ctx, ProvisionSubjectInput{ExternalID: "ext-1", Provider: "oidc"})
	if err != nil {
		t.Fatalf("re-provision: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert created a new subject: %s vs %s", second.ID, first.ID)
	}

	if _, err := svc.ProvisionSubject(ctx, ProvisionSubjectInput{Provider: "oidc"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing external_id err = %v, want ErrInvalidInput", err)
	}
}
