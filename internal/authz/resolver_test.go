package authz

import (
	"context"
	"reflect"
	"testing"
	"time"
)

// docsGraph is the common fixture: a document service with a three-level
// role chain (admin -> editor -> viewer) and instance-capable documents.
type docsGraph struct {
	store  *InMemory
	app    Application
	doc    ResourceType
	perms  map[string]Permission
	viewer Role
	editor Role
	admin  Role
	user   Subject
}

func newDocsGraph(t *testing.T) *docsGraph {
	t.Helper()
	store := NewInMemory()
	app := store.AddApplication("docs", "Document Service")
	doc := store.AddResourceType(app.ID, "document", true)

	perms := make(map[string]Permission)
	for _, action := range []string{"read", "update", "delete", "share"} {
		act := store.AddAction(action)
		perm, err := store.AddPermission(doc.ID, act.ID)
		if err != nil {
			t.Fatalf("add permission %s: %v", action, err)
		}
		perms[action] = perm
	}

	viewer := mustAddRole(t, store, app.ID, "viewer", "")
	editor := mustAddRole(t, store, app.ID, "editor", viewer.ID)
	admin := mustAddRole(t, store, app.ID, "admin", editor.ID)
	store.SetRolePermissions(viewer.ID, []string{perms["read"].ID})
	store.SetRolePermissions(editor.ID, []string{perms["update"].ID})
	store.SetRolePermissions(admin.ID, []string{perms["delete"].ID})

	user, err := store.UpsertSubject(context.Background(), Subject{ExternalID: "u1", Provider: "oidc"})
	if err != nil {
		t.Fatalf("upsert subject: %v", err)
	}

	return &docsGraph{
		store: store, app: app, doc: doc, perms: perms,
		viewer: viewer, editor: editor, admin: admin, user: user,
	}
}

func mustAddRole(t *testing.T, store *InMemory, appID, code, parentRoleID string) Role {
	t.Helper()
	role, err := store.AddRole(appID, code, parentRoleID)
	if err != nil {
		t.Fatalf("add role %s: %v", code, err)
	}
	return role
}

func (g *docsGraph) assign(t *testing.T, a RoleAssignment) RoleAssignment {
	t.Helper()
	created, err := g.store.CreateAssignment(context.Background(), a)
	if err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	return created
}

func newTestResolver(t *testing.T, store Store, opts ...ResolverOption) *Resolver {
	t.Helper()
	r, err := NewResolver(store, opts...)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func TestListPermissionsMergesInheritedRoles(t *testing.T) {
	g := newDocsGraph(t)
	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: g.editor.ID})
	r := newTestResolver(t, g.store)

	perms, err := r.ListPermissions(context.Background(), g.user.ID, "")
	if err != nil {
		t.Fatalf("list permissions: %v", err)
	}
	want := []string{"docs:document:read", "docs:document:update"}
	if !reflect.DeepEqual(perms, want) {
		t.Fatalf("permissions = %v, want %v", perms, want)
	}
}

func TestListPermissionsUnknownSubjectIsEmpty(t *testing.T) {
	g := newDocsGraph(t)
	r := newTestResolver(t, g.store)

	perms, err := r.ListPermissions(context.Background(), "no-such-subject", "")
	if err != nil {
		t.Fatalf("list permissions: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("expected empty permission list, got %v", perms)
	}
}

func TestInheritanceDepthBound(t *testing.T) {
	g := newDocsGraph(t)
	// superadmin -> admin -> editor -> viewer is a four-level chain; the
	// default bound of three must drop viewer's permission.
	superadmin := mustAddRole(t, g.store, g.app.ID, "superadmin", g.admin.ID)
	g.store.SetRolePermissions(superadmin.ID, []string{g.perms["share"].ID})
	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: superadmin.ID})

	r := newTestResolver(t, g.store)
	perms, err := r.ListPermissions(context.Background(), g.user.ID, "")
	if err != nil {
		t.Fatalf("list permissions: %v", err)
	}
	// superadmin + admin + editor are within the bound; viewer is level four.
	want := []string{"docs:document:delete", "docs:document:share", "docs:document:update"}
	if !reflect.DeepEqual(perms, want) {
		t.Fatalf("permissions = %v, want %v", perms, want)
	}

	deep := newTestResolver(t, g.store, WithInheritanceDepth(4))
	perms, err = deep.ListPermissions(context.Background(), g.user.ID, "")
	if err != nil {
		t.Fatalf("list permissions: %v", err)
	}
	want = []string{"docs:document:delete", "docs:document:read", "docs:document:share", "docs:document:update"}
	if !reflect.DeepEqual(perms, want) {
		t.Fatalf("permissions with depth 4 = %v, want %v", perms, want)
	}
}

func TestTeamAssignmentsReachMembers(t *testing.T) {
	g := newDocsGraph(t)
	team := g.store.AddTeam("platform", "")
	g.store.AddTeamMember(team.ID, g.user.ID, TeamRoleMember)
	g.assign(t, RoleAssignment{TeamID: team.ID, RoleID: g.viewer.ID})

	outsider, err := g.store.UpsertSubject(context.Background(), Subject{ExternalID: "u2", Provider: "oidc"})
	if err != nil {
		t.Fatalf("upsert subject: %v", err)
	}

	r := newTestResolver(t, g.store)
	ok, err := r.HasPermission(context.Background(), g.user.ID, "docs:document:read", "")
	if err != nil || !ok {
		t.Fatalf("member check = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = r.HasPermission(context.Background(), outsider.ID, "docs:document:read", "")
	if err != nil || ok {
		t.Fatalf("outsider check = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestExpiredAssignmentIgnored(t *testing.T) {
	g := newDocsGraph(t)
	expiry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: g.viewer.ID, ExpiresAt: &expiry})

	before := newTestResolver(t, g.store, WithResolverClock(func() time.Time {
		return expiry.Add(-time.Hour)
	}))
	ok, err := before.HasPermission(context.Background(), g.user.ID, "docs:document:read", "")
	if err != nil || !ok {
		t.Fatalf("check before expiry = (%v, %v), want (true, nil)", ok, err)
	}

	after := newTestResolver(t, g.store, WithResolverClock(func() time.Time {
		return expiry.Add(time.Hour)
	}))
	ok, err = after.HasPermission(context.Background(), g.user.ID, "docs:document:read", "")
	if err != nil || ok {
		t.Fatalf("check after expiry = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestHasPermissionMalformedCode(t *testing.T) {
	g := newDocsGraph(t)
	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: g.admin.ID})
	r := newTestResolver(t, g.store)

	for _, code := range []string{"", "read", "docs:document", "docs::read", "a:b:c:d:"} {
		ok, err := r.HasPermission(context.Background(), g.user.ID, code, "")
		if err != nil {
			t.Fatalf("check %q: %v", code, err)
		}
		if ok {
			t.Fatalf("malformed code %q must deny", code)
		}
	}
}

func TestInstanceScopedAssignment(t *testing.T) {
	g := newDocsGraph(t)
	inst, err := g.store.CreateResourceInstance(context.Background(), ResourceInstance{
		ResourceTypeID: g.doc.ID,
		ExternalID:     "doc-42",
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: g.editor.ID, ResourceInstanceID: inst.ID})

	r := newTestResolver(t, g.store)

	// The scoped role must not leak into global checks.
	ok, err := r.HasPermission(context.Background(), g.user.ID, "docs:document:update", "")
	if err != nil || ok {
		t.Fatalf("global check = (%v, %v), want (false, nil)", ok, err)
	}
	ok, err = r.HasPermission(context.Background(), g.user.ID, "docs:document:update", inst.ID)
	if err != nil || !ok {
		t.Fatalf("scoped check = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = r.HasPermission(context.Background(), g.user.ID, "docs:document:update", "other-instance")
	if err != nil || ok {
		t.Fatalf("wrong-instance check = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestInstanceDirectGrantFallback(t *testing.T) {
	g := newDocsGraph(t)
	inst, err := g.store.CreateResourceInstance(context.Background(), ResourceInstance{
		ResourceTypeID: g.doc.ID,
		ExternalID:     "doc-42",
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if _, err := g.store.CreateInstancePermission(context.Background(), InstancePermission{
		SubjectID:          g.user.ID,
		ResourceInstanceID: inst.ID,
		PermissionID:       g.perms["share"].ID,
		PermissionCode:     g.perms["share"].Code,
	}); err != nil {
		t.Fatalf("create grant: %v", err)
	}

	r := newTestResolver(t, g.store)
	ok, err := r.HasPermission(context.Background(), g.user.ID, "docs:document:share", inst.ID)
	if err != nil || !ok {
		t.Fatalf("granted check = (%v, %v), want (true, nil)", ok, err)
	}
	// The direct grant is instance-bound, never global.
	ok, err = r.HasPermission(context.Background(), g.user.ID, "docs:document:share", "")
	if err != nil || ok {
		t.Fatalf("global check = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestExpiredInstanceGrantIgnored(t *testing.T) {
	g := newDocsGraph(t)
	inst, err := g.store.CreateResourceInstance(context.Background(), ResourceInstance{
		ResourceTypeID: g.doc.ID,
		ExternalID:     "doc-42",
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	expiry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := g.store.CreateInstancePermission(context.Background(), InstancePermission{
		SubjectID:          g.user.ID,
		ResourceInstanceID: inst.ID,
		PermissionID:       g.perms["share"].ID,
		PermissionCode:     g.perms["share"].Code,
		ExpiresAt:          &expiry,
	}); err != nil {
		t.Fatalf("create grant: %v", err)
	}

	r := newTestResolver(t, g.store, WithResolverClock(func() time.Time {
		return expiry.Add(time.Minute)
	}))
	ok, err := r.HasPermission(context.Background(), g.user.ID, "docs:document:share", inst.ID)
	if err != nil || ok {
		t.Fatalf("expired grant check = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestOwnershipGrantsFullInstanceCatalog(t *testing.T) {
	g := newDocsGraph(t)
	inst, err := g.store.CreateResourceInstance(context.Background(), ResourceInstance{
		ResourceTypeID: g.doc.ID,
		ExternalID:     "doc-42",
		OwnerSubjectID: g.user.ID,
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	r := newTestResolver(t, g.store)
	ok, err := r.HasPermission(context.Background(), g.user.ID, "docs:document:delete", inst.ID)
	if err != nil || !ok {
		t.Fatalf("owner check = (%v, %v), want (true, nil)", ok, err)
	}

	perms, err := r.InstancePermissions(context.Background(), g.user.ID, inst.ID)
	if err != nil {
		t.Fatalf("instance permissions: %v", err)
	}
	want := []string{"docs:document:delete", "docs:document:read", "docs:document:share", "docs:document:update"}
	if !reflect.DeepEqual(perms, want) {
		t.Fatalf("owner catalog = %v, want %v", perms, want)
	}
}

func TestDeactivatedSubjectResolvesToNothing(t *testing.T) {
	g := newDocsGraph(t)
	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: g.editor.ID})
	inst, err := g.store.CreateResourceInstance(context.Background(), ResourceInstance{
		ResourceTypeID: g.doc.ID,
		ExternalID:     "doc-42",
		OwnerSubjectID: g.user.ID,
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	r := newTestResolver(t, g.store)
	ok, err := r.HasPermission(context.Background(), g.user.ID, "docs:document:read", "")
	if err != nil || !ok {
		t.Fatalf("active check = (%v, %v), want (true, nil)", ok, err)
	}

	g.store.SetSubjectActive(g.user.ID, false)

	ok, err = r.HasPermission(context.Background(), g.user.ID, "docs:document:read", "")
	if err != nil || ok {
		t.Fatalf("deactivated role check = (%v, %v), want (false, nil)", ok, err)
	}
	// Ownership stops counting too.
	ok, err = r.HasPermission(context.Background(), g.user.ID, "docs:document:delete", inst.ID)
	if err != nil || ok {
		t.Fatalf("deactivated owner check = (%v, %v), want (false, nil)", ok, err)
	}
	perms, err := r.ListPermissions(context.Background(), g.user.ID, "")
	if err != nil {
		t.Fatalf("list permissions: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("deactivated permissions = %v, want empty", perms)
	}
	roles, err := r.ListRoles(context.Background(), g.user.ID, "")
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("deactivated roles = %v, want empty", roles)
	}
}

func TestListPermissionsApplicationFilter(t *testing.T) {
	g := newDocsGraph(t)
	other := g.store.AddApplication("billing", "Billing")
	invoice := g.store.AddResourceType(other.ID, "invoice", false)
	pay := g.store.AddAction("pay")
	payPerm, err := g.store.AddPermission(invoice.ID, pay.ID)
	if err != nil {
		t.Fatalf("add permission: %v", err)
	}
	billingRole := mustAddRole(t, g.store, other.ID, "payer", "")
	g.store.SetRolePermissions(billingRole.ID, []string{payPerm.ID})

	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: g.viewer.ID})
	g.assign(t, RoleAssignment{SubjectID: g.user.ID, RoleID: billingRole.ID})

	r := newTestResolver(t, g.store)
	perms, err := r.ListPermissions(context.Background(), g.user.ID, "billing")
	if err != nil {
		t.Fatalf("list permissions: %v", err)
	}
	want := []string{"billing:invoice:pay"}
	if !reflect.DeepEqual(perms, want) {
		t.Fatalf("filtered permissions = %v, want %v", perms, want)
	}

	roles, err := r.ListRoles(context.Background(), g.user.ID, "docs")
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	want = []string{"viewer"}
	if !reflect.DeepEqual(roles, want) {
		t.Fatalf("filtered roles = %v, want %v", roles, want)
	}
}
