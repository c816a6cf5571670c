package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"granta.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Used by
// tests and dev mode; production deployments use the Postgres store.
type InMemory struct {
	mu           sync.RWMutex
	applications map[string]*Application
	resTypes     map[string]*ResourceType
	actions      map[string]*Action
	permissions  map[string]*Permission
	roles        map[string]*Role
	subjects     map[string]*Subject
	teams        map[string]*Team
	members      []TeamMember
	rolePerms    map[string][]string
	assignments  map[string]*RoleAssignment
	instances    map[string]*ResourceInstance
	instPerms    map[string]*InstancePermission
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty entity graph.
func NewInMemory() *InMemory {
	return &InMemory{
		applications: make(map[string]*Application),
		resTypes:     make(map[string]*ResourceType),
		actions:      make(map[string]*Action),
		permissions:  make(map[string]*Permission),
		roles:        make(map[string]*Role),
		rolePerms:    make(map[string][]string),
		subjects:     make(map[string]*Subject),
		teams:        make(map[string]*Team),
		assignments:  make(map[string]*RoleAssignment),
		instances:    make(map[string]*ResourceInstance),
		instPerms:    make(map[string]*InstancePermission),
	}
}

// --- catalog builders (admin configuration, long-lived) ---

// AddApplication registers a client application.
func (m *InMemory) AddApplication(code, name string) Application {
	m.mu.Lock()
	defer m.mu.Unlock()
	app := &Application{ID: ids.New(), Code: code, Name: name, CreatedAt: time.Now().UTC()}
	app.UpdatedAt = app.CreatedAt
	m.applications[app.ID] = app
	return *app
}

// SetApplicationAPIKeyHash stores the argon2id hash for an application key.
func (m *InMemory) SetApplicationAPIKeyHash(appID, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if app, ok := m.applications[appID]; ok {
		app.APIKeyHash = hash
		app.UpdatedAt = time.Now().UTC()
	}
}

// AddResourceType registers a resource type under an application.
func (m *InMemory) AddResourceType(appID, code string, supportsInstances bool) ResourceType {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := &ResourceType{
		ID:                ids.New(),
		ApplicationID:     appID,
		Code:              code,
		SupportsInstances: supportsInstances,
		CreatedAt:         time.Now().UTC(),
	}
	m.resTypes[rt.ID] = rt
	return *rt
}

// AddAction registers a globally shared action verb.
func (m *InMemory) AddAction(code string) Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	act := &Action{ID: ids.New(), Code: code}
	m.actions[act.ID] = act
	return *act
}

// AddPermission creates the permission for one (resource type, action) pair.
func (m *InMemory) AddPermission(resourceTypeID, actionID string) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.resTypes[resourceTypeID]
	if !ok {
		return Permission{}, fmt.Errorf("%w: resource type %s", ErrNotFound, resourceTypeID)
	}
	act, ok := m.actions[actionID]
	if !ok {
		return Permission{}, fmt.Errorf("%w: action %s", ErrNotFound, actionID)
	}
	app, ok := m.applications[rt.ApplicationID]
	if !ok {
		return Permission{}, fmt.Errorf("%w: application %s", ErrNotFound, rt.ApplicationID)
	}
	for _, p := range m.permissions {
		if p.ResourceTypeID == resourceTypeID && p.ActionID == actionID {
			return Permission{}, ErrConflict
		}
	}
	perm := &Permission{
		ID:             ids.New(),
		ResourceTypeID: resourceTypeID,
		ActionID:       actionID,
		Code:           PermissionCode(app.Code, rt.Code, act.Code),
	}
	m.permissions[perm.ID] = perm
	return *perm, nil
}

// AddRole registers a role, optionally application-scoped and/or inheriting
// from a parent. The code must be unique within the application, or among
// all application-less roles when appID is empty.
func (m *InMemory) AddRole(appID, code, parentRoleID string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.Code == code && existing.ApplicationID == appID {
			return Role{}, fmt.Errorf("%w: role %s", ErrConflict, code)
		}
	}
	role := &Role{
		ID:            ids.New(),
		ApplicationID: appID,
		Code:          code,
		ParentRoleID:  parentRoleID,
		CreatedAt:     time.Now().UTC(),
	}
	role.UpdatedAt = role.CreatedAt
	if app, ok := m.applications[appID]; ok {
		role.ApplicationCode = app.Code
	}
	m.roles[role.ID] = role
	return *role, nil
}

// SetRolePermissions replaces the permission set attached to a role.
func (m *InMemory) SetRolePermissions(roleID string, permissionIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; ok {
		m.rolePerms[roleID] = append([]string(nil), permissionIDs...)
	}
}

// SetSubjectActive toggles a subject's active flag.
func (m *InMemory) SetSubjectActive(subjectID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subjects[subjectID]; ok {
		sub.IsActive = active
	}
}

// AddTeam registers a team.
func (m *InMemory) AddTeam(code, parentTeamID string) Team {
	m.mu.Lock()
	defer m.mu.Unlock()
	team := &Team{ID: ids.New(), Code: code, ParentTeamID: parentTeamID, CreatedAt: time.Now().UTC()}
	m.teams[team.ID] = team
	return *team
}

// AddTeamMember adds a subject to a team.
func (m *InMemory) AddTeamMember(teamID, subjectID, membershipRole string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if membershipRole == "" {
		membershipRole = TeamRoleMember
	}
	m.members = append(m.members, TeamMember{
		TeamID:         teamID,
		SubjectID:      subjectID,
		MembershipRole: membershipRole,
		CreatedAt:      time.Now().UTC(),
	})
}

// --- Store: resolution reads ---

func (m *InMemory) SubjectAssignments(ctx context.Context, subjectID string) ([]RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	teamIDs := make(map[string]struct{})
	for _, mem := range m.members {
		if mem.SubjectID == subjectID {
			teamIDs[mem.TeamID] = struct{}{}
		}
	}
	var out []RoleAssignment
	for _, a := range m.assignments {
		if a.SubjectID == subjectID {
			out = append(out, *a)
			continue
		}
		if a.TeamID != "" {
			if _, ok := teamIDs[a.TeamID]; ok {
				out = append(out, *a)
			}
		}
	}
	return out, nil
}

func (m *InMemory) RolesByID(ctx context.Context, roleIDs []string) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Role
	for _, id := range roleIDs {
		if role, ok := m.roles[id]; ok {
			out = append(out, *role)
		}
	}
	return out, nil
}

func (m *InMemory) RolePermissions(ctx context.Context, roleIDs []string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Permission
	for _, id := range roleIDs {
		if _, ok := m.roles[id]; !ok {
			continue
		}
		for _, pid := range m.rolePerms[id] {
			if perm, ok := m.permissions[pid]; ok {
				out = append(out, *perm)
			}
		}
	}
	return out, nil
}

func (m *InMemory) SubjectInstancePermissions(ctx context.Context, subjectID, instanceID string) ([]InstancePermission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []InstancePermission
	for _, g := range m.instPerms {
		if g.SubjectID == subjectID && g.ResourceInstanceID == instanceID {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (m *InMemory) ResourceTypePermissions(ctx context.Context, resourceTypeID string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Permission
	for _, p := range m.permissions {
		if p.ResourceTypeID == resourceTypeID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *InMemory) GetResourceInstance(ctx context.Context, id string) (ResourceInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.instances[id]; ok {
		return *inst, nil
	}
	return ResourceInstance{}, ErrNotFound
}

// --- Store: lookups ---

func (m *InMemory) GetApplicationByCode(ctx context.Context, code string) (Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, app := range m.applications {
		if app.Code == code {
			return *app, nil
		}
	}
	return Application{}, ErrNotFound
}

// GetRoleByCode resolves a role by code. Without an application filter a
// global (application-less) role wins; a code shared by several applications
// and no global role is rejected as ambiguous.
func (m *InMemory) GetRoleByCode(ctx context.Context, applicationCode, code string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []*Role
	for _, role := range m.roles {
		if role.Code != code {
			continue
		}
		if applicationCode != "" {
			if role.ApplicationCode == applicationCode {
				return *role, nil
			}
			continue
		}
		if role.ApplicationID == "" {
			return *role, nil
		}
		matches = append(matches, role)
	}
	switch len(matches) {
	case 0:
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, code)
	case 1:
		return *matches[0], nil
	default:
		return Role{}, fmt.Errorf("%w: role %s exists in multiple applications", ErrInvalidInput, code)
	}
}

func (m *InMemory) GetPermissionByCode(ctx context.Context, code string) (Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, perm := range m.permissions {
		if perm.Code == code {
			return *perm, nil
		}
	}
	return Permission{}, fmt.Errorf("%w: permission %s", ErrNotFound, code)
}

func (m *InMemory) GetResourceTypeByCode(ctx context.Context, applicationCode, code string) (ResourceType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rt := range m.resTypes {
		if rt.Code != code {
			continue
		}
		if applicationCode != "" {
			app, ok := m.applications[rt.ApplicationID]
			if !ok || app.Code != applicationCode {
				continue
			}
		}
		return *rt, nil
	}
	return ResourceType{}, fmt.Errorf("%w: resource type %s", ErrNotFound, code)
}

func (m *InMemory) GetSubject(ctx context.Context, id string) (Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subjects[id]; ok {
		return *sub, nil
	}
	return Subject{}, fmt.Errorf("%w: subject %s", ErrNotFound, id)
}

func (m *InMemory) GetTeamByCode(ctx context.Context, code string) (Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, team := range m.teams {
		if team.Code == code {
			return *team, nil
		}
	}
	return Team{}, fmt.Errorf("%w: team %s", ErrNotFound, code)
}

func (m *InMemory) TeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, mem := range m.members {
		if mem.TeamID == teamID {
			out = append(out, mem.SubjectID)
		}
	}
	return out, nil
}

// --- Store: mutations ---

func (m *InMemory) UpsertSubject(ctx context.Context, sub Subject) (Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range m.subjects {
		if existing.ExternalID == sub.ExternalID && existing.Provider == sub.Provider {
			if sub.Email != "" {
				existing.Email = sub.Email
			}
			if sub.DisplayName != "" {
				existing.DisplayName = sub.DisplayName
			}
			existing.LastSeenAt = now
			return *existing, nil
		}
	}
	created := sub
	created.ID = ids.New()
	created.IsActive = true
	created.CreatedAt = now
	created.LastSeenAt = now
	m.subjects[created.ID] = &created
	return created, nil
}

func (m *InMemory) CreateAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[a.RoleID]; !ok {
		return RoleAssignment{}, fmt.Errorf("%w: role %s", ErrNotFound, a.RoleID)
	}
	a.ID = ids.New()
	a.CreatedAt = time.Now().UTC()
	m.assignments[a.ID] = &a
	return a, nil
}

func (m *InMemory) DeleteSubjectAssignments(ctx context.Context, subjectID, roleID, instanceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, a := range m.assignments {
		if a.SubjectID != subjectID || a.RoleID != roleID {
			continue
		}
		if instanceID != "" && a.ResourceInstanceID != instanceID {
			continue
		}
		delete(m.assignments, id)
		removed++
	}
	return removed, nil
}

func (m *InMemory) DeleteTeamAssignments(ctx context.Context, teamID, roleID, instanceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, a := range m.assignments {
		if a.TeamID != teamID || a.RoleID != roleID {
			continue
		}
		if instanceID != "" && a.ResourceInstanceID != instanceID {
			continue
		}
		delete(m.assignments, id)
		removed++
	}
	return removed, nil
}

func (m *InMemory) CreateInstancePermission(ctx context.Context, p InstancePermission) (InstancePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = ids.New()
	p.CreatedAt = time.Now().UTC()
	m.instPerms[p.ID] = &p
	return p, nil
}

func (m *InMemory) DeleteInstancePermission(ctx context.Context, subjectID, instanceID, permissionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, g := range m.instPerms {
		if g.SubjectID == subjectID && g.ResourceInstanceID == instanceID && g.PermissionID == permissionID {
			delete(m.instPerms, id)
			removed++
		}
	}
	return removed, nil
}

func (m *InMemory) CreateResourceInstance(ctx context.Context, inst ResourceInstance) (ResourceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.resTypes[inst.ResourceTypeID]
	if !ok {
		return ResourceInstance{}, fmt.Errorf("%w: resource type %s", ErrNotFound, inst.ResourceTypeID)
	}
	if !rt.SupportsInstances {
		return ResourceInstance{}, fmt.Errorf("%w: resource type %s does not support instances", ErrInvalidInput, rt.Code)
	}
	for _, existing := range m.instances {
		if existing.ResourceTypeID == inst.ResourceTypeID && existing.ExternalID == inst.ExternalID {
			return ResourceInstance{}, ErrConflict
		}
	}
	inst.ID = ids.New()
	inst.CreatedAt = time.Now().UTC()
	m.instances[inst.ID] = &inst
	return inst, nil
}

func (m *InMemory) DeleteResourceInstance(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return 0, nil
	}
	delete(m.instances, id)
	// drop orphaned grants and instance-scoped assignments
	for gid, g := range m.instPerms {
		if g.ResourceInstanceID == id {
			delete(m.instPerms, gid)
		}
	}
	for aid, a := range m.assignments {
		if a.ResourceInstanceID == id {
			delete(m.assignments, aid)
		}
	}
	return 1, nil
}
