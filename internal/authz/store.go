package authz

import "context"

// Store is the entity-graph persistence boundary. Read methods used by the
// resolver return raw rows; expiration and scope filtering happen in the
// resolver so the semantics live in one place. Mutations must be
// transactional: either the whole change lands or none of it does.
type Store interface {
	// SubjectAssignments returns every role assignment reaching the subject:
	// its own plus direct assignments of teams it is currently a member of.
	// Parent teams are not walked.
	SubjectAssignments(ctx context.Context, subjectID string) ([]RoleAssignment, error)

	// RolesByID fetches roles by internal id, with ApplicationCode resolved.
	// Unknown ids are silently omitted.
	RolesByID(ctx context.Context, roleIDs []string) ([]Role, error)

	// RolePermissions returns the permissions attached directly to any of the
	// given roles, with canonical codes resolved.
	RolePermissions(ctx context.Context, roleIDs []string) ([]Permission, error)

	// SubjectInstancePermissions returns direct grants for the subject on the
	// instance, expired ones included.
	SubjectInstancePermissions(ctx context.Context, subjectID, instanceID string) ([]InstancePermission, error)

	// ResourceTypePermissions returns every permission defined under a
	// resource type, with canonical codes resolved.
	ResourceTypePermissions(ctx context.Context, resourceTypeID string) ([]Permission, error)

	GetResourceInstance(ctx context.Context, id string) (ResourceInstance, error)

	// Lookups required by mutations. These return ErrNotFound when the code
	// does not exist.
	GetApplicationByCode(ctx context.Context, code string) (Application, error)
	GetRoleByCode(ctx context.Context, applicationCode, code string) (Role, error)
	GetPermissionByCode(ctx context.Context, code string) (Permission, error)
	GetResourceTypeByCode(ctx context.Context, applicationCode, code string) (ResourceType, error)
	GetSubject(ctx context.Context, id string) (Subject, error)

	// UpsertSubject provisions a subject keyed by (ExternalID, Provider),
	// updating profile fields and LastSeenAt on conflict.
	UpsertSubject(ctx context.Context, sub Subject) (Subject, error)

	CreateAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error)
	// DeleteSubjectAssignments removes all assignment rows matching the
	// filter and reports how many were removed. Zero is not an error.
	DeleteSubjectAssignments(ctx context.Context, subjectID, roleID, instanceID string) (int, error)
	DeleteTeamAssignments(ctx context.Context, teamID, roleID, instanceID string) (int, error)

	GetTeamByCode(ctx context.Context, code string) (Team, error)
	// TeamMemberIDs returns the subject ids of current team members, used to
	// fan out cache invalidation for team-level grants.
	TeamMemberIDs(ctx context.Context, teamID string) ([]string, error)

	CreateInstancePermission(ctx context.Context, p InstancePermission) (InstancePermission, error)
	DeleteInstancePermission(ctx context.Context, subjectID, instanceID, permissionID string) (int, error)

	CreateResourceInstance(ctx context.Context, inst ResourceInstance) (ResourceInstance, error)
	DeleteResourceInstance(ctx context.Context, id string) (int, error)
}
