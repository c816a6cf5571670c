package authz

import "time"

// Application is a client application sharing the authorization backend.
// Its code scopes resource types and roles and is the default prefix for
// short-form permission strings.
type Application struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ResourceType is a category of protected resource within an application.
type ResourceType struct {
	ID                string    `json:"id"`
	ApplicationID     string    `json:"application_id"`
	Code              string    `json:"code"`
	Name              string    `json:"name,omitempty"`
	SupportsInstances bool      `json:"supports_instances"`
	CreatedAt         time.Time `json:"created_at"`
}

// Action is a verb shared across all applications (e.g. "read").
type Action struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// Permission is one (resource type, action) pair. Code renders as
// application:resourceType:action.
type Permission struct {
	ID             string `json:"id"`
	ResourceTypeID string `json:"resource_type_id"`
	ActionID       string `json:"action_id"`
	Code           string `json:"code"`
}

// Role groups permissions. A role may belong to one application or be
// global, and may inherit from a single parent role.
type Role struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id,omitempty"`
	// ApplicationCode is denormalized on reads for filtering and display.
	ApplicationCode string    `json:"application_code,omitempty"`
	Code            string    `json:"code"`
	Description     string    `json:"description,omitempty"`
	ParentRoleID    string    `json:"parent_role_id,omitempty"`
	IsSystem        bool      `json:"is_system"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Subject is an identity that can be granted permissions. The
// (ExternalID, Provider) pair is the natural key; ID is stable once created.
type Subject struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"external_id"`
	Provider    string    `json:"provider"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Team membership levels.
const (
	TeamRoleMember = "member"
	TeamRoleAdmin  = "admin"
	TeamRoleOwner  = "owner"
)

// Team groups subjects. Role assignments on a team are inherited by every
// current member. Parent teams exist in the model but do not contribute
// roles transitively; only direct team assignments count.
type Team struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	Name          string    `json:"name,omitempty"`
	ApplicationID string    `json:"application_id,omitempty"`
	ParentTeamID  string    `json:"parent_team_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TeamMember links a subject to a team with a membership role.
type TeamMember struct {
	TeamID         string    `json:"team_id"`
	SubjectID      string    `json:"subject_id"`
	MembershipRole string    `json:"membership_role"`
	CreatedAt      time.Time `json:"created_at"`
}

// RoleAssignment grants a role to a subject or a team. A nil instance scope
// makes the grant global within the role's application; a set one limits it
// to that single resource instance. Expired assignments are inert but kept.
type RoleAssignment struct {
	ID                 string     `json:"id"`
	SubjectID          string     `json:"subject_id,omitempty"`
	TeamID             string     `json:"team_id,omitempty"`
	RoleID             string     `json:"role_id"`
	ResourceInstanceID string     `json:"resource_instance_id,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Expired reports whether the assignment is inert at the given instant.
func (a RoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// ResourceInstance is one concrete resource under an instance-supporting
// resource type. Ownership is an implicit full-access grant.
type ResourceInstance struct {
	ID             string    `json:"id"`
	ResourceTypeID string    `json:"resource_type_id"`
	ExternalID     string    `json:"external_id"`
	OwnerSubjectID string    `json:"owner_subject_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// InstancePermission is a direct grant of one permission to one subject on
// one resource instance, bypassing roles.
type InstancePermission struct {
	ID                 string     `json:"id"`
	SubjectID          string     `json:"subject_id"`
	ResourceInstanceID string     `json:"resource_instance_id"`
	PermissionID       string     `json:"permission_id"`
	PermissionCode     string     `json:"permission_code"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Expired reports whether the grant is inert at the given instant.
func (p InstancePermission) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// Decision is the answer to a single check request.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}
