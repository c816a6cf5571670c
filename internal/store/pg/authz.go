package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"granta.org/internal/authz"
	"granta.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ authz.Store = (*Store)(nil)

// permissionCodeExpr renders a permission's canonical code from its joins.
const permissionCodeExpr = `app.code || ':' || rt.code || ':' || ac.code`

const permissionJoins = `
	join resource_types rt on rt.id = p.resource_type_id
	join applications app on app.id = rt.application_id
	join actions ac on ac.id = p.action_id
`

func (s *Store) SubjectAssignments(ctx context.Context, subjectID string) ([]authz.RoleAssignment, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select ra.id, coalesce(ra.subject_id, ''), coalesce(ra.team_id, ''), ra.role_id,
		       coalesce(ra.resource_instance_id, ''), ra.expires_at, ra.created_at
		from role_assignments ra
		where ra.subject_id = $1
		   or ra.team_id in (select tm.team_id from team_members tm where tm.subject_id = $1)
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []authz.RoleAssignment
	for rows.Next() {
		var (
			a   authz.RoleAssignment
			exp sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.SubjectID, &a.TeamID, &a.RoleID, &a.ResourceInstanceID, &exp, &a.CreatedAt); err != nil {
			return nil, err
		}
		if exp.Valid {
			t := exp.Time
			a.ExpiresAt = &t
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}

func (s *Store) RolesByID(ctx context.Context, roleIDs []string) ([]authz.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, coalesce(r.application_id, ''), coalesce(app.code, ''), r.code,
		       coalesce(r.description, ''), coalesce(r.parent_role_id, ''), r.is_system,
		       r.created_at, r.updated_at
		from roles r
		left join applications app on app.id = r.application_id
		where r.id = any($1)
	`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []authz.Role
	for rows.Next() {
		var role authz.Role
		if err := rows.Scan(&role.ID, &role.ApplicationID, &role.ApplicationCode, &role.Code,
			&role.Description, &role.ParentRoleID, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) RolePermissions(ctx context.Context, roleIDs []string) ([]authz.Permission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.id, p.resource_type_id, p.action_id, `+permissionCodeExpr+` as code
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		`+permissionJoins+`
		where rp.role_id = any($1)
	`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func (s *Store) SubjectInstancePermissions(ctx context.Context, subjectID, instanceID string) ([]authz.InstancePermission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select ip.id, ip.subject_id, ip.resource_instance_id, ip.permission_id,
		       `+permissionCodeExpr+` as code, ip.expires_at, ip.created_at
		from instance_permissions ip
		join permissions p on p.id = ip.permission_id
		`+permissionJoins+`
		where ip.subject_id = $1 and ip.resource_instance_id = $2
	`, subjectID, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []authz.InstancePermission
	for rows.Next() {
		var (
			g   authz.InstancePermission
			exp sql.NullTime
		)
		if err := rows.Scan(&g.ID, &g.SubjectID, &g.ResourceInstanceID, &g.PermissionID, &g.PermissionCode, &exp, &g.CreatedAt); err != nil {
			return nil, err
		}
		if exp.Valid {
			t := exp.Time
			g.ExpiresAt = &t
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

func (s *Store) ResourceTypePermissions(ctx context.Context, resourceTypeID string) ([]authz.Permission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.resource_type_id, p.action_id, `+permissionCodeExpr+` as code
		from permissions p
		`+permissionJoins+`
		where p.resource_type_id = $1
	`, resourceTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func (s *Store) GetResourceInstance(ctx context.Context, id string) (authz.ResourceInstance, error) {
	if s.db == nil {
		return authz.ResourceInstance{}, errors.New("database connection unavailable")
	}
	var inst authz.ResourceInstance
	err := s.db.QueryRowContext(ctx, `
		select id, resource_type_id, external_id, coalesce(owner_subject_id, ''), created_at
		from resource_instances
		where id = $1
	`, id).Scan(&inst.ID, &inst.ResourceTypeID, &inst.ExternalID, &inst.OwnerSubjectID, &inst.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.ResourceInstance{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.ResourceInstance{}, err
	}
	return inst, nil
}

func (s *Store) GetApplicationByCode(ctx context.Context, code string) (authz.Application, error) {
	if s.db == nil {
		return authz.Application{}, errors.New("database connection unavailable")
	}
	var app authz.Application
	err := s.db.QueryRowContext(ctx, `
		select id, code, name, coalesce(api_key_hash, ''), created_at, updated_at
		from applications
		where code = $1
	`, code).Scan(&app.ID, &app.Code, &app.Name, &app.APIKeyHash, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Application{}, fmt.Errorf("%w: application %s", authz.ErrNotFound, code)
	}
	if err != nil {
		return authz.Application{}, err
	}
	return app, nil
}

// GetRoleByCode resolves a role by code. Without an application filter a
// global (application-less) role is preferred; a code shared by several
// applications and no global role is rejected as ambiguous.
func (s *Store) GetRoleByCode(ctx context.Context, applicationCode, code string) (authz.Role, error) {
	if s.db == nil {
		return authz.Role{}, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, coalesce(r.application_id, ''), coalesce(app.code, ''), r.code,
		       coalesce(r.description, ''), coalesce(r.parent_role_id, ''), r.is_system,
		       r.created_at, r.updated_at
		from roles r
		left join applications app on app.id = r.application_id
		where r.code = $1 and ($2 = '' or app.code = $2)
		order by (r.application_id is null) desc
		limit 2
	`, code, applicationCode)
	if err != nil {
		return authz.Role{}, err
	}
	defer rows.Close()
	var matches []authz.Role
	for rows.Next() {
		var role authz.Role
		if err := rows.Scan(&role.ID, &role.ApplicationID, &role.ApplicationCode, &role.Code,
			&role.Description, &role.ParentRoleID, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return authz.Role{}, err
		}
		matches = append(matches, role)
	}
	if err := rows.Err(); err != nil {
		return authz.Role{}, err
	}
	if len(matches) == 0 {
		return authz.Role{}, fmt.Errorf("%w: role %s", authz.ErrNotFound, code)
	}
	// the global role sorts first when present
	if matches[0].ApplicationID == "" || len(matches) == 1 {
		return matches[0], nil
	}
	return authz.Role{}, fmt.Errorf("%w: role %s exists in multiple applications", authz.ErrInvalidInput, code)
}

func (s *Store) GetPermissionByCode(ctx context.Context, code string) (authz.Permission, error) {
	if s.db == nil {
		return authz.Permission{}, errors.New("database connection unavailable")
	}
	var perm authz.Permission
	err := s.db.QueryRowContext(ctx, `
		select p.id, p.resource_type_id, p.action_id, `+permissionCodeExpr+` as code
		from permissions p
		`+permissionJoins+`
		where `+permissionCodeExpr+` = $1
	`, code).Scan(&perm.ID, &perm.ResourceTypeID, &perm.ActionID, &perm.Code)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Permission{}, fmt.Errorf("%w: permission %s", authz.ErrNotFound, code)
	}
	if err != nil {
		return authz.Permission{}, err
	}
	return perm, nil
}

func (s *Store) GetResourceTypeByCode(ctx context.Context, applicationCode, code string) (authz.ResourceType, error) {
	if s.db == nil {
		return authz.ResourceType{}, errors.New("database connection unavailable")
	}
	var rt authz.ResourceType
	err := s.db.QueryRowContext(ctx, `
		select rt.id, rt.application_id, rt.code, coalesce(rt.name, ''), rt.supports_instances, rt.created_at
		from resource_types rt
		join applications app on app.id = rt.application_id
		where rt.code = $1 and ($2 = '' or app.code = $2)
	`, code, applicationCode).Scan(&rt.ID, &rt.ApplicationID, &rt.Code, &rt.Name, &rt.SupportsInstances, &rt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.ResourceType{}, fmt.Errorf("%w: resource type %s", authz.ErrNotFound, code)
	}
	if err != nil {
		return authz.ResourceType{}, err
	}
	return rt, nil
}

func (s *Store) GetSubject(ctx context.Context, id string) (authz.Subject, error) {
	if s.db == nil {
		return authz.Subject{}, errors.New("database connection unavailable")
	}
	var sub authz.Subject
	err := s.db.QueryRowContext(ctx, `
		select id, external_id, provider, coalesce(email, ''), coalesce(display_name, ''),
		       is_active, created_at, last_seen_at
		from subjects
		where id = $1
	`, id).Scan(&sub.ID, &sub.ExternalID, &sub.Provider, &sub.Email, &sub.DisplayName,
		&sub.IsActive, &sub.CreatedAt, &sub.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Subject{}, fmt.Errorf("%w: subject %s", authz.ErrNotFound, id)
	}
	if err != nil {
		return authz.Subject{}, err
	}
	return sub, nil
}

func (s *Store) GetTeamByCode(ctx context.Context, code string) (authz.Team, error) {
	if s.db == nil {
		return authz.Team{}, errors.New("database connection unavailable")
	}
	var team authz.Team
	err := s.db.QueryRowContext(ctx, `
		select id, code, coalesce(name, ''), coalesce(application_id, ''), coalesce(parent_team_id, ''), created_at
		from teams
		where code = $1
	`, code).Scan(&team.ID, &team.Code, &team.Name, &team.ApplicationID, &team.ParentTeamID, &team.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Team{}, fmt.Errorf("%w: team %s", authz.ErrNotFound, code)
	}
	if err != nil {
		return authz.Team{}, err
	}
	return team, nil
}

func (s *Store) TeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select subject_id from team_members where team_id = $1
	`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpsertSubject(ctx context.Context, sub authz.Subject) (authz.Subject, error) {
	if s.db == nil {
		return authz.Subject{}, errors.New("database connection unavailable")
	}
	var out authz.Subject
	err := s.db.QueryRowContext(ctx, `
		insert into subjects (id, external_id, provider, email, display_name, is_active)
		values ($1, $2, $3, nullif($4, ''), nullif($5, ''), true)
		on conflict (external_id, provider) do update
		set email        = coalesce(nullif(excluded.email, ''), subjects.email),
		    display_name = coalesce(nullif(excluded.display_name, ''), subjects.display_name),
		    last_seen_at = now()
		returning id, external_id, provider, coalesce(email, ''), coalesce(display_name, ''),
		          is_active, created_at, last_seen_at
	`, ids.New(), sub.ExternalID, sub.Provider, sub.Email, sub.DisplayName).Scan(
		&out.ID, &out.ExternalID, &out.Provider, &out.Email, &out.DisplayName,
		&out.IsActive, &out.CreatedAt, &out.LastSeenAt)
	if err != nil {
		return authz.Subject{}, err
	}
	return out, nil
}

func (s *Store) CreateAssignment(ctx context.Context, a authz.RoleAssignment) (authz.RoleAssignment, error) {
	if s.db == nil {
		return authz.RoleAssignment{}, errors.New("database connection unavailable")
	}
	var (
		out authz.RoleAssignment
		exp sql.NullTime
	)
	if a.ExpiresAt != nil {
		exp = sql.NullTime{Time: a.ExpiresAt.UTC(), Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `
		insert into role_assignments (id, subject_id, team_id, role_id, resource_instance_id, expires_at)
		values ($1, nullif($2, ''), nullif($3, ''), $4, nullif($5, ''), $6)
		returning id, coalesce(subject_id, ''), coalesce(team_id, ''), role_id,
		          coalesce(resource_instance_id, ''), expires_at, created_at
	`, ids.New(), a.SubjectID, a.TeamID, a.RoleID, a.ResourceInstanceID, exp).Scan(
		&out.ID, &out.SubjectID, &out.TeamID, &out.RoleID, &out.ResourceInstanceID, &exp, &out.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return authz.RoleAssignment{}, authz.ErrConflict
			case pgErrForeignKeyViolation:
				return authz.RoleAssignment{}, authz.ErrNotFound
			}
		}
		return authz.RoleAssignment{}, err
	}
	if exp.Valid {
		t := exp.Time
		out.ExpiresAt = &t
	}
	return out, nil
}

func (s *Store) DeleteSubjectAssignments(ctx context.Context, subjectID, roleID, instanceID string) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		delete from role_assignments
		where subject_id = $1 and role_id = $2
		  and ($3 = '' or resource_instance_id = $3)
	`, subjectID, roleID, instanceID)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (s *Store) DeleteTeamAssignments(ctx context.Context, teamID, roleID, instanceID string) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		delete from role_assignments
		where team_id = $1 and role_id = $2
		  and ($3 = '' or resource_instance_id = $3)
	`, teamID, roleID, instanceID)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (s *Store) CreateInstancePermission(ctx context.Context, p authz.InstancePermission) (authz.InstancePermission, error) {
	if s.db == nil {
		return authz.InstancePermission{}, errors.New("database connection unavailable")
	}
	var exp sql.NullTime
	if p.ExpiresAt != nil {
		exp = sql.NullTime{Time: p.ExpiresAt.UTC(), Valid: true}
	}
	out := p
	err := s.db.QueryRowContext(ctx, `
		insert into instance_permissions (id, subject_id, resource_instance_id, permission_id, expires_at)
		values ($1, $2, $3, $4, $5)
		returning id, expires_at, created_at
	`, ids.New(), p.SubjectID, p.ResourceInstanceID, p.PermissionID, exp).Scan(&out.ID, &exp, &out.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return authz.InstancePermission{}, authz.ErrConflict
			case pgErrForeignKeyViolation:
				return authz.InstancePermission{}, authz.ErrNotFound
			}
		}
		return authz.InstancePermission{}, err
	}
	out.ExpiresAt = nil
	if exp.Valid {
		t := exp.Time
		out.ExpiresAt = &t
	}
	return out, nil
}

func (s *Store) DeleteInstancePermission(ctx context.Context, subjectID, instanceID, permissionID string) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		delete from instance_permissions
		where subject_id = $1 and resource_instance_id = $2 and permission_id = $3
	`, subjectID, instanceID, permissionID)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (s *Store) CreateResourceInstance(ctx context.Context, inst authz.ResourceInstance) (authz.ResourceInstance, error) {
	if s.db == nil {
		return authz.ResourceInstance{}, errors.New("database connection unavailable")
	}
	out := inst
	err := s.db.QueryRowContext(ctx, `
		insert into resource_instances (id, resource_type_id, external_id, owner_subject_id)
		values ($1, $2, $3, nullif($4, ''))
		returning id, created_at
	`, ids.New(), inst.ResourceTypeID, inst.ExternalID, inst.OwnerSubjectID).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return authz.ResourceInstance{}, authz.ErrConflict
			case pgErrForeignKeyViolation:
				return authz.ResourceInstance{}, authz.ErrNotFound
			}
		}
		return authz.ResourceInstance{}, err
	}
	return out, nil
}

// DeleteResourceInstance removes the instance together with its direct
// grants and instance-scoped assignments in one transaction.
func (s *Store) DeleteResourceInstance(ctx context.Context, id string) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from instance_permissions where resource_instance_id = $1`, id); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_assignments where resource_instance_id = $1`, id); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `delete from resource_instances where id = $1`, id)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(aff), nil
}

// SetApplicationAPIKeyHash stores the argon2id hash for an application key.
func (s *Store) SetApplicationAPIKeyHash(ctx context.Context, applicationID, hash string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update applications set api_key_hash = $2, updated_at = now() where id = $1
	`, applicationID, hash)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	return nil
}

func scanPermissions(rows *sql.Rows) ([]authz.Permission, error) {
	var perms []authz.Permission
	for rows.Next() {
		var p authz.Permission
		if err := rows.Scan(&p.ID, &p.ResourceTypeID, &p.ActionID, &p.Code); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
