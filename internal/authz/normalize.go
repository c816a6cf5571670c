package authz

import (
	"fmt"
	"strings"
)

const permissionSeparator = ":"

// Normalize canonicalizes a permission string to the app:resource:action
// form. A string that already has three segments passes through unchanged;
// anything shorter gets the default application code prepended. No segment
// validation happens here: an unknown or still-malformed code simply never
// matches during resolution.
func Normalize(permission, defaultApp string) string {
	permission = strings.TrimSpace(permission)
	if strings.Count(permission, permissionSeparator) >= 2 {
		return permission
	}
	defaultApp = strings.TrimSpace(defaultApp)
	return defaultApp + permissionSeparator + permission
}

// ParsePermission splits a canonical permission code into its three segments.
// All segments must be present and non-empty.
func ParsePermission(code string) (app, resource, action string, err error) {
	parts := strings.Split(strings.TrimSpace(code), permissionSeparator)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidPermission, code)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", "", "", fmt.Errorf("%w: %q", ErrInvalidPermission, code)
		}
	}
	return parts[0], parts[1], parts[2], nil
}

// PermissionCode renders the canonical triple.
func PermissionCode(app, resource, action string) string {
	return app + permissionSeparator + resource + permissionSeparator + action
}
