// Package cache holds previously resolved per-subject permission and role
// lists with a TTL. It is an optimization only: every read path falls back
// to direct resolution, so check results are identical with the cache cold,
// warm, or disabled.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"granta.org/internal/obs"
)

const (
	// DefaultTTL is applied when no TTL is configured.
	DefaultTTL = 5 * time.Minute

	permPrefix = "perm:"
	rolePrefix = "role:"
)

// SubjectCache keys resolved lists by internal subject id, permissions and
// roles separately. Per-key operations are atomic; there is no cross-subject
// locking.
type SubjectCache struct {
	backend *gocache.Cache
}

// New initialises a cache with the given TTL for both entry kinds.
func New(ttl time.Duration) *SubjectCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SubjectCache{backend: gocache.New(ttl, 2*ttl)}
}

// GetPermissions returns the cached permission list for a subject, if any.
func (c *SubjectCache) GetPermissions(ctx context.Context, subjectID string) ([]string, bool) {
	return c.get(ctx, permPrefix+subjectID)
}

// SetPermissions stores the permission list. Nothing is written when the
// caller's context is already cancelled, so an abandoned check never
// commits a partial entry.
func (c *SubjectCache) SetPermissions(ctx context.Context, subjectID string, permissions []string) {
	c.set(ctx, permPrefix+subjectID, permissions)
}

// GetRoles returns the cached role list for a subject, if any.
func (c *SubjectCache) GetRoles(ctx context.Context, subjectID string) ([]string, bool) {
	return c.get(ctx, rolePrefix+subjectID)
}

// SetRoles stores the role list.
func (c *SubjectCache) SetRoles(ctx context.Context, subjectID string, roles []string) {
	c.set(ctx, rolePrefix+subjectID, roles)
}

// Invalidate drops both entries for one subject.
func (c *SubjectCache) Invalidate(ctx context.Context, subjectID string) {
	c.backend.Delete(permPrefix + subjectID)
	c.backend.Delete(rolePrefix + subjectID)
}

// InvalidateAll flushes every entry. With the in-process backend this is
// immediate; alternative backends without a clear-all primitive may rely on
// natural TTL expiry instead, so callers must not assume global
// consistency right after the call.
func (c *SubjectCache) InvalidateAll(ctx context.Context) {
	c.backend.Flush()
}

// Teardown releases the backend. The in-process backend needs no cleanup
// beyond dropping references; kept for lifecycle symmetry with New.
func (c *SubjectCache) Teardown() {
	c.backend.Flush()
}

func (c *SubjectCache) get(ctx context.Context, key string) ([]string, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	v, ok := c.backend.Get(key)
	if !ok {
		obs.CacheMiss()
		return nil, false
	}
	list, ok := v.([]string)
	if !ok {
		obs.CacheMiss()
		return nil, false
	}
	obs.CacheHit()
	return list, true
}

func (c *SubjectCache) set(ctx context.Context, key string, values []string) {
	if ctx.Err() != nil {
		return
	}
	copied := append([]string(nil), values...)
	c.backend.SetDefault(key, copied)
}
