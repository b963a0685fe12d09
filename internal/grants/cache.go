package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds worst-case staleness when no TTL is configured.
const DefaultCacheTTL = 2 * time.Minute

// Cache memoizes collected grant snapshots per (subject, resource type,
// resource instance) key. Only the pre-context candidate set is cached —
// never a verdict, since verdicts depend on per-request context that must be
// evaluated fresh. Alongside the snapshots it maintains a reverse index
// role -> subjects so role-level mutations can evict every affected subject.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache constructs a Cache. A nil client degrades to a pass-through:
// every load goes to the collector. ttl <= 0 selects DefaultCacheTTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Loader produces a snapshot on cache miss.
type Loader func(ctx context.Context) (Snapshot, error)

// Snapshot returns the cached candidate set for the key, filling it through
// loader on miss. Concurrent misses for the same key collapse into a single
// load. The second return value reports a cache hit.
func (c *Cache) Snapshot(ctx context.Context, subjectID int64, resourceType string, resourceInstance *string, loader Loader) (Snapshot, bool, error) {
	if loader == nil {
		return Snapshot{}, false, errors.New("grants: cache loader required")
	}
	if c == nil || c.client == nil {
		snap, err := loader(ctx)
		return snap, false, err
	}

	key := snapshotKey(subjectID, resourceType, resourceInstance)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var snap Snapshot
		if err := json.Unmarshal(payload, &snap); err == nil {
			return snap, true, nil
		}
		// Unreadable entry: drop it and fall through to a fresh load.
		_ = c.client.Del(ctx, key).Err()
	} else if !errors.Is(err, redis.Nil) {
		// Redis down must not break decisions; load directly.
		snap, loadErr := loader(ctx)
		return snap, false, loadErr
	}

	v, loadErr, _ := c.group.Do(key, func() (any, error) {
		snap, err := loader(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		// Caching is best effort; a failed write only costs a reload.
		_ = c.store(ctx, key, snap)
		return snap, nil
	})
	if loadErr != nil {
		return Snapshot{}, false, loadErr
	}
	return v.(Snapshot), false, nil
}

func (c *Cache) store(ctx context.Context, key string, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, raw, c.ttl)
	// Track the subject's live keys for targeted invalidation.
	subjectSet := subjectKeysKey(snap.SubjectID)
	pipe.SAdd(ctx, subjectSet, key)
	pipe.Expire(ctx, subjectSet, c.ttl)
	// Reverse-index every role that contributed a candidate so role
	// mutations can reach this subject.
	seen := map[int64]struct{}{}
	for _, cand := range snap.Candidates {
		for _, roleID := range candidateRoles(cand) {
			if _, dup := seen[roleID]; dup {
				continue
			}
			seen[roleID] = struct{}{}
			pipe.SAdd(ctx, roleIndexKey(roleID), snap.SubjectID)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// IndexRole records that a subject holds a role. The assignment write path
// calls it so the reverse index covers subjects whose snapshots were never
// cached.
func (c *Cache) IndexRole(ctx context.Context, roleID, subjectID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.SAdd(ctx, roleIndexKey(roleID), subjectID).Err()
}

// InvalidateSubject evicts every cached snapshot of the subject. Idempotent:
// evicting an absent key is a no-op, so races between writers are harmless.
func (c *Cache) InvalidateSubject(ctx context.Context, subjectID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	setKey := subjectKeysKey(subjectID)
	keys, err := c.client.SMembers(ctx, setKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("grants: invalidate subject %d: %w", subjectID, err)
	}
	keys = append(keys, setKey)
	return c.client.Del(ctx, keys...).Err()
}

// InvalidateRole evicts the snapshots of every subject holding the role,
// using the reverse index.
func (c *Cache) InvalidateRole(ctx context.Context, roleID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	members, err := c.client.SMembers(ctx, roleIndexKey(roleID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("grants: invalidate role %d: %w", roleID, err)
	}
	for _, member := range members {
		subjectID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		if err := c.InvalidateSubject(ctx, subjectID); err != nil {
			return err
		}
	}
	return nil
}

func candidateRoles(cand Candidate) []int64 {
	var roles []int64
	if cand.ViaRole != nil {
		roles = append(roles, *cand.ViaRole)
	}
	if cand.RoleID != nil && (cand.ViaRole == nil || *cand.RoleID != *cand.ViaRole) {
		roles = append(roles, *cand.RoleID)
	}
	return roles
}

func snapshotKey(subjectID int64, resourceType string, resourceInstance *string) string {
	instance := "-"
	if resourceInstance != nil {
		instance = *resourceInstance
	}
	return fmt.Sprintf("authz:snap:%d:%s:%s", subjectID, resourceType, instance)
}

func subjectKeysKey(subjectID int64) string {
	return fmt.Sprintf("authz:keys:%d", subjectID)
}

func roleIndexKey(roleID int64) string {
	return fmt.Sprintf("authz:roleidx:%d", roleID)
}
