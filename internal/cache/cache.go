// Package cache implements the Cache Coordinator (§4.2): a Redis-backed
// read-through cache over faculty rows and list views, generalizing the
// teacher's single-key Redis dedup pattern into a small keyed-cache
// contract with one atomicity guarantee — a bulk invalidation touching a
// row and its derived views is never observable half-applied.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rjrtgarcia/consultease/internal/model"
	"github.com/Rjrtgarcia/consultease/internal/telemetry"
)

const (
	facultyTTL = 30 * time.Second
	listTTL    = 30 * time.Second
	configTTL  = 5 * time.Minute
)

const (
	keyFacultyList   = "faculty:list"
	keyConfigSnap    = "config:snapshot"
	facultyKeyPrefix = "faculty:"
)

// Coordinator is the cache. Lookups are lock-free plain Redis calls;
// invalidation takes invMu so a caller invalidating a faculty row and
// its list view observes both deletes as one unit, never one without
// the other.
type Coordinator struct {
	rdb   *redis.Client
	invMu sync.Mutex
}

// New wraps an already-connected Redis client.
func New(rdb *redis.Client) *Coordinator {
	return &Coordinator{rdb: rdb}
}

func facultyKey(id int64) string {
	return facultyKeyPrefix + strconv.FormatInt(id, 10)
}

// GetFaculty returns a cached faculty snapshot, or (false, nil) on a
// clean miss.
func (c *Coordinator) GetFaculty(ctx context.Context, id int64) (model.Faculty, bool, error) {
	data, err := c.rdb.Get(ctx, facultyKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		telemetry.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return model.Faculty{}, false, nil
	}
	if err != nil {
		telemetry.CacheLookupsTotal.WithLabelValues("error").Inc()
		return model.Faculty{}, false, err
	}
	var f model.Faculty
	if err := json.Unmarshal(data, &f); err != nil {
		telemetry.CacheLookupsTotal.WithLabelValues("error").Inc()
		return model.Faculty{}, false, err
	}
	telemetry.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return f, true, nil
}

// PutFaculty stores a faculty snapshot with the short presence TTL.
func (c *Coordinator) PutFaculty(ctx context.Context, f model.Faculty) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, facultyKey(f.ID), data, facultyTTL).Err()
}

// GetFacultyList returns the cached full faculty roster view.
func (c *Coordinator) GetFacultyList(ctx context.Context) ([]model.Faculty, bool, error) {
	data, err := c.rdb.Get(ctx, keyFacultyList).Bytes()
	if errors.Is(err, redis.Nil) {
		telemetry.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		telemetry.CacheLookupsTotal.WithLabelValues("error").Inc()
		return nil, false, err
	}
	var list []model.Faculty
	if err := json.Unmarshal(data, &list); err != nil {
		telemetry.CacheLookupsTotal.WithLabelValues("error").Inc()
		return nil, false, err
	}
	telemetry.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return list, true, nil
}

// PutFacultyList stores the full roster view.
func (c *Coordinator) PutFacultyList(ctx context.Context, list []model.Faculty) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keyFacultyList, data, listTTL).Err()
}

// GetConfigSnapshot returns a cached arbitrary config blob.
func (c *Coordinator) GetConfigSnapshot(ctx context.Context, dest any) (bool, error) {
	data, err := c.rdb.Get(ctx, keyConfigSnap).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, dest)
}

// PutConfigSnapshot stores an arbitrary config blob with the long TTL.
func (c *Coordinator) PutConfigSnapshot(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keyConfigSnap, data, configTTL).Err()
}

// InvalidateFaculty drops a single faculty entry and the roster view it
// feeds, as one atomic-to-readers operation: the presence engine calls
// this only after its write transaction commits, never from inside one.
func (c *Coordinator) InvalidateFaculty(ctx context.Context, id int64) error {
	c.invMu.Lock()
	defer c.invMu.Unlock()
	return c.rdb.Del(ctx, facultyKey(id), keyFacultyList).Err()
}

// InvalidateAll drops every cached faculty view, used after bulk admin
// operations (onboarding, enrollment changes) where per-row invalidation
// would be more calls than it's worth.
func (c *Coordinator) InvalidateAll(ctx context.Context) error {
	c.invMu.Lock()
	defer c.invMu.Unlock()

	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, facultyKeyPrefix+"*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return c.rdb.Del(ctx, keyFacultyList).Err()
}
