// Package cache implements the persistent, lazily-loaded, write-through
// key-value cache that the package manager keys its link, dependency,
// pkg-info and version lookups on. It is backed by an a-h/kv store rather
// than a single flat file per kind: store.New already gives the resolver a
// choice of sqlite, rqlite or postgres backing, and kv.Store's Put/Get
// already provide the per-key durability the cache needs.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"

	"github.com/a-h/kv"
	"github.com/a-h/pypiresolve/cachestats"
)

// Kind names one of the four cache files the resolver keeps: links,
// dependencies, pkg-info and versions.
type Kind string

const (
	KindLink    Kind = cachestats.KindLink
	KindDep     Kind = cachestats.KindDep
	KindPkgInfo Kind = cachestats.KindPkgInfo
	KindVersion Kind = cachestats.KindVersion
)

// formatVersion is written into every cache entry's envelope so a future
// incompatible change to the serialized shape can detect and discard stale
// entries rather than fail to unmarshal them.
const formatVersion = 1

type envelope struct {
	Format int             `json:"__format__"`
	Value  json.RawMessage `json:"value"`
}

// statsRecorder is the subset of cachestats.Counter a Cache needs to record
// lookup outcomes against. Both the synchronous *cachestats.Counter and the
// channel-backed *cachestats.AsyncCounter satisfy it.
type statsRecorder interface {
	Increment(ctx context.Context, kind, outcome string) error
}

// Cache is a lazily-loaded, write-through key-value cache scoped to one
// environment and one Kind.
type Cache struct {
	stats statsRecorder
	kv    kv.Store
	env   string
	kind  Kind
}

// New returns a Cache for the given environment name and kind, backed by
// store. Lookups are recorded against stats for hit/miss accounting; stats
// may be nil to disable recording. Pass a *cachestats.AsyncCounter instead
// of a *cachestats.Counter to keep lookup recording off the hot path.
func New(kvStore kv.Store, stats statsRecorder, env string, kind Kind) *Cache {
	return &Cache{kv: kvStore, stats: stats, env: env, kind: kind}
}

func (c *Cache) buildKey(key string) string {
	return path.Join("/cache", url.PathEscape(c.env), string(c.kind), url.PathEscape(key))
}

// Get looks up key and decodes its JSON value into dst. ok is false on a
// cache miss (not an error).
func (c *Cache) Get(ctx context.Context, key string, dst any) (ok bool, err error) {
	row, ok, err := c.kv.Get(ctx, c.buildKey(key))
	if err != nil {
		return false, fmt.Errorf("failed to get cache entry %s/%s: %w", c.kind, key, err)
	}
	outcome := cachestats.OutcomeMiss
	defer func() {
		if err == nil {
			c.record(ctx, outcome)
		}
	}()
	if !ok {
		return false, nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(row.Value), &env); err != nil {
		return false, fmt.Errorf("failed to decode cache envelope %s/%s: %w", c.kind, key, err)
	}
	if env.Format != formatVersion {
		// A format mismatch is treated as a miss: the entry is stale and
		// will be overwritten on the next Set.
		return false, nil
	}
	if err := json.Unmarshal(env.Value, dst); err != nil {
		return false, fmt.Errorf("failed to decode cache value %s/%s: %w", c.kind, key, err)
	}
	outcome = cachestats.OutcomeHit
	return true, nil
}

func (c *Cache) record(ctx context.Context, outcome string) {
	if c.stats == nil {
		return
	}
	_ = c.stats.Increment(ctx, string(c.kind), outcome)
}

// Set persists value under key, write-through: the value is immediately
// committed rather than buffered.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value %s/%s: %w", c.kind, key, err)
	}
	env := envelope{Format: formatVersion, Value: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode cache envelope %s/%s: %w", c.kind, key, err)
	}
	if err := c.kv.Put(ctx, c.buildKey(key), -1, string(data)); err != nil {
		return fmt.Errorf("failed to persist cache entry %s/%s: %w", c.kind, key, err)
	}
	return nil
}

// Empty removes every entry this Cache has ever written for its (env, kind).
func (c *Cache) Empty(ctx context.Context) error {
	prefix := path.Join("/cache", url.PathEscape(c.env), string(c.kind)) + "/"
	rows, err := c.kv.GetPrefix(ctx, prefix, 0, -1)
	if err != nil {
		return fmt.Errorf("failed to list cache entries for %s: %w", c.kind, err)
	}
	keys := make([]string, len(rows))
	for i, row := range rows {
		keys[i] = row.Key
	}
	if len(keys) == 0 {
		return nil
	}
	if _, err := c.kv.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to clear cache entries for %s: %w", c.kind, err)
	}
	return nil
}
