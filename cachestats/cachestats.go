// Package cachestats records hit/miss counts for the persistent cache, bucketed
// by day, so that cache effectiveness can be inspected without scraping metrics.
package cachestats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/a-h/kv"
)

// Kinds of persistent cache entry tracked by the resolver.
const (
	KindLink    = "link"
	KindDep     = "dep"
	KindPkgInfo = "pkginfo"
	KindVersion = "version"
)

const (
	OutcomeHit  = "hit"
	OutcomeMiss = "miss"
)

// bucketFormat is written into every day-bucket's value so a future
// incompatible change to how a bucket is tagged can be detected and the
// bucket skipped rather than counted as if it were current, mirroring how
// cache.Cache discards entries written under an older envelope format.
const bucketFormat = 1

type bucket struct {
	Format int `json:"__format__"`
}

func New(store kv.Store) *Counter {
	return &Counter{
		store: store,
		now:   time.Now,
	}
}

type Counter struct {
	store kv.Store
	now   func() time.Time
}

func (m *Counter) buildCounterKey(kind, outcome string, date time.Time) string {
	encodedKind := url.PathEscape(kind)
	encodedOutcome := url.PathEscape(outcome)
	encodedDate := date.Format("2006-01-02")
	return path.Join("/cachestats", encodedKind, encodedOutcome, encodedDate)
}

func (m *Counter) buildCounterPrefix(kind, outcome string) string {
	encodedKind := url.PathEscape(kind)
	encodedOutcome := url.PathEscape(outcome)
	return path.Join("/cachestats", encodedKind, encodedOutcome) + "/"
}

// Increment records a single cache hit or miss of the given kind.
func (m *Counter) Increment(ctx context.Context, kind, outcome string) (err error) {
	day := m.now().UTC().Truncate(24 * time.Hour)
	key := m.buildCounterKey(kind, outcome, day)
	data, err := json.Marshal(bucket{Format: bucketFormat})
	if err != nil {
		return fmt.Errorf("failed to encode counter bucket: %w", err)
	}
	// Every time we upsert a key with Put, the version number is incremented;
	// that running version IS the day's count, the value just tags the
	// format it was written under.
	return m.store.Put(ctx, key, -1, string(data))
}

// Get returns the daily counts recorded for kind/outcome. Buckets written
// under a bucketFormat other than the current one are skipped rather than
// counted, the same stale-entry handling cache.Cache applies to its own
// envelopes.
func (m *Counter) Get(ctx context.Context, kind, outcome string) (counts Counts, err error) {
	rows, err := m.store.GetPrefix(ctx, m.buildCounterPrefix(kind, outcome), 0, -1)
	if err != nil {
		return nil, err
	}

	counts = make([]Count, 0, len(rows))
	for _, row := range rows {
		parts := strings.Split(row.Key, "/")
		if len(parts) != 5 {
			return counts, fmt.Errorf("invalid key format: %s", row.Key)
		}
		var b bucket
		if err := json.Unmarshal([]byte(row.Value), &b); err != nil {
			return nil, fmt.Errorf("failed to decode counter bucket %s: %w", row.Key, err)
		}
		if b.Format != bucketFormat {
			continue
		}
		date, err := time.Parse("2006-01-02", parts[4])
		if err != nil {
			return nil, fmt.Errorf("failed to parse key: %w", err)
		}
		counts = append(counts, Count{Date: date, Count: row.Version})
	}

	return counts, nil
}

type Counts []Count

func (c Counts) Total() (total int) {
	for _, count := range c {
		total += count.Count
	}
	return total
}

type Count struct {
	Date  time.Time
	Count int
}

// HitRatio reports the fraction of lookups of a kind that were served from
// cache. It is typically built from a Get(kind, "hit") and Get(kind, "miss")
// pair of Counts.
func HitRatio(hits, misses Counts) float64 {
	h, m := hits.Total(), misses.Total()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}
