// Package resolveaudit records, per package name, which version was pinned,
// how many times it was re-confirmed across resolves, and whether a hook or
// override was responsible, so a resolve's history can be inspected after the
// fact without re-running it.
package resolveaudit

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/a-h/kv"
)

// Source identifies what caused a package's version to be pinned.
const (
	SourceResolved = "resolved"
	SourceOverride = "override"
	SourcePinned   = "pinned"
)

func New(store kv.Store) *Log {
	return &Log{
		store: store,
		now:   time.Now,
	}
}

type Log struct {
	store kv.Store
	now   func() time.Time
}

// RecordPin logs that a package name was pinned to a version on the current
// day, attributing the decision to src (one of the Source constants).
func (m *Log) RecordPin(ctx context.Context, name, version, src string) (err error) {
	day := m.now().UTC().Truncate(24 * time.Hour).Format("2006-01-02")
	key := path.Join("/resolveaudit", url.PathEscape(name), day, url.PathEscape(version), url.PathEscape(src))
	// Every time we upsert a key with Put, the version number is incremented.
	return m.store.Put(ctx, key, -1, "")
}

func (m *Log) Get(ctx context.Context, name string) (stats Stats, ok bool, err error) {
	stats.Name = name
	prefix := path.Join("/resolveaudit", url.PathEscape(name)) + "/"

	rows, err := m.store.GetPrefix(ctx, prefix, 0, -1)
	if err != nil {
		return stats, false, err
	}

	for _, row := range rows {
		parts := strings.Split(strings.TrimPrefix(row.Key, "/"), "/")
		if len(parts) != 5 {
			return stats, false, fmt.Errorf("invalid key format: %s", row.Key)
		}
		var pin Pin
		pin.Date, err = time.Parse("2006-01-02", parts[2])
		if err != nil {
			return stats, false, fmt.Errorf("failed to parse date in key %q: %w", row.Key, err)
		}
		if pin.Version, err = url.PathUnescape(parts[3]); err != nil {
			return stats, false, fmt.Errorf("failed to unescape version in key %q: %w", row.Key, err)
		}
		if pin.Source, err = url.PathUnescape(parts[4]); err != nil {
			return stats, false, fmt.Errorf("failed to unescape source in key %q: %w", row.Key, err)
		}
		pin.Count = row.Version

		stats.Pins = append(stats.Pins, pin)
		ok = true
	}

	return stats, ok, nil
}

type Stats struct {
	Name string
	Pins []Pin
}

// LastPinned returns the most recently recorded pin, if any.
func (s Stats) LastPinned() (pin Pin, ok bool) {
	if len(s.Pins) == 0 {
		return Pin{}, false
	}
	latest := s.Pins[0]
	for _, p := range s.Pins[1:] {
		if p.Date.After(latest.Date) {
			latest = p
		}
	}
	return latest, true
}

// WasOverridden reports whether any pin for this package was attributed to a
// hook override rather than ordinary resolution.
func (s Stats) WasOverridden() bool {
	for _, p := range s.Pins {
		if p.Source == SourceOverride {
			return true
		}
	}
	return false
}

type Pin struct {
	Date    time.Time
	Version string
	Source  string
	Count   int
}
