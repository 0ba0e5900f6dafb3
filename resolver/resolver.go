// Package resolver implements the fixed-point dependency resolver: it
// alternates between normalizing the current constraint set, picking a best
// candidate version for each unpinned requirement, and harvesting that
// candidate's transitive requirements, until nothing changes.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/a-h/pypiresolve/metrics"
	"github.com/a-h/pypiresolve/pkgmanager"
	"github.com/a-h/pypiresolve/spec"
	"github.com/a-h/pypiresolve/version"
)

// DefaultMaxIterations bounds the fixed-point loop against pathological
// inputs (e.g. a cache or index that never stabilizes).
const DefaultMaxIterations = 64

// DefaultConcurrency bounds how many names in a single pass's snapshot may
// have their find_best_match/get_dependencies I/O in flight at once. The
// fixed point itself is still applied in snapshot order afterwards, so the
// result is identical regardless of this value.
const DefaultConcurrency = 8

type passResult struct {
	name string
	v    version.Version
	deps []pkgmanager.DepEdge
	err  error
}

// ResolveError is raised when the loop fails to converge within its
// iteration cap.
type ResolveError struct {
	Names  []string
	Reason string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve failed: %s (unresolved: %s)", e.Reason, strings.Join(e.Names, ", "))
}

// Resolve drives input to a fixed point against manager, returning the
// normalized SpecSet where every name is pinned to exactly one version.
// maxIterations <= 0 uses DefaultMaxIterations. Resolve is deterministic:
// within a single pass it processes names in the snapshot order taken at
// the start of that pass. m is the zero Metrics to disable recording.
func Resolve(ctx context.Context, mgr *pkgmanager.Manager, input *spec.SpecSet, maxIterations int, m metrics.Metrics) (*spec.SpecSet, error) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	state := input.Clone()
	changed := true
	iter := 0
	for ; changed; iter++ {
		if iter >= maxIterations {
			return nil, &ResolveError{Names: state.Names(), Reason: "iteration cap reached"}
		}

		normalized, err := state.Normalize()
		if err != nil {
			var conflict *spec.ConflictError
			if asConflictError(err, &conflict) {
				m.IncrementResolveConflicts(ctx)
			}
			return nil, err
		}
		state = normalized
		changed = false

		names := state.Names()
		results := make([]passResult, len(names))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(DefaultConcurrency)
		for i, name := range names {
			i, name := i, name
			s, ok := state.Get(name)
			if !ok {
				continue
			}
			g.Go(func() error {
				v, _, err := mgr.FindBestMatch(gctx, s)
				if err != nil {
					results[i] = passResult{name: name, err: fmt.Errorf("failed to find best match for %s: %w", name, err)}
					return nil
				}
				deps, _, err := mgr.GetDependencies(gctx, name, v, s.Extras)
				if err != nil {
					results[i] = passResult{name: name, err: fmt.Errorf("failed to get dependencies for %s-%s: %w", name, v, err)}
					return nil
				}
				results[i] = passResult{name: name, v: v, deps: deps}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// Apply every result in the snapshot's insertion order, regardless of
		// the order the goroutines above actually completed in, so the
		// observable fixed point never depends on the concurrency cap.
		for i, name := range names {
			r := results[i]
			if r.name == "" {
				continue
			}
			if r.err != nil {
				return nil, r.err
			}

			s, ok := state.Get(name)
			if !ok {
				continue
			}
			if pv, ok := s.PinnedVersion(); !ok || !pv.Equal(r.v) {
				pin := spec.Spec{Name: name}.WithPin(r.v)
				pin.Source = "resolver"
				state.Add(pin)
				changed = true
			}
			for _, d := range r.deps {
				if state.Contains(d.Spec) {
					continue
				}
				// A dependency is already covered when merging it leaves the
				// name's merged predicates and extras unchanged.
				before, had := state.Get(d.Spec.Name)
				state.Add(d.Spec)
				if after, ok := state.Get(d.Spec.Name); !had || !ok || after.String() != before.String() {
					changed = true
				}
			}
		}
	}

	final, err := state.Normalize()
	if err != nil {
		var conflict *spec.ConflictError
		if asConflictError(err, &conflict) {
			m.IncrementResolveConflicts(ctx)
		}
		return nil, err
	}
	m.RecordResolveIterations(ctx, int64(iter))
	return final, nil
}

func asConflictError(err error, target **spec.ConflictError) bool {
	ce, ok := err.(*spec.ConflictError)
	if ok {
		*target = ce
	}
	return ok
}
