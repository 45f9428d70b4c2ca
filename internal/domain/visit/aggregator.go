package visit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/caresync/visits/internal/platform/telemetry"
	"github.com/caresync/visits/internal/platform/upstream"
	"github.com/caresync/visits/pkg/visitmodel"
)

// Aggregator fans visit reads out across an employee's identifiers.
type Aggregator struct {
	registry *upstream.Registry
	logger   zerolog.Logger
	limit    int
}

func NewAggregator(registry *upstream.Registry, logger zerolog.Logger) *Aggregator {
	return &Aggregator{registry: registry, logger: logger, limit: 8}
}

type outcome struct {
	ident  visitmodel.SystemIdentifier
	visits []visitmodel.VisitRecord
	err    error
}

// settle runs fn for every identifier and collects every outcome. Individual
// failures never cancel the others.
func (a *Aggregator) settle(ctx context.Context, idents []visitmodel.SystemIdentifier, fn func(context.Context, upstream.System, visitmodel.SystemIdentifier) ([]visitmodel.VisitRecord, error)) []outcome {
	results := make([]outcome, len(idents))
	var g errgroup.Group
	g.SetLimit(a.limit)
	for i, ident := range idents {
		g.Go(func() error {
			results[i].ident = ident
			sys, err := a.registry.Get(ident.SystemName)
			if err != nil {
				results[i].err = err
				return nil
			}
			results[i].visits, results[i].err = fn(ctx, sys, ident)
			return nil
		})
	}
	g.Wait()
	return results
}

// Aggregate returns the union of every identifier's visits in [from, to),
// minus visits still in planning. It fails only when every query fails.
func (a *Aggregator) Aggregate(ctx context.Context, idents []visitmodel.SystemIdentifier, from, to time.Time) ([]visitmodel.VisitRecord, error) {
	if len(idents) == 0 {
		return nil, nil
	}

	results := a.settle(ctx, idents, func(ctx context.Context, sys upstream.System, ident visitmodel.SystemIdentifier) ([]visitmodel.VisitRecord, error) {
		return sys.ListVisits(ctx, ident, from, to)
	})

	failed := 0
	seen := make(map[visitmodel.Occurrence]bool)
	var out []visitmodel.VisitRecord
	for _, r := range results {
		if r.err != nil {
			failed++
			a.logger.Error().Err(r.err).
				Str("system", r.ident.SystemName).
				Str("tenant_id", r.ident.TenantID).
				Str("emp_system_id", r.ident.EmpSystemID).
				Msg("visit query failed")
			telemetry.RecordUpstreamFailure(ctx, r.ident.SystemName, "list_visits")
			continue
		}
		for _, v := range r.visits {
			if v.InPlanning() {
				continue
			}
			if v.TenantID == "" {
				v.TenantID = r.ident.TenantID
			}
			if v.SystemType == "" {
				v.SystemType = r.ident.SystemName
			}
			if seen[v.Occurrence()] {
				continue
			}
			seen[v.Occurrence()] = true
			out = append(out, v)
		}
	}

	if failed == len(results) {
		return nil, fmt.Errorf("%w: all %d identifier queries failed", ErrAggregationUnavailable, failed)
	}
	return out, nil
}

// Located is a visit together with the identifier that owns it.
type Located struct {
	Visit      visitmodel.VisitRecord
	Identifier visitmodel.SystemIdentifier
}

// Locate finds a single visit among the identifiers for its tenant. The cvid,
// when the system reports one, must match. Visits in planning are not found.
func (a *Aggregator) Locate(ctx context.Context, idents []visitmodel.SystemIdentifier, ref visitmodel.VisitRef) (*Located, error) {
	var candidates []visitmodel.SystemIdentifier
	for _, ident := range idents {
		if ident.TenantID == ref.TenantID {
			candidates = append(candidates, ident)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no identifier for tenant %s", ErrNotFound, ref.TenantID)
	}

	var mu sync.Mutex
	var found *Located
	results := a.settle(ctx, candidates, func(ctx context.Context, sys upstream.System, ident visitmodel.SystemIdentifier) ([]visitmodel.VisitRecord, error) {
		v, err := sys.GetVisit(ctx, ident, ref)
		if err != nil {
			return nil, err
		}
		if !matches(v, ref) {
			return nil, upstream.ErrNotFound
		}
		mu.Lock()
		if found == nil {
			found = &Located{Visit: *v, Identifier: ident}
		}
		mu.Unlock()
		return nil, nil
	})
	if found != nil {
		if found.Visit.TenantID == "" {
			found.Visit.TenantID = ref.TenantID
		}
		if found.Visit.SystemType == "" {
			found.Visit.SystemType = found.Identifier.SystemName
		}
		return found, nil
	}

	var lastErr error
	for _, r := range results {
		if r.err != nil && !errors.Is(r.err, upstream.ErrNotFound) {
			a.logger.Error().Err(r.err).
				Str("system", r.ident.SystemName).
				Str("tenant_id", r.ident.TenantID).
				Str("emp_system_id", r.ident.EmpSystemID).
				Str("visit_id", ref.VisitID).
				Msg("visit lookup failed")
			telemetry.RecordUpstreamFailure(ctx, r.ident.SystemName, "get_visit")
			lastErr = r.err
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregationUnavailable, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
}

func matches(v *visitmodel.VisitRecord, ref visitmodel.VisitRef) bool {
	if v == nil || v.InPlanning() {
		return false
	}
	if v.VisitID != "" && v.VisitID != ref.VisitID {
		return false
	}
	if v.TenantID != "" && v.TenantID != ref.TenantID {
		return false
	}
	return ref.CVID == "" || v.CVID == "" || v.CVID == ref.CVID
}
