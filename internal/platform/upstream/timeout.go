package upstream

import (
	"context"
	"time"

	"github.com/caresync/visits/pkg/visitmodel"
)

// timed bounds every call to the wrapped system with its own deadline,
// independent of how long the caller's context lives.
type timed struct {
	System
	d time.Duration
}

// WithTimeout wraps s so each call runs under a per-call deadline of d.
// A non-positive d returns s unchanged.
func WithTimeout(s System, d time.Duration) System {
	if d <= 0 {
		return s
	}
	return &timed{System: s, d: d}
}

func (t *timed) ListVisits(ctx context.Context, ident visitmodel.SystemIdentifier, from, to time.Time) ([]visitmodel.VisitRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.System.ListVisits(ctx, ident, from, to)
}

func (t *timed) GetVisit(ctx context.Context, ident visitmodel.SystemIdentifier, ref visitmodel.VisitRef) (*visitmodel.VisitRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.System.GetVisit(ctx, ident, ref)
}

func (t *timed) CheckIn(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.CheckInCommand) (visitmodel.WriteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.System.CheckIn(ctx, ident, cmd)
}

func (t *timed) CheckOut(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.CheckOutCommand) (visitmodel.WriteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.System.CheckOut(ctx, ident, cmd)
}

func (t *timed) Reset(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.ResetCommand) (visitmodel.WriteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.System.Reset(ctx, ident, cmd)
}

func (t *timed) CreateNote(ctx context.Context, ident visitmodel.SystemIdentifier, note visitmodel.Note) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.System.CreateNote(ctx, ident, note)
}

func (t *timed) ListNotes(ctx context.Context, ident visitmodel.SystemIdentifier, ref visitmodel.VisitRef) ([]visitmodel.Note, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.System.ListNotes(ctx, ident, ref)
}
