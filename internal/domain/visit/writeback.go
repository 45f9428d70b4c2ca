package visit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/caresync/visits/internal/domain/offlinequeue"
	"github.com/caresync/visits/internal/platform/outbox"
	"github.com/caresync/visits/internal/platform/telemetry"
	"github.com/caresync/visits/internal/platform/upstream"
	"github.com/caresync/visits/pkg/visitmodel"
)

// Actions recorded on failed attempts.
const (
	ActionCheckIn  = "checkin"
	ActionCheckOut = "checkout"
	ActionReset    = "reset"
)

// Action statuses returned to callers.
const (
	ActionSuccess = "success"
	ActionPending = "pending"
)

// TaskQueue accepts deferred side effects.
type TaskQueue interface {
	Enqueue(t outbox.Task) bool
}

// ActionResult is the outcome of a write. Pending covers both an upstream
// that accepted the write asynchronously and a write queued offline.
type ActionResult struct {
	CVID         string `json:"cvid"`
	IsTimedOut   bool   `json:"isTimedOut"`
	Queued       bool   `json:"queued,omitempty"`
	ActionStatus string `json:"actionStatus"`
}

func newResult(cvid string, wr visitmodel.WriteResult) *ActionResult {
	r := &ActionResult{CVID: cvid, IsTimedOut: wr.IsTimedOut, ActionStatus: ActionSuccess}
	if wr.IsTimedOut {
		r.ActionStatus = ActionPending
	}
	return r
}

// Orchestrator performs check-in, check-out and reset against the owning
// system of record and keeps the overlay and offline queue in step.
type Orchestrator struct {
	agg      *Aggregator
	registry *upstream.Registry
	overlay  Overlay
	queue    *offlinequeue.Service
	tasks    TaskQueue
	logger   zerolog.Logger

	overlayTTL time.Duration
	leaseTTL   time.Duration
	now        func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithOverlayTTL(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.overlayTTL = d
		}
	}
}

// WithLease holds a per-visit lease for ttl around every upstream write.
func WithLease(ttl time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.leaseTTL = ttl }
}

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(agg *Aggregator, registry *upstream.Registry, overlay Overlay, queue *offlinequeue.Service, tasks TaskQueue, logger zerolog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		agg:        agg,
		registry:   registry,
		overlay:    overlay,
		queue:      queue,
		tasks:      tasks,
		logger:     logger.With().Str("component", "writeback").Logger(),
		overlayTTL: DefaultOverlayTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) log(evt *zerolog.Event, actor Actor, ref visitmodel.VisitRef) *zerolog.Event {
	return evt.Str("employee_id", actor.EmployeeID).
		Str("visit_id", ref.VisitID).
		Str("tenant_id", ref.TenantID).
		Str("request_kind", actor.Kind.String())
}

// claim takes the visit lease when leases are enabled. A lease store error
// is logged and the write proceeds unguarded.
func (o *Orchestrator) claim(ctx context.Context, actor Actor, ref visitmodel.VisitRef) (func(), error) {
	if o.leaseTTL <= 0 {
		return func() {}, nil
	}
	key := PrimaryKey(ref.VisitID, ref.TenantID)
	token, ok, err := o.overlay.Claim(ctx, key, o.leaseTTL)
	if err != nil {
		o.log(o.logger.Warn(), actor, ref).Err(err).Msg("visit lease unavailable")
		return func() {}, nil
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, ref.Key())
	}
	return func() {
		if err := o.overlay.Release(context.WithoutCancel(ctx), key, token); err != nil {
			o.log(o.logger.Warn(), actor, ref).Err(err).Msg("visit lease release failed")
		}
	}, nil
}

// locate resolves the visit and the system that owns it.
func (o *Orchestrator) locate(ctx context.Context, actor Actor, ref visitmodel.VisitRef) (*Located, upstream.System, error) {
	loc, err := o.agg.Locate(ctx, actor.Identifiers, ref)
	if err != nil {
		return nil, nil, err
	}
	sys, err := o.registry.Get(loc.Identifier.SystemName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrAggregationUnavailable, err)
	}
	return loc, sys, nil
}

func writeError(op string, err error) error {
	if upstream.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstreamWrite, op, err)
}

// queueable reports failures that offline mode absorbs.
func queueable(err error) bool {
	return errors.Is(err, ErrUpstreamWrite) || errors.Is(err, ErrAggregationUnavailable)
}

// enqueueFailure persists the original request so it can be replayed. The
// caller only sees success once the record is durable.
func (o *Orchestrator) enqueueFailure(ctx context.Context, actor Actor, action string, ref visitmodel.VisitRef, req interface{}, cause error) (*ActionResult, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", action, err)
	}
	f := offlinequeue.FailedAttempt{
		Action:      action,
		VisitID:     ref.VisitID,
		TenantID:    ref.TenantID,
		CVID:        ref.CVID,
		Request:     raw,
		Identifiers: actor.Identifiers,
		Error:       cause.Error(),
		FailedAt:    o.now().UTC(),
	}
	if _, err := o.queue.RecordFailedAttempt(context.WithoutCancel(ctx), actor.EmployeeID, f); err != nil {
		o.log(o.logger.Error(), actor, ref).Err(err).AnErr("cause", cause).Str("action", action).
			Msg("failed to queue offline attempt")
		return nil, fmt.Errorf("queue %s attempt: %w", action, errors.Join(err, cause))
	}
	o.log(o.logger.Warn(), actor, ref).Err(cause).Str("action", action).Msg("write queued for offline replay")
	telemetry.RecordWriteback(ctx, action, telemetry.OutcomeQueued)
	return &ActionResult{CVID: ref.CVID, Queued: true, ActionStatus: ActionPending}, nil
}

func (o *Orchestrator) fail(ctx context.Context, actor Actor, mode Mode, action string, ref visitmodel.VisitRef, req interface{}, err error) (*ActionResult, error) {
	if mode == ModeOffline && queueable(err) {
		return o.enqueueFailure(ctx, actor, action, ref, req, err)
	}
	o.log(o.logger.Error(), actor, ref).Err(err).Str("action", action).Msg("visit write failed")
	telemetry.RecordWriteback(ctx, action, telemetry.OutcomeFailed)
	return nil, err
}

func (o *Orchestrator) done(ctx context.Context, action string, res *ActionResult) (*ActionResult, error) {
	telemetry.RecordWriteback(ctx, action, res.ActionStatus)
	return res, nil
}

// deferTask schedules a dependent write. It never fails the calling action.
func (o *Orchestrator) deferTask(actor Actor, ref visitmodel.VisitRef, name string, run func(ctx context.Context) error) {
	if o.tasks == nil {
		return
	}
	ok := o.tasks.Enqueue(outbox.Task{
		Name: name,
		Attrs: map[string]string{
			"employee_id": actor.EmployeeID,
			"visit_id":    ref.VisitID,
			"tenant_id":   ref.TenantID,
		},
		Run: run,
	})
	if !ok {
		o.log(o.logger.Warn(), actor, ref).Str("task", name).Msg("dependent write dropped")
	}
}

func (o *Orchestrator) deferNote(actor Actor, loc *Located, sys upstream.System, kind, content string) {
	if content == "" {
		return
	}
	v := loc.Visit
	note := visitmodel.Note{
		Kind:       kind,
		VisitID:    v.VisitID,
		TenantID:   v.TenantID,
		CVID:       v.CVID,
		ClientID:   v.ClientID,
		EmployeeID: actor.EmployeeID,
		Content:    content,
		CreatedAt:  o.now().UTC(),
	}
	ident := loc.Identifier
	o.deferTask(actor, visitRef(&v), kind+"_note", func(ctx context.Context) error {
		return sys.CreateNote(ctx, ident, note)
	})
}

func visitRef(v *visitmodel.VisitRecord) visitmodel.VisitRef {
	return visitmodel.VisitRef{VisitID: v.VisitID, TenantID: v.TenantID, CVID: v.CVID}
}

// CheckIn writes a check-in to the owning system. In offline mode a failed
// write is queued and reported as pending.
func (o *Orchestrator) CheckIn(ctx context.Context, actor Actor, req CheckInRequest, mode Mode) (*ActionResult, error) {
	if err := req.validate(true); err != nil {
		return nil, err
	}
	ref := req.Ref()
	release, err := o.claim(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	defer release()

	loc, sys, err := o.locate(ctx, actor, ref)
	if err != nil {
		return o.fail(ctx, actor, mode, ActionCheckIn, ref, req, err)
	}

	wr, err := sys.CheckIn(ctx, loc.Identifier, visitmodel.CheckInCommand{
		Ref:        ref,
		EmployeeID: loc.Identifier.EmpSystemID,
		DeviceTime: *req.DeviceTime,
		Geo:        req.Geo,
		LateReason: req.LateReason,
	})
	if err != nil {
		return o.fail(ctx, actor, mode, ActionCheckIn, ref, req, writeError("check-in", err))
	}

	// dependent writes from here on never fail the response
	bg := context.WithoutCancel(ctx)
	v := &loc.Visit
	if err := o.overlay.Put(bg, ServiceCheckedIn, PrimaryKey(v.VisitID, v.TenantID), overlayPayload(actor.EmployeeID, v, o.now().UTC()), o.overlayTTL); err != nil {
		o.log(o.logger.Error(), actor, ref).Err(err).Msg("checked-in overlay write failed")
	}
	if err := o.queue.TrackOpenVisit(bg, actor.EmployeeID, offlinequeue.OpenVisit{
		VisitID:     v.VisitID,
		TenantID:    v.TenantID,
		CVID:        v.CVID,
		SystemType:  v.SystemType,
		EmpSystemID: loc.Identifier.EmpSystemID,
		CheckInTime: req.DeviceTime.UTC(),
	}); err != nil {
		o.log(o.logger.Error(), actor, ref).Err(err).Msg("open visit record failed")
	}
	if err := o.queue.ClearFailedAttempt(bg, actor.EmployeeID, ref.VisitID, ref.TenantID, ActionCheckIn); err != nil {
		o.log(o.logger.Warn(), actor, ref).Err(err).Msg("failed attempt cleanup failed")
	}
	o.deferNote(actor, loc, sys, visitmodel.NoteProgress, req.ProgressNote)

	o.log(o.logger.Info(), actor, ref).Bool("is_timed_out", wr.IsTimedOut).Msg("visit checked in")
	return o.done(ctx, ActionCheckIn, newResult(v.CVID, wr))
}

// alreadyCheckedOut reports whether the visit is closed upstream or in the
// overlay. An overlay read failure counts as not closed.
func (o *Orchestrator) alreadyCheckedOut(ctx context.Context, actor Actor, v *visitmodel.VisitRecord) bool {
	if v.CheckOutTime != nil {
		return true
	}
	primary, occurrence := evidenceKeys([]visitmodel.VisitRecord{*v}, actor.EmployeeID)
	out, err := o.overlay.Get(ctx, ServiceCheckedOut, append(primary, occurrence...))
	if err != nil {
		o.log(o.logger.Warn(), actor, visitRef(v)).Err(err).Msg("checked-out overlay read failed")
		return false
	}
	return evidenceFor(v, actor.EmployeeID, nil, out).CheckedOut
}

// settleCheckOut moves the visit to its terminal checked-out state in the
// side stores. Running it twice leaves the same state.
func (o *Orchestrator) settleCheckOut(ctx context.Context, actor Actor, loc *Located) {
	v := &loc.Visit
	ref := visitRef(v)
	p := overlayPayload(actor.EmployeeID, v, o.now().UTC())

	if err := o.overlay.Remove(ctx, ServiceCheckedIn, PrimaryKey(v.VisitID, v.TenantID)); err != nil {
		o.log(o.logger.Error(), actor, ref).Err(err).Msg("checked-in overlay removal failed")
	}
	if err := o.overlay.Put(ctx, ServiceCheckedOut, PrimaryKey(v.VisitID, v.TenantID), p, o.overlayTTL); err != nil {
		o.log(o.logger.Error(), actor, ref).Err(err).Msg("checked-out overlay write failed")
	}
	if v.CVID != "" && !v.StartDateTime.IsZero() {
		key := OccurrenceKey(v.CVID, v.StartDateTime, actor.EmployeeID, v.TenantID)
		if err := o.overlay.Put(ctx, ServiceCheckedOut, key, p, o.overlayTTL); err != nil {
			o.log(o.logger.Error(), actor, ref).Err(err).Msg("checked-out occurrence overlay write failed")
		}
	}

	if _, err := o.queue.ClearOpenVisit(ctx, actor.EmployeeID, v.VisitID, v.TenantID); err != nil {
		o.log(o.logger.Error(), actor, ref).Err(err).Msg("open visit cleanup failed")
	}
	if err := o.queue.ClearFailedAttempt(ctx, actor.EmployeeID, v.VisitID, v.TenantID, ActionCheckOut); err != nil {
		o.log(o.logger.Error(), actor, ref).Err(err).Msg("failed checkout cleanup failed")
	}
}

// CheckOut writes a check-out to the owning system. A visit that is already
// closed is a successful no-op.
func (o *Orchestrator) CheckOut(ctx context.Context, actor Actor, req CheckOutRequest, mode Mode) (*ActionResult, error) {
	if err := req.validate(true); err != nil {
		return nil, err
	}
	ref := req.Ref()
	release, err := o.claim(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	defer release()

	loc, sys, err := o.locate(ctx, actor, ref)
	if err != nil {
		return o.fail(ctx, actor, mode, ActionCheckOut, ref, req, err)
	}

	bg := context.WithoutCancel(ctx)
	if o.alreadyCheckedOut(ctx, actor, &loc.Visit) {
		o.settleCheckOut(bg, actor, loc)
		o.log(o.logger.Info(), actor, ref).Msg("visit already checked out")
		return o.done(ctx, ActionCheckOut, &ActionResult{CVID: loc.Visit.CVID, ActionStatus: ActionSuccess})
	}

	wr, err := sys.CheckOut(ctx, loc.Identifier, visitmodel.CheckOutCommand{
		Ref:        ref,
		EmployeeID: loc.Identifier.EmpSystemID,
		DeviceTime: *req.DeviceTime,
		Geo:        req.Geo,
		Activities: req.Activities,
	})
	if err != nil {
		return o.fail(ctx, actor, mode, ActionCheckOut, ref, req, writeError("check-out", err))
	}

	o.settleCheckOut(bg, actor, loc)
	o.deferNote(actor, loc, sys, visitmodel.NoteWellness, req.WellnessNotes)
	o.deferNote(actor, loc, sys, visitmodel.NoteProgress, req.ProgressNote)

	o.log(o.logger.Info(), actor, ref).Bool("is_timed_out", wr.IsTimedOut).Msg("visit checked out")
	return o.done(ctx, ActionCheckOut, newResult(loc.Visit.CVID, wr))
}

// Reset clears an erroneous check-in. It is never queued offline.
func (o *Orchestrator) Reset(ctx context.Context, actor Actor, req ResetRequest) (*ActionResult, error) {
	if err := req.validate(false); err != nil {
		return nil, err
	}
	ref := req.Ref()
	release, err := o.claim(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	defer release()

	loc, sys, err := o.locate(ctx, actor, ref)
	if err != nil {
		return o.fail(ctx, actor, ModeOnline, ActionReset, ref, req, err)
	}
	wr, err := sys.Reset(ctx, loc.Identifier, visitmodel.ResetCommand{
		Ref:        ref,
		EmployeeID: loc.Identifier.EmpSystemID,
		Reason:     req.CancelReason,
	})
	if err != nil {
		return o.fail(ctx, actor, ModeOnline, ActionReset, ref, req, writeError("reset", err))
	}

	bg := context.WithoutCancel(ctx)
	v := &loc.Visit
	if err := o.overlay.Remove(bg, ServiceCheckedIn, PrimaryKey(v.VisitID, v.TenantID)); err != nil {
		o.log(o.logger.Error(), actor, ref).Err(err).Msg("checked-in overlay removal failed")
	}
	if _, err := o.queue.ClearOpenVisit(bg, actor.EmployeeID, v.VisitID, v.TenantID); err != nil {
		o.log(o.logger.Error(), actor, ref).Err(err).Msg("open visit cleanup failed")
	}
	o.deferNote(actor, loc, sys, visitmodel.NoteCancellation, req.CancelReason)

	o.log(o.logger.Info(), actor, ref).Msg("visit check-in reset")
	return o.done(ctx, ActionReset, newResult(v.CVID, wr))
}

// Replay retries one queued failure online. Success deletes the record,
// failure counts the attempt and keeps it.
func (o *Orchestrator) Replay(ctx context.Context, actor Actor, rec *offlinequeue.Record) (*ActionResult, error) {
	var f offlinequeue.FailedAttempt
	if err := rec.Decode(&f); err != nil {
		return nil, err
	}
	if len(actor.Identifiers) == 0 {
		actor.Identifiers = f.Identifiers
	}

	var (
		res *ActionResult
		err error
	)
	switch f.Action {
	case ActionCheckIn:
		var req CheckInRequest
		if err = json.Unmarshal(f.Request, &req); err == nil {
			res, err = o.CheckIn(ctx, actor, req, ModeOnline)
		}
	case ActionCheckOut:
		var req CheckOutRequest
		if err = json.Unmarshal(f.Request, &req); err == nil {
			res, err = o.CheckOut(ctx, actor, req, ModeOnline)
		}
	default:
		err = fmt.Errorf("unsupported queued action %q", f.Action)
	}

	if err != nil {
		if markErr := o.queue.MarkAttempt(ctx, rec, err); markErr != nil {
			o.logger.Error().Err(markErr).Str("employee_id", rec.PrimaryIdentifier).
				Str("slot", rec.SecondaryIdentifier).Msg("failed to record replay attempt")
		}
		return nil, err
	}
	if err := o.queue.Resolve(ctx, rec); err != nil {
		o.logger.Error().Err(err).Str("employee_id", rec.PrimaryIdentifier).
			Str("slot", rec.SecondaryIdentifier).Msg("failed to resolve replayed attempt")
	}
	return res, nil
}

// ReplayOutcome reports one replayed record.
type ReplayOutcome struct {
	Slot     string        `json:"slot"`
	Action   string        `json:"action"`
	VisitID  string        `json:"visitId"`
	TenantID string        `json:"tenantId"`
	Result   *ActionResult `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ReplaySummary is the result of draining an employee's queue.
type ReplaySummary struct {
	Replayed int             `json:"replayed"`
	Failed   int             `json:"failed"`
	Outcomes []ReplayOutcome `json:"outcomes"`
}

// ReplayEmployee replays every queued failure for the actor, oldest first so
// a check-in lands before its check-out.
func (o *Orchestrator) ReplayEmployee(ctx context.Context, actor Actor) (*ReplaySummary, error) {
	recs, err := o.queue.FailedAttempts(ctx, actor.EmployeeID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	summary := &ReplaySummary{Outcomes: make([]ReplayOutcome, 0, len(recs))}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		out := ReplayOutcome{Slot: rec.SecondaryIdentifier}
		var f offlinequeue.FailedAttempt
		if err := rec.Decode(&f); err != nil {
			o.logger.Error().Err(err).Str("employee_id", rec.PrimaryIdentifier).
				Str("slot", rec.SecondaryIdentifier).Msg("queued attempt unreadable")
			summary.Failed++
			out.Error = err.Error()
			summary.Outcomes = append(summary.Outcomes, out)
			continue
		}
		out.Action, out.VisitID, out.TenantID = f.Action, f.VisitID, f.TenantID
		res, err := o.Replay(ctx, actor, rec)
		if err != nil {
			summary.Failed++
			out.Error = err.Error()
		} else {
			summary.Replayed++
			out.Result = res
		}
		summary.Outcomes = append(summary.Outcomes, out)
	}
	return summary, nil
}
