package visit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/caresync/visits/internal/domain/offlinequeue"
	"github.com/caresync/visits/internal/platform/external"
	"github.com/caresync/visits/internal/platform/outbox"
	"github.com/caresync/visits/internal/platform/upstream"
	"github.com/caresync/visits/pkg/pagination"
	"github.com/caresync/visits/pkg/visitmodel"
)

// Service serves the read path and branch notes.
type Service struct {
	agg        *Aggregator
	registry   *upstream.Registry
	overlay    Overlay
	queue      *offlinequeue.Service
	features   external.FeatureProvisioner
	clients    external.ClientDirectory
	notifier   external.Notifier
	tasks      TaskQueue
	thresholds Thresholds
	logger     zerolog.Logger
	now        func() time.Time
}

// ServiceDeps are the collaborators a Service needs.
type ServiceDeps struct {
	Aggregator *Aggregator
	Registry   *upstream.Registry
	Overlay    Overlay
	Queue      *offlinequeue.Service
	Features   external.FeatureProvisioner
	Clients    external.ClientDirectory
	Notifier   external.Notifier
	Tasks      TaskQueue
	Thresholds Thresholds
	Logger     zerolog.Logger
	Now        func() time.Time
}

func NewService(d ServiceDeps) *Service {
	s := &Service{
		agg:        d.Aggregator,
		registry:   d.Registry,
		overlay:    d.Overlay,
		queue:      d.Queue,
		features:   d.Features,
		clients:    d.Clients,
		notifier:   d.Notifier,
		tasks:      d.Tasks,
		thresholds: d.Thresholds,
		logger:     d.Logger.With().Str("component", "visits").Logger(),
		now:        d.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.thresholds == (Thresholds{}) {
		s.thresholds = DefaultThresholds()
	}
	return s
}

// ResolveActor loads the branch flags once and resolves the identifiers in
// scope for an authenticated request.
func (s *Service) ResolveActor(ctx context.Context, id *external.Identity, requestedBranch string, override *Override) (Actor, FeatureFlags) {
	branch := EffectiveBranch(id, requestedBranch)
	jobLevel := ""
	if id != nil {
		jobLevel = id.JobLevel
	}
	flags := LoadFeatureFlags(ctx, s.features, branch, jobLevel, s.logger)
	return AuthenticatedActor(id, branch, ResolveIdentifiers(id, flags, override)), flags
}

// DirectActor builds the actor of a QA request and loads its branch flags.
func (s *Service) DirectActor(ctx context.Context, fields DirectTestFields, tenantID string) (Actor, FeatureFlags, error) {
	actor, err := fields.Actor(tenantID)
	if err != nil {
		return Actor{}, FeatureFlags{}, err
	}
	return actor, LoadFeatureFlags(ctx, s.features, actor.BranchID, "", s.logger), nil
}

// EmployeeDetail describes who the schedule belongs to.
type EmployeeDetail struct {
	EmployeeID        string                        `json:"employeeId"`
	BranchID          string                        `json:"branchId,omitempty"`
	SystemIdentifiers []visitmodel.SystemIdentifier `json:"systemIdentifiers"`
	Flags             FeatureFlags                  `json:"flags"`
}

// ScheduleResult is the response of GetVisits.
type ScheduleResult struct {
	EmployeeDetail EmployeeDetail    `json:"employeeDetail"`
	Visits         []ClassifiedVisit `json:"visits"`
	LastVisitDate  *string           `json:"lastVisitDate,omitempty"`
	NextStartDate  *string           `json:"nextStartDate,omitempty"`
}

// sideState is what the read path learns beyond the upstream records.
type sideState struct {
	checkedIn  map[string]OverlayPayload
	checkedOut map[string]OverlayPayload
	open       *offlinequeue.OpenVisit
	clients    map[visitmodel.VisitKey]*external.ClientRecord
}

// loadSideState reads the overlay, the open-visit record and client details
// concurrently. Each lookup degrades to empty on failure.
func (s *Service) loadSideState(ctx context.Context, actor Actor, visits []visitmodel.VisitRecord, withClients bool) sideState {
	st := sideState{
		checkedIn:  map[string]OverlayPayload{},
		checkedOut: map[string]OverlayPayload{},
		clients:    map[visitmodel.VisitKey]*external.ClientRecord{},
	}
	primary, occurrence := evidenceKeys(visits, actor.EmployeeID)

	var g errgroup.Group
	g.Go(func() error {
		m, err := s.overlay.Get(ctx, ServiceCheckedIn, primary)
		if err != nil {
			s.logger.Warn().Err(err).Str("employee_id", actor.EmployeeID).Msg("checked-in overlay read failed")
			return nil
		}
		st.checkedIn = m
		return nil
	})
	g.Go(func() error {
		m, err := s.overlay.Get(ctx, ServiceCheckedOut, append(append([]string(nil), primary...), occurrence...))
		if err != nil {
			s.logger.Warn().Err(err).Str("employee_id", actor.EmployeeID).Msg("checked-out overlay read failed")
			return nil
		}
		st.checkedOut = m
		return nil
	})
	if s.queue != nil {
		g.Go(func() error {
			open, err := s.queue.OpenVisit(ctx, actor.EmployeeID)
			if err != nil {
				s.logger.Warn().Err(err).Str("employee_id", actor.EmployeeID).Msg("open visit lookup failed")
				return nil
			}
			st.open = open
			return nil
		})
	}
	if withClients && s.clients != nil {
		g.Go(func() error {
			st.clients = s.lookupClients(ctx, actor, visits)
			return nil
		})
	}
	g.Wait()
	return st
}

type clientKey struct{ clientID, tenantID string }

func (s *Service) lookupClients(ctx context.Context, actor Actor, visits []visitmodel.VisitRecord) map[visitmodel.VisitKey]*external.ClientRecord {
	seen := make(map[clientKey]bool)
	var keys []clientKey
	for _, v := range visits {
		k := clientKey{v.ClientID, v.TenantID}
		if v.ClientID != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	var mu sync.Mutex
	found := make(map[clientKey]*external.ClientRecord, len(keys))
	var g errgroup.Group
	g.SetLimit(8)
	for _, k := range keys {
		g.Go(func() error {
			rec, err := s.clients.GetClientDetails(ctx, k.clientID, k.tenantID)
			if err != nil {
				s.logger.Warn().Err(err).
					Str("employee_id", actor.EmployeeID).
					Str("client_id", k.clientID).
					Str("tenant_id", k.tenantID).
					Msg("client lookup failed")
				return nil
			}
			mu.Lock()
			found[k] = rec
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	out := make(map[visitmodel.VisitKey]*external.ClientRecord, len(visits))
	for _, v := range visits {
		if rec := found[clientKey{v.ClientID, v.TenantID}]; rec != nil {
			out[v.Key()] = rec
		}
	}
	return out
}

func (st sideState) evidence(visits []visitmodel.VisitRecord, employeeID string) map[visitmodel.Occurrence]Evidence {
	out := make(map[visitmodel.Occurrence]Evidence, len(visits))
	for i := range visits {
		v := &visits[i]
		if ev := evidenceFor(v, employeeID, st.checkedIn, st.checkedOut); ev != (Evidence{}) {
			out[v.Occurrence()] = ev
		}
	}
	return out
}

// openKey is the tracked open visit unless the overlay already shows it closed.
func (st sideState) openKey() *visitmodel.VisitKey {
	if st.open == nil {
		return nil
	}
	if _, closed := st.checkedOut[PrimaryKey(st.open.VisitID, st.open.TenantID)]; closed {
		return nil
	}
	return &visitmodel.VisitKey{VisitID: st.open.VisitID, TenantID: st.open.TenantID}
}

func (st sideState) openSince() time.Time {
	if st.open == nil {
		return time.Time{}
	}
	return st.open.CheckInTime
}

// ScheduleQuery selects the visits GetVisits returns.
type ScheduleQuery struct {
	Window       pagination.Window
	IgnoreStatus bool
}

// GetVisits returns the actor's classified schedule for the window.
func (s *Service) GetVisits(ctx context.Context, actor Actor, flags FeatureFlags, q ScheduleQuery) (*ScheduleResult, error) {
	next := q.Window.NextStart()
	res := &ScheduleResult{
		EmployeeDetail: EmployeeDetail{
			EmployeeID:        actor.EmployeeID,
			BranchID:          actor.BranchID,
			SystemIdentifiers: actor.Identifiers,
			Flags:             flags,
		},
		Visits:        []ClassifiedVisit{},
		NextStartDate: &next,
	}
	if len(actor.Identifiers) == 0 {
		return res, nil
	}

	visits, err := s.agg.Aggregate(ctx, actor.Identifiers, q.Window.Start, q.Window.End())
	if err != nil {
		return nil, err
	}
	sortByStart(visits)

	st := s.loadSideState(ctx, actor, visits, true)
	classified := ClassifySchedule(visits, s.now(), st.evidence(visits, actor.EmployeeID), s.thresholds, flags, ScheduleOptions{
		IgnoreStatus: q.IgnoreStatus,
		OpenVisit:    st.openKey(),
		OpenSince:    st.openSince(),
	})
	for i := range classified {
		classified[i].Client = st.clients[classified[i].Key()]
	}
	res.Visits = classified

	if n := len(classified); n > 0 {
		last := pagination.FormatDate(classified[n-1].StartDateTime)
		res.LastVisitDate = &last
	}
	return res, nil
}

// GetPreviousVisits returns closed visits in the window, latest first.
func (s *Service) GetPreviousVisits(ctx context.Context, actor Actor, w pagination.Window) ([]ClassifiedVisit, error) {
	out := []ClassifiedVisit{}
	if len(actor.Identifiers) == 0 {
		return out, nil
	}
	visits, err := s.agg.Aggregate(ctx, actor.Identifiers, w.Start, w.End())
	if err != nil {
		return nil, err
	}

	st := s.loadSideState(ctx, actor, visits, false)
	for i := range visits {
		v := &visits[i]
		ev := evidenceFor(v, actor.EmployeeID, st.checkedIn, st.checkedOut)
		if v.CheckOutTime == nil && !ev.CheckedOut {
			continue
		}
		out = append(out, ClassifiedVisit{VisitRecord: *v, ActionStatus: StatusVisited})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartDateTime.After(out[j].StartDateTime)
	})
	return out, nil
}

func sortByStart(visits []visitmodel.VisitRecord) {
	sort.SliceStable(visits, func(i, j int) bool {
		return visits[i].StartDateTime.Before(visits[j].StartDateTime)
	})
}

// VisitDetails is the full view of one visit.
type VisitDetails struct {
	Visit    ClassifiedVisit        `json:"visit"`
	Client   *external.ClientRecord `json:"client"`
	CarePlan []visitmodel.Activity  `json:"carePlan"`
	Notes    []visitmodel.Note      `json:"notes"`
}

// GetVisitDetails returns the visit with its client, care plan and notes.
// An unknown client is a not-found; unreadable notes are omitted.
func (s *Service) GetVisitDetails(ctx context.Context, actor Actor, flags FeatureFlags, ref visitmodel.VisitRef) (*VisitDetails, error) {
	switch {
	case ref.VisitID == "":
		return nil, required("visitId")
	case ref.TenantID == "":
		return nil, required("tenantId")
	case ref.CVID == "":
		return nil, required("cvid")
	}

	loc, err := s.agg.Locate(ctx, actor.Identifiers, ref)
	if err != nil {
		return nil, err
	}
	v := loc.Visit
	one := []visitmodel.VisitRecord{v}

	var (
		st     sideState
		client *external.ClientRecord
		notes  []visitmodel.Note
	)
	var g errgroup.Group
	g.Go(func() error {
		st = s.loadSideState(ctx, actor, one, false)
		return nil
	})
	if v.ClientID != "" && s.clients != nil {
		g.Go(func() error {
			rec, err := s.clients.GetClientDetails(ctx, v.ClientID, v.TenantID)
			if errors.Is(err, external.ErrNotFound) {
				return fmt.Errorf("%w: client %s", ErrNotFound, v.ClientID)
			}
			if err != nil {
				s.logger.Warn().Err(err).
					Str("employee_id", actor.EmployeeID).
					Str("visit_id", ref.VisitID).
					Str("tenant_id", ref.TenantID).
					Msg("client lookup failed")
				return nil
			}
			client = rec
			return nil
		})
	}
	g.Go(func() error {
		sys, err := s.registry.Get(loc.Identifier.SystemName)
		if err == nil {
			notes, err = sys.ListNotes(ctx, loc.Identifier, ref)
		}
		if err != nil {
			s.logger.Warn().Err(err).
				Str("employee_id", actor.EmployeeID).
				Str("visit_id", ref.VisitID).
				Str("tenant_id", ref.TenantID).
				Msg("visit notes lookup failed")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	classified := ClassifySchedule(one, s.now(), st.evidence(one, actor.EmployeeID), s.thresholds, flags, ScheduleOptions{
		IgnoreStatus: true,
		OpenVisit:    st.openKey(),
		OpenSince:    st.openSince(),
	})
	details := &VisitDetails{
		Client:   client,
		CarePlan: v.ADLChecklist,
		Notes:    notes,
	}
	if len(classified) > 0 {
		details.Visit = classified[0]
		details.Visit.Client = client
	}
	if details.CarePlan == nil {
		details.CarePlan = []visitmodel.Activity{}
	}
	if details.Notes == nil {
		details.Notes = []visitmodel.Note{}
	}
	return details, nil
}

// NoteResult is the response of AddBranchNote. Notified means the branch
// notification was scheduled, not delivered.
type NoteResult struct {
	CVID     string `json:"cvid"`
	Notified bool   `json:"notified"`
}

// AddBranchNote writes a branch note to the owning system and notifies the
// branch. The notification is a dependent write.
func (s *Service) AddBranchNote(ctx context.Context, actor Actor, req NoteRequest) (*NoteResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ref := visitmodel.VisitRef{VisitID: req.VisitID, TenantID: req.TenantID, CVID: req.CVID}
	loc, err := s.agg.Locate(ctx, actor.Identifiers, ref)
	if err != nil {
		return nil, err
	}
	sys, err := s.registry.Get(loc.Identifier.SystemName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregationUnavailable, err)
	}

	note := visitmodel.Note{
		Kind:       visitmodel.NoteBranch,
		VisitID:    req.VisitID,
		TenantID:   req.TenantID,
		CVID:       req.CVID,
		ClientID:   req.ClientID,
		EmployeeID: actor.EmployeeID,
		Subject:    req.NoteForBranch.Subject,
		Content:    req.NoteForBranch.Content,
		CreatedAt:  s.now().UTC(),
	}
	if err := sys.CreateNote(ctx, loc.Identifier, note); err != nil {
		s.logger.Error().Err(err).
			Str("employee_id", actor.EmployeeID).
			Str("visit_id", req.VisitID).
			Str("tenant_id", req.TenantID).
			Msg("branch note write failed")
		return nil, writeError("branch note", err)
	}

	res := &NoteResult{CVID: req.CVID}
	if s.notifier == nil || s.tasks == nil {
		return res, nil
	}
	title := req.NoteForBranch.Subject
	if title == "" {
		title = "Note from visit " + req.CVID
	}
	msg := external.Notification{
		ID:         uuid.New().String(),
		BranchID:   actor.BranchID,
		EmployeeID: actor.EmployeeID,
		VisitID:    req.VisitID,
		TenantID:   req.TenantID,
		Title:      title,
		Body:       req.NoteForBranch.Content,
		Attributes: map[string]string{"cvid": req.CVID, "clientId": req.ClientID},
		CreatedAt:  s.now().UTC(),
	}
	res.Notified = s.tasks.Enqueue(outbox.Task{
		Name: "branch_notification",
		Attrs: map[string]string{
			"employee_id": actor.EmployeeID,
			"visit_id":    req.VisitID,
			"tenant_id":   req.TenantID,
		},
		Run: func(ctx context.Context) error {
			_, err := s.notifier.SendNotification(ctx, msg)
			return err
		},
	})
	return res, nil
}

// OfflineRecords lists what the offline queue holds for the actor.
func (s *Service) OfflineRecords(ctx context.Context, actor Actor) ([]*offlinequeue.Record, error) {
	recs, err := s.queue.List(ctx, actor.EmployeeID)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*offlinequeue.Record{}
	}
	return recs, nil
}
