package visit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/caresync/visits/internal/domain/offlinequeue"
	"github.com/caresync/visits/internal/platform/external"
	"github.com/caresync/visits/internal/platform/outbox"
	"github.com/caresync/visits/internal/platform/upstream"
	"github.com/caresync/visits/pkg/visitmodel"
)

var (
	testNow    = time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	procuraID  = visitmodel.SystemIdentifier{EmpSystemID: "P100", SystemName: visitmodel.SystemProcura, TenantID: "t1"}
	alayaID    = visitmodel.SystemIdentifier{EmpSystemID: "A200", SystemName: visitmodel.SystemAlayaCare, TenantID: "t2"}
	testActor  = Actor{Kind: KindAuthenticated, EmployeeID: "emp-1", BranchID: "b1", Identifiers: []visitmodel.SystemIdentifier{procuraID}}
	deviceTime = testNow.Add(25 * time.Minute)
)

// inlineTasks runs each task as soon as it is enqueued.
type inlineTasks struct {
	mu   sync.Mutex
	ran  []string
	errs []error
}

func (q *inlineTasks) Enqueue(t outbox.Task) bool {
	err := t.Run(context.Background())
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ran = append(q.ran, t.Name)
	if err != nil {
		q.errs = append(q.errs, err)
	}
	return true
}

func (q *inlineTasks) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ran...)
}

type harness struct {
	procura  *upstream.MemorySystem
	alaya    *upstream.MemorySystem
	overlay  *MemoryOverlay
	repo     *offlinequeue.MemoryRepo
	queue    *offlinequeue.Service
	tasks    *inlineTasks
	clients  *external.MemoryClientDirectory
	notifier *external.MemoryNotifier
	features *external.StaticFeatures
	orch     *Orchestrator
	svc      *Service
}

func newHarness(t *testing.T, opts ...OrchestratorOption) *harness {
	t.Helper()
	h := &harness{
		procura:  upstream.NewMemorySystem(visitmodel.SystemProcura),
		alaya:    upstream.NewMemorySystem(visitmodel.SystemAlayaCare),
		overlay:  NewMemoryOverlay(),
		repo:     offlinequeue.NewMemoryRepo(),
		tasks:    &inlineTasks{},
		clients:  external.NewMemoryClientDirectory(),
		notifier: external.NewMemoryNotifier(),
		features: external.NewStaticFeatures(nil),
	}
	h.queue = offlinequeue.NewService(h.repo)
	registry := upstream.NewRegistry(h.procura, h.alaya)
	agg := NewAggregator(registry, zerolog.Nop())

	opts = append([]OrchestratorOption{WithClock(func() time.Time { return testNow })}, opts...)
	h.orch = NewOrchestrator(agg, registry, h.overlay, h.queue, h.tasks, zerolog.Nop(), opts...)
	h.svc = NewService(ServiceDeps{
		Aggregator: agg,
		Registry:   registry,
		Overlay:    h.overlay,
		Queue:      h.queue,
		Features:   h.features,
		Clients:    h.clients,
		Notifier:   h.notifier,
		Tasks:      h.tasks,
		Thresholds: DefaultThresholds(),
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return testNow },
	})
	return h
}

// scheduled builds a procura visit for emp P100 in tenant t1.
func scheduled(id string, start time.Time) visitmodel.VisitRecord {
	return visitmodel.VisitRecord{
		VisitID:              id,
		TenantID:             "t1",
		SystemType:           visitmodel.SystemProcura,
		CVID:                 "cv-" + id,
		ClientID:             "c1",
		ScheduledEmployeeIDs: []string{"P100"},
		StartDateTime:        start,
		EndDateTime:          start.Add(time.Hour),
	}
}

func core(id string) ActionCore {
	dt := deviceTime
	return ActionCore{VisitID: id, TenantID: "t1", CVID: "cv-" + id, DeviceTime: &dt}
}
