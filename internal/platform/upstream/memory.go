package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caresync/visits/pkg/visitmodel"
)

// MemorySystem is an in-process System used in tests and local development.
type MemorySystem struct {
	mu         sync.Mutex
	name       string
	visits     map[visitmodel.VisitKey]*visitmodel.VisitRecord
	notes      map[visitmodel.VisitKey][]visitmodel.Note
	failList   map[string]error
	failWrites error
	accepted   bool
	calls      []string
}

// NewMemorySystem creates an empty system registered under name.
func NewMemorySystem(name string) *MemorySystem {
	return &MemorySystem{
		name:     name,
		visits:   make(map[visitmodel.VisitKey]*visitmodel.VisitRecord),
		notes:    make(map[visitmodel.VisitKey][]visitmodel.Note),
		failList: make(map[string]error),
	}
}

func (m *MemorySystem) Name() string { return m.name }

// Put stores or replaces a visit.
func (m *MemorySystem) Put(v visitmodel.VisitRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.SystemType == "" {
		v.SystemType = m.name
	}
	cp := v
	m.visits[v.Key()] = &cp
}

// Visit returns a copy of a stored visit.
func (m *MemorySystem) Visit(key visitmodel.VisitKey) (visitmodel.VisitRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[key]
	if !ok {
		return visitmodel.VisitRecord{}, false
	}
	return *v, true
}

// FailListFor makes ListVisits fail for the given employee system id.
func (m *MemorySystem) FailListFor(empSystemID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failList[empSystemID] = err
}

// FailWrites makes every write fail with err. Pass nil to clear.
func (m *MemorySystem) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = err
}

// AcceptAsync makes writes report IsTimedOut, as a 202 would.
func (m *MemorySystem) AcceptAsync(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted = v
}

// Calls returns the operations performed, in order.
func (m *MemorySystem) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MemorySystem) record(op string) {
	m.calls = append(m.calls, op)
}

func assigned(v *visitmodel.VisitRecord, empID string) bool {
	for _, id := range v.ScheduledEmployeeIDs {
		if id == empID {
			return true
		}
	}
	return false
}

func (m *MemorySystem) ListVisits(ctx context.Context, ident visitmodel.SystemIdentifier, from, to time.Time) ([]visitmodel.VisitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("list:" + ident.EmpSystemID)
	if err := m.failList[ident.EmpSystemID]; err != nil {
		return nil, err
	}
	var out []visitmodel.VisitRecord
	for _, v := range m.visits {
		if v.TenantID != ident.TenantID || !assigned(v, ident.EmpSystemID) {
			continue
		}
		if v.StartDateTime.Before(from) || !v.StartDateTime.Before(to) {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

func (m *MemorySystem) GetVisit(ctx context.Context, ident visitmodel.SystemIdentifier, ref visitmodel.VisitRef) (*visitmodel.VisitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("get:" + ref.Key().String())
	if err := m.failList[ident.EmpSystemID]; err != nil {
		return nil, err
	}
	v, ok := m.visits[ref.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemorySystem) write(op string, key visitmodel.VisitKey, apply func(*visitmodel.VisitRecord) error) (visitmodel.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(op + ":" + key.String())
	if m.failWrites != nil {
		return visitmodel.WriteResult{}, m.failWrites
	}
	v, ok := m.visits[key]
	if !ok {
		return visitmodel.WriteResult{}, ErrNotFound
	}
	if err := apply(v); err != nil {
		return visitmodel.WriteResult{}, err
	}
	return visitmodel.WriteResult{IsTimedOut: m.accepted}, nil
}

func (m *MemorySystem) CheckIn(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.CheckInCommand) (visitmodel.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return visitmodel.WriteResult{}, err
	}
	return m.write("checkin", cmd.Ref.Key(), func(v *visitmodel.VisitRecord) error {
		if v.CheckOutTime != nil {
			return fmt.Errorf("%w: visit already checked out", ErrRejected)
		}
		t := cmd.DeviceTime
		v.CheckInTime = &t
		return nil
	})
}

func (m *MemorySystem) CheckOut(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.CheckOutCommand) (visitmodel.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return visitmodel.WriteResult{}, err
	}
	return m.write("checkout", cmd.Ref.Key(), func(v *visitmodel.VisitRecord) error {
		if v.CheckOutTime != nil {
			return fmt.Errorf("%w: visit already checked out", ErrRejected)
		}
		t := cmd.DeviceTime
		v.CheckOutTime = &t
		if len(cmd.Activities) > 0 {
			v.ADLChecklist = append([]visitmodel.Activity(nil), cmd.Activities...)
		}
		return nil
	})
}

func (m *MemorySystem) Reset(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.ResetCommand) (visitmodel.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return visitmodel.WriteResult{}, err
	}
	return m.write("reset", cmd.Ref.Key(), func(v *visitmodel.VisitRecord) error {
		v.CheckInTime = nil
		v.CheckOutTime = nil
		return nil
	})
}

func (m *MemorySystem) CreateNote(ctx context.Context, ident visitmodel.SystemIdentifier, note visitmodel.Note) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := visitmodel.VisitKey{VisitID: note.VisitID, TenantID: note.TenantID}
	m.record("note:" + key.String())
	if m.failWrites != nil {
		return m.failWrites
	}
	m.notes[key] = append(m.notes[key], note)
	return nil
}

func (m *MemorySystem) ListNotes(ctx context.Context, ident visitmodel.SystemIdentifier, ref visitmodel.VisitRef) ([]visitmodel.Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]visitmodel.Note(nil), m.notes[ref.Key()]...), nil
}

var _ System = (*MemorySystem)(nil)
