package visit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caresync/visits/pkg/visitmodel"
)

// Overlay services.
const (
	ServiceCheckedIn  = "checkedInStatus"
	ServiceCheckedOut = "checkedOutStatus"
)

const DefaultOverlayTTL = 7 * 24 * time.Hour

// OverlayPayload is the marker written after a confirmed action.
type OverlayPayload struct {
	EmployeeID string    `json:"employeeId"`
	VisitID    string    `json:"visitId"`
	TenantID   string    `json:"tenantId"`
	CVID       string    `json:"cvid,omitempty"`
	Day        string    `json:"day,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Overlay stores short-lived status markers that bridge the gap between a
// write and its visibility upstream. It also hands out per-visit leases.
type Overlay interface {
	// Get reads many identifiers of one service in a single round trip.
	// Missing identifiers are absent from the result.
	Get(ctx context.Context, service string, ids []string) (map[string]OverlayPayload, error)
	Put(ctx context.Context, service, id string, p OverlayPayload, ttl time.Duration) error
	Remove(ctx context.Context, service, id string) error
	// Claim takes the lease on key if it is free and returns its token.
	Claim(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release frees the lease only if token still holds it.
	Release(ctx context.Context, key, token string) error
}

// PrimaryKey identifies a visit within its tenant.
func PrimaryKey(visitID, tenantID string) string {
	return visitID + ":" + tenantID
}

// OccurrenceKey identifies one day's occurrence of a visit for an employee.
func OccurrenceKey(cvid string, day time.Time, employeeID, tenantID string) string {
	return cvid + ":" + visitDay(day) + ":" + employeeID + ":" + tenantID
}

func visitDay(t time.Time) string { return t.Format("2006-01-02") }

func overlayPayload(employeeID string, v *visitmodel.VisitRecord, at time.Time) OverlayPayload {
	return OverlayPayload{
		EmployeeID: employeeID,
		VisitID:    v.VisitID,
		TenantID:   v.TenantID,
		CVID:       v.CVID,
		Day:        visitDay(v.StartDateTime),
		RecordedAt: at,
	}
}

// evidenceKeys returns the identifiers to read for a set of visits.
func evidenceKeys(visits []visitmodel.VisitRecord, employeeID string) (primary, occurrence []string) {
	primary = make([]string, 0, len(visits))
	occurrence = make([]string, 0, len(visits))
	for i := range visits {
		v := &visits[i]
		primary = append(primary, PrimaryKey(v.VisitID, v.TenantID))
		if v.CVID != "" && !v.StartDateTime.IsZero() {
			occurrence = append(occurrence, OccurrenceKey(v.CVID, v.StartDateTime, employeeID, v.TenantID))
		}
	}
	return primary, occurrence
}

// evidenceFor combines overlay reads into per-visit evidence.
func evidenceFor(v *visitmodel.VisitRecord, employeeID string, checkedIn, checkedOut map[string]OverlayPayload) Evidence {
	day := visitDay(v.StartDateTime)
	// primary-key markers of recurring visits only count for the day written
	sameDay := func(p OverlayPayload) bool {
		return !visitmodel.ReusesVisitIDs(v.SystemType) || p.Day == "" || p.Day == day
	}

	var ev Evidence
	pk := PrimaryKey(v.VisitID, v.TenantID)
	if p, ok := checkedIn[pk]; ok && sameDay(p) {
		ev.CheckedIn = true
	}
	if p, ok := checkedOut[pk]; ok && sameDay(p) {
		ev.CheckedOut = true
	}
	if v.CVID != "" && !v.StartDateTime.IsZero() {
		if _, ok := checkedOut[OccurrenceKey(v.CVID, v.StartDateTime, employeeID, v.TenantID)]; ok {
			ev.CheckedOut = true
		}
	}
	return ev
}

type memoryEntry struct {
	payload   OverlayPayload
	expiresAt time.Time
}

// MemoryOverlay is an in-process Overlay for tests and local development.
type MemoryOverlay struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	leases  map[string]memoryLease
	now     func() time.Time
	getErr  error
	gets    int
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

func NewMemoryOverlay() *MemoryOverlay {
	return &MemoryOverlay{
		entries: make(map[string]memoryEntry),
		leases:  make(map[string]memoryLease),
		now:     time.Now,
	}
}

// FailGets makes Get return err. Pass nil to clear.
func (m *MemoryOverlay) FailGets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

// GetCalls returns how many batched reads were made.
func (m *MemoryOverlay) GetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

// Has reports whether a live entry exists.
func (m *MemoryOverlay) Has(service, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[service+":"+id]
	return ok && m.now().Before(e.expiresAt)
}

func (m *MemoryOverlay) Get(_ context.Context, service string, ids []string) (map[string]OverlayPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return nil, m.getErr
	}
	out := make(map[string]OverlayPayload)
	now := m.now()
	for _, id := range ids {
		if e, ok := m.entries[service+":"+id]; ok && now.Before(e.expiresAt) {
			out[id] = e.payload
		}
	}
	return out, nil
}

func (m *MemoryOverlay) Put(_ context.Context, service, id string, p OverlayPayload, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[service+":"+id] = memoryEntry{payload: p, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryOverlay) Remove(_ context.Context, service, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, service+":"+id)
	return nil
}

func (m *MemoryOverlay) Claim(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.leases[key]; ok && now.Before(l.expiresAt) {
		return "", false, nil
	}
	token := uuid.New().String()
	m.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryOverlay) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && l.token == token {
		delete(m.leases, key)
	}
	return nil
}
