package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caresync/visits/pkg/visitmodel"
)

func procuraServer(t *testing.T, h http.HandlerFunc) *Procura {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewProcura(ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func TestProcura_ListVisits(t *testing.T) {
	var gotTenant, gotPath, gotFrom string
	p := procuraServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.Header.Get("X-Tenant-ID")
		gotPath = r.URL.Path
		gotFrom = r.URL.Query().Get("from")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"visits":[
			{"visitId":"v1","cvid":"c1","clientId":"cl1","employeeIds":["e1"],
			 "startDateTime":"2026-03-01T09:00:00Z","endDateTime":"2026-03-01T10:00:00Z",
			 "checkInTime":"2026-03-01T09:02:00Z","plannerId":""},
			{"visitId":"v2","tenantId":"t9","cvid":"c2","plannerId":"plan-7",
			 "startDateTime":"2026-03-01T11:00:00Z","endDateTime":"2026-03-01T11:00:00Z"}
		]}`))
	})

	ident := visitmodel.SystemIdentifier{EmpSystemID: "e1", SystemName: visitmodel.SystemProcura, TenantID: "t1"}
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	visits, err := p.ListVisits(context.Background(), ident, from, from.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTenant != "t1" {
		t.Errorf("expected tenant header t1, got %q", gotTenant)
	}
	if gotPath != "/employees/e1/visits" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotFrom != "2026-03-01T00:00:00Z" {
		t.Errorf("unexpected from %q", gotFrom)
	}
	if len(visits) != 2 {
		t.Fatalf("expected 2 visits, got %d", len(visits))
	}
	v1 := visits[0]
	if v1.TenantID != "t1" || v1.SystemType != visitmodel.SystemProcura {
		t.Errorf("expected tenant defaulted and system set, got %+v", v1)
	}
	if v1.CheckInTime == nil || v1.CheckOutTime != nil {
		t.Errorf("unexpected check times: in=%v out=%v", v1.CheckInTime, v1.CheckOutTime)
	}
	if v1.InPlanning() {
		t.Error("empty plannerId should not mark the visit in planning")
	}
	if !visits[1].InPlanning() || visits[1].TenantID != "t9" {
		t.Errorf("unexpected second visit: %+v", visits[1])
	}
	if !visits[1].IsTimeless() {
		t.Error("expected second visit to be timeless")
	}
}

func TestProcura_GetVisit_NotFound(t *testing.T) {
	p := procuraServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := p.GetVisit(context.Background(), visitmodel.SystemIdentifier{}, visitmodel.VisitRef{VisitID: "v1", TenantID: "t1"})
	if !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProcura_CheckOut_Body(t *testing.T) {
	var body procuraClock
	p := procuraServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/visits/v1/checkout" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	})
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	res, err := p.CheckOut(context.Background(), visitmodel.SystemIdentifier{EmpSystemID: "e1"}, visitmodel.CheckOutCommand{
		Ref:        visitmodel.VisitRef{VisitID: "v1", TenantID: "t1", CVID: "c1"},
		DeviceTime: at,
		Geo:        &visitmodel.Geo{Latitude: 43.6, Longitude: -79.3},
		Activities: []visitmodel.Activity{{ID: "a1", Completed: true}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsTimedOut {
		t.Error("200 should not report timed out")
	}
	if body.EmployeeID != "e1" || body.CVID != "c1" || body.Time != "2026-03-01T10:00:00Z" {
		t.Errorf("unexpected body: %+v", body)
	}
	if body.Latitude == nil || *body.Latitude != 43.6 {
		t.Errorf("expected latitude in body, got %+v", body.Latitude)
	}
	if len(body.Activities) != 1 || !body.Activities[0].Completed {
		t.Errorf("expected activities in body, got %+v", body.Activities)
	}
}

func TestProcura_WriteStatuses(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantTimedOut bool
		wantErr      error
	}{
		{"accepted", http.StatusAccepted, true, nil},
		{"conflict", http.StatusConflict, false, ErrRejected},
		{"bad request", http.StatusBadRequest, false, ErrRejected},
		{"not found", http.StatusNotFound, false, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := procuraServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			res, err := p.CheckIn(context.Background(), visitmodel.SystemIdentifier{EmpSystemID: "e1"}, visitmodel.CheckInCommand{
				Ref: visitmodel.VisitRef{VisitID: "v1", TenantID: "t1"},
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.IsTimedOut != tt.wantTimedOut {
				t.Errorf("expected IsTimedOut=%v, got %v", tt.wantTimedOut, res.IsTimedOut)
			}
		})
	}
}

func TestProcura_ServerErrorIsNotRejected(t *testing.T) {
	p := procuraServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := p.Reset(context.Background(), visitmodel.SystemIdentifier{}, visitmodel.ResetCommand{Ref: visitmodel.VisitRef{VisitID: "v1", TenantID: "t1"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrNotFound) {
		t.Errorf("5xx should be a plain error, got %v", err)
	}
}

func TestProcura_ListNotes(t *testing.T) {
	p := procuraServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"notes":[{"type":"progress","content":"ok","createdAt":"2026-03-01T10:00:00Z"}]}`))
	})
	notes, err := p.ListNotes(context.Background(), visitmodel.SystemIdentifier{}, visitmodel.VisitRef{VisitID: "v1", TenantID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notes) != 1 || notes[0].Kind != visitmodel.NoteProgress || notes[0].VisitID != "v1" {
		t.Errorf("unexpected notes: %+v", notes)
	}
}
