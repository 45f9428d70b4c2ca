package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caresync/visits/pkg/visitmodel"
)

func TestAlayaCare_ListVisits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenants/t2/employees/99/visits" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"id":1234,"call_visit_id":"cv-1",
			"client":{"id":"cl1","ps_id":"ps-1"},"employees":[{"id":"99"}],
			"start_at":"2026-03-02T08:00:00Z","end_at":"2026-03-02T09:00:00Z",
			"clock_out_at":"2026-03-02T09:01:00Z",
			"tasks":[{"id":"t1","label":"Bathing","is_done":true}]}]}`))
	}))
	defer srv.Close()

	a := NewAlayaCare(ClientConfig{BaseURL: srv.URL})
	ident := visitmodel.SystemIdentifier{EmpSystemID: "99", SystemName: visitmodel.SystemAlayaCare, TenantID: "t2"}
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	visits, err := a.ListVisits(context.Background(), ident, from, from.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(visits) != 1 {
		t.Fatalf("expected 1 visit, got %d", len(visits))
	}
	v := visits[0]
	if v.VisitID != "1234" || v.TenantID != "t2" || v.CVID != "cv-1" {
		t.Errorf("unexpected identity: %+v", v)
	}
	if v.ClientPsID != "ps-1" || v.SystemType != visitmodel.SystemAlayaCare {
		t.Errorf("unexpected client/system: %+v", v)
	}
	if v.CheckOutTime == nil {
		t.Error("expected check-out time")
	}
	if len(v.ADLChecklist) != 1 || v.ADLChecklist[0].Name != "Bathing" {
		t.Errorf("unexpected checklist: %+v", v.ADLChecklist)
	}
	if len(v.ScheduledEmployeeIDs) != 1 || v.ScheduledEmployeeIDs[0] != "99" {
		t.Errorf("unexpected employees: %v", v.ScheduledEmployeeIDs)
	}
}

func TestAlayaCare_CheckIn(t *testing.T) {
	var body alayaClock
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenants/t2/visits/1234/clock_in" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := NewAlayaCare(ClientConfig{BaseURL: srv.URL})
	res, err := a.CheckIn(context.Background(), visitmodel.SystemIdentifier{EmpSystemID: "99"}, visitmodel.CheckInCommand{
		Ref:        visitmodel.VisitRef{VisitID: "1234", TenantID: "t2"},
		DeviceTime: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		Geo:        &visitmodel.Geo{Latitude: 1, Longitude: 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsTimedOut {
		t.Error("expected 202 to report timed out")
	}
	if body.EmployeeID != "99" || body.Location == nil || body.Location.Lng != 2 {
		t.Errorf("unexpected body: %+v", body)
	}
}
