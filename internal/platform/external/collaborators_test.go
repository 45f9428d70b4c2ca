package external

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPFeatures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/branches/b1/features/enableAlayacare" || r.URL.Query().Get("jobLevel") != "PSW" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"enabled":true}`))
	}))
	defer srv.Close()

	f := NewHTTPFeatures(HTTPConfig{BaseURL: srv.URL})
	on, err := f.GetFeatureProvision(context.Background(), "b1", FlagEnableAlayacare, "PSW")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !on {
		t.Error("expected flag enabled")
	}
}

func TestStaticFeatures_BranchOverride(t *testing.T) {
	f := NewStaticFeatures(map[string]bool{
		FlagEnableAlayacare:         true,
		"b2:" + FlagEnableAlayacare: false,
	})
	ctx := context.Background()
	if on, _ := f.GetFeatureProvision(ctx, "b1", FlagEnableAlayacare, ""); !on {
		t.Error("expected global flag on for b1")
	}
	if on, _ := f.GetFeatureProvision(ctx, "b2", FlagEnableAlayacare, ""); on {
		t.Error("expected branch override off for b2")
	}
	if on, _ := f.GetFeatureProvision(ctx, "b1", FlagMinuteWindow, ""); on {
		t.Error("expected unknown flag off")
	}
	f.Set(FlagMinuteWindow, true)
	if on, _ := f.GetFeatureProvision(ctx, "b1", FlagMinuteWindow, ""); !on {
		t.Error("expected flag on after Set")
	}
}

func TestHTTPClientDirectory_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewHTTPClientDirectory(HTTPConfig{BaseURL: srv.URL})
	if _, err := d.GetClientDetails(context.Background(), "c1", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryClientDirectory(t *testing.T) {
	d := NewMemoryClientDirectory(ClientRecord{ClientID: "c1", TenantID: "t1", FirstName: "Ada"})
	got, err := d.GetClientDetails(context.Background(), "c1", "t1")
	if err != nil || got.FirstName != "Ada" {
		t.Fatalf("unexpected result: %+v, %v", got, err)
	}
	if _, err := d.GetClientDetails(context.Background(), "c1", "t2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("client ids are tenant scoped, got %v", err)
	}
}

func TestHTTPNotifier_IdempotencyKey(t *testing.T) {
	var gotKey string
	var body Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(HTTPConfig{BaseURL: srv.URL})
	id, err := n.SendNotification(context.Background(), Notification{BranchID: "b1", Title: "Branch note", Body: "client not home"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" || id != gotKey || body.ID != id {
		t.Errorf("expected id %q to be used as idempotency key, got key %q body id %q", id, gotKey, body.ID)
	}
	if body.CreatedAt.IsZero() {
		t.Error("expected createdAt to be set")
	}
}

func TestMemoryNotifier(t *testing.T) {
	n := NewMemoryNotifier()
	if _, err := n.SendNotification(context.Background(), Notification{Title: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n.Fail(errors.New("down"))
	if _, err := n.SendNotification(context.Background(), Notification{Title: "y"}); err == nil {
		t.Error("expected failure")
	}
	if len(n.Sent()) != 1 {
		t.Errorf("expected 1 recorded notification, got %d", len(n.Sent()))
	}
}
