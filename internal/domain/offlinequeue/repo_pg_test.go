package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestRepoPG(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)

	repo := NewRepo(pool)
	emp := "test-" + uuid.New().String()
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM offline_queue WHERE primary_identifier = $1`, emp)
	})

	rec := &Record{PrimaryIdentifier: emp, ValueType: ValueTypeVisit, Payload: json.RawMessage(`{"visitId":"v1"}`), ValueStatus: StatusActive}
	if ok, err := repo.Save(ctx, rec, true); err != nil || !ok {
		t.Fatalf("save: %v %v", ok, err)
	}
	dup := &Record{PrimaryIdentifier: emp, ValueType: ValueTypeVisit, Payload: json.RawMessage(`{"visitId":"v2"}`), ValueStatus: StatusActive}
	if ok, err := repo.Save(ctx, dup, false); err != nil || ok {
		t.Fatalf("expected insert-if-absent to skip, got %v %v", ok, err)
	}
	got, err := repo.Get(ctx, emp, ValueTypeVisit, "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var open OpenVisit
	if err := got.Decode(&open); err != nil || open.VisitID != "v1" {
		t.Errorf("expected v1 kept, got %+v %v", open, err)
	}

	fa := &Record{PrimaryIdentifier: emp, ValueType: ValueTypeFailedAttempt, SecondaryIdentifier: FailedAttemptKey("v1", "t1", "checkout"), Payload: json.RawMessage(`{}`), ValueStatus: StatusPending}
	if _, err := repo.Save(ctx, fa, true); err != nil {
		t.Fatalf("save failed attempt: %v", err)
	}
	if err := repo.MarkAttempt(ctx, emp, fa.ValueType, fa.SecondaryIdentifier, "boom"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	all, err := repo.ListByEmployee(ctx, emp, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 records, got %d %v", len(all), err)
	}
	only, _ := repo.ListByEmployee(ctx, emp, ValueTypeFailedAttempt)
	if len(only) != 1 || only[0].Attempts != 1 {
		t.Errorf("unexpected failed attempts: %+v", only)
	}

	if err := repo.Delete(ctx, emp, ValueTypeVisit, ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, emp, ValueTypeVisit, ""); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepoPG_AtomicRollsBack(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)
	repo := NewRepo(pool)
	svc := NewService(repo)
	emp := "test-" + uuid.New().String()
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM offline_queue WHERE primary_identifier = $1`, emp)
	})

	if err := svc.TrackOpenVisit(ctx, emp, OpenVisit{VisitID: "v1", TenantID: "t1"}); err != nil {
		t.Fatalf("track: %v", err)
	}
	boom := errors.New("boom")
	err := repo.Atomic(ctx, func(ctx context.Context) error {
		if err := repo.Delete(ctx, emp, ValueTypeVisit, ""); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if open, err := svc.OpenVisit(ctx, emp); err != nil || open == nil {
		t.Fatalf("expected delete rolled back, got %+v %v", open, err)
	}

	cleared, err := svc.ClearOpenVisit(ctx, emp, "v1", "t1")
	if err != nil || !cleared {
		t.Fatalf("expected clear, got %v %v", cleared, err)
	}
}

func TestRepoPG_SessionsTagged(t *testing.T) {
	pool := testPool(t)

	var name string
	if err := pool.QueryRow(context.Background(), "SELECT current_setting('application_name')").Scan(&name); err != nil {
		t.Fatalf("query: %v", err)
	}
	if name != "visit-server" {
		t.Errorf("application_name = %q, want visit-server", name)
	}
}
