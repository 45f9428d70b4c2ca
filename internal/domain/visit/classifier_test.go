package visit

import (
	"testing"
	"time"

	"github.com/caresync/visits/pkg/visitmodel"
)

func TestClassify_CheckOutTimeWins(t *testing.T) {
	v := scheduled("v1", testNow.Add(-2*time.Hour))
	out := testNow.Add(-time.Hour)
	v.CheckOutTime = &out
	for _, ev := range []Evidence{{}, {CheckedIn: true}, {CheckedOut: true}, {CheckedIn: true, CheckedOut: true}} {
		c := Classify(&v, testNow, ev, DefaultThresholds(), FeatureFlags{})
		if c.Status != StatusVisited {
			t.Errorf("evidence %+v: expected Visited, got %s", ev, c.Status)
		}
	}
}

func TestClassify_OverlayCheckoutBridgesLag(t *testing.T) {
	v := scheduled("v1", testNow.Add(-2*time.Hour))
	in := testNow.Add(-2 * time.Hour)
	v.CheckInTime = &in

	c := Classify(&v, testNow, Evidence{CheckedOut: true}, DefaultThresholds(), FeatureFlags{})
	if c.Status != StatusVisited {
		t.Errorf("expected Visited, got %s", c.Status)
	}
}

func TestClassify_CheckedIn(t *testing.T) {
	v := scheduled("v1", testNow.Add(72*time.Hour))
	c := Classify(&v, testNow, Evidence{CheckedIn: true}, DefaultThresholds(), FeatureFlags{})
	if c.Status != StatusOngoing {
		t.Errorf("expected Ongoing, got %s", c.Status)
	}
	if !c.AvailableOffline {
		t.Error("expected ongoing visit to be available offline")
	}
}

func TestClassify_StartsIn30Minutes(t *testing.T) {
	v := scheduled("v1", testNow.Add(30*time.Minute))
	c := Classify(&v, testNow, Evidence{}, DefaultThresholds(), FeatureFlags{})
	if c.Status != StatusAvailable {
		t.Fatalf("expected Available, got %s", c.Status)
	}
	want := v.StartDateTime.Add(-24 * time.Hour)
	if c.AvailableAfter == nil || !c.AvailableAfter.Equal(want) {
		t.Errorf("expected availableAfter %s, got %v", want, c.AvailableAfter)
	}
	if !c.AvailableOffline {
		t.Error("expected available visit to be available offline")
	}
}

func TestClassify_EndedFiftyHoursAgo(t *testing.T) {
	v := scheduled("v1", testNow.Add(-51*time.Hour))
	v.EndDateTime = testNow.Add(-50 * time.Hour)
	c := Classify(&v, testNow, Evidence{}, DefaultThresholds(), FeatureFlags{})
	if !c.Excluded {
		t.Errorf("expected visit to be excluded, got %+v", c)
	}
}

func TestClassify_Future(t *testing.T) {
	th := DefaultThresholds()
	th.OfflineHorizon = 30 * time.Hour
	tests := []struct {
		name    string
		start   time.Duration
		offline bool
	}{
		{"inside offline horizon", 25 * time.Hour, true},
		{"beyond offline horizon", 72 * time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := scheduled("v1", testNow.Add(tt.start))
			c := Classify(&v, testNow, Evidence{}, th, FeatureFlags{})
			if c.Status != StatusFuture {
				t.Fatalf("expected Future, got %s", c.Status)
			}
			if c.AvailableOffline != tt.offline {
				t.Errorf("expected offline %v, got %v", tt.offline, c.AvailableOffline)
			}
			want := v.StartDateTime.Add(-24 * time.Hour)
			if !c.AvailableAfter.Equal(want) {
				t.Errorf("expected availableAfter %s, got %s", want, c.AvailableAfter)
			}
		})
	}
}

func TestClassify_TimelessDoublesThresholds(t *testing.T) {
	start := testNow.Add(40 * time.Hour)
	v := scheduled("v1", start)
	v.EndDateTime = start
	c := Classify(&v, testNow, Evidence{}, DefaultThresholds(), FeatureFlags{})
	if c.Status != StatusAvailable {
		t.Errorf("expected timeless visit 40h out to be Available, got %s", c.Status)
	}

	past := scheduled("v2", testNow.Add(-60*time.Hour))
	past.EndDateTime = past.StartDateTime
	if c := Classify(&past, testNow, Evidence{}, DefaultThresholds(), FeatureFlags{}); c.Excluded {
		t.Error("expected timeless visit 60h ago to be kept")
	}
}

func TestClassify_MinuteWindow(t *testing.T) {
	th := DefaultThresholds()
	v := scheduled("v1", testNow.Add(90*time.Minute))

	if c := Classify(&v, testNow, Evidence{}, th, FeatureFlags{MinuteWindow: true}); c.Status != StatusAvailable {
		t.Errorf("expected Available inside 120 minute window, got %s", c.Status)
	}
	c := Classify(&v, testNow, Evidence{}, th, FeatureFlags{MinuteWindow: true, ShortCheckinWindow: true})
	if c.Status != StatusFuture {
		t.Errorf("expected Future with short window, got %s", c.Status)
	}
	want := v.StartDateTime.Add(-30 * time.Minute)
	if !c.AvailableAfter.Equal(want) {
		t.Errorf("expected availableAfter %s, got %s", want, c.AvailableAfter)
	}

	// the short window only applies in minute mode
	if c := Classify(&v, testNow, Evidence{}, th, FeatureFlags{ShortCheckinWindow: true}); c.Status != StatusAvailable {
		t.Errorf("expected simple mode to ignore short window, got %s", c.Status)
	}
}

func TestClassify_NoStart(t *testing.T) {
	v := visitmodel.VisitRecord{VisitID: "v1", TenantID: "t1"}
	if c := Classify(&v, testNow, Evidence{}, DefaultThresholds(), FeatureFlags{}); c.Status != StatusUnknown {
		t.Errorf("expected Unknown, got %s", c.Status)
	}
}

func statuses(cv []ClassifiedVisit) map[string]Status {
	out := make(map[string]Status, len(cv))
	for _, v := range cv {
		out[v.VisitID] = v.ActionStatus
	}
	return out
}

func TestClassifySchedule_SingleCheckin(t *testing.T) {
	visits := []visitmodel.VisitRecord{
		scheduled("v1", testNow.Add(-30*time.Minute)),
		scheduled("v2", testNow.Add(2*time.Hour)),
	}
	ev := map[visitmodel.Occurrence]Evidence{visits[0].Occurrence(): {CheckedIn: true}}

	got := statuses(ClassifySchedule(visits, testNow, ev, DefaultThresholds(), FeatureFlags{}, ScheduleOptions{}))
	if got["v1"] != StatusOngoing || got["v2"] != StatusDisabled {
		t.Errorf("expected Ongoing/Disabled, got %v", got)
	}

	got = statuses(ClassifySchedule(visits, testNow, ev, DefaultThresholds(), FeatureFlags{MultipleCheckin: true}, ScheduleOptions{}))
	if got["v2"] != StatusAvailable {
		t.Errorf("expected Available with multiple check-in, got %v", got)
	}
}

func TestClassifySchedule_OpenVisitOutsidePage(t *testing.T) {
	visits := []visitmodel.VisitRecord{scheduled("v2", testNow.Add(time.Hour))}
	open := visitmodel.VisitKey{VisitID: "v9", TenantID: "t1"}

	cv := ClassifySchedule(visits, testNow, nil, DefaultThresholds(), FeatureFlags{}, ScheduleOptions{OpenVisit: &open})
	if cv[0].ActionStatus != StatusDisabled {
		t.Errorf("expected Disabled, got %s", cv[0].ActionStatus)
	}
	if cv[0].IsAvailableOffline {
		t.Error("expected disabled visit not to be available offline")
	}
}

func TestClassifySchedule_StaleOpenVisitOutsidePage(t *testing.T) {
	visits := []visitmodel.VisitRecord{scheduled("v2", testNow.Add(time.Hour))}
	open := visitmodel.VisitKey{VisitID: "v9", TenantID: "t1"}

	tests := []struct {
		name  string
		since time.Time
		want  Status
	}{
		{"unknown check-in time", time.Time{}, StatusDisabled},
		{"recent check-in", testNow.Add(-3 * time.Hour), StatusDisabled},
		{"older than disabled bound", testNow.Add(-8 * 24 * time.Hour), StatusAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cv := ClassifySchedule(visits, testNow, nil, DefaultThresholds(), FeatureFlags{}, ScheduleOptions{OpenVisit: &open, OpenSince: tt.since})
			if cv[0].ActionStatus != tt.want {
				t.Errorf("status = %s, want %s", cv[0].ActionStatus, tt.want)
			}
		})
	}
}

func TestClassifySchedule_IgnoreStatus(t *testing.T) {
	visits := []visitmodel.VisitRecord{
		scheduled("old", testNow.Add(-72*time.Hour)),
		scheduled("v1", testNow.Add(time.Hour)),
	}
	if cv := ClassifySchedule(visits, testNow, nil, DefaultThresholds(), FeatureFlags{}, ScheduleOptions{}); len(cv) != 1 {
		t.Fatalf("expected old visit excluded, got %d visits", len(cv))
	}
	got := statuses(ClassifySchedule(visits, testNow, nil, DefaultThresholds(), FeatureFlags{}, ScheduleOptions{IgnoreStatus: true}))
	if got["old"] != StatusDisabled {
		t.Errorf("expected old visit reported Disabled, got %v", got)
	}
}
