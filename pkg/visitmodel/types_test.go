package visitmodel

import (
	"testing"
	"time"
)

func TestVisitRecord_IsTimeless(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := VisitRecord{StartDateTime: start, EndDateTime: start}
	if !v.IsTimeless() {
		t.Error("expected start == end to be timeless")
	}
	v.EndDateTime = start.Add(time.Hour)
	if v.IsTimeless() {
		t.Error("expected a one-hour visit not to be timeless")
	}
	if (&VisitRecord{}).IsTimeless() {
		t.Error("expected zero start not to be timeless")
	}
}

func TestVisitRecord_InPlanning(t *testing.T) {
	v := VisitRecord{}
	if v.InPlanning() {
		t.Error("expected nil planner id not to be in planning")
	}
	empty := "  "
	v.PlannerID = &empty
	if v.InPlanning() {
		t.Error("expected blank planner id not to be in planning")
	}
	p := "planner-7"
	v.PlannerID = &p
	if !v.InPlanning() {
		t.Error("expected planner id to mark the visit in planning")
	}
}

func TestVisitKey_String(t *testing.T) {
	k := VisitRef{VisitID: "v1", TenantID: "t1", CVID: "c1"}.Key()
	if k.String() != "v1:t1" {
		t.Errorf("expected v1:t1, got %s", k.String())
	}
}

func TestVisitRecord_Occurrence(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	alaya := VisitRecord{VisitID: "900", TenantID: "t2", SystemType: SystemAlayaCare, StartDateTime: start}
	next := alaya
	next.StartDateTime = start.Add(24 * time.Hour)
	if alaya.Occurrence() == next.Occurrence() {
		t.Error("expected recurring alayacare days to be distinct occurrences")
	}
	if got := alaya.Occurrence().Day; got != "2026-03-02" {
		t.Errorf("Day = %q", got)
	}

	procura := VisitRecord{VisitID: "v1", TenantID: "t1", SystemType: SystemProcura, StartDateTime: start}
	moved := procura
	moved.StartDateTime = start.Add(24 * time.Hour)
	if procura.Occurrence() != moved.Occurrence() {
		t.Error("expected procura occurrence to ignore the day")
	}
}
