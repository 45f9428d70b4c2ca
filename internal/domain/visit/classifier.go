package visit

import (
	"time"

	"github.com/caresync/visits/internal/platform/external"
	"github.com/caresync/visits/pkg/visitmodel"
)

// Status is the action a caregiver can take on a visit.
type Status string

const (
	StatusFuture    Status = "Future"
	StatusAvailable Status = "Available"
	StatusOngoing   Status = "Ongoing"
	StatusDisabled  Status = "Disabled"
	StatusVisited   Status = "Visited"
	StatusUnknown   Status = "Unknown"
)

// Thresholds bound the check-in window. Simple mode uses Future and
// Disabled; minute mode uses the Window fields and, when the branch asks for
// it, ShortWindow in place of WindowFuture.
type Thresholds struct {
	Future         time.Duration
	Disabled       time.Duration
	WindowFuture   time.Duration
	WindowDisabled time.Duration
	ShortWindow    time.Duration
	OfflineHorizon time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Future:         24 * time.Hour,
		Disabled:       48 * time.Hour,
		WindowFuture:   120 * time.Minute,
		WindowDisabled: 2880 * time.Minute,
		ShortWindow:    30 * time.Minute,
		OfflineHorizon: 12 * time.Hour,
	}
}

// window returns the future and disabled bounds for one visit.
func (t Thresholds) window(flags FeatureFlags, timeless bool) (future, disabled time.Duration) {
	future, disabled = t.Future, t.Disabled
	if flags.MinuteWindow {
		future, disabled = t.WindowFuture, t.WindowDisabled
		if flags.ShortCheckinWindow {
			future = t.ShortWindow
		}
	}
	if timeless {
		future, disabled = 2*future, 2*disabled
	}
	return future, disabled
}

// Evidence is what the overlay knows about a visit beyond the upstream record.
type Evidence struct {
	CheckedIn  bool
	CheckedOut bool
}

// Classification is the outcome for one visit.
type Classification struct {
	Status           Status
	AvailableAfter   *time.Time
	AvailableOffline bool
	// Excluded visits are too far in the past to be shown.
	Excluded bool
}

// Classify derives the status of a single visit. The first matching rule wins:
// checked out, checked in, then the time window.
func Classify(v *visitmodel.VisitRecord, now time.Time, ev Evidence, th Thresholds, flags FeatureFlags) Classification {
	if v.CheckOutTime != nil || ev.CheckedOut {
		return Classification{Status: StatusVisited}
	}
	if v.CheckInTime != nil || ev.CheckedIn {
		return Classification{Status: StatusOngoing, AvailableOffline: true}
	}
	if v.StartDateTime.IsZero() {
		return Classification{Status: StatusUnknown}
	}

	future, disabled := th.window(flags, v.IsTimeless())
	toStart := v.StartDateTime.Sub(now)
	after := v.StartDateTime.Add(-future)

	switch {
	case toStart < -disabled:
		return Classification{Status: StatusDisabled, Excluded: true}
	case toStart > future:
		return Classification{
			Status:           StatusFuture,
			AvailableAfter:   &after,
			AvailableOffline: th.OfflineHorizon > 0 && toStart <= th.OfflineHorizon,
		}
	default:
		return Classification{Status: StatusAvailable, AvailableAfter: &after, AvailableOffline: true}
	}
}

// ClassifiedVisit is a visit decorated for the caller.
type ClassifiedVisit struct {
	visitmodel.VisitRecord
	ActionStatus        Status                 `json:"actionStatus"`
	VisitAvailableAfter *time.Time             `json:"visitAvailableAfter,omitempty"`
	IsAvailableOffline  bool                   `json:"isAvailableOffline"`
	Client              *external.ClientRecord `json:"client,omitempty"`
}

// ScheduleOptions tune ClassifySchedule.
type ScheduleOptions struct {
	// IgnoreStatus keeps visits that would be excluded, reported as Disabled.
	IgnoreStatus bool
	// OpenVisit is the in-progress visit tracked for the employee, if any.
	OpenVisit *visitmodel.VisitKey
	// OpenSince is when OpenVisit was checked in. Zero means unknown.
	OpenSince time.Time
}

// blocksOffPage reports whether an open visit missing from the page still
// holds the single check-in slot. A record older than the disabled bound is
// treated as stale.
func (o ScheduleOptions) blocksOffPage(now time.Time, th Thresholds, flags FeatureFlags) bool {
	if o.OpenVisit == nil {
		return false
	}
	if o.OpenSince.IsZero() {
		return true
	}
	_, disabled := th.window(flags, false)
	return now.Sub(o.OpenSince) <= disabled
}

// ClassifySchedule classifies an employee's visits. A second pass enforces
// single check-in: once any visit is Ongoing, Available visits become
// Disabled unless the branch allows multiple check-ins.
func ClassifySchedule(visits []visitmodel.VisitRecord, now time.Time, evidence map[visitmodel.Occurrence]Evidence, th Thresholds, flags FeatureFlags, opts ScheduleOptions) []ClassifiedVisit {
	out := make([]ClassifiedVisit, 0, len(visits))
	ongoing := false
	openSeen := false
	for _, v := range visits {
		ev := evidence[v.Occurrence()]
		isOpen := opts.OpenVisit != nil && *opts.OpenVisit == v.Key()
		if isOpen {
			openSeen = true
			ev.CheckedIn = true
		}
		c := Classify(&v, now, ev, th, flags)
		if c.Excluded && !opts.IgnoreStatus {
			continue
		}
		if c.Status == StatusOngoing {
			ongoing = true
		}
		out = append(out, ClassifiedVisit{
			VisitRecord:         v,
			ActionStatus:        c.Status,
			VisitAvailableAfter: c.AvailableAfter,
			IsAvailableOffline:  c.AvailableOffline,
		})
	}

	// an open visit outside the page still blocks a second check-in
	if !openSeen && opts.blocksOffPage(now, th, flags) {
		ongoing = true
	}
	if !ongoing || flags.MultipleCheckin {
		return out
	}
	for i := range out {
		if out[i].ActionStatus == StatusAvailable {
			out[i].ActionStatus = StatusDisabled
			out[i].IsAvailableOffline = false
		}
	}
	return out
}
