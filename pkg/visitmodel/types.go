// Package visitmodel holds the visit types shared by the upstream clients and
// the visit domain.
package visitmodel

import (
	"strings"
	"time"
)

// Systems of record.
const (
	SystemProcura   = "procura"
	SystemAlayaCare = "alayacare"
)

// Note kinds written back to a system of record.
const (
	NoteProgress     = "progress"
	NoteWellness     = "wellness"
	NoteCancellation = "cancellation"
	NoteBranch       = "branch"
)

// SystemIdentifier links one employee to one upstream scheduling system.
type SystemIdentifier struct {
	EmpSystemID string `json:"empSystemId"`
	SystemName  string `json:"systemName"`
	TenantID    string `json:"tenantId"`
	Designation string `json:"designation,omitempty"`
}

// Activity is one care activity on a visit's ADL checklist.
type Activity struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
	Note      string `json:"note,omitempty"`
}

// VisitKey is the identity of a visit: ids are only unique within a tenant.
type VisitKey struct {
	VisitID  string
	TenantID string
}

func (k VisitKey) String() string { return k.VisitID + ":" + k.TenantID }

// VisitRef is what a caller supplies to address a single visit.
type VisitRef struct {
	VisitID  string `json:"visitId"`
	TenantID string `json:"tenantId"`
	CVID     string `json:"cvid"`
}

func (r VisitRef) Key() VisitKey { return VisitKey{VisitID: r.VisitID, TenantID: r.TenantID} }

// VisitRecord is one scheduled occurrence owned by a system of record.
type VisitRecord struct {
	VisitID              string     `json:"visitId"`
	TenantID             string     `json:"tenantId"`
	SystemType           string     `json:"systemType"`
	CVID                 string     `json:"cvid"`
	ClientID             string     `json:"clientId"`
	ClientPsID           string     `json:"clientPsId,omitempty"`
	ScheduledEmployeeIDs []string   `json:"scheduledEmployeeIds"`
	StartDateTime        time.Time  `json:"startDateTime"`
	EndDateTime          time.Time  `json:"endDateTime"`
	CheckInTime          *time.Time `json:"checkInTime,omitempty"`
	CheckOutTime         *time.Time `json:"checkOutTime,omitempty"`
	PlannerID            *string    `json:"plannerId,omitempty"`
	ADLChecklist         []Activity `json:"adlChecklist,omitempty"`
	Status               string     `json:"status,omitempty"`
}

func (v *VisitRecord) Key() VisitKey { return VisitKey{VisitID: v.VisitID, TenantID: v.TenantID} }

// Occurrence identifies one scheduled run of a visit. Day is set only for
// systems that repeat visit ids across recurring days.
type Occurrence struct {
	VisitKey
	Day string
}

func (v *VisitRecord) Occurrence() Occurrence {
	o := Occurrence{VisitKey: v.Key()}
	if ReusesVisitIDs(v.SystemType) && !v.StartDateTime.IsZero() {
		o.Day = v.StartDateTime.Format("2006-01-02")
	}
	return o
}

// ReusesVisitIDs reports systems whose visit ids repeat across recurring days.
func ReusesVisitIDs(system string) bool {
	return system == SystemAlayaCare
}

// IsTimeless reports an any-time-of-day assignment (start == end).
func (v *VisitRecord) IsTimeless() bool {
	return !v.StartDateTime.IsZero() && v.StartDateTime.Equal(v.EndDateTime)
}

// InPlanning reports a visit that has not been finalized by the scheduler.
func (v *VisitRecord) InPlanning() bool {
	return v.PlannerID != nil && strings.TrimSpace(*v.PlannerID) != ""
}

// Geo is a device location captured at check-in or check-out.
type Geo struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Note is a free-text note attached to a visit in the system of record.
type Note struct {
	Kind       string    `json:"kind"`
	VisitID    string    `json:"visitId"`
	TenantID   string    `json:"tenantId"`
	CVID       string    `json:"cvid"`
	ClientID   string    `json:"clientId,omitempty"`
	EmployeeID string    `json:"employeeId,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CheckInCommand is the upstream check-in write.
type CheckInCommand struct {
	Ref        VisitRef
	EmployeeID string
	DeviceTime time.Time
	Geo        *Geo
	LateReason string
}

// CheckOutCommand is the upstream check-out write.
type CheckOutCommand struct {
	Ref        VisitRef
	EmployeeID string
	DeviceTime time.Time
	Geo        *Geo
	Activities []Activity
}

// ResetCommand clears an erroneous check-in upstream.
type ResetCommand struct {
	Ref        VisitRef
	EmployeeID string
	Reason     string
}

// WriteResult describes how the system of record accepted a write.
// IsTimedOut means accepted for asynchronous processing, not confirmed.
type WriteResult struct {
	IsTimedOut bool `json:"isTimedOut"`
}
