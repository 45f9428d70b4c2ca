package visit

import (
	"strings"
	"time"

	"github.com/caresync/visits/internal/platform/external"
	"github.com/caresync/visits/pkg/visitmodel"
)

// RequestKind discriminates how the acting employee was established.
type RequestKind int

const (
	// KindAuthenticated requests carry an identity resolved from a token.
	KindAuthenticated RequestKind = iota
	// KindDirectTest requests name the employee and identifier in the body.
	// Only registered outside production.
	KindDirectTest
	// KindOperator requests come from the command line and act on stored
	// queue records.
	KindOperator
)

func (k RequestKind) String() string {
	switch k {
	case KindDirectTest:
		return "direct-test"
	case KindOperator:
		return "operator"
	}
	return "authenticated"
}

// Actor is the employee an action is performed for.
type Actor struct {
	Kind        RequestKind
	EmployeeID  string
	BranchID    string
	JobLevel    string
	Identifiers []visitmodel.SystemIdentifier
}

// OperatorActor acts for employeeID with no identifiers of its own; replay
// takes them from each queued record.
func OperatorActor(employeeID string) Actor {
	return Actor{Kind: KindOperator, EmployeeID: employeeID}
}

// AuthenticatedActor builds an actor from a resolved identity.
func AuthenticatedActor(id *external.Identity, branchID string, idents []visitmodel.SystemIdentifier) Actor {
	return Actor{
		Kind:        KindAuthenticated,
		EmployeeID:  id.EmployeePsID,
		BranchID:    branchID,
		JobLevel:    id.JobLevel,
		Identifiers: idents,
	}
}

// DirectTestFields are the identity fields a QA request supplies directly.
type DirectTestFields struct {
	EmployeePsID string `json:"employeePsId" query:"employeePsId"`
	EmpSystemID  string `json:"empSystemId" query:"empSystemId"`
	SystemName   string `json:"systemName" query:"systemName"`
	BranchID     string `json:"branchId" query:"branchId"`
}

// Actor validates the fields and builds a direct-test actor for tenantID.
func (d DirectTestFields) Actor(tenantID string) (Actor, error) {
	if strings.TrimSpace(d.EmployeePsID) == "" {
		return Actor{}, required("employeePsId")
	}
	if strings.TrimSpace(d.EmpSystemID) == "" {
		return Actor{}, required("empSystemId")
	}
	if strings.TrimSpace(tenantID) == "" {
		return Actor{}, required("tenantId")
	}
	name := d.SystemName
	if name == "" {
		name = visitmodel.SystemProcura
	}
	return Actor{
		Kind:       KindDirectTest,
		EmployeeID: d.EmployeePsID,
		BranchID:   d.BranchID,
		Identifiers: []visitmodel.SystemIdentifier{{
			EmpSystemID: d.EmpSystemID,
			SystemName:  name,
			TenantID:    tenantID,
		}},
	}, nil
}

// ActionCore is shared by every write request.
type ActionCore struct {
	VisitID    string          `json:"visitId" param:"visitId"`
	TenantID   string          `json:"tenantId"`
	CVID       string          `json:"cvid"`
	DeviceTime *time.Time      `json:"deviceTime,omitempty"`
	Geo        *visitmodel.Geo `json:"geo,omitempty"`
}

func (c ActionCore) Ref() visitmodel.VisitRef {
	return visitmodel.VisitRef{VisitID: c.VisitID, TenantID: c.TenantID, CVID: c.CVID}
}

func (c ActionCore) validate(needTime bool) error {
	switch {
	case strings.TrimSpace(c.VisitID) == "":
		return required("visitId")
	case strings.TrimSpace(c.TenantID) == "":
		return required("tenantId")
	case strings.TrimSpace(c.CVID) == "":
		return required("cvid")
	case needTime && (c.DeviceTime == nil || c.DeviceTime.IsZero()):
		return required("deviceTime")
	}
	return nil
}

type CheckInRequest struct {
	ActionCore
	ProgressNote string `json:"progressNote,omitempty"`
	LateReason   string `json:"lateReason,omitempty"`
}

type CheckOutRequest struct {
	ActionCore
	WellnessNotes string                `json:"wellnessNotes,omitempty"`
	ProgressNote  string                `json:"progressNote,omitempty"`
	Activities    []visitmodel.Activity `json:"activities,omitempty"`
}

type ResetRequest struct {
	ActionCore
	CancelReason string `json:"cancelReason,omitempty"`
}

// BranchNote is free text sent to branch staff about a visit.
type BranchNote struct {
	Subject string `json:"subject,omitempty"`
	Content string `json:"content"`
}

type NoteRequest struct {
	VisitID       string     `json:"visitId" param:"visitId"`
	TenantID      string     `json:"tenantId"`
	CVID          string     `json:"cvid"`
	ClientID      string     `json:"clientId"`
	NoteForBranch BranchNote `json:"noteForBranch"`
}

func (r NoteRequest) validate() error {
	switch {
	case strings.TrimSpace(r.VisitID) == "":
		return required("visitId")
	case strings.TrimSpace(r.TenantID) == "":
		return required("tenantId")
	case strings.TrimSpace(r.CVID) == "":
		return required("cvid")
	case strings.TrimSpace(r.ClientID) == "":
		return required("clientId")
	case strings.TrimSpace(r.NoteForBranch.Content) == "":
		return required("noteForBranch.content")
	}
	return nil
}

// QA request variants: the same action bodies plus the identity fields.
type (
	DirectCheckInRequest struct {
		CheckInRequest
		DirectTestFields
	}
	DirectCheckOutRequest struct {
		CheckOutRequest
		DirectTestFields
	}
	DirectResetRequest struct {
		ResetRequest
		DirectTestFields
	}
	DirectNoteRequest struct {
		NoteRequest
		DirectTestFields
	}
)

// Mode selects how write failures are handled.
type Mode string

const (
	ModeOnline  Mode = ""
	ModeOffline Mode = "offline"
)

// ParseMode maps the mode query parameter.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeOffline)) {
		return ModeOffline
	}
	return ModeOnline
}
