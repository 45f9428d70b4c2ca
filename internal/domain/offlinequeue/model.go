package offlinequeue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caresync/visits/pkg/visitmodel"
)

// Value types.
const (
	ValueTypeVisit         = "Visit"
	ValueTypeFailedAttempt = "FailedAttempt"
)

// Value statuses.
const (
	StatusPending = "Pending"
	StatusActive  = "Active"
)

// Record is one slot in the offline queue. The slot is addressed by
// (PrimaryIdentifier, ValueType, SecondaryIdentifier).
type Record struct {
	PrimaryIdentifier   string          `json:"primaryIdentifier"`
	ValueType           string          `json:"valueType"`
	SecondaryIdentifier string          `json:"secondaryIdentifier,omitempty"`
	Payload             json.RawMessage `json:"payload"`
	ValueStatus         string          `json:"valueStatus"`
	Attempts            int             `json:"attempts"`
	LastError           *string         `json:"lastError,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Decode unmarshals the payload into v.
func (r *Record) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.ValueType, err)
	}
	return nil
}

// OpenVisit is the payload of a Visit record: the employee's in-progress visit.
type OpenVisit struct {
	VisitID     string    `json:"visitId"`
	TenantID    string    `json:"tenantId"`
	CVID        string    `json:"cvid"`
	SystemType  string    `json:"systemType"`
	EmpSystemID string    `json:"empSystemId,omitempty"`
	CheckInTime time.Time `json:"checkInTime"`
}

// FailedAttempt is the payload of a write that could not reach the system of
// record. Request holds the original body so the action can be replayed;
// Identifiers are the ones in scope when it failed.
type FailedAttempt struct {
	Action      string                        `json:"action"`
	VisitID     string                        `json:"visitId"`
	TenantID    string                        `json:"tenantId"`
	CVID        string                        `json:"cvid"`
	Request     json.RawMessage               `json:"request"`
	Identifiers []visitmodel.SystemIdentifier `json:"identifiers,omitempty"`
	Error       string                        `json:"error"`
	FailedAt    time.Time                     `json:"failedAt"`
}

// FailedAttemptKey is the secondary identifier of a FailedAttempt record.
func FailedAttemptKey(visitID, tenantID, action string) string {
	return visitID + ":" + tenantID + ":" + action
}

func (f FailedAttempt) Key() string { return FailedAttemptKey(f.VisitID, f.TenantID, f.Action) }
