package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func newRecord(employeeID, valueType, secondary, status string, payload interface{}) (*Record, error) {
	if strings.TrimSpace(employeeID) == "" {
		return nil, fmt.Errorf("employee id is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", valueType, err)
	}
	return &Record{
		PrimaryIdentifier:   employeeID,
		ValueType:           valueType,
		SecondaryIdentifier: secondary,
		Payload:             raw,
		ValueStatus:         status,
	}, nil
}

// TrackOpenVisit records v as the employee's in-progress visit, replacing
// any previous one.
func (s *Service) TrackOpenVisit(ctx context.Context, employeeID string, v OpenVisit) error {
	if v.VisitID == "" || v.TenantID == "" {
		return fmt.Errorf("visit id and tenant id are required")
	}
	rec, err := newRecord(employeeID, ValueTypeVisit, "", StatusActive, v)
	if err != nil {
		return err
	}
	_, err = s.repo.Save(ctx, rec, true)
	return err
}

// OpenVisit returns the employee's in-progress visit, or nil when none is tracked.
func (s *Service) OpenVisit(ctx context.Context, employeeID string) (*OpenVisit, error) {
	rec, err := s.repo.Get(ctx, employeeID, ValueTypeVisit, "")
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v OpenVisit
	if err := rec.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ClearOpenVisit removes the in-progress record when it refers to the given
// visit. A record for a different visit is left alone and false is returned.
func (s *Service) ClearOpenVisit(ctx context.Context, employeeID, visitID, tenantID string) (bool, error) {
	cleared := false
	err := s.repo.Atomic(ctx, func(ctx context.Context) error {
		open, err := s.OpenVisit(ctx, employeeID)
		if err != nil || open == nil {
			return err
		}
		if open.VisitID != visitID || open.TenantID != tenantID {
			return nil
		}
		if err := s.repo.Delete(ctx, employeeID, ValueTypeVisit, ""); err != nil {
			return err
		}
		cleared = true
		return nil
	})
	return cleared && err == nil, err
}

// RecordFailedAttempt stores f. A later failure of the same action on the
// same visit replaces it.
func (s *Service) RecordFailedAttempt(ctx context.Context, employeeID string, f FailedAttempt) (*Record, error) {
	if f.Action == "" || f.VisitID == "" || f.TenantID == "" {
		return nil, fmt.Errorf("action, visit id and tenant id are required")
	}
	rec, err := newRecord(employeeID, ValueTypeFailedAttempt, f.Key(), StatusPending, f)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.Save(ctx, rec, true); err != nil {
		return nil, err
	}
	return rec, nil
}

// ClearFailedAttempt drops a queued failure once the action has succeeded.
func (s *Service) ClearFailedAttempt(ctx context.Context, employeeID, visitID, tenantID, action string) error {
	return s.repo.Delete(ctx, employeeID, ValueTypeFailedAttempt, FailedAttemptKey(visitID, tenantID, action))
}

// FailedAttempts lists the employee's unreconciled writes, newest first.
func (s *Service) FailedAttempts(ctx context.Context, employeeID string) ([]*Record, error) {
	return s.repo.ListByEmployee(ctx, employeeID, ValueTypeFailedAttempt)
}

// List returns every record held for the employee.
func (s *Service) List(ctx context.Context, employeeID string) ([]*Record, error) {
	if strings.TrimSpace(employeeID) == "" {
		return nil, fmt.Errorf("employee id is required")
	}
	return s.repo.ListByEmployee(ctx, employeeID, "")
}

// Resolve deletes a record after it has been reconciled.
func (s *Service) Resolve(ctx context.Context, rec *Record) error {
	return s.repo.Delete(ctx, rec.PrimaryIdentifier, rec.ValueType, rec.SecondaryIdentifier)
}

// MarkAttempt counts a failed replay of rec.
func (s *Service) MarkAttempt(ctx context.Context, rec *Record, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.repo.MarkAttempt(ctx, rec.PrimaryIdentifier, rec.ValueType, rec.SecondaryIdentifier, msg)
}
