package visit

import "errors"

var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("visit not found")
	ErrUpstreamWrite          = errors.New("upstream write failed")
	ErrAggregationUnavailable = errors.New("visit aggregation unavailable")
	ErrLeaseHeld              = errors.New("visit is being updated by another session")
)

// ValidationError names a missing or malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return e.Field + " " + e.Reason
	}
	return e.Field + " is required"
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func required(field string) error { return &ValidationError{Field: field} }
