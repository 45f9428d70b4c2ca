package offlinequeue

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("offline queue record not found")

type Repository interface {
	// Save writes rec. With overwrite false an existing slot is left as is
	// and Save reports false.
	Save(ctx context.Context, rec *Record, overwrite bool) (bool, error)
	Get(ctx context.Context, primary, valueType, secondary string) (*Record, error)
	// ListByEmployee returns the employee's records, newest first. An empty
	// valueType lists every type.
	ListByEmployee(ctx context.Context, primary, valueType string) ([]*Record, error)
	Delete(ctx context.Context, primary, valueType, secondary string) error
	MarkAttempt(ctx context.Context, primary, valueType, secondary, lastError string) error
	// Atomic runs fn so that the repository calls it makes commit or roll
	// back together. Reads inside fn lock the rows they return.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}
