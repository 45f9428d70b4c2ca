package offlinequeue

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caresync/visits/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `primary_identifier, value_type, secondary_identifier, payload,
	value_status, attempts, last_error, created_at, updated_at`

func (r *repoPG) Save(ctx context.Context, rec *Record, overwrite bool) (bool, error) {
	conflict := `ON CONFLICT (primary_identifier, value_type, secondary_identifier) DO NOTHING`
	if overwrite {
		conflict = `ON CONFLICT (primary_identifier, value_type, secondary_identifier) DO UPDATE SET
			payload = EXCLUDED.payload,
			value_status = EXCLUDED.value_status,
			attempts = 0,
			last_error = NULL,
			created_at = NOW(),
			updated_at = NOW()`
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO offline_queue (primary_identifier, value_type, secondary_identifier, payload, value_status)
		VALUES ($1, $2, $3, $4, $5)
		`+conflict+`
		RETURNING created_at, updated_at`,
		rec.PrimaryIdentifier, rec.ValueType, rec.SecondaryIdentifier, rec.Payload, rec.ValueStatus,
	)
	if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	rec.Attempts = 0
	rec.LastError = nil
	return true, nil
}

func (r *repoPG) Get(ctx context.Context, primary, valueType, secondary string) (*Record, error) {
	q := `SELECT ` + recordCols + ` FROM offline_queue
		WHERE primary_identifier = $1 AND value_type = $2 AND secondary_identifier = $3`
	if db.TxFromContext(ctx) != nil {
		q += ` FOR UPDATE`
	}
	return scanRecord(r.conn(ctx).QueryRow(ctx, q, primary, valueType, secondary))
}

func (r *repoPG) ListByEmployee(ctx context.Context, primary, valueType string) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+recordCols+` FROM offline_queue
		WHERE primary_identifier = $1 AND ($2 = '' OR value_type = $2)
		ORDER BY created_at DESC`,
		primary, valueType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repoPG) Delete(ctx context.Context, primary, valueType, secondary string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM offline_queue
		WHERE primary_identifier = $1 AND value_type = $2 AND secondary_identifier = $3`,
		primary, valueType, secondary)
	return err
}

func (r *repoPG) MarkAttempt(ctx context.Context, primary, valueType, secondary, lastError string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE offline_queue SET attempts = attempts + 1, last_error = $4, updated_at = NOW()
		WHERE primary_identifier = $1 AND value_type = $2 AND secondary_identifier = $3`,
		primary, valueType, secondary, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, r.pool, fn)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.PrimaryIdentifier, &rec.ValueType, &rec.SecondaryIdentifier, &rec.Payload,
		&rec.ValueStatus, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}
