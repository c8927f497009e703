package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sift-analytics/sift/internal/domain"
)

// CapsuleStore implements store.CapsuleStore backed by Postgres.
type CapsuleStore struct {
	pool *pgxpool.Pool
}

// NewCapsuleStore creates a CapsuleStore backed by the given pool.
func NewCapsuleStore(pool *pgxpool.Pool) *CapsuleStore {
	return &CapsuleStore{pool: pool}
}

const capsuleColumns = `run_id, thread_id, created_at, dataset_id, dataset_version_hash, question,
       query_mode, plan_json, compiled_sql, python_code, status, result_json, error_json, exec_time_ms`

// Put inserts a capsule. Capsules are append-only; inserting an existing
// run_id is an error.
func (s *CapsuleStore) Put(ctx context.Context, c *domain.Capsule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO capsules (`+capsuleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.RunID, c.ThreadID, c.CreatedAt, c.DatasetID, c.DatasetVersionHash, c.Question,
		c.QueryMode, nullableJSON(c.PlanJSON), c.CompiledSQL, c.PythonCode, c.Status,
		nullableJSON(c.ResultJSON), nullableJSON(c.ErrorJSON), c.ExecTimeMS,
	)
	if err != nil {
		return fmt.Errorf("insert capsule: %w", err)
	}
	return nil
}

// Get fetches a capsule by run_id, returning (nil, nil) when absent.
func (s *CapsuleStore) Get(ctx context.Context, runID string) (*domain.Capsule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+capsuleColumns+` FROM capsules WHERE run_id = $1`, runID)
	c, err := scanCapsule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get capsule: %w", err)
	}
	return c, nil
}

// List returns capsules newest first.
func (s *CapsuleStore) List(ctx context.Context, limit, offset int) ([]domain.Capsule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+capsuleColumns+` FROM capsules
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list capsules: %w", err)
	}
	defer rows.Close()

	var out []domain.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan capsule: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// LatestSuccessful returns the most recent succeeded capsule for the
// thread/dataset pair, or (nil, nil).
func (s *CapsuleStore) LatestSuccessful(ctx context.Context, threadID, datasetID string) (*domain.Capsule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+capsuleColumns+` FROM capsules
		WHERE thread_id = $1 AND dataset_id = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1`, threadID, datasetID, domain.RunStatusSucceeded)
	c, err := scanCapsule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest successful capsule: %w", err)
	}
	return c, nil
}

// DeleteOlderThan removes capsules created before cutoff. Only the
// retention reaper calls this.
func (s *CapsuleStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM capsules WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old capsules: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapsule(row rowScanner) (*domain.Capsule, error) {
	var c domain.Capsule
	err := row.Scan(
		&c.RunID, &c.ThreadID, &c.CreatedAt, &c.DatasetID, &c.DatasetVersionHash, &c.Question,
		&c.QueryMode, &c.PlanJSON, &c.CompiledSQL, &c.PythonCode, &c.Status,
		&c.ResultJSON, &c.ErrorJSON, &c.ExecTimeMS,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// nullableJSON maps an empty raw message to SQL NULL so JSONB columns
// never hold empty strings.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
