package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sift-analytics/sift/internal/domain"
)

// MessageStore implements store.MessageStore backed by Postgres.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore creates a MessageStore backed by the given pool.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// Append inserts one message and fills in its assigned id.
func (s *MessageStore) Append(ctx context.Context, m *domain.ThreadMessage) error {
	ts := m.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO thread_messages (thread_id, ts, role, content, dataset_id, run_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		m.ThreadID, ts, m.Role, m.Content, m.DatasetID, m.RunID,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("append thread message: %w", err)
	}
	m.TS = ts
	return nil
}

// ListRecent returns the last n messages of the thread in chronological
// order. The inner query selects the tail by descending id; the outer
// query restores insertion order.
func (s *MessageStore) ListRecent(ctx context.Context, threadID string, n int) ([]domain.ThreadMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_id, ts, role, content, dataset_id, run_id FROM (
			SELECT id, thread_id, ts, role, content, dataset_id, run_id
			FROM thread_messages
			WHERE thread_id = $1
			ORDER BY id DESC
			LIMIT $2
		) tail
		ORDER BY id ASC`, threadID, n)
	if err != nil {
		return nil, fmt.Errorf("list thread messages: %w", err)
	}
	defer rows.Close()

	var out []domain.ThreadMessage
	for rows.Next() {
		var m domain.ThreadMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.TS, &m.Role, &m.Content, &m.DatasetID, &m.RunID); err != nil {
			return nil, fmt.Errorf("scan thread message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
