package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// InsertBatch writes events in one round trip. Re-inserting a sequence
// number already present is a no-op.
func (s *EventStore) InsertBatch(ctx context.Context, events []domain.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	const query = `
		INSERT INTO events (seq, id, name, ts, occurred_at, args)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (seq) DO NOTHING`

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(query, int64(e.Seq), e.ID, string(e.Name), e.Timestamp,
			time.Unix(e.Timestamp, 0).UTC(), []byte(e.Args))
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, e := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert event %d: %w", e.Seq, err)
		}
	}
	return nil
}

// List returns events in sequence order matching filter.
func (s *EventStore) List(ctx context.Context, filter domain.EventFilter) ([]domain.EventRecord, error) {
	query := `SELECT seq, id, name, ts, args FROM events WHERE seq > $1`
	args := []any{int64(filter.AfterSeq)}
	argIdx := 2

	if filter.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", argIdx)
		args = append(args, string(filter.Name))
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argIdx)
		args = append(args, *filter.Until)
		argIdx++
	}

	query += " ORDER BY seq ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	return s.query(ctx, query, args...)
}

// ListBefore returns up to limit of the oldest events that occurred before
// the given time.
func (s *EventStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.EventRecord, error) {
	const query = `
		SELECT seq, id, name, ts, args FROM events
		WHERE occurred_at < $1
		ORDER BY seq ASC
		LIMIT $2`
	return s.query(ctx, query, before, limit)
}

// DeleteThrough removes every event with a sequence number <= seq.
func (s *EventStore) DeleteThrough(ctx context.Context, seq uint64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE seq <= $1`, int64(seq))
	if err != nil {
		return 0, fmt.Errorf("postgres: delete events through %d: %w", seq, err)
	}
	return tag.RowsAffected(), nil
}

func (s *EventStore) query(ctx context.Context, query string, args ...any) ([]domain.EventRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []domain.EventRecord
	for rows.Next() {
		var (
			rec  domain.EventRecord
			seq  int64
			name string
			args []byte
		)
		if err := rows.Scan(&seq, &rec.ID, &name, &rec.Timestamp, &args); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Name = domain.EventName(name)
		rec.Args = args
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return out, nil
}
