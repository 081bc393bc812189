// Package postgres implements the event store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/louisbranch/evcoord/internal/platform/storage/migrate"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage/postgres/migrations"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const (
	nextSequenceQuery = `SELECT COALESCE(
    (SELECT MAX(sequence) + 1 FROM events WHERE domain = $1 AND root = $2),
    (SELECT sequence FROM snapshots WHERE domain = $1 AND root = $2),
    0)`
	insertEventQuery = `INSERT INTO events (domain, root, sequence, event_type, payload, correlation_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	readEventsQuery = `SELECT sequence, event_type, payload, created_at FROM events
WHERE domain = $1 AND root = $2 AND sequence >= $3 ORDER BY sequence ASC`
	readSnapshotQuery  = `SELECT sequence, state FROM snapshots WHERE domain = $1 AND root = $2`
	writeSnapshotQuery = `INSERT INTO snapshots (domain, root, sequence, state, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (domain, root) DO UPDATE SET
    sequence = EXCLUDED.sequence,
    state = EXCLUDED.state,
    created_at = EXCLUDED.created_at`
	listRootsQuery     = `SELECT DISTINCT root FROM events WHERE domain = $1 ORDER BY root`
	getPositionQuery   = `SELECT sequence FROM positions WHERE handler = $1 AND domain = $2 AND root = $3`
	advancePositionSQL = `INSERT INTO positions (handler, domain, root, sequence, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (handler, domain, root) DO UPDATE SET
    sequence = EXCLUDED.sequence,
    updated_at = EXCLUDED.updated_at
WHERE EXCLUDED.sequence > positions.sequence`
)

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database. The schema must already exist.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate.Apply(ctx, db, migrate.Postgres, migrations.FS, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return New(db), nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append inserts pages in one transaction. The unique constraint on
// (domain, root, sequence) decides races between concurrent writers.
func (s *Store) Append(ctx context.Context, cover book.Cover, pages []book.EventPage) error {
	if err := storage.ValidateAppend(cover, pages); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.UnavailableError("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.QueryRowContext(ctx, nextSequenceQuery, cover.Domain, cover.Root.String()).Scan(&next); err != nil {
		return storage.UnavailableError("load next sequence", err)
	}
	if pages[0].Sequence != uint64(next) {
		return storage.ConflictError(cover, pages[0].Sequence, uint64(next))
	}

	stamped := s.now().UTC()
	for _, page := range pages {
		createdAt := page.CreatedAt
		if createdAt.IsZero() {
			createdAt = stamped
		}
		payload := page.Event.Value
		if payload == nil {
			payload = []byte{}
		}
		if _, err := tx.ExecContext(ctx, insertEventQuery,
			cover.Domain,
			cover.Root.String(),
			int64(page.Sequence),
			page.Event.Type,
			payload,
			cover.CorrelationID,
			createdAt,
		); err != nil {
			if isUniqueViolation(err) {
				return storage.ConflictError(cover, page.Sequence, uint64(next))
			}
			return storage.UnavailableError("append event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return storage.ConflictError(cover, pages[0].Sequence, uint64(next))
		}
		return storage.UnavailableError("commit append", err)
	}
	return nil
}

// Read returns pages with sequence >= from in ascending order.
func (s *Store) Read(ctx context.Context, domain string, root book.Root, from uint64) ([]book.EventPage, error) {
	rows, err := s.db.QueryContext(ctx, readEventsQuery, domain, root.String(), int64(from))
	if err != nil {
		return nil, storage.UnavailableError("read events", err)
	}
	defer rows.Close()

	var pages []book.EventPage
	for rows.Next() {
		var (
			sequence  int64
			eventType string
			payload   []byte
			createdAt time.Time
		)
		if err := rows.Scan(&sequence, &eventType, &payload, &createdAt); err != nil {
			return nil, storage.UnavailableError("scan event", err)
		}
		pages = append(pages, book.EventPage{
			Sequence:  uint64(sequence),
			Event:     book.Payload{Type: eventType, Value: payload},
			CreatedAt: createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.UnavailableError("iterate events", err)
	}
	return pages, nil
}

// ReadSnapshot returns the stored snapshot, or nil.
func (s *Store) ReadSnapshot(ctx context.Context, domain string, root book.Root) (*book.Snapshot, error) {
	var (
		sequence int64
		state    []byte
	)
	err := s.db.QueryRowContext(ctx, readSnapshotQuery, domain, root.String()).Scan(&sequence, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.UnavailableError("read snapshot", err)
	}
	payload, err := storage.UnmarshalState(state)
	if err != nil {
		return nil, err
	}
	return &book.Snapshot{Sequence: uint64(sequence), State: payload}, nil
}

// WriteSnapshot replaces the stored snapshot.
func (s *Store) WriteSnapshot(ctx context.Context, domain string, root book.Root, snapshot book.Snapshot) error {
	state, err := storage.MarshalState(snapshot.State)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, writeSnapshotQuery,
		domain, root.String(), int64(snapshot.Sequence), state, s.now().UTC(),
	); err != nil {
		return storage.UnavailableError("write snapshot", err)
	}
	return nil
}

// ListRoots returns every root with events in domain.
func (s *Store) ListRoots(ctx context.Context, domain string) ([]book.Root, error) {
	rows, err := s.db.QueryContext(ctx, listRootsQuery, domain)
	if err != nil {
		return nil, storage.UnavailableError("list roots", err)
	}
	defer rows.Close()

	var roots []book.Root
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storage.UnavailableError("scan root", err)
		}
		root, err := book.ParseRoot(raw)
		if err != nil {
			return nil, fmt.Errorf("stored root: %w", err)
		}
		roots = append(roots, root)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.UnavailableError("iterate roots", err)
	}
	return roots, nil
}

// GetPosition returns the checkpoint for key.
func (s *Store) GetPosition(ctx context.Context, key storage.PositionKey) (uint64, bool, error) {
	if err := key.Validate(); err != nil {
		return 0, false, err
	}
	var sequence int64
	err := s.db.QueryRowContext(ctx, getPositionQuery, key.Handler, key.Domain, key.Root.String()).Scan(&sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storage.UnavailableError("get position", err)
	}
	return uint64(sequence), true, nil
}

// AdvancePosition upserts the checkpoint only when it moves forward.
func (s *Store) AdvancePosition(ctx context.Context, key storage.PositionKey, sequence uint64) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, advancePositionSQL,
		key.Handler, key.Domain, key.Root.String(), int64(sequence), s.now().UTC(),
	)
	if err != nil {
		return false, storage.UnavailableError("advance position", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, storage.UnavailableError("advance position", err)
	}
	return affected > 0, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

var _ storage.Store = (*Store)(nil)
