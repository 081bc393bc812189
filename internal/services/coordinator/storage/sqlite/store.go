// Package sqlite implements the relational reference event store on
// modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/louisbranch/evcoord/internal/platform/storage/migrate"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store is a SQLite-backed storage.Store.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrate.Apply(ctx, sqlDB, migrate.SQLite, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the underlying database. It is nil-safe.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append inserts pages inside one immediate transaction.
func (s *Store) Append(ctx context.Context, cover book.Cover, pages []book.EventPage) error {
	if err := storage.ValidateAppend(cover, pages); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.UnavailableError("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	next, err := nextSequence(ctx, tx, cover.Domain, cover.Root)
	if err != nil {
		return storage.UnavailableError("load next sequence", err)
	}
	if pages[0].Sequence != next {
		return storage.ConflictError(cover, pages[0].Sequence, next)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (domain, root, sequence, event_type, payload, correlation_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return storage.UnavailableError("prepare append", err)
	}
	defer stmt.Close()

	stamped := s.now()
	for _, page := range pages {
		createdAt := page.CreatedAt
		if createdAt.IsZero() {
			createdAt = stamped
		}
		payload := page.Event.Value
		if payload == nil {
			payload = []byte{}
		}
		if _, err := stmt.ExecContext(ctx,
			cover.Domain,
			cover.Root.String(),
			int64(page.Sequence),
			page.Event.Type,
			payload,
			cover.CorrelationID,
			toMillis(createdAt),
		); err != nil {
			if isConstraintError(err) {
				return storage.ConflictError(cover, page.Sequence, next)
			}
			return storage.UnavailableError("append event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return storage.ConflictError(cover, pages[0].Sequence, next)
		}
		return storage.UnavailableError("commit append", err)
	}
	return nil
}

func nextSequence(ctx context.Context, tx *sql.Tx, domain string, root book.Root) (uint64, error) {
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE domain = ? AND root = ?`,
		domain, root.String(),
	).Scan(&last); err != nil {
		return 0, err
	}
	if last.Valid {
		return uint64(last.Int64) + 1, nil
	}

	var snapshotSeq int64
	err := tx.QueryRowContext(ctx,
		`SELECT sequence FROM snapshots WHERE domain = ? AND root = ?`,
		domain, root.String(),
	).Scan(&snapshotSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(snapshotSeq), nil
}

// Read returns pages with sequence >= from in ascending order.
func (s *Store) Read(ctx context.Context, domain string, root book.Root, from uint64) ([]book.EventPage, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT sequence, event_type, payload, created_at
FROM events
WHERE domain = ? AND root = ? AND sequence >= ?
ORDER BY sequence ASC`, domain, root.String(), int64(from))
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
			createdAt int64
		)
		if err := rows.Scan(&sequence, &eventType, &payload, &createdAt); err != nil {
			return nil, storage.UnavailableError("scan event", err)
		}
		pages = append(pages, book.EventPage{
			Sequence:  uint64(sequence),
			Event:     book.Payload{Type: eventType, Value: payload},
			CreatedAt: fromMillis(createdAt),
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
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT sequence, state FROM snapshots WHERE domain = ? AND root = ?`,
		domain, root.String(),
	).Scan(&sequence, &state)
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
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO snapshots (domain, root, sequence, state, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (domain, root) DO UPDATE SET
    sequence = excluded.sequence,
    state = excluded.state,
    created_at = excluded.created_at`,
		domain, root.String(), int64(snapshot.Sequence), state, toMillis(s.now()),
	)
	if err != nil {
		return storage.UnavailableError("write snapshot", err)
	}
	return nil
}

// ListRoots returns every root with events in domain.
func (s *Store) ListRoots(ctx context.Context, domain string) ([]book.Root, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT DISTINCT root FROM events WHERE domain = ? ORDER BY root`, domain)
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
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT sequence FROM positions WHERE handler = ? AND domain = ? AND root = ?`,
		key.Handler, key.Domain, key.Root.String(),
	).Scan(&sequence)
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
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO positions (handler, domain, root, sequence, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (handler, domain, root) DO UPDATE SET
    sequence = excluded.sequence,
    updated_at = excluded.updated_at
WHERE excluded.sequence > positions.sequence`,
		key.Handler, key.Domain, key.Root.String(), int64(sequence), toMillis(s.now()),
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

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

var _ storage.Store = (*Store)(nil)
