// Package memory provides the in-process reference storage backend.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
)

// Store keeps every aggregate log, snapshot, and position in memory.
type Store struct {
	mu        sync.Mutex
	events    map[book.AggregateKey][]book.EventPage
	snapshots map[book.AggregateKey]book.Snapshot
	positions map[storage.PositionKey]uint64
	now       func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		events:    make(map[book.AggregateKey][]book.EventPage),
		snapshots: make(map[book.AggregateKey]book.Snapshot),
		positions: make(map[storage.PositionKey]uint64),
		now:       time.Now,
	}
}

var errStoreRequired = errors.New("memory store is required")

func precheck(ctx context.Context, s *Store) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return storage.UnavailableError("memory", err)
		}
	}
	if s == nil {
		return errStoreRequired
	}
	return nil
}

// Append stores pages when pages[0] is the aggregate's next sequence.
func (s *Store) Append(ctx context.Context, cover book.Cover, pages []book.EventPage) error {
	if err := precheck(ctx, s); err != nil {
		return err
	}
	if err := storage.ValidateAppend(cover, pages); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cover.Key()
	existing := s.events[key]
	next := s.nextLocked(key)
	if pages[0].Sequence != next {
		return storage.ConflictError(cover, pages[0].Sequence, next)
	}
	stamped := s.now().UTC()
	for _, page := range pages {
		page.Event = page.Event.Clone()
		if page.CreatedAt.IsZero() {
			page.CreatedAt = stamped
		}
		existing = append(existing, page)
	}
	s.events[key] = existing
	return nil
}

func (s *Store) nextLocked(key book.AggregateKey) uint64 {
	if pages := s.events[key]; len(pages) > 0 {
		return pages[len(pages)-1].Sequence + 1
	}
	if snapshot, ok := s.snapshots[key]; ok {
		return snapshot.Sequence
	}
	return 0
}

// Read returns copies of pages with sequence >= from.
func (s *Store) Read(ctx context.Context, domain string, root book.Root, from uint64) ([]book.EventPage, error) {
	if err := precheck(ctx, s); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pages := s.events[book.AggregateKey{Domain: domain, Root: root}]
	start := sort.Search(len(pages), func(i int) bool { return pages[i].Sequence >= from })
	out := make([]book.EventPage, 0, len(pages)-start)
	for _, page := range pages[start:] {
		page.Event = page.Event.Clone()
		out = append(out, page)
	}
	return out, nil
}

// ReadSnapshot returns the stored snapshot, or nil.
func (s *Store) ReadSnapshot(ctx context.Context, domain string, root book.Root) (*book.Snapshot, error) {
	if err := precheck(ctx, s); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.snapshots[book.AggregateKey{Domain: domain, Root: root}]
	if !ok {
		return nil, nil
	}
	snapshot.State = snapshot.State.Clone()
	return &snapshot, nil
}

// WriteSnapshot replaces the stored snapshot.
func (s *Store) WriteSnapshot(ctx context.Context, domain string, root book.Root, snapshot book.Snapshot) error {
	if err := precheck(ctx, s); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot.State = snapshot.State.Clone()
	s.snapshots[book.AggregateKey{Domain: domain, Root: root}] = snapshot
	return nil
}

// ListRoots returns roots with events in domain, sorted for stable output.
func (s *Store) ListRoots(ctx context.Context, domain string) ([]book.Root, error) {
	if err := precheck(ctx, s); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var roots []book.Root
	for key, pages := range s.events {
		if key.Domain == domain && len(pages) > 0 {
			roots = append(roots, key.Root)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].String() < roots[j].String() })
	return roots, nil
}

// GetPosition returns the checkpoint for key.
func (s *Store) GetPosition(ctx context.Context, key storage.PositionKey) (uint64, bool, error) {
	if err := precheck(ctx, s); err != nil {
		return 0, false, err
	}
	if err := key.Validate(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sequence, ok := s.positions[key]
	return sequence, ok, nil
}

// AdvancePosition moves the checkpoint forward only.
func (s *Store) AdvancePosition(ctx context.Context, key storage.PositionKey, sequence uint64) (bool, error) {
	if err := precheck(ctx, s); err != nil {
		return false, err
	}
	if err := key.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.positions[key]; ok && current >= sequence {
		return false, nil
	}
	s.positions[key] = sequence
	return true, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

var _ storage.Store = (*Store)(nil)
