// Package replay folds an aggregate's history into state. Business logic
// written in Go uses it to rebuild state from the EventBook the coordinator
// sends; snapshots only shorten the fold and never change its result.
package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
)

var (
	// ErrApplierRequired indicates a missing applier.
	ErrApplierRequired = errors.New("applier is required")
	// ErrEventStoreRequired indicates a missing event store.
	ErrEventStoreRequired = errors.New("event store is required")
)

// Applier rebuilds typed state from opaque payloads.
type Applier[S any] interface {
	// Restore decodes a snapshot's state.
	Restore(snapshot book.Snapshot) (S, error)
	// Apply folds one event into state.
	Apply(state S, page book.EventPage) (S, error)
}

// Result captures the folded state and where it stopped.
type Result[S any] struct {
	State S
	// Next is the sequence the next event must carry.
	Next    uint64
	Applied int
}

// Fold applies the book's snapshot (if any) and then every page in order.
// Pages below the snapshot sequence are skipped; a gap is an error.
func Fold[S any](applier Applier[S], initial S, events book.EventBook) (Result[S], error) {
	if applier == nil {
		return Result[S]{}, ErrApplierRequired
	}
	result := Result[S]{State: initial}
	if events.Snapshot != nil {
		state, err := applier.Restore(*events.Snapshot)
		if err != nil {
			return result, fmt.Errorf("restore snapshot at %d: %w", events.Snapshot.Sequence, err)
		}
		result.State = state
		result.Next = events.Snapshot.Sequence
	}
	for _, page := range events.Pages {
		if page.Sequence < result.Next {
			continue
		}
		if page.Sequence != result.Next {
			return result, fmt.Errorf("event sequence gap: expected %d got %d", result.Next, page.Sequence)
		}
		state, err := applier.Apply(result.State, page)
		if err != nil {
			return result, fmt.Errorf("apply event %d: %w", page.Sequence, err)
		}
		result.State = state
		result.Next = page.Sequence + 1
		result.Applied++
	}
	return result, nil
}

// Load reads an aggregate from store and folds it.
func Load[S any](ctx context.Context, store storage.EventStore, applier Applier[S], initial S, cover book.Cover) (Result[S], error) {
	if store == nil {
		return Result[S]{}, ErrEventStoreRequired
	}
	events, err := storage.LoadEventBook(ctx, store, cover)
	if err != nil {
		return Result[S]{}, err
	}
	return Fold(applier, initial, events)
}
