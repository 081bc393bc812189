package book

import (
	"fmt"
	"time"
)

// EventPage is one immutable event at a position in an aggregate's log.
type EventPage struct {
	Sequence  uint64
	Event     Payload
	CreatedAt time.Time
}

// Snapshot is folded state as of Sequence: it covers every event below
// Sequence, and events at or above it must still be replayed on top.
type Snapshot struct {
	Sequence uint64
	State    Payload
}

// EventBook is an ordered slice of an aggregate's history, optionally
// prefixed by a snapshot.
type EventBook struct {
	Cover         Cover
	Pages         []EventPage
	Snapshot      *Snapshot
	CorrelationID string
}

// NextSequence returns the next writable sequence: the successor of the
// last page, the snapshot sequence when no page follows it, or zero.
func (b EventBook) NextSequence() uint64 {
	if n := len(b.Pages); n > 0 {
		return b.Pages[n-1].Sequence + 1
	}
	if b.Snapshot != nil {
		return b.Snapshot.Sequence
	}
	return 0
}

// Empty reports whether the book carries no history at all.
func (b EventBook) Empty() bool {
	return len(b.Pages) == 0 && b.Snapshot == nil
}

// LastSequence returns the sequence of the final page.
func (b EventBook) LastSequence() (uint64, bool) {
	if len(b.Pages) == 0 {
		return 0, false
	}
	return b.Pages[len(b.Pages)-1].Sequence, true
}

// Clone deep-copies the book so fan-out targets never share mutable state.
func (b EventBook) Clone() EventBook {
	cloned := EventBook{Cover: b.Cover, CorrelationID: b.CorrelationID}
	if b.Pages != nil {
		cloned.Pages = make([]EventPage, len(b.Pages))
		for i, page := range b.Pages {
			page.Event = page.Event.Clone()
			cloned.Pages[i] = page
		}
	}
	if b.Snapshot != nil {
		snapshot := Snapshot{Sequence: b.Snapshot.Sequence, State: b.Snapshot.State.Clone()}
		cloned.Snapshot = &snapshot
	}
	return cloned
}

// ValidateContiguous checks that pages start at first and increase by one.
func ValidateContiguous(pages []EventPage, first uint64) error {
	for i, page := range pages {
		want := first + uint64(i)
		if page.Sequence != want {
			return fmt.Errorf("%w: page %d has sequence %d, expected %d", ErrSequenceGap, i, page.Sequence, want)
		}
	}
	return nil
}

// ContextualCommand is what business logic receives: the command plus the
// aggregate's history as the coordinator loaded it.
type ContextualCommand struct {
	Command CommandBook
	Events  EventBook
}

// BusinessResponse is business logic's answer. Exactly one of Events or
// Rejection is meaningful; a non-empty Rejection wins.
type BusinessResponse struct {
	Events    *EventBook
	Rejection string
}

// Rejected reports whether the response declines the command.
func (r BusinessResponse) Rejected() bool {
	return r.Rejection != ""
}

// Projection is a read-model builder's synchronous answer.
type Projection struct {
	Cover     Cover
	Projector string
	Sequence  uint64
	State     *Payload
}
