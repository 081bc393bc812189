package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrSequenceConflict indicates an append lost the race for a sequence, or
// would have opened a gap. Callers reload the aggregate and resubmit.
var ErrSequenceConflict = apperrors.New(apperrors.CodeSequenceConflict, "sequence conflict")

// ConflictError describes a lost append for one aggregate.
func ConflictError(cover book.Cover, attempted, next uint64) error {
	return apperrors.WithMetadata(
		apperrors.CodeSequenceConflict,
		fmt.Sprintf("sequence conflict for %s: attempted %d, next is %d", cover, attempted, next),
		map[string]string{
			"domain":             cover.Domain,
			"root":               cover.Root.String(),
			"attempted_sequence": strconv.FormatUint(attempted, 10),
			"next_sequence":      strconv.FormatUint(next, 10),
		},
	)
}

// UnavailableError classifies a backend failure as transient.
func UnavailableError(op string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	if code := apperrors.CodeOf(err); code == apperrors.CodeDeadlineExceeded || code == apperrors.CodeCanceled {
		return apperrors.FromContext(err)
	}
	return apperrors.Wrap(apperrors.CodeStoreUnavailable, op+": "+err.Error(), err)
}

// EventStore is the durable, ordered, per-aggregate log.
type EventStore interface {
	// Append stores pages all-or-nothing. pages[0].Sequence must equal the
	// aggregate's next sequence and pages must be contiguous; otherwise, or
	// when another append already claimed any of the sequences, Append
	// returns an error matching ErrSequenceConflict.
	Append(ctx context.Context, cover book.Cover, pages []book.EventPage) error
	// Read returns pages with sequence >= from in ascending order.
	Read(ctx context.Context, domain string, root book.Root, from uint64) ([]book.EventPage, error)
	// ReadSnapshot returns the stored snapshot or nil.
	ReadSnapshot(ctx context.Context, domain string, root book.Root) (*book.Snapshot, error)
	// WriteSnapshot replaces the stored snapshot.
	WriteSnapshot(ctx context.Context, domain string, root book.Root, snapshot book.Snapshot) error
	// ListRoots returns every root with at least one event in domain.
	ListRoots(ctx context.Context, domain string) ([]book.Root, error)
}

// PositionKey identifies one handler's checkpoint for one aggregate.
type PositionKey struct {
	Handler string
	Domain  string
	Root    book.Root
}

// Validate checks that every key part is present.
func (k PositionKey) Validate() error {
	if strings.TrimSpace(k.Handler) == "" {
		return fmt.Errorf("position handler is required")
	}
	if strings.TrimSpace(k.Domain) == "" {
		return fmt.Errorf("position domain is required")
	}
	return nil
}

// PositionStore persists the last processed sequence per handler and aggregate.
type PositionStore interface {
	// GetPosition returns the last processed sequence, with found false when
	// the handler has never processed this aggregate.
	GetPosition(ctx context.Context, key PositionKey) (sequence uint64, found bool, err error)
	// AdvancePosition atomically moves the checkpoint forward to sequence. It
	// reports false, without error, when the stored position is already at
	// or beyond sequence.
	AdvancePosition(ctx context.Context, key PositionKey, sequence uint64) (advanced bool, err error)
}

// Store bundles the capabilities a backend provides.
type Store interface {
	EventStore
	PositionStore
	Close() error
}

// ValidateAppend performs the checks every backend applies before touching
// storage.
func ValidateAppend(cover book.Cover, pages []book.EventPage) error {
	if err := cover.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeCoverInvalid, err.Error(), err)
	}
	if len(pages) == 0 {
		return apperrors.New(apperrors.CodeEventsInvalid, "append requires at least one page")
	}
	if err := book.ValidateContiguous(pages, pages[0].Sequence); err != nil {
		return apperrors.Wrap(apperrors.CodeEventsInvalid, err.Error(), err)
	}
	return nil
}

// LoadEventBook assembles the book the coordinator hands to business logic:
// the snapshot (if any) plus every event at or after its sequence.
func LoadEventBook(ctx context.Context, store EventStore, cover book.Cover) (book.EventBook, error) {
	snapshot, err := store.ReadSnapshot(ctx, cover.Domain, cover.Root)
	if err != nil {
		return book.EventBook{}, err
	}
	var from uint64
	if snapshot != nil {
		from = snapshot.Sequence
	}
	pages, err := store.Read(ctx, cover.Domain, cover.Root, from)
	if err != nil {
		return book.EventBook{}, err
	}
	return book.EventBook{
		Cover:         cover,
		Pages:         pages,
		Snapshot:      snapshot,
		CorrelationID: cover.CorrelationID,
	}, nil
}
