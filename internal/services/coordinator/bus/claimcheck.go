package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/evcoord/internal/services/coordinator/blob"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/wire"
)

// DefaultClaimThreshold is the encoded size above which books are offloaded.
const DefaultClaimThreshold = 256 * 1024

// RetrievalError reports a claim-check reference whose payload could not be
// fetched.
type RetrievalError struct {
	Reference wire.BlobReference
	Err       error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve claim %s: %v", e.Reference.Key, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Missing reports whether the payload is gone for good.
func (e *RetrievalError) Missing() bool {
	return errors.Is(e.Err, blob.ErrNotFound) || errors.Is(e.Err, blob.ErrInvalidKey)
}

// ClaimCheck encodes bus message bodies, offloading books larger than
// Threshold to Blobs. A nil Blobs disables offloading.
type ClaimCheck struct {
	Blobs     blob.Store
	Threshold int
	Metrics   Metrics
}

func (c *ClaimCheck) threshold() int {
	if c == nil || c.Threshold <= 0 {
		return DefaultClaimThreshold
	}
	return c.Threshold
}

// EncodeEvents returns the envelope bytes for events.
func (c *ClaimCheck) EncodeEvents(ctx context.Context, events book.EventBook) ([]byte, error) {
	inline := wire.EncodeEventBook(events)
	if c == nil || c.Blobs == nil || len(inline) <= c.threshold() {
		return wire.EncodeEnvelope(wire.Envelope{Events: &events}), nil
	}
	key, err := c.Blobs.Put(ctx, inline)
	if err != nil {
		return nil, fmt.Errorf("offload %s: %w", events.Cover, err)
	}
	MetricsOrNop(c.Metrics).ClaimChecked(events.Cover.Domain, len(inline))
	return wire.EncodeEnvelope(wire.Envelope{Reference: &wire.BlobReference{
		Key:   key,
		Size:  int64(len(inline)),
		Cover: events.Cover,
	}}), nil
}

// EncodeDeadLetter returns the envelope bytes for a dead letter. Dead
// letters are always inline.
func (c *ClaimCheck) EncodeDeadLetter(letter book.DeadLetter) []byte {
	return wire.EncodeEnvelope(wire.Envelope{DeadLetter: &letter})
}

// DecodeEvents resolves an envelope to an EventBook, fetching offloaded
// payloads. Undecodable bodies return an error matching ErrMalformedPayload;
// failed fetches return a *RetrievalError.
func (c *ClaimCheck) DecodeEvents(ctx context.Context, data []byte) (book.EventBook, error) {
	envelope, err := wire.DecodeEnvelope(data)
	if err != nil {
		return book.EventBook{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	switch {
	case envelope.Events != nil:
		return *envelope.Events, nil
	case envelope.Reference != nil:
		if c == nil || c.Blobs == nil {
			return book.EventBook{}, &RetrievalError{Reference: *envelope.Reference, Err: errors.New("no blob store configured")}
		}
		payload, err := c.Blobs.Get(ctx, envelope.Reference.Key)
		if err != nil {
			return book.EventBook{}, &RetrievalError{Reference: *envelope.Reference, Err: err}
		}
		events, err := wire.DecodeEventBook(payload)
		if err != nil {
			return book.EventBook{}, fmt.Errorf("%w: claim %s: %v", ErrMalformedPayload, envelope.Reference.Key, err)
		}
		return events, nil
	default:
		return book.EventBook{}, fmt.Errorf("%w: envelope carries no events", ErrMalformedPayload)
	}
}

// DecodeDeadLetter decodes a dead-letter envelope.
func (c *ClaimCheck) DecodeDeadLetter(data []byte) (book.DeadLetter, error) {
	envelope, err := wire.DecodeEnvelope(data)
	if err != nil {
		return book.DeadLetter{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if envelope.DeadLetter == nil {
		return book.DeadLetter{}, fmt.Errorf("%w: envelope carries no dead letter", ErrMalformedPayload)
	}
	return *envelope.DeadLetter, nil
}
