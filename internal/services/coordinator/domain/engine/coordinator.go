package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
)

const tracerName = "github.com/louisbranch/evcoord/internal/services/coordinator/domain/engine"

var (
	// ErrStoreRequired indicates a coordinator without an event store.
	ErrStoreRequired = errors.New("event store is required")
)

// Coordinator runs the command pipeline for every routed domain.
type Coordinator struct {
	Store     storage.EventStore
	Publisher bus.Publisher
	Router    Router
	Logger    *zap.Logger
	Metrics   Recorder
	Tracer    trace.Tracer
	Now       func() time.Time
}

// decision is business logic's validated answer.
type decision struct {
	pages    []book.EventPage
	snapshot *book.Snapshot
}

// Handle executes command against its aggregate and returns the persisted
// book. A conflicting concurrent append is returned unchanged as a
// CodeSequenceConflict error; the coordinator never retries it.
func (c *Coordinator) Handle(ctx context.Context, command book.CommandBook) (book.EventBook, error) {
	started := c.now()
	ctx, span := c.tracer().Start(ctx, "Coordinator.Handle", trace.WithAttributes(coverAttributes(command.Cover)...))
	defer span.End()

	result, outcome, err := c.handle(ctx, command)
	c.recorder().CommandHandled(command.Cover.Domain, outcome, c.now().Sub(started))
	span.SetAttributes(attribute.String("evcoord.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	}
	return result, err
}

func (c *Coordinator) handle(ctx context.Context, command book.CommandBook) (book.EventBook, Outcome, error) {
	if c.Store == nil {
		return book.EventBook{}, OutcomeFailed, ErrStoreRequired
	}
	if err := ctx.Err(); err != nil {
		return book.EventBook{}, OutcomeFailed, apperrors.FromContext(err)
	}
	logic, err := c.route(command)
	if err != nil {
		return book.EventBook{}, OutcomeInvalid, err
	}
	cover := command.Cover

	prior, err := storage.LoadEventBook(ctx, c.Store, cover)
	if err != nil {
		return book.EventBook{}, OutcomeFailed, storage.UnavailableError("load "+cover.String(), err)
	}

	decided, err := c.decide(ctx, logic, command, prior)
	if err != nil {
		return book.EventBook{}, outcomeOf(err), err
	}
	if len(decided.pages) == 0 {
		return book.EventBook{Cover: cover, CorrelationID: cover.CorrelationID}, OutcomeNoop, nil
	}

	// Nothing is written once the caller has given up.
	if err := ctx.Err(); err != nil {
		return book.EventBook{}, OutcomeFailed, apperrors.FromContext(err)
	}
	if err := c.Store.Append(ctx, cover, decided.pages); err != nil {
		if apperrors.HasCode(err, apperrors.CodeSequenceConflict) {
			c.recorder().AppendConflict(cover.Domain)
			c.logger().Info("append lost sequence race",
				zap.Stringer("cover", cover),
				zap.Uint64("first_sequence", decided.pages[0].Sequence),
				zap.String("correlation_id", cover.CorrelationID),
			)
			return book.EventBook{}, OutcomeConflict, err
		}
		return book.EventBook{}, OutcomeFailed, storage.UnavailableError("append "+cover.String(), err)
	}

	persisted := book.EventBook{
		Cover:         cover,
		Pages:         decided.pages,
		CorrelationID: cover.CorrelationID,
	}
	if decided.snapshot != nil {
		c.writeSnapshot(ctx, cover, *decided.snapshot)
	}

	if err := c.publish(ctx, command, persisted); err != nil {
		return persisted, OutcomeUnpublished, err
	}
	return persisted, OutcomeAccepted, nil
}

// Speculate runs business logic against prior without touching the store or
// the bus. It answers "what would this command produce" for callers that
// already hold the aggregate's history.
func (c *Coordinator) Speculate(ctx context.Context, command book.CommandBook, prior book.EventBook) (book.EventBook, error) {
	ctx, span := c.tracer().Start(ctx, "Coordinator.Speculate", trace.WithAttributes(coverAttributes(command.Cover)...))
	defer span.End()

	result, err := c.speculate(ctx, command, prior)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	}
	return result, err
}

func (c *Coordinator) speculate(ctx context.Context, command book.CommandBook, prior book.EventBook) (book.EventBook, error) {
	if err := ctx.Err(); err != nil {
		return book.EventBook{}, apperrors.FromContext(err)
	}
	logic, err := c.route(command)
	if err != nil {
		return book.EventBook{}, err
	}
	if prior.Cover.Domain == "" {
		prior.Cover = command.Cover
	} else if prior.Cover.Key() != command.Cover.Key() {
		return book.EventBook{}, apperrors.New(apperrors.CodeCoverInvalid,
			fmt.Sprintf("prior events belong to %s, command addresses %s", prior.Cover, command.Cover))
	}
	decided, err := c.decide(ctx, logic, command, prior)
	if err != nil {
		return book.EventBook{}, err
	}
	return book.EventBook{
		Cover:         command.Cover,
		Pages:         decided.pages,
		Snapshot:      decided.snapshot,
		CorrelationID: command.Cover.CorrelationID,
	}, nil
}

// route validates the command's structure and resolves its business logic.
func (c *Coordinator) route(command book.CommandBook) (BusinessLogic, error) {
	if err := command.Validate(); err != nil {
		switch {
		case errors.Is(err, book.ErrNoPages):
			return nil, apperrors.Wrap(apperrors.CodeCommandEmpty, err.Error(), err)
		case errors.Is(err, book.ErrMissingCommand):
			return nil, apperrors.Wrap(apperrors.CodeCommandPayloadMissing, err.Error(), err)
		default:
			return nil, err
		}
	}
	if err := command.Cover.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCoverInvalid, err.Error(), err)
	}
	return c.Router.Resolve(command.Cover.Domain)
}

// decide checks the command's expected sequence, calls business logic, and
// validates the sequences it assigned.
func (c *Coordinator) decide(ctx context.Context, logic BusinessLogic, command book.CommandBook, prior book.EventBook) (decision, error) {
	cover := command.Cover
	next := prior.NextSequence()
	if expected, ok := command.ExpectedSequence(); ok && expected != next {
		return decision{}, sequenceMismatch(cover, "command expected", expected, next)
	}

	response, err := logic.Handle(ctx, book.ContextualCommand{
		Command: command.Clone(),
		Events:  prior.Clone(),
	})
	if err != nil {
		return decision{}, classifyHandlerError(err)
	}
	if response.Rejected() {
		return decision{}, apperrors.WithMetadata(apperrors.CodeBusinessRejected, response.Rejection, map[string]string{
			"domain": cover.Domain,
			"root":   cover.Root.String(),
		})
	}
	if response.Events == nil || len(response.Events.Pages) == 0 {
		return decision{}, nil
	}

	produced := response.Events.Clone()
	if produced.Cover.Domain != "" && produced.Cover.Key() != cover.Key() {
		return decision{}, apperrors.New(apperrors.CodeEventsInvalid,
			fmt.Sprintf("business logic returned events for %s, command addresses %s", produced.Cover, cover))
	}
	if err := book.ValidateContiguous(produced.Pages, next); err != nil {
		first := produced.Pages[0].Sequence
		return decision{}, sequenceMismatch(cover, "business logic assigned", first, next)
	}
	created := c.now().UTC()
	for i := range produced.Pages {
		if produced.Pages[i].Event.Type == "" {
			return decision{}, apperrors.New(apperrors.CodeEventsInvalid,
				fmt.Sprintf("event page %d has no type", produced.Pages[i].Sequence))
		}
		produced.Pages[i].CreatedAt = created
	}

	decided := decision{pages: produced.Pages}
	if produced.Snapshot != nil {
		decided.snapshot = &book.Snapshot{
			Sequence: next + uint64(len(produced.Pages)),
			State:    produced.Snapshot.State,
		}
	}
	return decided, nil
}

func (c *Coordinator) writeSnapshot(ctx context.Context, cover book.Cover, snapshot book.Snapshot) {
	if err := c.Store.WriteSnapshot(ctx, cover.Domain, cover.Root, snapshot); err != nil {
		c.logger().Warn("snapshot write failed",
			zap.Stringer("cover", cover),
			zap.Uint64("sequence", snapshot.Sequence),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) publish(ctx context.Context, command book.CommandBook, persisted book.EventBook) error {
	if c.Publisher == nil {
		return nil
	}
	if command.Synchronous() {
		ctx = bus.WithSyncDelivery(ctx)
	}
	if err := c.Publisher.Publish(ctx, persisted.Cover.Domain, persisted.Clone()); err != nil {
		c.logger().Error("events persisted but publish failed",
			zap.Stringer("cover", persisted.Cover),
			zap.Uint64("first_sequence", persisted.Pages[0].Sequence),
			zap.Int("pages", len(persisted.Pages)),
			zap.String("correlation_id", persisted.CorrelationID),
			zap.Error(err),
		)
		return newPublishError(persisted, err)
	}
	return nil
}

func sequenceMismatch(cover book.Cover, what string, got, next uint64) error {
	return apperrors.WithMetadata(
		apperrors.CodeSequenceMismatch,
		fmt.Sprintf("%s sequence %d for %s, next is %d", what, got, cover, next),
		map[string]string{
			"domain":            cover.Domain,
			"root":              cover.Root.String(),
			"expected_sequence": strconv.FormatUint(got, 10),
			"next_sequence":     strconv.FormatUint(next, 10),
		},
	)
}

func outcomeOf(err error) Outcome {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeBusinessRejected:
		return OutcomeRejected
	case apperrors.CodeSequenceMismatch, apperrors.CodeSequenceConflict:
		return OutcomeConflict
	case apperrors.CodeEventsInvalid, apperrors.CodeCommandEmpty, apperrors.CodeCommandPayloadMissing,
		apperrors.CodeCoverInvalid, apperrors.CodeDomainUnknown:
		return OutcomeInvalid
	default:
		return OutcomeFailed
	}
}

func coverAttributes(cover book.Cover) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("evcoord.domain", cover.Domain),
		attribute.String("evcoord.root", cover.Root.String()),
		attribute.String("evcoord.correlation_id", cover.CorrelationID),
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Coordinator) recorder() Recorder {
	if c.Metrics == nil {
		return nopRecorder{}
	}
	return c.Metrics
}

func (c *Coordinator) tracer() trace.Tracer {
	if c.Tracer == nil {
		return otel.Tracer(tracerName)
	}
	return c.Tracer
}
