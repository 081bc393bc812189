package reactor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/engine"
	"github.com/louisbranch/evcoord/internal/services/coordinator/storage"
)

const defaultMaxAttempts = 3

// Dispatcher runs a Reactor as a bus subscriber.
type Dispatcher struct {
	Name        string
	Domains     []string
	Reactor     Reactor
	Store       storage.EventStore
	Commands    CommandSink
	DeadLetters bus.DeadLetterSink
	// MaxAttempts bounds how often a reaction is re-planned after its
	// commands lose a sequence race.
	MaxAttempts int
	Logger      *zap.Logger
}

// planned identifies a command by its target and its position among the
// plan's commands for that target, so a re-plan can recognise it.
type planned struct {
	target book.AggregateKey
	ordinal int
}

type lostRace struct {
	command book.CommandBook
	err     error
}

// Subscriber registers the dispatcher on a bus.
func (d *Dispatcher) Subscriber() bus.Subscriber {
	return bus.Subscriber{Name: d.Name, Domains: d.Domains, Handler: d.Dispatch}
}

// Dispatch reacts to source. A returned error asks the bus to redeliver;
// failures that redelivery cannot fix are dead-lettered instead.
func (d *Dispatcher) Dispatch(ctx context.Context, source book.EventBook) error {
	if d.Reactor == nil || d.Commands == nil {
		return fmt.Errorf("dispatcher %s requires a reactor and a command sink", d.Name)
	}
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	// Commands accepted on an earlier attempt are not resubmitted when the
	// reaction is re-planned.
	accepted := map[planned]bool{}
	var conflicted []lostRace
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		commands, err := d.plan(ctx, source)
		if err != nil {
			return d.reactorFailed(ctx, source, err)
		}
		conflicted = conflicted[:0]
		ordinals := make(map[book.AggregateKey]int, len(commands))
		for _, command := range commands {
			target := command.Cover.Key()
			key := planned{target: target, ordinal: ordinals[target]}
			ordinals[target]++
			if accepted[key] {
				continue
			}
			err := d.submit(ctx, source, command)
			switch {
			case err == nil, errors.Is(err, errDeadLettered):
				accepted[key] = true
			case isSequenceError(err):
				conflicted = append(conflicted, lostRace{command: command, err: err})
				d.logger().Info("reaction lost sequence race",
					zap.String("reactor", d.Name),
					zap.Stringer("source", source.Cover),
					zap.Stringer("target", command.Cover),
					zap.Int("attempt", attempt),
				)
			default:
				return err
			}
		}
		if len(conflicted) == 0 {
			return nil
		}
	}

	for _, lost := range conflicted {
		d.deadLetterCommand(ctx, source, lost.command, "sequence conflict retries exhausted", book.RejectionDetails{
			Kind:    book.RejectionSequenceMismatch,
			Message: lost.err.Error(),
		}, lost.err)
	}
	return nil
}

// plan runs Prepare, loads every destination concurrently, then runs Handle.
func (d *Dispatcher) plan(ctx context.Context, source book.EventBook) ([]book.CommandBook, error) {
	covers, err := d.Reactor.Prepare(ctx, source.Clone())
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	destinations, err := d.load(ctx, covers)
	if err != nil {
		return nil, err
	}
	commands, err := d.Reactor.Handle(ctx, source.Clone(), destinations)
	if err != nil {
		return nil, fmt.Errorf("handle: %w", err)
	}
	stampExpectedSequences(commands, destinations)
	for i := range commands {
		if commands[i].Cover.CorrelationID == "" {
			commands[i].Cover.CorrelationID = source.CorrelationID
		}
	}
	return commands, nil
}

func (d *Dispatcher) load(ctx context.Context, covers []book.Cover) ([]book.EventBook, error) {
	if len(covers) == 0 {
		return nil, nil
	}
	if d.Store == nil {
		return nil, fmt.Errorf("dispatcher %s needs an event store to load destinations", d.Name)
	}
	destinations := make([]book.EventBook, len(covers))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, cover := range covers {
		group.Go(func() error {
			loaded, err := storage.LoadEventBook(groupCtx, d.Store, cover)
			if err != nil {
				return storage.UnavailableError("load destination "+cover.String(), err)
			}
			destinations[i] = loaded
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return destinations, nil
}

// stampExpectedSequences pins commands addressed to a loaded destination to
// that destination's next sequence when the reactor left it open.
func stampExpectedSequences(commands []book.CommandBook, destinations []book.EventBook) {
	next := make(map[book.AggregateKey]uint64, len(destinations))
	for _, destination := range destinations {
		next[destination.Cover.Key()] = destination.NextSequence()
	}
	for i := range commands {
		if _, ok := commands[i].ExpectedSequence(); ok || len(commands[i].Pages) == 0 {
			continue
		}
		if seq, ok := next[commands[i].Cover.Key()]; ok {
			commands[i].Pages[0].Sequence = seq
			commands[i].Pages[0].HasSequence = true
		}
	}
}

var errDeadLettered = errors.New("command dead-lettered")

// submit hands command to the sink. Outcomes that retrying cannot fix are
// dead-lettered and reported as errDeadLettered.
func (d *Dispatcher) submit(ctx context.Context, source book.EventBook, command book.CommandBook) error {
	_, err := d.Commands.Handle(ctx, command)
	if err == nil {
		return nil
	}
	var publishErr *engine.PublishError
	if errors.As(err, &publishErr) {
		// Persisted; the publish is retried by the bus, not by resubmitting.
		return nil
	}
	switch code := apperrors.CodeOf(err); code {
	case apperrors.CodeSequenceConflict, apperrors.CodeSequenceMismatch:
		return err
	case apperrors.CodeBusinessRejected:
		d.deadLetterCommand(ctx, source, command, "business rejection", book.RejectionDetails{
			Kind:    book.RejectionBusiness,
			Message: err.Error(),
		}, err)
		return errDeadLettered
	case apperrors.CodeCommandEmpty, apperrors.CodeCommandPayloadMissing, apperrors.CodeCoverInvalid,
		apperrors.CodeDomainUnknown, apperrors.CodeEventsInvalid:
		d.deadLetterCommand(ctx, source, command, "invalid command", book.RejectionDetails{
			Kind:    book.RejectionHandlerFailure,
			Message: err.Error(),
		}, err)
		return errDeadLettered
	default:
		return err
	}
}

// reactorFailed redelivers transient reactor failures and dead-letters the
// source book otherwise.
func (d *Dispatcher) reactorFailed(ctx context.Context, source book.EventBook, err error) error {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown || code.Retryable() || code == apperrors.CodeCanceled {
		return err
	}
	letter := book.NewEventDeadLetter(source, d.Name, "reactor failed", book.RejectionDetails{
		Kind:    book.RejectionHandlerFailure,
		Message: err.Error(),
	})
	return d.publishLetter(ctx, letter)
}

// deadLetterCommand routes the letter to the triggering domain's sink.
func (d *Dispatcher) deadLetterCommand(ctx context.Context, source book.EventBook, command book.CommandBook, reason string, details book.RejectionDetails, cause error) {
	var appErr *apperrors.Error
	if errors.As(cause, &appErr) {
		expected := appErr.Metadata["expected_sequence"]
		if expected == "" {
			expected = appErr.Metadata["attempted_sequence"]
		}
		if v, err := strconv.ParseUint(expected, 10, 64); err == nil {
			details.ExpectedSequence = v
		}
		if v, err := strconv.ParseUint(appErr.Metadata["next_sequence"], 10, 64); err == nil {
			details.ActualSequence = v
		}
	}
	letter := book.NewCommandDeadLetter(command, d.Name, reason, details)
	letter.Cover = source.Cover
	letter.Metadata["target_domain"] = command.Cover.Domain
	letter.Metadata["target_root"] = command.Cover.Root.String()
	if err := d.publishLetter(ctx, letter); err != nil {
		d.logger().Error("dead letter lost", zap.Stringer("target", command.Cover), zap.Error(err))
	}
}

func (d *Dispatcher) publishLetter(ctx context.Context, letter book.DeadLetter) error {
	if d.DeadLetters == nil {
		d.logger().Error("no dead-letter sink configured, dropping",
			zap.String("reactor", d.Name),
			zap.Stringer("cover", letter.Cover),
			zap.String("reason", letter.RejectionReason),
		)
		return nil
	}
	if err := d.DeadLetters.PublishDeadLetter(ctx, letter); err != nil {
		return fmt.Errorf("dead-letter %s: %w", letter.Cover, err)
	}
	return nil
}

func isSequenceError(err error) bool {
	code := apperrors.CodeOf(err)
	return code == apperrors.CodeSequenceConflict || code == apperrors.CodeSequenceMismatch
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
