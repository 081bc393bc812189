package bus

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// Delivery runs broker message bodies through the claim check and into a
// subscriber. Broker backends ack when Deliver returns nil and nack
// otherwise.
type Delivery struct {
	Subscriber  Subscriber
	Claims      *ClaimCheck
	DeadLetters DeadLetterSink
	Logger      *zap.Logger
	Metrics     Metrics
}

func (d Delivery) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Deliver decodes body and invokes the handler.
func (d Delivery) Deliver(ctx context.Context, body []byte) error {
	metrics := MetricsOrNop(d.Metrics)
	events, err := d.Claims.DecodeEvents(ctx, body)
	if err != nil {
		return d.decodeFailed(ctx, err)
	}
	if !d.Subscriber.Accepts(events.Cover.Domain) {
		return nil
	}

	err = d.Subscriber.Handler(ctx, events)
	metrics.Delivered(d.Subscriber.Name, events.Cover.Domain, err)
	if err != nil {
		d.logger().Warn("subscriber failed, requesting redelivery",
			zap.String("subscriber", d.Subscriber.Name),
			zap.Stringer("cover", events.Cover),
			zap.String("correlation_id", events.CorrelationID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (d Delivery) decodeFailed(ctx context.Context, err error) error {
	var retrieval *RetrievalError
	if !errors.As(err, &retrieval) {
		// Retrying cannot fix a decode error.
		MetricsOrNop(d.Metrics).Malformed(d.Subscriber.Name)
		d.logger().Warn("acknowledging malformed bus payload",
			zap.String("subscriber", d.Subscriber.Name),
			zap.Error(err),
		)
		return nil
	}
	if !retrieval.Missing() {
		return err
	}

	letter := book.DeadLetter{
		Cover:           retrieval.Reference.Cover,
		RejectionReason: "claim check payload unavailable",
		Details: book.RejectionDetails{
			Kind:    book.RejectionPayloadRetrieval,
			Message: retrieval.Error(),
		},
		SourceComponent: d.Subscriber.Name,
		OccurredAt:      time.Now().UTC(),
		Metadata:        map[string]string{"blob_key": retrieval.Reference.Key},
	}
	if d.DeadLetters == nil {
		d.logger().Error("claim check payload missing and no dead-letter sink configured",
			zap.String("subscriber", d.Subscriber.Name),
			zap.String("blob_key", retrieval.Reference.Key),
		)
		return nil
	}
	if err := d.DeadLetters.PublishDeadLetter(ctx, letter); err != nil {
		return err
	}
	MetricsOrNop(d.Metrics).DeadLettered(letter.Cover.Domain, d.Subscriber.Name)
	return nil
}

// DeadLetterDelivery runs dead-letter message bodies into a handler.
type DeadLetterDelivery struct {
	Name    string
	Domains []string
	Handler DeadLetterHandler
	Claims  *ClaimCheck
	Logger  *zap.Logger
}

// Deliver decodes body and invokes the handler; malformed bodies are
// acknowledged.
func (d DeadLetterDelivery) Deliver(ctx context.Context, body []byte) error {
	letter, err := d.Claims.DecodeDeadLetter(body)
	if err != nil {
		logger := d.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Warn("acknowledging malformed dead letter", zap.String("consumer", d.Name), zap.Error(err))
		return nil
	}
	if len(d.Domains) > 0 && !slices.Contains(d.Domains, letter.Cover.Domain) {
		return nil
	}
	return d.Handler(ctx, letter)
}
