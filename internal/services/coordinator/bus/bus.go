// Package bus defines the event bus contract: at-least-once fan-out of
// persisted EventBooks to subscribers, per-domain dead-letter sinks, and the
// claim-check envelope used by broker backends.
//
// Backends live in subpackages: channel (in-process), amqp (RabbitMQ) and
// kafka. The bus never routes a failure to a dead-letter sink by itself; a
// handler that decides a message is unprocessable publishes the DeadLetter.
package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

var (
	// ErrMalformedPayload marks a message body that cannot be decoded. It is
	// acknowledged and logged, never redelivered or dead-lettered.
	ErrMalformedPayload = errors.New("malformed bus payload")
	// ErrClosed indicates use of a closed bus.
	ErrClosed = errors.New("bus is closed")
)

// Handler processes one delivered book. It receives a private copy.
// Returning an error asks the bus to redeliver.
type Handler func(ctx context.Context, events book.EventBook) error

// DeadLetterHandler processes one dead letter.
type DeadLetterHandler func(ctx context.Context, letter book.DeadLetter) error

// Subscriber declares interest in one or more domains.
type Subscriber struct {
	// Name identifies the subscriber; durable backends derive queue and
	// consumer group names from it.
	Name    string
	Domains []string
	Handler Handler
}

// Validate checks the subscriber can be registered.
func (s Subscriber) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("subscriber name is required")
	}
	if len(s.Domains) == 0 {
		return fmt.Errorf("subscriber %s declares no domains", s.Name)
	}
	if s.Handler == nil {
		return fmt.Errorf("subscriber %s has no handler", s.Name)
	}
	return nil
}

// Accepts reports whether the subscriber declared domain.
func (s Subscriber) Accepts(domain string) bool {
	return slices.Contains(s.Domains, domain)
}

// Subscription is an active registration.
type Subscription interface {
	Close() error
}

// Publisher fans a persisted book out to every subscriber of domain.
type Publisher interface {
	Publish(ctx context.Context, domain string, events book.EventBook) error
}

// DeadLetterSink accepts messages a component gave up on. Letters are
// routed to the sink of letter.Cover.Domain.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, letter book.DeadLetter) error
}

// Bus is the full capability set of a backend.
type Bus interface {
	Publisher
	DeadLetterSink
	Subscribe(ctx context.Context, sub Subscriber) (Subscription, error)
	// SubscribeDeadLetters consumes the dead-letter sinks of domains.
	SubscribeDeadLetters(ctx context.Context, name string, domains []string, handler DeadLetterHandler) (Subscription, error)
	Close() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

// Close implements Subscription.
func (f SubscriptionFunc) Close() error { return f() }
