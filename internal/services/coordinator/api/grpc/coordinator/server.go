package coordinator

import (
	"context"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// Handler is the coordinator capability the gRPC service fronts;
// *engine.Coordinator implements it.
type Handler interface {
	Handle(ctx context.Context, command book.CommandBook) (book.EventBook, error)
	Speculate(ctx context.Context, command book.CommandBook, prior book.EventBook) (book.EventBook, error)
}

// Service implements BusinessCoordinatorServer.
type Service struct {
	handler Handler
}

// NewService creates the BusinessCoordinator service.
func NewService(handler Handler) *Service {
	return &Service{handler: handler}
}

// Handle processes one command book. A publish failure after the events were
// stored still surfaces as an error; the events are durable and the caller
// must not resend the command.
func (s *Service) Handle(ctx context.Context, command *book.CommandBook) (*book.EventBook, error) {
	if command == nil {
		command = &book.CommandBook{}
	}
	events, err := s.handler.Handle(ctx, *command)
	if err != nil {
		return nil, err
	}
	return &events, nil
}

// Speculate runs business logic against the caller's prior events without
// persisting or publishing.
func (s *Service) Speculate(ctx context.Context, request *book.ContextualCommand) (*book.EventBook, error) {
	if request == nil {
		request = &book.ContextualCommand{}
	}
	events, err := s.handler.Speculate(ctx, request.Command, request.Events)
	if err != nil {
		return nil, err
	}
	return &events, nil
}
