package handlers

import (
	"context"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/engine"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/reactor"
	"github.com/louisbranch/evcoord/internal/services/coordinator/wire"
)

// NewBusinessLogicServer exposes a Go business logic implementation.
func NewBusinessLogicServer(logic engine.BusinessLogic) BusinessLogicServer {
	return businessLogicServer{logic: logic}
}

type businessLogicServer struct {
	logic engine.BusinessLogic
}

func (s businessLogicServer) Handle(ctx context.Context, command *book.ContextualCommand) (*book.BusinessResponse, error) {
	resp, err := s.logic.Handle(ctx, *command)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// NewReactorServer exposes a Go saga or process manager.
func NewReactorServer(r reactor.Reactor) ReactorServer {
	return reactorServer{reactor: r}
}

type reactorServer struct {
	reactor reactor.Reactor
}

func (s reactorServer) Prepare(ctx context.Context, source *book.EventBook) (*wire.PrepareResponse, error) {
	covers, err := s.reactor.Prepare(ctx, *source)
	if err != nil {
		return nil, err
	}
	return &wire.PrepareResponse{Destinations: covers}, nil
}

func (s reactorServer) Handle(ctx context.Context, request *wire.ReactorRequest) (*wire.ReactorResponse, error) {
	commands, err := s.reactor.Handle(ctx, request.Source, request.Destinations)
	if err != nil {
		return nil, err
	}
	return &wire.ReactorResponse{Commands: commands}, nil
}

// NewProjectorServer exposes a Go projector.
func NewProjectorServer(p reactor.Projector) ProjectorServer {
	return projectorServer{projector: p}
}

type projectorServer struct {
	projector reactor.Projector
}

func (s projectorServer) Handle(ctx context.Context, events *book.EventBook) (*wire.Empty, error) {
	if err := s.projector.Handle(ctx, *events); err != nil {
		return nil, err
	}
	return &wire.Empty{}, nil
}

func (s projectorServer) HandleSync(ctx context.Context, events *book.EventBook) (*book.Projection, error) {
	projection, err := s.projector.HandleSync(ctx, *events)
	if err != nil {
		return nil, err
	}
	return &projection, nil
}
