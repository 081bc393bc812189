package handlers

import (
	"context"

	"google.golang.org/grpc"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/wire"
)

func invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, in, out any) error {
	if err := conn.Invoke(ctx, method, in, out, grpc.CallContentSubtype(wire.CodecName)); err != nil {
		return apperrors.FromGRPC(err)
	}
	return nil
}

// BusinessLogicClient calls a remote evcoord.v1.BusinessLogic service. It
// implements engine.BusinessLogic.
type BusinessLogicClient struct {
	conn grpc.ClientConnInterface
}

// NewBusinessLogicClient wraps conn.
func NewBusinessLogicClient(conn grpc.ClientConnInterface) *BusinessLogicClient {
	return &BusinessLogicClient{conn: conn}
}

// Handle implements engine.BusinessLogic.
func (c *BusinessLogicClient) Handle(ctx context.Context, command book.ContextualCommand) (book.BusinessResponse, error) {
	out := new(book.BusinessResponse)
	if err := invoke(ctx, c.conn, "/"+BusinessLogicService+"/Handle", &command, out); err != nil {
		return book.BusinessResponse{}, err
	}
	return *out, nil
}

// ReactorClient calls a remote saga or process manager. It implements
// reactor.Reactor.
type ReactorClient struct {
	conn          grpc.ClientConnInterface
	prepareMethod string
	handleMethod  string
}

// NewSagaClient wraps conn as an evcoord.v1.Saga client.
func NewSagaClient(conn grpc.ClientConnInterface) *ReactorClient {
	return &ReactorClient{
		conn:          conn,
		prepareMethod: "/" + SagaService + "/Prepare",
		handleMethod:  "/" + SagaService + "/Execute",
	}
}

// NewProcessManagerClient wraps conn as an evcoord.v1.ProcessManager client.
func NewProcessManagerClient(conn grpc.ClientConnInterface) *ReactorClient {
	return &ReactorClient{
		conn:          conn,
		prepareMethod: "/" + ProcessManagerService + "/Prepare",
		handleMethod:  "/" + ProcessManagerService + "/Handle",
	}
}

// Prepare implements reactor.Reactor.
func (c *ReactorClient) Prepare(ctx context.Context, source book.EventBook) ([]book.Cover, error) {
	out := new(wire.PrepareResponse)
	if err := invoke(ctx, c.conn, c.prepareMethod, &source, out); err != nil {
		return nil, err
	}
	return out.Destinations, nil
}

// Handle implements reactor.Reactor.
func (c *ReactorClient) Handle(ctx context.Context, source book.EventBook, destinations []book.EventBook) ([]book.CommandBook, error) {
	in := &wire.ReactorRequest{Source: source, Destinations: destinations}
	out := new(wire.ReactorResponse)
	if err := invoke(ctx, c.conn, c.handleMethod, in, out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// ProjectorClient calls a remote evcoord.v1.Projector. It implements
// reactor.Projector.
type ProjectorClient struct {
	conn grpc.ClientConnInterface
}

// NewProjectorClient wraps conn.
func NewProjectorClient(conn grpc.ClientConnInterface) *ProjectorClient {
	return &ProjectorClient{conn: conn}
}

// Handle implements reactor.Projector.
func (c *ProjectorClient) Handle(ctx context.Context, events book.EventBook) error {
	return invoke(ctx, c.conn, "/"+ProjectorService+"/Handle", &events, new(wire.Empty))
}

// HandleSync implements reactor.Projector.
func (c *ProjectorClient) HandleSync(ctx context.Context, events book.EventBook) (book.Projection, error) {
	out := new(book.Projection)
	if err := invoke(ctx, c.conn, "/"+ProjectorService+"/HandleSync", &events, out); err != nil {
		return book.Projection{}, err
	}
	return *out, nil
}
