package coordinator

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/wire"
)

// Client calls a remote coordinator. It implements reactor.CommandSink, so a
// reactor host can submit commands to a coordinator in another process.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Handle calls BusinessCoordinator.Handle.
func (c *Client) Handle(ctx context.Context, command book.CommandBook) (book.EventBook, error) {
	out := new(book.EventBook)
	if err := c.conn.Invoke(ctx, handleMethod, &command, out, grpc.CallContentSubtype(wire.CodecName)); err != nil {
		return book.EventBook{}, apperrors.FromGRPC(err)
	}
	return *out, nil
}

// Speculate calls BusinessCoordinator.Speculate.
func (c *Client) Speculate(ctx context.Context, command book.CommandBook, prior book.EventBook) (book.EventBook, error) {
	in := &book.ContextualCommand{Command: command, Events: prior}
	out := new(book.EventBook)
	if err := c.conn.Invoke(ctx, speculateMethod, in, out, grpc.CallContentSubtype(wire.CodecName)); err != nil {
		return book.EventBook{}, apperrors.FromGRPC(err)
	}
	return *out, nil
}

// Execute calls CommandProxy.Execute and invokes yield for every streamed
// book until the server ends the stream.
func (c *Client) Execute(ctx context.Context, command book.CommandBook, yield func(book.EventBook) error) error {
	stream, err := c.conn.NewStream(ctx, &commandProxyDesc.Streams[0], executeMethod, grpc.CallContentSubtype(wire.CodecName))
	if err != nil {
		return apperrors.FromGRPC(err)
	}
	if err := stream.SendMsg(&command); err != nil {
		return apperrors.FromGRPC(err)
	}
	if err := stream.CloseSend(); err != nil {
		return apperrors.FromGRPC(err)
	}
	for {
		events := new(book.EventBook)
		if err := stream.RecvMsg(events); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return apperrors.FromGRPC(err)
		}
		if err := yield(*events); err != nil {
			return err
		}
	}
}
