// Package coordinator exposes the aggregate coordinator over gRPC:
// evcoord.v1.BusinessCoordinator for single commands and speculative runs,
// and evcoord.v1.CommandProxy for streaming the events a command causes
// across every aggregate that shares its correlation ID.
package coordinator

import (
	"context"

	"google.golang.org/grpc"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

const (
	// BusinessCoordinatorService is the fully qualified service name.
	BusinessCoordinatorService = "evcoord.v1.BusinessCoordinator"
	// CommandProxyService is the fully qualified service name.
	CommandProxyService = "evcoord.v1.CommandProxy"

	handleMethod    = "/" + BusinessCoordinatorService + "/Handle"
	speculateMethod = "/" + BusinessCoordinatorService + "/Speculate"
	executeMethod   = "/" + CommandProxyService + "/Execute"
)

// BusinessCoordinatorServer is the server API for evcoord.v1.BusinessCoordinator.
type BusinessCoordinatorServer interface {
	Handle(ctx context.Context, command *book.CommandBook) (*book.EventBook, error)
	Speculate(ctx context.Context, request *book.ContextualCommand) (*book.EventBook, error)
}

// CommandProxyServer is the server API for evcoord.v1.CommandProxy.
type CommandProxyServer interface {
	Execute(command *book.CommandBook, stream ExecuteStream) error
}

// ExecuteStream is the server side of CommandProxy.Execute.
type ExecuteStream interface {
	Send(*book.EventBook) error
	grpc.ServerStream
}

// RegisterBusinessCoordinatorServer registers srv with s.
func RegisterBusinessCoordinatorServer(s grpc.ServiceRegistrar, srv BusinessCoordinatorServer) {
	s.RegisterService(&businessCoordinatorDesc, srv)
}

// RegisterCommandProxyServer registers srv with s.
func RegisterCommandProxyServer(s grpc.ServiceRegistrar, srv CommandProxyServer) {
	s.RegisterService(&commandProxyDesc, srv)
}

var businessCoordinatorDesc = grpc.ServiceDesc{
	ServiceName: BusinessCoordinatorService,
	HandlerType: (*BusinessCoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handle", Handler: handleHandler},
		{MethodName: "Speculate", Handler: speculateHandler},
	},
	Metadata: "evcoord/v1/evcoord.proto",
}

var commandProxyDesc = grpc.ServiceDesc{
	ServiceName: CommandProxyService,
	HandlerType: (*CommandProxyServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Execute", Handler: executeHandler, ServerStreams: true},
	},
	Metadata: "evcoord/v1/evcoord.proto",
}

func handleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(book.CommandBook)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BusinessCoordinatorServer).Handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: handleMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BusinessCoordinatorServer).Handle(ctx, req.(*book.CommandBook))
	}
	return interceptor(ctx, in, info, handler)
}

func speculateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(book.ContextualCommand)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BusinessCoordinatorServer).Speculate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: speculateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BusinessCoordinatorServer).Speculate(ctx, req.(*book.ContextualCommand))
	}
	return interceptor(ctx, in, info, handler)
}

func executeHandler(srv any, stream grpc.ServerStream) error {
	in := new(book.CommandBook)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CommandProxyServer).Execute(in, &executeStream{stream})
}

type executeStream struct {
	grpc.ServerStream
}

func (s *executeStream) Send(events *book.EventBook) error {
	return s.ServerStream.SendMsg(events)
}
