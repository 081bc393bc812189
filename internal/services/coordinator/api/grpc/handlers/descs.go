// Package handlers connects the coordinator to out-of-process handlers:
// business logic, sagas, process managers and projectors. Clients adapt the
// remote services to the engine and reactor interfaces; servers let Go
// handler authors expose their implementations with the same contract.
package handlers

import (
	"context"

	"google.golang.org/grpc"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
	"github.com/louisbranch/evcoord/internal/services/coordinator/wire"
)

const (
	BusinessLogicService  = "evcoord.v1.BusinessLogic"
	SagaService           = "evcoord.v1.Saga"
	ProcessManagerService = "evcoord.v1.ProcessManager"
	ProjectorService      = "evcoord.v1.Projector"
)

// BusinessLogicServer is the server API for evcoord.v1.BusinessLogic.
type BusinessLogicServer interface {
	Handle(ctx context.Context, command *book.ContextualCommand) (*book.BusinessResponse, error)
}

// ReactorServer is the server API shared by evcoord.v1.Saga and
// evcoord.v1.ProcessManager. Saga names the second phase Execute; process
// managers name it Handle.
type ReactorServer interface {
	Prepare(ctx context.Context, source *book.EventBook) (*wire.PrepareResponse, error)
	Handle(ctx context.Context, request *wire.ReactorRequest) (*wire.ReactorResponse, error)
}

// ProjectorServer is the server API for evcoord.v1.Projector.
type ProjectorServer interface {
	Handle(ctx context.Context, events *book.EventBook) (*wire.Empty, error)
	HandleSync(ctx context.Context, events *book.EventBook) (*book.Projection, error)
}

// RegisterBusinessLogicServer registers srv with s.
func RegisterBusinessLogicServer(s grpc.ServiceRegistrar, srv BusinessLogicServer) {
	s.RegisterService(&businessLogicDesc, srv)
}

// RegisterSagaServer registers srv with s as evcoord.v1.Saga.
func RegisterSagaServer(s grpc.ServiceRegistrar, srv ReactorServer) {
	s.RegisterService(reactorDesc(SagaService, "Execute"), srv)
}

// RegisterProcessManagerServer registers srv with s as evcoord.v1.ProcessManager.
func RegisterProcessManagerServer(s grpc.ServiceRegistrar, srv ReactorServer) {
	s.RegisterService(reactorDesc(ProcessManagerService, "Handle"), srv)
}

// RegisterProjectorServer registers srv with s.
func RegisterProjectorServer(s grpc.ServiceRegistrar, srv ProjectorServer) {
	s.RegisterService(&projectorDesc, srv)
}

var businessLogicDesc = grpc.ServiceDesc{
	ServiceName: BusinessLogicService,
	HandlerType: (*BusinessLogicServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Handle",
			Handler: unary(BusinessLogicService+"/Handle", func(srv any, ctx context.Context, in *book.ContextualCommand) (*book.BusinessResponse, error) {
				return srv.(BusinessLogicServer).Handle(ctx, in)
			}),
		},
	},
	Metadata: "evcoord/v1/evcoord.proto",
}

func reactorDesc(service, handleName string) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*ReactorServer)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Prepare",
				Handler: unary(service+"/Prepare", func(srv any, ctx context.Context, in *book.EventBook) (*wire.PrepareResponse, error) {
					return srv.(ReactorServer).Prepare(ctx, in)
				}),
			},
			{
				MethodName: handleName,
				Handler: unary(service+"/"+handleName, func(srv any, ctx context.Context, in *wire.ReactorRequest) (*wire.ReactorResponse, error) {
					return srv.(ReactorServer).Handle(ctx, in)
				}),
			},
		},
		Metadata: "evcoord/v1/evcoord.proto",
	}
}

var projectorDesc = grpc.ServiceDesc{
	ServiceName: ProjectorService,
	HandlerType: (*ProjectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Handle",
			Handler: unary(ProjectorService+"/Handle", func(srv any, ctx context.Context, in *book.EventBook) (*wire.Empty, error) {
				return srv.(ProjectorServer).Handle(ctx, in)
			}),
		},
		{
			MethodName: "HandleSync",
			Handler: unary(ProjectorService+"/HandleSync", func(srv any, ctx context.Context, in *book.EventBook) (*book.Projection, error) {
				return srv.(ProjectorServer).HandleSync(ctx, in)
			}),
		},
	},
	Metadata: "evcoord/v1/evcoord.proto",
}

// unary builds a grpc.MethodHandler that decodes Req and dispatches through
// the server's interceptor chain.
func unary[Req, Resp any](method string, call func(srv any, ctx context.Context, in *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
