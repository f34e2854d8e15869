package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "dlistash.DLI"

	MethodOpen  = "/" + ServiceName + "/Open"
	MethodCall  = "/" + ServiceName + "/Call"
	MethodClose = "/" + ServiceName + "/Close"
)

// DLIServer methods of the call boundary. Every message is a structpb.Struct.
type DLIServer interface {
	Open(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Call(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Close(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unary(name string, full string, fn func(DLIServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(DLIServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(DLIServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DLIServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Open", MethodOpen, DLIServer.Open),
		unary("Call", MethodCall, DLIServer.Call),
		unary("Close", MethodClose, DLIServer.Close),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dlistash/dli",
}

func RegisterDLIServer(s grpc.ServiceRegistrar, srv DLIServer) {
	s.RegisterService(&ServiceDesc, srv)
}
