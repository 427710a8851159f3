package ipc

import (
	"context"

	"google.golang.org/grpc"
)

// collaboratorServiceName is the gRPC service name under which the
// single-method Collaborator service is registered. It has no .proto file
// behind it: the raw codec makes message definitions unnecessary, so the
// service descriptor below is written out by hand instead of generated.
const collaboratorServiceName = "buildxl.ipc.Collaborator"

// exchangeMethod is the full gRPC method name used for every Ipc pip
// invocation.
const exchangeMethod = "/" + collaboratorServiceName + "/Exchange"

// CollaboratorServer is implemented by an external collaborator process
// that wishes to serve Ipc pip requests over this package's transport.
// pkg/executor never implements this interface itself — it only dials out
// through Provider — but a test harness or a standalone collaborator
// binary can use it to stand up a real server.
type CollaboratorServer interface {
	// Exchange handles one pip's payload and returns its result, or an
	// error to fail the pip (§6: "send(payload) -> result").
	Exchange(ctx context.Context, payload []byte) ([]byte, error)
}

// RegisterCollaboratorServer registers an implementation of
// CollaboratorServer on a gRPC server.
func RegisterCollaboratorServer(server *grpc.Server, impl CollaboratorServer) {
	server.RegisterService(&collaboratorServiceDesc, impl)
}

func exchangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var request message
	if err := dec(&request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollaboratorServer).Exchange(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: exchangeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CollaboratorServer).Exchange(ctx, req.(message))
	}
	return interceptor(ctx, request, info, handler)
}

var collaboratorServiceDesc = grpc.ServiceDesc{
	ServiceName: collaboratorServiceName,
	HandlerType: (*CollaboratorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exchange",
			Handler:    exchangeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/ipc/service.go",
}

// callExchange invokes the Exchange method on an established connection,
// using the raw-bytes codec so the payload crosses the wire unmodified.
func callExchange(ctx context.Context, conn *grpc.ClientConn, payload []byte) ([]byte, error) {
	var reply message
	if err := conn.Invoke(ctx, exchangeMethod, message(payload), &reply, grpc.CallContentSubtype(rawCodecName)); err != nil {
		return nil, err
	}
	return reply, nil
}
