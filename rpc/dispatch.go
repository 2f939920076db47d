package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// unary adapts a typed method to the dispatch shape grpc.MethodDesc
// expects, threading the chained interceptor the way generated code does.
func unary[S any, Req any](
	fullMethod string,
	call func(S, context.Context, *Req) (interface{}, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		var in = new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		var handler = func(ctx context.Context, req interface{}) (interface{}, error) {
			var resp, err = call(srv.(S), ctx, req.(*Req))
			return resp, asStatus(err)
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
	}
}

// serverStream adapts a typed server-streaming method.
func serverStream[S any, Req any](
	call func(S, *Req, grpc.ServerStream) error,
) func(interface{}, grpc.ServerStream) error {
	return func(srv interface{}, stream grpc.ServerStream) error {
		var in = new(Req)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return asStatus(call(srv.(S), in, stream))
	}
}
