package rpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/blitedb/blite/fault"
	"github.com/blitedb/blite/identity"
)

type userCtxKey struct{}

// UserFromContext returns the authenticated user placed by the auth
// interceptors.
func UserFromContext(ctx context.Context) (*identity.User, bool) {
	var u, ok = ctx.Value(userCtxKey{}).(*identity.User)
	return u, ok
}

func withUser(ctx context.Context, u *identity.User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// keyFromMetadata extracts the API key from `x-api-key` or a bearer
// `authorization` header.
func keyFromMetadata(ctx context.Context) string {
	var md, ok = metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get("x-api-key"); len(vals) != 0 {
		return strings.TrimSpace(vals[0])
	}
	if vals := md.Get("authorization"); len(vals) != 0 {
		var v = strings.TrimSpace(vals[0])
		if strings.HasPrefix(strings.ToLower(v), "bearer ") {
			return strings.TrimSpace(v[len("bearer "):])
		}
	}
	return ""
}

func authenticate(ctx context.Context, store *identity.Store) (context.Context, error) {
	var key = keyFromMetadata(ctx)
	if key == "" {
		return nil, fault.Errorf(fault.MissingKey, "missing API key")
	}
	var u, err = store.Authenticate(key)
	if err != nil {
		return nil, err
	}
	return withUser(ctx, u), nil
}

// AuthUnaryInterceptor authenticates every unary call against |store|.
func AuthUnaryInterceptor(store *identity.Store) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		var authed, err = authenticate(ctx, store)
		if err != nil {
			return nil, asStatus(err)
		}
		resp, err := handler(authed, req)
		return resp, asStatus(err)
	}
}

// AuthStreamInterceptor authenticates every stream against |store|.
func AuthStreamInterceptor(store *identity.Store) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		var authed, err = authenticate(ss.Context(), store)
		if err != nil {
			return asStatus(err)
		}
		return asStatus(handler(srv, &wrappedStream{ServerStream: ss, ctx: authed}))
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

// requireUser is the per-handler fetch; the interceptors guarantee it.
func requireUser(ctx context.Context) (*identity.User, error) {
	var u, ok = UserFromContext(ctx)
	if !ok {
		return nil, fault.Errorf(fault.MissingKey, "missing API key")
	}
	return u, nil
}
