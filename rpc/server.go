package rpc

import (
	"net"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// Server hosts the five services on one grpc server.
type Server struct {
	backend *Backend
	grpc    *grpc.Server
}

// NewServer builds the grpc server: frame codec forced, prometheus and
// auth interceptors chained in that order so metrics see unauthenticated
// calls too.
func NewServer(backend *Backend) *Server {
	var gs = grpc.NewServer(
		grpc.ForceServerCodec(FrameCodec{}),
		grpc.ChainUnaryInterceptor(
			grpc_prometheus.UnaryServerInterceptor,
			AuthUnaryInterceptor(backend.Store),
		),
		grpc.ChainStreamInterceptor(
			grpc_prometheus.StreamServerInterceptor,
			AuthStreamInterceptor(backend.Store),
		),
	)
	var dynamic = &DynamicServer{Backend: backend}
	gs.RegisterService(&MetadataServiceDesc, &MetadataServer{Backend: backend})
	gs.RegisterService(&DynamicServiceDesc, dynamic)
	gs.RegisterService(&DocumentServiceDesc, &DocumentServer{dynamic: dynamic})
	gs.RegisterService(&TransactionServiceDesc, &TransactionServer{Backend: backend})
	gs.RegisterService(&AdminServiceDesc, &AdminServer{Backend: backend})
	grpc_prometheus.Register(gs)

	return &Server{backend: backend, grpc: gs}
}

// Serve blocks serving |lis| until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	log.WithField("addr", lis.Addr().String()).Info("serving binary surface")
	return s.grpc.Serve(lis)
}

// GracefulStop drains in-flight calls and stops.
func (s *Server) GracefulStop() { s.grpc.GracefulStop() }
