package rpc

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/blitedb/blite/fault"
)

// TransactionServer begins, commits, and rolls back explicit
// transactions. Writes join a transaction by carrying its id on the
// dynamic or document surface.
type TransactionServer struct {
	*Backend
}

func (s *TransactionServer) Begin(ctx context.Context, req *BeginRequest) (*BeginResponse, error) {
	var u, dbID, _, err = s.target(ctx, req.DB)
	if err != nil {
		return nil, err
	}
	sess, err := s.Txns.Begin(ctx, u.Name, dbID)
	if err != nil {
		return nil, err
	}
	return &BeginResponse{TxnID: sess.ID.String()}, nil
}

func (s *TransactionServer) Commit(ctx context.Context, req *TxnRequest) (*Empty, error) {
	var u, err = requireUser(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(req.TxnID)
	if err != nil {
		return nil, fault.Errorf(fault.InvalidInput, "malformed transaction id %q", req.TxnID)
	}
	if err = s.Txns.Commit(id, u.Name); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *TransactionServer) Rollback(ctx context.Context, req *TxnRequest) (*Empty, error) {
	var u, err = requireUser(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(req.TxnID)
	if err != nil {
		return nil, fault.Errorf(fault.InvalidInput, "malformed transaction id %q", req.TxnID)
	}
	if err = s.Txns.Rollback(id, u.Name); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// TransactionServiceDesc is the hand-written dispatch table of the service.
var TransactionServiceDesc = grpc.ServiceDesc{
	ServiceName: "blite.Transaction",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Begin", Handler: unary("/blite.Transaction/Begin",
			func(s *TransactionServer, ctx context.Context, req *BeginRequest) (interface{}, error) { return s.Begin(ctx, req) })},
		{MethodName: "Commit", Handler: unary("/blite.Transaction/Commit",
			func(s *TransactionServer, ctx context.Context, req *TxnRequest) (interface{}, error) { return s.Commit(ctx, req) })},
		{MethodName: "Rollback", Handler: unary("/blite.Transaction/Rollback",
			func(s *TransactionServer, ctx context.Context, req *TxnRequest) (interface{}, error) { return s.Rollback(ctx, req) })},
	},
	Metadata: "rpc/transaction.go",
}
