package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/blitedb/blite/identity"
)

// dictAnchor is the default logical collection name permission checks
// for dictionary operations run against. Clients scoped to a narrower
// namespace may name one of their own collections instead.
const dictAnchor = "_dict"

func anchorOr(a string) string {
	if a != "" {
		return a
	}
	return dictAnchor
}

// MetadataServer serves the global field-name dictionary: clients fetch
// the key map once, register the names they intend to write, and encode
// documents with the returned ids from then on.
type MetadataServer struct {
	*Backend
}

func (s *MetadataServer) GetKeyMap(ctx context.Context, req *GetKeyMapRequest) (*KeyMapResponse, error) {
	var u, _, e, err = s.target(ctx, req.DB)
	if err != nil {
		return nil, err
	}
	if err = identity.Check(u, anchorOr(req.Anchor), identity.OpQuery); err != nil {
		return nil, err
	}
	var pairs = e.Dict().Snapshot()
	var out = &KeyMapResponse{Pairs: make([]KeyPair, 0, len(pairs))}
	for _, p := range pairs {
		out.Pairs = append(out.Pairs, KeyPair{Name: p.Name, ID: p.ID})
	}
	return out, nil
}

// RegisterKeys assigns ids to new names and returns the mapping for the
// requested names, already-known ones included.
func (s *MetadataServer) RegisterKeys(ctx context.Context, req *RegisterKeysRequest) (*KeyMapResponse, error) {
	var u, _, e, err = s.target(ctx, req.DB)
	if err != nil {
		return nil, err
	}
	if err = identity.Check(u, anchorOr(req.Anchor), identity.OpInsert); err != nil {
		return nil, err
	}
	mapping, err := e.RegisterFields(req.Names)
	if err != nil {
		return nil, err
	}
	var out = &KeyMapResponse{Pairs: make([]KeyPair, 0, len(mapping))}
	for name, id := range mapping {
		out.Pairs = append(out.Pairs, KeyPair{Name: name, ID: id})
	}
	return out, nil
}

// MetadataServiceDesc is the hand-written dispatch table of the service.
var MetadataServiceDesc = grpc.ServiceDesc{
	ServiceName: "blite.Metadata",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetKeyMap", Handler: unary("/blite.Metadata/GetKeyMap",
			func(s *MetadataServer, ctx context.Context, req *GetKeyMapRequest) (interface{}, error) { return s.GetKeyMap(ctx, req) })},
		{MethodName: "RegisterKeys", Handler: unary("/blite.Metadata/RegisterKeys",
			func(s *MetadataServer, ctx context.Context, req *RegisterKeysRequest) (interface{}, error) { return s.RegisterKeys(ctx, req) })},
	},
	Metadata: "rpc/metadata.go",
}
