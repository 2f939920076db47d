package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// DocumentServer is the typed mirror of the dynamic surface: requests
// carry an advisory type name that is echoed back so clients can
// rehydrate into the right shape without inspecting payloads. The server
// never interprets it.
type DocumentServer struct {
	dynamic *DynamicServer
}

type TypedInsertRequest struct {
	InsertRequest
	TypeName string `json:"typeName,omitempty"`
}

type TypedInsertResponse struct {
	InsertResponse
	TypeName string `json:"typeName,omitempty"`
}

type TypedFindByIDRequest struct {
	FindByIDRequest
	TypeName string `json:"typeName,omitempty"`
}

type TypedFindByIDResponse struct {
	FindByIDResponse
	TypeName string `json:"typeName,omitempty"`
}

type TypedUpdateRequest struct {
	UpdateRequest
	TypeName string `json:"typeName,omitempty"`
}

type TypedDeleteRequest struct {
	DeleteRequest
	TypeName string `json:"typeName,omitempty"`
}

type TypedQueryRequest struct {
	QueryRequest
	TypeName string `json:"typeName,omitempty"`
}

func (s *DocumentServer) Insert(ctx context.Context, req *TypedInsertRequest) (*TypedInsertResponse, error) {
	var resp, err = s.dynamic.Insert(ctx, &req.InsertRequest)
	if err != nil {
		return nil, err
	}
	return &TypedInsertResponse{InsertResponse: *resp, TypeName: req.TypeName}, nil
}

func (s *DocumentServer) FindByID(ctx context.Context, req *TypedFindByIDRequest) (*TypedFindByIDResponse, error) {
	var resp, err = s.dynamic.FindByID(ctx, &req.FindByIDRequest)
	if err != nil {
		return nil, err
	}
	return &TypedFindByIDResponse{FindByIDResponse: *resp, TypeName: req.TypeName}, nil
}

func (s *DocumentServer) Update(ctx context.Context, req *TypedUpdateRequest) (*UpdateResponse, error) {
	return s.dynamic.Update(ctx, &req.UpdateRequest)
}

func (s *DocumentServer) Delete(ctx context.Context, req *TypedDeleteRequest) (*DeleteResponse, error) {
	return s.dynamic.Delete(ctx, &req.DeleteRequest)
}

// Query streams like the dynamic service; the type name rides the stream
// header so the binary chunks stay payload-only.
func (s *DocumentServer) Query(req *TypedQueryRequest, stream grpc.ServerStream) error {
	if req.TypeName != "" {
		if err := stream.SetHeader(metadata.Pairs("x-type-name", req.TypeName)); err != nil {
			return err
		}
	}
	return s.dynamic.Query(&req.QueryRequest, stream)
}

// DocumentServiceDesc is the hand-written dispatch table of the service.
var DocumentServiceDesc = grpc.ServiceDesc{
	ServiceName: "blite.Document",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Insert", Handler: unary("/blite.Document/Insert",
			func(s *DocumentServer, ctx context.Context, req *TypedInsertRequest) (interface{}, error) { return s.Insert(ctx, req) })},
		{MethodName: "FindByID", Handler: unary("/blite.Document/FindByID",
			func(s *DocumentServer, ctx context.Context, req *TypedFindByIDRequest) (interface{}, error) { return s.FindByID(ctx, req) })},
		{MethodName: "Update", Handler: unary("/blite.Document/Update",
			func(s *DocumentServer, ctx context.Context, req *TypedUpdateRequest) (interface{}, error) { return s.Update(ctx, req) })},
		{MethodName: "Delete", Handler: unary("/blite.Document/Delete",
			func(s *DocumentServer, ctx context.Context, req *TypedDeleteRequest) (interface{}, error) { return s.Delete(ctx, req) })},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Query", ServerStreams: true,
			Handler: serverStream(func(s *DocumentServer, req *TypedQueryRequest, stream grpc.ServerStream) error { return s.Query(req, stream) })},
	},
	Metadata: "rpc/document.go",
}
