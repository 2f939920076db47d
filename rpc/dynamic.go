package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/engine"
	"github.com/blitedb/blite/fault"
	"github.com/blitedb/blite/identity"
	"github.com/blitedb/blite/qcache"
	"github.com/blitedb/blite/query"
)

// DynamicServer serves schemaless document operations: CRUD, bulk
// variants, queries, and collection administration.
type DynamicServer struct {
	*Backend
}

func (s *DynamicServer) Insert(ctx context.Context, req *InsertRequest) (*InsertResponse, error) {
	var id, err = s.insertOne(ctx, req.DB, req.Collection, req.TxnID, req.Payload)
	if err != nil {
		return nil, err
	}
	return &InsertResponse{Key: id.Key(), ID: id.String()}, nil
}

func (s *DynamicServer) InsertMany(ctx context.Context, req *InsertManyRequest) (*InsertManyResponse, error) {
	var out = &InsertManyResponse{Keys: make([][]byte, 0, len(req.Payloads))}
	for _, payload := range req.Payloads {
		var id, err = s.insertOne(ctx, req.DB, req.Collection, req.TxnID, payload)
		if err != nil {
			return nil, err
		}
		out.Keys = append(out.Keys, id.Key())
	}
	return out, nil
}

func (s *DynamicServer) insertOne(ctx context.Context, db, col, txnID string, payload []byte) (codec.DocID, error) {
	var u, dbID, e, physical, err = s.collection(ctx, db, col, identity.OpInsert)
	if err != nil {
		return codec.DocID{}, err
	}
	doc, err := decodeDoc(e, payload)
	if err != nil {
		return codec.DocID{}, err
	}
	if txnID != "" {
		sess, err := s.session(txnID, u, dbID)
		if err != nil {
			return codec.DocID{}, err
		}
		id, err := sess.Tx().Insert(physical, doc)
		if err != nil {
			return codec.DocID{}, err
		}
		sess.MarkDirty(physical)
		return id, nil
	}
	id, err := e.Insert(physical, doc)
	if err != nil {
		return codec.DocID{}, err
	}
	s.Cache.Invalidate(dbID, physical)
	return id, nil
}

func (s *DynamicServer) FindByID(ctx context.Context, req *FindByIDRequest) (*FindByIDResponse, error) {
	var u, dbID, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpQuery)
	if err != nil {
		return nil, err
	}
	id, err := codec.ParseKey(req.Key)
	if err != nil {
		return nil, err
	}
	var doc codec.Document
	var found bool
	if req.TxnID != "" {
		sess, err := s.session(req.TxnID, u, dbID)
		if err != nil {
			return nil, err
		}
		doc, found, err = sess.Tx().FindByID(physical, id)
		if err != nil {
			return nil, err
		}
	} else if doc, found, err = e.FindByID(physical, id); err != nil {
		return nil, err
	}
	if !found {
		return &FindByIDResponse{Found: false}, nil
	}
	payload, err := encodeDoc(e, doc)
	if err != nil {
		return nil, err
	}
	return &FindByIDResponse{Payload: payload, Found: true}, nil
}

func (s *DynamicServer) Update(ctx context.Context, req *UpdateRequest) (*UpdateResponse, error) {
	var found, err = s.updateOne(ctx, req.DB, req.Collection, req.TxnID, req.Payload)
	if err != nil {
		return nil, err
	}
	return &UpdateResponse{Found: found}, nil
}

func (s *DynamicServer) UpdateMany(ctx context.Context, req *UpdateManyRequest) (*UpdateManyResponse, error) {
	var out UpdateManyResponse
	for _, payload := range req.Payloads {
		var found, err = s.updateOne(ctx, req.DB, req.Collection, req.TxnID, payload)
		if err != nil {
			return nil, err
		}
		if found {
			out.Matched++
		}
	}
	return &out, nil
}

func (s *DynamicServer) updateOne(ctx context.Context, db, col, txnID string, payload []byte) (bool, error) {
	var u, dbID, e, physical, err = s.collection(ctx, db, col, identity.OpUpdate)
	if err != nil {
		return false, err
	}
	doc, err := decodeDoc(e, payload)
	if err != nil {
		return false, err
	}
	if txnID != "" {
		sess, err := s.session(txnID, u, dbID)
		if err != nil {
			return false, err
		}
		found, err := sess.Tx().Update(physical, doc)
		if err != nil {
			return false, err
		}
		sess.MarkDirty(physical)
		return found, nil
	}
	found, err := e.Update(physical, doc)
	if err != nil {
		return false, err
	}
	s.Cache.Invalidate(dbID, physical)
	return found, nil
}

func (s *DynamicServer) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	var found, err = s.deleteOne(ctx, req.DB, req.Collection, req.TxnID, req.Key)
	if err != nil {
		return nil, err
	}
	return &DeleteResponse{Found: found}, nil
}

func (s *DynamicServer) DeleteMany(ctx context.Context, req *DeleteManyRequest) (*DeleteManyResponse, error) {
	var out DeleteManyResponse
	for _, key := range req.Keys {
		var found, err = s.deleteOne(ctx, req.DB, req.Collection, req.TxnID, key)
		if err != nil {
			return nil, err
		}
		if found {
			out.Deleted++
		}
	}
	return &out, nil
}

func (s *DynamicServer) deleteOne(ctx context.Context, db, col, txnID string, key []byte) (bool, error) {
	var u, dbID, e, physical, err = s.collection(ctx, db, col, identity.OpDelete)
	if err != nil {
		return false, err
	}
	id, err := codec.ParseKey(key)
	if err != nil {
		return false, err
	}
	if txnID != "" {
		sess, err := s.session(txnID, u, dbID)
		if err != nil {
			return false, err
		}
		found, err := sess.Tx().Delete(physical, id)
		if err != nil {
			return false, err
		}
		sess.MarkDirty(physical)
		return found, nil
	}
	found, err := e.Delete(physical, id)
	if err != nil {
		return false, err
	}
	s.Cache.Invalidate(dbID, physical)
	return found, nil
}

// Query streams matching documents. Results are materialised through the
// cache when it is enabled and the database has no open transaction.
func (s *DynamicServer) Query(req *QueryRequest, stream grpc.ServerStream) error {
	var ctx = stream.Context()
	var _, dbID, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpQuery)
	if err != nil {
		return err
	}
	d, err := query.DecodeDescriptor(req.Descriptor)
	if err != nil {
		return err
	}
	d.Collection = physical

	var useCache = s.Cache.Enabled() && !s.Txns.HasActive(dbID)
	var key string
	if useCache {
		key = s.Cache.Key(dbID, physical, qcache.VariantRPCQuery, req.Descriptor)
		if cached, ok := s.Cache.Get(key); ok {
			for _, payload := range cached.Docs {
				if err = stream.SendMsg(&ResultChunk{Payload: payload, Found: true}); err != nil {
					return err
				}
			}
			return nil
		}
	}

	var x = query.NewExecutor(e)
	docs, err := x.ExecuteAll(ctx, d)
	if err != nil {
		return err
	}
	var payloads = make([][]byte, 0, len(docs))
	for _, doc := range docs {
		var payload, err = encodeDoc(e, doc)
		if err != nil {
			return err
		}
		payloads = append(payloads, payload)
		if err = stream.SendMsg(&ResultChunk{Payload: payload, Found: true}); err != nil {
			return err
		}
	}
	if useCache && len(payloads) <= s.Cache.MaxResultSetSize() {
		s.Cache.Set(key, &qcache.Result{Docs: payloads}, dbID, physical)
	}
	return nil
}

func (s *DynamicServer) Count(ctx context.Context, req *CountRequest) (*CountResponse, error) {
	var _, dbID, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpQuery)
	if err != nil {
		return nil, err
	}
	var d *query.Descriptor
	if len(req.Descriptor) != 0 {
		if d, err = query.DecodeDescriptor(req.Descriptor); err != nil {
			return nil, err
		}
	} else {
		d = &query.Descriptor{Take: -1}
	}
	d.Collection = physical

	var useCache = s.Cache.Enabled() && !s.Txns.HasActive(dbID)
	var key string
	if useCache {
		key = s.Cache.Key(dbID, physical, qcache.VariantCount, req.Descriptor)
		if cached, ok := s.Cache.Get(key); ok && cached.Count != nil {
			return &CountResponse{Count: *cached.Count}, nil
		}
	}
	n, err := query.NewExecutor(e).Count(ctx, d)
	if err != nil {
		return nil, err
	}
	if useCache {
		s.Cache.Set(key, &qcache.Result{Count: &n}, dbID, physical)
	}
	return &CountResponse{Count: n}, nil
}

func (s *DynamicServer) ListCollections(ctx context.Context, req *ListCollectionsRequest) (*ListCollectionsResponse, error) {
	var u, _, e, err = s.target(ctx, req.DB)
	if err != nil {
		return nil, err
	}
	if err = identity.Check(u, identity.Wildcard, identity.OpQuery); err != nil {
		return nil, err
	}
	return &ListCollectionsResponse{Collections: identity.Strip(u, e.Collections())}, nil
}

func (s *DynamicServer) DropCollection(ctx context.Context, req *DropCollectionRequest) (*DropCollectionResponse, error) {
	var _, dbID, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpDrop)
	if err != nil {
		return nil, err
	}
	dropped, err := e.DropCollection(physical)
	if err != nil {
		return nil, err
	}
	s.Cache.Invalidate(dbID, physical)
	return &DropCollectionResponse{Dropped: dropped}, nil
}

func (s *DynamicServer) CreateIndex(ctx context.Context, req *CreateIndexRequest) (*Empty, error) {
	var _, _, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpAdmin)
	if err != nil {
		return nil, err
	}
	if err = e.CreateIndex(physical, req.Spec); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *DynamicServer) DropIndex(ctx context.Context, req *DropIndexRequest) (*DropIndexResponse, error) {
	var _, _, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpAdmin)
	if err != nil {
		return nil, err
	}
	dropped, err := e.DropIndex(physical, req.Name)
	if err != nil {
		return nil, err
	}
	return &DropIndexResponse{Dropped: dropped}, nil
}

func (s *DynamicServer) ListIndexes(ctx context.Context, req *ListIndexesRequest) (*ListIndexesResponse, error) {
	var _, _, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpQuery)
	if err != nil {
		return nil, err
	}
	return &ListIndexesResponse{Indexes: e.Indexes(physical)}, nil
}

func (s *DynamicServer) SetVectorSource(ctx context.Context, req *SetVectorSourceRequest) (*Empty, error) {
	var _, _, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpAdmin)
	if err != nil {
		return nil, err
	}
	if req.Source == nil || len(req.Source.Parts) == 0 {
		return nil, fault.Errorf(fault.InvalidInput, "vector source requires at least one part")
	}
	if err = e.SetVectorSource(physical, req.Source); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *DynamicServer) GetVectorSource(ctx context.Context, req *GetVectorSourceRequest) (*GetVectorSourceResponse, error) {
	var _, _, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpQuery)
	if err != nil {
		return nil, err
	}
	var src, found = e.GetVectorSource(physical)
	return &GetVectorSourceResponse{Source: src, Found: found}, nil
}

func (s *DynamicServer) SetSchema(ctx context.Context, req *SetSchemaRequest) (*SetSchemaResponse, error) {
	var _, _, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpAdmin)
	if err != nil {
		return nil, err
	}
	version, err := e.AppendSchema(physical, req.Fields)
	if err != nil {
		return nil, err
	}
	return &SetSchemaResponse{Version: version}, nil
}

func (s *DynamicServer) GetSchema(ctx context.Context, req *GetSchemaRequest) (*GetSchemaResponse, error) {
	var _, _, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpQuery)
	if err != nil {
		return nil, err
	}
	return &GetSchemaResponse{Versions: e.Schema(physical)}, nil
}

func (s *DynamicServer) ConfigureTimeSeries(ctx context.Context, req *ConfigureTimeSeriesRequest) (*Empty, error) {
	var _, _, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpAdmin)
	if err != nil {
		return nil, err
	}
	if req.TTLField == "" || req.RetentionSeconds <= 0 {
		return nil, fault.Errorf(fault.InvalidInput, "time-series requires a ttl field and a positive retention")
	}
	if err = e.ConfigureTimeSeries(physical, &engine.TimeSeriesConfig{
		TTLField:  req.TTLField,
		Retention: time.Duration(req.RetentionSeconds) * time.Second,
	}); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *DynamicServer) GetTimeSeriesInfo(ctx context.Context, req *GetTimeSeriesInfoRequest) (*GetTimeSeriesInfoResponse, error) {
	var _, _, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpQuery)
	if err != nil {
		return nil, err
	}
	var cfg, ok = e.TimeSeries(physical)
	if !ok {
		return &GetTimeSeriesInfoResponse{}, nil
	}
	return &GetTimeSeriesInfoResponse{
		TTLField:         cfg.TTLField,
		RetentionSeconds: int64(cfg.Retention / time.Second),
		Configured:       true,
	}, nil
}

// VectorSearch streams the k nearest documents with their distances.
func (s *DynamicServer) VectorSearch(req *VectorSearchRequest, stream grpc.ServerStream) error {
	var ctx = stream.Context()
	var _, _, e, physical, err = s.collection(ctx, req.DB, req.Collection, identity.OpQuery)
	if err != nil {
		return err
	}
	matches, err := e.VectorSearch(ctx, physical, req.Index, req.K, req.EfSearch, req.Query)
	if err != nil {
		return err
	}
	for _, m := range matches {
		var payload, err = encodeDoc(e, m.Document)
		if err != nil {
			return err
		}
		if err = stream.SendMsg(&ResultChunk{
			Payload: payload, Found: true, Distance: m.Distance, HasDist: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

// DynamicServiceDesc is the hand-written dispatch table of the service.
var DynamicServiceDesc = grpc.ServiceDesc{
	ServiceName: "blite.Dynamic",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Insert", Handler: unary("/blite.Dynamic/Insert",
			func(s *DynamicServer, ctx context.Context, req *InsertRequest) (interface{}, error) { return s.Insert(ctx, req) })},
		{MethodName: "InsertMany", Handler: unary("/blite.Dynamic/InsertMany",
			func(s *DynamicServer, ctx context.Context, req *InsertManyRequest) (interface{}, error) { return s.InsertMany(ctx, req) })},
		{MethodName: "FindByID", Handler: unary("/blite.Dynamic/FindByID",
			func(s *DynamicServer, ctx context.Context, req *FindByIDRequest) (interface{}, error) { return s.FindByID(ctx, req) })},
		{MethodName: "Update", Handler: unary("/blite.Dynamic/Update",
			func(s *DynamicServer, ctx context.Context, req *UpdateRequest) (interface{}, error) { return s.Update(ctx, req) })},
		{MethodName: "UpdateMany", Handler: unary("/blite.Dynamic/UpdateMany",
			func(s *DynamicServer, ctx context.Context, req *UpdateManyRequest) (interface{}, error) { return s.UpdateMany(ctx, req) })},
		{MethodName: "Delete", Handler: unary("/blite.Dynamic/Delete",
			func(s *DynamicServer, ctx context.Context, req *DeleteRequest) (interface{}, error) { return s.Delete(ctx, req) })},
		{MethodName: "DeleteMany", Handler: unary("/blite.Dynamic/DeleteMany",
			func(s *DynamicServer, ctx context.Context, req *DeleteManyRequest) (interface{}, error) { return s.DeleteMany(ctx, req) })},
		{MethodName: "Count", Handler: unary("/blite.Dynamic/Count",
			func(s *DynamicServer, ctx context.Context, req *CountRequest) (interface{}, error) { return s.Count(ctx, req) })},
		{MethodName: "ListCollections", Handler: unary("/blite.Dynamic/ListCollections",
			func(s *DynamicServer, ctx context.Context, req *ListCollectionsRequest) (interface{}, error) { return s.ListCollections(ctx, req) })},
		{MethodName: "DropCollection", Handler: unary("/blite.Dynamic/DropCollection",
			func(s *DynamicServer, ctx context.Context, req *DropCollectionRequest) (interface{}, error) { return s.DropCollection(ctx, req) })},
		{MethodName: "CreateIndex", Handler: unary("/blite.Dynamic/CreateIndex",
			func(s *DynamicServer, ctx context.Context, req *CreateIndexRequest) (interface{}, error) { return s.CreateIndex(ctx, req) })},
		{MethodName: "DropIndex", Handler: unary("/blite.Dynamic/DropIndex",
			func(s *DynamicServer, ctx context.Context, req *DropIndexRequest) (interface{}, error) { return s.DropIndex(ctx, req) })},
		{MethodName: "ListIndexes", Handler: unary("/blite.Dynamic/ListIndexes",
			func(s *DynamicServer, ctx context.Context, req *ListIndexesRequest) (interface{}, error) { return s.ListIndexes(ctx, req) })},
		{MethodName: "SetVectorSource", Handler: unary("/blite.Dynamic/SetVectorSource",
			func(s *DynamicServer, ctx context.Context, req *SetVectorSourceRequest) (interface{}, error) { return s.SetVectorSource(ctx, req) })},
		{MethodName: "GetVectorSource", Handler: unary("/blite.Dynamic/GetVectorSource",
			func(s *DynamicServer, ctx context.Context, req *GetVectorSourceRequest) (interface{}, error) { return s.GetVectorSource(ctx, req) })},
		{MethodName: "SetSchema", Handler: unary("/blite.Dynamic/SetSchema",
			func(s *DynamicServer, ctx context.Context, req *SetSchemaRequest) (interface{}, error) { return s.SetSchema(ctx, req) })},
		{MethodName: "GetSchema", Handler: unary("/blite.Dynamic/GetSchema",
			func(s *DynamicServer, ctx context.Context, req *GetSchemaRequest) (interface{}, error) { return s.GetSchema(ctx, req) })},
		{MethodName: "ConfigureTimeSeries", Handler: unary("/blite.Dynamic/ConfigureTimeSeries",
			func(s *DynamicServer, ctx context.Context, req *ConfigureTimeSeriesRequest) (interface{}, error) { return s.ConfigureTimeSeries(ctx, req) })},
		{MethodName: "GetTimeSeriesInfo", Handler: unary("/blite.Dynamic/GetTimeSeriesInfo",
			func(s *DynamicServer, ctx context.Context, req *GetTimeSeriesInfoRequest) (interface{}, error) { return s.GetTimeSeriesInfo(ctx, req) })},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Query", ServerStreams: true,
			Handler: serverStream(func(s *DynamicServer, req *QueryRequest, stream grpc.ServerStream) error { return s.Query(req, stream) })},
		{StreamName: "VectorSearch", ServerStreams: true,
			Handler: serverStream(func(s *DynamicServer, req *VectorSearchRequest, stream grpc.ServerStream) error { return s.VectorSearch(req, stream) })},
	},
	Metadata: "rpc/dynamic.go",
}
