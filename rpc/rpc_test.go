package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/engine"
	"github.com/blitedb/blite/identity"
	"github.com/blitedb/blite/qcache"
	"github.com/blitedb/blite/query"
	"github.com/blitedb/blite/registry"
	"github.com/blitedb/blite/txn"
)

type testHarness struct {
	backend *Backend
	conn    *grpc.ClientConn
	admin   string // API key with every permission
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	var reg, err = registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	store, err := identity.OpenStore(reg.System())
	require.NoError(t, err)
	adminKey, err := store.Create("admin", "", nil,
		[]identity.PermEntry{{Collection: identity.Wildcard, Ops: identity.OpAll}})
	require.NoError(t, err)

	var cache = qcache.New(qcache.Config{Enabled: true})
	var backend = &Backend{
		Registry: reg,
		Store:    store,
		Txns:     txn.NewCoordinator(txn.Config{BeginWait: 50 * time.Millisecond}, reg, cache),
		Cache:    cache,
	}

	var lis = bufconn.Listen(1 << 20)
	var srv = NewServer(backend)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.GracefulStop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(FrameCodec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testHarness{backend: backend, conn: conn, admin: adminKey}
}

func (h *testHarness) ctx(key string) context.Context {
	if key == "" {
		return context.Background()
	}
	return metadata.AppendToOutgoingContext(context.Background(), "x-api-key", key)
}

// registerFields registers names through the metadata service and returns
// the forward encoding map.
func (h *testHarness) registerFields(t *testing.T, key string, names ...string) map[string]uint16 {
	t.Helper()
	var resp KeyMapResponse
	require.NoError(t, h.conn.Invoke(h.ctx(key), "/blite.Metadata/RegisterKeys",
		&RegisterKeysRequest{Names: names}, &resp))
	var fw = make(map[string]uint16, len(resp.Pairs))
	for _, p := range resp.Pairs {
		fw[p.Name] = p.ID
	}
	return fw
}

func (h *testHarness) reverse(t *testing.T, key string) map[uint16]string {
	t.Helper()
	var resp KeyMapResponse
	require.NoError(t, h.conn.Invoke(h.ctx(key), "/blite.Metadata/GetKeyMap",
		&GetKeyMapRequest{}, &resp))
	var rev = make(map[uint16]string, len(resp.Pairs))
	for _, p := range resp.Pairs {
		rev[p.ID] = p.Name
	}
	return rev
}

func encodePayload(t *testing.T, fw map[string]uint16, doc codec.Document) []byte {
	t.Helper()
	var buf, err = codec.Encode(doc, fw)
	require.NoError(t, err)
	return buf
}

func scoreDoc(id int64, name string, score float64) codec.Document {
	return codec.NewDocument().
		Set(codec.IDField, codec.Int64(id)).
		Set("name", codec.String(name)).
		Set("score", codec.Double(score))
}

func TestInsertFindQueryCount(t *testing.T) {
	var h = newHarness(t)
	var ctx = h.ctx(h.admin)
	var fw = h.registerFields(t, h.admin, codec.IDField, "name", "score")

	for i, name := range []string{"alice", "bob", "carol"} {
		var resp InsertResponse
		require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/Insert", &InsertRequest{
			Collection: "players",
			Payload:    encodePayload(t, fw, scoreDoc(int64(i+1), name, float64((i+1)*10))),
		}, &resp))
		require.Equal(t, codec.Int64ID(int64(i+1)).Key(), resp.Key)
		require.Equal(t, codec.Int64ID(int64(i+1)).String(), resp.ID)
	}

	// Point read.
	var found FindByIDResponse
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/FindByID", &FindByIDRequest{
		Collection: "players", Key: codec.Int64ID(2).Key(),
	}, &found))
	require.True(t, found.Found)
	doc, err := codec.Decode(found.Payload, h.reverse(t, h.admin))
	require.NoError(t, err)
	var name, _ = doc.Get("name")
	require.Equal(t, "bob", name.S)

	// Streamed query: score > 10, highest first.
	descriptor, err := query.EncodeDescriptor(&query.Descriptor{
		Collection: "players",
		Where:      query.Binary("score", query.OpGt, codec.Double(10)),
		OrderBy:    []query.SortKey{{Field: "score", Desc: true}},
		Take:       -1,
	})
	require.NoError(t, err)

	var names = queryNames(t, h, ctx, "/blite.Dynamic/Query",
		&QueryRequest{Collection: "players", Descriptor: descriptor})
	require.Equal(t, []string{"carol", "bob"}, names)

	// Count with and without a filter.
	var count CountResponse
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/Count",
		&CountRequest{Collection: "players"}, &count))
	require.Equal(t, int64(3), count.Count)
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/Count",
		&CountRequest{Collection: "players", Descriptor: descriptor}, &count))
	require.Equal(t, int64(2), count.Count)
}

func queryNames(t *testing.T, h *testHarness, ctx context.Context, method string, req interface{}) []string {
	t.Helper()
	var desc = grpc.StreamDesc{StreamName: "Query", ServerStreams: true}
	var stream, err = h.conn.NewStream(ctx, &desc, method)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(req))
	require.NoError(t, stream.CloseSend())

	var rev = h.reverse(t, h.admin)
	var names []string
	for {
		var chunk ResultChunk
		err = stream.RecvMsg(&chunk)
		if errors.Is(err, io.EOF) {
			return names
		}
		require.NoError(t, err)
		require.True(t, chunk.Found)
		doc, err := codec.Decode(chunk.Payload, rev)
		require.NoError(t, err)
		var v, _ = doc.Get("name")
		names = append(names, v.S)
	}
}

func TestStatusCodes(t *testing.T) {
	var h = newHarness(t)

	// No key at all.
	var resp ListCollectionsResponse
	var err = h.conn.Invoke(h.ctx(""), "/blite.Dynamic/ListCollections",
		&ListCollectionsRequest{}, &resp)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	// A wrong key.
	err = h.conn.Invoke(h.ctx("bogus"), "/blite.Dynamic/ListCollections",
		&ListCollectionsRequest{}, &resp)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	// A reader may not insert.
	var created APIKeyResponse
	require.NoError(t, h.conn.Invoke(h.ctx(h.admin), "/blite.Admin/CreateUser", &CreateUserRequest{
		Name:  "reader",
		Perms: []PermSpec{{Collection: identity.Wildcard, Ops: []string{"query"}}},
	}, &created))
	var fw = h.registerFields(t, h.admin, codec.IDField, "name", "score")
	var ins InsertResponse
	err = h.conn.Invoke(h.ctx(created.APIKey), "/blite.Dynamic/Insert", &InsertRequest{
		Collection: "players", Payload: encodePayload(t, fw, scoreDoc(1, "x", 1)),
	}, &ins)
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	// An unknown database.
	err = h.conn.Invoke(h.ctx(h.admin), "/blite.Dynamic/ListCollections",
		&ListCollectionsRequest{DB: "ghost"}, &resp)
	require.Equal(t, codes.NotFound, status.Code(err))

	// A malformed descriptor.
	var count CountResponse
	err = h.conn.Invoke(h.ctx(h.admin), "/blite.Dynamic/Count",
		&CountRequest{Collection: "players", Descriptor: []byte{0xff}}, &count)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestTransactionLifecycle(t *testing.T) {
	var h = newHarness(t)
	var ctx = h.ctx(h.admin)
	var fw = h.registerFields(t, h.admin, codec.IDField, "name", "score")

	var begin BeginResponse
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Transaction/Begin", &BeginRequest{}, &begin))
	require.NotEmpty(t, begin.TxnID)

	// A second transaction on the same database is refused.
	var second BeginResponse
	var err = h.conn.Invoke(ctx, "/blite.Transaction/Begin", &BeginRequest{}, &second)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	var ins InsertResponse
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/Insert", &InsertRequest{
		Collection: "ledger", TxnID: begin.TxnID,
		Payload: encodePayload(t, fw, scoreDoc(1, "pending", 0)),
	}, &ins))

	// Visible inside the transaction, not outside.
	var found FindByIDResponse
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/FindByID", &FindByIDRequest{
		Collection: "ledger", TxnID: begin.TxnID, Key: codec.Int64ID(1).Key(),
	}, &found))
	require.True(t, found.Found)
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/FindByID", &FindByIDRequest{
		Collection: "ledger", Key: codec.Int64ID(1).Key(),
	}, &found))
	require.False(t, found.Found)

	var empty Empty
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Transaction/Rollback",
		&TxnRequest{TxnID: begin.TxnID}, &empty))
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/FindByID", &FindByIDRequest{
		Collection: "ledger", Key: codec.Int64ID(1).Key(),
	}, &found))
	require.False(t, found.Found, "rollback discards the write")

	// Commit makes writes durable.
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Transaction/Begin", &BeginRequest{}, &begin))
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/Insert", &InsertRequest{
		Collection: "ledger", TxnID: begin.TxnID,
		Payload: encodePayload(t, fw, scoreDoc(2, "posted", 1)),
	}, &ins))
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Transaction/Commit",
		&TxnRequest{TxnID: begin.TxnID}, &empty))
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/FindByID", &FindByIDRequest{
		Collection: "ledger", Key: codec.Int64ID(2).Key(),
	}, &found))
	require.True(t, found.Found)

	// A finished transaction id no longer resolves.
	err = h.conn.Invoke(ctx, "/blite.Transaction/Commit",
		&TxnRequest{TxnID: begin.TxnID}, &empty)
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestNamespaceIsolation(t *testing.T) {
	var h = newHarness(t)

	var mkUser = func(name, ns string) string {
		var created APIKeyResponse
		require.NoError(t, h.conn.Invoke(h.ctx(h.admin), "/blite.Admin/CreateUser", &CreateUserRequest{
			Name:      name,
			Namespace: ns,
			Perms: []PermSpec{
				{Collection: identity.Wildcard, Ops: []string{"all"}},
			},
		}, &created))
		return created.APIKey
	}
	var keyA = mkUser("team-a-svc", "team-a")
	var keyB = mkUser("team-b-svc", "team-b")

	var fwA = h.registerFields(t, keyA, codec.IDField, "name", "score")
	var ins InsertResponse
	require.NoError(t, h.conn.Invoke(h.ctx(keyA), "/blite.Dynamic/Insert", &InsertRequest{
		Collection: "docs", Payload: encodePayload(t, fwA, scoreDoc(1, "a-doc", 1)),
	}, &ins))

	// The same logical name resolves into b's namespace: nothing there.
	var found FindByIDResponse
	require.NoError(t, h.conn.Invoke(h.ctx(keyB), "/blite.Dynamic/FindByID", &FindByIDRequest{
		Collection: "docs", Key: codec.Int64ID(1).Key(),
	}, &found))
	require.False(t, found.Found)

	// Collection listings are scoped to each caller's namespace.
	var cols ListCollectionsResponse
	require.NoError(t, h.conn.Invoke(h.ctx(keyA), "/blite.Dynamic/ListCollections",
		&ListCollectionsRequest{}, &cols))
	require.Equal(t, []string{"docs"}, cols.Collections)
	require.NoError(t, h.conn.Invoke(h.ctx(keyB), "/blite.Dynamic/ListCollections",
		&ListCollectionsRequest{}, &cols))
	require.Empty(t, cols.Collections)
}

func TestMetadataAnchorCollection(t *testing.T) {
	var h = newHarness(t)

	// A user with no dictionary-anchor grant, only its own collection.
	var created APIKeyResponse
	require.NoError(t, h.conn.Invoke(h.ctx(h.admin), "/blite.Admin/CreateUser", &CreateUserRequest{
		Name:  "scoped",
		Perms: []PermSpec{{Collection: "players", Ops: []string{"query", "insert"}}},
	}, &created))

	var resp KeyMapResponse
	var err = h.conn.Invoke(h.ctx(created.APIKey), "/blite.Metadata/RegisterKeys",
		&RegisterKeysRequest{Names: []string{"name"}}, &resp)
	require.Equal(t, codes.PermissionDenied, status.Code(err), "the default anchor is not granted")
	err = h.conn.Invoke(h.ctx(created.APIKey), "/blite.Metadata/RegisterKeys",
		&RegisterKeysRequest{Anchor: "other", Names: []string{"name"}}, &resp)
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	// Naming a collection the caller can insert into admits the call.
	require.NoError(t, h.conn.Invoke(h.ctx(created.APIKey), "/blite.Metadata/RegisterKeys",
		&RegisterKeysRequest{Anchor: "players", Names: []string{"name"}}, &resp))
	require.NotEmpty(t, resp.Pairs)

	require.NoError(t, h.conn.Invoke(h.ctx(created.APIKey), "/blite.Metadata/GetKeyMap",
		&GetKeyMapRequest{Anchor: "players"}, &resp))
	err = h.conn.Invoke(h.ctx(created.APIKey), "/blite.Metadata/GetKeyMap",
		&GetKeyMapRequest{}, &resp)
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestAdminAnchorGrantsAdmin(t *testing.T) {
	var h = newHarness(t)

	var created APIKeyResponse
	require.NoError(t, h.conn.Invoke(h.ctx(h.admin), "/blite.Admin/CreateUser", &CreateUserRequest{
		Name:  "dba",
		Perms: []PermSpec{{Collection: "_admin", Ops: []string{"admin"}}},
	}, &created))

	var tenants ListTenantsResponse
	require.NoError(t, h.conn.Invoke(h.ctx(created.APIKey), "/blite.Admin/ListTenants",
		&Empty{}, &tenants))

	var empty Empty
	require.NoError(t, h.conn.Invoke(h.ctx(created.APIKey), "/blite.Admin/ProvisionTenant",
		&TenantRequest{ID: "acme"}, &empty))
}

func TestRevokedKeyIsPermissionDenied(t *testing.T) {
	var h = newHarness(t)

	var created APIKeyResponse
	require.NoError(t, h.conn.Invoke(h.ctx(h.admin), "/blite.Admin/CreateUser", &CreateUserRequest{
		Name:  "svc",
		Perms: []PermSpec{{Collection: identity.Wildcard, Ops: []string{"query"}}},
	}, &created))

	var cols ListCollectionsResponse
	require.NoError(t, h.conn.Invoke(h.ctx(created.APIKey), "/blite.Dynamic/ListCollections",
		&ListCollectionsRequest{}, &cols))

	var empty Empty
	require.NoError(t, h.conn.Invoke(h.ctx(h.admin), "/blite.Admin/RevokeUser",
		&UserNameRequest{Name: "svc"}, &empty))

	// The key still identifies the user, so the failure is authorization,
	// not authentication.
	var err = h.conn.Invoke(h.ctx(created.APIKey), "/blite.Dynamic/ListCollections",
		&ListCollectionsRequest{}, &cols)
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestActiveTransactionBypassesCache(t *testing.T) {
	var h = newHarness(t)
	var ctx = h.ctx(h.admin)
	var fw = h.registerFields(t, h.admin, codec.IDField, "name", "score")

	for i := 0; i < 3; i++ {
		var ins InsertResponse
		require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/Insert", &InsertRequest{
			Collection: "players",
			Payload:    encodePayload(t, fw, scoreDoc(int64(i+1), "p", 1)),
		}, &ins))
	}
	var count = func() int64 {
		var resp CountResponse
		require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/Count",
			&CountRequest{Collection: "players"}, &resp))
		return resp.Count
	}
	require.Equal(t, int64(3), count(), "primes the cache")

	// Commit a write the coordinator never saw marked dirty, leaving the
	// cached count stale.
	var s, err = h.backend.Txns.Begin(context.Background(), "admin", "")
	require.NoError(t, err)
	_, err = s.Tx().Insert("players", scoreDoc(4, "q", 1))
	require.NoError(t, err)
	require.NoError(t, h.backend.Txns.Commit(s.ID, "admin"))
	require.Equal(t, int64(3), count(), "stale entry is served with no transaction open")

	// While a transaction is active the count comes from the engine.
	s, err = h.backend.Txns.Begin(context.Background(), "admin", "")
	require.NoError(t, err)
	require.Equal(t, int64(4), count(), "reads bypass the cache while a transaction is active")
	require.NoError(t, h.backend.Txns.Rollback(s.ID, "admin"))

	require.Equal(t, int64(3), count(), "the bypassed read did not overwrite the cache")
}

func TestDocumentServiceEchoesTypeName(t *testing.T) {
	var h = newHarness(t)
	var ctx = h.ctx(h.admin)
	var fw = h.registerFields(t, h.admin, codec.IDField, "name", "score")

	var ins TypedInsertResponse
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Document/Insert", &TypedInsertRequest{
		InsertRequest: InsertRequest{
			Collection: "players",
			Payload:    encodePayload(t, fw, scoreDoc(1, "alice", 10)),
		},
		TypeName: "Player",
	}, &ins))
	require.Equal(t, "Player", ins.TypeName)

	var found TypedFindByIDResponse
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Document/FindByID", &TypedFindByIDRequest{
		FindByIDRequest: FindByIDRequest{Collection: "players", Key: codec.Int64ID(1).Key()},
		TypeName:        "Player",
	}, &found))
	require.True(t, found.Found)
	require.Equal(t, "Player", found.TypeName)
}

func TestAdminTenantLifecycle(t *testing.T) {
	var h = newHarness(t)
	var ctx = h.ctx(h.admin)

	var empty Empty
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Admin/ProvisionTenant",
		&TenantRequest{ID: "acme"}, &empty))

	// Tenant engines have their own dictionary; register against it.
	var resp KeyMapResponse
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Metadata/RegisterKeys",
		&RegisterKeysRequest{DB: "acme", Names: []string{codec.IDField, "name", "score"}}, &resp))
	var fwTenant = make(map[string]uint16)
	for _, p := range resp.Pairs {
		fwTenant[p.Name] = p.ID
	}
	var ins InsertResponse
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/Insert", &InsertRequest{
		DB: "acme", Collection: "widgets",
		Payload: encodePayload(t, fwTenant, scoreDoc(1, "w", 1)),
	}, &ins))

	var tenants ListTenantsResponse
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Admin/ListTenants", &Empty{}, &tenants))
	require.Equal(t, []TenantInfo{{ID: "acme", Active: true}}, tenants.Tenants)

	require.NoError(t, h.conn.Invoke(ctx, "/blite.Admin/DeprovisionTenant",
		&TenantRequest{ID: "acme", DeleteFiles: true}, &empty))
	var err = h.conn.Invoke(ctx, "/blite.Dynamic/Insert", &InsertRequest{
		DB: "acme", Collection: "widgets",
		Payload: encodePayload(t, fwTenant, scoreDoc(2, "w", 1)),
	}, &ins)
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestVectorSearchStream(t *testing.T) {
	var h = newHarness(t)
	var ctx = h.ctx(h.admin)
	var fw = h.registerFields(t, h.admin, codec.IDField, "embedding")

	var empty Empty
	require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/CreateIndex", &CreateIndexRequest{
		Collection: "vecs",
		Spec:       engine.IndexSpec{Name: "vec", Field: "embedding", Kind: engine.IndexVector, Dims: 2},
	}, &empty))

	for id, v := range map[int64][]float32{1: {1, 0}, 2: {0, 1}} {
		var ins InsertResponse
		require.NoError(t, h.conn.Invoke(ctx, "/blite.Dynamic/Insert", &InsertRequest{
			Collection: "vecs",
			Payload: encodePayload(t, fw, codec.NewDocument().
				Set(codec.IDField, codec.Int64(id)).
				Set("embedding", codec.Vector32(v))),
		}, &ins))
	}

	var desc = grpc.StreamDesc{StreamName: "VectorSearch", ServerStreams: true}
	var stream, err = h.conn.NewStream(ctx, &desc, "/blite.Dynamic/VectorSearch")
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&VectorSearchRequest{
		Collection: "vecs", K: 1, Query: []float32{1, 0},
	}))
	require.NoError(t, stream.CloseSend())

	var chunk ResultChunk
	require.NoError(t, stream.RecvMsg(&chunk))
	require.True(t, chunk.HasDist)
	require.InDelta(t, 0, chunk.Distance, 1e-5)
	require.True(t, errors.Is(stream.RecvMsg(&chunk), io.EOF))
}
