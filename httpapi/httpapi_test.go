package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/identity"
	"github.com/blitedb/blite/qcache"
	"github.com/blitedb/blite/registry"
	"github.com/blitedb/blite/txn"
)

type testAPI struct {
	api   *API
	srv   *httptest.Server
	admin string
}

func newTestAPI(t *testing.T) *testAPI {
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
	var api = &API{
		Registry: reg,
		Store:    store,
		Txns:     txn.NewCoordinator(txn.Config{}, reg, cache),
		Cache:    cache,
	}
	var srv = httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &testAPI{api: api, srv: srv, admin: adminKey}
}

// do issues a request; a nil body sends no payload, anything else is
// marshalled to JSON.
func (a *testAPI) do(t *testing.T, method, path, key string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		var raw, err = json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-Api-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func requireProblem(t *testing.T, resp *http.Response, status int, slug string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	var p Problem
	decodeBody(t, resp, &p)
	require.Equal(t, status, p.Status)
	require.Equal(t, "https://blitedb.dev/problems/"+slug, p.Type)
	require.NotEmpty(t, p.Detail)
}

func person(id int64, name string, score float64) map[string]interface{} {
	return map[string]interface{}{"_id": id, "name": name, "score": score}
}

func TestHealthzNeedsNoKey(t *testing.T) {
	var a = newTestAPI(t)
	var resp = a.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingAndBadKeys(t *testing.T) {
	var a = newTestAPI(t)

	requireProblem(t, a.do(t, http.MethodGet, "/api/v1/default/collections", "", nil),
		http.StatusUnauthorized, "missing-key")
	requireProblem(t, a.do(t, http.MethodGet, "/api/v1/default/collections", "bogus", nil),
		http.StatusUnauthorized, "missing-key")
}

func TestBearerAuthorizationHeader(t *testing.T) {
	var a = newTestAPI(t)

	var req, err = http.NewRequest(http.MethodGet, a.srv.URL+"/api/v1/default/collections", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+a.admin)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDocumentCRUD(t *testing.T) {
	var a = newTestAPI(t)

	var resp = a.do(t, http.MethodPost, "/api/v1/default/people/documents/", a.admin,
		person(1, "alice", 10))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created["id"])

	resp = a.do(t, http.MethodGet, "/api/v1/default/people/documents/1", a.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc map[string]interface{}
	decodeBody(t, resp, &doc)
	require.Equal(t, "alice", doc["name"])

	// Replace keeps the identifier from the path.
	resp = a.do(t, http.MethodPut, "/api/v1/default/people/documents/1", a.admin,
		map[string]interface{}{"name": "alicia", "score": 11})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var replaced map[string]interface{}
	decodeBody(t, resp, &replaced)
	require.Equal(t, false, replaced["created"])

	resp = a.do(t, http.MethodGet, "/api/v1/default/people/documents/1", a.admin, nil)
	decodeBody(t, resp, &doc)
	require.Equal(t, "alicia", doc["name"])

	// A put at a fresh identifier upserts.
	resp = a.do(t, http.MethodPut, "/api/v1/default/people/documents/2", a.admin,
		map[string]interface{}{"name": "bob"})
	decodeBody(t, resp, &replaced)
	require.Equal(t, true, replaced["created"])

	resp = a.do(t, http.MethodDelete, "/api/v1/default/people/documents/1", a.admin, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	requireProblem(t, a.do(t, http.MethodGet, "/api/v1/default/people/documents/1", a.admin, nil),
		http.StatusNotFound, "not-found")
	requireProblem(t, a.do(t, http.MethodDelete, "/api/v1/default/people/documents/1", a.admin, nil),
		http.StatusNotFound, "not-found")

	// Duplicate identifiers conflict.
	requireProblem(t, a.do(t, http.MethodPost, "/api/v1/default/people/documents/", a.admin,
		person(2, "dup", 1)), http.StatusConflict, "conflict")
}

func (a *testAPI) seedPeople(t *testing.T) {
	t.Helper()
	var names = []string{"alice", "bob", "carol", "dave", "erin"}
	for i, name := range names {
		var resp = a.do(t, http.MethodPost, "/api/v1/default/people/documents/", a.admin,
			person(int64(i+1), name, float64((i+1)*10)))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
}

func TestListDocumentsPaging(t *testing.T) {
	var a = newTestAPI(t)
	a.seedPeople(t)

	var resp = a.do(t, http.MethodGet, "/api/v1/default/people/documents/?skip=1&take=2", a.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var docs []map[string]interface{}
	decodeBody(t, resp, &docs)
	require.Len(t, docs, 2)
	require.Equal(t, "bob", docs[0]["name"])
	require.Equal(t, "carol", docs[1]["name"])

	requireProblem(t, a.do(t, http.MethodGet, "/api/v1/default/people/documents/?take=x", a.admin, nil),
		http.StatusBadRequest, "invalid-input")
}

func TestQueryAndCount(t *testing.T) {
	var a = newTestAPI(t)
	a.seedPeople(t)

	var body = map[string]interface{}{
		"filter": map[string]interface{}{"score": map[string]interface{}{"$gt": 30}},
		"sort":   []map[string]interface{}{{"field": "score", "desc": true}},
		"take":   2,
	}
	var resp = a.do(t, http.MethodPost, "/api/v1/default/people/query", a.admin, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var docs []map[string]interface{}
	decodeBody(t, resp, &docs)
	require.Len(t, docs, 2)
	require.Equal(t, "erin", docs[0]["name"])
	require.Equal(t, "dave", docs[1]["name"])

	// The same textual body is served from the cache.
	resp = a.do(t, http.MethodPost, "/api/v1/default/people/query", a.admin, body)
	decodeBody(t, resp, &docs)
	require.Len(t, docs, 2)
	require.Equal(t, "erin", docs[0]["name"])

	resp = a.do(t, http.MethodPost, "/api/v1/default/people/count", a.admin,
		map[string]interface{}{"filter": map[string]interface{}{"score": map[string]interface{}{"$gt": 30}}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var count map[string]int64
	decodeBody(t, resp, &count)
	require.Equal(t, int64(2), count["count"])

	// An empty body counts everything.
	resp = a.do(t, http.MethodPost, "/api/v1/default/people/count", a.admin, nil)
	decodeBody(t, resp, &count)
	require.Equal(t, int64(5), count["count"])

	requireProblem(t, a.do(t, http.MethodPost, "/api/v1/default/people/query", a.admin,
		map[string]interface{}{"filter": map[string]interface{}{"$nope": 1}}),
		http.StatusBadRequest, "invalid-input")
}

func TestPermissionsAndUnknownDatabase(t *testing.T) {
	var a = newTestAPI(t)

	var resp = a.do(t, http.MethodPost, "/api/v1/users/", a.admin, map[string]interface{}{
		"name":  "reader",
		"perms": []map[string]interface{}{{"collection": "*", "ops": []string{"query"}}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	decodeBody(t, resp, &created)
	var readerKey = created["apiKey"]
	require.NotEmpty(t, readerKey)

	requireProblem(t, a.do(t, http.MethodPost, "/api/v1/default/people/documents/", readerKey,
		person(1, "x", 1)), http.StatusForbidden, "permission-denied")
	requireProblem(t, a.do(t, http.MethodGet, "/api/v1/databases/", readerKey, nil),
		http.StatusForbidden, "permission-denied")
	requireProblem(t, a.do(t, http.MethodGet, "/api/v1/ghost/collections", a.admin, nil),
		http.StatusNotFound, "not-found")
}

func TestNamespaceIsolation(t *testing.T) {
	var a = newTestAPI(t)

	var mkUser = func(name, ns string) string {
		var resp = a.do(t, http.MethodPost, "/api/v1/users/", a.admin, map[string]interface{}{
			"name":      name,
			"namespace": ns,
			"perms":     []map[string]interface{}{{"collection": "*", "ops": []string{"all"}}},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var created map[string]string
		decodeBody(t, resp, &created)
		return created["apiKey"]
	}
	var keyA = mkUser("team-a-svc", "team-a")
	var keyB = mkUser("team-b-svc", "team-b")

	var resp = a.do(t, http.MethodPost, "/api/v1/default/docs/documents/", keyA,
		person(1, "a-doc", 1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The same logical path resolves into b's namespace.
	requireProblem(t, a.do(t, http.MethodGet, "/api/v1/default/docs/documents/1", keyB, nil),
		http.StatusNotFound, "not-found")

	var cols []string
	resp = a.do(t, http.MethodGet, "/api/v1/default/collections", keyA, nil)
	decodeBody(t, resp, &cols)
	require.Equal(t, []string{"docs"}, cols)
	resp = a.do(t, http.MethodGet, "/api/v1/default/collections", keyB, nil)
	decodeBody(t, resp, &cols)
	require.Empty(t, cols)
}

func TestDatabaseLifecycle(t *testing.T) {
	var a = newTestAPI(t)

	var resp = a.do(t, http.MethodPost, "/api/v1/databases/acme", a.admin, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	requireProblem(t, a.do(t, http.MethodPost, "/api/v1/databases/acme", a.admin, nil),
		http.StatusConflict, "conflict")

	resp = a.do(t, http.MethodPost, "/api/v1/acme/widgets/documents/", a.admin,
		person(1, "w", 1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var tenants []registry.Tenant
	resp = a.do(t, http.MethodGet, "/api/v1/databases/", a.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &tenants)
	require.Len(t, tenants, 1)
	require.Equal(t, "acme", tenants[0].ID)
	require.True(t, tenants[0].Active)

	resp = a.do(t, http.MethodDelete, "/api/v1/databases/acme?deleteFiles=true", a.admin, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	requireProblem(t, a.do(t, http.MethodGet, "/api/v1/acme/widgets/documents/1", a.admin, nil),
		http.StatusNotFound, "not-found")
}

func TestUserLifecycle(t *testing.T) {
	var a = newTestAPI(t)

	var resp = a.do(t, http.MethodPost, "/api/v1/users/", a.admin, map[string]interface{}{
		"name":  "svc",
		"perms": []map[string]interface{}{{"collection": "*", "ops": []string{"query", "write"}}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	decodeBody(t, resp, &created)
	var oldKey = created["apiKey"]

	resp = a.do(t, http.MethodPost, "/api/v1/users/svc/rotate-key", a.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated map[string]string
	decodeBody(t, resp, &rotated)
	var newKey = rotated["apiKey"]
	require.NotEqual(t, oldKey, newKey)

	requireProblem(t, a.do(t, http.MethodGet, "/api/v1/default/collections", oldKey, nil),
		http.StatusUnauthorized, "missing-key")
	resp = a.do(t, http.MethodGet, "/api/v1/default/collections", newKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Revocation deactivates the user; its key still names it.
	resp = a.do(t, http.MethodDelete, "/api/v1/users/svc", a.admin, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	requireProblem(t, a.do(t, http.MethodGet, "/api/v1/default/collections", newKey, nil),
		http.StatusForbidden, "inactive-user")
}

func TestAdminAnchorGrantsDatabaseAdmin(t *testing.T) {
	var a = newTestAPI(t)

	var resp = a.do(t, http.MethodPost, "/api/v1/users/", a.admin, map[string]interface{}{
		"name":  "dba",
		"perms": []map[string]interface{}{{"collection": "_admin", "ops": []string{"admin"}}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	decodeBody(t, resp, &created)
	var dbaKey = created["apiKey"]

	resp = a.do(t, http.MethodGet, "/api/v1/databases/", dbaKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = a.do(t, http.MethodPost, "/api/v1/databases/acme", dbaKey, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// TestActiveTransactionBypassesCache proves both cache behaviours around
// explicit transactions: results cached before one began stay served
// afterwards, and reads issued while one is open go to the engine.
func TestActiveTransactionBypassesCache(t *testing.T) {
	var a = newTestAPI(t)
	a.seedPeople(t)

	var count = func() int64 {
		var resp = a.do(t, http.MethodPost, "/api/v1/default/people/count", a.admin, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]int64
		decodeBody(t, resp, &body)
		return body["count"]
	}
	require.Equal(t, int64(5), count(), "primes the cache")

	// Write through a session without marking the collection dirty, so the
	// commit leaves the cached count stale.
	var s, err = a.api.Txns.Begin(context.Background(), "admin", "")
	require.NoError(t, err)
	_, err = s.Tx().Insert("people", codec.NewDocument().
		Set(codec.IDField, codec.Int64(99)).
		Set("name", codec.String("zed")))
	require.NoError(t, err)
	require.NoError(t, a.api.Txns.Commit(s.ID, "admin"))
	require.Equal(t, int64(5), count(), "stale entry is served with no transaction open")

	// With a transaction open the cache is bypassed in both directions.
	s, err = a.api.Txns.Begin(context.Background(), "admin", "")
	require.NoError(t, err)
	require.Equal(t, int64(6), count(), "reads go to the engine while a transaction is active")
	require.NoError(t, a.api.Txns.Rollback(s.ID, "admin"))

	require.Equal(t, int64(5), count(), "the bypassed read did not overwrite the cache")
}

func TestVectorSourceEndpoints(t *testing.T) {
	var a = newTestAPI(t)

	requireProblem(t, a.do(t, http.MethodGet, "/api/v1/default/articles/vector-source", a.admin, nil),
		http.StatusNotFound, "not-found")
	requireProblem(t, a.do(t, http.MethodPut, "/api/v1/default/articles/vector-source", a.admin,
		map[string]interface{}{"parts": []interface{}{}}),
		http.StatusBadRequest, "invalid-input")

	var resp = a.do(t, http.MethodPut, "/api/v1/default/articles/vector-source", a.admin,
		map[string]interface{}{
			"separator": " ",
			"parts":     []map[string]interface{}{{"path": "title"}},
		})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/api/v1/default/articles/vector-source", a.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBackupDownload(t *testing.T) {
	var a = newTestAPI(t)
	a.seedPeople(t)

	var resp = a.do(t, http.MethodGet, "/api/v1/databases/default/backup", a.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	require.Equal(t, fmt.Sprintf("attachment; filename=%q", "_system.zip"),
		resp.Header.Get("Content-Disposition"))

	var raw, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	require.Equal(t, "_system.db", zr.File[0].Name)
	require.NotZero(t, zr.File[0].UncompressedSize64)
}
