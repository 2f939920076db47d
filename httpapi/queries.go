package httpapi

import (
	"io"
	"net/http"

	"encoding/json"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/engine"
	"github.com/blitedb/blite/fault"
	"github.com/blitedb/blite/identity"
	"github.com/blitedb/blite/qcache"
	"github.com/blitedb/blite/query"
)

// runQuery executes a JSON query body against the collection. The raw
// body bytes key the cache, so textually identical queries share entries.
func (a *API) runQuery(w http.ResponseWriter, r *http.Request) {
	var _, db, e, physical, err = a.collection(r, identity.OpQuery)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeProblem(w, r, fault.Errorf(fault.InvalidInput, "reading request body: %s", err))
		return
	}
	var body query.JSONQuery
	if len(raw) != 0 {
		if err = json.Unmarshal(raw, &body); err != nil {
			writeProblem(w, r, fault.Errorf(fault.InvalidInput, "decoding query body: %s", err))
			return
		}
	}
	d, err := body.Descriptor(physical)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	var useCache = a.Cache.Enabled() && !a.Txns.HasActive(db)
	var key string
	if useCache {
		key = a.Cache.Key(db, physical, qcache.VariantBody, raw)
		if cached, ok := a.Cache.Get(key); ok {
			writeRawArray(w, cached.Docs)
			return
		}
	}
	docs, err := query.NewExecutor(e).ExecuteAll(r.Context(), d)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	rendered, err := renderDocs(docs)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if useCache && len(rendered) <= a.Cache.MaxResultSetSize() {
		a.Cache.Set(key, &qcache.Result{Docs: rendered}, db, physical)
	}
	writeRawArray(w, rendered)
}

// runCount executes the filter of a JSON query body and returns the match
// count.
func (a *API) runCount(w http.ResponseWriter, r *http.Request) {
	var _, db, e, physical, err = a.collection(r, identity.OpQuery)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeProblem(w, r, fault.Errorf(fault.InvalidInput, "reading request body: %s", err))
		return
	}
	var body query.JSONQuery
	if len(raw) != 0 {
		if err = json.Unmarshal(raw, &body); err != nil {
			writeProblem(w, r, fault.Errorf(fault.InvalidInput, "decoding query body: %s", err))
			return
		}
	}
	d, err := body.Descriptor(physical)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	var useCache = a.Cache.Enabled() && !a.Txns.HasActive(db)
	var key string
	if useCache {
		key = a.Cache.Key(db, physical, qcache.VariantCount, raw)
		if cached, ok := a.Cache.Get(key); ok && cached.Count != nil {
			writeJSON(w, http.StatusOK, map[string]int64{"count": *cached.Count})
			return
		}
	}
	n, err := query.NewExecutor(e).Count(r.Context(), d)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if useCache {
		a.Cache.Set(key, &qcache.Result{Count: &n}, db, physical)
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

type vectorSearchBody struct {
	Query    []float32 `json:"query"`
	K        int       `json:"k"`
	Index    string    `json:"index,omitempty"`
	EfSearch int       `json:"efSearch,omitempty"`
}

// vectorSearch returns the k nearest documents with distances.
func (a *API) vectorSearch(w http.ResponseWriter, r *http.Request) {
	var _, _, e, physical, err = a.collection(r, identity.OpQuery)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	var body vectorSearchBody
	if err = readJSON(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	matches, err := e.VectorSearch(r.Context(), physical, body.Index, body.K, body.EfSearch, body.Query)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	var out = make([]map[string]interface{}, 0, len(matches))
	for _, m := range matches {
		out = append(out, map[string]interface{}{
			"distance": m.Distance,
			"document": codec.ToJSON(m.Document),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getVectorSource(w http.ResponseWriter, r *http.Request) {
	var _, _, e, physical, err = a.collection(r, identity.OpQuery)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	var src, found = e.GetVectorSource(physical)
	if !found {
		writeProblem(w, r, fault.Errorf(fault.NotFound, "collection %q has no vector source", physical))
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (a *API) setVectorSource(w http.ResponseWriter, r *http.Request) {
	var _, _, e, physical, err = a.collection(r, identity.OpAdmin)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	var src engine.VectorSource
	if err = readJSON(r, &src); err != nil {
		writeProblem(w, r, err)
		return
	}
	if len(src.Parts) == 0 {
		writeProblem(w, r, fault.Errorf(fault.InvalidInput, "vector source requires at least one part"))
		return
	}
	if err = e.SetVectorSource(physical, &src); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
