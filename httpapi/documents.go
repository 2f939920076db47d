package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/fault"
	"github.com/blitedb/blite/identity"
	"github.com/blitedb/blite/qcache"
	"github.com/blitedb/blite/query"
)

// listDocuments pages a collection in identifier order via ?skip and
// ?take.
func (a *API) listDocuments(w http.ResponseWriter, r *http.Request) {
	var _, db, e, physical, err = a.collection(r, identity.OpQuery)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	take, err := queryInt(r, "take", -1)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	var useCache = a.Cache.Enabled() && !a.Txns.HasActive(db)
	var key string
	if useCache {
		key = a.Cache.Key(db, physical, qcache.VariantList, []byte(fmt.Sprintf("%d:%d", skip, take)))
		if cached, ok := a.Cache.Get(key); ok {
			writeRawArray(w, cached.Docs)
			return
		}
	}

	var d = &query.Descriptor{Collection: physical, Skip: skip, Take: take}
	docs, err := query.NewExecutor(e).ExecuteAll(r.Context(), d)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	var rendered, renderErr = renderDocs(docs)
	if renderErr != nil {
		writeProblem(w, r, renderErr)
		return
	}
	if useCache && len(rendered) <= a.Cache.MaxResultSetSize() {
		a.Cache.Set(key, &qcache.Result{Docs: rendered}, db, physical)
	}
	writeRawArray(w, rendered)
}

func (a *API) insertDocument(w http.ResponseWriter, r *http.Request) {
	var _, db, e, physical, err = a.collection(r, identity.OpInsert)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	var body map[string]interface{}
	if err = readJSON(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	doc, err := codec.FromJSON(body)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	id, err := e.Insert(physical, doc)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	a.Cache.Invalidate(db, physical)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (a *API) getDocument(w http.ResponseWriter, r *http.Request) {
	var _, _, e, physical, err = a.collection(r, identity.OpQuery)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	id, err := parseID(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	doc, found, err := e.FindByID(physical, id)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if !found {
		writeProblem(w, r, notFound(physical, id))
		return
	}
	writeJSON(w, http.StatusOK, codec.ToJSON(doc))
}

// replaceDocument upserts the document at the addressed identifier; the
// path wins over any _id in the body.
func (a *API) replaceDocument(w http.ResponseWriter, r *http.Request) {
	var _, db, e, physical, err = a.collection(r, identity.OpUpdate)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	id, err := parseID(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	var body map[string]interface{}
	if err = readJSON(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	doc, err := codec.FromJSON(body)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	doc.Set(codec.IDField, id.Value())
	found, err := e.Update(physical, doc)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if !found {
		if _, err = e.Insert(physical, doc); err != nil {
			writeProblem(w, r, err)
			return
		}
	}
	a.Cache.Invalidate(db, physical)
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id.String(), "created": !found})
}

func (a *API) deleteDocument(w http.ResponseWriter, r *http.Request) {
	var _, db, e, physical, err = a.collection(r, identity.OpDelete)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	id, err := parseID(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	found, err := e.Delete(physical, id)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if !found {
		writeProblem(w, r, notFound(physical, id))
		return
	}
	a.Cache.Invalidate(db, physical)
	w.WriteHeader(http.StatusNoContent)
}

func notFound(col string, id codec.DocID) error {
	return fault.Errorf(fault.NotFound, "document %s not found in %q", id, col)
}

func renderDocs(docs []codec.Document) ([][]byte, error) {
	var out = make([][]byte, 0, len(docs))
	for _, doc := range docs {
		var raw, err = json.Marshal(codec.ToJSON(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// writeRawArray streams pre-marshalled documents as one JSON array.
func writeRawArray(w http.ResponseWriter, docs [][]byte) {
	var items = make([]json.RawMessage, len(docs))
	for i, d := range docs {
		items[i] = d
	}
	writeJSON(w, http.StatusOK, items)
}
