package httpapi

import (
	"net/http"

	"github.com/blitedb/blite/identity"
)

func (a *API) listCollections(w http.ResponseWriter, r *http.Request) {
	var u, _, e, err = a.target(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if err = identity.Check(u, identity.Wildcard, identity.OpQuery); err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity.Strip(u, e.Collections()))
}

func (a *API) createCollection(w http.ResponseWriter, r *http.Request) {
	var _, _, e, physical, err = a.collection(r, identity.OpInsert)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if err = e.CreateCollection(physical); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) dropCollection(w http.ResponseWriter, r *http.Request) {
	var _, db, e, physical, err = a.collection(r, identity.OpDrop)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	dropped, err := e.DropCollection(physical)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	a.Cache.Invalidate(db, physical)
	writeJSON(w, http.StatusOK, map[string]bool{"dropped": dropped})
}
