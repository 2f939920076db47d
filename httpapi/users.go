package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blitedb/blite/identity"
)

type permSpec struct {
	Collection string   `json:"collection"`
	Ops        []string `json:"ops"`
}

type createUserBody struct {
	Name         string     `json:"name"`
	Namespace    string     `json:"namespace,omitempty"`
	RestrictedDB *string    `json:"restrictedDb,omitempty"`
	Perms        []permSpec `json:"perms"`
}

type userView struct {
	Name         string     `json:"name"`
	Active       bool       `json:"active"`
	Namespace    string     `json:"namespace,omitempty"`
	RestrictedDB *string    `json:"restrictedDb,omitempty"`
	Perms        []permSpec `json:"perms"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func permsFromSpecs(specs []permSpec) ([]identity.PermEntry, error) {
	var out = make([]identity.PermEntry, 0, len(specs))
	for _, spec := range specs {
		var ops, err = identity.ParseOps(spec.Ops)
		if err != nil {
			return nil, err
		}
		out = append(out, identity.PermEntry{Collection: spec.Collection, Ops: ops})
	}
	return out, nil
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireAdmin(r); err != nil {
		writeProblem(w, r, err)
		return
	}
	var out = []userView{}
	for _, u := range a.Store.List() {
		var perms = make([]permSpec, 0, len(u.Perms))
		for _, p := range u.Perms {
			perms = append(perms, permSpec{Collection: p.Collection, Ops: p.Ops.Names()})
		}
		out = append(out, userView{
			Name:         u.Name,
			Active:       u.Active,
			Namespace:    u.Namespace,
			RestrictedDB: u.RestrictedDB,
			Perms:        perms,
			CreatedAt:    u.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireAdmin(r); err != nil {
		writeProblem(w, r, err)
		return
	}
	var body createUserBody
	if err := readJSON(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	perms, err := permsFromSpecs(body.Perms)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	key, err := a.Store.Create(body.Name, body.Namespace, body.RestrictedDB, perms)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"apiKey": key})
}

func (a *API) revokeUser(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireAdmin(r); err != nil {
		writeProblem(w, r, err)
		return
	}
	if err := a.Store.Revoke(chi.URLParam(r, "name")); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) updateUserPerms(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireAdmin(r); err != nil {
		writeProblem(w, r, err)
		return
	}
	var body []permSpec
	if err := readJSON(r, &body); err != nil {
		writeProblem(w, r, err)
		return
	}
	perms, err := permsFromSpecs(body)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if err = a.Store.UpdatePerms(chi.URLParam(r, "name"), perms); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) rotateUserKey(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireAdmin(r); err != nil {
		writeProblem(w, r, err)
		return
	}
	var key, err = a.Store.RotateKey(chi.URLParam(r, "name"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"apiKey": key})
}
