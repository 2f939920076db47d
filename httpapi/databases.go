package httpapi

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/blitedb/blite/identity"
	"github.com/blitedb/blite/registry"
)

func (a *API) requireAdmin(r *http.Request) (*identity.User, error) {
	var u, err = userFrom(r)
	if err != nil {
		return nil, err
	}
	return u, identity.CheckAdmin(u)
}

func (a *API) listDatabases(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireAdmin(r); err != nil {
		writeProblem(w, r, err)
		return
	}
	var tenants, err = a.Registry.List()
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

func (a *API) provisionDatabase(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireAdmin(r); err != nil {
		writeProblem(w, r, err)
		return
	}
	if err := a.Registry.Provision(chi.URLParam(r, "dbId")); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) deprovisionDatabase(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireAdmin(r); err != nil {
		writeProblem(w, r, err)
		return
	}
	var id = chi.URLParam(r, "dbId")
	var deleteFiles = r.URL.Query().Get("deleteFiles") == "true"
	if err := a.Registry.Deprovision(id, deleteFiles); err != nil {
		writeProblem(w, r, err)
		return
	}
	a.Cache.InvalidateDatabase(registry.NormalizeID(id))
	w.WriteHeader(http.StatusNoContent)
}

// backupDatabase streams a zip archive holding a point-in-time copy of the
// database file. The copy is taken into a temporary file first so the
// engine's read transaction stays short.
func (a *API) backupDatabase(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireAdmin(r); err != nil {
		writeProblem(w, r, err)
		return
	}
	var db = registry.NormalizeID(chi.URLParam(r, "dbId"))
	var e, err = a.Registry.Get(db)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	var label = db
	if db == registry.SystemID {
		label = "_system"
	}

	tmp, err := os.CreateTemp("", "blite-backup-*.db")
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	var tmpPath = tmp.Name()
	_ = tmp.Close()
	defer func() {
		if err := os.Remove(tmpPath); err != nil {
			log.WithFields(log.Fields{"path": tmpPath, "err": err}).Warn("leaking backup temp file")
		}
	}()

	if err = e.Backup(tmpPath); err != nil {
		writeProblem(w, r, err)
		return
	}
	src, err := os.Open(tmpPath)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", label+".zip"))
	var zw = zip.NewWriter(w)
	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     label + ".db",
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	})
	if err == nil {
		_, err = io.Copy(entry, src)
	}
	if err == nil {
		err = zw.Close()
	}
	if err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		log.WithFields(log.Fields{"database": label, "err": err}).Error("backup stream failed")
	}
}
