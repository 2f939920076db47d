package httpapi

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/engine"
	"github.com/blitedb/blite/fault"
	"github.com/blitedb/blite/identity"
	"github.com/blitedb/blite/qcache"
	"github.com/blitedb/blite/registry"
	"github.com/blitedb/blite/txn"
)

// API is the HTTP surface over the same state the binary surface serves.
type API struct {
	Registry *registry.Registry
	Store    *identity.Store
	Txns     *txn.Coordinator
	Cache    *qcache.Cache
}

// target resolves the {dbId} path segment, honoring the caller's database
// restriction. The sentinels "default", "null", and "_system" select the
// system database.
func (a *API) target(r *http.Request) (*identity.User, string, *engine.Engine, error) {
	var u, err = userFrom(r)
	if err != nil {
		return nil, "", nil, err
	}
	var db = chi.URLParam(r, "dbId")
	if db == "" {
		db = identity.TargetDB(u)
	}
	db = registry.NormalizeID(db)
	if err = identity.CheckDatabase(u, db); err != nil {
		return nil, "", nil, err
	}
	e, err := a.Registry.Get(db)
	if err != nil {
		return nil, "", nil, err
	}
	return u, db, e, nil
}

// collection resolves the {collection} segment after the permission check.
func (a *API) collection(r *http.Request, op identity.OpMask) (*identity.User, string, *engine.Engine, string, error) {
	var u, db, e, err = a.target(r)
	if err != nil {
		return nil, "", nil, "", err
	}
	var logical = chi.URLParam(r, "collection")
	if err = identity.Check(u, logical, op); err != nil {
		return nil, "", nil, "", err
	}
	return u, db, e, identity.Resolve(u, logical), nil
}

// parseID maps the {id} path segment to a document identifier. The shape
// decides the kind: uuid, 24-hex object id, integer, then string; an
// explicit ?idType= overrides.
func parseID(r *http.Request) (codec.DocID, error) {
	var raw = chi.URLParam(r, "id")
	switch strings.ToLower(r.URL.Query().Get("idType")) {
	case "string":
		return codec.ParseDocID(codec.IDString, []byte(raw))
	case "int32":
		var n, err = strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return codec.DocID{}, fault.Errorf(fault.InvalidInput, "malformed int32 id %q", raw)
		}
		return codec.Int32ID(int32(n)), nil
	case "int64":
		var n, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return codec.DocID{}, fault.Errorf(fault.InvalidInput, "malformed int64 id %q", raw)
		}
		return codec.Int64ID(n), nil
	case "uuid":
		var u, err = uuid.Parse(raw)
		if err != nil {
			return codec.DocID{}, fault.Errorf(fault.InvalidInput, "malformed uuid id %q", raw)
		}
		return codec.UUIDID(u), nil
	case "oid":
		var b, err = hex.DecodeString(raw)
		if err != nil {
			return codec.DocID{}, fault.Errorf(fault.InvalidInput, "malformed object id %q", raw)
		}
		return codec.ParseDocID(codec.IDObjectID, b)
	case "":
	default:
		return codec.DocID{}, fault.Errorf(fault.InvalidInput, "unknown idType %q", r.URL.Query().Get("idType"))
	}

	if u, err := uuid.Parse(raw); err == nil && len(raw) == 36 {
		return codec.UUIDID(u), nil
	}
	if len(raw) == 24 {
		if b, err := hex.DecodeString(raw); err == nil {
			return codec.ParseDocID(codec.IDObjectID, b)
		}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return codec.Int64ID(n), nil
	}
	return codec.ParseDocID(codec.IDString, []byte(raw))
}

func queryInt(r *http.Request, name string, fallback int64) (int64, error) {
	var raw = r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	var n, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fault.Errorf(fault.InvalidInput, "malformed %s %q", name, raw)
	}
	return n, nil
}
