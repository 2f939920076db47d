package rpc

import (
	"context"

	"github.com/google/uuid"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/engine"
	"github.com/blitedb/blite/fault"
	"github.com/blitedb/blite/identity"
	"github.com/blitedb/blite/qcache"
	"github.com/blitedb/blite/registry"
	"github.com/blitedb/blite/txn"
)

// Backend bundles the state every service dispatches against.
type Backend struct {
	Registry *registry.Registry
	Store    *identity.Store
	Txns     *txn.Coordinator
	Cache    *qcache.Cache
}

// target resolves the request's database: the named one, or the caller's
// default. Database restriction is enforced here.
func (b *Backend) target(ctx context.Context, db string) (*identity.User, string, *engine.Engine, error) {
	var u, err = requireUser(ctx)
	if err != nil {
		return nil, "", nil, err
	}
	if db == "" {
		db = identity.TargetDB(u)
	}
	db = registry.NormalizeID(db)
	if err = identity.CheckDatabase(u, db); err != nil {
		return nil, "", nil, err
	}
	e, err := b.Registry.Get(db)
	if err != nil {
		return nil, "", nil, err
	}
	return u, db, e, nil
}

// collection resolves the target plus the physical collection name after
// the permission check on the logical one.
func (b *Backend) collection(ctx context.Context, db, logical string, op identity.OpMask) (*identity.User, string, *engine.Engine, string, error) {
	var u, dbID, e, err = b.target(ctx, db)
	if err != nil {
		return nil, "", nil, "", err
	}
	if err = identity.Check(u, logical, op); err != nil {
		return nil, "", nil, "", err
	}
	return u, dbID, e, identity.Resolve(u, logical), nil
}

// session resolves a transaction id to the caller's session.
func (b *Backend) session(txnID string, u *identity.User, db string) (*txn.Session, error) {
	var id, err = uuid.Parse(txnID)
	if err != nil {
		return nil, fault.Errorf(fault.InvalidInput, "malformed transaction id %q", txnID)
	}
	s, err := b.Txns.Require(id, u.Name)
	if err != nil {
		return nil, err
	}
	if s.DB != db {
		return nil, fault.Errorf(fault.SemanticFailure,
			"transaction %s targets another database", txnID)
	}
	return s, nil
}

// decodeDoc decodes a client payload against the engine's dictionary.
func decodeDoc(e *engine.Engine, payload []byte) (codec.Document, error) {
	return codec.Decode(payload, e.Dict().Reverse())
}

// encodeDoc encodes a reply document against the engine's dictionary.
func encodeDoc(e *engine.Engine, doc codec.Document) ([]byte, error) {
	if _, err := e.RegisterFields(doc.FieldNames()); err != nil {
		return nil, err
	}
	return codec.Encode(doc, e.Dict().Forward())
}
