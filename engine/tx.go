package engine

import (
	"context"

	bolt "go.etcd.io/bbolt"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/fault"
)

// Tx is an explicit write transaction. All writes through a Tx become
// visible atomically at Commit; reads through it observe its own
// uncommitted writes. bbolt admits a single writer, so an open Tx also
// serialises against auto-commit writes on the same engine.
type Tx struct {
	e      *Engine
	btx    *bolt.Tx
	events []Event
	staged map[string]*collectionMeta
	done   bool
}

// Begin opens an explicit write transaction.
func (e *Engine) Begin() (*Tx, error) {
	var btx, err = e.db.Begin(true)
	if err != nil {
		return nil, err
	}
	return &Tx{e: e, btx: btx, staged: make(map[string]*collectionMeta)}, nil
}

// ensure resolves (or stages) the collection descriptor within this Tx.
func (t *Tx) ensure(col string) (*collectionMeta, error) {
	if m, ok := t.staged[col]; ok {
		return m, nil
	}
	if m, ok := t.e.meta(col); ok {
		return m, nil
	}
	var m = &collectionMeta{Name: col}
	if _, err := t.btx.CreateBucketIfNotExists(docBucket(col)); err != nil {
		return nil, err
	}
	if err := putMeta(t.btx, m); err != nil {
		return nil, err
	}
	t.staged[col] = m
	return m, nil
}

// Insert stores a document within the transaction.
func (t *Tx) Insert(col string, doc codec.Document) (codec.DocID, error) {
	if t.done {
		return codec.DocID{}, errTxDone()
	}
	var m, err = t.ensure(col)
	if err != nil {
		return codec.DocID{}, err
	}
	id, err := t.e.insertTx(t.btx, m, doc)
	if err != nil {
		return codec.DocID{}, err
	}
	t.events = append(t.events, Event{Op: OpInsert, Collection: col, ID: id})
	return id, nil
}

// Update replaces a document within the transaction.
func (t *Tx) Update(col string, doc codec.Document) (bool, error) {
	if t.done {
		return false, errTxDone()
	}
	var m, err = t.ensure(col)
	if err != nil {
		return false, err
	}
	found, id, err := t.e.updateTx(t.btx, m, doc)
	if err != nil {
		return false, err
	}
	if found {
		t.events = append(t.events, Event{Op: OpUpdate, Collection: col, ID: id})
	}
	return found, nil
}

// Delete removes a document within the transaction.
func (t *Tx) Delete(col string, id codec.DocID) (bool, error) {
	if t.done {
		return false, errTxDone()
	}
	var m, ok = t.e.meta(col)
	if !ok {
		if m, ok = t.staged[col]; !ok {
			return false, nil
		}
	}
	var found, err = t.e.deleteTx(t.btx, m, id)
	if err != nil {
		return false, err
	}
	if found {
		t.events = append(t.events, Event{Op: OpDelete, Collection: col, ID: id})
	}
	return found, nil
}

// FindByID reads through the transaction, observing uncommitted writes.
func (t *Tx) FindByID(col string, id codec.DocID) (codec.Document, bool, error) {
	if t.done {
		return nil, false, errTxDone()
	}
	var b = t.btx.Bucket(docBucket(col))
	if b == nil {
		return nil, false, nil
	}
	var raw = b.Get(id.Key())
	if raw == nil {
		return nil, false, nil
	}
	var doc, err = codec.Decode(raw, t.e.dict.Reverse())
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Scan iterates the collection through the transaction.
func (t *Tx) Scan(ctx context.Context, col string, fn func(codec.DocID, codec.Document) error) error {
	if t.done {
		return errTxDone()
	}
	return t.e.scanTx(ctx, t.btx, col, fn)
}

// Commit makes the transaction's writes durable, registers any staged
// collections, and fans out the accumulated change events.
func (t *Tx) Commit() error {
	if t.done {
		return errTxDone()
	}
	t.done = true
	if err := t.btx.Commit(); err != nil {
		return err
	}
	if len(t.staged) > 0 {
		t.e.mu.Lock()
		for name, m := range t.staged {
			t.e.metas[name] = m
		}
		t.e.mu.Unlock()
	}
	t.e.hub.publish(t.events)
	return nil
}

// Rollback discards the transaction. No change events are emitted.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.btx.Rollback()
}

func errTxDone() error {
	return fault.Errorf(fault.SemanticFailure, "transaction is already finished")
}
