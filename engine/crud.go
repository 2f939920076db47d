package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"

	bolt "go.etcd.io/bbolt"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/fault"
)

// Insert stores a new document, assigning an object id when the document
// carries none, and returns the identifier.
func (e *Engine) Insert(col string, doc codec.Document) (codec.DocID, error) {
	if !e.HasCollection(col) {
		if err := e.CreateCollection(col); err != nil {
			return codec.DocID{}, err
		}
	}
	var id codec.DocID
	var events []Event
	var err = e.db.Update(func(btx *bolt.Tx) error {
		var m, _ = e.meta(col)
		var err error
		if id, err = e.insertTx(btx, m, doc); err != nil {
			return err
		}
		events = append(events, Event{Op: OpInsert, Collection: col, ID: id})
		return nil
	})
	if err != nil {
		return codec.DocID{}, err
	}
	e.hub.publish(events)
	return id, nil
}

// Update replaces the document addressed by its embedded identifier.
// It returns false when no such document exists.
func (e *Engine) Update(col string, doc codec.Document) (bool, error) {
	var found bool
	var events []Event
	var err = e.db.Update(func(btx *bolt.Tx) error {
		var m, ok = e.meta(col)
		if !ok {
			return nil
		}
		var id codec.DocID
		var err error
		if found, id, err = e.updateTx(btx, m, doc); err != nil {
			return err
		}
		if found {
			events = append(events, Event{Op: OpUpdate, Collection: col, ID: id})
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	e.hub.publish(events)
	return found, nil
}

// Delete removes the document with |id|. False if absent.
func (e *Engine) Delete(col string, id codec.DocID) (bool, error) {
	var found bool
	var events []Event
	var err = e.db.Update(func(btx *bolt.Tx) error {
		var m, ok = e.meta(col)
		if !ok {
			return nil
		}
		var err error
		if found, err = e.deleteTx(btx, m, id); err != nil {
			return err
		}
		if found {
			events = append(events, Event{Op: OpDelete, Collection: col, ID: id})
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	e.hub.publish(events)
	return found, nil
}

// FindByID loads one document. The bool reports whether it exists.
func (e *Engine) FindByID(col string, id codec.DocID) (codec.Document, bool, error) {
	var doc codec.Document
	var found bool
	var err = e.db.View(func(btx *bolt.Tx) error {
		var b = btx.Bucket(docBucket(col))
		if b == nil {
			return nil
		}
		var raw = b.Get(id.Key())
		if raw == nil {
			return nil
		}
		var err error
		if doc, err = codec.Decode(raw, e.dict.Reverse()); err != nil {
			return err
		}
		found = true
		return nil
	})
	return doc, found, err
}

// Count returns the number of documents in |col|.
func (e *Engine) Count(col string) (int64, error) {
	var n int64
	var err = e.db.View(func(btx *bolt.Tx) error {
		if b := btx.Bucket(docBucket(col)); b != nil {
			n = int64(b.Stats().KeyN)
		}
		return nil
	})
	return n, err
}

// Scan iterates every document of |col| in identifier order, observing
// |ctx| between documents.
func (e *Engine) Scan(ctx context.Context, col string, fn func(codec.DocID, codec.Document) error) error {
	return e.db.View(func(btx *bolt.Tx) error {
		return e.scanTx(ctx, btx, col, fn)
	})
}

func (e *Engine) scanTx(ctx context.Context, btx *bolt.Tx, col string, fn func(codec.DocID, codec.Document) error) error {
	var b = btx.Bucket(docBucket(col))
	if b == nil {
		return nil
	}
	var rev = e.dict.Reverse()
	return b.ForEach(func(k, v []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var id, err = codec.ParseKey(k)
		if err != nil {
			return err
		}
		doc, err := codec.Decode(v, rev)
		if err != nil {
			return err
		}
		return fn(id, doc)
	})
}

// IndexRange probes a btree index bucket for identifiers whose indexed
// value lies in [min, max] (either bound may be unset). Identifiers are
// yielded in value order.
func (e *Engine) IndexRange(ctx context.Context, col, index string, min, max *codec.Value, fn func(codec.DocID) error) error {
	return e.db.View(func(btx *bolt.Tx) error {
		var b = btx.Bucket(indexBucket(col, index))
		if b == nil {
			return nil
		}
		var lo []byte
		if min != nil {
			var k, ok = indexKey(*min)
			if !ok {
				return fault.Errorf(fault.SemanticFailure, "value kind %s is not indexable", min.Kind)
			}
			lo = escapeValueKey(k)
		}
		var hi []byte
		if max != nil {
			var k, ok = indexKey(*max)
			if !ok {
				return fault.Errorf(fault.SemanticFailure, "value kind %s is not indexable", max.Kind)
			}
			// 0x00 0x01 sorts after the 0x00 0x00 terminator of every entry
			// with this exact value, making the bound inclusive.
			hi = append(escapeValueKey(k), 0x00, 0x01)
		}

		var cur = b.Cursor()
		var k []byte
		if lo == nil {
			k, _ = cur.First()
		} else {
			k, _ = cur.Seek(lo)
		}
		for ; k != nil; k, _ = cur.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if hi != nil && bytes.Compare(k, hi) > 0 {
				return nil
			}
			var dk, ok = entryDocKey(k)
			if !ok {
				continue
			}
			var id, err = codec.ParseKey(dk)
			if err != nil {
				return err
			}
			if err = fn(id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Core write paths, shared by auto-commit operations and explicit Tx.

func (e *Engine) insertTx(btx *bolt.Tx, m *collectionMeta, doc codec.Document) (codec.DocID, error) {
	var id, ok = doc.ID()
	if !ok {
		id = codec.NewObjectID()
		doc.Set(codec.IDField, id.Value())
	}
	var key = id.Key()

	var b, err = btx.CreateBucketIfNotExists(docBucket(m.Name))
	if err != nil {
		return codec.DocID{}, err
	}
	if b.Get(key) != nil {
		return codec.DocID{}, fault.Errorf(fault.Conflict, "document %s already exists in %q", id, m.Name)
	}
	raw, err := e.encodeForStore(btx, doc)
	if err != nil {
		return codec.DocID{}, err
	}
	if err = b.Put(key, raw); err != nil {
		return codec.DocID{}, err
	}
	return id, e.updateIndexesTx(btx, m, key, nil, doc)
}

func (e *Engine) updateTx(btx *bolt.Tx, m *collectionMeta, doc codec.Document) (bool, codec.DocID, error) {
	var id, ok = doc.ID()
	if !ok {
		return false, codec.DocID{}, fault.Errorf(fault.InvalidInput, "update requires a document identifier")
	}
	var key = id.Key()

	var b = btx.Bucket(docBucket(m.Name))
	if b == nil {
		return false, id, nil
	}
	var prev = b.Get(key)
	if prev == nil {
		return false, id, nil
	}
	var old, err = codec.Decode(prev, e.dict.Reverse())
	if err != nil {
		return false, id, err
	}
	raw, err := e.encodeForStore(btx, doc)
	if err != nil {
		return false, id, err
	}
	if err = b.Put(key, raw); err != nil {
		return false, id, err
	}
	return true, id, e.updateIndexesTx(btx, m, key, old, doc)
}

func (e *Engine) deleteTx(btx *bolt.Tx, m *collectionMeta, id codec.DocID) (bool, error) {
	var key = id.Key()
	var b = btx.Bucket(docBucket(m.Name))
	if b == nil {
		return false, nil
	}
	var prev = b.Get(key)
	if prev == nil {
		return false, nil
	}
	var old, err = codec.Decode(prev, e.dict.Reverse())
	if err != nil {
		return false, err
	}
	if err = b.Delete(key); err != nil {
		return false, err
	}
	return true, e.updateIndexesTx(btx, m, key, old, nil)
}

func (e *Engine) encodeForStore(btx *bolt.Tx, doc codec.Document) ([]byte, error) {
	var before = e.dict.Len()
	if _, err := e.dict.Register(doc.FieldNames()); err != nil {
		return nil, err
	}
	if e.dict.Len() != before {
		if err := e.persistDict(btx); err != nil {
			return nil, err
		}
	}
	return codec.Encode(doc, e.dict.Forward())
}

// updateIndexesTx maintains every secondary index of |m| across a document
// transition. |oldDoc| is nil on insert, |newDoc| nil on delete.
func (e *Engine) updateIndexesTx(btx *bolt.Tx, m *collectionMeta, docKey []byte, oldDoc, newDoc codec.Document) error {
	for _, ix := range m.Indexes {
		var b, err = btx.CreateBucketIfNotExists(indexBucket(m.Name, ix.Name))
		if err != nil {
			return err
		}
		switch ix.Kind {
		case IndexVector:
			if err = updateVectorEntry(b, ix, docKey, newDoc); err != nil {
				return err
			}
		default: // btree and spatial share the ordered-entry layout.
			if err = updateBTreeEntry(b, ix, docKey, oldDoc, newDoc); err != nil {
				return err
			}
		}
	}
	return nil
}

func updateBTreeEntry(b *bolt.Bucket, ix IndexSpec, docKey []byte, oldDoc, newDoc codec.Document) error {
	if oldDoc != nil {
		if v, ok := oldDoc.Lookup(ix.Field); ok {
			if k, ok := indexKey(v); ok {
				if err := b.Delete(entryKey(k, docKey)); err != nil {
					return err
				}
			}
		}
	}
	if newDoc == nil {
		return nil
	}
	var v, ok = newDoc.Lookup(ix.Field)
	if !ok {
		return nil
	}
	var k, indexable = indexKey(v)
	if !indexable {
		return nil
	}
	if ix.Unique {
		var prefix = append(escapeValueKey(k), 0x00, 0x00)
		var cur = b.Cursor()
		if found, _ := cur.Seek(prefix); found != nil && bytes.HasPrefix(found, prefix) &&
			!bytes.Equal(found, entryKey(k, docKey)) {
			return fault.Errorf(fault.Conflict, "unique index %q violated", ix.Name)
		}
	}
	return b.Put(entryKey(k, docKey), nil)
}

func updateVectorEntry(b *bolt.Bucket, ix IndexSpec, docKey []byte, newDoc codec.Document) error {
	if newDoc == nil {
		return b.Delete(docKey)
	}
	var v, ok = newDoc.Lookup(ix.Field)
	if !ok {
		return b.Delete(docKey)
	}
	var vec, ok2 = asVector(v)
	if !ok2 {
		return b.Delete(docKey)
	}
	if ix.Dims > 0 && len(vec) != ix.Dims {
		return fault.Errorf(fault.InvalidInput, "vector field %q has %d dims, index %q wants %d",
			ix.Field, len(vec), ix.Name, ix.Dims)
	}
	return b.Put(docKey, packVector(vec))
}

func asVector(v codec.Value) ([]float32, bool) {
	switch v.Kind {
	case codec.KindVector:
		return v.Vector, true
	case codec.KindArray:
		var out = make([]float32, len(v.Array))
		for i, e := range v.Array {
			switch e.Kind {
			case codec.KindDouble:
				out[i] = float32(e.F)
			case codec.KindInt32, codec.KindInt64:
				out[i] = float32(e.I)
			default:
				return nil, false
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func packVector(vec []float32) []byte {
	var out = make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func unpackVector(raw []byte) []float32 {
	var out = make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}

// Index entry keys join the value key and the document key with an
// unambiguous boundary: 0x00 bytes inside the value key are escaped to
// 0x00 0xff, a 0x00 0x00 pair terminates it, and the document key follows
// verbatim. The escape preserves byte order, so cursor ranges over raw
// value keys remain correct even when values or identifiers contain
// zero bytes.
func escapeValueKey(valueKey []byte) []byte {
	var out = make([]byte, 0, len(valueKey)+2)
	for _, c := range valueKey {
		if c == 0x00 {
			out = append(out, 0x00, 0xff)
		} else {
			out = append(out, c)
		}
	}
	return out
}

func entryKey(valueKey, docKey []byte) []byte {
	var out = escapeValueKey(valueKey)
	out = append(out, 0x00, 0x00)
	return append(out, docKey...)
}

// entryDocKey recovers the document key trailer of an index entry. The
// terminator is the first 0x00 not followed by the 0xff escape.
func entryDocKey(k []byte) ([]byte, bool) {
	for i := 0; i+1 < len(k); i++ {
		if k[i] != 0x00 {
			continue
		}
		if k[i+1] == 0x00 {
			return k[i+2:], true
		}
		i++ // 0x00 0xff is an escaped zero inside the value key
	}
	return nil, false
}

// indexKey maps a value to order-preserving bytes grouped by type class.
// Numerics of any width share one class so that 10 (int32) and 10.0
// (double) index identically.
func indexKey(v codec.Value) ([]byte, bool) {
	switch v.Kind {
	case codec.KindNull:
		return []byte{0x00}, true
	case codec.KindBool:
		if v.B {
			return []byte{0x10, 1}, true
		}
		return []byte{0x10, 0}, true
	case codec.KindInt32, codec.KindInt64:
		return numericKey(float64(v.I)), true
	case codec.KindDouble:
		return numericKey(v.F), true
	case codec.KindTimestamp:
		var out = make([]byte, 9)
		out[0] = 0x40
		binary.BigEndian.PutUint64(out[1:], uint64(v.I)^0x8000000000000000)
		return out, true
	case codec.KindString, codec.KindDecimal:
		return append([]byte{0x30}, v.S...), true
	case codec.KindUUID:
		return append([]byte{0x50}, v.UUID[:]...), true
	case codec.KindObjectID, codec.KindBytes:
		return append([]byte{0x50}, v.Raw...), true
	default:
		return nil, false
	}
}

func numericKey(f float64) []byte {
	var bits = math.Float64bits(f)
	if f >= 0 {
		bits |= 0x8000000000000000
	} else {
		bits = ^bits
	}
	var out = make([]byte, 9)
	out[0] = 0x20
	binary.BigEndian.PutUint64(out[1:], bits)
	return out
}

func (e *Engine) backfillIndex(col string, spec IndexSpec) error {
	return e.db.Update(func(btx *bolt.Tx) error {
		var m, ok = e.meta(col)
		if !ok {
			return nil
		}
		var scoped = *m
		scoped.Indexes = []IndexSpec{spec}
		return e.scanTx(context.Background(), btx, col, func(id codec.DocID, doc codec.Document) error {
			return e.updateIndexesTx(btx, &scoped, id.Key(), nil, doc)
		})
	})
}
