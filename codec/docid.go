package codec

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blitedb/blite/fault"
)

// IDKind tags the wire form of a document identifier.
type IDKind uint8

const (
	IDObjectID IDKind = 1
	IDString   IDKind = 2
	IDInt32    IDKind = 3
	IDInt64    IDKind = 4
	IDUUID     IDKind = 5
)

// DocID is a document identifier: a kind plus the identifier's canonical
// byte encoding for that kind. Integer encodings are big-endian with the
// sign bit flipped, so that Key() sorts in numeric order.
type DocID struct {
	Kind IDKind
	Raw  []byte
}

// Key returns the engine storage key: the kind byte followed by the
// canonical bytes.
func (id DocID) Key() []byte {
	var out = make([]byte, 1+len(id.Raw))
	out[0] = byte(id.Kind)
	copy(out[1:], id.Raw)
	return out
}

// String renders the id for logs and URL paths.
func (id DocID) String() string {
	switch id.Kind {
	case IDObjectID:
		return fmt.Sprintf("%x", id.Raw)
	case IDString:
		return string(id.Raw)
	case IDInt32:
		return fmt.Sprintf("%d", int32(binary.BigEndian.Uint32(id.Raw)^0x80000000))
	case IDInt64:
		return fmt.Sprintf("%d", int64(binary.BigEndian.Uint64(id.Raw)^0x8000000000000000))
	case IDUUID:
		var u, err = uuid.FromBytes(id.Raw)
		if err != nil {
			return fmt.Sprintf("%x", id.Raw)
		}
		return u.String()
	default:
		return fmt.Sprintf("id(%d:%x)", id.Kind, id.Raw)
	}
}

// IsZero reports whether the id is unset.
func (id DocID) IsZero() bool { return id.Kind == 0 }

// Equal reports identifier equality.
func (id DocID) Equal(other DocID) bool {
	return id.Kind == other.Kind && bytes.Equal(id.Raw, other.Raw)
}

// StringID builds a string-kind identifier.
func StringID(s string) DocID { return DocID{Kind: IDString, Raw: []byte(s)} }

// Int32ID builds an int32-kind identifier.
func Int32ID(i int32) DocID {
	var raw = make([]byte, 4)
	binary.BigEndian.PutUint32(raw, uint32(i)^0x80000000)
	return DocID{Kind: IDInt32, Raw: raw}
}

// Int64ID builds an int64-kind identifier.
func Int64ID(i int64) DocID {
	var raw = make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(i)^0x8000000000000000)
	return DocID{Kind: IDInt64, Raw: raw}
}

// UUIDID builds a uuid-kind identifier.
func UUIDID(u uuid.UUID) DocID { return DocID{Kind: IDUUID, Raw: append([]byte(nil), u[:]...)} }

var oidCounter uint32

// NewObjectID mints a 12-byte object id: 4 bytes of unix seconds, 5 random
// bytes, and a 3-byte counter.
func NewObjectID() DocID {
	var raw = make([]byte, 12)
	binary.BigEndian.PutUint32(raw[0:4], uint32(time.Now().Unix()))
	if _, err := rand.Read(raw[4:9]); err != nil {
		panic(err) // crypto/rand does not fail on supported platforms.
	}
	var n = atomic.AddUint32(&oidCounter, 1)
	raw[9] = byte(n >> 16)
	raw[10] = byte(n >> 8)
	raw[11] = byte(n)
	return DocID{Kind: IDObjectID, Raw: raw}
}

// ParseDocID validates a (kind, bytes) wire pair.
func ParseDocID(kind IDKind, raw []byte) (DocID, error) {
	switch kind {
	case IDObjectID:
		if len(raw) != 12 {
			return DocID{}, fault.Errorf(fault.InvalidInput, "objectid must be 12 bytes, got %d", len(raw))
		}
	case IDInt32:
		if len(raw) != 4 {
			return DocID{}, fault.Errorf(fault.InvalidInput, "int32 id must be 4 bytes, got %d", len(raw))
		}
	case IDInt64:
		if len(raw) != 8 {
			return DocID{}, fault.Errorf(fault.InvalidInput, "int64 id must be 8 bytes, got %d", len(raw))
		}
	case IDUUID:
		if len(raw) != 16 {
			return DocID{}, fault.Errorf(fault.InvalidInput, "uuid id must be 16 bytes, got %d", len(raw))
		}
	case IDString:
		if len(raw) == 0 {
			return DocID{}, fault.Errorf(fault.InvalidInput, "string id must not be empty")
		}
	default:
		return DocID{}, fault.Errorf(fault.InvalidInput, "unknown id kind %d", kind)
	}
	return DocID{Kind: kind, Raw: append([]byte(nil), raw...)}, nil
}

// ParseKey inverts DocID.Key.
func ParseKey(key []byte) (DocID, error) {
	if len(key) < 2 {
		return DocID{}, fault.Errorf(fault.InvalidInput, "document key too short")
	}
	return ParseDocID(IDKind(key[0]), key[1:])
}

// Value converts the identifier into the document value stored under _id.
func (id DocID) Value() Value {
	switch id.Kind {
	case IDObjectID:
		return Value{Kind: KindObjectID, Raw: append([]byte(nil), id.Raw...)}
	case IDString:
		return String(string(id.Raw))
	case IDInt32:
		return Int32(int32(binary.BigEndian.Uint32(id.Raw) ^ 0x80000000))
	case IDInt64:
		return Int64(int64(binary.BigEndian.Uint64(id.Raw) ^ 0x8000000000000000))
	case IDUUID:
		var u, _ = uuid.FromBytes(id.Raw)
		return UUIDValue(u)
	default:
		return Null()
	}
}

// IDFromValue converts a document value into an identifier.
func IDFromValue(v Value) (DocID, error) {
	switch v.Kind {
	case KindObjectID:
		return ParseDocID(IDObjectID, v.Raw)
	case KindString:
		return ParseDocID(IDString, []byte(v.S))
	case KindInt32:
		return Int32ID(int32(v.I)), nil
	case KindInt64:
		return Int64ID(v.I), nil
	case KindUUID:
		return UUIDID(v.UUID), nil
	default:
		return DocID{}, fault.Errorf(fault.InvalidInput, "%s is not an identifier kind", v.Kind)
	}
}
