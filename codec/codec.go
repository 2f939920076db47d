package codec

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/blitedb/blite/fault"
)

// Version is the first byte of every encoded document buffer.
const Version = 0x01

// Encode serialises a document as framed (field-id, tag, value) triples.
// Every field name, including nested ones, must be present in |forward|;
// a missing name is a hard failure.
func Encode(doc Document, forward map[string]uint16) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(Version)
	if err := encodeFields(&buf, doc, forward); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeFields(buf *bytes.Buffer, doc Document, forward map[string]uint16) error {
	var names = make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	// Ids, not names, determine field order so that encoding is stable.
	sort.Slice(names, func(i, j int) bool { return forward[names[i]] < forward[names[j]] })

	putUvarint(buf, uint64(len(names)))
	for _, name := range names {
		var id, ok = forward[name]
		if !ok {
			return fault.Errorf(fault.InvalidInput, "field %q is not registered in the dictionary", name)
		}
		putUvarint(buf, uint64(id))
		if err := encodeValue(buf, doc[name], forward); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(buf *bytes.Buffer, v Value, forward map[string]uint16) error {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindBool:
		if v.B {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindInt32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(v.I)))
		buf.Write(b[:])
	case KindInt64, KindTimestamp:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.I))
		buf.Write(b[:])
	case KindDouble:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.F))
		buf.Write(b[:])
	case KindDecimal, KindString:
		putUvarint(buf, uint64(len(v.S)))
		buf.WriteString(v.S)
	case KindBytes:
		putUvarint(buf, uint64(len(v.Raw)))
		buf.Write(v.Raw)
	case KindUUID:
		buf.Write(v.UUID[:])
	case KindObjectID:
		if len(v.Raw) != 12 {
			return fault.Errorf(fault.InvalidInput, "objectid must be 12 bytes, got %d", len(v.Raw))
		}
		buf.Write(v.Raw)
	case KindVector:
		putUvarint(buf, uint64(len(v.Vector)))
		for _, f := range v.Vector {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
			buf.Write(b[:])
		}
	case KindArray:
		putUvarint(buf, uint64(len(v.Array)))
		for _, e := range v.Array {
			if err := encodeValue(buf, e, forward); err != nil {
				return err
			}
		}
	case KindDocument:
		if err := encodeFields(buf, v.Doc, forward); err != nil {
			return err
		}
	default:
		return fault.Errorf(fault.InvalidInput, "cannot encode value kind %s", v.Kind)
	}
	return nil
}

// Decode inverts Encode. Every field id in |buf| must be present in
// |reverse|; a missing id is a hard failure.
func Decode(buf []byte, reverse map[uint16]string) (Document, error) {
	if len(buf) == 0 || buf[0] != Version {
		return nil, fault.Errorf(fault.InvalidInput, "bad document buffer header")
	}
	var r = bytes.NewReader(buf[1:])
	var doc, err = decodeFields(r, reverse)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fault.Errorf(fault.InvalidInput, "%d trailing bytes after document", r.Len())
	}
	return doc, nil
}

func decodeFields(r *bytes.Reader, reverse map[uint16]string) (Document, error) {
	var count, err = binary.ReadUvarint(r)
	if err != nil {
		return nil, fault.Errorf(fault.InvalidInput, "reading field count: %s", err)
	}
	var doc = make(Document, count)
	for i := uint64(0); i < count; i++ {
		id, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fault.Errorf(fault.InvalidInput, "reading field id: %s", err)
		}
		var name, ok = reverse[uint16(id)]
		if !ok {
			return nil, fault.Errorf(fault.InvalidInput, "field id %d is not in the dictionary", id)
		}
		v, err := decodeValue(r, reverse)
		if err != nil {
			return nil, err
		}
		doc[name] = v
	}
	return doc, nil
}

func decodeValue(r *bytes.Reader, reverse map[uint16]string) (Value, error) {
	var tag, err = r.ReadByte()
	if err != nil {
		return Value{}, fault.Errorf(fault.InvalidInput, "reading value tag: %s", err)
	}
	switch Kind(tag) {
	case KindNull:
		return Null(), nil
	case KindBool:
		var b, err = r.ReadByte()
		if err != nil {
			return Value{}, truncated(err)
		}
		return Bool(b != 0), nil
	case KindInt32:
		var b [4]byte
		if _, err = readFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return Int32(int32(binary.LittleEndian.Uint32(b[:]))), nil
	case KindInt64, KindTimestamp:
		var b [8]byte
		if _, err = readFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return Value{Kind: Kind(tag), I: int64(binary.LittleEndian.Uint64(b[:]))}, nil
	case KindDouble:
		var b [8]byte
		if _, err = readFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(b[:]))), nil
	case KindDecimal, KindString:
		var s, err = readString(r)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: Kind(tag), S: s}, nil
	case KindBytes:
		var raw, err = readBytes(r)
		if err != nil {
			return Value{}, err
		}
		return Bytes(raw), nil
	case KindUUID:
		var b [16]byte
		if _, err = readFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return UUIDValue(uuid.UUID(b)), nil
	case KindObjectID:
		var b = make([]byte, 12)
		if _, err = readFull(r, b); err != nil {
			return Value{}, err
		}
		return Value{Kind: KindObjectID, Raw: b}, nil
	case KindVector:
		var n, err = binary.ReadUvarint(r)
		if err != nil {
			return Value{}, truncated(err)
		}
		if n > uint64(r.Len()/4) {
			return Value{}, fault.Errorf(fault.InvalidInput, "vector length %d exceeds buffer", n)
		}
		var vec = make([]float32, n)
		var b [4]byte
		for i := range vec {
			if _, err = readFull(r, b[:]); err != nil {
				return Value{}, err
			}
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[:]))
		}
		return Vector32(vec), nil
	case KindArray:
		var n, err = binary.ReadUvarint(r)
		if err != nil {
			return Value{}, truncated(err)
		}
		if n > uint64(r.Len()) {
			return Value{}, fault.Errorf(fault.InvalidInput, "array length %d exceeds buffer", n)
		}
		var arr = make([]Value, n)
		for i := range arr {
			if arr[i], err = decodeValue(r, reverse); err != nil {
				return Value{}, err
			}
		}
		return Value{Kind: KindArray, Array: arr}, nil
	case KindDocument:
		var doc, err = decodeFields(r, reverse)
		if err != nil {
			return Value{}, err
		}
		return Embedded(doc), nil
	default:
		return Value{}, fault.Errorf(fault.InvalidInput, "unknown value tag %d", tag)
	}
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	var n, err = r.Read(b)
	if err != nil || n != len(b) {
		return n, fault.Errorf(fault.InvalidInput, "truncated document buffer")
	}
	return n, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n, err = binary.ReadUvarint(r)
	if err != nil {
		return nil, truncated(err)
	}
	if n > uint64(r.Len()) {
		return nil, fault.Errorf(fault.InvalidInput, "length %d exceeds buffer", n)
	}
	var b = make([]byte, n)
	if n == 0 {
		return b, nil
	}
	if _, err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	var b, err = readBytes(r)
	return string(b), err
}

func truncated(err error) error {
	return fault.Errorf(fault.InvalidInput, "truncated document buffer: %s", err)
}
