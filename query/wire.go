package query

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"math"

	"github.com/google/uuid"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/fault"
)

// Wire form of a Descriptor: a version byte, a flags byte (bit 0 set when
// the payload is DEFLATE-compressed), a uvarint payload length, and the
// payload. The server treats descriptor bytes as opaque between transport
// and executor; this file is the single place that pins the layout.

const (
	wireVersion    = 0x01
	flagCompressed = 0x01

	// compressThreshold is the payload size above which EncodeDescriptor
	// compresses.
	compressThreshold = 512
)

// EncodeDescriptor serialises a descriptor.
func EncodeDescriptor(d *Descriptor) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var payload bytes.Buffer
	writeString(&payload, d.Collection)

	if d.Where != nil {
		payload.WriteByte(1)
		if err := writeNode(&payload, d.Where); err != nil {
			return nil, err
		}
	} else {
		payload.WriteByte(0)
	}

	writeUvarint(&payload, uint64(len(d.Select)))
	for _, f := range d.Select {
		writeString(&payload, f)
	}
	writeString(&payload, d.TypeHint)

	writeUvarint(&payload, uint64(len(d.OrderBy)))
	for _, key := range d.OrderBy {
		writeString(&payload, key.Field)
		writeBool(&payload, key.Desc)
	}
	writeVarint(&payload, d.Skip)
	writeVarint(&payload, d.Take)

	var out bytes.Buffer
	out.WriteByte(wireVersion)
	var raw = payload.Bytes()
	if len(raw) > compressThreshold {
		var compressed bytes.Buffer
		var w, _ = flate.NewWriter(&compressed, flate.BestSpeed)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		out.WriteByte(flagCompressed)
		writeUvarint(&out, uint64(compressed.Len()))
		out.Write(compressed.Bytes())
	} else {
		out.WriteByte(0)
		writeUvarint(&out, uint64(len(raw)))
		out.Write(raw)
	}
	return out.Bytes(), nil
}

// DecodeDescriptor inverts EncodeDescriptor and validates the result.
func DecodeDescriptor(buf []byte) (*Descriptor, error) {
	var r = bytes.NewReader(buf)
	var version, err = r.ReadByte()
	if err != nil || version != wireVersion {
		return nil, fault.Errorf(fault.InvalidInput, "bad descriptor header")
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, badDescriptor(err)
	}
	size, err := binary.ReadUvarint(r)
	if err != nil || size > uint64(r.Len()) {
		return nil, fault.Errorf(fault.InvalidInput, "bad descriptor payload length")
	}
	var payload = make([]byte, size)
	if _, err = io.ReadFull(r, payload); err != nil {
		return nil, badDescriptor(err)
	}
	if flags&flagCompressed != 0 {
		var fr = flate.NewReader(bytes.NewReader(payload))
		if payload, err = io.ReadAll(fr); err != nil {
			return nil, fault.Errorf(fault.InvalidInput, "decompressing descriptor: %s", err)
		}
		_ = fr.Close()
	}

	var pr = bytes.NewReader(payload)
	var d = new(Descriptor)
	if d.Collection, err = readWireString(pr); err != nil {
		return nil, err
	}
	hasWhere, err := pr.ReadByte()
	if err != nil {
		return nil, badDescriptor(err)
	}
	if hasWhere == 1 {
		if d.Where, err = readNode(pr, 0); err != nil {
			return nil, err
		}
	}
	nSelect, err := binary.ReadUvarint(pr)
	if err != nil {
		return nil, badDescriptor(err)
	}
	for i := uint64(0); i < nSelect; i++ {
		f, err := readWireString(pr)
		if err != nil {
			return nil, err
		}
		d.Select = append(d.Select, f)
	}
	if d.TypeHint, err = readWireString(pr); err != nil {
		return nil, err
	}
	nOrder, err := binary.ReadUvarint(pr)
	if err != nil {
		return nil, badDescriptor(err)
	}
	for i := uint64(0); i < nOrder; i++ {
		var key SortKey
		if key.Field, err = readWireString(pr); err != nil {
			return nil, err
		}
		if key.Desc, err = readWireBool(pr); err != nil {
			return nil, err
		}
		d.OrderBy = append(d.OrderBy, key)
	}
	if d.Skip, err = binary.ReadVarint(pr); err != nil {
		return nil, badDescriptor(err)
	}
	if d.Take, err = binary.ReadVarint(pr); err != nil {
		return nil, badDescriptor(err)
	}
	if pr.Len() != 0 {
		return nil, fault.Errorf(fault.InvalidInput, "%d trailing descriptor bytes", pr.Len())
	}
	return d, d.Validate()
}

const maxNodeDepth = 64

func writeNode(buf *bytes.Buffer, n *Node) error {
	buf.WriteByte(byte(n.Kind))
	switch n.Kind {
	case NodeBinary:
		writeString(buf, n.Field)
		buf.WriteByte(byte(n.Op))
		if n.Op == OpIn {
			writeUvarint(buf, uint64(len(n.Values)))
			for _, v := range n.Values {
				if err := writeScalar(buf, v); err != nil {
					return err
				}
			}
			return nil
		}
		return writeScalar(buf, n.Value)
	case NodeAnd, NodeOr, NodeNot:
		writeUvarint(buf, uint64(len(n.Children)))
		for _, c := range n.Children {
			if err := writeNode(buf, c); err != nil {
				return err
			}
		}
		return nil
	default:
		return fault.Errorf(fault.InvalidInput, "unknown filter node kind %d", n.Kind)
	}
}

func readNode(r *bytes.Reader, depth int) (*Node, error) {
	if depth > maxNodeDepth {
		return nil, fault.Errorf(fault.InvalidInput, "filter tree too deep")
	}
	var kind, err = r.ReadByte()
	if err != nil {
		return nil, badDescriptor(err)
	}
	var n = &Node{Kind: NodeKind(kind)}
	switch n.Kind {
	case NodeBinary:
		if n.Field, err = readWireString(r); err != nil {
			return nil, err
		}
		op, err := r.ReadByte()
		if err != nil {
			return nil, badDescriptor(err)
		}
		n.Op = CmpOp(op)
		if n.Op == OpIn {
			count, err := binary.ReadUvarint(r)
			if err != nil || count > uint64(r.Len()) {
				return nil, fault.Errorf(fault.InvalidInput, "bad operand count")
			}
			for i := uint64(0); i < count; i++ {
				v, err := readScalar(r)
				if err != nil {
					return nil, err
				}
				n.Values = append(n.Values, v)
			}
			return n, nil
		}
		if n.Value, err = readScalar(r); err != nil {
			return nil, err
		}
		return n, nil
	case NodeAnd, NodeOr, NodeNot:
		count, err := binary.ReadUvarint(r)
		if err != nil || count > uint64(r.Len()) {
			return nil, fault.Errorf(fault.InvalidInput, "bad child count")
		}
		for i := uint64(0); i < count; i++ {
			c, err := readNode(r, depth+1)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, c)
		}
		return n, nil
	default:
		return nil, fault.Errorf(fault.InvalidInput, "unknown filter node kind %d", kind)
	}
}

// Scalar operands reuse the codec's kind tags but carry no field ids, so
// field names never appear in a filter payload.

func writeScalar(buf *bytes.Buffer, v codec.Value) error {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case codec.KindNull:
	case codec.KindBool:
		writeBool(buf, v.B)
	case codec.KindInt32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(v.I)))
		buf.Write(b[:])
	case codec.KindInt64, codec.KindTimestamp:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.I))
		buf.Write(b[:])
	case codec.KindDouble:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.F))
		buf.Write(b[:])
	case codec.KindDecimal, codec.KindString:
		writeString(buf, v.S)
	case codec.KindUUID:
		buf.Write(v.UUID[:])
	case codec.KindObjectID:
		buf.Write(v.Raw)
	default:
		return fault.Errorf(fault.InvalidInput, "%s is not a filter operand kind", v.Kind)
	}
	return nil
}

func readScalar(r *bytes.Reader) (codec.Value, error) {
	var tag, err = r.ReadByte()
	if err != nil {
		return codec.Value{}, badDescriptor(err)
	}
	switch codec.Kind(tag) {
	case codec.KindNull:
		return codec.Null(), nil
	case codec.KindBool:
		var b, err = readWireBool(r)
		return codec.Bool(b), err
	case codec.KindInt32:
		var b [4]byte
		if _, err = io.ReadFull(r, b[:]); err != nil {
			return codec.Value{}, badDescriptor(err)
		}
		return codec.Int32(int32(binary.LittleEndian.Uint32(b[:]))), nil
	case codec.KindInt64, codec.KindTimestamp:
		var b [8]byte
		if _, err = io.ReadFull(r, b[:]); err != nil {
			return codec.Value{}, badDescriptor(err)
		}
		return codec.Value{Kind: codec.Kind(tag), I: int64(binary.LittleEndian.Uint64(b[:]))}, nil
	case codec.KindDouble:
		var b [8]byte
		if _, err = io.ReadFull(r, b[:]); err != nil {
			return codec.Value{}, badDescriptor(err)
		}
		return codec.Double(math.Float64frombits(binary.LittleEndian.Uint64(b[:]))), nil
	case codec.KindDecimal, codec.KindString:
		var s, err = readWireString(r)
		return codec.Value{Kind: codec.Kind(tag), S: s}, err
	case codec.KindUUID:
		var b [16]byte
		if _, err = io.ReadFull(r, b[:]); err != nil {
			return codec.Value{}, badDescriptor(err)
		}
		return codec.UUIDValue(uuid.UUID(b)), nil
	case codec.KindObjectID:
		var b = make([]byte, 12)
		if _, err = io.ReadFull(r, b); err != nil {
			return codec.Value{}, badDescriptor(err)
		}
		return codec.Value{Kind: codec.KindObjectID, Raw: b}, nil
	default:
		return codec.Value{}, fault.Errorf(fault.InvalidInput, "unknown operand tag %d", tag)
	}
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
}

func writeVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutVarint(tmp[:], v)])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readWireString(r *bytes.Reader) (string, error) {
	var n, err = binary.ReadUvarint(r)
	if err != nil || n > uint64(r.Len()) {
		return "", fault.Errorf(fault.InvalidInput, "bad string length")
	}
	var b = make([]byte, n)
	if _, err = io.ReadFull(r, b); err != nil {
		return "", badDescriptor(err)
	}
	return string(b), nil
}

func readWireBool(r *bytes.Reader) (bool, error) {
	var b, err = r.ReadByte()
	if err != nil {
		return false, badDescriptor(err)
	}
	return b != 0, nil
}

func badDescriptor(err error) error {
	return fault.Errorf(fault.InvalidInput, "truncated descriptor: %s", err)
}
