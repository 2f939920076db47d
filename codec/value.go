// Package codec implements the BLite document model and its compact binary
// wire format. Documents are encoded as framed (field-id, tag, value)
// triples, where field ids are assigned by the owning database's dictionary.
package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind tags a Value on the wire.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt32
	KindInt64
	KindDouble
	KindDecimal
	KindString
	KindBytes
	KindTimestamp
	KindUUID
	KindObjectID
	KindVector
	KindArray
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindDouble:
		return "double"
	case KindDecimal:
		return "decimal"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTimestamp:
		return "timestamp"
	case KindUUID:
		return "uuid"
	case KindObjectID:
		return "objectid"
	case KindVector:
		return "vector"
	case KindArray:
		return "array"
	case KindDocument:
		return "document"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged scalar, vector, array, or embedded document.
type Value struct {
	Kind   Kind
	B      bool
	I      int64 // int32, int64, and timestamp (UTC nanoseconds)
	F      float64
	S      string // string and decimal (canonical form)
	Raw    []byte // bytes and objectid (12 bytes)
	UUID   uuid.UUID
	Vector []float32
	Array  []Value
	Doc    Document
}

// Constructors.

func Null() Value                 { return Value{Kind: KindNull} }
func Bool(b bool) Value           { return Value{Kind: KindBool, B: b} }
func Int32(i int32) Value         { return Value{Kind: KindInt32, I: int64(i)} }
func Int64(i int64) Value         { return Value{Kind: KindInt64, I: i} }
func Double(f float64) Value      { return Value{Kind: KindDouble, F: f} }
func Decimal(s string) Value      { return Value{Kind: KindDecimal, S: s} }
func String(s string) Value       { return Value{Kind: KindString, S: s} }
func Bytes(b []byte) Value        { return Value{Kind: KindBytes, Raw: b} }
func UUIDValue(u uuid.UUID) Value { return Value{Kind: KindUUID, UUID: u} }
func Vector32(v []float32) Value  { return Value{Kind: KindVector, Vector: v} }
func Array(vs ...Value) Value     { return Value{Kind: KindArray, Array: vs} }
func Embedded(d Document) Value   { return Value{Kind: KindDocument, Doc: d} }

// Timestamp returns a timestamp Value, normalized to UTC.
func Timestamp(t time.Time) Value {
	return Value{Kind: KindTimestamp, I: t.UTC().UnixNano()}
}

// Time returns the timestamp Value as a time.Time.
func (v Value) Time() time.Time { return time.Unix(0, v.I).UTC() }

// IsNull reports whether the value is the null scalar.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Text renders the value for embedding-input synthesis and logging.
func (v Value) Text() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.B)
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.I, 10)
	case KindDouble:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KindDecimal, KindString:
		return v.S
	case KindTimestamp:
		return v.Time().Format(time.RFC3339Nano)
	case KindUUID:
		return v.UUID.String()
	case KindObjectID:
		return fmt.Sprintf("%x", v.Raw)
	case KindArray:
		var parts = make([]string, len(v.Array))
		for i, e := range v.Array {
			parts[i] = e.Text()
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// numeric returns the value as float64 for cross-kind numeric comparison.
func (v Value) numeric() (float64, bool) {
	switch v.Kind {
	case KindInt32, KindInt64:
		return float64(v.I), true
	case KindDouble:
		return v.F, true
	case KindDecimal:
		var f, err = strconv.ParseFloat(v.S, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Compare orders two values of comparable kinds. The second return is false
// when the kinds cannot be compared.
func Compare(a, b Value) (int, bool) {
	if af, ok := a.numeric(); ok {
		if bf, ok := b.numeric(); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if a.Kind != b.Kind {
		return 0, false
	}
	switch a.Kind {
	case KindNull:
		return 0, true
	case KindBool:
		switch {
		case !a.B && b.B:
			return -1, true
		case a.B && !b.B:
			return 1, true
		default:
			return 0, true
		}
	case KindString:
		return strings.Compare(a.S, b.S), true
	case KindTimestamp:
		switch {
		case a.I < b.I:
			return -1, true
		case a.I > b.I:
			return 1, true
		default:
			return 0, true
		}
	case KindUUID:
		return bytes.Compare(a.UUID[:], b.UUID[:]), true
	case KindObjectID, KindBytes:
		return bytes.Compare(a.Raw, b.Raw), true
	default:
		return 0, false
	}
}

// Equal reports deep equality of two values.
func Equal(a, b Value) bool {
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindVector:
		if len(a.Vector) != len(b.Vector) {
			return false
		}
		for i := range a.Vector {
			if a.Vector[i] != b.Vector[i] {
				return false
			}
		}
		return true
	case KindArray:
		if len(a.Array) != len(b.Array) {
			return false
		}
		for i := range a.Array {
			if !Equal(a.Array[i], b.Array[i]) {
				return false
			}
		}
		return true
	case KindDocument:
		return a.Doc.Equal(b.Doc)
	default:
		return false
	}
}
