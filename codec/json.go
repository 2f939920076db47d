package codec

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/blitedb/blite/fault"
)

// FromJSON converts a decoded JSON object into a Document. Integral numbers
// become int64, other numbers double; nested objects become embedded
// documents. The HTTP surface uses this for document bodies.
func FromJSON(m map[string]interface{}) (Document, error) {
	var doc = make(Document, len(m))
	for name, raw := range m {
		var v, err = valueFromJSON(raw)
		if err != nil {
			return nil, fault.Errorf(fault.InvalidInput, "field %q: %s", name, err)
		}
		doc[strings.ToLower(name)] = v
	}
	return doc, nil
}

func valueFromJSON(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		if t == float64(int64(t)) {
			return Int64(int64(t)), nil
		}
		return Double(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int64(i), nil
		}
		var f, err = t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Double(f), nil
	case []interface{}:
		var arr = make([]Value, len(t))
		for i, e := range t {
			var v, err = valueFromJSON(e)
			if err != nil {
				return Value{}, err
			}
			arr[i] = v
		}
		return Value{Kind: KindArray, Array: arr}, nil
	case map[string]interface{}:
		var doc, err = FromJSON(t)
		if err != nil {
			return Value{}, err
		}
		return Embedded(doc), nil
	default:
		return Value{}, fault.Errorf(fault.InvalidInput, "unsupported JSON value %T", raw)
	}
}

// ToJSON converts a Document into a JSON-marshalable map. Timestamps render
// as RFC 3339, object ids as hex, bytes as base64, decimals as strings.
func ToJSON(doc Document) map[string]interface{} {
	var out = make(map[string]interface{}, len(doc))
	for name, v := range doc {
		out[name] = valueToJSON(v)
	}
	return out
}

func valueToJSON(v Value) interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.B
	case KindInt32, KindInt64:
		return v.I
	case KindDouble:
		return v.F
	case KindDecimal, KindString:
		return v.S
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.Raw)
	case KindTimestamp:
		return v.Time().Format(time.RFC3339Nano)
	case KindUUID:
		return v.UUID.String()
	case KindObjectID:
		return v.Text()
	case KindVector:
		return v.Vector
	case KindArray:
		var arr = make([]interface{}, len(v.Array))
		for i, e := range v.Array {
			arr[i] = valueToJSON(e)
		}
		return arr
	case KindDocument:
		return ToJSON(v.Doc)
	default:
		return nil
	}
}
