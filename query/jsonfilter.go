package query

import (
	"strings"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/fault"
)

// The HTTP surface accepts a minimal MongoDB-style filter dialect and
// compiles it into the same descriptor tree the binary surface uses.
//
//	{"score": {"$gt": 30}, "tag": "a"}
//	{"$or": [{"name": {"$startsWith": "al"}}, {"value": {"$in": [1, 2]}}]}

// CompileJSONFilter builds a filter tree from a decoded JSON object.
// An empty object compiles to a nil (match-all) node.
func CompileJSONFilter(filter map[string]interface{}) (*Node, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	var children []*Node
	for key, raw := range filter {
		var n, err = compileEntry(key, raw)
		if err != nil {
			return nil, err
		}
		children = append(children, n)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return And(children...), nil
}

func compileEntry(key string, raw interface{}) (*Node, error) {
	switch strings.ToLower(key) {
	case "$and", "$or":
		var items, ok = raw.([]interface{})
		if !ok || len(items) == 0 {
			return nil, fault.Errorf(fault.InvalidInput, "%s requires a non-empty array", key)
		}
		var children = make([]*Node, 0, len(items))
		for _, item := range items {
			var obj, ok = item.(map[string]interface{})
			if !ok {
				return nil, fault.Errorf(fault.InvalidInput, "%s elements must be objects", key)
			}
			var n, err = CompileJSONFilter(obj)
			if err != nil {
				return nil, err
			}
			if n != nil {
				children = append(children, n)
			}
		}
		if strings.EqualFold(key, "$and") {
			return And(children...), nil
		}
		return Or(children...), nil
	case "$not":
		var obj, ok = raw.(map[string]interface{})
		if !ok {
			return nil, fault.Errorf(fault.InvalidInput, "$not requires an object")
		}
		var n, err = CompileJSONFilter(obj)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nil, fault.Errorf(fault.InvalidInput, "$not requires a non-empty object")
		}
		return Not(n), nil
	}
	if strings.HasPrefix(key, "$") {
		return nil, fault.Errorf(fault.InvalidInput, "unknown query operator %q", key)
	}

	// Field position: either a bare scalar (equality) or an operator object.
	if obj, ok := raw.(map[string]interface{}); ok {
		return compileFieldOps(key, obj)
	}
	var v, err = scalarFromJSON(raw)
	if err != nil {
		return nil, err
	}
	return Binary(key, OpEq, v), nil
}

var jsonOps = map[string]CmpOp{
	"$eq":         OpEq,
	"$ne":         OpNe,
	"$lt":         OpLt,
	"$lte":        OpLte,
	"$gt":         OpGt,
	"$gte":        OpGte,
	"$startswith": OpStartsWith,
	"$contains":   OpContains,
	"$in":         OpIn,
}

func compileFieldOps(field string, obj map[string]interface{}) (*Node, error) {
	var children []*Node
	for opName, raw := range obj {
		var op, ok = jsonOps[strings.ToLower(opName)]
		if !ok {
			return nil, fault.Errorf(fault.InvalidInput, "unknown query operator %q", opName)
		}
		if op == OpIn {
			var items, ok = raw.([]interface{})
			if !ok {
				return nil, fault.Errorf(fault.InvalidInput, "$in requires an array")
			}
			var values = make([]codec.Value, 0, len(items))
			for _, item := range items {
				var v, err = scalarFromJSON(item)
				if err != nil {
					return nil, err
				}
				values = append(values, v)
			}
			children = append(children, In(field, values...))
			continue
		}
		var v, err = scalarFromJSON(raw)
		if err != nil {
			return nil, err
		}
		children = append(children, Binary(field, op, v))
	}
	if len(children) == 0 {
		return nil, fault.Errorf(fault.InvalidInput, "field %q has an empty operator object", field)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return And(children...), nil
}

func scalarFromJSON(raw interface{}) (codec.Value, error) {
	switch t := raw.(type) {
	case nil:
		return codec.Null(), nil
	case bool:
		return codec.Bool(t), nil
	case string:
		return codec.String(t), nil
	case float64:
		if t == float64(int64(t)) {
			return codec.Int64(int64(t)), nil
		}
		return codec.Double(t), nil
	default:
		return codec.Value{}, fault.Errorf(fault.InvalidInput, "unsupported filter operand %T", raw)
	}
}

// JSONQuery is the body shape of the HTTP /query endpoints.
type JSONQuery struct {
	Filter map[string]interface{} `json:"filter,omitempty"`
	Sort   []JSONSortKey          `json:"sort,omitempty"`
	Select []string               `json:"select,omitempty"`
	Skip   int64                  `json:"skip,omitempty"`
	Take   *int64                 `json:"take,omitempty"`
}

// JSONSortKey is one sort directive of a JSON query body.
type JSONSortKey struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Descriptor compiles the JSON body into a descriptor for |collection|.
func (q *JSONQuery) Descriptor(collection string) (*Descriptor, error) {
	var where, err = CompileJSONFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	var d = &Descriptor{
		Collection: collection,
		Where:      where,
		Select:     q.Select,
		Skip:       q.Skip,
		Take:       -1,
	}
	if q.Take != nil {
		d.Take = *q.Take
	}
	for _, key := range q.Sort {
		d.OrderBy = append(d.OrderBy, SortKey{Field: strings.ToLower(key.Field), Desc: key.Desc})
	}
	return d, d.Validate()
}
