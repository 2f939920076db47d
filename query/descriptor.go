// Package query defines the language-neutral query descriptor, its wire
// form, and the executor that compiles descriptors against an engine with
// push-down of filter, sort, projection, and paging.
package query

import (
	"strings"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/fault"
)

// CmpOp is a binary filter operator.
type CmpOp uint8

const (
	OpEq CmpOp = iota + 1
	OpNe
	OpLt
	OpLte
	OpGt
	OpGte
	OpStartsWith
	OpContains
	OpIn
)

func (op CmpOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpStartsWith:
		return "startsWith"
	case OpContains:
		return "contains"
	case OpIn:
		return "in"
	default:
		return "op?"
	}
}

// NodeKind tags a filter-tree node.
type NodeKind uint8

const (
	NodeBinary NodeKind = iota + 1
	NodeAnd
	NodeOr
	NodeNot
)

// Node is one filter-tree node. Binary nodes use Field, Op, and Value
// (Values for OpIn); logical nodes use Children; Not uses Children[0].
type Node struct {
	Kind     NodeKind
	Field    string
	Op       CmpOp
	Value    codec.Value
	Values   []codec.Value
	Children []*Node
}

// SortKey is one ordered sort directive.
type SortKey struct {
	Field string
	Desc  bool
}

// Descriptor is the serialisable query IR.
type Descriptor struct {
	Collection string
	Where      *Node
	Select     []string
	TypeHint   string
	OrderBy    []SortKey
	Skip       int64
	Take       int64 // negative means unbounded
}

// Helpers for building descriptors in tests and in the client path.

func Binary(field string, op CmpOp, v codec.Value) *Node {
	return &Node{Kind: NodeBinary, Field: strings.ToLower(field), Op: op, Value: v}
}

func In(field string, vs ...codec.Value) *Node {
	return &Node{Kind: NodeBinary, Field: strings.ToLower(field), Op: OpIn, Values: vs}
}

func And(children ...*Node) *Node { return &Node{Kind: NodeAnd, Children: children} }
func Or(children ...*Node) *Node  { return &Node{Kind: NodeOr, Children: children} }
func Not(child *Node) *Node       { return &Node{Kind: NodeNot, Children: []*Node{child}} }

// Validate rejects malformed descriptors before any streaming begins.
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Collection) == "" {
		return fault.Errorf(fault.InvalidInput, "descriptor has no collection")
	}
	for _, key := range d.OrderBy {
		if strings.TrimSpace(key.Field) == "" {
			return fault.Errorf(fault.InvalidInput, "orderBy has an empty field path")
		}
	}
	if d.Where != nil {
		return validateNode(d.Where)
	}
	return nil
}

func validateNode(n *Node) error {
	switch n.Kind {
	case NodeBinary:
		if strings.TrimSpace(n.Field) == "" {
			return fault.Errorf(fault.InvalidInput, "filter has an empty field path")
		}
		switch n.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		case OpStartsWith, OpContains:
			if n.Value.Kind != codec.KindString {
				return fault.Errorf(fault.InvalidInput, "%s requires a string operand", n.Op)
			}
		case OpIn:
			if len(n.Values) == 0 {
				return fault.Errorf(fault.InvalidInput, "in requires at least one operand")
			}
		default:
			return fault.Errorf(fault.InvalidInput, "unknown filter operator %d", n.Op)
		}
		return nil
	case NodeAnd, NodeOr:
		if len(n.Children) == 0 {
			return fault.Errorf(fault.InvalidInput, "logical node has no children")
		}
		for _, c := range n.Children {
			if err := validateNode(c); err != nil {
				return err
			}
		}
		return nil
	case NodeNot:
		if len(n.Children) != 1 {
			return fault.Errorf(fault.InvalidInput, "negation requires exactly one child")
		}
		return validateNode(n.Children[0])
	default:
		return fault.Errorf(fault.InvalidInput, "unknown filter node kind %d", n.Kind)
	}
}

// Matches evaluates the filter tree against a document. A nil node matches
// everything. A missing field matches only `= null` and `!= <value>`.
func Matches(n *Node, doc codec.Document) bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case NodeAnd:
		for _, c := range n.Children {
			if !Matches(c, doc) {
				return false
			}
		}
		return true
	case NodeOr:
		for _, c := range n.Children {
			if Matches(c, doc) {
				return true
			}
		}
		return false
	case NodeNot:
		return !Matches(n.Children[0], doc)
	case NodeBinary:
		return matchesBinary(n, doc)
	default:
		return false
	}
}

func matchesBinary(n *Node, doc codec.Document) bool {
	var v, ok = doc.Lookup(n.Field)
	if !ok {
		switch n.Op {
		case OpEq:
			return n.Value.IsNull()
		case OpNe:
			return !n.Value.IsNull()
		default:
			return false
		}
	}
	switch n.Op {
	case OpEq:
		return codec.Equal(v, n.Value)
	case OpNe:
		return !codec.Equal(v, n.Value)
	case OpLt, OpLte, OpGt, OpGte:
		var c, comparable = codec.Compare(v, n.Value)
		if !comparable {
			return false
		}
		switch n.Op {
		case OpLt:
			return c < 0
		case OpLte:
			return c <= 0
		case OpGt:
			return c > 0
		default:
			return c >= 0
		}
	case OpStartsWith:
		return v.Kind == codec.KindString && strings.HasPrefix(v.S, n.Value.S)
	case OpContains:
		return v.Kind == codec.KindString && strings.Contains(v.S, n.Value.S)
	case OpIn:
		for _, cand := range n.Values {
			if codec.Equal(v, cand) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
