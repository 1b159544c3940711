// Package query implements the "simple predicate + sort on properties"
// ceiling named in spec §6's Non-goals: a JSON whereExpression evaluated
// against a decoded document body, plus a property-path sort order. It
// is deliberately not a query planner or index-aware optimizer.
package query

import (
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/litecore-go/litecore/internal/lerr"
)

// Op names a predicate operator.
type Op string

const (
	OpEq     Op = "="
	OpNe     Op = "!="
	OpLt     Op = "<"
	OpLe     Op = "<="
	OpGt     Op = ">"
	OpGe     Op = ">="
	OpAnd    Op = "AND"
	OpOr     Op = "OR"
	OpNot    Op = "NOT"
	OpExists Op = "EXISTS"
)

// Expr is one node of a whereExpression tree. Comparison nodes (=, !=,
// <, <=, >, >=, EXISTS) set Path (and Value, except for EXISTS); boolean
// nodes (AND, OR, NOT) set Children.
type Expr struct {
	Op       Op     `json:"op"`
	Path     string `json:"path,omitempty"`
	Value    any    `json:"value,omitempty"`
	Children []Expr `json:"children,omitempty"`
}

// Parse decodes a JSON whereExpression, per spec §6.
func Parse(data []byte) (*Expr, error) {
	var e Expr
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, lerr.Wrap(err, lerr.LiteCore, lerr.UnexpectedError, "parsing where expression")
	}
	return &e, nil
}

// Eval evaluates expr against a decoded document body.
func Eval(expr *Expr, doc map[string]any) (bool, error) {
	switch expr.Op {
	case OpAnd:
		for i := range expr.Children {
			ok, err := Eval(&expr.Children[i], doc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for i := range expr.Children {
			ok, err := Eval(&expr.Children[i], doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(expr.Children) != 1 {
			return false, lerr.New(lerr.LiteCore, lerr.UnexpectedError, "NOT requires exactly one child")
		}
		ok, err := Eval(&expr.Children[0], doc)
		return !ok, err
	case OpExists:
		_, ok := lookup(doc, expr.Path)
		return ok, nil
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		val, present := lookup(doc, expr.Path)
		if !present {
			return expr.Op == OpNe, nil // a missing property is "not equal" to anything
		}
		return compare(expr.Op, val, expr.Value)
	default:
		return false, lerr.New(lerr.LiteCore, lerr.UnexpectedError, "unknown operator: "+string(expr.Op))
	}
}

// lookup resolves a dot-separated property path against a decoded
// document body (nested maps only — array indexing is out of scope,
// matching the Non-goals' property-only ceiling).
func lookup(doc map[string]any, path string) (any, bool) {
	cur := any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func compare(op Op, a, b any) (bool, error) {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return numericCompare(op, af, bf), nil
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return stringCompare(op, as, bs), nil
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		switch op {
		case OpEq:
			return ab == bb, nil
		case OpNe:
			return ab != bb, nil
		default:
			return false, lerr.New(lerr.LiteCore, lerr.UnexpectedError, "ordering operator on boolean values")
		}
	}
	return false, lerr.New(lerr.LiteCore, lerr.UnexpectedError, "incomparable operand types")
}

func numericCompare(op Op, a, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	}
	return false
}

func stringCompare(op Op, a, b string) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// SortKey names a property path to sort by; a leading "-" sorts that
// path descending.
type SortKey string

// Sort stably reorders docs (index-parallel to their property-path
// views) according to keys, applied in order (first key is primary).
func Sort(docs []map[string]any, keys []SortKey) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			path := string(k)
			desc := strings.HasPrefix(path, "-")
			if desc {
				path = path[1:]
			}
			vi, _ := lookup(docs[i], path)
			vj, _ := lookup(docs[j], path)
			cmp := compareOrder(vi, vj)
			if cmp == 0 {
				continue
			}
			if desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// compareOrder returns -1/0/1 for ordering purposes; mismatched or
// missing values sort as equal (stable, so original order is kept).
func compareOrder(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return strings.Compare(as, bs)
		}
	}
	return 0
}
