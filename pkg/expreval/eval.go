package expreval

import (
	"fmt"
	"time"
)

// Context supplies the three reference namespaces the grammar exposes:
// $variables.<name>, $nodes.<nodeId>.<outputName>, and $env.<NAME>. A bare
// name that isn't one of those three roots is resolved directly against
// Variables, so a handler that binds e.g. "data" into Variables lets
// expressions write "$data.amount" without the "variables." prefix.
type Context struct {
	Variables map[string]interface{}
	Nodes     map[string]map[string]interface{}
	Env       map[string]string
}

// maxOps bounds tree-walking work per evaluation so a pathological
// expression (deeply nested, or a huge array/object literal) cannot stall
// a node's budget. Chosen well under the ~50ms default step timeout a
// trivial expression needs.
const maxOps = 100000

type evalState struct {
	ctx      *Context
	ops      int
	deadline time.Time
}

func (s *evalState) tick() error {
	s.ops++
	if s.ops > maxOps {
		return fmt.Errorf("expression exceeded operation limit (%d)", maxOps)
	}
	if !s.deadline.IsZero() && time.Now().After(s.deadline) {
		return fmt.Errorf("expression exceeded time budget")
	}
	return nil
}

// Eval walks node against ctx, enforcing a wall-clock budget in addition
// to the operation-count ceiling.
func Eval(node Node, ctx *Context, budget time.Duration) (interface{}, error) {
	s := &evalState{ctx: ctx}
	if budget > 0 {
		s.deadline = time.Now().Add(budget)
	}
	return s.eval(node)
}

func (s *evalState) eval(n Node) (interface{}, error) {
	if err := s.tick(); err != nil {
		return nil, err
	}
	switch v := n.(type) {
	case NumberLit:
		return v.Value, nil
	case StringLit:
		return v.Value, nil
	case BoolLit:
		return v.Value, nil
	case NullLit:
		return nil, nil
	case RefExpr:
		return s.resolveRoot(v.Name)
	case MemberExpr:
		obj, err := s.eval(v.Object)
		if err != nil {
			return nil, err
		}
		return lookupProperty(obj, v.Property)
	case IndexExpr:
		obj, err := s.eval(v.Object)
		if err != nil {
			return nil, err
		}
		idx, err := s.eval(v.Index)
		if err != nil {
			return nil, err
		}
		return lookupIndex(obj, idx)
	case ArrayLit:
		out := make([]interface{}, 0, len(v.Elements))
		for _, el := range v.Elements {
			ev, err := s.eval(el)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, nil
	case ObjectLit:
		out := make(map[string]interface{}, len(v.Entries))
		for _, e := range v.Entries {
			ev, err := s.eval(e.Value)
			if err != nil {
				return nil, err
			}
			out[e.Key] = ev
		}
		return out, nil
	case UnaryExpr:
		return s.evalUnary(v)
	case BinaryExpr:
		return s.evalBinary(v)
	}
	return nil, fmt.Errorf("unsupported expression node %T", n)
}

func (s *evalState) resolveRoot(name string) (interface{}, error) {
	switch name {
	case "variables":
		return s.ctx.Variables, nil
	case "nodes":
		m := make(map[string]interface{}, len(s.ctx.Nodes))
		for k, v := range s.ctx.Nodes {
			m[k] = v
		}
		return m, nil
	case "env":
		m := make(map[string]interface{}, len(s.ctx.Env))
		for k, v := range s.ctx.Env {
			m[k] = v
		}
		return m, nil
	default:
		if s.ctx.Variables == nil {
			return nil, nil
		}
		return s.ctx.Variables[name], nil
	}
}

func lookupProperty(obj interface{}, prop string) (interface{}, error) {
	switch m := obj.(type) {
	case map[string]interface{}:
		return m[prop], nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot access property %q of non-object value", prop)
	}
}

func lookupIndex(obj interface{}, idx interface{}) (interface{}, error) {
	switch m := obj.(type) {
	case map[string]interface{}:
		key, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("object index must be a string")
		}
		return m[key], nil
	case []interface{}:
		f, ok := idx.(float64)
		if !ok {
			return nil, fmt.Errorf("array index must be a number")
		}
		i := int(f)
		if i < 0 || i >= len(m) {
			return nil, nil
		}
		return m[i], nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot index non-array/object value")
	}
}

func (s *evalState) evalUnary(v UnaryExpr) (interface{}, error) {
	operand, err := s.eval(v.Operand)
	if err != nil {
		return nil, err
	}
	switch v.Op {
	case "!":
		return !truthy(operand), nil
	case "-":
		f, ok := asNumber(operand)
		if !ok {
			return nil, fmt.Errorf("unary '-' requires a number")
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", v.Op)
}

func (s *evalState) evalBinary(v BinaryExpr) (interface{}, error) {
	// && and || short-circuit: the right side must not be evaluated (and
	// ticked) when the left already decides the result.
	if v.Op == "&&" {
		left, err := s.eval(v.Left)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return false, nil
		}
		right, err := s.eval(v.Right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}
	if v.Op == "||" {
		left, err := s.eval(v.Left)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return true, nil
		}
		right, err := s.eval(v.Right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := s.eval(v.Left)
	if err != nil {
		return nil, err
	}
	right, err := s.eval(v.Right)
	if err != nil {
		return nil, err
	}

	switch v.Op {
	case "==":
		return equalValues(left, right), nil
	case "!=":
		return !equalValues(left, right), nil
	}

	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if v.Op == "+" {
		ls, lIsStr := left.(string)
		rs, rIsStr := right.(string)
		if lIsStr || rIsStr {
			if !lIsStr {
				ls = fmt.Sprintf("%v", left)
			}
			if !rIsStr {
				rs = fmt.Sprintf("%v", right)
			}
			return ls + rs, nil
		}
	}
	if !lok || !rok {
		return nil, fmt.Errorf("operator %q requires numeric operands", v.Op)
	}
	switch v.Op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	case "<":
		return lf < rf, nil
	case ">":
		return lf > rf, nil
	case "<=":
		return lf <= rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("unknown binary operator %q", v.Op)
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func asNumber(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func equalValues(a, b interface{}) bool {
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	if aok && bok {
		return af == bf
	}
	as, asok := a.(string)
	bs, bsok := b.(string)
	if asok && bsok {
		return as == bs
	}
	ab, abok := a.(bool)
	bb, bbok := b.(bool)
	if abok && bbok {
		return ab == bb
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return false
}
