// Package predicate implements the small expression language used to gate
// trait options on the values of other traits and to express validation
// rules. Expressions are plain tagged records so catalogs can carry them as
// JSON or YAML; evaluation is three-valued so the resolver can reason about
// traits that have not been decided yet.
package predicate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Op is the tag of an expression node.
type Op string

const (
	OpTrue     Op = "true"
	OpExists   Op = "exists"
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpLt       Op = "lt"
	OpLe       Op = "le"
	OpGt       Op = "gt"
	OpGe       Op = "ge"
	OpIn       Op = "in"
	OpNotIn    Op = "not_in"
	OpContains Op = "contains"
	OpPrefix   Op = "prefix"
	OpAnd      Op = "and"
	OpOr       Op = "or"
	OpNot      Op = "not"
)

// ObservationPrefix marks identifiers that read runtime observations instead
// of profile traits.
const ObservationPrefix = "obs."

// Expr is one node of a predicate. Which fields are meaningful depends on Op:
// comparisons use Trait and either Value or Ref, membership uses Trait and
// Values, combinators use Args.
type Expr struct {
	Op     Op      `json:"op" yaml:"op"`
	Trait  string  `json:"trait,omitempty" yaml:"trait,omitempty"`
	Value  any     `json:"value,omitempty" yaml:"value,omitempty"`
	Ref    string  `json:"ref,omitempty" yaml:"ref,omitempty"`
	Values []any   `json:"values,omitempty" yaml:"values,omitempty"`
	Args   []*Expr `json:"args,omitempty" yaml:"args,omitempty"`
}

// MarshalJSON writes only the fields that belong to the node's op so that
// zero values such as false or 0 survive a round trip.
func (e *Expr) MarshalJSON() ([]byte, error) {
	m := map[string]any{"op": e.Op}
	if e.Trait != "" {
		m["trait"] = e.Trait
	}
	switch e.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpContains, OpPrefix:
		if e.Ref != "" {
			m["ref"] = e.Ref
		} else {
			m["value"] = e.Value
		}
	case OpIn, OpNotIn:
		values := e.Values
		if values == nil {
			values = []any{}
		}
		m["values"] = values
	case OpAnd, OpOr, OpNot:
		m["args"] = e.Args
	}
	return json.Marshal(m)
}

// Constructors keep catalog fixtures and tests readable.

func Always() *Expr                      { return &Expr{Op: OpTrue} }
func Exists(trait string) *Expr          { return &Expr{Op: OpExists, Trait: trait} }
func Eq(trait string, v any) *Expr       { return &Expr{Op: OpEq, Trait: trait, Value: v} }
func Ne(trait string, v any) *Expr       { return &Expr{Op: OpNe, Trait: trait, Value: v} }
func Lt(trait string, v any) *Expr       { return &Expr{Op: OpLt, Trait: trait, Value: v} }
func Le(trait string, v any) *Expr       { return &Expr{Op: OpLe, Trait: trait, Value: v} }
func Gt(trait string, v any) *Expr       { return &Expr{Op: OpGt, Trait: trait, Value: v} }
func Ge(trait string, v any) *Expr       { return &Expr{Op: OpGe, Trait: trait, Value: v} }
func EqRef(trait, ref string) *Expr      { return &Expr{Op: OpEq, Trait: trait, Ref: ref} }
func NeRef(trait, ref string) *Expr      { return &Expr{Op: OpNe, Trait: trait, Ref: ref} }
func GtRef(trait, ref string) *Expr      { return &Expr{Op: OpGt, Trait: trait, Ref: ref} }
func Contains(trait string, v any) *Expr { return &Expr{Op: OpContains, Trait: trait, Value: v} }
func Prefix(trait string, v any) *Expr   { return &Expr{Op: OpPrefix, Trait: trait, Value: v} }
func In(trait string, vs ...any) *Expr   { return &Expr{Op: OpIn, Trait: trait, Values: vs} }
func NotIn(trait string, vs ...any) *Expr {
	return &Expr{Op: OpNotIn, Trait: trait, Values: vs}
}
func And(args ...*Expr) *Expr { return &Expr{Op: OpAnd, Args: args} }
func Or(args ...*Expr) *Expr  { return &Expr{Op: OpOr, Args: args} }
func Not(arg *Expr) *Expr     { return &Expr{Op: OpNot, Args: []*Expr{arg}} }

// Check verifies the structure of an expression tree: known ops, required
// operands present, correct arity.
func Check(e *Expr) error {
	if e == nil {
		return nil
	}
	switch e.Op {
	case OpTrue:
		return nil
	case OpExists:
		if e.Trait == "" {
			return fmt.Errorf("%s: missing trait", e.Op)
		}
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpContains, OpPrefix:
		if e.Trait == "" {
			return fmt.Errorf("%s: missing trait", e.Op)
		}
		if e.Ref == "" && e.Value == nil {
			return fmt.Errorf("%s %s: missing value or ref", e.Op, e.Trait)
		}
	case OpIn, OpNotIn:
		if e.Trait == "" {
			return fmt.Errorf("%s: missing trait", e.Op)
		}
		if len(e.Values) == 0 {
			return fmt.Errorf("%s %s: empty value set", e.Op, e.Trait)
		}
	case OpAnd, OpOr:
		if len(e.Args) == 0 {
			return fmt.Errorf("%s: no arguments", e.Op)
		}
		for _, a := range e.Args {
			if a == nil {
				return fmt.Errorf("%s: nil argument", e.Op)
			}
			if err := Check(a); err != nil {
				return err
			}
		}
	case OpNot:
		if len(e.Args) != 1 || e.Args[0] == nil {
			return fmt.Errorf("not: expects exactly one argument")
		}
		return Check(e.Args[0])
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	return nil
}

// Refs returns the sorted, de-duplicated identifiers an expression reads.
func Refs(e *Expr) []string {
	seen := make(map[string]struct{})
	collectRefs(e, seen)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func collectRefs(e *Expr, seen map[string]struct{}) {
	if e == nil {
		return
	}
	if e.Trait != "" {
		seen[e.Trait] = struct{}{}
	}
	if e.Ref != "" {
		seen[e.Ref] = struct{}{}
	}
	for _, a := range e.Args {
		collectRefs(a, seen)
	}
}

// SplitRefs separates trait identifiers from observation identifiers. The
// observation names are returned without their prefix.
func SplitRefs(refs []string) (traits, observations []string) {
	for _, r := range refs {
		if name, ok := strings.CutPrefix(r, ObservationPrefix); ok {
			observations = append(observations, name)
			continue
		}
		traits = append(traits, r)
	}
	return traits, observations
}

// Comparisons returns every (trait, literal) pair the expression compares
// against, so callers can check literals against a trait's legal values.
func Comparisons(e *Expr) map[string][]any {
	out := make(map[string][]any)
	var walk func(*Expr)
	walk = func(e *Expr) {
		if e == nil {
			return
		}
		switch e.Op {
		case OpEq, OpNe:
			if e.Ref == "" {
				out[e.Trait] = append(out[e.Trait], e.Value)
			}
		case OpIn, OpNotIn:
			out[e.Trait] = append(out[e.Trait], e.Values...)
		}
		for _, a := range e.Args {
			walk(a)
		}
	}
	walk(e)
	return out
}

// Normalized returns a deep copy with every literal passed through Normalize.
func Normalized(e *Expr) *Expr {
	if e == nil {
		return nil
	}
	c := &Expr{Op: e.Op, Trait: e.Trait, Ref: e.Ref}
	if e.Value != nil {
		c.Value = Normalize(e.Value)
	}
	if e.Values != nil {
		c.Values = make([]any, len(e.Values))
		for i, v := range e.Values {
			c.Values[i] = Normalize(v)
		}
	}
	if e.Args != nil {
		c.Args = make([]*Expr, len(e.Args))
		for i, a := range e.Args {
			c.Args[i] = Normalized(a)
		}
	}
	return c
}

// String renders an expression in a compact infix form for messages.
func (e *Expr) String() string {
	if e == nil {
		return "true"
	}
	rhs := func() string {
		if e.Ref != "" {
			return e.Ref
		}
		return literal(e.Value)
	}
	switch e.Op {
	case OpTrue:
		return "true"
	case OpExists:
		return "exists(" + e.Trait + ")"
	case OpEq:
		return e.Trait + " == " + rhs()
	case OpNe:
		return e.Trait + " != " + rhs()
	case OpLt:
		return e.Trait + " < " + rhs()
	case OpLe:
		return e.Trait + " <= " + rhs()
	case OpGt:
		return e.Trait + " > " + rhs()
	case OpGe:
		return e.Trait + " >= " + rhs()
	case OpContains:
		return e.Trait + " contains " + rhs()
	case OpPrefix:
		return e.Trait + " startswith " + rhs()
	case OpIn, OpNotIn:
		parts := make([]string, len(e.Values))
		for i, v := range e.Values {
			parts[i] = literal(v)
		}
		kw := " in "
		if e.Op == OpNotIn {
			kw = " not in "
		}
		return e.Trait + kw + "[" + strings.Join(parts, ", ") + "]"
	case OpAnd, OpOr:
		sep := " && "
		if e.Op == OpOr {
			sep = " || "
		}
		parts := make([]string, len(e.Args))
		for i, a := range e.Args {
			parts[i] = a.String()
		}
		return "(" + strings.Join(parts, sep) + ")"
	case OpNot:
		if len(e.Args) == 1 {
			return "!" + e.Args[0].String()
		}
	}
	return string(e.Op)
}

func literal(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}
