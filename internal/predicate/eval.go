package predicate

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Truth is the result of evaluating a predicate.
type Truth int8

const (
	False Truth = iota
	True
	Unknown
)

func (t Truth) String() string {
	switch t {
	case False:
		return "false"
	case True:
		return "true"
	default:
		return "unknown"
	}
}

// State describes what an environment knows about an identifier.
type State uint8

const (
	// Undecided identifiers have not been resolved yet.
	Undecided State = iota
	// Absent identifiers are resolved and have no value.
	Absent
	// Known identifiers carry a concrete value.
	Known
)

// Env supplies identifier values to the evaluator.
type Env interface {
	Lookup(key string) (any, State)
}

// Values is a complete environment: every missing key is Absent.
type Values map[string]any

func (v Values) Lookup(key string) (any, State) {
	val, ok := v[key]
	if !ok || val == nil {
		return nil, Absent
	}
	return val, Known
}

// Partial is an environment under construction. Keys in Known carry values,
// keys in Resolved without a value are Absent, anything else is Undecided.
type Partial struct {
	Known    map[string]any
	Resolved map[string]bool
}

func NewPartial() *Partial {
	return &Partial{Known: make(map[string]any), Resolved: make(map[string]bool)}
}

func (p *Partial) Set(key string, v any) {
	p.Known[key] = v
	p.Resolved[key] = true
}

func (p *Partial) MarkAbsent(key string) {
	delete(p.Known, key)
	p.Resolved[key] = true
}

func (p *Partial) Lookup(key string) (any, State) {
	if v, ok := p.Known[key]; ok && v != nil {
		return v, Known
	}
	if p.Resolved[key] {
		return nil, Absent
	}
	return nil, Undecided
}

// Layered consults each environment in turn and returns the first answer
// that is not Absent; used to overlay observations on profile values.
type Layered []Env

func (l Layered) Lookup(key string) (any, State) {
	state := Absent
	for _, env := range l {
		v, s := env.Lookup(key)
		if s == Known {
			return v, s
		}
		if s == Undecided {
			state = Undecided
		}
	}
	return nil, state
}

// Eval evaluates e against env with Kleene three-valued logic. A nil
// expression is true.
func Eval(e *Expr, env Env) Truth {
	if e == nil {
		return True
	}
	switch e.Op {
	case OpTrue:
		return True
	case OpExists:
		_, s := env.Lookup(e.Trait)
		switch s {
		case Known:
			return True
		case Absent:
			return False
		}
		return Unknown
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpContains, OpPrefix:
		return evalCompare(e, env)
	case OpIn, OpNotIn:
		v, s := env.Lookup(e.Trait)
		if s == Undecided {
			return Unknown
		}
		if s == Absent {
			return False
		}
		found := false
		for _, candidate := range e.Values {
			if Equal(v, candidate) {
				found = true
				break
			}
		}
		return truth(found == (e.Op == OpIn))
	case OpAnd:
		result := True
		for _, a := range e.Args {
			switch Eval(a, env) {
			case False:
				return False
			case Unknown:
				result = Unknown
			}
		}
		return result
	case OpOr:
		result := False
		for _, a := range e.Args {
			switch Eval(a, env) {
			case True:
				return True
			case Unknown:
				result = Unknown
			}
		}
		return result
	case OpNot:
		if len(e.Args) != 1 {
			return False
		}
		switch Eval(e.Args[0], env) {
		case True:
			return False
		case False:
			return True
		}
		return Unknown
	}
	return False
}

func evalCompare(e *Expr, env Env) Truth {
	lhs, ls := env.Lookup(e.Trait)
	rhs, rs := e.Value, Known
	if e.Ref != "" {
		rhs, rs = env.Lookup(e.Ref)
	}
	if ls == Undecided || rs == Undecided {
		return Unknown
	}
	if ls == Absent || rs == Absent {
		return False
	}
	switch e.Op {
	case OpEq:
		return truth(Equal(lhs, rhs))
	case OpNe:
		return truth(!Equal(lhs, rhs))
	case OpContains:
		if list, ok := lhs.([]any); ok {
			for _, item := range list {
				if Equal(item, rhs) {
					return True
				}
			}
			return False
		}
		return truth(strings.Contains(Text(lhs), Text(rhs)))
	case OpPrefix:
		return truth(strings.HasPrefix(Text(lhs), Text(rhs)))
	}
	c, ok := compare(lhs, rhs)
	if !ok {
		return False
	}
	switch e.Op {
	case OpLt:
		return truth(c < 0)
	case OpLe:
		return truth(c <= 0)
	case OpGt:
		return truth(c > 0)
	case OpGe:
		return truth(c >= 0)
	}
	return False
}

func truth(b bool) Truth {
	if b {
		return True
	}
	return False
}

// Normalize maps decoded literals onto a canonical representation: integral
// numbers become int64, other numbers float64, nested containers are
// normalized recursively. JSON and YAML decoders disagree on number types,
// so every value entering a catalog or profile goes through here.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return Normalize(float64(x))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	}
	return v
}

// Equal compares two literals after normalization. Numbers compare by value.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return fa == fb
		}
		return false
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case nil:
		return b == nil
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func compare(a, b any) (int, bool) {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if !okA || !okB {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func number(v any) (float64, bool) {
	switch x := Normalize(v).(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// Text renders a value the way string operators see it.
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []any, map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return fmt.Sprint(Normalize(v))
}
