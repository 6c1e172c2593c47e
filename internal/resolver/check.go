package resolver

import (
	"fmt"
	"slices"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/predicate"
)

// Violation is one way a concrete assignment breaks the catalog.
type Violation struct {
	Trait  string `json:"trait"`
	Value  any    `json:"value,omitempty"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Trait, v.Reason)
}

// Check verifies a complete assignment against the catalog: required traits
// are present, inapplicable optional traits are absent, enum values are
// declared options whose predicates hold against the whole assignment, and
// ints respect their bounds. Violations are returned in resolution order.
func Check(cat *catalog.Catalog, values map[string]any) []Violation {
	env := predicate.Values(values)
	var out []Violation
	add := func(key string, v any, format string, args ...any) {
		out = append(out, Violation{Trait: key, Value: v, Reason: fmt.Sprintf(format, args...)})
	}

	var unknown []string
	for key := range values {
		if _, ok := cat.Trait(key); !ok {
			unknown = append(unknown, key)
		}
	}
	slices.Sort(unknown)
	for _, key := range unknown {
		add(key, values[key], "not defined in catalog v%d", cat.Version())
	}

	for _, key := range cat.Order() {
		t, _ := cat.Trait(key)
		v, present := env.Lookup(key)
		applicable := predicate.Eval(t.When, env) == predicate.True

		switch {
		case !applicable && present == predicate.Known:
			add(key, v, "present although %s is false", t.When)
			continue
		case !applicable:
			continue
		case present != predicate.Known:
			if !t.Optional {
				add(key, nil, "required trait has no value")
			}
			continue
		}

		switch t.Kind {
		case catalog.KindEnum:
			i := t.OptionIndex(v)
			if i < 0 {
				add(key, v, "%v is not an option", predicate.Text(v))
				continue
			}
			if when := t.Options[i].When; predicate.Eval(when, env) != predicate.True {
				add(key, v, "option %v requires %s", predicate.Text(v), when)
			}
		case catalog.KindInt:
			n, ok := predicate.Normalize(v).(int64)
			if !ok {
				add(key, v, "%v is not an integer", v)
				continue
			}
			lo, hi, err := bounds(t, env)
			if err != nil {
				add(key, v, "%v", err)
				continue
			}
			if t.Randomizable && (n < lo || n > hi) {
				add(key, v, "%d is outside [%d, %d]", n, lo, hi)
			}
			if !t.Randomizable && t.MaxRef != "" && n > hi {
				add(key, v, "%d exceeds %s", n, t.MaxRef)
			}
		case catalog.KindBool:
			if _, ok := v.(bool); !ok {
				add(key, v, "%v is not a bool", v)
			}
		case catalog.KindString:
			if _, ok := v.(string); !ok {
				add(key, v, "%v is not a string", v)
			}
		}
	}
	return out
}
