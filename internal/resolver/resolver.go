// Package resolver computes, for a catalog snapshot and a set of pinned trait
// values, the legal values left for every other trait.
//
// Traits are visited in the catalog's dependency order. Predicates are
// evaluated three-valued: a reference to a trait that is neither pinned nor
// forced yet is unknown, and an option is only dropped once its predicate is
// definitely false. Resolution is a pure function of its inputs.
package resolver

import (
	"fmt"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/predicate"
)

// Domain is the legal value space of one trait.
type Domain struct {
	Key  string       `json:"key"`
	Kind catalog.Kind `json:"kind"`

	// Absent is set when the trait is optional and definitely does not
	// apply; it gets no value.
	Absent bool `json:"absent,omitempty"`
	// MayBeAbsent is set when applicability depends on undecided traits.
	MayBeAbsent bool `json:"may_be_absent,omitempty"`

	// Pinned is set when the caller supplied Value.
	Pinned bool `json:"pinned,omitempty"`
	// Fixed is set when Value is the only possible value: pinned, not
	// randomizable, or a string/json default.
	Fixed bool `json:"fixed,omitempty"`
	Value any  `json:"value,omitempty"`

	// Options holds the legal choices for enum and randomizable bool traits.
	Options []catalog.Option `json:"options,omitempty"`
	// Min and Max bound randomizable int traits, inclusive.
	Min int64 `json:"min,omitempty"`
	Max int64 `json:"max,omitempty"`
}

// Values returns the legal values of the domain, in option order.
func (d *Domain) Values() []any {
	if d.Absent {
		return nil
	}
	if d.Fixed {
		return []any{d.Value}
	}
	out := make([]any, len(d.Options))
	for i, o := range d.Options {
		out[i] = o.Value
	}
	return out
}

// Space is the resolved legal space of a whole catalog under a pin set.
type Space struct {
	Version int
	Order   []string
	Pins    map[string]any
	Domains map[string]*Domain
}

func (s *Space) Domain(key string) *Domain { return s.Domains[key] }

// Resolve computes the legal space of every trait of cat under pins. It
// fails with *UnknownTraitError for pins naming unknown traits and with
// *UnsatisfiableConstraintError when some trait has no legal value left.
func Resolve(cat *catalog.Catalog, pins map[string]any) (*Space, error) {
	pins, err := NormalizePins(cat, pins)
	if err != nil {
		return nil, err
	}

	env := predicate.NewPartial()
	for k, v := range pins {
		if v == nil {
			env.MarkAbsent(k)
			continue
		}
		env.Set(k, v)
	}

	space := &Space{
		Version: cat.Version(),
		Order:   cat.Order(),
		Pins:    pins,
		Domains: make(map[string]*Domain, len(pins)+8),
	}
	ev := evaluator{env: env, domains: space.Domains}
	for _, key := range space.Order {
		d, err := resolveTrait(cat, key, ev, pins)
		if err != nil {
			return nil, err
		}
		space.Domains[key] = d

		// Forced outcomes narrow what downstream predicates see.
		switch {
		case d.Pinned:
		case d.Absent:
			env.MarkAbsent(key)
		case d.MayBeAbsent:
		case d.Fixed:
			env.Set(key, d.Value)
		case len(d.Options) == 1:
			env.Set(key, d.Options[0].Value)
		}
	}
	if err := narrow(cat, space, env, pins); err != nil {
		return nil, err
	}
	return space, nil
}

// NormalizePins checks that every pin names a known trait and returns a
// normalized copy.
func NormalizePins(cat *catalog.Catalog, pins map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(pins))
	for k, v := range pins {
		if _, ok := cat.Trait(k); !ok {
			return nil, &UnknownTraitError{Trait: k, Version: cat.Version()}
		}
		out[k] = predicate.Normalize(v)
	}
	return out, nil
}

// ResolveTrait computes the domain of one trait against env, which holds the
// values decided so far. pins are the caller's pinned values; they are used
// both for the trait itself and to drop choices that would contradict a
// pinned downstream trait. The sampler calls this with an environment that
// grows by one concrete value per step.
func ResolveTrait(cat *catalog.Catalog, key string, env predicate.Env, pins map[string]any) (*Domain, error) {
	return resolveTrait(cat, key, evaluator{env: env}, pins)
}

func resolveTrait(cat *catalog.Catalog, key string, ev evaluator, pins map[string]any) (*Domain, error) {
	t, ok := cat.Trait(key)
	if !ok {
		return nil, &UnknownTraitError{Trait: key, Version: cat.Version()}
	}
	d := &Domain{Key: key, Kind: t.Kind}
	unsat := func(format string, args ...any) error {
		return &UnsatisfiableConstraintError{Trait: key, Pins: pins, Reason: fmt.Sprintf(format, args...)}
	}

	pinned, isPinned := pins[key]

	if t.When != nil {
		switch ev.eval(t.When) {
		case predicate.False:
			if isPinned && pinned != nil {
				return nil, unsat("pinned to %v but not applicable: %s is false", predicate.Text(pinned), t.When)
			}
			d.Absent = true
			return d, nil
		case predicate.Unknown:
			d.MayBeAbsent = true
		}
	}

	if isPinned {
		if pinned == nil {
			if !t.Optional {
				return nil, unsat("required trait pinned to null")
			}
			d.Absent = true
			return d, nil
		}
		if err := checkPinned(t, pinned, ev); err != nil {
			return nil, unsat("%v", err)
		}
		d.Pinned, d.Fixed, d.Value = true, true, pinned
		if t.Kind == catalog.KindEnum {
			d.Options = []catalog.Option{t.Options[t.OptionIndex(pinned)]}
		}
		return d, nil
	}

	switch t.Kind {
	case catalog.KindEnum:
		for _, o := range t.Options {
			if ev.eval(o.When) == predicate.False {
				continue
			}
			if !compatibleWithPins(cat, key, o.Value, ev, pins) {
				continue
			}
			d.Options = append(d.Options, o)
		}
		if len(d.Options) == 0 {
			if t.Optional {
				d.Absent = true
				return d, nil
			}
			return nil, unsat("every option is excluded by its predicate")
		}
		if !t.Randomizable {
			d.Fixed, d.Value = true, fixedOption(t, d.Options)
		}

	case catalog.KindInt:
		lo, hi, err := bounds(t, ev.env)
		if err != nil {
			return nil, unsat("%v", err)
		}
		if !t.Randomizable {
			if t.Default == nil {
				d.Absent = true
				return d, nil
			}
			d.Fixed, d.Value = true, clamp(t.Default.(int64), lo, hi)
			return d, nil
		}
		lo, hi = narrowByPins(cat, key, lo, hi, pins)
		if lo > hi {
			return nil, unsat("empty range [%d, %d]", lo, hi)
		}
		d.Min, d.Max = lo, hi

	case catalog.KindBool:
		if !t.Randomizable {
			if t.Default == nil {
				d.Absent = true
				return d, nil
			}
			d.Fixed, d.Value = true, t.Default
			return d, nil
		}
		for _, v := range []bool{false, true} {
			if compatibleWithPins(cat, key, v, ev, pins) {
				d.Options = append(d.Options, catalog.Option{Value: v, Weight: 1})
			}
		}
		if len(d.Options) == 0 {
			return nil, unsat("neither true nor false is compatible with the pins")
		}

	default:
		if t.Default == nil {
			d.Absent = true
			return d, nil
		}
		d.Fixed, d.Value = true, t.Default
	}
	return d, nil
}

// fixedOption picks the value of a non-randomizable enum trait: its default
// when that is still legal, otherwise the first legal option.
func fixedOption(t *catalog.Trait, legal []catalog.Option) any {
	if t.Default != nil {
		for _, o := range legal {
			if predicate.Equal(o.Value, t.Default) {
				return o.Value
			}
		}
	}
	return legal[0].Value
}

func checkPinned(t *catalog.Trait, v any, ev evaluator) error {
	switch t.Kind {
	case catalog.KindEnum:
		i := t.OptionIndex(v)
		if i < 0 {
			return fmt.Errorf("%v is not an option", predicate.Text(v))
		}
		if when := t.Options[i].When; ev.eval(when) == predicate.False {
			return fmt.Errorf("option %v requires %s", predicate.Text(v), when)
		}
	case catalog.KindInt:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("%v is not an integer", v)
		}
		lo, hi, err := bounds(t, ev.env)
		if err != nil {
			return err
		}
		if n < lo || n > hi {
			return fmt.Errorf("%d is outside [%d, %d]", n, lo, hi)
		}
	case catalog.KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%v is not a bool", v)
		}
	case catalog.KindString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%v is not a string", v)
		}
	}
	return nil
}

// bounds returns the inclusive range of an int trait with its reference
// bounds applied when the referenced traits are known.
func bounds(t *catalog.Trait, env predicate.Env) (int64, int64, error) {
	lo, hi := int64(minInt), int64(maxInt)
	if t.Min != nil {
		lo = *t.Min
	}
	if t.Max != nil {
		hi = *t.Max
	}
	if t.MinRef != "" {
		if v, s := env.Lookup(t.MinRef); s == predicate.Known {
			n, ok := predicate.Normalize(v).(int64)
			if !ok {
				return 0, 0, fmt.Errorf("bound %s is not an integer", t.MinRef)
			}
			lo = max(lo, n)
		}
	}
	if t.MaxRef != "" {
		if v, s := env.Lookup(t.MaxRef); s == predicate.Known {
			n, ok := predicate.Normalize(v).(int64)
			if !ok {
				return 0, 0, fmt.Errorf("bound %s is not an integer", t.MaxRef)
			}
			hi = min(hi, n)
		}
	}
	return lo, hi, nil
}

const (
	minInt = -1 << 53
	maxInt = 1 << 53
)

func clamp(v, lo, hi int64) int64 {
	return max(lo, min(hi, v))
}
