package resolver

import (
	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/predicate"
)

// maxCombinations caps how many joint assignments of undecided traits the
// evaluator tries before settling for Unknown.
const maxCombinations = 512

// evaluator evaluates predicates against decided values and, when domains is
// set, against the finite value spaces of traits resolved but not yet
// decided. An option whose predicate is false under every combination of
// those spaces is as dead as one that is false outright.
type evaluator struct {
	env     predicate.Env
	domains map[string]*Domain
}

func (ev evaluator) with(key string, value any) evaluator {
	return evaluator{env: assume{base: ev.env, key: key, value: value}, domains: ev.domains}
}

func (ev evaluator) eval(e *predicate.Expr) predicate.Truth {
	t := predicate.Eval(e, ev.env)
	if t != predicate.Unknown || ev.domains == nil {
		return t
	}

	var keys []string
	var spaces [][]any
	combos := 1
	for _, ref := range predicate.Refs(e) {
		if _, s := ev.env.Lookup(ref); s != predicate.Undecided {
			continue
		}
		d, ok := ev.domains[ref]
		if !ok || (d.Kind == catalog.KindInt && !d.Fixed) {
			return predicate.Unknown
		}
		values := d.Values()
		if d.MayBeAbsent {
			values = append(values, nil)
		}
		combos *= len(values)
		if combos == 0 || combos > maxCombinations {
			return predicate.Unknown
		}
		keys = append(keys, ref)
		spaces = append(spaces, values)
	}
	if len(keys) == 0 {
		return predicate.Unknown
	}

	sawTrue, sawFalse := false, false
	idx := make([]int, len(keys))
	for {
		vals := make(predicate.Values, len(keys))
		for i, k := range keys {
			vals[k] = spaces[i][idx[i]]
		}
		switch predicate.Eval(e, overlay{base: ev.env, values: vals}) {
		case predicate.True:
			sawTrue = true
		case predicate.False:
			sawFalse = true
		default:
			return predicate.Unknown
		}
		if sawTrue && sawFalse {
			return predicate.Unknown
		}
		i := 0
		for ; i < len(idx); i++ {
			idx[i]++
			if idx[i] < len(spaces[i]) {
				break
			}
			idx[i] = 0
		}
		if i == len(idx) {
			break
		}
	}
	if sawTrue {
		return predicate.True
	}
	return predicate.False
}

// overlay answers for the keys in values (nil meaning absent) and defers to
// base for the rest.
type overlay struct {
	base   predicate.Env
	values predicate.Values
}

func (o overlay) Lookup(key string) (any, predicate.State) {
	if _, ok := o.values[key]; ok {
		return o.values.Lookup(key)
	}
	return o.base.Lookup(key)
}

// assume overlays one tentative value on an environment.
type assume struct {
	base  predicate.Env
	key   string
	value any
}

func (a assume) Lookup(key string) (any, predicate.State) {
	if key == a.key {
		return a.value, predicate.Known
	}
	return a.base.Lookup(key)
}

// compatibleWithPins reports whether choosing value for key keeps every
// pinned trait that reads key possible. Only direct dependents are checked
// here; narrow carries the constraint further upstream.
func compatibleWithPins(cat *catalog.Catalog, key string, value any, ev evaluator, pins map[string]any) bool {
	if len(pins) == 0 {
		return true
	}
	tentative := ev.with(key, value)
	for pk, pv := range pins {
		if pk == key {
			continue
		}
		pt, ok := cat.Trait(pk)
		if !ok || !dependsOn(cat, pk, key) {
			continue
		}
		if pv == nil {
			continue
		}
		if pt.When != nil && rulesOut(ev, tentative, pt.When) {
			return false
		}
		if pt.Kind == catalog.KindEnum {
			if i := pt.OptionIndex(pv); i >= 0 && rulesOut(ev, tentative, pt.Options[i].When) {
				return false
			}
		}
		if pt.Kind == catalog.KindInt {
			n, _ := pv.(int64)
			bound, _ := predicate.Normalize(value).(int64)
			if pt.MaxRef == key && n > bound {
				return false
			}
			if pt.MinRef == key && n < bound {
				return false
			}
		}
	}
	return true
}

// rulesOut reports whether the tentative choice is what makes e false. A
// predicate that is false regardless is left for the pinned trait itself to
// report, so the error names the right trait.
func rulesOut(ev, tentative evaluator, e *predicate.Expr) bool {
	return tentative.eval(e) == predicate.False && ev.eval(e) != predicate.False
}

// narrow drops options that have lost their support until nothing changes.
// An option survives while its own predicate can still hold under the other
// traits' domains and every trait that must take a value keeps at least one
// value compatible with it. This lets a pin constrain traits any number of
// hops upstream of it.
func narrow(cat *catalog.Catalog, space *Space, env *predicate.Partial, pins map[string]any) error {
	dependents := make(map[string][]string, len(space.Order))
	for _, key := range space.Order {
		for _, dep := range cat.Dependencies(key) {
			dependents[dep] = append(dependents[dep], key)
		}
	}
	ev := evaluator{env: env, domains: space.Domains}

	for changed := true; changed; {
		changed = false
		for _, key := range space.Order {
			d := space.Domains[key]
			if d.Pinned || d.Absent {
				continue
			}
			t, _ := cat.Trait(key)

			if d.MayBeAbsent {
				switch ev.eval(t.When) {
				case predicate.False:
					d.Absent, d.MayBeAbsent, d.Options = true, false, nil
					env.MarkAbsent(key)
					changed = true
					continue
				case predicate.True:
					d.MayBeAbsent = false
					changed = true
					switch {
					case d.Fixed:
						env.Set(key, d.Value)
					case len(d.Options) == 1:
						env.Set(key, d.Options[0].Value)
					}
				}
			}
			if d.Fixed || len(d.Options) == 0 {
				continue
			}

			kept := make([]catalog.Option, 0, len(d.Options))
			for _, o := range d.Options {
				if ev.eval(o.When) == predicate.False {
					continue
				}
				if !supported(cat, space, ev, key, o.Value, dependents[key]) {
					continue
				}
				kept = append(kept, o)
			}
			if len(kept) == len(d.Options) {
				continue
			}
			changed = true
			d.Options = kept
			switch {
			case len(kept) == 0 && t.Optional:
				d.Absent, d.MayBeAbsent, d.Options = true, false, nil
				env.MarkAbsent(key)
			case len(kept) == 0:
				return &UnsatisfiableConstraintError{
					Trait:  key,
					Pins:   pins,
					Reason: "no option is compatible with the traits that depend on it",
				}
			case len(kept) == 1 && !d.MayBeAbsent:
				env.Set(key, kept[0].Value)
			}
		}
	}
	return nil
}

// supported reports whether key=value leaves every dependent that must take
// a value with at least one legal value. Unpinned optional traits can always
// be left out, so they never withdraw support.
func supported(cat *catalog.Catalog, space *Space, ev evaluator, key string, value any, dependents []string) bool {
	tentative := ev.with(key, value)
	for _, uk := range dependents {
		u, _ := cat.Trait(uk)
		du := space.Domains[uk]
		if du == nil || du.Absent {
			continue
		}
		if !du.Pinned && u.Optional {
			continue
		}
		if du.Pinned && u.When != nil && tentative.eval(u.When) == predicate.False {
			return false
		}

		switch u.Kind {
		case catalog.KindEnum:
			ok := false
			for _, uo := range du.Options {
				if tentative.eval(uo.When) != predicate.False {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		case catalog.KindInt:
			if du.Fixed && !du.Pinned {
				continue
			}
			bound, isInt := predicate.Normalize(value).(int64)
			if !isInt {
				continue
			}
			lo, hi := du.Min, du.Max
			if du.Pinned {
				n, _ := du.Value.(int64)
				lo, hi = n, n
			}
			if u.MaxRef == key {
				hi = min(hi, bound)
			}
			if u.MinRef == key {
				lo = max(lo, bound)
			}
			if lo > hi {
				return false
			}
		}
	}
	return true
}

// narrowByPins shrinks the range of an int trait so that pinned traits
// bounded by it stay within their bounds.
func narrowByPins(cat *catalog.Catalog, key string, lo, hi int64, pins map[string]any) (int64, int64) {
	for pk, pv := range pins {
		pt, ok := cat.Trait(pk)
		if !ok || pt.Kind != catalog.KindInt {
			continue
		}
		n, ok := pv.(int64)
		if !ok {
			continue
		}
		if pt.MaxRef == key {
			lo = max(lo, n)
		}
		if pt.MinRef == key {
			hi = min(hi, n)
		}
	}
	return lo, hi
}

func dependsOn(cat *catalog.Catalog, trait, dep string) bool {
	for _, d := range cat.Dependencies(trait) {
		if d == dep {
			return true
		}
	}
	return false
}
