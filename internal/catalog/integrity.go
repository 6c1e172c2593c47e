package catalog

import (
	"slices"
	"strings"

	"github.com/maskforge/maskforge/internal/fingerprint"
	"github.com/maskforge/maskforge/internal/predicate"
)

// checkDocument collects every integrity problem in a normalized document.
func checkDocument(doc *Document) error {
	var p problems
	if doc.Version <= 0 {
		p.add("version must be positive, got %d", doc.Version)
	}

	categories := make(map[string]bool, len(doc.Categories))
	for i, c := range doc.Categories {
		switch {
		case c.ID == "":
			p.add("category #%d: missing id", i)
		case categories[c.ID]:
			p.add("category %q: duplicate id", c.ID)
		}
		categories[c.ID] = true
	}

	traits := make(map[string]*Trait, len(doc.Traits))
	for i := range doc.Traits {
		t := &doc.Traits[i]
		switch {
		case t.Key == "":
			p.add("trait #%d: missing key", i)
			continue
		case strings.HasPrefix(t.Key, predicate.ObservationPrefix):
			p.add("trait %q: keys starting with %q are reserved for observations", t.Key, predicate.ObservationPrefix)
		case traits[t.Key] != nil:
			p.add("trait %q: duplicate key", t.Key)
			continue
		}
		traits[t.Key] = t
	}
	for i := range doc.Traits {
		t := &doc.Traits[i]
		if t.Key == "" {
			continue
		}
		checkTrait(&p, t, traits, categories)
	}

	presets := make(map[string]bool, len(doc.Presets))
	for _, ps := range doc.Presets {
		if ps.ID == "" {
			p.add("preset %q: missing id", ps.Name)
			continue
		}
		if presets[ps.ID] {
			p.add("preset %q: duplicate id", ps.ID)
		}
		presets[ps.ID] = true
		for _, key := range sortedKeys(ps.Values) {
			t, ok := traits[key]
			if !ok {
				p.add("preset %q: unknown trait %q", ps.ID, key)
				continue
			}
			if t.Kind == KindEnum && ps.Values[key] != nil && !t.HasOption(ps.Values[key]) {
				p.add("preset %q: trait %q has no option %v", ps.ID, key, ps.Values[key])
			}
		}
	}

	rules := make(map[string]bool, len(doc.Rules))
	for _, r := range doc.Rules {
		checkRule(&p, &r, rules, traits)
	}

	return p.err(doc.Version)
}

func checkTrait(p *problems, t *Trait, traits map[string]*Trait, categories map[string]bool) {
	where := "trait " + quote(t.Key)
	if !categories[t.Category] {
		p.add("%s: unknown category %q", where, t.Category)
	}
	if !t.Kind.Valid() {
		p.add("%s: unknown kind %q", where, t.Kind)
		return
	}
	if t.When != nil && !t.Optional {
		p.add("%s: only optional traits may carry a when predicate", where)
	}
	checkPredicate(p, where+" when", t.When, traits, false)

	if t.Kind != KindInt && (t.Min != nil || t.Max != nil || t.MinRef != "" || t.MaxRef != "") {
		p.add("%s: bounds are only valid on int traits", where)
	}
	if t.Kind != KindEnum && len(t.Options) > 0 {
		p.add("%s: options are only valid on enum traits", where)
	}
	if t.Artifact != nil {
		switch t.Artifact.Format {
		case FormatPlain, FormatAcceptLanguage, FormatQuoted, FormatClientHintBool:
		default:
			p.add("%s: unknown artifact format %q", where, t.Artifact.Format)
		}
	}

	switch t.Kind {
	case KindEnum:
		if len(t.Options) == 0 {
			p.add("%s: enum trait has no options", where)
		}
		for i, o := range t.Options {
			ow := where + " option " + predicate.Text(o.Value)
			if o.Value == nil {
				p.add("%s option #%d: missing value", where, i)
				continue
			}
			if t.OptionIndex(o.Value) != i {
				p.add("%s: duplicate option", ow)
			}
			if o.Weight < 0 {
				p.add("%s: negative weight %v", ow, o.Weight)
			}
			checkPredicate(p, ow, o.When, traits, false)
		}
		if t.Default != nil && !t.HasOption(t.Default) {
			p.add("%s: default %v is not one of its options", where, t.Default)
		}
	case KindInt:
		if t.Default != nil {
			if _, ok := t.Default.(int64); !ok {
				p.add("%s: default %v is not an integer", where, t.Default)
			}
		}
		if t.Min != nil && t.Max != nil && *t.Min > *t.Max {
			p.add("%s: min %d exceeds max %d", where, *t.Min, *t.Max)
		}
		for _, ref := range []string{t.MinRef, t.MaxRef} {
			if ref == "" {
				continue
			}
			rt, ok := traits[ref]
			switch {
			case !ok:
				p.add("%s: bound references unknown trait %q", where, ref)
			case !integral(rt):
				p.add("%s: bound references non-int trait %q", where, ref)
			}
		}
		if t.Randomizable && (t.Min == nil || t.Max == nil) {
			p.add("%s: randomizable int needs min and max", where)
		}
		if !t.Randomizable && !t.Optional && t.Default == nil {
			p.add("%s: needs a default or randomizable bounds", where)
		}
	case KindBool:
		if t.Default != nil {
			if _, ok := t.Default.(bool); !ok {
				p.add("%s: default %v is not a bool", where, t.Default)
			}
		}
		if !t.Randomizable && !t.Optional && t.Default == nil {
			p.add("%s: needs a default or must be randomizable", where)
		}
	case KindString:
		if t.Default != nil {
			if _, ok := t.Default.(string); !ok {
				p.add("%s: default %v is not a string", where, t.Default)
			}
		}
		if !t.Optional && t.Default == nil {
			p.add("%s: non-optional string trait needs a default", where)
		}
	case KindJSON:
		if !t.Optional && t.Default == nil {
			p.add("%s: non-optional json trait needs a default", where)
		}
	}
}

func checkRule(p *problems, r *Rule, seen map[string]bool, traits map[string]*Trait) {
	if r.ID == "" {
		p.add("rule %q: missing id", r.Description)
		return
	}
	where := "rule " + quote(r.ID)
	if seen[r.ID] {
		p.add("%s: duplicate id", where)
	}
	seen[r.ID] = true
	if !r.Type.Valid() {
		p.add("%s: unknown type %q", where, r.Type)
	}
	if r.Severity < fingerprint.RiskLow || r.Severity > fingerprint.RiskCritical {
		p.add("%s: invalid severity %d", where, int(r.Severity))
	}
	switch r.Kind {
	case RuleExpression:
		if r.Violation == nil {
			p.add("%s: expression rule needs a violation predicate", where)
		}
		checkPredicate(p, where, r.Violation, traits, true)
	case RuleMarkers:
		if r.Markers == "" {
			p.add("%s: markers rule needs a marker set name", where)
		}
	case RuleBuiltin:
		if r.Builtin == "" {
			p.add("%s: builtin rule needs a builtin name", where)
		}
	default:
		p.add("%s: unknown kind %q", where, r.Kind)
	}
}

// checkPredicate verifies structure, that every referenced trait exists and
// that every literal compared against an enum trait is one of its options.
func checkPredicate(p *problems, where string, e *predicate.Expr, traits map[string]*Trait, allowObservations bool) {
	if e == nil {
		return
	}
	if err := predicate.Check(e); err != nil {
		p.add("%s: malformed predicate: %v", where, err)
		return
	}
	for _, ref := range predicate.Refs(e) {
		if strings.HasPrefix(ref, predicate.ObservationPrefix) {
			if !allowObservations {
				p.add("%s: catalog predicates cannot read observation %q", where, ref)
			}
			continue
		}
		if _, ok := traits[ref]; !ok {
			p.add("%s: predicate references unknown trait %q", where, ref)
		}
	}
	cmps := predicate.Comparisons(e)
	for _, key := range sortedKeys(cmps) {
		t, ok := traits[key]
		if !ok || t.Kind != KindEnum {
			continue
		}
		for _, lit := range cmps[key] {
			if !t.HasOption(lit) {
				p.add("%s: predicate references unknown option %v of trait %q", where, lit, key)
			}
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func quote(s string) string { return `"` + s + `"` }

// integral reports whether every value of t is an integer: int traits and
// enums whose options are all integers can bound another int trait.
func integral(t *Trait) bool {
	switch t.Kind {
	case KindInt:
		return true
	case KindEnum:
		if len(t.Options) == 0 {
			return false
		}
		for _, o := range t.Options {
			if _, ok := predicate.Normalize(o.Value).(int64); !ok {
				return false
			}
		}
		return true
	}
	return false
}
