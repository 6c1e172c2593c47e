// Package catalog holds the versioned trait catalog: trait definitions, their
// legal values, the predicates linking them, presets and validation rules.
// A built Catalog is an immutable snapshot; new versions are published
// through a Store and never edit an existing snapshot.
package catalog

import (
	"cmp"
	"errors"
	"slices"
	"strings"

	"github.com/maskforge/maskforge/internal/depgraph"
	"github.com/maskforge/maskforge/internal/predicate"
)

// Catalog is a validated, immutable catalog version. Values returned by its
// accessors are shared with the snapshot and must not be modified.
type Catalog struct {
	doc        Document
	traits     map[string]*Trait
	presets    map[string]*Preset
	deps       map[string][]string
	order      []string
	categories []Category
}

// Build validates a document and turns it into a snapshot. It returns an
// *IntegrityError for structural problems and a *DependencyCycleError when
// the traits depend on each other in a loop.
func Build(doc *Document) (*Catalog, error) {
	if doc == nil {
		return nil, &IntegrityError{Problems: []string{"empty document"}}
	}
	norm := normalizeDocument(doc)
	if err := checkDocument(&norm); err != nil {
		return nil, err
	}

	c := &Catalog{
		doc:     norm,
		traits:  make(map[string]*Trait, len(norm.Traits)),
		presets: make(map[string]*Preset, len(norm.Presets)),
		deps:    make(map[string][]string, len(norm.Traits)),
	}
	g := depgraph.New()
	for i := range c.doc.Traits {
		t := &c.doc.Traits[i]
		c.traits[t.Key] = t
		g.AddNode(t.Key)
	}
	for i := range c.doc.Presets {
		c.presets[c.doc.Presets[i].ID] = &c.doc.Presets[i]
	}
	for i := range c.doc.Traits {
		t := &c.doc.Traits[i]
		deps := traitDependencies(t)
		c.deps[t.Key] = deps
		for _, d := range deps {
			if err := g.AddEdge(d, t.Key); err != nil {
				return nil, &IntegrityError{Version: norm.Version, Problems: []string{err.Error()}}
			}
		}
	}

	order, err := g.Order()
	if err != nil {
		var cycle *depgraph.CycleError
		if errors.As(err, &cycle) {
			return nil, &DependencyCycleError{Version: norm.Version, Traits: cycle.Cycle}
		}
		return nil, err
	}
	c.order = order

	c.categories = slices.Clone(c.doc.Categories)
	slices.SortStableFunc(c.categories, func(a, b Category) int {
		return cmp.Compare(a.Order, b.Order)
	})
	return c, nil
}

// traitDependencies returns the sorted keys of the traits t reads: through
// its applicability predicate, its options' predicates and its bounds.
func traitDependencies(t *Trait) []string {
	seen := make(map[string]struct{})
	add := func(e *predicate.Expr) {
		for _, r := range predicate.Refs(e) {
			seen[r] = struct{}{}
		}
	}
	add(t.When)
	for _, o := range t.Options {
		add(o.When)
	}
	if t.MinRef != "" {
		seen[t.MinRef] = struct{}{}
	}
	if t.MaxRef != "" {
		seen[t.MaxRef] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (c *Catalog) Version() int { return c.doc.Version }
func (c *Catalog) Name() string { return c.doc.Name }

// Document returns a copy of the normalized document behind the snapshot.
func (c *Catalog) Document() *Document {
	d := normalizeDocument(&c.doc)
	return &d
}

// Categories returns the categories sorted by display order, declaration
// order breaking ties.
func (c *Catalog) Categories() []Category {
	return slices.Clone(c.categories)
}

// TraitFilter narrows Traits. Zero values match everything.
type TraitFilter struct {
	Category     string
	Search       string
	Experimental *bool
	Randomizable *bool
}

func (f TraitFilter) match(t *Trait) bool {
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if f.Experimental != nil && t.Experimental != *f.Experimental {
		return false
	}
	if f.Randomizable != nil && t.Randomizable != *f.Randomizable {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(t.Key), q) &&
			!strings.Contains(strings.ToLower(t.Name), q) &&
			!strings.Contains(strings.ToLower(t.Description), q) {
			return false
		}
	}
	return true
}

// Traits returns the traits matching f in declaration order.
func (c *Catalog) Traits(f TraitFilter) []Trait {
	var out []Trait
	for i := range c.doc.Traits {
		if f.match(&c.doc.Traits[i]) {
			out = append(out, c.doc.Traits[i])
		}
	}
	return out
}

func (c *Catalog) Trait(key string) (*Trait, bool) {
	t, ok := c.traits[key]
	return t, ok
}

// Options returns the declared options of an enum trait.
func (c *Catalog) Options(key string) ([]Option, bool) {
	t, ok := c.traits[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(t.Options), true
}

func (c *Catalog) Preset(id string) (*Preset, bool) {
	p, ok := c.presets[id]
	return p, ok
}

func (c *Catalog) Presets() []Preset { return slices.Clone(c.doc.Presets) }

func (c *Catalog) Rules() []Rule { return slices.Clone(c.doc.Rules) }

// Order returns the trait keys in resolution order: dependencies first,
// declaration order among independent traits.
func (c *Catalog) Order() []string { return slices.Clone(c.order) }

// Dependencies returns the keys of the traits key depends on.
func (c *Catalog) Dependencies(key string) []string { return slices.Clone(c.deps[key]) }

// Required returns the keys of non-optional traits in resolution order.
func (c *Catalog) Required() []string {
	var out []string
	for _, k := range c.order {
		if !c.traits[k].Optional {
			out = append(out, k)
		}
	}
	return out
}

// HasOption reports whether v is one of the declared values of an enum trait.
func (t *Trait) HasOption(v any) bool {
	return t.OptionIndex(v) >= 0
}

// OptionIndex returns the position of v among the trait's options, or -1.
func (t *Trait) OptionIndex(v any) int {
	for i, o := range t.Options {
		if predicate.Equal(o.Value, v) {
			return i
		}
	}
	return -1
}

// normalizeDocument deep-copies doc with every literal normalized and
// option weights defaulted.
func normalizeDocument(doc *Document) Document {
	out := Document{
		Version:     doc.Version,
		Name:        doc.Name,
		Description: doc.Description,
		Categories:  slices.Clone(doc.Categories),
	}
	if doc.Traits != nil {
		out.Traits = make([]Trait, len(doc.Traits))
	}
	for i, t := range doc.Traits {
		nt := t
		nt.Default = predicate.Normalize(t.Default)
		nt.When = predicate.Normalized(t.When)
		if t.Min != nil {
			v := *t.Min
			nt.Min = &v
		}
		if t.Max != nil {
			v := *t.Max
			nt.Max = &v
		}
		if t.Artifact != nil {
			a := *t.Artifact
			nt.Artifact = &a
		}
		if t.Options != nil {
			nt.Options = make([]Option, len(t.Options))
			for j, o := range t.Options {
				no := o
				no.Value = predicate.Normalize(o.Value)
				no.When = predicate.Normalized(o.When)
				if no.Weight == 0 {
					no.Weight = 1
				}
				nt.Options[j] = no
			}
		}
		out.Traits[i] = nt
	}
	if doc.Presets != nil {
		out.Presets = make([]Preset, len(doc.Presets))
	}
	for i, p := range doc.Presets {
		np := p
		if p.Values != nil {
			np.Values = make(map[string]any, len(p.Values))
			for k, v := range p.Values {
				np.Values[k] = predicate.Normalize(v)
			}
		}
		out.Presets[i] = np
	}
	if doc.Rules != nil {
		out.Rules = make([]Rule, len(doc.Rules))
	}
	for i, r := range doc.Rules {
		nr := r
		nr.Violation = predicate.Normalized(r.Violation)
		nr.Observations = slices.Clone(r.Observations)
		out.Rules[i] = nr
	}
	return out
}
