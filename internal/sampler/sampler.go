// Package sampler draws concrete profiles from a catalog. Sampling walks the
// traits in resolution order, re-resolves each trait against the values
// already chosen and makes a weighted pick with a seeded PCG generator, so
// the same catalog version, pins and seed always produce the same profile.
package sampler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/fingerprint"
	"github.com/maskforge/maskforge/internal/resolver"
)

// profileNamespace scopes the name-based UUIDs of generated profiles.
var profileNamespace = uuid.MustParse("6f1c3f0e-54d4-4b8e-9a39-6e2d0f7c1a52")

// DefaultMaxSteps bounds the candidate values one Sample call may try.
const DefaultMaxSteps = 4096

// maxIntDraws is how many draws from an integer range are tried before the
// range counts as exhausted.
const maxIntDraws = 16

// Sampler holds the settings that are not part of a sampling request.
type Sampler struct {
	// Now stamps CreatedAt. Tests pin it to get byte-identical profiles.
	Now func() time.Time
	// MaxSteps caps the candidates tried per profile; zero means
	// DefaultMaxSteps.
	MaxSteps int
}

func New() *Sampler {
	return &Sampler{Now: func() time.Time { return time.Now().UTC() }}
}

// Sample draws one profile using a default Sampler.
func Sample(cat *catalog.Catalog, pins map[string]any, seed int64) (*fingerprint.Profile, error) {
	return New().Sample(cat, pins, seed)
}

// Sample draws one profile from cat. pins fix trait values up front (an
// empty set regenerates everything). Resolver errors, unsatisfiable
// constraints included, are returned unchanged.
//
// Each pick is followed by a fresh resolution with the values chosen so far
// pinned. A pick that leaves some later trait without a legal value is
// withdrawn and the next candidate is tried, so a pin set with a legal
// completion is never reported as unsatisfiable because of an unlucky draw.
func (s *Sampler) Sample(cat *catalog.Catalog, pins map[string]any, seed int64) (*fingerprint.Profile, error) {
	// Resolving up front rejects unknown or contradictory pins before any
	// randomness is consumed.
	space, err := resolver.Resolve(cat, pins)
	if err != nil {
		return nil, err
	}
	pins = space.Pins

	w := &walk{
		cat:    cat,
		pins:   pins,
		order:  space.Order,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		values: make(map[string]any, len(space.Order)),
		budget: s.budget(),
	}
	decided := make(map[string]any, len(space.Order))
	for k, v := range pins {
		decided[k] = v
	}
	ok, err := w.assign(0, space, decided)
	if err != nil {
		return nil, err
	}
	if !ok {
		reason := "no combination of the remaining options satisfies every predicate"
		if w.budget <= 0 {
			reason = "search budget exhausted"
		}
		return nil, &resolver.UnsatisfiableConstraintError{Trait: w.stuck, Pins: pins, Reason: reason}
	}

	id, err := ProfileID(cat.Version(), seed, pins)
	if err != nil {
		return nil, err
	}
	return &fingerprint.Profile{
		ID:             id,
		CatalogVersion: cat.Version(),
		Seed:           seed,
		Values:         w.values,
		CreatedAt:      s.Now(),
	}, nil
}

func (s *Sampler) budget() int {
	if s.MaxSteps > 0 {
		return s.MaxSteps
	}
	return DefaultMaxSteps
}

// walk is the state of one depth-first sampling run.
type walk struct {
	cat    *catalog.Catalog
	pins   map[string]any
	order  []string
	rng    *rand.Rand
	values map[string]any
	budget int
	// stuck is the deepest trait that ran out of candidates.
	stuck string
	depth int
}

// assign decides order[i:] given space, the resolution under decided. It
// reports false when no completion exists below this point.
func (w *walk) assign(i int, space *resolver.Space, decided map[string]any) (bool, error) {
	if i == len(w.order) {
		return true, nil
	}
	key := w.order[i]
	d := space.Domain(key)
	if d.Absent {
		return w.assign(i+1, space, decided)
	}
	if d.Pinned {
		ok, err := w.assign(i+1, space, decided)
		if ok {
			w.values[key] = d.Value
		}
		return ok, err
	}

	candidates := candidatesOf(d)
	misses := 0
	for len(candidates) > 0 || (d.Kind == catalog.KindInt && !d.Fixed && misses < maxIntDraws) {
		if w.budget <= 0 {
			w.fail(i, key)
			return false, nil
		}
		w.budget--

		v, idx, err := w.draw(d, candidates)
		if err != nil {
			return false, &resolver.UnsatisfiableConstraintError{Trait: key, Pins: w.pins, Reason: err.Error()}
		}
		drop := func() {
			if idx >= 0 {
				candidates = append(candidates[:idx:idx], candidates[idx+1:]...)
			} else {
				misses++
			}
		}

		decided[key] = v
		next, err := resolver.Resolve(w.cat, decided)
		if err != nil {
			delete(decided, key)
			if errors.Is(err, resolver.ErrUnsatisfiable) {
				drop()
				continue
			}
			return false, err
		}
		ok, err := w.assign(i+1, next, decided)
		if err != nil {
			delete(decided, key)
			return false, err
		}
		if ok {
			w.values[key] = v
			return true, nil
		}
		delete(decided, key)
		drop()
	}
	w.fail(i, key)
	return false, nil
}

func (w *walk) fail(i int, key string) {
	if w.stuck == "" || i >= w.depth {
		w.depth, w.stuck = i, key
	}
}

// draw picks the next value to try. idx is the position of the value in
// candidates, or -1 for a drawn integer.
func (w *walk) draw(d *resolver.Domain, candidates []catalog.Option) (any, int, error) {
	if d.Kind == catalog.KindInt && !d.Fixed {
		return d.Min + w.rng.Int64N(d.Max-d.Min+1), -1, nil
	}
	return weighted(candidates, w.rng)
}

func candidatesOf(d *resolver.Domain) []catalog.Option {
	switch {
	case d.Fixed:
		return []catalog.Option{{Value: d.Value, Weight: 1}}
	case d.Kind == catalog.KindInt:
		return nil
	}
	return append([]catalog.Option(nil), d.Options...)
}

// weighted picks one option with probability proportional to its weight
// and returns it with its index.
func weighted(options []catalog.Option, rng *rand.Rand) (any, int, error) {
	var total float64
	for _, o := range options {
		total += o.Weight
	}
	if len(options) == 0 || total <= 0 {
		return nil, -1, fmt.Errorf("no option with positive weight")
	}
	r := rng.Float64() * total
	for i, o := range options {
		r -= o.Weight
		if r < 0 {
			return o.Value, i, nil
		}
	}
	return options[len(options)-1].Value, len(options) - 1, nil
}

// ProfileID derives a stable identifier from the sampling inputs.
func ProfileID(version int, seed int64, pins map[string]any) (string, error) {
	canon, err := json.Marshal(pins)
	if err != nil {
		return "", fmt.Errorf("encoding pins: %w", err)
	}
	name := fmt.Sprintf("v%d|%d|%s", version, seed, canon)
	return uuid.NewSHA1(profileNamespace, []byte(name)).String(), nil
}
