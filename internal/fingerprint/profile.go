// Package fingerprint holds the engine's output records: generated profiles
// and the validation reports attached to them.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/maskforge/maskforge/internal/predicate"
)

// Profile is one concrete synthetic identity: every trait key maps to the
// value chosen for it. A profile is pinned to the catalog version it was
// generated against.
type Profile struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	CatalogVersion int            `json:"catalog_version"`
	Seed           int64          `json:"seed"`
	PresetID       string         `json:"preset_id,omitempty"`
	Values         map[string]any `json:"values"`
	Overrides      map[string]any `json:"overrides,omitempty"`
	LastReportID   string         `json:"last_report_id,omitempty"`
	Reports        []string       `json:"reports,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Value returns the value of a trait and whether the profile carries one.
func (p *Profile) Value(key string) (any, bool) {
	v, ok := p.Values[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Env exposes the profile values to the predicate evaluator.
func (p *Profile) Env() predicate.Values {
	return predicate.Values(p.Values)
}

// Keys returns the trait keys present in the profile, sorted.
func (p *Profile) Keys() []string {
	keys := make([]string, 0, len(p.Values))
	for k, v := range p.Values {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Missing returns the keys from required that have no value.
func (p *Profile) Missing(required []string) []string {
	var missing []string
	for _, k := range required {
		if _, ok := p.Value(k); !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// ApplyOverrides layers explicit values on top of the profile. The caller is
// responsible for checking the result against the catalog.
func (p *Profile) ApplyOverrides(overrides map[string]any) {
	if len(overrides) == 0 {
		return
	}
	if p.Values == nil {
		p.Values = make(map[string]any)
	}
	if p.Overrides == nil {
		p.Overrides = make(map[string]any)
	}
	for k, v := range overrides {
		v = predicate.Normalize(v)
		p.Overrides[k] = v
		if v == nil {
			delete(p.Values, k)
			continue
		}
		p.Values[k] = v
	}
}

// RecordReport makes r the profile's latest report. Earlier reports stay in
// the history.
func (p *Profile) RecordReport(r *Report) {
	if r == nil {
		return
	}
	p.LastReportID = r.ID
	if !slices.Contains(p.Reports, r.ID) {
		p.Reports = append(p.Reports, r.ID)
	}
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Values = cloneValues(p.Values)
	c.Overrides = cloneValues(p.Overrides)
	c.Reports = slices.Clone(p.Reports)
	return &c
}

func cloneValues(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = predicate.Normalize(v)
	}
	return out
}

// Equal reports whether two profiles carry the same identity: version, seed
// and values. Bookkeeping fields (id, reports, timestamps) are ignored.
func (p *Profile) Equal(o *Profile) bool {
	if p.CatalogVersion != o.CatalogVersion || p.Seed != o.Seed {
		return false
	}
	if len(p.Keys()) != len(o.Keys()) {
		return false
	}
	return maps.EqualFunc(present(p.Values), present(o.Values), predicate.Equal)
}

func present(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// MarshalProfile encodes a profile as an indented JSON document.
func MarshalProfile(p *Profile) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// UnmarshalProfile decodes a profile document and normalizes its values so
// that a re-imported profile compares equal to the exported one.
func UnmarshalProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	p.Values = cloneValues(p.Values)
	p.Overrides = cloneValues(p.Overrides)
	if p.Values == nil {
		p.Values = make(map[string]any)
	}
	return &p, nil
}
