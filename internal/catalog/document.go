package catalog

import (
	"github.com/maskforge/maskforge/internal/fingerprint"
	"github.com/maskforge/maskforge/internal/predicate"
)

// Kind is the value kind of a trait.
type Kind string

const (
	KindEnum   Kind = "enum"
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	KindJSON   Kind = "json"
)

func (k Kind) Valid() bool {
	switch k {
	case KindEnum, KindString, KindInt, KindBool, KindJSON:
		return true
	}
	return false
}

// Category groups traits for display.
type Category struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Order int    `json:"order" yaml:"order"`
}

// Header formats understood by the artifact synthesizer.
const (
	FormatPlain          = ""
	FormatAcceptLanguage = "accept-language"
	FormatQuoted         = "quoted"
	FormatClientHintBool = "ch-bool"
)

// ArtifactMapping tells the synthesizer where a trait's value lands.
type ArtifactMapping struct {
	// Header is the HTTP header the value is rendered into.
	Header string `json:"header,omitempty" yaml:"header,omitempty"`
	// Path is a dotted location inside the JavaScript override document.
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Option is one legal value of an enum trait. When gates the option on the
// values of other traits.
type Option struct {
	Value  any             `json:"value" yaml:"value"`
	Label  string          `json:"label,omitempty" yaml:"label,omitempty"`
	Weight float64         `json:"weight,omitempty" yaml:"weight,omitempty"`
	When   *predicate.Expr `json:"when,omitempty" yaml:"when,omitempty"`
}

// Trait defines one spoofable dimension of a fingerprint.
type Trait struct {
	Key          string           `json:"key" yaml:"key"`
	Name         string           `json:"name,omitempty" yaml:"name,omitempty"`
	Category     string           `json:"category" yaml:"category"`
	Kind         Kind             `json:"kind" yaml:"kind"`
	Description  string           `json:"description,omitempty" yaml:"description,omitempty"`
	Default      any              `json:"default" yaml:"default"`
	Optional     bool             `json:"optional,omitempty" yaml:"optional,omitempty"`
	Experimental bool             `json:"experimental,omitempty" yaml:"experimental,omitempty"`
	Randomizable bool             `json:"randomizable,omitempty" yaml:"randomizable,omitempty"`
	When         *predicate.Expr  `json:"when,omitempty" yaml:"when,omitempty"`
	Min          *int64           `json:"min,omitempty" yaml:"min,omitempty"`
	Max          *int64           `json:"max,omitempty" yaml:"max,omitempty"`
	MinRef       string           `json:"min_ref,omitempty" yaml:"min_ref,omitempty"`
	MaxRef       string           `json:"max_ref,omitempty" yaml:"max_ref,omitempty"`
	Options      []Option         `json:"options,omitempty" yaml:"options,omitempty"`
	Artifact     *ArtifactMapping `json:"artifact,omitempty" yaml:"artifact,omitempty"`
}

// Preset is a curated bundle of trait values used as pins.
type Preset struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Values      map[string]any `json:"values" yaml:"values"`
}

// RuleKind selects how a rule is evaluated.
type RuleKind string

const (
	// RuleExpression rules fail when their violation predicate holds.
	RuleExpression RuleKind = "expression"
	// RuleMarkers rules fail when an observation contains a known automation
	// marker from a named marker set.
	RuleMarkers RuleKind = "markers"
	// RuleBuiltin rules are implemented in Go and looked up by name.
	RuleBuiltin RuleKind = "builtin"
)

// Rule is a validation rule as declared in the catalog.
type Rule struct {
	ID          string                `json:"id" yaml:"id"`
	Type        fingerprint.RuleType  `json:"type" yaml:"type"`
	Severity    fingerprint.RiskLevel `json:"severity" yaml:"severity"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        RuleKind              `json:"kind" yaml:"kind"`
	Violation   *predicate.Expr       `json:"violation,omitempty" yaml:"violation,omitempty"`
	// Observations limits a markers rule to these observation keys; empty
	// means every observation is scanned.
	Observations []string `json:"observations,omitempty" yaml:"observations,omitempty"`
	Markers      string   `json:"markers,omitempty" yaml:"markers,omitempty"`
	Builtin      string   `json:"builtin,omitempty" yaml:"builtin,omitempty"`
}

// Document is the serialized form of one catalog version, as stored by a
// catalog source and produced by Export.
type Document struct {
	Version     int        `json:"version" yaml:"version"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Categories  []Category `json:"categories" yaml:"categories"`
	Traits      []Trait    `json:"traits" yaml:"traits"`
	Presets     []Preset   `json:"presets,omitempty" yaml:"presets,omitempty"`
	Rules       []Rule     `json:"rules,omitempty" yaml:"rules,omitempty"`
}
