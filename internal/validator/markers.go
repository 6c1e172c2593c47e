package validator

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/markers.yaml
var defaultMarkersYAML []byte

// MarkerSets holds named lists of substrings that betray automation or
// emulation when they show up in runtime observations.
type MarkerSets struct {
	Version int                 `yaml:"version" json:"version"`
	Sets    map[string][]string `yaml:"sets" json:"sets"`
}

// DefaultMarkers returns the built-in marker sets.
func DefaultMarkers() *MarkerSets {
	m, err := ParseMarkers(defaultMarkersYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in marker sets: %v", err))
	}
	return m
}

// LoadMarkers reads marker sets from a YAML file.
func LoadMarkers(path string) (*MarkerSets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading marker sets: %w", err)
	}
	return ParseMarkers(data)
}

func ParseMarkers(data []byte) (*MarkerSets, error) {
	var m MarkerSets
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing marker sets: %w", err)
	}
	if m.Version <= 0 {
		return nil, fmt.Errorf("marker sets: version must be positive")
	}
	for name, markers := range m.Sets {
		for i, mk := range markers {
			if strings.TrimSpace(mk) == "" {
				return nil, fmt.Errorf("marker set %q: entry %d is empty", name, i)
			}
		}
	}
	return &m, nil
}

// Names returns the set names in sorted order.
func (m *MarkerSets) Names() []string {
	out := make([]string, 0, len(m.Sets))
	for name := range m.Sets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether set lists s itself, ignoring case.
func (m *MarkerSets) Has(set, s string) bool {
	if m == nil {
		return false
	}
	for _, mk := range m.Sets[set] {
		if strings.EqualFold(mk, s) {
			return true
		}
	}
	return false
}

// Match returns the first marker of set found in s, ignoring case.
func (m *MarkerSets) Match(set, s string) (string, bool) {
	lower := strings.ToLower(s)
	for _, mk := range m.Sets[set] {
		if strings.Contains(lower, strings.ToLower(mk)) {
			return mk, true
		}
	}
	return "", false
}
