// Package artifact renders profiles into what an automation controller
// injects: HTTP header overrides, a nested document of JavaScript-visible
// property overrides, raw payloads of json traits and a bootstrap script.
//
// Synthesis is a pure function of the catalog and the profile. Maps are
// encoded with sorted keys, so identical profiles give byte-identical
// bundles.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/fingerprint"
	"github.com/maskforge/maskforge/internal/predicate"
)

// ScriptGlobal is the name of the constant the bootstrap script defines.
const ScriptGlobal = "__MASKFORGE__"

// ErrVersionMismatch is returned when the profile was not generated from
// the catalog passed in.
var ErrVersionMismatch = errors.New("profile and catalog versions differ")

// Bundle is the synthesized artifact set of one profile.
type Bundle struct {
	CatalogVersion int                        `json:"catalog_version"`
	ProfileID      string                     `json:"profile_id"`
	Headers        map[string]string          `json:"headers"`
	Overrides      map[string]any             `json:"overrides"`
	Payloads       map[string]json.RawMessage `json:"payloads,omitempty"`
	Script         string                     `json:"script"`
}

// Synthesize maps every present trait value of p through its catalog
// artifact mapping.
func Synthesize(cat *catalog.Catalog, p *fingerprint.Profile) (*Bundle, error) {
	if p.CatalogVersion != cat.Version() {
		return nil, fmt.Errorf("profile %s is from catalog v%d, synthesizing with v%d: %w",
			p.ID, p.CatalogVersion, cat.Version(), ErrVersionMismatch)
	}

	b := &Bundle{
		CatalogVersion: cat.Version(),
		ProfileID:      p.ID,
		Headers:        make(map[string]string),
		Overrides:      make(map[string]any),
	}
	for _, key := range cat.Order() {
		v, ok := p.Value(key)
		if !ok {
			continue
		}
		t, _ := cat.Trait(key)

		if t.Kind == catalog.KindJSON {
			raw, err := encode(v)
			if err != nil {
				return nil, fmt.Errorf("trait %s: encoding payload: %w", key, err)
			}
			if b.Payloads == nil {
				b.Payloads = make(map[string]json.RawMessage)
			}
			b.Payloads[key] = raw
		}

		m := t.Artifact
		if m == nil {
			continue
		}
		if m.Header != "" {
			h, err := HeaderValue(m.Format, v)
			if err != nil {
				return nil, fmt.Errorf("trait %s: header %s: %w", key, m.Header, err)
			}
			b.Headers[m.Header] = h
		}
		if m.Path != "" {
			if err := setPath(b.Overrides, m.Path, scriptValue(v)); err != nil {
				return nil, fmt.Errorf("trait %s: %w", key, err)
			}
		}
	}

	doc, err := encode(b.Overrides)
	if err != nil {
		return nil, fmt.Errorf("encoding overrides: %w", err)
	}
	b.Script = "const " + ScriptGlobal + " = " + string(doc) + ";"
	return b, nil
}

// HeaderValue renders a trait value for an HTTP header.
func HeaderValue(format string, v any) (string, error) {
	switch format {
	case catalog.FormatPlain:
		if list, ok := v.([]any); ok {
			parts := make([]string, len(list))
			for i, e := range list {
				parts[i] = predicate.Text(e)
			}
			return strings.Join(parts, ", "), nil
		}
		return predicate.Text(v), nil
	case catalog.FormatAcceptLanguage:
		return AcceptLanguage(v)
	case catalog.FormatQuoted:
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("quoted format needs a string, got %T", v)
		}
		return strconv.Quote(s), nil
	case catalog.FormatClientHintBool:
		flag, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("client hint boolean needs a bool, got %T", v)
		}
		if flag {
			return "?1", nil
		}
		return "?0", nil
	}
	return "", fmt.Errorf("unknown format %q", format)
}

// AcceptLanguage renders a preference list with descending quality values:
// the first language is unweighted, each following one drops by 0.1 down to
// a floor of 0.7.
func AcceptLanguage(v any) (string, error) {
	var langs []string
	switch x := v.(type) {
	case string:
		langs = []string{x}
	case []any:
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return "", fmt.Errorf("language list holds %T", e)
			}
			langs = append(langs, s)
		}
	case []string:
		langs = x
	default:
		return "", fmt.Errorf("language list needs strings, got %T", v)
	}
	if len(langs) == 0 {
		return "", errors.New("empty language list")
	}

	var sb strings.Builder
	sb.WriteString(langs[0])
	for i := 1; i < len(langs); i++ {
		q := max(1.0-float64(i)*0.1, 0.7)
		fmt.Fprintf(&sb, ",%s;q=%.1f", langs[i], q)
	}
	return sb.String(), nil
}

// scriptValue is the form a value takes inside the override document.
// Values are already normalized, so only copies are needed to keep the
// bundle independent of the profile.
func scriptValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = scriptValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = scriptValue(e)
		}
		return out
	}
	return v
}

// setPath stores v at a dotted path, creating intermediate objects.
func setPath(doc map[string]any, path string, v any) error {
	parts := strings.Split(path, ".")
	cur := doc
	for i, part := range parts[:len(parts)-1] {
		next, exists := cur[part]
		if !exists {
			m := make(map[string]any)
			cur[part] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %s: %s already holds a value", path, strings.Join(parts[:i+1], "."))
		}
		cur = m
	}
	leaf := parts[len(parts)-1]
	if _, exists := cur[leaf]; exists {
		return fmt.Errorf("path %s is mapped twice", path)
	}
	cur[leaf] = v
	return nil
}

// encode marshals without HTML escaping so scripts embed values verbatim.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
