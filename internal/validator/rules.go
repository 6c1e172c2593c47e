package validator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/fingerprint"
	"github.com/maskforge/maskforge/internal/predicate"
)

// Input is what a rule sees: the catalog the profile was generated from, the
// profile itself and the runtime observations read back from a live session.
type Input struct {
	Catalog      *catalog.Catalog
	Profile      *fingerprint.Profile
	Observations map[string]any
	Markers      *MarkerSets
}

// Env exposes profile values under their trait keys and observations under
// the obs. prefix.
func (in *Input) Env() predicate.Env {
	return inputEnv{values: in.Profile.Env(), observations: in.Observations}
}

// Observation returns a runtime observation; nil counts as not supplied.
func (in *Input) Observation(name string) (any, bool) {
	v, ok := in.Observations[name]
	return v, ok && v != nil
}

// Int returns an integer trait value.
func (in *Input) Int(key string) (int64, bool) {
	v, ok := in.Profile.Value(key)
	if !ok {
		return 0, false
	}
	n, ok := predicate.Normalize(v).(int64)
	return n, ok
}

// String returns a string trait value.
func (in *Input) String(key string) (string, bool) {
	v, ok := in.Profile.Value(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

type inputEnv struct {
	values       predicate.Values
	observations map[string]any
}

func (e inputEnv) Lookup(key string) (any, predicate.State) {
	if name, ok := strings.CutPrefix(key, predicate.ObservationPrefix); ok {
		v, ok := e.observations[name]
		if !ok || v == nil {
			return nil, predicate.Absent
		}
		return v, predicate.Known
	}
	return e.values.Lookup(key)
}

// Verdict is what a rule decides about one profile.
type Verdict struct {
	Status  fingerprint.OutcomeStatus
	Message string
}

func Pass() Verdict { return Verdict{Status: fingerprint.OutcomePassed} }

func Failf(format string, args ...any) Verdict {
	return Verdict{Status: fingerprint.OutcomeFailed, Message: fmt.Sprintf(format, args...)}
}

func Skipf(format string, args ...any) Verdict {
	return Verdict{Status: fingerprint.OutcomeSkipped, Message: fmt.Sprintf(format, args...)}
}

// Rule is one compiled validation rule.
type Rule interface {
	ID() string
	Type() fingerprint.RuleType
	Severity() fingerprint.RiskLevel
	Evaluate(ctx context.Context, in *Input) (Verdict, error)
}

// CheckFunc is the body of a rule built with NewRule.
type CheckFunc func(ctx context.Context, in *Input) (Verdict, error)

// NewRule pairs a rule declaration with the Go function that checks it.
func NewRule(def catalog.Rule, fn CheckFunc) Rule {
	return &rule{def: def, check: fn}
}

type rule struct {
	def   catalog.Rule
	check CheckFunc
}

func (r *rule) ID() string                      { return r.def.ID }
func (r *rule) Type() fingerprint.RuleType      { return r.def.Type }
func (r *rule) Severity() fingerprint.RiskLevel { return r.def.Severity }
func (r *rule) Evaluate(ctx context.Context, in *Input) (Verdict, error) {
	return r.check(ctx, in)
}

// Compile turns the rule declarations of cat into runnable rules, in
// declaration order. Rules naming an unregistered builtin or an unknown
// marker set make the catalog unusable and are reported as an integrity
// error.
func Compile(cat *catalog.Catalog, markers *MarkerSets, registry *Registry) ([]Rule, error) {
	var (
		rules    []Rule
		problems []string
	)
	for _, def := range cat.Rules() {
		switch def.Kind {
		case catalog.RuleExpression:
			rules = append(rules, NewRule(def, expressionCheck(def)))
		case catalog.RuleMarkers:
			if _, ok := markers.Sets[def.Markers]; !ok {
				problems = append(problems, fmt.Sprintf("rule %q: unknown marker set %q (have %s)",
					def.ID, def.Markers, strings.Join(markers.Names(), ", ")))
				continue
			}
			rules = append(rules, NewRule(def, markersCheck(def, markers)))
		case catalog.RuleBuiltin:
			b, ok := registry.Get(def.Builtin)
			if !ok {
				problems = append(problems, fmt.Sprintf("rule %q: unknown builtin %q", def.ID, def.Builtin))
				continue
			}
			rules = append(rules, NewRule(def, b.Check))
		default:
			problems = append(problems, fmt.Sprintf("rule %q: unknown kind %q", def.ID, def.Kind))
		}
	}
	if len(problems) > 0 {
		return nil, &catalog.IntegrityError{Version: cat.Version(), Problems: problems}
	}
	return rules, nil
}

// expressionCheck fails when the violation predicate holds. Rules reading
// observations that were not supplied are skipped.
func expressionCheck(def catalog.Rule) CheckFunc {
	_, observed := predicate.SplitRefs(predicate.Refs(def.Violation))
	return func(_ context.Context, in *Input) (Verdict, error) {
		for _, name := range observed {
			if _, ok := in.Observation(name); !ok {
				return Skipf("observation %s not supplied", name), nil
			}
		}
		switch predicate.Eval(def.Violation, in.Env()) {
		case predicate.True:
			msg := def.Description
			if msg == "" {
				msg = def.Violation.String()
			}
			return Failf("%s", msg), nil
		case predicate.False:
			return Pass(), nil
		default:
			return Skipf("%s is undecided", def.Violation), nil
		}
	}
}

// markersCheck fails when any inspected observation contains a marker of
// the rule's set. With no observation keys listed every observation is
// inspected.
func markersCheck(def catalog.Rule, markers *MarkerSets) CheckFunc {
	return func(ctx context.Context, in *Input) (Verdict, error) {
		keys := def.Observations
		if len(keys) == 0 {
			keys = make([]string, 0, len(in.Observations))
			for k := range in.Observations {
				keys = append(keys, k)
			}
			sort.Strings(keys)
		}

		inspected := 0
		for _, key := range keys {
			v, ok := in.Observation(key)
			if !ok {
				continue
			}
			inspected++
			for _, s := range texts(v) {
				if mk, hit := markers.Match(def.Markers, s); hit {
					return Failf("observation %s contains %s marker %q", key, def.Markers, mk), nil
				}
			}
			if err := ctx.Err(); err != nil {
				return Verdict{}, err
			}
		}
		if inspected == 0 {
			return Skipf("no observations to inspect"), nil
		}
		return Pass(), nil
	}
}

// texts flattens an observation into the strings a marker may hide in.
func texts(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return []string{x}
	case []any:
		var out []string
		for _, e := range x {
			out = append(out, texts(e)...)
		}
		return out
	case []string:
		return x
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := keys
		for _, k := range keys {
			out = append(out, texts(x[k])...)
		}
		return out
	default:
		return []string{predicate.Text(v)}
	}
}
