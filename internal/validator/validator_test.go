package validator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/catalog/catalogtest"
	"github.com/maskforge/maskforge/internal/fingerprint"
	"github.com/maskforge/maskforge/internal/sampler"
)

func TestValidate_SampledProfilePasses(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)

	for seed := int64(0); seed < 30; seed++ {
		p := sample(t, cat, nil, seed)
		report, err := v.Validate(context.Background(), cat, p, nil)
		require.NoError(t, err)
		assert.Equal(t, fingerprint.ReportComplete, report.Status)
		assert.Equal(t, fingerprint.RiskLow, report.RiskLevel, "seed %d: %+v", seed, report.Violations())
		assert.Len(t, report.Outcomes, len(cat.Rules()))
	}
}

func TestValidate_OutcomesFollowDeclarationOrder(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, nil, 3)

	report, err := v.Validate(context.Background(), cat, p, nil)
	require.NoError(t, err)
	for i, r := range cat.Rules() {
		assert.Equal(t, r.ID, report.Outcomes[i].RuleID)
		assert.Equal(t, r.Type, report.Outcomes[i].Type)
	}
}

func TestValidate_ChromeUserAgentWithFirefoxRenderer(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, map[string]any{"platform": "Windows", "browser": "Chrome"}, 1)
	p.Values["gpu_renderer"] = "Mozilla"

	report, err := v.Validate(context.Background(), cat, p, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.RiskLevel, fingerprint.RiskMedium)

	found := false
	for _, o := range report.Violations() {
		if o.Type == fingerprint.RuleConsistency && o.Severity >= fingerprint.RiskMedium {
			found = true
		}
	}
	assert.True(t, found, "expected a consistency violation, got %+v", report.Violations())
	assert.Equal(t, fingerprint.OutcomeFailed, outcome(report, "ua_firefox_renderer").Status)
	assert.Equal(t, fingerprint.OutcomeFailed, outcome(report, "option_predicates").Status)
}

func TestValidate_AutomationMarkerIsCritical(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, map[string]any{"browser": "Chrome"}, 5)

	obs := map[string]any{
		"navigator.userAgent": strings.Replace(p.Values["user_agent"].(string), "Chrome/", "HeadlessChrome/", 1),
	}
	report, err := v.Validate(context.Background(), cat, p, obs)
	require.NoError(t, err)

	o := outcome(report, "automation_markers")
	assert.Equal(t, fingerprint.OutcomeFailed, o.Status)
	assert.Equal(t, fingerprint.RuleDetectability, o.Type)
	assert.Equal(t, fingerprint.RiskCritical, o.Severity)
	assert.Contains(t, o.Message, "HeadlessChrome")
	assert.Equal(t, fingerprint.RiskCritical, report.RiskLevel)
}

func TestValidate_Observations(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, map[string]any{"platform": "Linux"}, 9)

	clean := map[string]any{
		"navigator.userAgent": p.Values["user_agent"],
		"navigator.platform":  p.Values["navigator_platform"],
		"navigator.webdriver": false,
		"intl.timeZone":       p.Values["timezone"],
		"webgl.renderer":      p.Values["gpu_renderer"],
	}
	report, err := v.Validate(context.Background(), cat, p, clean)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.RiskLow, report.RiskLevel, "%+v", report.Violations())
	assert.Empty(t, report.Skipped())

	leaky := copyMap(clean)
	leaky["navigator.webdriver"] = true
	leaky["intl.timeZone"] = "UTC"
	leaky["webgl.renderer"] = "Google SwiftShader"
	report, err = v.Validate(context.Background(), cat, p, leaky)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.OutcomeFailed, outcome(report, "webdriver_exposed").Status)
	assert.Equal(t, fingerprint.OutcomeFailed, outcome(report, "timezone_mismatch").Status)
	assert.Equal(t, fingerprint.OutcomeFailed, outcome(report, "observed_software_renderer").Status)
	assert.Equal(t, fingerprint.OutcomePassed, outcome(report, "user_agent_roundtrip").Status)
	assert.Equal(t, fingerprint.RiskCritical, report.RiskLevel)
}

func TestValidate_MissingObservationsSkip(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, nil, 11)

	report, err := v.Validate(context.Background(), cat, p, nil)
	require.NoError(t, err)
	for _, id := range []string{"automation_markers", "observed_software_renderer", "webdriver_exposed", "user_agent_roundtrip"} {
		assert.Equal(t, fingerprint.OutcomeSkipped, outcome(report, id).Status, id)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, nil, 21)
	p.Values["viewport_width"] = int64(4000)
	obs := map[string]any{"navigator.webdriver": true}

	first, err := v.Validate(context.Background(), cat, p, obs)
	require.NoError(t, err)
	second, err := v.Validate(context.Background(), cat, p, obs)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Outcomes, second.Outcomes)
	assert.Equal(t, first.RiskLevel, second.RiskLevel)
	assert.Equal(t, first.Status, second.Status)
}

func TestRun_AddingFailingRuleNeverLowersRisk(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, nil, 4)
	p.Values["viewport_width"] = int64(4000)

	rules, err := v.Rules(cat)
	require.NoError(t, err)
	base, err := v.Run(context.Background(), cat, p, rules, nil)
	require.NoError(t, err)

	for _, sev := range []fingerprint.RiskLevel{fingerprint.RiskLow, fingerprint.RiskMedium, fingerprint.RiskHigh, fingerprint.RiskCritical} {
		extra := append(append([]Rule{}, rules...), failing("extra", sev))
		more, err := v.Run(context.Background(), cat, p, extra, nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, more.RiskLevel, base.RiskLevel)
		assert.GreaterOrEqual(t, more.RiskLevel, sev)
	}
}

func TestRun_RuleTimeoutSkips(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	v.SetOptions(Options{Concurrency: 2, RuleTimeout: 20 * time.Millisecond})
	p := sample(t, cat, nil, 1)

	stuck := NewRule(ruleDef("stuck", fingerprint.RiskHigh), func(context.Context, *Input) (Verdict, error) {
		time.Sleep(500 * time.Millisecond)
		return Pass(), nil
	})
	report, err := v.Run(context.Background(), cat, p, []Rule{stuck, failing("after", fingerprint.RiskLow)}, nil)
	require.NoError(t, err)

	assert.Equal(t, fingerprint.OutcomeSkipped, report.Outcomes[0].Status)
	assert.Contains(t, report.Outcomes[0].Message, "timed out")
	assert.Equal(t, fingerprint.OutcomeFailed, report.Outcomes[1].Status)
	assert.Equal(t, fingerprint.ReportComplete, report.Status)
	assert.Equal(t, fingerprint.RiskLow, report.RiskLevel)
}

func TestRun_ErrorsAndPanicsAreContained(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, nil, 1)

	boom := NewRule(ruleDef("boom", fingerprint.RiskLow), func(context.Context, *Input) (Verdict, error) {
		panic("nil map")
	})
	broken := NewRule(ruleDef("broken", fingerprint.RiskLow), func(context.Context, *Input) (Verdict, error) {
		return Verdict{}, errors.New("lookup table missing")
	})
	report, err := v.Run(context.Background(), cat, p, []Rule{boom, broken, passing("fine")}, nil)
	require.NoError(t, err)

	for _, o := range report.Outcomes[:2] {
		assert.Equal(t, fingerprint.OutcomeFailed, o.Status, o.RuleID)
		assert.Equal(t, fingerprint.RiskCritical, o.Severity, o.RuleID)
		assert.True(t, o.InternalError, o.RuleID)
	}
	assert.Contains(t, report.Outcomes[0].Message, "panicked")
	assert.Contains(t, report.Outcomes[1].Message, "lookup table missing")
	assert.Equal(t, fingerprint.OutcomePassed, report.Outcomes[2].Status)
	assert.Equal(t, fingerprint.RiskCritical, report.RiskLevel)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := v.Validate(ctx, cat, p, nil)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.ReportCancelled, report.Status)
	for _, o := range report.Outcomes {
		assert.Equal(t, fingerprint.OutcomeSkipped, o.Status)
		assert.Equal(t, "cancelled", o.Message)
	}
	assert.Equal(t, fingerprint.RiskLow, report.RiskLevel)
}

func TestRun_CancelledMidway(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	v.SetOptions(Options{Concurrency: 4, RuleTimeout: 5 * time.Second})
	p := sample(t, cat, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	waiting := NewRule(ruleDef("waiting", fingerprint.RiskHigh), func(ctx context.Context, _ *Input) (Verdict, error) {
		cancel()
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	})
	report, err := v.Run(ctx, cat, p, []Rule{waiting}, nil)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.ReportCancelled, report.Status)
	assert.Equal(t, fingerprint.OutcomeSkipped, report.Outcomes[0].Status)
	assert.False(t, report.Outcomes[0].InternalError)
}

func TestRun_IncompleteProfile(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, nil, 1)
	delete(p.Values, "platform")
	delete(p.Values, "timezone")

	_, err := v.Validate(context.Background(), cat, p, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompleteProfile)

	var incomplete *IncompleteProfileError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []string{"platform", "timezone"}, incomplete.Missing)
	assert.Empty(t, p.Reports)
}

func TestRun_VersionMismatch(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, nil, 1)
	p.CatalogVersion = 7

	_, err := v.Validate(context.Background(), cat, p, nil)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestValidate_RecordsReportOnProfile(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, nil, 1)

	report, err := v.Validate(context.Background(), cat, p, nil)
	require.NoError(t, err)
	assert.Equal(t, report.ID, p.LastReportID)
	assert.Equal(t, []string{report.ID}, p.Reports)
	assert.Equal(t, p.ID, report.ProfileID)
	assert.Equal(t, cat.Version(), report.CatalogVersion)
}

func TestCompile_UnknownReferences(t *testing.T) {
	cat := catalogtest.Modified(t, func(doc *catalog.Document) {
		doc.Rules = append(doc.Rules,
			catalog.Rule{ID: "ghost", Type: fingerprint.RuleConsistency, Severity: fingerprint.RiskLow,
				Kind: catalog.RuleBuiltin, Builtin: "ghost"},
			catalog.Rule{ID: "bots", Type: fingerprint.RuleDetectability, Severity: fingerprint.RiskHigh,
				Kind: catalog.RuleMarkers, Markers: "bots"},
		)
	})
	_, err := Compile(cat, DefaultMarkers(), DefaultRegistry(zerolog.Nop()))
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrCatalogIntegrity)
	assert.Contains(t, err.Error(), `unknown builtin "ghost"`)
	assert.Contains(t, err.Error(), `unknown marker set "bots"`)
}

func TestSetMarkers_RecompilesBattery(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, nil, 2)
	obs := map[string]any{"navigator.plugins": []any{"PDF Viewer", "stealth-helper"}}

	report, err := v.Validate(context.Background(), cat, p, obs)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.OutcomePassed, outcome(report, "automation_markers").Status)

	m := DefaultMarkers()
	m.Version++
	m.Sets["automation"] = append(m.Sets["automation"], "stealth-helper")
	v.SetMarkers(m)

	report, err = v.Validate(context.Background(), cat, p, obs)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.OutcomeFailed, outcome(report, "automation_markers").Status)
}

func TestBuiltins(t *testing.T) {
	cat := catalogtest.Default(t)
	base := sample(t, cat, map[string]any{"platform": "Windows", "browser": "Chrome", "timezone": "Europe/Berlin"}, 8)

	tests := []struct {
		name  string
		check func(context.Context, *Input) (Verdict, error)
		edit  map[string]any
		want  fingerprint.OutcomeStatus
	}{
		{"viewport fits", checkViewportFitsScreen, nil, fingerprint.OutcomePassed},
		{"viewport too wide", checkViewportFitsScreen, map[string]any{"viewport_width": int64(9999)}, fingerprint.OutcomeFailed},
		{"viewport unknown", checkViewportFitsScreen, map[string]any{"screen_height": nil}, fingerprint.OutcomeSkipped},
		{"languages match", checkLanguagesMatchLocale, nil, fingerprint.OutcomePassed},
		{"languages mismatch", checkLanguagesMatchLocale, map[string]any{"languages": []any{"en-US", "en"}}, fingerprint.OutcomeFailed},
		{"languages empty", checkLanguagesMatchLocale, map[string]any{"languages": []any{}}, fingerprint.OutcomeFailed},
		{"hardware fine", checkHardwarePlausible, map[string]any{"hardware_concurrency": int64(16), "device_memory": int64(8)}, fingerprint.OutcomePassed},
		{"many cores little memory", checkHardwarePlausible, map[string]any{"hardware_concurrency": int64(16), "device_memory": int64(4)}, fingerprint.OutcomeFailed},
		{"touch on desktop", checkHardwarePlausible, map[string]any{"max_touch_points": int64(5)}, fingerprint.OutcomeFailed},
		{"option predicates hold", checkOptionPredicates, nil, fingerprint.OutcomePassed},
		{"option predicate broken", checkOptionPredicates, map[string]any{"fonts": []any{"Menlo"}}, fingerprint.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base.Clone()
			for k, v := range tt.edit {
				if v == nil {
					delete(p.Values, k)
					continue
				}
				p.Values[k] = v
			}
			verdict, err := tt.check(context.Background(), &Input{Catalog: cat, Profile: p, Markers: DefaultMarkers()})
			require.NoError(t, err)
			assert.Equal(t, tt.want, verdict.Status, verdict.Message)
		})
	}
}

func TestHardwarePlausible_DesktopPlatformsFromMarkers(t *testing.T) {
	cat := catalogtest.Default(t)
	p := sample(t, cat, map[string]any{"platform": "Linux", "browser": "Firefox"}, 3)
	p.Values["hardware_concurrency"] = int64(8)
	p.Values["device_memory"] = int64(8)
	p.Values["max_touch_points"] = int64(10)

	verdict, err := checkHardwarePlausible(context.Background(), &Input{Catalog: cat, Profile: p, Markers: DefaultMarkers()})
	require.NoError(t, err)
	assert.Equal(t, fingerprint.OutcomeFailed, verdict.Status)
	assert.Contains(t, verdict.Message, "Linux")

	// Dropping Linux from the set lets it report touch points.
	markers, err := ParseMarkers([]byte("version: 2\nsets:\n  desktop_platforms: [windows, macos]\n"))
	require.NoError(t, err)
	assert.True(t, markers.Has(desktopSet, "Windows"))
	assert.False(t, markers.Has(desktopSet, "Linux"))

	verdict, err = checkHardwarePlausible(context.Background(), &Input{Catalog: cat, Profile: p, Markers: markers})
	require.NoError(t, err)
	assert.Equal(t, fingerprint.OutcomePassed, verdict.Status, verdict.Message)
}

func TestValidate_UsesCurrentDesktopPlatforms(t *testing.T) {
	cat := catalogtest.Default(t)
	v := newTestValidator(t)
	p := sample(t, cat, map[string]any{"platform": "Windows", "browser": "Chrome"}, 5)
	p.Values["hardware_concurrency"] = int64(8)
	p.Values["device_memory"] = int64(8)
	p.Values["max_touch_points"] = int64(5)

	report, err := v.Validate(context.Background(), cat, p, nil)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.OutcomeFailed, outcome(report, "hardware_plausible").Status)

	markers, err := ParseMarkers([]byte("version: 2\nsets:\n  desktop_platforms: [Linux]\n"))
	require.NoError(t, err)
	v.SetMarkers(markers)

	report, err = v.Validate(context.Background(), cat, p, nil)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.OutcomePassed, outcome(report, "hardware_plausible").Status)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := DefaultRegistry(zerolog.Nop())
	assert.Equal(t, 4, r.Count())

	err := r.Register(BuiltinFunc{ID: "viewport_fits_screen", Fn: checkViewportFitsScreen})
	assert.Error(t, err)

	names := make([]string, 0, r.Count())
	for _, b := range r.All() {
		names = append(names, b.Name())
	}
	assert.Equal(t, []string{"option_predicates", "viewport_fits_screen", "languages_match_locale", "hardware_plausible"}, names)
}

func TestMarkers(t *testing.T) {
	m := DefaultMarkers()
	assert.Equal(t, 1, m.Version)
	assert.Equal(t, []string{"automation", "desktop_platforms", "software_renderers"}, m.Names())
	assert.True(t, m.Has("desktop_platforms", "macos"))
	assert.False(t, m.Has("desktop_platforms", "Android"))

	mk, ok := m.Match("software_renderers", "ANGLE (Google, Vulkan 1.3.0 (SwiftShader Device (Subzero)), SwiftShader driver)")
	assert.True(t, ok)
	assert.Equal(t, "SwiftShader", mk)

	_, ok = m.Match("automation", "mozilla/5.0 headlesschrome/120")
	assert.True(t, ok)
	_, ok = m.Match("automation", "Mozilla/5.0 Chrome/120")
	assert.False(t, ok)

	_, err := ParseMarkers([]byte("version: 0\nsets: {}\n"))
	assert.Error(t, err)
	_, err = ParseMarkers([]byte("version: 2\nsets:\n  x: ['']\n"))
	assert.Error(t, err)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(DefaultOptions(), nil, nil, zerolog.Nop())
	require.NoError(t, err)
	return v
}

func sample(t *testing.T, cat *catalog.Catalog, pins map[string]any, seed int64) *fingerprint.Profile {
	t.Helper()
	p, err := sampler.Sample(cat, pins, seed)
	require.NoError(t, err)
	return p
}

func outcome(r *fingerprint.Report, id string) fingerprint.RuleOutcome {
	for _, o := range r.Outcomes {
		if o.RuleID == id {
			return o
		}
	}
	return fingerprint.RuleOutcome{}
}

func ruleDef(id string, sev fingerprint.RiskLevel) catalog.Rule {
	return catalog.Rule{ID: id, Type: fingerprint.RulePlausibility, Severity: sev, Kind: catalog.RuleBuiltin}
}

func failing(id string, sev fingerprint.RiskLevel) Rule {
	return NewRule(ruleDef(id, sev), func(context.Context, *Input) (Verdict, error) {
		return Failf("always fails"), nil
	})
}

func passing(id string) Rule {
	return NewRule(ruleDef(id, fingerprint.RiskLow), func(context.Context, *Input) (Verdict, error) {
		return Pass(), nil
	})
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
