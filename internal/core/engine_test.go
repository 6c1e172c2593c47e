package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/catalog/catalogtest"
	"github.com/maskforge/maskforge/internal/fingerprint"
	"github.com/maskforge/maskforge/internal/resolver"
)

// ─── Generate ────────────────────────────────────────────────────────────────

func TestGenerate_PresetThenPins(t *testing.T) {
	e := newTestEngine(t, nil)

	p, err := e.Generate(context.Background(), GenerateRequest{
		PresetID: "linux-firefox",
		Pins:     map[string]any{"browser": "Chrome"},
		Seed:     seedPtr(7),
	})
	require.NoError(t, err)

	assert.Equal(t, "Linux", p.Values["platform"], "preset value kept")
	assert.Equal(t, "Chrome", p.Values["browser"], "explicit pin wins over preset")
	assert.Equal(t, "linux-firefox", p.PresetID)
	assert.Equal(t, "Linux Firefox", p.Name)
	assert.Equal(t, map[string]any{"browser": "Chrome"}, p.Overrides)
	assert.Equal(t, 1, p.CatalogVersion)
	assert.Empty(t, resolver.Check(catalogtest.Default(t), p.Values))
}

func TestGenerateBatch_DistantPinAlwaysCompletes(t *testing.T) {
	e := newTestEngine(t, nil)

	profiles, err := e.GenerateBatch(context.Background(), GenerateRequest{
		Pins: map[string]any{"gpu_renderer": "ANGLE (Apple, Apple M1, OpenGL 4.1)"},
		Seed: seedPtr(0),
	}, 20)
	require.NoError(t, err)
	require.Len(t, profiles, 20)
	for _, p := range profiles {
		assert.Equal(t, "macOS", p.Values["platform"])
		assert.Equal(t, "Chrome", p.Values["browser"])
	}
}

func TestGenerate_RandomSeedIsRecorded(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := e.Generate(ctx, GenerateRequest{})
	require.NoError(t, err)

	again, err := e.Generate(ctx, GenerateRequest{Seed: seedPtr(first.Seed)})
	require.NoError(t, err)
	assert.True(t, first.Equal(again), "the recorded seed reproduces the profile")
}

func TestGenerate_Errors(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  GenerateRequest
		err  error
		kind string
	}{
		{"unknown preset", GenerateRequest{PresetID: "android"}, ErrUnknownPreset, KindNotFound},
		{"unknown version", GenerateRequest{CatalogVersion: 9}, catalog.ErrUnknownVersion, KindNotFound},
		{"unknown trait", GenerateRequest{Pins: map[string]any{"battery": 80}}, resolver.ErrUnknownTrait, KindBadRequest},
		{
			"preset contradicts pin",
			GenerateRequest{PresetID: "mac-safari", Pins: map[string]any{"platform": "Windows"}},
			resolver.ErrUnsatisfiable, KindUnsatisfied,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Generate(ctx, tc.req)
			require.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.kind, ErrorKind(err))
		})
	}
}

func TestGenerate_CountsOutcomes(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Generate(ctx, GenerateRequest{Seed: seedPtr(1)})
	require.NoError(t, err)
	_, err = e.Generate(ctx, GenerateRequest{Pins: map[string]any{"platform": "Windows", "browser": "Safari"}})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.generations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.generations.WithLabelValues("unsatisfiable")))
}

// ─── GenerateBatch ───────────────────────────────────────────────────────────

func TestGenerateBatch_SeedsFollowBase(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	profiles, err := e.GenerateBatch(ctx, GenerateRequest{Seed: seedPtr(100)}, 10)
	require.NoError(t, err)
	require.Len(t, profiles, 10)

	for i, p := range profiles {
		assert.Equal(t, int64(100+i), p.Seed)
		single, err := e.Generate(ctx, GenerateRequest{Seed: seedPtr(p.Seed)})
		require.NoError(t, err)
		assert.True(t, p.Equal(single), "profile %d matches a single generation", i)
	}
}

func TestGenerateBatch_RejectsSize(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.Generation.MaxBatch = 3 })

	for _, n := range []int{0, 4} {
		_, err := e.GenerateBatch(context.Background(), GenerateRequest{}, n)
		assert.ErrorIs(t, err, ErrInvalidRequest, "n=%d", n)
	}
}

func TestGenerateBatch_FirstErrorWins(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.GenerateBatch(context.Background(), GenerateRequest{
		Pins: map[string]any{"platform": "Linux", "browser": "Safari"},
	}, 5)
	assert.ErrorIs(t, err, resolver.ErrUnsatisfiable)
}

// ─── Validate / Synthesize ───────────────────────────────────────────────────

func TestValidate_PinnedToProfileVersion(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	p := generate(t, e, 3)
	importVersion(t, e, 2)

	report, err := e.Validate(ctx, ValidateRequest{Profile: p})
	require.NoError(t, err)
	assert.Equal(t, 1, report.CatalogVersion)
	assert.Equal(t, fingerprint.RiskLow, report.RiskLevel)
	assert.Equal(t, report.ID, p.LastReportID)
}

func TestValidate_Errors(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Validate(ctx, ValidateRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	p := generate(t, e, 3)
	p.CatalogVersion = 0
	_, err = e.Validate(ctx, ValidateRequest{Profile: p})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	p.CatalogVersion = 5
	_, err = e.Validate(ctx, ValidateRequest{Profile: p})
	assert.ErrorIs(t, err, catalog.ErrUnknownVersion)
}

func TestValidate_CountsReports(t *testing.T) {
	e := newTestEngine(t, nil)
	p := generate(t, e, 11)

	_, err := e.Validate(context.Background(), ValidateRequest{
		Profile:      p,
		Observations: map[string]any{"navigator.webdriver": true},
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.validations.WithLabelValues("critical", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.ruleOutcomes.WithLabelValues("webdriver_exposed", "failed")))
}

func TestSynthesize(t *testing.T) {
	e := newTestEngine(t, nil)
	p := generate(t, e, 5)

	b, err := e.Synthesize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, p.Values["user_agent"], b.Headers["User-Agent"])
	assert.Equal(t, p.ID, b.ProfileID)

	_, err = e.Synthesize(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// ─── Override ────────────────────────────────────────────────────────────────

func TestOverride_ReportsBrokenPredicates(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p, err := e.Generate(ctx, GenerateRequest{Pins: map[string]any{"platform": "Windows", "browser": "Chrome"}, Seed: seedPtr(2)})
	require.NoError(t, err)

	out, violations, err := e.Override(ctx, p, map[string]any{"platform": "macOS"})
	require.NoError(t, err)

	assert.Equal(t, "macOS", out.Values["platform"])
	assert.Equal(t, "Windows", p.Values["platform"], "input profile untouched")
	assert.Equal(t, "macOS", out.Overrides["platform"])

	var keys []string
	for _, v := range violations {
		keys = append(keys, v.Trait)
	}
	assert.Contains(t, keys, "navigator_platform")
	assert.Contains(t, keys, "user_agent")
}

func TestOverride_Consistent(t *testing.T) {
	e := newTestEngine(t, nil)
	p := generate(t, e, 4)

	_, violations, err := e.Override(context.Background(), p, map[string]any{"canvas_noise_seed": p.Values["canvas_noise_seed"]})
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestOverride_UnknownTrait(t *testing.T) {
	e := newTestEngine(t, nil)
	p := generate(t, e, 4)

	_, _, err := e.Override(context.Background(), p, map[string]any{"battery_level": 0.5})
	assert.ErrorIs(t, err, resolver.ErrUnknownTrait)
}

// ─── GenerateAccepted ────────────────────────────────────────────────────────

func TestGenerateAccepted_FirstAttempt(t *testing.T) {
	e := newTestEngine(t, nil)

	acc, err := e.GenerateAccepted(context.Background(), GenerateRequest{Seed: seedPtr(21)}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, acc.Attempts)
	assert.Equal(t, int64(21), acc.Profile.Seed)
	assert.Equal(t, fingerprint.RiskLow, acc.Report.RiskLevel)
	require.NotNil(t, acc.Bundle)
	assert.Equal(t, acc.Profile.ID, acc.Bundle.ProfileID)
}

func TestGenerateAccepted_RejectsAfterMaxAttempts(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.Generation.MaxAttempts = 3 })

	_, err := e.GenerateAccepted(context.Background(), GenerateRequest{Seed: seedPtr(21)},
		map[string]any{"navigator.webdriver": true})
	require.ErrorIs(t, err, ErrNotAccepted)
	assert.Equal(t, KindRejected, ErrorKind(err))

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 3, rejected.Attempts)
	assert.Equal(t, fingerprint.RiskHigh, rejected.Threshold)
	assert.Equal(t, fingerprint.RiskCritical, rejected.Last.RiskLevel)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.generations.WithLabelValues("rejected")))
}

func TestGenerateAccepted_ThresholdFromPolicy(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.Generation.MaxAttempts = 1 })
	obs := map[string]any{"intl.timeZone": "UTC"} // MEDIUM

	_, err := e.GenerateAccepted(context.Background(), GenerateRequest{Seed: seedPtr(8)}, obs)
	require.NoError(t, err, "MEDIUM is below the default HIGH threshold")

	policy := e.GenerationPolicy()
	policy.RiskThreshold = fingerprint.RiskMedium
	e.setGenerationPolicy(policy)

	_, err = e.GenerateAccepted(context.Background(), GenerateRequest{Seed: seedPtr(8)}, obs)
	assert.ErrorIs(t, err, ErrNotAccepted)
}

// ─── Catalog sources ─────────────────────────────────────────────────────────

func TestImportCatalog_Builtin(t *testing.T) {
	e := newTestEngine(t, nil)

	c := importVersion(t, e, 2)
	assert.Equal(t, 2, c.Version())
	assert.Equal(t, 2, e.Catalogs.Latest().Version())
	assert.Equal(t, 2.0, testutil.ToFloat64(e.Metrics.catalogVersion))

	_, err := e.ImportCatalog(context.Background(), exportVersion(t, 2))
	assert.ErrorIs(t, err, catalog.ErrStaleVersion)
	assert.Equal(t, KindConflict, ErrorKind(err))
}

func TestImportCatalog_RejectsBrokenDocument(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.ImportCatalog(context.Background(), []byte("version: 2\nname: broken\ntraits:\n  - key: platform\n    kind: enum\n"))
	require.ErrorIs(t, err, catalog.ErrCatalogIntegrity)
	assert.Equal(t, 1, e.Catalogs.Latest().Version())
}

func TestDirSource_LoadsAndPersistsImports(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v1.json"), exportVersion(t, 1), 0644))

	e := newTestEngine(t, func(cfg *Config) {
		cfg.Catalog.Source = SourceDir
		cfg.Catalog.Dir = dir
		cfg.Catalog.Watch = false
	})
	assert.Equal(t, 1, e.Catalogs.Latest().Version())

	importVersion(t, e, 2)
	_, err := os.Stat(filepath.Join(dir, "catalog-v2.json"))
	require.NoError(t, err)

	versions, err := e.Catalogs.Versions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)
}

func TestDirSource_EmptyFallsBackToBuiltin(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Catalog.Source = SourceDir
		cfg.Catalog.Dir = t.TempDir()
		cfg.Catalog.Watch = false
	})
	assert.Equal(t, "desktop-browsers", e.Catalogs.Latest().Name())
}

func TestDirSource_UnusableRulesAbortStartup(t *testing.T) {
	dir := t.TempDir()
	broken := catalogtest.Modified(t, func(doc *catalog.Document) {
		for i := range doc.Rules {
			if doc.Rules[i].Kind == catalog.RuleBuiltin {
				doc.Rules[i].Builtin = "no_such_check"
				break
			}
		}
	})
	raw, err := catalog.Export(broken)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v1.json"), raw, 0644))

	cfg := DefaultConfig()
	cfg.Catalog.Source = SourceDir
	cfg.Catalog.Dir = dir
	_, err = NewEngine(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, catalog.ErrCatalogIntegrity)
}

func TestSQLiteSource_SeedsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogs.db")
	useSQLite := func(cfg *Config) {
		cfg.Catalog.Source = SourceSQLite
		cfg.Catalog.SQLitePath = path
	}

	cfg := DefaultConfig()
	useSQLite(cfg)
	e, err := NewEngine(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, e.Catalogs.Latest().Version(), "empty database seeded")
	importVersion(t, e, 2)
	require.NoError(t, e.Shutdown())

	reopened := newTestEngine(t, useSQLite)
	assert.Equal(t, 2, reopened.Catalogs.Latest().Version())
	assert.Equal(t, "closed", reopened.Status(context.Background())["catalog_breaker"])
}

// ─── Status / logs ───────────────────────────────────────────────────────────

func TestStatus(t *testing.T) {
	e := newTestEngine(t, nil)
	s := e.Status(context.Background())

	assert.Equal(t, 1, s["catalog_version"])
	assert.Equal(t, "desktop-browsers", s["catalog_name"])
	assert.Equal(t, SourceBuiltin, s["catalog_source"])
	assert.Equal(t, false, s["bus_connected"])
	assert.Equal(t, []int{1}, s["catalog_versions"])
}

func TestNewEngine_ValidatorFollowsConfig(t *testing.T) {
	e := newTestEngine(t, func(c *Config) {
		c.Validation.Concurrency = 3
		c.Validation.RuleTimeout = 1500 * time.Millisecond
	})
	require.NotNil(t, e.Validator)
	opts := e.Validator.Options()
	assert.Equal(t, 3, opts.Concurrency)
	assert.Equal(t, 1500*time.Millisecond, opts.RuleTimeout)

	rules, err := e.Validator.Rules(e.Catalogs.Latest())
	require.NoError(t, err)
	assert.NotEmpty(t, rules)
}

func TestGetLogEntries_WithoutBuffer(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.Empty(t, e.GetLogEntries(10))

	e.LogBuffer = NewLogRingBuffer(4)
	_, _ = e.LogBuffer.Write([]byte(`{"level":"info","message":"hello"}`))
	assert.Len(t, e.GetLogEntries(10), 1)
}

func TestErrorKind_Internal(t *testing.T) {
	assert.Equal(t, KindInternal, ErrorKind(errors.New("boom")))
	assert.Equal(t, "", ErrorKind(nil))
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := NewEngine(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func seedPtr(s int64) *int64 { return &s }

func generate(t *testing.T, e *Engine, seed int64) *fingerprint.Profile {
	t.Helper()
	p, err := e.Generate(context.Background(), GenerateRequest{Seed: seedPtr(seed)})
	require.NoError(t, err)
	return p
}

// exportVersion renders the built-in catalog renumbered as version.
func exportVersion(t *testing.T, version int) []byte {
	t.Helper()
	c := catalogtest.Modified(t, func(doc *catalog.Document) { doc.Version = version })
	raw, err := catalog.Export(c)
	require.NoError(t, err)
	return raw
}

func importVersion(t *testing.T, e *Engine, version int) *catalog.Catalog {
	t.Helper()
	c, err := e.ImportCatalog(context.Background(), exportVersion(t, version))
	require.NoError(t, err)
	return c
}
