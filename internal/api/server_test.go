package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/catalog/catalogtest"
	"github.com/maskforge/maskforge/internal/core"
	"github.com/maskforge/maskforge/internal/fingerprint"
)

// ─── writeJSON ────────────────────────────────────────────────────────────────

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "world", body["hello"])
}

func TestStatusForKind(t *testing.T) {
	cases := map[string]int{
		core.KindBadRequest:  http.StatusBadRequest,
		core.KindNotFound:    http.StatusNotFound,
		core.KindConflict:    http.StatusConflict,
		core.KindUnsatisfied: http.StatusUnprocessableEntity,
		core.KindRejected:    http.StatusUnprocessableEntity,
		core.KindIntegrity:   http.StatusInternalServerError,
		core.KindUnavailable: http.StatusServiceUnavailable,
		core.KindInternal:    http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusForKind(kind), kind)
	}
}

// ─── Health / status ──────────────────────────────────────────────────────────

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])

	w = do(t, s, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, float64(1), body["catalog_version"])
	assert.Equal(t, false, body["bus_connected"])
}

func TestHandleConfig_Redacted(t *testing.T) {
	s := newTestServer(t, func(cfg *core.Config) { cfg.Server.APIKeys = []string{"k"} })

	w := do(t, s, http.MethodGet, "/api/v1/config", nil, withKey("k"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"k"`)
}

func TestHandleLogs(t *testing.T) {
	s := newTestServer(t, nil)
	s.engine.LogBuffer = core.NewLogRingBuffer(10)
	for range 3 {
		_, _ = s.engine.LogBuffer.Write([]byte(`{"level":"info","message":"line"}`))
	}

	w := do(t, s, http.MethodGet, "/api/v1/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode[map[string]any](t, w)["total"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	do(t, s, http.MethodPost, "/api/v1/generate", map[string]any{"seed": 1})

	w := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `maskforge_generations_total{outcome="ok"} 1`)
	assert.Contains(t, w.Body.String(), "maskforge_catalog_version 1")
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

func TestCatalogVersions(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/v1/catalog/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, []any{float64(1)}, body["versions"])
	assert.Equal(t, float64(1), body["latest"])
}

func TestCatalogCategories(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/v1/catalog/categories", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Categories []catalog.Category `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Categories)
	assert.Equal(t, "platform", body.Categories[0].ID)
}

func TestCatalogTraits_Filters(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/v1/catalog/traits?category=platform", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Traits []catalog.Trait `json:"traits"`
		Total  int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, len(body.Traits), body.Total)
	for _, tr := range body.Traits {
		assert.Equal(t, "platform", tr.Category)
	}

	w = do(t, s, http.MethodGet, "/api/v1/catalog/traits?search=nomatch-xyz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, w)["total"])

	w = do(t, s, http.MethodGet, "/api/v1/catalog/traits?randomizable=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCatalogOptions(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/v1/catalog/options?trait=platform", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Options []catalog.Option `json:"options"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Options, 3)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/catalog/options?trait=battery", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/catalog/options", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/catalog/options?trait=platform&version=4", nil).Code)
}

func TestCatalogOptions_ResolvedUnderPins(t *testing.T) {
	s := newTestServer(t, nil)

	pins := url.QueryEscape(`{"platform":"Windows"}`)
	w := do(t, s, http.MethodGet, "/api/v1/catalog/options?trait=browser&pins="+pins, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Domain struct {
			Options []catalog.Option `json:"options"`
		} `json:"domain"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	var values []any
	for _, o := range body.Domain.Options {
		values = append(values, o.Value)
	}
	assert.ElementsMatch(t, []any{"Chrome", "Firefox"}, values, "Safari needs macOS")

	pins = url.QueryEscape(`{"platform":"Windows","browser":"Safari"}`)
	w = do(t, s, http.MethodGet, "/api/v1/catalog/options?trait=browser&pins="+pins, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, core.KindUnsatisfied, decode[errorBody](t, w).Kind)
}

func TestCatalogExportImport(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/v1/catalog/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exported, err := catalog.Import(w.Body.Bytes())
	require.NoError(t, err)
	assert.True(t, catalog.Equivalent(catalogtest.Default(t), exported))

	w = do(t, s, http.MethodGet, "/api/v1/catalog/export?format=zstd", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zstd", w.Header().Get("Content-Type"))
	_, err = catalog.Import(w.Body.Bytes())
	require.NoError(t, err)

	v2 := catalogtest.Modified(t, func(doc *catalog.Document) { doc.Version = 2 })
	raw, err := catalog.Export(v2)
	require.NoError(t, err)

	w = doRaw(t, s, http.MethodPost, "/api/v1/catalog/import", raw)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 2, s.engine.Catalogs.Latest().Version())

	w = doRaw(t, s, http.MethodPost, "/api/v1/catalog/import", raw)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCatalogImport_Integrity(t *testing.T) {
	s := newTestServer(t, nil)
	w := doRaw(t, s, http.MethodPost, "/api/v1/catalog/import", []byte("version: 2\nname: broken\ntraits:\n  - key: platform\n    kind: enum\n"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, core.KindIntegrity, decode[errorBody](t, w).Kind)
}

// ─── Generate / validate / synthesize ────────────────────────────────────────

func TestGenerate_Single(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/v1/generate", map[string]any{
		"preset_id":        "win-chrome-120",
		"pinned_overrides": map[string]any{"timezone": "America/Chicago"},
		"seed":             42,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p := decode[fingerprint.Profile](t, w)
	assert.Equal(t, int64(42), p.Seed)
	assert.Equal(t, "win-chrome-120", p.PresetID)
	assert.Equal(t, "America/Chicago", p.Values["timezone"])
	assert.Equal(t, "Windows", p.Values["platform"])
}

func TestGenerate_Batch(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/v1/generate", map[string]any{"seed": 10, "count": 4})
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Profiles []fingerprint.Profile `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Profiles, 4)
	assert.Equal(t, int64(13), body.Profiles[3].Seed)

	w = do(t, s, http.MethodPost, "/api/v1/generate", map[string]any{"count": 1000})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerate_Accept(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/v1/generate", map[string]any{"seed": 5, "accept": true})
	require.Equal(t, http.StatusOK, w.Code)
	acc := decode[core.Accepted](t, w)
	assert.Equal(t, 1, acc.Attempts)
	assert.Equal(t, fingerprint.RiskLow, acc.Report.RiskLevel)
	assert.NotEmpty(t, acc.Bundle.Headers["User-Agent"])

	w = do(t, s, http.MethodPost, "/api/v1/generate", map[string]any{
		"seed":                 5,
		"accept":               true,
		"runtime_observations": map[string]any{"navigator.webdriver": true},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, core.KindRejected, decode[errorBody](t, w).Kind)
}

func TestGenerate_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{"unsatisfiable", map[string]any{"pinned_overrides": map[string]any{"platform": "Linux", "browser": "Safari"}}, http.StatusUnprocessableEntity},
		{"unknown trait", map[string]any{"pinned_overrides": map[string]any{"battery": 1}}, http.StatusBadRequest},
		{"unknown preset", map[string]any{"preset_id": "android"}, http.StatusNotFound},
		{"unknown version", map[string]any{"catalog_version": 7}, http.StatusNotFound},
		{"malformed", "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/api/v1/generate", tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[errorBody](t, w).Error)
		})
	}

	w := doRaw(t, s, http.MethodPost, "/api/v1/generate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/api/v1/generate", nil).Code)
}

func TestValidate(t *testing.T) {
	s := newTestServer(t, nil)
	p := generateOver(t, s, 3)

	w := do(t, s, http.MethodPost, "/api/v1/validate", map[string]any{
		"profile":              p,
		"runtime_observations": map[string]any{"navigator.userAgent": "Mozilla/5.0 HeadlessChrome/120.0"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[fingerprint.Report](t, w)
	assert.Equal(t, fingerprint.RiskCritical, report.RiskLevel)
	assert.Equal(t, p.ID, report.ProfileID)

	w = do(t, s, http.MethodPost, "/api/v1/validate", map[string]any{"profile": p})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fingerprint.RiskLow, decode[fingerprint.Report](t, w).RiskLevel)
}

func TestValidate_IncompleteProfile(t *testing.T) {
	s := newTestServer(t, nil)
	p := generateOver(t, s, 3)
	delete(p.Values, "platform")

	w := do(t, s, http.MethodPost, "/api/v1/validate", map[string]any{"profile": p})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/validate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSynthesize(t *testing.T) {
	s := newTestServer(t, nil)
	p := generateOver(t, s, 8)

	w := do(t, s, http.MethodPost, "/api/v1/synthesize", map[string]any{"profile": p})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var bundle struct {
		Headers map[string]string `json:"headers"`
		Script  string            `json:"script"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bundle))
	assert.Equal(t, p.Values["user_agent"], bundle.Headers["User-Agent"])
	assert.True(t, strings.HasPrefix(bundle.Script, "const __MASKFORGE__ = "))
}

func TestOverride(t *testing.T) {
	s := newTestServer(t, nil)
	p := generateOver(t, s, 8)

	w := do(t, s, http.MethodPost, "/api/v1/override", map[string]any{
		"profile":   p,
		"overrides": map[string]any{"platform": "Linux", "navigator_platform": "Win32"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, false, body["consistent"])
	assert.NotEmpty(t, body["violations"])
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, func(cfg *core.Config) { cfg.Server.APIKeys = []string{"secret"} })

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code, "health is open")
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/v1/status", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/api/v1/status", nil, withKey("wrong")).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/status", nil, withKey("secret")).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/status", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", "secret")
	}).Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t, func(cfg *core.Config) {
		cfg.Server.RateLimit.RequestsPerSecond = 0.001
		cfg.Server.RateLimit.Burst = 2
	})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/status", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/status", nil).Code)
	w := do(t, s, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	other := do(t, s, http.MethodGet, "/api/v1/status", nil, func(r *http.Request) { r.RemoteAddr = "198.51.100.7:4000" })
	assert.Equal(t, http.StatusOK, other.Code, "buckets are per client")
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code, "health is never limited")

	// Reloaded limits apply to existing buckets.
	s.engine.Config.Server.RateLimit.Burst = 50
	s.engine.Config.Server.RateLimit.RequestsPerSecond = 1000
	do(t, s, http.MethodGet, "/api/v1/status", nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/status", nil).Code)
}

func TestCORSMiddleware(t *testing.T) {
	s := newTestServer(t, func(cfg *core.Config) { cfg.Server.CORSOrigins = []string{"https://console.example"} })

	w := do(t, s, http.MethodOptions, "/api/v1/status", nil, func(r *http.Request) {
		r.Header.Set("Origin", "https://console.example")
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://console.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(t, s, http.MethodGet, "/api/v1/status", nil, func(r *http.Request) {
		r.Header.Set("Origin", "https://evil.example")
	})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func newTestServer(t *testing.T, mutate func(*core.Config)) *Server {
	t.Helper()
	cfg := core.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := core.NewEngine(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown() })
	return NewServer(e)
}

func withKey(key string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+key) }
}

func do(t *testing.T, s *Server, method, path string, body any, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	return doRaw(t, s, method, path, raw, opts...)
}

func doRaw(t *testing.T, s *Server, method, path string, raw []byte, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if raw != nil {
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func generateOver(t *testing.T, s *Server, seed int64) *fingerprint.Profile {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/generate", map[string]any{"seed": seed})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p, err := fingerprint.UnmarshalProfile(w.Body.Bytes())
	require.NoError(t, err)
	return p
}
