package artifact

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/catalog/catalogtest"
	"github.com/maskforge/maskforge/internal/sampler"
)

func TestSynthesize_ChromeOnWindows(t *testing.T) {
	cat := catalogtest.Default(t)
	p, err := sampler.Sample(cat, map[string]any{
		"platform": "Windows",
		"browser":  "Chrome",
		"timezone": "Europe/Berlin",
	}, 12)
	require.NoError(t, err)
	p.Values["sec_ch_ua_mobile"] = false

	b, err := Synthesize(cat, p)
	require.NoError(t, err)

	assert.Equal(t, cat.Version(), b.CatalogVersion)
	assert.Equal(t, p.ID, b.ProfileID)
	assert.Equal(t, p.Values["user_agent"], b.Headers["User-Agent"])
	assert.Equal(t, "de-DE,de;q=0.9,en-US;q=0.8,en;q=0.7", b.Headers["Accept-Language"])
	assert.Equal(t, `"Windows"`, b.Headers["Sec-CH-UA-Platform"])
	assert.Equal(t, "?0", b.Headers["Sec-CH-UA-Mobile"])
	assert.Equal(t, p.Values["sec_ch_ua"], b.Headers["Sec-CH-UA"])
	assert.NotContains(t, b.Headers, "DNT")

	nav := b.Overrides["navigator"].(map[string]any)
	assert.Equal(t, "Win32", nav["platform"])
	assert.Equal(t, p.Values["user_agent"], nav["userAgent"])
	assert.Equal(t, []any{"de-DE", "de", "en-US", "en"}, nav["languages"])
	assert.Equal(t, "Windows", nav["userAgentData"].(map[string]any)["platform"])

	screen := b.Overrides["screen"].(map[string]any)
	assert.Equal(t, p.Values["screen_width"], screen["width"])
	assert.Equal(t, "Europe/Berlin", b.Overrides["intl"].(map[string]any)["timeZone"])

	require.Contains(t, b.Payloads, "custom_script")
	var payload map[string]any
	require.NoError(t, json.Unmarshal(b.Payloads["custom_script"], &payload))
	assert.Equal(t, true, payload["enabled"])
}

func TestSynthesize_FirefoxSetsDoNotTrack(t *testing.T) {
	cat := catalogtest.Default(t)
	p, err := sampler.Sample(cat, map[string]any{"browser": "Firefox"}, 3)
	require.NoError(t, err)

	b, err := Synthesize(cat, p)
	require.NoError(t, err)
	assert.Equal(t, "1", b.Headers["DNT"])
	assert.NotContains(t, b.Headers, "Sec-CH-UA")
	assert.NotContains(t, b.Headers, "Sec-CH-UA-Platform")
	assert.NotContains(t, b.Overrides["navigator"], "deviceMemory")
}

func TestSynthesize_ScriptEmbedsOverrides(t *testing.T) {
	cat := catalogtest.Default(t)
	p, err := sampler.Sample(cat, nil, 99)
	require.NoError(t, err)

	b, err := Synthesize(cat, p)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(b.Script, "const __MASKFORGE__ = {"))
	require.True(t, strings.HasSuffix(b.Script, "};"))

	body := strings.TrimSuffix(strings.TrimPrefix(b.Script, "const __MASKFORGE__ = "), ";")
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Contains(t, doc, "navigator")
	assert.Contains(t, doc, "webgl")
}

func TestSynthesize_Stable(t *testing.T) {
	cat := catalogtest.Default(t)
	p, err := sampler.Sample(cat, nil, 5)
	require.NoError(t, err)

	first, err := Synthesize(cat, p)
	require.NoError(t, err)
	a, err := json.Marshal(first)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Synthesize(cat, p.Clone())
		require.NoError(t, err)
		b, err := json.Marshal(again)
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b))
	}
}

func TestSynthesize_DoesNotAliasProfile(t *testing.T) {
	cat := catalogtest.Default(t)
	p, err := sampler.Sample(cat, map[string]any{"timezone": "Asia/Tokyo"}, 1)
	require.NoError(t, err)

	b, err := Synthesize(cat, p)
	require.NoError(t, err)
	langs := b.Overrides["navigator"].(map[string]any)["languages"].([]any)
	langs[0] = "xx"
	assert.Equal(t, "ja-JP", p.Values["languages"].([]any)[0])
}

func TestSynthesize_VersionMismatch(t *testing.T) {
	cat := catalogtest.Default(t)
	p, err := sampler.Sample(cat, nil, 1)
	require.NoError(t, err)
	p.CatalogVersion = 2

	_, err = Synthesize(cat, p)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestSynthesize_PathConflict(t *testing.T) {
	cat := catalogtest.Modified(t, func(doc *catalog.Document) {
		for i := range doc.Traits {
			if doc.Traits[i].Key == "gpu_vendor" {
				doc.Traits[i].Artifact = &catalog.ArtifactMapping{Path: "navigator"}
			}
		}
	})
	p, err := sampler.Sample(cat, nil, 1)
	require.NoError(t, err)

	_, err = Synthesize(cat, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "navigator")
}

func TestHeaderValue(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		value   any
		want    string
		wantErr bool
	}{
		{"plain string", catalog.FormatPlain, "1", "1", false},
		{"plain int", catalog.FormatPlain, int64(8), "8", false},
		{"plain list", catalog.FormatPlain, []any{"a", "b"}, "a, b", false},
		{"accept-language single", catalog.FormatAcceptLanguage, "en-US", "en-US", false},
		{"accept-language floor", catalog.FormatAcceptLanguage, []any{"a", "b", "c", "d", "e"}, "a,b;q=0.9,c;q=0.8,d;q=0.7,e;q=0.7", false},
		{"accept-language empty", catalog.FormatAcceptLanguage, []any{}, "", true},
		{"accept-language wrong type", catalog.FormatAcceptLanguage, int64(1), "", true},
		{"quoted", catalog.FormatQuoted, "macOS", `"macOS"`, false},
		{"quoted wrong type", catalog.FormatQuoted, true, "", true},
		{"ch-bool true", catalog.FormatClientHintBool, true, "?1", false},
		{"ch-bool false", catalog.FormatClientHintBool, false, "?0", false},
		{"ch-bool wrong type", catalog.FormatClientHintBool, "yes", "", true},
		{"unknown format", "base64", "x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HeaderValue(tt.format, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
