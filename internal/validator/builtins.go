package validator

import (
	"context"
	"strings"

	"github.com/maskforge/maskforge/internal/predicate"
	"github.com/maskforge/maskforge/internal/resolver"
)

func defaultBuiltins() []Builtin {
	return []Builtin{
		BuiltinFunc{
			ID:   "option_predicates",
			Desc: "Every chosen value is legal for the catalog given the rest of the profile.",
			Fn:   checkOptionPredicates,
		},
		BuiltinFunc{
			ID:   "viewport_fits_screen",
			Desc: "The viewport is no larger than the screen.",
			Fn:   checkViewportFitsScreen,
		},
		BuiltinFunc{
			ID:   "languages_match_locale",
			Desc: "navigator.languages starts with the primary locale.",
			Fn:   checkLanguagesMatchLocale,
		},
		BuiltinFunc{
			ID:   "hardware_plausible",
			Desc: "Core count, memory and touch support describe a plausible desktop.",
			Fn:   checkHardwarePlausible,
		},
	}
}

// maxReported caps how many catalog violations go into one message.
const maxReported = 3

func checkOptionPredicates(_ context.Context, in *Input) (Verdict, error) {
	violations := resolver.Check(in.Catalog, in.Profile.Values)
	if len(violations) == 0 {
		return Pass(), nil
	}
	parts := make([]string, 0, maxReported)
	for i, v := range violations {
		if i == maxReported {
			break
		}
		parts = append(parts, v.String())
	}
	msg := strings.Join(parts, "; ")
	if extra := len(violations) - len(parts); extra > 0 {
		return Failf("%s (and %d more)", msg, extra), nil
	}
	return Failf("%s", msg), nil
}

func checkViewportFitsScreen(_ context.Context, in *Input) (Verdict, error) {
	vw, ok1 := in.Int("viewport_width")
	vh, ok2 := in.Int("viewport_height")
	sw, ok3 := in.Int("screen_width")
	sh, ok4 := in.Int("screen_height")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Skipf("viewport or screen size not set"), nil
	}
	if vw > sw || vh > sh {
		return Failf("viewport %dx%d exceeds screen %dx%d", vw, vh, sw, sh), nil
	}
	return Pass(), nil
}

func checkLanguagesMatchLocale(_ context.Context, in *Input) (Verdict, error) {
	locale, ok := in.String("locale")
	if !ok {
		return Skipf("locale not set"), nil
	}
	v, ok := in.Profile.Value("languages")
	if !ok {
		return Skipf("languages not set"), nil
	}
	langs, _ := predicate.Normalize(v).([]any)
	if len(langs) == 0 {
		return Failf("languages is empty"), nil
	}
	if first, _ := langs[0].(string); first != locale {
		return Failf("languages start with %q but locale is %q", predicate.Text(langs[0]), locale), nil
	}
	return Pass(), nil
}

// desktopSet names the marker set listing platforms without touch screens.
const desktopSet = "desktop_platforms"

func checkHardwarePlausible(_ context.Context, in *Input) (Verdict, error) {
	cores, ok := in.Int("hardware_concurrency")
	if !ok {
		return Skipf("hardware_concurrency not set"), nil
	}
	if cores < 1 {
		return Failf("hardware_concurrency %d is not positive", cores), nil
	}
	if mem, ok := in.Int("device_memory"); ok && cores >= 12 && mem < 8 {
		return Failf("%d cores with %d GB of memory", cores, mem), nil
	}
	platform, _ := in.String("platform")
	if touch, ok := in.Int("max_touch_points"); ok && touch > 0 && in.Markers.Has(desktopSet, platform) {
		return Failf("desktop platform %s reports %d touch points", platform, touch), nil
	}
	return Pass(), nil
}
