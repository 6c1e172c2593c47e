package resolver

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/maskforge/maskforge/internal/predicate"
)

var (
	// ErrUnsatisfiable is wrapped by every UnsatisfiableConstraintError.
	ErrUnsatisfiable = errors.New("unsatisfiable constraints")
	// ErrUnknownTrait is wrapped by every UnknownTraitError.
	ErrUnknownTrait = errors.New("unknown trait")
)

// UnsatisfiableConstraintError reports a trait that has no legal value under
// the pins the caller supplied. The engine never relaxes a constraint to get
// around it; the caller may retry with different pins.
type UnsatisfiableConstraintError struct {
	Trait  string
	Pins   map[string]any
	Reason string
}

func (e *UnsatisfiableConstraintError) Error() string {
	return fmt.Sprintf("trait %q has no legal value under pins {%s}: %s", e.Trait, FormatPins(e.Pins), e.Reason)
}

func (e *UnsatisfiableConstraintError) Unwrap() error { return ErrUnsatisfiable }

// UnknownTraitError is returned when a pin names a trait the catalog version
// does not define.
type UnknownTraitError struct {
	Trait   string
	Version int
}

func (e *UnknownTraitError) Error() string {
	return fmt.Sprintf("catalog v%d has no trait %q", e.Version, e.Trait)
}

func (e *UnknownTraitError) Unwrap() error { return ErrUnknownTrait }

// FormatPins renders pins as sorted key=value pairs.
func FormatPins(pins map[string]any) string {
	keys := make([]string, 0, len(pins))
	for k := range pins {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + predicate.Text(pins[k])
	}
	return strings.Join(parts, ", ")
}
