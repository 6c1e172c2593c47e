package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCatalogIntegrity is wrapped by every IntegrityError.
	ErrCatalogIntegrity = errors.New("catalog integrity violation")
	// ErrDependencyCycle is wrapped by every DependencyCycleError.
	ErrDependencyCycle = errors.New("trait dependency cycle")
	// ErrUnknownVersion is returned when a requested version does not exist.
	ErrUnknownVersion = errors.New("unknown catalog version")
	// ErrNoCatalog is returned by a store that has not loaded any version.
	ErrNoCatalog = errors.New("no catalog loaded")
	// ErrStaleVersion is returned when publishing a version that is not newer
	// than the latest one.
	ErrStaleVersion = errors.New("catalog version is not newer than latest")
)

// IntegrityError lists every structural problem found in a catalog document.
type IntegrityError struct {
	Version  int
	Problems []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("catalog v%d: %d integrity problem(s): %s",
		e.Version, len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *IntegrityError) Unwrap() error { return ErrCatalogIntegrity }

// DependencyCycleError names the traits that depend on each other in a loop.
// Traits starts and ends with the same key.
type DependencyCycleError struct {
	Version int
	Traits  []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("catalog v%d: dependency cycle: %s", e.Version, strings.Join(e.Traits, " -> "))
}

func (e *DependencyCycleError) Unwrap() error { return ErrDependencyCycle }

type problems struct {
	list []string
}

func (p *problems) add(format string, args ...any) {
	p.list = append(p.list, fmt.Sprintf(format, args...))
}

func (p *problems) err(version int) error {
	if len(p.list) == 0 {
		return nil
	}
	return &IntegrityError{Version: version, Problems: p.list}
}
