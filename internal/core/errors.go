package core

import (
	"errors"
	"fmt"

	"github.com/maskforge/maskforge/internal/artifact"
	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/fingerprint"
	"github.com/maskforge/maskforge/internal/resolver"
	"github.com/maskforge/maskforge/internal/validator"
)

var (
	ErrUnknownPreset  = errors.New("unknown preset")
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotAccepted is wrapped by RejectedError.
	ErrNotAccepted = errors.New("no acceptable profile")
)

// RejectedError is returned by GenerateAccepted when every attempt scored at
// or above the risk threshold.
type RejectedError struct {
	Attempts  int
	Threshold fingerprint.RiskLevel
	Last      *fingerprint.Report
}

func (e *RejectedError) Error() string {
	risk := "unknown"
	if e.Last != nil {
		risk = e.Last.RiskLevel.String()
	}
	return fmt.Sprintf("%d attempt(s) scored at or above %s (last: %s)", e.Attempts, e.Threshold, risk)
}

func (e *RejectedError) Unwrap() error { return ErrNotAccepted }

// Error kinds shared by the HTTP API and the bus replies.
const (
	KindBadRequest  = "bad_request"
	KindNotFound    = "not_found"
	KindConflict    = "conflict"
	KindUnsatisfied = "unsatisfiable"
	KindRejected    = "rejected"
	KindIntegrity   = "catalog_integrity"
	KindInternal    = "internal"
	KindUnavailable = "unavailable"
)

// ErrorKind classifies err for transport layers.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, catalog.ErrCatalogIntegrity), errors.Is(err, catalog.ErrDependencyCycle):
		return KindIntegrity
	case errors.Is(err, resolver.ErrUnsatisfiable):
		return KindUnsatisfied
	case errors.Is(err, catalog.ErrUnknownVersion), errors.Is(err, ErrUnknownPreset):
		return KindNotFound
	case errors.Is(err, catalog.ErrStaleVersion):
		return KindConflict
	case errors.Is(err, ErrNotAccepted):
		return KindRejected
	case errors.Is(err, catalog.ErrNoCatalog):
		return KindUnavailable
	case errors.Is(err, resolver.ErrUnknownTrait),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, validator.ErrIncompleteProfile),
		errors.Is(err, validator.ErrVersionMismatch),
		errors.Is(err, artifact.ErrVersionMismatch):
		return KindBadRequest
	}
	return KindInternal
}
