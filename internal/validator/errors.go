package validator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrIncompleteProfile is wrapped by IncompleteProfileError.
	ErrIncompleteProfile = errors.New("incomplete profile")
	// ErrVersionMismatch is returned when a profile is validated against a
	// catalog version other than the one it was generated from.
	ErrVersionMismatch = errors.New("catalog version mismatch")
)

// IncompleteProfileError is returned before any rule runs when required
// traits have no value.
type IncompleteProfileError struct {
	ProfileID string
	Missing   []string
}

func (e *IncompleteProfileError) Error() string {
	return fmt.Sprintf("profile %s is missing required traits: %s", e.ProfileID, strings.Join(e.Missing, ", "))
}

func (e *IncompleteProfileError) Unwrap() error { return ErrIncompleteProfile }

// RuleError is recorded when a rule returns an error or panics. It never
// aborts a validation run; the rule is reported failed at Critical severity.
type RuleError struct {
	RuleID string
	Err    error
	Panic  any
}

func (e *RuleError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("rule %s panicked: %v", e.RuleID, e.Panic)
	}
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// TimeoutError is recorded when a rule does not finish within its budget.
type TimeoutError struct {
	RuleID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rule %s timed out after %s", e.RuleID, e.Timeout)
}
