package fingerprint

import (
	"time"
)

// OutcomeStatus is the terminal state of one rule in a validation run.
type OutcomeStatus string

const (
	OutcomePassed  OutcomeStatus = "passed"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// ReportStatus tells whether every rule got to run.
type ReportStatus string

const (
	ReportComplete ReportStatus = "complete"
	// ReportCancelled reports were cut short by the caller; unfinished rules
	// are listed as skipped.
	ReportCancelled ReportStatus = "cancelled"
)

// RuleOutcome is the verdict of a single rule.
type RuleOutcome struct {
	RuleID        string        `json:"rule_id"`
	Type          RuleType      `json:"type"`
	Severity      RiskLevel     `json:"severity"`
	Status        OutcomeStatus `json:"status"`
	Message       string        `json:"message,omitempty"`
	InternalError bool          `json:"internal_error,omitempty"`
}

// Report is the immutable result of one validation run.
type Report struct {
	ID             string        `json:"id"`
	ProfileID      string        `json:"profile_id"`
	CatalogVersion int           `json:"catalog_version"`
	Status         ReportStatus  `json:"status"`
	RiskLevel      RiskLevel     `json:"risk_level"`
	Outcomes       []RuleOutcome `json:"outcomes"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Violations returns the failed outcomes in rule order.
func (r *Report) Violations() []RuleOutcome {
	var out []RuleOutcome
	for _, o := range r.Outcomes {
		if o.Status == OutcomeFailed {
			out = append(out, o)
		}
	}
	return out
}

// Skipped returns the outcomes of rules that did not produce a verdict.
func (r *Report) Skipped() []RuleOutcome {
	var out []RuleOutcome
	for _, o := range r.Outcomes {
		if o.Status == OutcomeSkipped {
			out = append(out, o)
		}
	}
	return out
}

// Counts returns the number of outcomes per status.
func (r *Report) Counts() map[OutcomeStatus]int {
	counts := map[OutcomeStatus]int{OutcomePassed: 0, OutcomeFailed: 0, OutcomeSkipped: 0}
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// Accepted reports whether the aggregate risk is strictly below threshold.
func (r *Report) Accepted(threshold RiskLevel) bool {
	return r.Status == ReportComplete && r.RiskLevel < threshold
}

// AggregateRisk is the highest severity among failed outcomes, or RiskLow
// when nothing failed. Passed and skipped outcomes never contribute.
func AggregateRisk(outcomes []RuleOutcome) RiskLevel {
	risk := RiskLow
	for _, o := range outcomes {
		if o.Status == OutcomeFailed && o.Severity > risk {
			risk = o.Severity
		}
	}
	return risk
}
