package fingerprint

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RiskLevel is the ordered severity used both for individual rules and for
// the aggregate of a validation report.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseRiskLevel accepts the canonical names case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return RiskLow, nil
	case "MEDIUM":
		return RiskMedium, nil
	case "HIGH":
		return RiskHigh, nil
	case "CRITICAL":
		return RiskCritical, nil
	}
	return RiskLow, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	level, err := ParseRiskLevel(str)
	if err != nil {
		return err
	}
	*r = level
	return nil
}

func (r RiskLevel) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

func (r *RiskLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	level, err := ParseRiskLevel(str)
	if err != nil {
		return err
	}
	*r = level
	return nil
}

// RuleType classifies what a validation rule inspects.
type RuleType string

const (
	// RuleConsistency rules look for contradictions inside the profile.
	RuleConsistency RuleType = "consistency"
	// RulePlausibility rules flag statistically implausible combinations.
	RulePlausibility RuleType = "plausibility"
	// RuleDetectability rules inspect runtime observations for automation artifacts.
	RuleDetectability RuleType = "detectability"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleConsistency, RulePlausibility, RuleDetectability:
		return true
	}
	return false
}
