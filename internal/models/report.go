// internal/models/report.go
package models

import "time"

// ConfigError records a rule that could not be processed due to bad
// configuration. Surfaced through the run report for alerting.
type ConfigError struct {
	RuleID string `json:"ruleId"`
	Reason string `json:"reason"`
}

// RunReport summarizes one polling pass. Consumed by operational tooling;
// not part of the engine's correctness contract.
type RunReport struct {
	RunID                   string        `json:"runId"`
	StartedAt               time.Time     `json:"startedAt"`
	FinishedAt              time.Time     `json:"finishedAt"`
	RulesEvaluated          int           `json:"rulesEvaluated"`
	Attempted               int           `json:"attempted"`
	Sent                    int           `json:"sent"`
	SkippedAlreadyDelivered int           `json:"skippedAlreadyDelivered"`
	FailedTransient         int           `json:"failedTransient"`
	FailedPermanent         int           `json:"failedPermanent"`
	MissingData             int           `json:"missingData"`
	ConfigErrors            []ConfigError `json:"configErrors,omitempty"`
}
