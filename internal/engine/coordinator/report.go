// internal/engine/coordinator/report.go
package coordinator

import (
	"sync"
	"time"

	"booking-notifier/internal/common/metrics"
	"booking-notifier/internal/models"
)

// accumulator collects run counters from concurrent hit workers.
type accumulator struct {
	mu     sync.Mutex
	report models.RunReport
}

func newAccumulator(runID string, startedAt time.Time) *accumulator {
	return &accumulator{
		report: models.RunReport{
			RunID:     runID,
			StartedAt: startedAt.UTC(),
		},
	}
}

func (a *accumulator) addAttempted() {
	a.mu.Lock()
	a.report.Attempted++
	a.mu.Unlock()
}

func (a *accumulator) addSent() {
	a.mu.Lock()
	a.report.Sent++
	a.mu.Unlock()
	metrics.HitsProcessed.WithLabelValues("sent").Inc()
}

func (a *accumulator) addSkipped() {
	a.mu.Lock()
	a.report.SkippedAlreadyDelivered++
	a.mu.Unlock()
	metrics.HitsProcessed.WithLabelValues("skipped_already_delivered").Inc()
}

func (a *accumulator) addFailedTransient() {
	a.mu.Lock()
	a.report.FailedTransient++
	a.mu.Unlock()
	metrics.HitsProcessed.WithLabelValues("failed_transient").Inc()
}

func (a *accumulator) addFailedPermanent() {
	a.mu.Lock()
	a.report.FailedPermanent++
	a.mu.Unlock()
	metrics.HitsProcessed.WithLabelValues("failed_permanent").Inc()
}

func (a *accumulator) addMissingData() {
	a.mu.Lock()
	a.report.MissingData++
	a.mu.Unlock()
	metrics.HitsProcessed.WithLabelValues("missing_data").Inc()
}

func (a *accumulator) addConfigError(ce models.ConfigError) {
	a.mu.Lock()
	a.report.ConfigErrors = append(a.report.ConfigErrors, ce)
	a.mu.Unlock()
	metrics.ConfigErrors.Inc()
}

func (a *accumulator) finish(rulesEvaluated int) *models.RunReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report.RulesEvaluated = rulesEvaluated
	a.report.FinishedAt = time.Now().UTC()
	report := a.report
	return &report
}
