// internal/engine/coordinator/coordinator.go
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	stderrors "booking-notifier/internal/common/errors"
	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/common/metrics"
	"booking-notifier/internal/engine/dispatcher"
	"booking-notifier/internal/engine/evaluator"
	"booking-notifier/internal/engine/guard"
	"booking-notifier/internal/engine/renderer"
	"booking-notifier/internal/models"

	"github.com/google/uuid"
)

// RuleSource provides the active rule set for one run.
type RuleSource interface {
	ListActive(ctx context.Context) ([]models.NotificationRule, []models.ConfigError, error)
}

// HitEvaluator computes due notifications for one rule.
type HitEvaluator interface {
	Evaluate(ctx context.Context, rule models.NotificationRule, now time.Time) ([]evaluator.Hit, error)
}

// DeliveryGuard enforces at-most-once delivery per tuple.
type DeliveryGuard interface {
	TryClaim(ctx context.Context, bookingID, dedupeKey, recipientID string, now time.Time) (*guard.Claim, guard.Result, error)
	Finalize(ctx context.Context, claim *guard.Claim, outcome models.DeliveryOutcome, channelMessageID string, now time.Time) error
	ReapStale(ctx context.Context, now time.Time) (int, error)
}

// Sender dispatches one rendered message.
type Sender interface {
	Send(ctx context.Context, msg *models.RenderedMessage, recipientPhone, accountID string) dispatcher.Outcome
}

// ReportSink receives the finished run report. Best-effort: sink errors are
// logged, never propagated.
type ReportSink interface {
	Store(ctx context.Context, report *models.RunReport) error
}

// finalizeTimeout bounds claim settlement independently of the run deadline.
const finalizeTimeout = 10 * time.Second

// Config bounds one polling pass.
type Config struct {
	RuleConcurrency int
	HitConcurrency  int
	RunDeadline     time.Duration
}

// Coordinator orchestrates one polling pass: rules are evaluated in
// parallel, each hit runs render -> claim -> dispatch -> finalize, and every
// per-hit failure is isolated into the run report.
type Coordinator struct {
	rules     RuleSource
	evaluator HitEvaluator
	guard     DeliveryGuard
	sender    Sender
	sinks     []ReportSink
	cfg       Config
	logger    logger.Logger

	// one send slot per channel account; the dispatcher additionally spaces
	// sends across replicas through Redis
	accountLocks sync.Map
}

func New(rules RuleSource, eval HitEvaluator, g DeliveryGuard, sender Sender, cfg Config, log logger.Logger, sinks ...ReportSink) *Coordinator {
	if cfg.RuleConcurrency <= 0 {
		cfg.RuleConcurrency = 4
	}
	if cfg.HitConcurrency <= 0 {
		cfg.HitConcurrency = 8
	}
	return &Coordinator{
		rules:     rules,
		evaluator: eval,
		guard:     g,
		sender:    sender,
		sinks:     sinks,
		cfg:       cfg,
		logger:    log.WithFields(map[string]interface{}{"component": "coordinator"}),
	}
}

// RunOnce executes one polling pass at instant now. Hits still pending at
// the run deadline are abandoned; any claim they took stays in place and is
// settled by a later run.
func (c *Coordinator) RunOnce(ctx context.Context, now time.Time) (*models.RunReport, error) {
	if c.cfg.RunDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RunDeadline)
		defer cancel()
	}

	acc := newAccumulator(uuid.New().String(), now)
	metrics.RunsTotal.Inc()

	// Claims orphaned by a crash or an expired run deadline must re-enter
	// the retry budget before this run evaluates their tuples.
	if _, err := c.guard.ReapStale(ctx, now); err != nil {
		c.logger.WithError(err).Warn("stale claim sweep failed", nil)
	}

	rules, configErrs, err := c.rules.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	for _, ce := range configErrs {
		acc.addConfigError(ce)
	}

	ruleCh := make(chan models.NotificationRule)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.RuleConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rule := range ruleCh {
				c.processRule(ctx, rule, now, acc)
			}
		}()
	}
	for _, rule := range rules {
		ruleCh <- rule
	}
	close(ruleCh)
	wg.Wait()

	report := acc.finish(len(rules))
	metrics.RunDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	for _, sink := range c.sinks {
		if err := sink.Store(ctx, report); err != nil {
			c.logger.Warn("report sink failed", map[string]interface{}{
				"runId": report.RunID,
				"error": err.Error(),
			})
		}
	}

	c.logger.Info("run finished", map[string]interface{}{
		"runId":     report.RunID,
		"attempted": report.Attempted,
		"sent":      report.Sent,
		"skipped":   report.SkippedAlreadyDelivered,
		"transient": report.FailedTransient,
		"permanent": report.FailedPermanent,
	})
	return report, nil
}

// processRule isolates one rule: an evaluation failure or panic becomes a
// report entry, never the end of the run.
func (c *Coordinator) processRule(ctx context.Context, rule models.NotificationRule, now time.Time, acc *accumulator) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("rule processing panicked", map[string]interface{}{
				"ruleId": rule.ID,
				"panic":  fmt.Sprint(r),
			})
			acc.addConfigError(models.ConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("panic: %v", r)})
		}
	}()

	hits, err := c.evaluator.Evaluate(ctx, rule, now)
	if err != nil {
		c.recordRuleError(rule, err, acc)
		return
	}
	if len(hits) == 0 {
		return
	}

	hitCh := make(chan evaluator.Hit)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.HitConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for hit := range hitCh {
				if ctx.Err() != nil {
					// Deadline reached: abandon remaining hits, a later run
					// picks them up.
					continue
				}
				c.safeProcessHit(ctx, hit, now, acc)
			}
		}()
	}
	for _, hit := range hits {
		hitCh <- hit
	}
	close(hitCh)
	wg.Wait()
}

// safeProcessHit isolates a single hit: a panic becomes a report entry for
// its rule instead of taking down the worker.
func (c *Coordinator) safeProcessHit(ctx context.Context, hit evaluator.Hit, now time.Time, acc *accumulator) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("hit processing panicked", map[string]interface{}{
				"ruleId": hit.Rule.ID,
				"panic":  fmt.Sprint(r),
			})
			acc.addConfigError(models.ConfigError{RuleID: hit.Rule.ID, Reason: fmt.Sprintf("panic: %v", r)})
		}
	}()
	c.processHit(ctx, hit, now, acc)
}

func (c *Coordinator) processHit(ctx context.Context, hit evaluator.Hit, now time.Time, acc *accumulator) {
	log := c.logger.WithFields(map[string]interface{}{
		"ruleId":      hit.Rule.ID,
		"bookingId":   hit.ClaimBookingID(),
		"recipientId": hit.Recipient.ID,
	})

	if hit.Recipient.Phone == "" {
		log.Warn("recipient has no phone number", nil)
		acc.addMissingData()
		return
	}

	loc, err := time.LoadLocation(hit.Tenant.Timezone)
	if err != nil {
		acc.addConfigError(models.ConfigError{RuleID: hit.Rule.ID, Reason: fmt.Sprintf("invalid tenant timezone %q", hit.Tenant.Timezone)})
		return
	}

	msg, err := renderer.Render(hit.Rule.Template, renderer.Context{
		Tenant:         hit.Tenant,
		Recipient:      hit.Recipient,
		Booking:        hit.Booking,
		DigestBookings: hit.DigestBookings,
		Location:       loc,
	})
	if err != nil {
		c.recordHitError(hit, err, acc, log)
		return
	}

	claim, result, err := c.guard.TryClaim(ctx, hit.ClaimBookingID(), hit.Rule.DedupeKey, hit.Recipient.ID, now)
	if err != nil {
		log.WithError(err).Warn("claim failed", nil)
		acc.addFailedTransient()
		return
	}
	switch result {
	case guard.AlreadyDelivered:
		acc.addSkipped()
		return
	case guard.Exhausted:
		acc.addFailedPermanent()
		return
	}

	acc.addAttempted()

	// Claimed before dispatch; the outcome below always settles the claim.
	outcome := c.sendSerialized(ctx, msg, hit.Recipient.Phone, hit.Tenant.ChannelAccountID)

	// Finalizing must outlive the run deadline: a dispatch that straddles
	// the deadline would otherwise leave the row at "claimed", which every
	// later run reads as already delivered.
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := c.guard.Finalize(finalizeCtx, claim, outcome.Result, outcome.ChannelMessageID, time.Now().UTC()); err != nil {
		// The claim stays in place; the stale-claim sweep of a later run
		// requeues it as a transient failure. Never re-send here.
		log.WithError(err).Error("finalize failed after dispatch", nil)
	}

	switch outcome.Result {
	case models.OutcomeSent:
		acc.addSent()
	case models.OutcomeFailedTransient:
		acc.addFailedTransient()
	case models.OutcomeFailedPermanent:
		acc.addFailedPermanent()
	}
}

// sendSerialized caps concurrency per channel account at one in-flight send.
func (c *Coordinator) sendSerialized(ctx context.Context, msg *models.RenderedMessage, phone, accountID string) dispatcher.Outcome {
	muIface, _ := c.accountLocks.LoadOrStore(accountID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return c.sender.Send(ctx, msg, phone, accountID)
}

func (c *Coordinator) recordRuleError(rule models.NotificationRule, err error, acc *accumulator) {
	switch stderrors.CodeOf(err) {
	case stderrors.ErrCodeMissingData:
		acc.addMissingData()
		c.logger.WithError(err).Warn("rule evaluation skipped", map[string]interface{}{"ruleId": rule.ID})
	default:
		acc.addConfigError(models.ConfigError{RuleID: rule.ID, Reason: err.Error()})
		c.logger.WithError(err).Error("rule evaluation failed", map[string]interface{}{"ruleId": rule.ID})
	}
}

func (c *Coordinator) recordHitError(hit evaluator.Hit, err error, acc *accumulator, log logger.Logger) {
	switch stderrors.CodeOf(err) {
	case stderrors.ErrCodeMissingData:
		acc.addMissingData()
		log.WithError(err).Warn("hit skipped, data missing", nil)
	default:
		acc.addConfigError(models.ConfigError{RuleID: hit.Rule.ID, Reason: err.Error()})
		log.WithError(err).Error("hit skipped, configuration error", nil)
	}
}
