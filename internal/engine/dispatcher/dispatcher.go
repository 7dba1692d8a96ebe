// internal/engine/dispatcher/dispatcher.go
package dispatcher

import (
	"context"
	"errors"
	"time"

	"booking-notifier/internal/channel/whatsapp"
	stderrors "booking-notifier/internal/common/errors"
	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/common/metrics"
	"booking-notifier/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ChannelClient is the only network egress of the engine.
type ChannelClient interface {
	SendTemplate(ctx context.Context, accountID, phone string, msg *models.RenderedMessage) (string, error)
}

// Outcome is the definitive result of one dispatch attempt.
type Outcome struct {
	Result           models.DeliveryOutcome
	ChannelMessageID string
	Err              error
}

// Dispatcher sends rendered payloads through the channel client. It spaces
// sends per channel account to respect the provider's rate limit and trips a
// circuit breaker when the channel is failing across the board.
type Dispatcher struct {
	channel     ChannelClient
	redis       *redis.Client
	breaker     *gobreaker.CircuitBreaker
	minInterval time.Duration
	logger      logger.Logger
}

func New(channel ChannelClient, rdb *redis.Client, minInterval time.Duration, log logger.Logger) *Dispatcher {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "whatsapp-channel",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     1 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Dispatcher{
		channel:     channel,
		redis:       rdb,
		breaker:     breaker,
		minInterval: minInterval,
		logger:      log.WithFields(map[string]interface{}{"component": "dispatcher"}),
	}
}

// Send delivers msg to recipientPhone through the tenant's channel account
// and classifies the result. It blocks until the per-account send slot is
// free or ctx expires.
func (d *Dispatcher) Send(ctx context.Context, msg *models.RenderedMessage, recipientPhone, accountID string) Outcome {
	if err := d.waitForSendSlot(ctx, accountID); err != nil {
		return Outcome{Result: models.OutcomeFailedTransient, Err: err}
	}

	started := time.Now()
	result, err := d.breaker.Execute(func() (interface{}, error) {
		return d.channel.SendTemplate(ctx, accountID, recipientPhone, msg)
	})
	elapsed := time.Since(started)

	if err != nil {
		result, classified := classify(err)
		metrics.DispatchDuration.WithLabelValues(string(result)).Observe(elapsed.Seconds())
		d.logger.Warn("dispatch failed", map[string]interface{}{
			"accountId": accountID,
			"outcome":   string(result),
			"error":     err.Error(),
		})
		return Outcome{Result: result, Err: classified}
	}

	metrics.DispatchDuration.WithLabelValues(string(models.OutcomeSent)).Observe(elapsed.Seconds())
	return Outcome{
		Result:           models.OutcomeSent,
		ChannelMessageID: result.(string),
	}
}

// waitForSendSlot enforces the minimum inter-send delay per channel account
// using an expiring Redis key, so the spacing holds across engine replicas.
func (d *Dispatcher) waitForSendSlot(ctx context.Context, accountID string) error {
	key := "notifier:send-slot:" + accountID

	for {
		ok, err := d.redis.SetNX(ctx, key, 1, d.minInterval).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		ttl, err := d.redis.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ttl):
		}
	}
}

// classify wraps channel and breaker failures in the engine error taxonomy
// and maps them onto delivery outcomes.
func classify(err error) (models.DeliveryOutcome, error) {
	classified := wrapChannelFailure(err)
	if stderrors.IsRetryable(classified) {
		return models.OutcomeFailedTransient, classified
	}
	return models.OutcomeFailedPermanent, classified
}

// wrapChannelFailure lifts raw failures into coded errors. An open breaker is
// transient: the channel may recover before the retry budget runs out.
// Anything ambiguous is transient too; only an explicit permanent channel
// rejection is terminal.
func wrapChannelFailure(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return stderrors.NewChannelTransientError(err)
	}

	var channelErr *whatsapp.ChannelError
	if errors.As(err, &channelErr) && !channelErr.Transient {
		return stderrors.NewChannelPermanentError(err)
	}
	return stderrors.NewChannelTransientError(err)
}
