// cmd/notifier/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"booking-notifier/internal/alerting"
	"booking-notifier/internal/channel/whatsapp"
	"booking-notifier/internal/common/config"
	"booking-notifier/internal/common/database"
	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/common/observability"
	"booking-notifier/internal/engine/coordinator"
	"booking-notifier/internal/engine/dispatcher"
	"booking-notifier/internal/engine/evaluator"
	"booking-notifier/internal/engine/guard"
	"booking-notifier/internal/reporting"
	"booking-notifier/internal/store/bookingrepo"
	"booking-notifier/internal/store/directory"
	"booking-notifier/internal/store/rulestore"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting booking notifier...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	obs := observability.New("booking-notifier")
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		// Test the connection with context
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		// Test the connection with context
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Assemble the engine ---
	rules := rulestore.New(pg.DB, log)
	bookings := bookingrepo.New(pg.DB, log)
	dir := directory.New(pg.DB, log)

	eval := evaluator.New(bookings, dir, cfg.Engine.PollIntervalDuration(), log)
	g := guard.New(bookings, cfg.Engine.MaxTransientRetries, log)

	channel := whatsapp.NewClient(cfg.WhatsApp, log)
	disp := dispatcher.New(channel, redis.Client, cfg.Engine.MinSendIntervalDuration(), log)

	var sinks []coordinator.ReportSink

	if cfg.Reporting.Elasticsearch.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			// Test the connection
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")

		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		zapLog.Info("Elasticsearch connected successfully")
		sinks = append(sinks, reporting.NewArchiver(esClient, cfg.Reporting.Elasticsearch.Index, log))
	}

	if cfg.Alerting.SNS.Enabled {
		notifier, err := alerting.New(ctx, cfg.Alerting, log)
		if err != nil {
			zapLog.Fatal("sns alerting init failed", zap.Error(err))
		}
		zapLog.Info("SNS alerting initialized")
		sinks = append(sinks, notifier)
	}

	coord := coordinator.New(rules, eval, g, disp, coordinator.Config{
		RuleConcurrency: cfg.Engine.RuleConcurrency,
		HitConcurrency:  cfg.Engine.HitConcurrency,
		RunDeadline:     cfg.Engine.RunDeadlineDuration(),
	}, log, sinks...)

	// --- Health & Metrics Server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := pg.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "not ready",
					"error":  err.Error(),
				})
				return
			}
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("Health/Metrics server listening on " + cfg.Metrics.ListenAddress)
		if err := http.ListenAndServe(cfg.Metrics.ListenAddress, nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Polling loop ---
	runCtx, cancelRuns := context.WithCancel(ctx)
	ticker := time.NewTicker(cfg.Engine.PollIntervalDuration())
	defer ticker.Stop()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)

		// First pass immediately on startup, then on every tick.
		runOnce(runCtx, coord, zapLog)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				runOnce(runCtx, coord, zapLog)
			}
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping polling loop...")
	cancelRuns()

	select {
	case <-runDone:
	case <-time.After(30 * time.Second):
		zapLog.Warn("Polling loop did not stop within shutdown timeout")
	}

	zapLog.Info("Booking notifier stopped gracefully")
}

func runOnce(ctx context.Context, coord *coordinator.Coordinator, log *zap.Logger) {
	report, err := coord.RunOnce(ctx, time.Now().UTC())
	if err != nil {
		log.Error("polling pass failed", zap.Error(err))
		return
	}
	log.Info("polling pass completed",
		zap.String("runId", report.RunID),
		zap.Int("rulesEvaluated", report.RulesEvaluated),
		zap.Int("sent", report.Sent),
		zap.Int("failedTransient", report.FailedTransient),
		zap.Int("failedPermanent", report.FailedPermanent),
	)
}
