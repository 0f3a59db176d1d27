// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Support Intake Service
//
// Entry point for the support intake service. It:
//  1. Loads configuration from config.yaml, .env and the environment
//  2. Opens the submission store (SQLite or PostgreSQL) and connects to Redis
//  3. Builds the helpdesk provider, spam classifier and delivery runner
//  4. Runs the delivery worker (Redis queue) or delivers in-process
//  5. Serves the intake endpoint for CMS form submissions
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/support-intake/internal/alert"
	"github.com/bcem/support-intake/internal/assets"
	"github.com/bcem/support-intake/internal/config"
	"github.com/bcem/support-intake/internal/dedup"
	"github.com/bcem/support-intake/internal/delivery"
	"github.com/bcem/support-intake/internal/helpdesk"
	"github.com/bcem/support-intake/internal/kayako"
	"github.com/bcem/support-intake/internal/logging"
	"github.com/bcem/support-intake/internal/pipeline"
	"github.com/bcem/support-intake/internal/queue"
	"github.com/bcem/support-intake/internal/spam"
	"github.com/bcem/support-intake/internal/store"
	"github.com/bcem/support-intake/internal/tokencache"
	"github.com/bcem/support-intake/internal/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := logging.New(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"provider", cfg.Provider,
		"form_handle", cfg.FormHandle,
		"queue_driver", cfg.Queue.Driver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Submission Store ---
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open submission store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("submission store ready", "sqlite", store.IsSQLite(cfg.DatabaseURL))

	// --- Connect to Redis ---
	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// --- Helpdesk Provider ---
	var tokens tokencache.Cache = tokencache.NewMemory(nil)
	if rdb != nil {
		tokens = tokencache.NewRedis(rdb)
	}
	provider := buildProvider(cfg, tokens, logger)
	slog.Info("helpdesk provider selected",
		"provider", provider.Name(),
		"configured", provider.IsConfigured(),
	)

	// --- Spam Classifier ---
	spamLogger, closeSpamLog, err := logging.Channel(cfg.Spam.LogChannel, logging.ParseLevel(cfg.LogLevel), logger)
	if err != nil {
		slog.Error("failed to open spam log channel", "error", err)
		os.Exit(1)
	}
	defer closeSpamLog()

	classifier, err := spam.NewClassifier(spam.Config{
		LogSpam:          cfg.Spam.LogSpam,
		MinMessageLength: cfg.Spam.MinMessageLength,
		MaxMessageLength: cfg.Spam.MaxMessageLength,
		Patterns:         cfg.Spam.Patterns,
		ForbiddenWords:   cfg.Spam.ForbiddenWords,
		CheckName:        cfg.Spam.CheckName,
		CheckGibberish:   cfg.Spam.CheckGibberish,
	}, spamLogger)
	if err != nil {
		slog.Error("invalid spam configuration", "error", err)
		os.Exit(1)
	}

	// --- Terminal Failure Handlers ---
	terminal := delivery.Handlers{&delivery.LogHandler{Logger: logger}}
	if len(cfg.KafkaAlert.Brokers) > 0 {
		k := alert.NewKafka(cfg.KafkaAlert.Brokers, cfg.KafkaAlert.Topic)
		defer k.Close()
		terminal = append(terminal, k)
		slog.Info("kafka failure alerts enabled", "topic", cfg.KafkaAlert.Topic)
	}
	if cfg.SMTPAlert.Addr != "" && len(cfg.SMTPAlert.To) > 0 {
		terminal = append(terminal, alert.NewEmail(alert.SMTPConfig{
			Addr:     cfg.SMTPAlert.Addr,
			Username: cfg.SMTPAlert.Username,
			Password: cfg.SMTPAlert.Password,
			From:     cfg.SMTPAlert.From,
			To:       cfg.SMTPAlert.To,
		}))
		slog.Info("e-mail failure alerts enabled", "to", cfg.SMTPAlert.To)
	}

	runner := delivery.NewRunner(delivery.RunnerConfig{
		Provider: provider,
		Policy: delivery.RetryPolicy{
			MaxAttempts:    cfg.Delivery.MaxAttempts,
			Backoff:        cfg.Delivery.Backoff,
			AttemptTimeout: cfg.Delivery.AttemptTimeout,
		},
		Terminal: terminal,
		Recorder: st,
		Logger:   logger,
	})

	// --- Delivery Queue ---
	var (
		enqueuer pipeline.Enqueuer
		inline   *queue.Inline
		wg       sync.WaitGroup
	)
	switch cfg.Queue.Driver {
	case "inline":
		inline = queue.NewInline(ctx, runner)
		enqueuer = inline
	default:
		enqueuer = queue.NewPublisher(rdb, cfg.Queue.Name)
		worker := queue.NewWorker(rdb, queue.WorkerConfig{
			Queue:       cfg.Queue.Name,
			ID:          cfg.Queue.WorkerID,
			Concurrency: cfg.Queue.Concurrency,
		}, runner)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	var filter pipeline.Deduper
	if rdb != nil {
		filter = dedup.NewFilter(rdb, dedup.DefaultTTL)
	}

	// --- Submission Pipeline ---
	pl := pipeline.New(pipeline.Config{
		FormHandle:     cfg.FormHandle,
		FieldMapping:   cfg.FieldMapping,
		RequiredFields: cfg.RequiredFields,
	}, pipeline.Deps{
		Classifier: classifier,
		Provider:   provider,
		Store:      st,
		Queue:      enqueuer,
		Dedup:      filter,
		Assets:     assets.NewResolver(cfg.AssetsRoot, logger),
		Logger:     logger,
	})

	// --- HTTP Server ---
	checks := []webhook.Check{{Name: "store", Ping: st.Ping}}
	if rdb != nil {
		checks = append(checks, webhook.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	handler := webhook.NewHandler(pl, logger, checks...)

	ready, err := webhook.Serve(ctx, cfg.Port, handler.Routes())
	if err != nil {
		slog.Error("failed to start intake server", "error", err)
		os.Exit(1)
	}
	<-ready

	slog.Info("support intake service running", "port", cfg.Port)

	// --- Wait for shutdown signal ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		if inline != nil {
			inline.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("timed out waiting for deliveries to stop")
	}

	slog.Info("support intake service stopped")
}

// connectRedis returns a client for REDIS_URL. Redis is required by the
// redis queue driver; with the inline driver an unreachable Redis only
// disables the shared token cache and duplicate suppression.
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		if cfg.Queue.Driver == "inline" {
			slog.Warn("invalid REDIS_URL, continuing without Redis", "error", err)
			return nil, nil
		}
		return nil, err
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		if cfg.Queue.Driver == "inline" {
			slog.Warn("Redis unreachable, continuing without it", "error", err)
			rdb.Close()
			return nil, nil
		}
		rdb.Close()
		return nil, err
	}
	slog.Info("connected to Redis")
	return rdb, nil
}

// buildProvider registers every helpdesk implementation and selects the
// configured one, falling back to the local provider for unknown keys.
func buildProvider(cfg *config.Config, tokens tokencache.Cache, logger *slog.Logger) helpdesk.Provider {
	providers := map[string]helpdesk.Provider{
		helpdesk.KeyLocal: helpdesk.NewLocal(logger),
		helpdesk.KeyKayako: kayako.New(kayako.Config{
			URL:            cfg.Kayako.URL,
			Auth:           cfg.Kayako.Auth,
			ClientID:       cfg.Kayako.ClientID,
			ClientSecret:   cfg.Kayako.ClientSecret,
			Email:          cfg.Kayako.Email,
			Password:       cfg.Kayako.Password,
			Scopes:         cfg.Kayako.Scopes,
			Channel:        cfg.Kayako.Channel,
			ChannelID:      cfg.Kayako.ChannelID,
			CustomerRoleID: cfg.Kayako.CustomerRoleID,
			Timeout:        cfg.Kayako.Timeout,
			Priorities:     cfg.Kayako.Priorities,
		}, tokens, logger),
	}
	return helpdesk.Select(cfg.Provider, providers, logger)
}
