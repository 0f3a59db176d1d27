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

// Support Intake Operator Command
//
// Standalone CLI for operating the intake service: probing helpdesk
// credentials, checking how the spam classifier rates a message, and
// re-queueing submissions whose delivery failed.
//
// Usage:
//
//	go run ./cmd/supportctl/ test-connection
//	go run ./cmd/supportctl/ classify --email a@b.com --name "Jane" [--message "..."] < message.txt
//	go run ./cmd/supportctl/ replay [--status failed] [--since 168h] [--limit 100] [--dry-run]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/support-intake/internal/assets"
	"github.com/bcem/support-intake/internal/config"
	"github.com/bcem/support-intake/internal/helpdesk"
	"github.com/bcem/support-intake/internal/kayako"
	"github.com/bcem/support-intake/internal/logging"
	"github.com/bcem/support-intake/internal/models"
	"github.com/bcem/support-intake/internal/queue"
	"github.com/bcem/support-intake/internal/replay"
	"github.com/bcem/support-intake/internal/spam"
	"github.com/bcem/support-intake/internal/store"
	"github.com/bcem/support-intake/internal/tokencache"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "test-connection":
		err = testConnection(ctx, cfg, logger, args)
	case "classify":
		err = classify(cfg, logger, args)
	case "replay":
		err = runReplay(ctx, cfg, logger, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: supportctl <test-connection|classify|replay> [flags]\n")
}

// testConnection authenticates against the configured helpdesk and issues
// one read-only request.
func testConnection(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fset := flag.NewFlagSet("test-connection", flag.ExitOnError)
	timeout := fset.Duration("timeout", 30*time.Second, "Overall timeout")
	if err := fset.Parse(args); err != nil {
		return err
	}

	tokens, closeTokens := tokenCache(ctx, cfg)
	defer closeTokens()

	provider := buildProvider(cfg, tokens, logger)
	if !provider.IsConfigured() {
		return fmt.Errorf("provider %s: %w", provider.Name(), helpdesk.ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if !provider.TestConnection(ctx) {
		return fmt.Errorf("%s: connection test failed", provider.Name())
	}
	fmt.Printf("%s: connection OK\n", provider.Name())
	return nil
}

// classify runs the spam classifier over a message without recording it.
func classify(cfg *config.Config, logger *slog.Logger, args []string) error {
	fset := flag.NewFlagSet("classify", flag.ExitOnError)
	email := fset.String("email", "", "Sender e-mail address")
	name := fset.String("name", "", "Sender name")
	subject := fset.String("subject", "", "Subject")
	message := fset.String("message", "", "Message body (default: read from stdin)")
	ip := fset.String("ip", "", "Client IP")
	if err := fset.Parse(args); err != nil {
		return err
	}

	body := *message
	if body == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read message from stdin: %w", err)
		}
		body = string(data)
	}

	classifier, err := spam.NewClassifier(spam.Config{
		LogSpam:          false,
		MinMessageLength: cfg.Spam.MinMessageLength,
		MaxMessageLength: cfg.Spam.MaxMessageLength,
		Patterns:         cfg.Spam.Patterns,
		ForbiddenWords:   cfg.Spam.ForbiddenWords,
		CheckName:        cfg.Spam.CheckName,
		CheckGibberish:   cfg.Spam.CheckGibberish,
	}, logger)
	if err != nil {
		return fmt.Errorf("build classifier: %w", err)
	}

	fields := models.Fields{
		models.FieldEmail:   *email,
		models.FieldName:    *name,
		models.FieldSubject: *subject,
		models.FieldMessage: body,
	}
	verdict := classifier.Classify(fields, spam.Meta{ClientIP: *ip})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(verdict)
}

// runReplay re-queues stored submissions onto the Redis delivery queue.
func runReplay(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fset := flag.NewFlagSet("replay", flag.ExitOnError)
	status := fset.String("status", store.StatusFailed, "Submission status to replay (failed or local_only)")
	since := fset.Duration("since", 168*time.Hour, "Lookback duration (e.g. 168h for 1 week)")
	limit := fset.Int("limit", 100, "Maximum submissions to replay")
	dryRun := fset.Bool("dry-run", false, "List matching submissions without queueing them")
	if err := fset.Parse(args); err != nil {
		return err
	}

	// --- Submission Store ---
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open submission store: %w", err)
	}
	defer st.Close()

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.Queue.Name)
	if err := publisher.Ping(ctx); err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}

	provider := buildProvider(cfg, tokencache.NewMemory(nil), logger)
	if helpdesk.IsLocal(provider) {
		return fmt.Errorf("provider %q does not deliver to a helpdesk", cfg.Provider)
	}

	runner := replay.NewRunner(replay.RunnerConfig{
		Store:          st,
		Queue:          publisher,
		Assets:         assets.NewResolver(cfg.AssetsRoot, logger),
		ProviderKey:    strings.ToLower(provider.Name()),
		FieldMapping:   cfg.FieldMapping,
		RequiredFields: cfg.RequiredFields,
		Logger:         logger,
	})

	result, err := runner.Run(ctx, replay.Request{
		Status: *status,
		Since:  *since,
		Limit:  *limit,
		DryRun: *dryRun,
	})
	if err != nil {
		return err
	}

	depth, err := publisher.Depth(ctx)
	if err != nil {
		slog.Warn("failed to read queue depth", "error", err)
	}
	delayed, err := publisher.Delayed(ctx)
	if err != nil {
		slog.Warn("failed to read delayed task count", "error", err)
	}

	// --- Summary ---
	slog.Info("replay complete",
		"status", result.Status,
		"found", result.Found,
		"queued", result.Queued,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"queue_depth", depth,
		"delayed", delayed,
		"elapsed", result.Elapsed,
	)
	return nil
}

// tokenCache prefers the shared Redis cache so a CLI check reuses the
// service's token; it falls back to memory when Redis is unavailable.
func tokenCache(ctx context.Context, cfg *config.Config) (tokencache.Cache, func()) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return tokencache.NewMemory(nil), func() {}
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return tokencache.NewMemory(nil), func() {}
	}
	return tokencache.NewRedis(rdb), func() { rdb.Close() }
}

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
