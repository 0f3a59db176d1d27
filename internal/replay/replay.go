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

// Package replay re-queues stored submissions whose helpdesk delivery never
// completed: terminally failed ones, or ones recorded while no helpdesk was
// configured.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/support-intake/internal/delivery"
	"github.com/bcem/support-intake/internal/models"
	"github.com/bcem/support-intake/internal/pipeline"
	"github.com/bcem/support-intake/internal/store"
)

// Lister is the slice of the store the replay runner needs.
type Lister interface {
	ListByStatus(ctx context.Context, status string, since time.Time, limit int) ([]store.Record, error)
	MarkQueued(ctx context.Context, id string) error
}

// Request defines the scope of a replay run.
type Request struct {
	Status string        // store status to replay, store.StatusFailed by default
	Since  time.Duration // lookback window
	Limit  int           // 0 means no limit
	DryRun bool
}

// Result summarises a completed replay run.
type Result struct {
	Status  string
	Found   int
	Queued  int
	Skipped int
	Errors  int
	Elapsed time.Duration
}

// RunnerConfig holds dependencies for the replay runner.
type RunnerConfig struct {
	Store          Lister
	Queue          pipeline.Enqueuer
	Assets         pipeline.AttachmentResolver
	ProviderKey    string
	FieldMapping   map[string]string
	RequiredFields []string
	Logger         *slog.Logger
}

// Runner rebuilds delivery tasks from stored records.
type Runner struct {
	cfg RunnerConfig
	log *slog.Logger
}

// NewRunner creates a replay runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, log: logger}
}

// Run lists matching records and enqueues a fresh delivery task for each.
// Per-record failures are counted and logged; only a listing failure aborts.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if r.cfg.Store == nil || r.cfg.Queue == nil {
		return nil, errors.New("replay runner requires a store and a queue")
	}
	status := req.Status
	if status == "" {
		status = store.StatusFailed
	}
	// Queued records already have a live task; replaying them would deliver twice.
	switch status {
	case store.StatusFailed, store.StatusLocalOnly:
	default:
		return nil, fmt.Errorf("status %q cannot be replayed", status)
	}

	start := time.Now()
	var since time.Time
	if req.Since > 0 {
		since = start.UTC().Add(-req.Since)
	}

	records, err := r.cfg.Store.ListByStatus(ctx, status, since, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("list %s submissions: %w", status, err)
	}

	r.log.Info("starting replay",
		"status", status,
		"since", since,
		"found", len(records),
		"dry_run", req.DryRun,
	)

	result := &Result{Status: status, Found: len(records)}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			result.Elapsed = time.Since(start)
			return result, err
		}

		task, ok := r.buildTask(rec)
		if !ok {
			result.Skipped++
			continue
		}
		if req.DryRun {
			r.log.Info("would replay submission", "submission_id", rec.ID, "email", task.Request.Email)
			continue
		}

		if err := r.cfg.Queue.Enqueue(ctx, task); err != nil {
			r.log.Warn("replay: enqueue failed", "submission_id", rec.ID, "error", err)
			result.Errors++
			continue
		}
		if err := r.cfg.Store.MarkQueued(ctx, rec.ID); err != nil {
			r.log.Warn("replay: mark queued failed", "submission_id", rec.ID, "error", err)
		}
		result.Queued++
	}

	result.Elapsed = time.Since(start)
	r.log.Info("replay complete",
		"status", status,
		"queued", result.Queued,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// buildTask maps a stored record back to a case request. Records that no
// longer carry the required fields are skipped.
func (r *Runner) buildTask(rec store.Record) (delivery.Task, bool) {
	fields := pipeline.MapFields(rec.Fields, r.cfg.FieldMapping)
	for _, name := range r.cfg.RequiredFields {
		if fields.Get(name) == "" {
			r.log.Warn("replay: record missing required field",
				"submission_id", rec.ID,
				"field", name,
			)
			return delivery.Task{}, false
		}
	}

	var attachments []models.ResolvedAttachment
	if r.cfg.Assets != nil && len(rec.Attachments) > 0 {
		attachments = r.cfg.Assets.Resolve(rec.Attachments)
	}
	return delivery.NewTask(r.cfg.ProviderKey, models.NewCaseRequest(rec.ID, fields, attachments)), true
}
