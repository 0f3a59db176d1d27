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

// Package pipeline takes one captured form submission through the intake
// gates: form filter, field mapping, required fields, spam classification,
// local recording and, for accepted submissions with a configured helpdesk,
// hand-off to the delivery queue.
//
// Nothing in here waits on the helpdesk. A submission that was recorded is
// a success for the submitter whatever later happens to its delivery.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/support-intake/internal/delivery"
	"github.com/bcem/support-intake/internal/helpdesk"
	"github.com/bcem/support-intake/internal/models"
	"github.com/bcem/support-intake/internal/spam"
	"github.com/bcem/support-intake/internal/store"
)

// Status is the outcome of one pipeline run.
type Status string

const (
	StatusIgnored   Status = "ignored"
	StatusInvalid   Status = "invalid"
	StatusSpam      Status = "spam"
	StatusDuplicate Status = "duplicate"
	StatusRecorded  Status = "recorded"
	StatusQueued    Status = "queued"
)

// Result describes what the pipeline did with a submission.
type Result struct {
	SubmissionID string       `json:"submission_id"`
	Status       Status       `json:"status"`
	Verdict      spam.Verdict `json:"verdict"`
	Missing      []string     `json:"missing,omitempty"`
	TaskID       string       `json:"task_id,omitempty"`
}

// Classifier screens mapped fields for spam.
type Classifier interface {
	Classify(f models.Fields, meta spam.Meta) spam.Verdict
}

// Recorder persists submissions locally. Save reports whether the record
// was new.
type Recorder interface {
	Save(ctx context.Context, r store.Record) (bool, error)
	MarkQueued(ctx context.Context, id string) error
}

// Enqueuer hands delivery tasks to the task runner.
type Enqueuer interface {
	Enqueue(ctx context.Context, task delivery.Task) error
}

// Deduper claims submission ids so a re-sent submission is queued once.
type Deduper interface {
	Claim(ctx context.Context, submissionID string) (bool, error)
	Release(ctx context.Context, submissionID string) error
}

// AttachmentResolver maps attachment references to local files.
type AttachmentResolver interface {
	Resolve(refs []string) []models.ResolvedAttachment
}

// Config holds the form-level settings.
type Config struct {
	FormHandle string
	// FieldMapping maps canonical field names to the form's field names.
	FieldMapping   map[string]string
	RequiredFields []string
}

// Deps are the collaborators of a Pipeline. Dedup and Assets are optional.
type Deps struct {
	Classifier  Classifier
	Provider    helpdesk.Provider
	ProviderKey string
	Store       Recorder
	Queue       Enqueuer
	Dedup       Deduper
	Assets      AttachmentResolver
	Logger      *slog.Logger
}

// Pipeline processes submissions. It is safe for concurrent use.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New creates a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Provider == nil {
		deps.Provider = helpdesk.NewLocal(logger)
	}
	if len(cfg.RequiredFields) == 0 {
		cfg.RequiredFields = []string{models.FieldEmail, models.FieldMessage}
	}
	return &Pipeline{cfg: cfg, deps: deps, log: logger}
}

// Handle runs one submission through the pipeline. The returned error is
// non-nil only when the submission could not be recorded locally; delivery
// problems are logged and never returned.
func (p *Pipeline) Handle(ctx context.Context, sub models.Submission) (Result, error) {
	if sub.FormHandle != p.cfg.FormHandle {
		p.log.Debug("ignoring submission for other form", "form_handle", sub.FormHandle)
		return Result{SubmissionID: sub.ID, Status: StatusIgnored}, nil
	}

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = time.Now().UTC()
	}

	res := Result{SubmissionID: sub.ID, Verdict: spam.Verdict{Reason: spam.ReasonNone}}
	log := p.log.With("submission_id", sub.ID)

	fields := MapFields(sub.Fields, p.cfg.FieldMapping)

	if missing := p.missingFields(fields); len(missing) > 0 {
		log.Warn("submission missing required fields", "missing", missing)
		res.Status = StatusInvalid
		res.Missing = missing
		_, err := p.save(ctx, store.NewRecord(sub, store.StatusInvalid))
		return res, err
	}

	res.Verdict = p.deps.Classifier.Classify(fields, spam.Meta{ClientIP: sub.ClientIP, UserAgent: sub.UserAgent})
	if res.Verdict.IsSpam {
		rec := store.NewRecord(sub, store.StatusSpam)
		rec.IsSpam = true
		rec.SpamReason = string(res.Verdict.Reason)
		res.Status = StatusSpam
		_, err := p.save(ctx, rec)
		return res, err
	}

	inserted, err := p.save(ctx, store.NewRecord(sub, store.StatusLocalOnly))
	if err != nil {
		return res, err
	}
	if !inserted {
		// The first copy owns delivery; its record keeps the outcome.
		log.Info("submission already recorded, skipping")
		res.Status = StatusDuplicate
		return res, nil
	}
	res.Status = StatusRecorded

	provider := p.deps.Provider
	if helpdesk.IsLocal(provider) || !provider.IsConfigured() {
		// Local provider only logs; it never leaves the process.
		if helpdesk.IsLocal(provider) {
			if _, err := provider.CreateCase(ctx, models.NewCaseRequest(sub.ID, fields, nil)); err != nil {
				log.Warn("local provider failed", "error", err)
			}
		} else {
			log.Info("helpdesk not configured, submission kept locally", "provider", provider.Name())
		}
		return res, nil
	}

	if p.deps.Dedup != nil {
		claimed, err := p.deps.Dedup.Claim(ctx, sub.ID)
		if err != nil {
			log.Warn("dedup check failed, queueing anyway", "error", err)
		} else if !claimed {
			log.Info("submission already queued, skipping")
			res.Status = StatusDuplicate
			return res, nil
		}
	}

	var attachments []models.ResolvedAttachment
	if p.deps.Assets != nil && len(sub.Attachments) > 0 {
		attachments = p.deps.Assets.Resolve(sub.Attachments)
	}

	task := delivery.NewTask(p.providerKey(), models.NewCaseRequest(sub.ID, fields, attachments))
	if err := p.deps.Queue.Enqueue(ctx, task); err != nil {
		log.Error("failed to queue delivery task", "error", err)
		if p.deps.Dedup != nil {
			if rerr := p.deps.Dedup.Release(ctx, sub.ID); rerr != nil {
				log.Warn("failed to release dedup claim", "error", rerr)
			}
		}
		return res, nil
	}

	res.Status = StatusQueued
	res.TaskID = task.ID
	if err := p.deps.Store.MarkQueued(ctx, sub.ID); err != nil {
		log.Error("failed to mark submission queued", "error", err)
	}

	log.Info("submission queued for delivery",
		"task_id", task.ID,
		"provider", task.Provider,
		"attachments", len(attachments),
	)
	return res, nil
}

func (p *Pipeline) save(ctx context.Context, rec store.Record) (bool, error) {
	inserted, err := p.deps.Store.Save(ctx, rec)
	if err != nil {
		p.log.Error("failed to record submission",
			"submission_id", rec.ID,
			"status", rec.Status,
			"error", err,
		)
		return false, fmt.Errorf("record submission %s: %w", rec.ID, err)
	}
	return inserted, nil
}

func (p *Pipeline) providerKey() string {
	if p.deps.ProviderKey != "" {
		return p.deps.ProviderKey
	}
	return strings.ToLower(p.deps.Provider.Name())
}

func (p *Pipeline) missingFields(f models.Fields) []string {
	var missing []string
	for _, name := range p.cfg.RequiredFields {
		if strings.TrimSpace(f.Get(name)) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// MapFields projects raw form values onto canonical names. Canonical names
// without a mapping, or whose form field was not submitted, are absent.
func MapFields(raw map[string]string, mapping map[string]string) models.Fields {
	fields := make(models.Fields, len(mapping))
	for canonical, formField := range mapping {
		if v, ok := raw[formField]; ok {
			fields[canonical] = strings.TrimSpace(v)
		}
	}
	return fields
}
