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

package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bcem/support-intake/internal/helpdesk"
)

// StatusRecorder tracks delivery progress for a submission.
type StatusRecorder interface {
	Delivered(ctx context.Context, submissionID, caseID string, attempts int) error
	Retrying(ctx context.Context, submissionID string, attempts int, err error) error
	Failed(ctx context.Context, submissionID string, attempts int, err error) error
}

type nopRecorder struct{}

func (nopRecorder) Delivered(context.Context, string, string, int) error { return nil }
func (nopRecorder) Retrying(context.Context, string, int, error) error   { return nil }
func (nopRecorder) Failed(context.Context, string, int, error) error     { return nil }

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunnerConfig holds the dependencies for a Runner.
type RunnerConfig struct {
	Provider helpdesk.Provider
	Policy   RetryPolicy
	Terminal TerminalHandler
	Recorder StatusRecorder
	Sleep    SleepFunc
	Logger   *slog.Logger
}

// Runner executes delivery tasks against a helpdesk provider.
type Runner struct {
	provider helpdesk.Provider
	policy   RetryPolicy
	terminal TerminalHandler
	recorder StatusRecorder
	sleep    SleepFunc
	logger   *slog.Logger
}

// NewRunner creates a runner. A nil Terminal defaults to a LogHandler.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		provider: cfg.Provider,
		policy:   cfg.Policy.withDefaults(),
		terminal: cfg.Terminal,
		recorder: cfg.Recorder,
		sleep:    cfg.Sleep,
		logger:   logger,
	}
	if r.terminal == nil {
		r.terminal = &LogHandler{Logger: logger}
	}
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	return r
}

// Policy returns the effective retry policy.
func (r *Runner) Policy() RetryPolicy { return r.policy }

// Attempt makes one time-bounded delivery attempt and classifies the result.
// It does not touch task.Attempts.
func (r *Runner) Attempt(ctx context.Context, task Task) Outcome {
	if r.provider == nil || !r.provider.IsConfigured() {
		return Outcome{Kind: TerminalFailure, Err: helpdesk.ErrNotConfigured}
	}

	ctx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()

	res, err := r.provider.CreateCase(ctx, task.Request)
	if err != nil {
		if !helpdesk.IsRetryable(err) {
			return Outcome{Kind: TerminalFailure, Err: err}
		}
		return Outcome{Kind: RetryableFailure, Err: err}
	}
	return Outcome{Kind: Success, CaseID: res.ID}
}

// Step makes the next attempt on task and records what happened. A
// RetryableFailure outcome carries the wait before the following attempt in
// RetryIn; the caller owns the wait, so a queue can park the task instead of
// holding it in memory.
//
// An attempt that fails because ctx was cancelled is not counted against the
// budget and never fires the terminal handler: the outcome is retryable with
// RetryIn zero and Attempts left as they were before the call.
func (r *Runner) Step(ctx context.Context, task Task) Outcome {
	// Bookkeeping must survive a cancelled run.
	bg := context.WithoutCancel(ctx)

	task.Attempts++
	out := r.Attempt(ctx, task)
	out.Attempts = task.Attempts

	log := r.logger.With(
		"submission_id", task.SubmissionID,
		"task_id", task.ID,
		"attempt", task.Attempts,
		"max_attempts", r.policy.MaxAttempts,
	)

	switch out.Kind {
	case Success:
		log.Info("support case created", "case_id", out.CaseID, "provider", task.Provider)
		if err := r.recorder.Delivered(bg, task.SubmissionID, out.CaseID, task.Attempts); err != nil {
			log.Error("failed to record delivery", "error", err)
		}
		return out

	case TerminalFailure:
		log.Error("delivery not retried", "error", out.Err)
		if err := r.recorder.Failed(bg, task.SubmissionID, task.Attempts, out.Err); err != nil {
			log.Error("failed to record delivery failure", "error", err)
		}
		return out
	}

	if err := ctx.Err(); err != nil {
		log.Warn("delivery attempt interrupted", "error", out.Err)
		return Outcome{
			Kind:     RetryableFailure,
			Attempts: task.Attempts - 1,
			Err:      errors.Join(out.Err, err),
		}
	}

	log.Warn("delivery attempt failed", "error", out.Err, "status", helpdesk.StatusCode(out.Err))

	if task.Attempts >= r.policy.MaxAttempts {
		r.exhausted(bg, task, out.Err)
		return Outcome{Kind: TerminalFailure, Attempts: task.Attempts, Err: out.Err}
	}

	if err := r.recorder.Retrying(bg, task.SubmissionID, task.Attempts, out.Err); err != nil {
		log.Error("failed to record retry", "error", err)
	}

	out.RetryIn = r.policy.Delay(task.Attempts)
	return out
}

// Run steps the task until it succeeds, fails terminally, or the attempt
// budget is spent, sleeping between attempts. Attempts already recorded on
// the task count against the budget.
//
// If ctx is cancelled during an attempt or a wait, Run returns a
// RetryableFailure carrying the attempts made so far; the caller decides
// whether to requeue.
func (r *Runner) Run(ctx context.Context, task Task) Outcome {
	for {
		out := r.Step(ctx, task)
		if out.Kind != RetryableFailure || ctx.Err() != nil {
			return out
		}
		task.Attempts = out.Attempts

		if err := r.sleep(ctx, out.RetryIn); err != nil {
			out.RetryIn = 0
			out.Err = errors.Join(out.Err, err)
			return out
		}
	}
}

func (r *Runner) exhausted(ctx context.Context, task Task, err error) {
	if rerr := r.recorder.Failed(ctx, task.SubmissionID, task.Attempts, err); rerr != nil {
		r.logger.Error("failed to record delivery failure",
			"submission_id", task.SubmissionID,
			"error", rerr,
		)
	}

	failure := Failure{Task: task, Attempts: task.Attempts, Err: err, FailedAt: time.Now().UTC()}
	if herr := r.terminal.HandleFailure(ctx, failure); herr != nil {
		r.logger.Error("terminal failure handler failed",
			"submission_id", task.SubmissionID,
			"error", herr,
		)
	}
}
