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

// Package delivery runs the retrying unit of work that turns an accepted
// submission into a helpdesk case.
//
// A Task is attempted up to RetryPolicy.MaxAttempts times. Between attempts
// the caller waits out the policy's backoff schedule, either in process
// (Runner.Run) or by parking the task on the queue (Runner.Step). Each
// attempt is bounded by its own timeout. When the budget is spent the
// configured TerminalHandler is invoked exactly once; nothing is retried
// after that.
package delivery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/support-intake/internal/models"
)

// Task is one delivery job. It is serialised onto the task queue, so every
// field must survive a JSON round trip.
type Task struct {
	ID           string             `json:"id"`
	SubmissionID string             `json:"submission_id"`
	Provider     string             `json:"provider"`
	Request      models.CaseRequest `json:"request"`
	Attempts     int                `json:"attempts"`
	EnqueuedAt   time.Time          `json:"enqueued_at"`
}

// NewTask wraps a case request for the named provider.
func NewTask(provider string, req models.CaseRequest) Task {
	return Task{
		ID:           uuid.New().String(),
		SubmissionID: req.SubmissionID,
		Provider:     provider,
		Request:      req,
		EnqueuedAt:   time.Now().UTC(),
	}
}

// RetryPolicy bounds how a task is retried.
type RetryPolicy struct {
	MaxAttempts    int
	Backoff        []time.Duration
	AttemptTimeout time.Duration
}

// DefaultBackoff is the wait before the 2nd, 3rd, 4th and 5th attempts. The
// last entry applies to any attempt beyond the schedule.
func DefaultBackoff() []time.Duration {
	return []time.Duration{
		30 * time.Second,
		60 * time.Second,
		300 * time.Second,
		900 * time.Second,
		3600 * time.Second,
	}
}

// DefaultPolicy is five attempts, DefaultBackoff, and 60 seconds per attempt.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		Backoff:        DefaultBackoff(),
		AttemptTimeout: 60 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if len(p.Backoff) == 0 {
		p.Backoff = def.Backoff
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt < 1 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// Kind classifies the result of an attempt or a whole run.
type Kind int

const (
	Success Kind = iota
	RetryableFailure
	TerminalFailure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case TerminalFailure:
		return "terminal_failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of an attempt or a run.
type Outcome struct {
	Kind     Kind
	CaseID   string
	Attempts int
	Err      error
	// RetryIn is the wait before the next attempt of a retryable outcome.
	RetryIn time.Duration
}
