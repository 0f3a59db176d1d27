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

	"github.com/bcem/support-intake/internal/logging"
)

// Failure describes a task whose attempts are exhausted.
type Failure struct {
	Task     Task
	Attempts int
	Err      error
	FailedAt time.Time
}

// TerminalHandler is invoked once per task after its last failed attempt.
type TerminalHandler interface {
	HandleFailure(ctx context.Context, f Failure) error
}

// HandlerFunc adapts a function to TerminalHandler.
type HandlerFunc func(ctx context.Context, f Failure) error

func (fn HandlerFunc) HandleFailure(ctx context.Context, f Failure) error { return fn(ctx, f) }

// Handlers fans a failure out to every handler in order. One handler failing
// does not stop the rest.
type Handlers []TerminalHandler

func (hs Handlers) HandleFailure(ctx context.Context, f Failure) error {
	var errs []error
	for _, h := range hs {
		if h == nil {
			continue
		}
		if err := h.HandleFailure(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogHandler logs the failure at critical level with the submitter's
// email and subject so the request can be followed up by hand.
type LogHandler struct {
	Logger *slog.Logger
}

func (h *LogHandler) HandleFailure(ctx context.Context, f Failure) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Log(ctx, logging.LevelCritical, "support case delivery failed permanently",
		"submission_id", f.Task.SubmissionID,
		"task_id", f.Task.ID,
		"provider", f.Task.Provider,
		"email", f.Task.Request.Email,
		"subject", f.Task.Request.Subject,
		"attempts", f.Attempts,
		"error", errString(f.Err),
	)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
