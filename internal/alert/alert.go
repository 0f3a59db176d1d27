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

// Package alert escalates submissions whose delivery was given up on.
// Each handler here is a delivery.TerminalHandler; the service combines
// the ones that are configured with delivery.Handlers.
package alert

import (
	"time"

	"github.com/bcem/support-intake/internal/delivery"
)

// Event is the alert payload.
type Event struct {
	SubmissionID string    `json:"submission_id"`
	TaskID       string    `json:"task_id"`
	Provider     string    `json:"provider"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error"`
	FailedAt     time.Time `json:"failed_at"`
}

// NewEvent summarises a delivery failure.
func NewEvent(f delivery.Failure) Event {
	e := Event{
		SubmissionID: f.Task.SubmissionID,
		TaskID:       f.Task.ID,
		Provider:     f.Task.Provider,
		Email:        f.Task.Request.Email,
		Name:         f.Task.Request.Name,
		Subject:      f.Task.Request.Subject,
		Attempts:     f.Attempts,
		FailedAt:     f.FailedAt,
	}
	if f.Err != nil {
		e.Error = f.Err.Error()
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = time.Now().UTC()
	}
	return e
}
