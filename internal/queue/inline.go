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

package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bcem/support-intake/internal/delivery"
)

// Inline runs each task on its own goroutine inside this process. Pending
// retries are lost on restart; use the Redis transport where that matters.
type Inline struct {
	ctx    context.Context
	runner TaskRunner
	wg     sync.WaitGroup
}

// NewInline creates an in-process queue. Tasks stop retrying once ctx is done.
func NewInline(ctx context.Context, runner TaskRunner) *Inline {
	return &Inline{ctx: ctx, runner: runner}
}

// Enqueue starts the task and returns immediately.
func (q *Inline) Enqueue(_ context.Context, task delivery.Task) error {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		out := q.runner.Run(q.ctx, task)
		if out.Kind == delivery.RetryableFailure {
			slog.Warn("inline delivery interrupted",
				"task_id", task.ID,
				"submission_id", task.SubmissionID,
				"attempts", out.Attempts,
			)
		}
	}()
	return nil
}

// Wait blocks until every started task has returned.
func (q *Inline) Wait() {
	q.wg.Wait()
}
