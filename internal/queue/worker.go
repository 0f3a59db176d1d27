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
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/support-intake/internal/delivery"
)

// TaskRunner executes one delivery task to completion.
type TaskRunner interface {
	Run(ctx context.Context, task delivery.Task) delivery.Outcome
}

// Stepper makes a single delivery attempt and reports when to try again.
type Stepper interface {
	Step(ctx context.Context, task delivery.Task) delivery.Outcome
}

const (
	// ackTimeout bounds the Redis calls that settle a task after its attempt.
	ackTimeout   = 5 * time.Second
	promoteBatch = 100
)

// retrySrc parks a failed task on the delayed set and releases the claim on
// the original payload in one step.
//
// KEYS: processing, delayed. ARGV: claimed payload, due (unix ms), new payload.
const retrySrc = `
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('LREM', KEYS[1], 1, ARGV[1])
return 1
`

// promoteSrc moves due tasks from the delayed set back onto the queue.
//
// KEYS: delayed, queue. ARGV: now (unix ms), batch size.
const promoteSrc = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, item in ipairs(due) do
  redis.call('ZREM', KEYS[1], item)
  redis.call('LPUSH', KEYS[2], item)
end
return #due
`

var (
	retryScript   = redis.NewScript(retrySrc)
	promoteScript = redis.NewScript(promoteSrc)
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Queue        string
	ID           string // owner of the processing list; defaults to the hostname
	Concurrency  int
	PollTimeout  time.Duration
	PromoteEvery time.Duration
}

// Worker consumes delivery tasks from a Redis list.
//
// A consumer claims a task with BLMOVE onto this worker's processing list and
// removes it only once the attempt has settled, so a crash mid-attempt leaves
// the task where Run finds it on the next start. A retryable failure is parked
// on a sorted set scored by its due time rather than slept on; a promoter
// pushes due tasks back onto the queue.
type Worker struct {
	rdb          redis.Cmdable
	runner       Stepper
	queue        string
	processing   string
	delayed      string
	concurrency  int
	pollTimeout  time.Duration
	promoteEvery time.Duration
	now          func() time.Time
}

// NewWorker creates a worker for cfg.Queue.
func NewWorker(rdb redis.Cmdable, cfg WorkerConfig, runner Stepper) *Worker {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueueName
	}
	if cfg.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.ID = host
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.PromoteEvery <= 0 {
		cfg.PromoteEvery = time.Second
	}

	return &Worker{
		rdb:          rdb,
		runner:       runner,
		queue:        cfg.Queue,
		processing:   ProcessingKey(cfg.Queue, cfg.ID),
		delayed:      DelayedKey(cfg.Queue),
		concurrency:  cfg.Concurrency,
		pollTimeout:  cfg.PollTimeout,
		promoteEvery: cfg.PromoteEvery,
		now:          time.Now,
	}
}

// ProcessingKey names the list holding tasks claimed by worker id.
func ProcessingKey(queue, id string) string { return queue + ":processing:" + id }

// DelayedKey names the sorted set of tasks waiting for their next attempt.
func DelayedKey(queue string) string { return queue + ":delayed" }

// Run consumes tasks until ctx is cancelled. Tasks left on this worker's
// processing list by an earlier run are put back on the queue first.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("delivery worker starting",
		"queue", w.queue,
		"processing", w.processing,
		"concurrency", w.concurrency,
	)

	w.reclaim(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.promoteLoop(ctx)
	}()

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consume(ctx, id)
		}(i)
	}
	wg.Wait()

	slog.Info("delivery worker stopped")
}

// reclaim returns unsettled claims to the head of the queue.
func (w *Worker) reclaim(ctx context.Context) {
	moved := 0
	for ctx.Err() == nil {
		err := w.rdb.LMove(ctx, w.processing, w.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			slog.Error("failed to recover claimed delivery tasks", "processing", w.processing, "error", err)
			return
		}
		moved++
	}
	if moved > 0 {
		slog.Warn("recovered unsettled delivery tasks", "count", moved, "processing", w.processing)
	}
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(w.promoteEvery)
	defer ticker.Stop()

	for ctx.Err() == nil {
		w.promote(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) promote(ctx context.Context) {
	n, err := promoteScript.Run(ctx, w.rdb, []string{w.delayed, w.queue}, w.now().UnixMilli(), promoteBatch).Int64()
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to promote delayed delivery tasks", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Debug("promoted delayed delivery tasks", "count", n)
	}
}

func (w *Worker) consume(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		payload, err := w.rdb.BLMove(ctx, w.queue, w.processing, "RIGHT", "LEFT", w.pollTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Error("redis BLMOVE failed", "consumer", id, "error", err)
			sleepOrDone(ctx, time.Second)
			continue
		}

		task, err := decode([]byte(payload))
		if err != nil {
			slog.Error("dropping malformed delivery task", "consumer", id, "error", err)
			w.ack(ctx, payload)
			continue
		}

		w.handle(ctx, payload, task)
	}
}

func (w *Worker) handle(ctx context.Context, payload string, task delivery.Task) {
	out := w.runner.Step(ctx, task)

	if out.Kind != delivery.RetryableFailure {
		w.ack(ctx, payload)
		return
	}

	task.Attempts = out.Attempts
	w.schedule(ctx, payload, task, w.now().Add(out.RetryIn))
}

// ack drops a settled claim.
func (w *Worker) ack(ctx context.Context, payload string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	if err := w.rdb.LRem(ctx, w.processing, 1, payload).Err(); err != nil {
		slog.Error("failed to acknowledge delivery task", "processing", w.processing, "error", err)
	}
}

// schedule swaps the claim for a delayed entry due at the given time.
func (w *Worker) schedule(ctx context.Context, payload string, task delivery.Task, due time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	log := slog.With("task_id", task.ID, "submission_id", task.SubmissionID, "attempts", task.Attempts)

	data, err := encode(task)
	if err != nil {
		log.Error("failed to encode delivery task for retry", "error", err)
		return
	}

	if err := retryScript.Run(ctx, w.rdb, []string{w.processing, w.delayed}, payload, due.UnixMilli(), data).Err(); err != nil {
		// The claim stays on the processing list and is retried after restart.
		log.Error("failed to schedule delivery retry", "error", err)
		return
	}
	log.Info("delivery retry scheduled", "due", due.UTC().Format(time.RFC3339))
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
