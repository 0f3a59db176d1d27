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

// Package queue moves delivery tasks from the intake path to the workers
// that run them. The Redis transport is a list: publishers LPUSH a JSON
// envelope and workers claim it with BLMOVE, so tasks survive a service
// restart. Tasks waiting out a retry backoff sit on a sorted set beside the
// list until they are due.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/support-intake/internal/delivery"
)

// TaskName identifies delivery tasks inside the envelope.
const TaskName = "support.deliver_case"

// DefaultQueueName is used when no queue name is configured.
const DefaultQueueName = "support:deliveries"

// envelope wraps a task for Redis transport.
type envelope struct {
	ID          string          `json:"id"`
	Task        string          `json:"task"`
	Body        json.RawMessage `json:"body"`
	Retries     int             `json:"retries"`
	PublishedAt time.Time       `json:"published_at"`
}

func encode(task delivery.Task) ([]byte, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal delivery task: %w", err)
	}

	msg := envelope{
		ID:          uuid.New().String(),
		Task:        TaskName,
		Body:        body,
		Retries:     task.Attempts,
		PublishedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

func decode(data []byte) (delivery.Task, error) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return delivery.Task{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if msg.Task != TaskName {
		return delivery.Task{}, fmt.Errorf("unexpected task %q", msg.Task)
	}

	var task delivery.Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		return delivery.Task{}, fmt.Errorf("unmarshal delivery task: %w", err)
	}
	return task, nil
}

// Publisher pushes delivery tasks onto a Redis list.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
}

// NewPublisher creates a publisher targeting the named list.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Enqueue publishes one delivery task.
func (p *Publisher) Enqueue(ctx context.Context, task delivery.Task) error {
	data, err := encode(task)
	if err != nil {
		return err
	}

	if err := p.rdb.LPush(ctx, p.queueName, data).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("queued delivery task",
		"task_id", task.ID,
		"submission_id", task.SubmissionID,
		"attempts", task.Attempts,
		"queue", p.queueName,
	)
	return nil
}

// Depth returns the number of tasks waiting in the list.
func (p *Publisher) Depth(ctx context.Context) (int64, error) {
	n, err := p.rdb.LLen(ctx, p.queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LLEN: %w", err)
	}
	return n, nil
}

// Delayed returns the number of tasks waiting out a retry backoff.
func (p *Publisher) Delayed(ctx context.Context) (int64, error) {
	n, err := p.rdb.ZCard(ctx, DelayedKey(p.queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZCARD: %w", err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
