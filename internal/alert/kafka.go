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

package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/bcem/support-intake/internal/delivery"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes failure events to a topic, keyed by submission id.
type Kafka struct {
	writer messageWriter
	topic  string
}

var _ delivery.TerminalHandler = (*Kafka)(nil)

// NewKafka creates a handler writing to topic on the given brokers.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		topic: topic,
	}
}

func (k *Kafka) HandleFailure(ctx context.Context, f delivery.Failure) error {
	data, err := json.Marshal(NewEvent(f))
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(f.Task.SubmissionID),
		Value: data,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish alert to %s: %w", k.topic, err)
	}

	slog.Info("delivery failure alert published",
		"submission_id", f.Task.SubmissionID,
		"topic", k.topic,
	)
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
