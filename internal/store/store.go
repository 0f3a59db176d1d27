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

// Package store is the local system of record for submissions. Every
// submission is kept, whether it was spam, invalid, delivered or not, so it
// can be followed up when the helpdesk is unavailable or not configured.
//
// Two backends share one schema: Postgres through pgx for deployments that
// already run it, and SQLite for single-node installs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bcem/support-intake/internal/models"
)

// Delivery statuses.
const (
	StatusLocalOnly = "local_only"
	StatusQueued    = "queued"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusSpam      = "spam"
	StatusInvalid   = "invalid"
)

// Record is one persisted submission.
type Record struct {
	ID          string
	FormHandle  string
	Fields      map[string]string
	Attachments []string
	ClientIP    string
	UserAgent   string
	IsSpam      bool
	SpamReason  string
	Status      string
	CaseID      string
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewRecord captures a submission with the given status.
func NewRecord(sub models.Submission, status string) Record {
	created := sub.ReceivedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return Record{
		ID:          sub.ID,
		FormHandle:  sub.FormHandle,
		Fields:      sub.Fields,
		Attachments: sub.Attachments,
		ClientIP:    sub.ClientIP,
		UserAgent:   sub.UserAgent,
		Status:      status,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

// Submission rebuilds the captured submission from the record.
func (r Record) Submission() models.Submission {
	return models.Submission{
		ID:          r.ID,
		FormHandle:  r.FormHandle,
		Fields:      r.Fields,
		Attachments: r.Attachments,
		ClientIP:    r.ClientIP,
		UserAgent:   r.UserAgent,
		ReceivedAt:  r.CreatedAt,
	}
}

// Store persists submission records. Save reports false when the id was
// already recorded. Get returns nil, nil for unknown ids. MarkQueued only
// moves local_only and failed records, so a delivered record is never
// reopened.
// The Delivered, Retrying and Failed methods satisfy delivery.StatusRecorder.
type Store interface {
	Save(ctx context.Context, r Record) (bool, error)
	Get(ctx context.Context, id string) (*Record, error)
	MarkQueued(ctx context.Context, id string) error
	Delivered(ctx context.Context, id, caseID string, attempts int) error
	Retrying(ctx context.Context, id string, attempts int, err error) error
	Failed(ctx context.Context, id string, attempts int, err error) error
	ListByStatus(ctx context.Context, status string, since time.Time, limit int) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// IsSQLite reports whether a database URL selects the SQLite backend:
// a "sqlite:" or "file:" prefix, ":memory:", or a bare path.
func IsSQLite(url string) bool {
	url = strings.TrimSpace(url)
	switch {
	case strings.HasPrefix(url, "sqlite:"), strings.HasPrefix(url, "file:"), url == ":memory:":
		return true
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return false
	}
	return !strings.Contains(url, "://") && !strings.Contains(url, "host=")
}

// sqlitePath strips the "sqlite:" scheme, keeping "file:" URIs intact.
func sqlitePath(url string) string {
	url = strings.TrimSpace(url)
	url = strings.TrimPrefix(url, "sqlite://")
	return strings.TrimPrefix(url, "sqlite:")
}

func marshalColumns(r Record) (fields, attachments string, err error) {
	f := r.Fields
	if f == nil {
		f = map[string]string{}
	}
	fb, err := json.Marshal(f)
	if err != nil {
		return "", "", fmt.Errorf("marshal fields: %w", err)
	}

	a := r.Attachments
	if a == nil {
		a = []string{}
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return "", "", fmt.Errorf("marshal attachments: %w", err)
	}
	return string(fb), string(ab), nil
}

func unmarshalColumns(r *Record, fields, attachments []byte) error {
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &r.Attachments); err != nil {
			return fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	return nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
