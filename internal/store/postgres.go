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

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores submissions in Postgres.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a store backed by the given pool and ensures the
// submissions table exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure submissions schema: %w", err)
	}
	slog.Info("submission store initialised", "backend", "postgres")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS submissions (
			id           TEXT PRIMARY KEY,
			form_handle  TEXT NOT NULL DEFAULT '',
			fields       JSONB NOT NULL DEFAULT '{}',
			attachments  JSONB NOT NULL DEFAULT '[]',
			client_ip    TEXT DEFAULT '',
			user_agent   TEXT DEFAULT '',
			is_spam      BOOLEAN NOT NULL DEFAULT FALSE,
			spam_reason  TEXT DEFAULT '',
			status       TEXT NOT NULL,
			case_id      TEXT DEFAULT '',
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status, updated_at);
		CREATE INDEX IF NOT EXISTS idx_submissions_spam ON submissions(is_spam);
	`)
	return err
}

// Save inserts a record and reports whether it was new. Saving an id that
// already exists changes nothing, so a re-sent submission keeps its
// original outcome.
func (s *Postgres) Save(ctx context.Context, r Record) (bool, error) {
	fields, attachments, err := marshalColumns(r)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO submissions
			(id, form_handle, fields, attachments, client_ip, user_agent,
			 is_spam, spam_reason, status, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.FormHandle, fields, attachments, r.ClientIP, r.UserAgent,
		r.IsSpam, r.SpamReason, r.Status, r.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert submission: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get retrieves a single submission.
func (s *Postgres) Get(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, form_handle, fields, attachments, client_ip, user_agent,
		       is_spam, spam_reason, status, case_id, attempts, last_error,
		       created_at, updated_at
		FROM submissions
		WHERE id = $1
	`, id)

	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return r, nil
}

func (s *Postgres) MarkQueued(ctx context.Context, id string) error {
	return s.update(ctx, `
		UPDATE submissions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, StatusQueued, StatusLocalOnly, StatusFailed)
}

func (s *Postgres) Delivered(ctx context.Context, id, caseID string, attempts int) error {
	return s.update(ctx, `
		UPDATE submissions
		SET status = $2, case_id = $3, attempts = $4, last_error = '', updated_at = NOW()
		WHERE id = $1
	`, id, StatusDelivered, caseID, attempts)
}

func (s *Postgres) Retrying(ctx context.Context, id string, attempts int, cause error) error {
	return s.update(ctx, `
		UPDATE submissions
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, StatusQueued, attempts, errText(cause))
}

func (s *Postgres) Failed(ctx context.Context, id string, attempts int, cause error) error {
	return s.update(ctx, `
		UPDATE submissions
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, StatusFailed, attempts, errText(cause))
}

func (s *Postgres) update(ctx context.Context, query string, args ...any) error {
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	return nil
}

// ListByStatus returns records in a status updated at or after since,
// oldest first.
func (s *Postgres) ListByStatus(ctx context.Context, status string, since time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, form_handle, fields, attachments, client_ip, user_agent,
		       is_spam, spam_reason, status, case_id, attempts, last_error,
		       created_at, updated_at
		FROM submissions
		WHERE status = $1 AND updated_at >= $2
		ORDER BY updated_at
		LIMIT $3
	`, status, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close is a no-op; the pool belongs to the caller.
func (s *Postgres) Close() error { return nil }

func scanPgRecord(row pgx.Row) (*Record, error) {
	var (
		r                   Record
		fields, attachments []byte
	)
	err := row.Scan(
		&r.ID, &r.FormHandle, &fields, &attachments, &r.ClientIP, &r.UserAgent,
		&r.IsSpam, &r.SpamReason, &r.Status, &r.CaseID, &r.Attempts, &r.LastError,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalColumns(&r, fields, attachments); err != nil {
		return nil, err
	}
	return &r, nil
}
