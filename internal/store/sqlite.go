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
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores submissions in a local SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path and ensures the
// schema. An empty path or ":memory:" opens an in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" || trimmed == ":memory:" || strings.Contains(trimmed, "mode=memory") {
		if trimmed == "" {
			trimmed = ":memory:"
		}
		inMemory = true
	}

	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("submission store initialised", "backend", "sqlite", "path", trimmed)
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS submissions (
            id TEXT PRIMARY KEY,
            form_handle TEXT NOT NULL DEFAULT '',
            fields TEXT NOT NULL DEFAULT '{}',
            attachments TEXT NOT NULL DEFAULT '[]',
            client_ip TEXT NOT NULL DEFAULT '',
            user_agent TEXT NOT NULL DEFAULT '',
            is_spam INTEGER NOT NULL DEFAULT 0,
            spam_reason TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            case_id TEXT NOT NULL DEFAULT '',
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_spam ON submissions(is_spam);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Save inserts a record and reports whether it was new; an existing id is
// left untouched.
func (s *SQLite) Save(ctx context.Context, r Record) (bool, error) {
	fields, attachments, err := marshalColumns(r)
	if err != nil {
		return false, err
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO submissions
        (id, form_handle, fields, attachments, client_ip, user_agent,
         is_spam, spam_reason, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO NOTHING;`,
		r.ID, r.FormHandle, fields, attachments, r.ClientIP, r.UserAgent,
		r.IsSpam, r.SpamReason, r.Status, created.UnixMilli(), created.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert submission: %w", err)
	}
	return n == 1, nil
}

const sqliteColumns = `id, form_handle, fields, attachments, client_ip, user_agent,
        is_spam, spam_reason, status, case_id, attempts, last_error,
        created_at, updated_at`

// Get retrieves a single submission.
func (s *SQLite) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM submissions WHERE id = ?;`, id)
	r, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return r, nil
}

func (s *SQLite) MarkQueued(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE submissions SET status = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?);`,
		StatusQueued, s.now().UnixMilli(), id, StatusLocalOnly, StatusFailed)
}

func (s *SQLite) Delivered(ctx context.Context, id, caseID string, attempts int) error {
	return s.update(ctx, `UPDATE submissions
        SET status = ?, case_id = ?, attempts = ?, last_error = '', updated_at = ?
        WHERE id = ?;`,
		StatusDelivered, caseID, attempts, s.now().UnixMilli(), id)
}

func (s *SQLite) Retrying(ctx context.Context, id string, attempts int, cause error) error {
	return s.update(ctx, `UPDATE submissions
        SET status = ?, attempts = ?, last_error = ?, updated_at = ?
        WHERE id = ?;`,
		StatusQueued, attempts, errText(cause), s.now().UnixMilli(), id)
}

func (s *SQLite) Failed(ctx context.Context, id string, attempts int, cause error) error {
	return s.update(ctx, `UPDATE submissions
        SET status = ?, attempts = ?, last_error = ?, updated_at = ?
        WHERE id = ?;`,
		StatusFailed, attempts, errText(cause), s.now().UnixMilli(), id)
}

func (s *SQLite) update(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	return nil
}

// ListByStatus returns records in a status updated at or after since,
// oldest first.
func (s *SQLite) ListByStatus(ctx context.Context, status string, since time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM submissions
        WHERE status = ? AND updated_at >= ?
        ORDER BY updated_at, id
        LIMIT ?;`, status, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*Record, error) {
	var (
		r                   Record
		fields, attachments string
		created, updated    int64
	)
	err := row.Scan(
		&r.ID, &r.FormHandle, &fields, &attachments, &r.ClientIP, &r.UserAgent,
		&r.IsSpam, &r.SpamReason, &r.Status, &r.CaseID, &r.Attempts, &r.LastError,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	if err := unmarshalColumns(&r, []byte(fields), []byte(attachments)); err != nil {
		return nil, err
	}
	return &r, nil
}
