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
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open connects to the database named by url and returns the matching
// backend. Close on the returned store releases the connection.
func Open(ctx context.Context, url string) (Store, error) {
	if IsSQLite(url) {
		return OpenSQLite(ctx, sqlitePath(url))
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s, err := NewPostgres(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &ownedPostgres{Postgres: s, pool: pool}, nil
}

// ownedPostgres closes the pool it was opened with.
type ownedPostgres struct {
	*Postgres
	pool *pgxpool.Pool
}

func (s *ownedPostgres) Close() error {
	s.pool.Close()
	return nil
}
