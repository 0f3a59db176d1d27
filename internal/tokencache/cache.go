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

// Package tokencache stores short-lived access tokens shared by every
// delivery task in the process (or, with Redis, across processes).
//
// Each Set replaces the whole value in one operation, so readers see either
// the previous token or the new one, never a partial write.
package tokencache

import (
	"context"
	"sync"
	"time"
)

// Cache is a get/set-with-expiry store for access tokens.
type Cache interface {
	// Get returns the token under key, or ok=false when absent or expired.
	Get(ctx context.Context, key string) (token string, ok bool, err error)
	// Set stores token for ttl. A non-positive ttl stores nothing.
	Set(ctx context.Context, key, token string, ttl time.Duration) error
	// Delete drops a token the issuer has rejected.
	Delete(ctx context.Context, key string) error
}

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

type entry struct {
	token     string
	expiresAt time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     Clock
}

// NewMemory creates an in-process cache. A nil clock uses time.Now.
func NewMemory(now Clock) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		entries: make(map[string]entry),
		now:     now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.token, true, nil
}

func (m *Memory) Set(_ context.Context, key, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{token: token, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
