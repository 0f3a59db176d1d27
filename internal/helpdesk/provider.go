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

// Package helpdesk defines the provider contract the delivery task calls
// and the local provider used when no external helpdesk is configured.
package helpdesk

import (
	"context"
	"log/slog"

	"github.com/bcem/support-intake/internal/models"
)

// Provider turns a case request into a case at some helpdesk.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string
	// IsConfigured reports whether the provider has everything it needs to
	// make outbound calls.
	IsConfigured() bool
	// CreateCase creates a support case. Errors are returned to the caller
	// unretried; retry belongs to the delivery task.
	CreateCase(ctx context.Context, req models.CaseRequest) (*models.CaseResult, error)
	// TestConnection is best-effort and never returns an error.
	TestConnection(ctx context.Context) bool
}

// Provider keys recognised in configuration.
const (
	KeyLocal  = "local"
	KeyKayako = "kayako"
)

// Select returns the provider registered under key. Unknown keys and
// providers that are not configured fall back to the local provider, so
// submissions are still recorded.
func Select(key string, providers map[string]Provider, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}

	switch key {
	case "", KeyLocal, "null":
		return NewLocal(logger)
	}

	p, ok := providers[key]
	if !ok || p == nil {
		logger.Warn("unknown helpdesk provider, using local provider", "provider", key)
		return NewLocal(logger)
	}

	if !p.IsConfigured() {
		logger.Warn("helpdesk provider not configured, using local provider",
			"provider", p.Name(),
		)
		return NewLocal(logger)
	}

	return p
}

// IsLocal reports whether p only records submissions locally.
func IsLocal(p Provider) bool {
	_, ok := p.(*Local)
	return ok
}
