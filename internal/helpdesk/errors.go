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

package helpdesk

import (
	"errors"
	"fmt"
)

// ErrNotConfigured means the provider is missing its URL or credentials.
// It is never retried.
var ErrNotConfigured = errors.New("helpdesk provider is not configured")

// TransportError wraps network failures and timeouts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError means the token exchange failed. The token may become
// obtainable later, so it is retried like a transport failure.
type AuthError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("obtain access token: %v", e.Err)
	}
	return fmt.Sprintf("obtain access token: HTTP %d: %s", e.Status, e.Body)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the helpdesk.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Op, e.Status, e.Body)
}

// IsRetryable reports whether a delivery error may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotConfigured)
}

// StatusCode extracts the HTTP status from an APIError or AuthError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Status
	}
	return 0
}
