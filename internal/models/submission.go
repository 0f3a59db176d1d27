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

// Package models defines the data structures shared across the intake service.
package models

import (
	"encoding/json"
	"time"
)

// Canonical field names a submission is mapped onto before classification.
const (
	FieldName     = "name"
	FieldEmail    = "email"
	FieldSubject  = "subject"
	FieldMessage  = "message"
	FieldPriority = "priority"
)

// Fields maps canonical field names to submitted values.
type Fields map[string]string

// Get returns the value for a canonical field, or "" when absent.
func (f Fields) Get(key string) string {
	if f == nil {
		return ""
	}
	return f[key]
}

// Submission is a single support form post as captured by the CMS.
// It is immutable once captured and lives for one pipeline run.
type Submission struct {
	ID          string            `json:"id"`
	FormHandle  string            `json:"form_handle"`
	Fields      map[string]string `json:"fields"`
	Attachments []string          `json:"attachments,omitempty"`
	ClientIP    string            `json:"client_ip,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// ResolvedAttachment is an attachment reference resolved by the asset store.
type ResolvedAttachment struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	SourceID string `json:"source_id"`
}

// CaseRequest is the normalised payload handed to a helpdesk provider.
//
// It crosses the task queue as JSON, so field tags are part of the wire
// contract between the pipeline and the delivery workers.
type CaseRequest struct {
	SubmissionID string               `json:"submission_id"`
	Email        string               `json:"email"`
	Message      string               `json:"message"`
	Name         string               `json:"name,omitempty"`
	Subject      string               `json:"subject,omitempty"`
	Priority     string               `json:"priority,omitempty"`
	Attachments  []ResolvedAttachment `json:"resolved_attachments,omitempty"`
}

// NewCaseRequest builds a CaseRequest from mapped canonical fields.
func NewCaseRequest(submissionID string, f Fields, attachments []ResolvedAttachment) CaseRequest {
	return CaseRequest{
		SubmissionID: submissionID,
		Email:        f.Get(FieldEmail),
		Message:      f.Get(FieldMessage),
		Name:         f.Get(FieldName),
		Subject:      f.Get(FieldSubject),
		Priority:     f.Get(FieldPriority),
		Attachments:  attachments,
	}
}

// CaseResult is the helpdesk's case identifier plus the unprocessed response.
type CaseResult struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"raw,omitempty"`
}
