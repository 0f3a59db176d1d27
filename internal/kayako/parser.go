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

package kayako

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/bcem/support-intake/internal/helpdesk"
	"github.com/bcem/support-intake/internal/models"
)

// envelope is the wrapper Kayako puts around every response.
type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
	Errors []fault         `json:"errors"`
}

// fault is a single entry of the errors array.
type fault struct {
	Code      string `json:"code"`
	Parameter string `json:"parameter"`
	Message   string `json:"message"`
}

// resource is the minimal shape of a returned user or case.
type resource struct {
	ID json.RawMessage `json:"id"`
}

// decodeID extracts data.id from a single-resource response.
func decodeID(body []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}

	var r resource
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &r) != nil {
		return "", fmt.Errorf("response has no data object")
	}

	id := rawID(r.ID)
	if id == "" {
		return "", fmt.Errorf("response has no data.id")
	}
	return id, nil
}

// firstID extracts data[0].id from a collection response, or "" when empty.
func firstID(body []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}

	var items []resource
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return "", fmt.Errorf("decode data array: %w", err)
		}
	}
	if len(items) == 0 {
		return "", nil
	}
	return rawID(items[0].ID), nil
}

// rawID renders a numeric or string id as a string.
func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// isDuplicateEmail reports whether a user-create response rejected the
// email as already registered.
func isDuplicateEmail(status int, body []byte) bool {
	if status != 400 {
		return false
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false
	}

	for _, f := range env.Errors {
		if f.Code == "FIELD_DUPLICATE" && f.Parameter == "email" {
			return true
		}
	}
	return false
}

func apiError(op string, resp *response) error {
	return &helpdesk.APIError{Op: op, Status: resp.status, Body: string(resp.body)}
}

// formatContents renders the message as HTML with the submission footer.
func formatContents(req models.CaseRequest) string {
	var b strings.Builder
	b.WriteString(html.EscapeString(req.Message))
	b.WriteString("\n\n---\nSubmitted via Support Contact Form")
	if req.Name != "" {
		b.WriteString("\nName: " + html.EscapeString(req.Name))
	}
	b.WriteString("\nEmail: " + html.EscapeString(req.Email))

	return nl2br(b.String())
}

// nl2br inserts an HTML line break before every newline.
func nl2br(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "<br />\n")
}

// caseFields is the case-create body before encoding.
type caseFields struct {
	Subject     string
	Contents    string
	RequesterID string
	Channel     string
	ChannelID   int
	PriorityID  int
}

// json renders the body for application/json requests. Numeric ids are
// sent as numbers.
func (f caseFields) json() map[string]any {
	body := map[string]any{
		"subject":         f.Subject,
		"contents":        f.Contents,
		"requester_id":    jsonID(f.RequesterID),
		"channel":         f.Channel,
		"channel_id":      f.ChannelID,
		"channel_options": map[string]any{"html": true},
	}
	if f.PriorityID > 0 {
		body["priority_id"] = f.PriorityID
	}
	return body
}

// form renders the body as multipart form values.
func (f caseFields) form() [][2]string {
	values := [][2]string{
		{"subject", f.Subject},
		{"contents", f.Contents},
		{"requester_id", f.RequesterID},
		{"channel", f.Channel},
		{"channel_id", strconv.Itoa(f.ChannelID)},
		{"channel_options[html]", "true"},
	}
	if f.PriorityID > 0 {
		values = append(values, [2]string{"priority_id", strconv.Itoa(f.PriorityID)})
	}
	return values
}

func jsonID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
