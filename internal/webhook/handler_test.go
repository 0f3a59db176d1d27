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

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bcem/support-intake/internal/models"
	"github.com/bcem/support-intake/internal/pipeline"
)

type mockSubmitter struct {
	mu     sync.Mutex
	subs   []models.Submission
	result pipeline.Result
	err    error
}

func (m *mockSubmitter) Handle(_ context.Context, sub models.Submission) (pipeline.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, sub)
	res := m.result
	if res.SubmissionID == "" {
		res.SubmissionID = sub.ID
	}
	return res, m.err
}

func (m *mockSubmitter) received() []models.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Submission(nil), m.subs...)
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cms/4.0")
	req.RemoteAddr = "203.0.113.7:51234"
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

// TestServeSubmission_Accepted verifies a valid payload is decoded, handed to
// the pipeline and answered with 202.
func TestServeSubmission_Accepted(t *testing.T) {
	sub := &mockSubmitter{result: pipeline.Result{Status: pipeline.StatusQueued, TaskID: "task-1"}}
	h := NewHandler(sub, nil)

	rr := post(h.ServeSubmission, `{
		"id": "sub-1",
		"form_handle": "support_contact",
		"fields": {"email": "jane@example.com", "message": "Printer is on fire", "topics": ["billing", "hardware"], "copies": 2, "urgent": true, "extra": null},
		"attachments": ["assets::uploads/a.pdf"],
		"client_ip": "198.51.100.1"
	}`)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	var res pipeline.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.SubmissionID != "sub-1" || res.Status != pipeline.StatusQueued || res.TaskID != "task-1" {
		t.Errorf("result = %+v", res)
	}

	got := sub.received()
	if len(got) != 1 {
		t.Fatalf("pipeline calls = %d, want 1", len(got))
	}
	s := got[0]
	if s.FormHandle != "support_contact" {
		t.Errorf("form handle = %q", s.FormHandle)
	}
	want := map[string]string{
		"email":   "jane@example.com",
		"message": "Printer is on fire",
		"topics":  "billing, hardware",
		"copies":  "2",
		"urgent":  "true",
		"extra":   "",
	}
	for k, v := range want {
		if s.Fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, s.Fields[k], v)
		}
	}
	if s.ClientIP != "198.51.100.1" {
		t.Errorf("client ip = %q, want payload value", s.ClientIP)
	}
	if s.UserAgent != "cms/4.0" {
		t.Errorf("user agent = %q, want header fallback", s.UserAgent)
	}
	if len(s.Attachments) != 1 || s.Attachments[0] != "assets::uploads/a.pdf" {
		t.Errorf("attachments = %v", s.Attachments)
	}
}

// TestServeSubmission_ClientIPFallback verifies the peer address and
// X-Forwarded-For are used when the payload omits client_ip.
func TestServeSubmission_ClientIPFallback(t *testing.T) {
	sub := &mockSubmitter{}
	h := NewHandler(sub, nil)

	post(h.ServeSubmission, `{"form_handle": "support_contact", "fields": {}}`)

	req := httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader(`{"fields": {}}`))
	req.Header.Set("X-Forwarded-For", "192.0.2.10, 10.0.0.1")
	h.ServeSubmission(httptest.NewRecorder(), req)

	got := sub.received()
	if len(got) != 2 {
		t.Fatalf("pipeline calls = %d, want 2", len(got))
	}
	if got[0].ClientIP != "203.0.113.7" {
		t.Errorf("client ip = %q, want remote addr host", got[0].ClientIP)
	}
	if got[1].ClientIP != "192.0.2.10" {
		t.Errorf("client ip = %q, want first forwarded hop", got[1].ClientIP)
	}
}

// TestServeSubmission_MalformedJSON verifies bad payloads are rejected with 400
// and never reach the pipeline.
func TestServeSubmission_MalformedJSON(t *testing.T) {
	sub := &mockSubmitter{}
	h := NewHandler(sub, nil)

	for _, body := range []string{"not json", `{"fields": {"a": {"nested": 1}}}`} {
		rr := post(h.ServeSubmission, body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want %d", body, rr.Code, http.StatusBadRequest)
		}
	}
	if n := len(sub.received()); n != 0 {
		t.Errorf("pipeline calls = %d, want 0", n)
	}
}

// TestServeSubmission_PipelineErrorStillAccepted verifies internal failures do
// not surface to the CMS.
func TestServeSubmission_PipelineErrorStillAccepted(t *testing.T) {
	sub := &mockSubmitter{err: errors.New("database is locked")}
	h := NewHandler(sub, nil)

	rr := post(h.ServeSubmission, `{"id": "sub-9", "fields": {"email": "a@b.c"}}`)

	if rr.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	if !strings.Contains(rr.Body.String(), "sub-9") {
		t.Errorf("body = %s, want submission id", rr.Body.String())
	}
}

// TestServeSubmission_MethodNotAllowed verifies only POST is accepted.
func TestServeSubmission_MethodNotAllowed(t *testing.T) {
	h := NewHandler(&mockSubmitter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/submissions", nil)
	rr := httptest.NewRecorder()
	h.ServeSubmission(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("Allow = %q, want POST", allow)
	}
}

// TestServeHealth verifies dependency checks drive the health status.
func TestServeHealth(t *testing.T) {
	ok := Check{Name: "store", Ping: func(context.Context) error { return nil }}
	down := Check{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }}

	tests := []struct {
		name   string
		checks []Check
		want   int
	}{
		{"no checks", nil, http.StatusOK},
		{"all healthy", []Check{ok}, http.StatusOK},
		{"one down", []Check{ok, down}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(nil, nil, tt.checks...)
			rr := httptest.NewRecorder()
			h.ServeHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
		})
	}
}

// TestRoutes verifies the mux wires both endpoints.
func TestRoutes(t *testing.T) {
	srv := httptest.NewServer(NewHandler(&mockSubmitter{}, nil).Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/submissions", "application/json", strings.NewReader(`{"fields": {}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("submissions status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

// TestServe verifies the server binds, signals readiness and stops with ctx.
func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready, err := Serve(ctx, 0, http.NotFoundHandler())
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	<-ready
	cancel()
}
