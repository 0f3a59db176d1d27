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

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bcem/support-intake/internal/assets"
	"github.com/bcem/support-intake/internal/delivery"
	"github.com/bcem/support-intake/internal/helpdesk"
	"github.com/bcem/support-intake/internal/kayako"
	"github.com/bcem/support-intake/internal/models"
	"github.com/bcem/support-intake/internal/spam"
	"github.com/bcem/support-intake/internal/store"
)

// mockStore records saved submissions in memory.
type mockStore struct {
	mu      sync.Mutex
	records map[string]store.Record
	queued  []string
	saveErr error
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]store.Record)}
}

func (m *mockStore) Save(_ context.Context, r store.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return false, m.saveErr
	}
	if _, ok := m.records[r.ID]; ok {
		return false, nil
	}
	m.records[r.ID] = r
	return true, nil
}

func (m *mockStore) MarkQueued(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, id)
	r := m.records[id]
	r.Status = store.StatusQueued
	m.records[id] = r
	return nil
}

func (m *mockStore) get(id string) (store.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

// mockQueue captures enqueued tasks.
type mockQueue struct {
	mu    sync.Mutex
	tasks []delivery.Task
	err   error
}

func (m *mockQueue) Enqueue(_ context.Context, task delivery.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *mockQueue) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// mockDedup claims each id once.
type mockDedup struct {
	mu       sync.Mutex
	claimed  map[string]bool
	released []string
}

func (m *mockDedup) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed == nil {
		m.claimed = map[string]bool{}
	}
	if m.claimed[id] {
		return false, nil
	}
	m.claimed[id] = true
	return true, nil
}

func (m *mockDedup) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, id)
	m.released = append(m.released, id)
	return nil
}

// configuredProvider looks configured but must never be called from the
// pipeline; delivery happens on the queue.
type configuredProvider struct{ calls atomic.Int32 }

func (p *configuredProvider) Name() string                        { return "Kayako" }
func (p *configuredProvider) IsConfigured() bool                  { return true }
func (p *configuredProvider) TestConnection(context.Context) bool { return true }

func (p *configuredProvider) CreateCase(context.Context, models.CaseRequest) (*models.CaseResult, error) {
	p.calls.Add(1)
	return &models.CaseResult{ID: "1"}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newClassifier(t *testing.T) *spam.Classifier {
	t.Helper()
	c, err := spam.NewClassifier(spam.Config{CheckName: true, CheckGibberish: true}, quietLogger())
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	return c
}

func defaultConfig() Config {
	return Config{
		FormHandle: "support_contact",
		FieldMapping: map[string]string{
			"email":   "email",
			"message": "message",
			"subject": "subject",
			"name":    "name",
		},
	}
}

func submission(id string, fields map[string]string) models.Submission {
	return models.Submission{
		ID:         id,
		FormHandle: "support_contact",
		Fields:     fields,
		ClientIP:   "198.51.100.4",
	}
}

// TestHandle_UnconfiguredHelpdesk verifies a submission is recorded locally
// and nothing is sent when the helpdesk has no credentials.
func TestHandle_UnconfiguredHelpdesk(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	logger := quietLogger()
	provider := helpdesk.Select(helpdesk.KeyKayako, map[string]helpdesk.Provider{
		helpdesk.KeyKayako: kayako.New(kayako.Config{URL: server.URL}, nil, logger),
	}, logger)

	st := newMockStore()
	q := &mockQueue{}
	p := New(defaultConfig(), Deps{
		Classifier: newClassifier(t),
		Provider:   provider,
		Store:      st,
		Queue:      q,
		Logger:     logger,
	})

	res, err := p.Handle(context.Background(), submission("sub-1", map[string]string{
		"email":   "a@b.com",
		"message": "Hello, I need help with my order.",
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if res.Status != StatusRecorded || res.Verdict.IsSpam {
		t.Errorf("result = %+v, want recorded and accepted", res)
	}
	rec, ok := st.get("sub-1")
	if !ok || rec.Status != store.StatusLocalOnly || rec.IsSpam {
		t.Errorf("record = %+v", rec)
	}
	if q.count() != 0 {
		t.Errorf("queued %d tasks, want 0", q.count())
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("helpdesk received %d requests, want 0", n)
	}
}

// TestHandle_SpamNotDelivered verifies spam is recorded with its reason and
// never queued.
func TestHandle_SpamNotDelivered(t *testing.T) {
	st := newMockStore()
	q := &mockQueue{}
	provider := &configuredProvider{}
	p := New(defaultConfig(), Deps{
		Classifier: newClassifier(t),
		Provider:   provider,
		Store:      st,
		Queue:      q,
		Logger:     quietLogger(),
	})

	res, err := p.Handle(context.Background(), submission("spam-1", map[string]string{
		"email":   "a@b.com",
		"message": "BUY NOW!!! CLICK HERE www.x.com www.y.com www.z.com",
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if res.Status != StatusSpam || res.Verdict.Reason != spam.ReasonPatternMatch {
		t.Errorf("result = %+v, want spam/pattern_match", res)
	}
	rec, _ := st.get("spam-1")
	if !rec.IsSpam || rec.SpamReason != "pattern_match" || rec.Status != store.StatusSpam {
		t.Errorf("record = %+v", rec)
	}
	if q.count() != 0 || provider.calls.Load() != 0 {
		t.Error("spam must not be queued or delivered")
	}
}

// TestHandle_QueuesAcceptedSubmission verifies the task carries the mapped
// case request and resolved attachments.
func TestHandle_QueuesAcceptedSubmission(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "invoice.pdf"), []byte("%PDF"), 0o600); err != nil {
		t.Fatalf("write asset: %v", err)
	}

	cfg := defaultConfig()
	cfg.FieldMapping["email"] = "your_email"
	cfg.FieldMapping["priority"] = "urgency"

	st := newMockStore()
	q := &mockQueue{}
	provider := &configuredProvider{}
	p := New(cfg, Deps{
		Classifier:  newClassifier(t),
		Provider:    provider,
		ProviderKey: helpdesk.KeyKayako,
		Store:       st,
		Queue:       q,
		Dedup:       &mockDedup{},
		Assets:      assets.NewResolver(root, quietLogger()),
		Logger:      quietLogger(),
	})

	sub := submission("sub-2", map[string]string{
		"your_email": "ada@example.com",
		"message":    "My invoice total looks wrong, can you check it?",
		"subject":    "Invoice question",
		"name":       "Ada Lovelace",
		"urgency":    "high",
		"unmapped":   "ignored",
	})
	sub.Attachments = []string{"invoice.pdf", "missing.pdf"}

	res, err := p.Handle(context.Background(), sub)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != StatusQueued || res.TaskID == "" {
		t.Fatalf("result = %+v, want queued", res)
	}
	if provider.calls.Load() != 0 {
		t.Error("pipeline must not call the helpdesk directly")
	}

	if q.count() != 1 {
		t.Fatalf("queued %d tasks, want 1", q.count())
	}
	task := q.tasks[0]
	req := task.Request
	if task.Provider != "kayako" || task.SubmissionID != "sub-2" {
		t.Errorf("task = %+v", task)
	}
	if req.Email != "ada@example.com" || req.Subject != "Invoice question" || req.Name != "Ada Lovelace" || req.Priority != "high" {
		t.Errorf("request = %+v", req)
	}
	if len(req.Attachments) != 1 || req.Attachments[0].Filename != "invoice.pdf" {
		t.Errorf("attachments = %+v", req.Attachments)
	}

	rec, _ := st.get("sub-2")
	if rec.Status != store.StatusQueued {
		t.Errorf("record status = %q, want queued", rec.Status)
	}
}

// TestHandle_IgnoresOtherForms verifies only the configured handle is processed.
func TestHandle_IgnoresOtherForms(t *testing.T) {
	st := newMockStore()
	p := New(defaultConfig(), Deps{
		Classifier: newClassifier(t),
		Store:      st,
		Queue:      &mockQueue{},
		Logger:     quietLogger(),
	})

	sub := submission("n-1", map[string]string{"email": "a@b.com", "message": "Hello, I need help with my order."})
	sub.FormHandle = "newsletter"

	res, err := p.Handle(context.Background(), sub)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != StatusIgnored {
		t.Errorf("status = %q, want ignored", res.Status)
	}
	if _, ok := st.get("n-1"); ok {
		t.Error("ignored submissions must not be recorded")
	}
}

// TestHandle_MissingRequiredFields verifies the configurable required set.
func TestHandle_MissingRequiredFields(t *testing.T) {
	cfg := defaultConfig()
	cfg.RequiredFields = []string{"email", "message", "name"}

	st := newMockStore()
	q := &mockQueue{}
	p := New(cfg, Deps{
		Classifier: newClassifier(t),
		Provider:   &configuredProvider{},
		Store:      st,
		Queue:      q,
		Logger:     quietLogger(),
	})

	res, err := p.Handle(context.Background(), submission("inv-1", map[string]string{
		"email":   "a@b.com",
		"message": "Hello, I need help with my order.",
		"name":    "   ",
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != StatusInvalid || len(res.Missing) != 1 || res.Missing[0] != "name" {
		t.Errorf("result = %+v, want invalid missing [name]", res)
	}
	rec, _ := st.get("inv-1")
	if rec.Status != store.StatusInvalid {
		t.Errorf("record status = %q", rec.Status)
	}
	if q.count() != 0 {
		t.Error("invalid submissions must not be queued")
	}
}

// TestHandle_DuplicateSubmission verifies a re-sent submission is queued once.
func TestHandle_DuplicateSubmission(t *testing.T) {
	q := &mockQueue{}
	p := New(defaultConfig(), Deps{
		Classifier: newClassifier(t),
		Provider:   &configuredProvider{},
		Store:      newMockStore(),
		Queue:      q,
		Dedup:      &mockDedup{},
		Logger:     quietLogger(),
	})

	sub := submission("dup-1", map[string]string{"email": "a@b.com", "message": "Hello, I need help with my order."})
	first, _ := p.Handle(context.Background(), sub)
	second, _ := p.Handle(context.Background(), sub)

	if first.Status != StatusQueued || second.Status != StatusDuplicate {
		t.Errorf("statuses = %q, %q", first.Status, second.Status)
	}
	if q.count() != 1 {
		t.Errorf("queued %d tasks, want 1", q.count())
	}
}

// TestHandle_ResendWithoutDedupQueuedOnce verifies the local record alone
// keeps a re-sent submission from producing a second delivery task, and
// that a resend after delivery leaves the delivered record intact.
func TestHandle_ResendWithoutDedupQueuedOnce(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()

	q := &mockQueue{}
	p := New(defaultConfig(), Deps{
		Classifier: newClassifier(t),
		Provider:   &configuredProvider{},
		Store:      st,
		Queue:      q,
		Logger:     quietLogger(),
	})

	sub := submission("sub-1", map[string]string{"email": "a@b.com", "message": "Hello, I need help with my order."})
	first, err := p.Handle(ctx, sub)
	if err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	second, err := p.Handle(ctx, sub)
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if first.Status != StatusQueued || second.Status != StatusDuplicate {
		t.Errorf("statuses = %q, %q; want queued, duplicate", first.Status, second.Status)
	}

	if err := st.Delivered(ctx, "sub-1", "case-9", 1); err != nil {
		t.Fatalf("Delivered: %v", err)
	}
	third, err := p.Handle(ctx, sub)
	if err != nil {
		t.Fatalf("third Handle: %v", err)
	}
	if third.Status != StatusDuplicate {
		t.Errorf("resend after delivery status = %q, want duplicate", third.Status)
	}

	if q.count() != 1 {
		t.Errorf("queued %d tasks, want 1", q.count())
	}
	rec, err := st.Get(ctx, "sub-1")
	if err != nil || rec == nil {
		t.Fatalf("Get: %v %v", rec, err)
	}
	if rec.Status != store.StatusDelivered || rec.CaseID != "case-9" {
		t.Errorf("record = %q %q, want delivered case-9", rec.Status, rec.CaseID)
	}
}

// TestHandle_EnqueueFailure verifies queue errors are swallowed and the
// dedup claim is released.
func TestHandle_EnqueueFailure(t *testing.T) {
	dd := &mockDedup{}
	st := newMockStore()
	p := New(defaultConfig(), Deps{
		Classifier: newClassifier(t),
		Provider:   &configuredProvider{},
		Store:      st,
		Queue:      &mockQueue{err: errors.New("redis down")},
		Dedup:      dd,
		Logger:     quietLogger(),
	})

	res, err := p.Handle(context.Background(), submission("q-1", map[string]string{"email": "a@b.com", "message": "Hello, I need help with my order."}))
	if err != nil {
		t.Fatalf("Handle returned %v; queue errors must not surface", err)
	}
	if res.Status != StatusRecorded {
		t.Errorf("status = %q, want recorded", res.Status)
	}
	if len(dd.released) != 1 || dd.released[0] != "q-1" {
		t.Errorf("released = %v", dd.released)
	}
	if rec, _ := st.get("q-1"); rec.Status != store.StatusLocalOnly {
		t.Errorf("record status = %q, want local_only", rec.Status)
	}
}

// TestHandle_StoreFailure verifies a failed local save is reported.
func TestHandle_StoreFailure(t *testing.T) {
	st := newMockStore()
	st.saveErr = errors.New("disk full")
	q := &mockQueue{}
	p := New(defaultConfig(), Deps{
		Classifier: newClassifier(t),
		Provider:   &configuredProvider{},
		Store:      st,
		Queue:      q,
		Logger:     quietLogger(),
	})

	_, err := p.Handle(context.Background(), submission("s-1", map[string]string{"email": "a@b.com", "message": "Hello, I need help with my order."}))
	if err == nil {
		t.Error("expected error when the submission cannot be recorded")
	}
	if q.count() != 0 {
		t.Error("unrecorded submissions must not be queued")
	}
}

// TestHandle_AssignsID verifies submissions without an id get one.
func TestHandle_AssignsID(t *testing.T) {
	st := newMockStore()
	p := New(defaultConfig(), Deps{
		Classifier: newClassifier(t),
		Store:      st,
		Queue:      &mockQueue{},
		Logger:     quietLogger(),
	})

	res, err := p.Handle(context.Background(), submission("", map[string]string{"email": "a@b.com", "message": "Hello, I need help with my order."}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.SubmissionID == "" {
		t.Fatal("expected generated submission id")
	}
	if _, ok := st.get(res.SubmissionID); !ok {
		t.Error("record not stored under generated id")
	}
}

// TestMapFields verifies projection onto canonical names.
func TestMapFields(t *testing.T) {
	raw := map[string]string{"contact_email": " a@b.com ", "body": "hi", "extra": "x"}
	got := MapFields(raw, map[string]string{"email": "contact_email", "message": "body", "name": "full_name"})

	if got.Get("email") != "a@b.com" || got.Get("message") != "hi" {
		t.Errorf("fields = %v", got)
	}
	for _, absent := range []string{"name", "extra"} {
		if _, ok := got[absent]; ok {
			t.Errorf("unexpected field %q in %v", absent, got)
		}
	}
}
