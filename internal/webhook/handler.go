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

// Package webhook exposes the HTTP intake endpoint that receives form
// submissions from the CMS and hands them to the submission pipeline.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/support-intake/internal/models"
	"github.com/bcem/support-intake/internal/pipeline"
)

// maxBodyBytes bounds the size of a submission payload.
const maxBodyBytes = 1 << 20

// Submitter processes a decoded submission.
type Submitter interface {
	Handle(ctx context.Context, sub models.Submission) (pipeline.Result, error)
}

// Check is a named dependency checked by the health endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// submissionPayload is the JSON body posted by the CMS. Field values may be
// strings, numbers, booleans or lists (checkbox groups).
type submissionPayload struct {
	ID          string                     `json:"id"`
	FormHandle  string                     `json:"form_handle"`
	Fields      map[string]json.RawMessage `json:"fields"`
	Attachments []string                   `json:"attachments"`
	ClientIP    string                     `json:"client_ip"`
	UserAgent   string                     `json:"user_agent"`
}

// Handler serves the intake and health endpoints.
type Handler struct {
	submitter Submitter
	checks    []Check
	logger    *slog.Logger
}

// NewHandler creates an intake handler.
func NewHandler(submitter Submitter, logger *slog.Logger, checks ...Check) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{submitter: submitter, checks: checks, logger: logger}
}

// Routes returns a mux with the intake and health endpoints registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions", h.ServeSubmission)
	mux.HandleFunc("/health", h.ServeHealth)
	return mux
}

// ServeSubmission accepts a submission. The CMS never blocks on helpdesk
// delivery, so every well-formed payload is answered with 202 regardless of
// what the pipeline decided.
func (h *Handler) ServeSubmission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read submission body", "error", err)
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	sub, err := decodeSubmission(body)
	if err != nil {
		h.logger.Warn("malformed submission payload", "error", err)
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	if sub.ClientIP == "" {
		sub.ClientIP = clientIP(r)
	}
	if sub.UserAgent == "" {
		sub.UserAgent = r.UserAgent()
	}

	result := pipeline.Result{SubmissionID: sub.ID}
	if h.submitter != nil {
		res, err := h.submitter.Handle(r.Context(), sub)
		if err != nil {
			h.logger.Error("submission processing failed",
				"submission_id", res.SubmissionID,
				"form", sub.FormHandle,
				"error", err,
			)
		}
		if res.SubmissionID == "" {
			res.SubmissionID = sub.ID
		}
		result = res
	}

	writeJSON(w, http.StatusAccepted, result)
}

// ServeHealth pings every registered dependency.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	report := map[string]string{}
	for _, c := range h.checks {
		if c.Ping == nil {
			continue
		}
		if err := c.Ping(ctx); err != nil {
			report[c.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[c.Name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": report})
}

// decodeSubmission parses the CMS payload and flattens field values to strings.
func decodeSubmission(body []byte) (models.Submission, error) {
	var p submissionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.Submission{}, fmt.Errorf("decode submission: %w", err)
	}

	fields := make(map[string]string, len(p.Fields))
	for name, raw := range p.Fields {
		v, err := fieldString(raw)
		if err != nil {
			return models.Submission{}, fmt.Errorf("decode field %q: %w", name, err)
		}
		fields[name] = v
	}

	return models.Submission{
		ID:          p.ID,
		FormHandle:  p.FormHandle,
		Fields:      fields,
		Attachments: p.Attachments,
		ClientIP:    p.ClientIP,
		UserAgent:   p.UserAgent,
	}, nil
}

// fieldString renders a single JSON field value as text. Lists are joined
// with ", " and null becomes the empty string.
func fieldString(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			b, err := json.Marshal(item)
			if err != nil {
				return "", err
			}
			s, err := fieldString(b)
			if err != nil {
				return "", err
			}
			if s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", "), nil
	default:
		return "", errors.New("unsupported field value")
	}
}

// clientIP takes the first X-Forwarded-For hop, falling back to the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// Serve starts the HTTP server on the given port. The returned channel is
// closed once the listener is bound; the server shuts down when ctx is done.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ready := make(chan struct{})
	go func() {
		close(ready)
		slog.Info("intake server listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("intake server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("intake server shutdown", "error", err)
		}
	}()

	return ready, nil
}
