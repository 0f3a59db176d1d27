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

// Package kayako implements helpdesk.Provider against the Kayako REST API.
// Cases are created for a requester resolved by email; requesters are
// created first and searched only when Kayako reports the email is taken.
package kayako

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bcem/support-intake/internal/helpdesk"
	"github.com/bcem/support-intake/internal/models"
	"github.com/bcem/support-intake/internal/tokencache"
)

// Authentication modes.
const (
	AuthOAuth = "oauth"
	AuthBasic = "basic"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultChannel        = "MAIL"
	defaultChannelID      = 1
	defaultCustomerRoleID = 4
	defaultSubject        = "Support Request"

	// maxResponseBytes caps how much of a response body is kept.
	maxResponseBytes = 1 << 20
)

// DefaultPriorities maps submitted priority names to Kayako priority ids.
func DefaultPriorities() map[string]int {
	return map[string]int{
		"low":    1,
		"normal": 2,
		"high":   3,
		"urgent": 4,
	}
}

// Config holds connection settings for one Kayako instance.
type Config struct {
	URL            string
	Auth           string // "oauth" (default) or "basic"
	ClientID       string
	ClientSecret   string
	Email          string
	Password       string
	Scopes         []string
	Channel        string
	ChannelID      int
	CustomerRoleID int
	Timeout        time.Duration
	Priorities     map[string]int
}

// Provider is the Kayako helpdesk client.
type Provider struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	tokens     tokencache.Cache
	refresh    singleflight.Group
	logger     *slog.Logger
}

var _ helpdesk.Provider = (*Provider)(nil)

// New creates a Kayako provider. tokens is shared by every provider in the
// process; a nil cache gets a private in-memory one.
func New(cfg Config, tokens tokencache.Cache, logger *slog.Logger) *Provider {
	if cfg.Auth == "" {
		cfg.Auth = AuthOAuth
	}
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	if cfg.ChannelID == 0 {
		cfg.ChannelID = defaultChannelID
	}
	if cfg.CustomerRoleID == 0 {
		cfg.CustomerRoleID = defaultCustomerRoleID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"users", "conversations"}
	}
	if cfg.Priorities == nil {
		cfg.Priorities = DefaultPriorities()
	}
	if tokens == nil {
		tokens = tokencache.NewMemory(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		cfg:        cfg,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		logger:     logger,
	}
}

func (p *Provider) Name() string { return "Kayako" }

// IsConfigured reports whether the base URL and the credentials for the
// selected auth mode are all present.
func (p *Provider) IsConfigured() bool {
	if p.baseURL == "" {
		return false
	}
	if p.cfg.Auth == AuthBasic {
		return p.cfg.Email != "" && p.cfg.Password != ""
	}
	return p.cfg.ClientID != "" && p.cfg.ClientSecret != ""
}

// CreateCase resolves the requester and creates the case.
func (p *Provider) CreateCase(ctx context.Context, req models.CaseRequest) (*models.CaseResult, error) {
	if !p.IsConfigured() {
		return nil, helpdesk.ErrNotConfigured
	}

	requesterID, err := p.resolveRequester(ctx, req.Email, req.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve requester: %w", err)
	}

	fields := p.caseFields(req, requesterID)

	var resp *response
	if files := openAttachments(req.Attachments, p.logger); len(files) > 0 {
		resp, err = p.postMultipart(ctx, "/api/v1/cases.json", fields, files)
	} else {
		resp, err = p.postJSON(ctx, "/api/v1/cases.json", fields.json())
	}
	if err != nil {
		return nil, err
	}

	if !resp.ok() {
		p.logger.Error("kayako API error",
			"op", "create case",
			"status", resp.status,
			"body", string(resp.body),
		)
		return nil, &helpdesk.APIError{Op: "create case", Status: resp.status, Body: string(resp.body)}
	}

	id, err := decodeID(resp.body)
	if err != nil {
		return nil, fmt.Errorf("parse case response: %w", err)
	}

	p.logger.Info("kayako case created",
		"case_id", id,
		"requester_id", requesterID,
		"email", req.Email,
	)

	return &models.CaseResult{ID: id, Raw: json.RawMessage(resp.body)}, nil
}

// TestConnection performs an authenticated GET against /api/v1/me.json.
func (p *Provider) TestConnection(ctx context.Context) bool {
	if !p.IsConfigured() {
		return false
	}

	resp, err := p.do(ctx, http.MethodGet, "/api/v1/me.json", nil, "")
	if err != nil {
		p.logger.Warn("kayako connection test failed", "error", err)
		return false
	}
	if !resp.ok() {
		p.logger.Warn("kayako connection test failed", "status", resp.status)
		return false
	}
	return true
}

// caseFields assembles the case body.
func (p *Provider) caseFields(req models.CaseRequest, requesterID string) caseFields {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = defaultSubject
	}

	f := caseFields{
		Subject:     subject,
		Contents:    formatContents(req),
		RequesterID: requesterID,
		Channel:     p.cfg.Channel,
		ChannelID:   p.cfg.ChannelID,
	}

	if req.Priority != "" {
		if id, ok := p.cfg.Priorities[strings.ToLower(strings.TrimSpace(req.Priority))]; ok {
			f.PriorityID = id
		} else {
			p.logger.Warn("unknown case priority, omitting", "priority", req.Priority)
		}
	}

	return f
}

// response is a fully read HTTP response.
type response struct {
	status int
	body   []byte
}

func (r *response) ok() bool { return r.status >= 200 && r.status < 300 }

func (p *Provider) postJSON(ctx context.Context, path string, payload any) (*response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", path, err)
	}
	return p.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json")
}

// do sends one authenticated, time-bounded request and reads the response.
func (p *Provider) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if err := p.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &helpdesk.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &helpdesk.TransportError{Op: "read " + path, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		p.invalidateToken(ctx)
	}

	return &response{status: resp.StatusCode, body: data}, nil
}
