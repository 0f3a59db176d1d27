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

package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/bcem/support-intake/internal/delivery"
)

// SMTPConfig addresses the operator mailbox.
type SMTPConfig struct {
	Addr     string
	Username string
	Password string
	From     string
	To       []string
}

type sendFunc func(addr string, auth sasl.Client, from string, to []string, r io.Reader) error

// Email mails a plain-text failure report to the operators.
type Email struct {
	cfg  SMTPConfig
	send sendFunc
}

var _ delivery.TerminalHandler = (*Email)(nil)

// NewEmail creates a handler that sends through cfg.Addr. PLAIN auth is
// used when a username is set.
func NewEmail(cfg SMTPConfig) *Email {
	return &Email{cfg: cfg, send: smtp.SendMail}
}

func (e *Email) HandleFailure(ctx context.Context, f delivery.Failure) error {
	if len(e.cfg.To) == 0 {
		return nil
	}

	msg, err := composeFailureMail(e.cfg.From, e.cfg.To, NewEvent(f), f.Task.Request.Message)
	if err != nil {
		return err
	}

	var auth sasl.Client
	if e.cfg.Username != "" {
		auth = sasl.NewPlainClient("", e.cfg.Username, e.cfg.Password)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.send(e.cfg.Addr, auth, e.cfg.From, e.cfg.To, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("send alert mail: %w", err)
	}

	slog.Info("delivery failure alert mailed",
		"submission_id", f.Task.SubmissionID,
		"recipients", len(e.cfg.To),
	)
	return nil
}

func composeFailureMail(from string, to []string, ev Event, message string) ([]byte, error) {
	var h mail.Header
	h.SetDate(ev.FailedAt)
	h.SetAddressList("From", []*mail.Address{{Name: "Support Intake", Address: from}})

	rcpts := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		rcpts = append(rcpts, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", rcpts)

	subject := ev.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	h.SetSubject("Undelivered support request: " + subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "A support request could not be delivered to the helpdesk after %d attempts.\n\n", ev.Attempts)
	fmt.Fprintf(&body, "Submission: %s\n", ev.SubmissionID)
	fmt.Fprintf(&body, "Provider:   %s\n", ev.Provider)
	fmt.Fprintf(&body, "Email:      %s\n", ev.Email)
	if ev.Name != "" {
		fmt.Fprintf(&body, "Name:       %s\n", ev.Name)
	}
	fmt.Fprintf(&body, "Subject:    %s\n", subject)
	fmt.Fprintf(&body, "Failed at:  %s\n", ev.FailedAt.Format(time.RFC3339))
	fmt.Fprintf(&body, "Last error: %s\n", ev.Error)
	if message != "" {
		fmt.Fprintf(&body, "\nMessage:\n%s\n", message)
	}

	if _, err := io.WriteString(w, body.String()); err != nil {
		return nil, fmt.Errorf("write mail body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}
