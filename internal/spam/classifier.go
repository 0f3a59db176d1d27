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

// Package spam screens support form submissions with an ordered set of
// heuristics. The first rule that fires decides the verdict.
package spam

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/bcem/support-intake/internal/models"
)

// Reason explains why a submission was rejected.
type Reason string

const (
	ReasonNone            Reason = "none"
	ReasonForbiddenWord   Reason = "forbidden_word"
	ReasonPatternMatch    Reason = "pattern_match"
	ReasonSuspiciousName  Reason = "suspicious_name"
	ReasonGibberishName   Reason = "gibberish_name"
	ReasonMessageTooShort Reason = "message_too_short"
	ReasonMessageTooLong  Reason = "message_too_long"
)

// Verdict is the classifier output.
type Verdict struct {
	IsSpam bool   `json:"is_spam"`
	Reason Reason `json:"reason"`
}

// Meta carries request context used only for the rejection audit log.
type Meta struct {
	ClientIP  string
	UserAgent string
}

const (
	DefaultMinMessageLength = 10
	DefaultMaxMessageLength = 10000

	maxNameLength = 100
)

// Config tunes the classifier. Patterns and ForbiddenWords are appended to
// the built-in defaults, never substituted for them.
type Config struct {
	LogSpam          bool
	MinMessageLength int
	MaxMessageLength int
	Patterns         []string
	ForbiddenWords   []string

	// CheckName enables the suspicious-name rules; CheckGibberish enables
	// the gibberish-name rules. Both only apply when a name was submitted.
	CheckName      bool
	CheckGibberish bool
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	cfg    Config
	words  []string
	rules  []rule
	logger *slog.Logger
}

// NewClassifier compiles the rule set. An invalid deployment pattern is a
// configuration error and fails construction.
func NewClassifier(cfg Config, logger *slog.Logger) (*Classifier, error) {
	if cfg.MinMessageLength <= 0 {
		cfg.MinMessageLength = DefaultMinMessageLength
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Classifier{
		cfg:    cfg,
		logger: logger,
		rules:  defaultRules(),
	}

	for _, w := range append(DefaultForbiddenWords(), cfg.ForbiddenWords...) {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		c.words = append(c.words, foldText(w))
	}

	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile spam pattern %q: %w", p, err)
		}
		c.rules = append(c.rules, regexpRule(p, re))
	}

	return c, nil
}

// Classify evaluates the mapped fields in a fixed order and returns the
// first verdict reached.
func (c *Classifier) Classify(f models.Fields, meta Meta) Verdict {
	text := norm.NFKC.String(blob(f))

	folded := foldText(text)
	for _, w := range c.words {
		if strings.Contains(folded, w) {
			return c.reject(f, meta, ReasonForbiddenWord, "forbidden word: "+w)
		}
	}

	for _, r := range c.rules {
		if r.match(text) {
			return c.reject(f, meta, ReasonPatternMatch, "pattern: "+r.name)
		}
	}

	name := strings.TrimSpace(f.Get(models.FieldName))
	if c.cfg.CheckName && name != "" {
		if detail, bad := suspiciousName(name); bad {
			return c.reject(f, meta, ReasonSuspiciousName, detail)
		}
	}

	length := utf8.RuneCountInString(f.Get(models.FieldMessage))
	if length < c.cfg.MinMessageLength {
		return c.reject(f, meta, ReasonMessageTooShort, fmt.Sprintf("length %d", length))
	}
	if length > c.cfg.MaxMessageLength {
		return c.reject(f, meta, ReasonMessageTooLong, fmt.Sprintf("length %d", length))
	}

	if c.cfg.CheckGibberish && name != "" {
		if detail, bad := gibberishName(name); bad {
			return c.reject(f, meta, ReasonGibberishName, detail)
		}
	}

	return Verdict{IsSpam: false, Reason: ReasonNone}
}

func (c *Classifier) reject(f models.Fields, meta Meta, reason Reason, detail string) Verdict {
	if c.cfg.LogSpam {
		email := f.Get(models.FieldEmail)
		if email == "" {
			email = "unknown"
		}
		c.logger.Info("spam submission blocked",
			"reason", string(reason),
			"detail", detail,
			"email", email,
			"ip", meta.ClientIP,
			"user_agent", meta.UserAgent,
		)
	}
	return Verdict{IsSpam: true, Reason: reason}
}

// foldText canonicalises text for case-insensitive matching. A Caser holds
// state, so each call gets its own.
func foldText(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// blob joins the fields every text rule runs against.
func blob(f models.Fields) string {
	parts := []string{f.Get(models.FieldEmail), f.Get(models.FieldMessage)}
	for _, key := range []string{models.FieldName, models.FieldSubject} {
		if v := f.Get(key); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

var (
	digitsOnly     = regexp.MustCompile(`^[0-9]+$`)
	urlInText      = regexp.MustCompile(`(?i)(https?://|www\.)`)
	consonantRun   = regexp.MustCompile(`(?i)[bcdfghjklmnpqrstvwxz]{6,}`)
	shortAlnum     = regexp.MustCompile(`^[A-Za-z0-9]{4,12}$`)
	containsDigit  = regexp.MustCompile(`[0-9]`)
	containsLetter = regexp.MustCompile(`[A-Za-z]`)
)

func suspiciousName(name string) (string, bool) {
	switch {
	case digitsOnly.MatchString(name):
		return "name is numeric", true
	case urlInText.MatchString(name):
		return "name contains url", true
	case utf8.RuneCountInString(name) > maxNameLength:
		return "name too long", true
	}
	return "", false
}

func gibberishName(name string) (string, bool) {
	if consonantRun.MatchString(name) {
		return "consonant run", true
	}
	if shortAlnum.MatchString(name) && containsDigit.MatchString(name) && containsLetter.MatchString(name) {
		return "short alphanumeric with digits", true
	}
	return "", false
}
