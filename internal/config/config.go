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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/app/config/config.yaml"

// KayakoConfig holds credentials and case defaults for the Kayako provider.
type KayakoConfig struct {
	URL            string
	Auth           string // "oauth" or "basic"
	ClientID       string
	ClientSecret   string
	Email          string
	Password       string
	Scopes         []string
	Channel        string
	ChannelID      int
	Timeout        time.Duration
	CustomerRoleID int
	Priorities     map[string]int
}

// SpamConfig tunes the spam classifier.
type SpamConfig struct {
	LogSpam          bool
	LogChannel       string
	MinMessageLength int
	MaxMessageLength int
	Patterns         []string
	ForbiddenWords   []string
	CheckName        bool
	CheckGibberish   bool
}

// DeliveryConfig is the retry policy for delivery tasks.
type DeliveryConfig struct {
	MaxAttempts    int
	Backoff        []time.Duration
	AttemptTimeout time.Duration
}

// QueueConfig selects the delivery task transport.
type QueueConfig struct {
	Driver      string // "redis" or "inline"
	Name        string
	Concurrency int
	// WorkerID names this process's processing list. Defaults to the hostname.
	WorkerID string
}

// KafkaAlertConfig enables the Kafka failure alert when Brokers is set.
type KafkaAlertConfig struct {
	Brokers []string
	Topic   string
}

// SMTPAlertConfig enables the e-mail failure alert when Addr and To are set.
type SMTPAlertConfig struct {
	Addr     string
	Username string
	Password string
	From     string
	To       []string
}

// Config holds all configuration for the intake service.
type Config struct {
	Provider string
	Kayako   KayakoConfig

	FormHandle     string
	FieldMapping   map[string]string
	RequiredFields []string

	Spam     SpamConfig
	Delivery DeliveryConfig
	Queue    QueueConfig

	RedisURL    string
	DatabaseURL string
	AssetsRoot  string

	KafkaAlert KafkaAlertConfig
	SMTPAlert  SMTPAlertConfig

	Port     int
	LogLevel string
}

// stringList accepts either a YAML sequence or a whitespace/comma separated
// scalar, so `scopes: users conversations` and `scopes: [users]` both work.
type stringList []string

func (l *stringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = splitList(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list", value.Line)
}

// phraseList is a stringList whose scalar form splits only on commas and
// newlines, so entries may contain spaces: `forbidden_words: "cheap loans, casino"`.
type phraseList []string

func (l *phraseList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = splitPhrases(value.Value)
		return nil
	}
	var items stringList
	if err := items.UnmarshalYAML(value); err != nil {
		return err
	}
	*l = phraseList(items)
	return nil
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Provider  string `yaml:"provider"`
	Providers struct {
		Kayako struct {
			URL            string         `yaml:"url"`
			Auth           string         `yaml:"auth"`
			ClientID       string         `yaml:"client_id"`
			ClientSecret   string         `yaml:"client_secret"`
			Email          string         `yaml:"email"`
			Password       string         `yaml:"password"`
			Scopes         stringList     `yaml:"scopes"`
			Channel        string         `yaml:"channel"`
			ChannelID      int            `yaml:"channel_id"`
			Timeout        string         `yaml:"timeout"`
			CustomerRoleID int            `yaml:"customer_role_id"`
			Priorities     map[string]int `yaml:"priorities"`
		} `yaml:"kayako"`
	} `yaml:"providers"`
	FormHandle     string            `yaml:"form_handle"`
	FieldMapping   map[string]string `yaml:"field_mapping"`
	RequiredFields stringList        `yaml:"required_fields"`
	Spam           struct {
		LogSpam          *bool      `yaml:"log_spam"`
		LogChannel       string     `yaml:"log_channel"`
		MinMessageLength int        `yaml:"min_message_length"`
		MaxMessageLength int        `yaml:"max_message_length"`
		Patterns         []string   `yaml:"patterns"`
		ForbiddenWords   phraseList `yaml:"forbidden_words"`
		CheckName        *bool      `yaml:"check_name"`
		CheckGibberish   *bool      `yaml:"check_gibberish"`
	} `yaml:"spam"`
	Delivery struct {
		MaxAttempts    int        `yaml:"max_attempts"`
		Backoff        stringList `yaml:"backoff"`
		AttemptTimeout string     `yaml:"attempt_timeout"`
	} `yaml:"delivery"`
	Queue struct {
		Driver      string `yaml:"driver"`
		Name        string `yaml:"name"`
		Concurrency int    `yaml:"concurrency"`
		WorkerID    string `yaml:"worker_id"`
	} `yaml:"queue"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Assets struct {
		Root string `yaml:"root"`
	} `yaml:"assets"`
	Alerts struct {
		Kafka struct {
			Brokers stringList `yaml:"brokers"`
			Topic   string     `yaml:"topic"`
		} `yaml:"kafka"`
		SMTP struct {
			Addr     string     `yaml:"addr"`
			Username string     `yaml:"username"`
			Password string     `yaml:"password"`
			From     string     `yaml:"from"`
			To       stringList `yaml:"to"`
		} `yaml:"smtp"`
	} `yaml:"alerts"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from CONFIG_PATH (default
// /app/config/config.yaml) with ${VAR} expansion. A missing file at the
// default path is not an error; defaults and environment variables apply.
func Load() (*Config, error) {
	path, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit || path == "" {
		path = defaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Parse(nil)
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes, applying environment overrides
// and defaults.
func Parse(data []byte) (*Config, error) {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	k := raw.Providers.Kayako
	timeout, err := parseSeconds(k.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("providers.kayako.timeout: %w", err)
	}

	attemptTimeout, err := parseSeconds(raw.Delivery.AttemptTimeout, 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("delivery.attempt_timeout: %w", err)
	}

	var backoff []time.Duration
	for _, b := range raw.Delivery.Backoff {
		d, err := parseSeconds(b, 0)
		if err != nil {
			return nil, fmt.Errorf("delivery.backoff: %w", err)
		}
		backoff = append(backoff, d)
	}

	patterns := make([]string, 0, len(raw.Spam.Patterns))
	for _, p := range raw.Spam.Patterns {
		patterns = append(patterns, ConvertPattern(p))
	}

	cfg := &Config{
		Provider: strings.ToLower(firstNonEmpty(os.Getenv("SUPPORT_PROVIDER"), raw.Provider, "local")),
		Kayako: KayakoConfig{
			URL:            firstNonEmpty(os.Getenv("KAYAKO_URL"), k.URL),
			Auth:           strings.ToLower(firstNonEmpty(k.Auth, "oauth")),
			ClientID:       firstNonEmpty(os.Getenv("KAYAKO_CLIENT_ID"), k.ClientID),
			ClientSecret:   firstNonEmpty(os.Getenv("KAYAKO_CLIENT_SECRET"), k.ClientSecret),
			Email:          firstNonEmpty(os.Getenv("KAYAKO_EMAIL"), k.Email),
			Password:       firstNonEmpty(os.Getenv("KAYAKO_PASSWORD"), k.Password),
			Scopes:         k.Scopes,
			Channel:        firstNonEmpty(k.Channel, "MAIL"),
			ChannelID:      nonZero(k.ChannelID, 1),
			Timeout:        timeout,
			CustomerRoleID: nonZero(k.CustomerRoleID, 4),
			Priorities:     k.Priorities,
		},
		FormHandle:     firstNonEmpty(os.Getenv("SUPPORT_FORM_HANDLE"), raw.FormHandle, "support_contact"),
		FieldMapping:   raw.FieldMapping,
		RequiredFields: raw.RequiredFields,
		Spam: SpamConfig{
			LogSpam:          boolOr(raw.Spam.LogSpam, true),
			LogChannel:       raw.Spam.LogChannel,
			MinMessageLength: nonZero(raw.Spam.MinMessageLength, 10),
			MaxMessageLength: nonZero(raw.Spam.MaxMessageLength, 10000),
			Patterns:         patterns,
			ForbiddenWords:   raw.Spam.ForbiddenWords,
			CheckName:        boolOr(raw.Spam.CheckName, true),
			CheckGibberish:   boolOr(raw.Spam.CheckGibberish, true),
		},
		Delivery: DeliveryConfig{
			MaxAttempts:    nonZero(raw.Delivery.MaxAttempts, 5),
			Backoff:        backoff,
			AttemptTimeout: attemptTimeout,
		},
		Queue: QueueConfig{
			Driver:      strings.ToLower(firstNonEmpty(os.Getenv("QUEUE_DRIVER"), raw.Queue.Driver, "redis")),
			Name:        firstNonEmpty(raw.Queue.Name, "support:deliveries"),
			Concurrency: nonZero(raw.Queue.Concurrency, 4),
			WorkerID:    firstNonEmpty(os.Getenv("QUEUE_WORKER_ID"), raw.Queue.WorkerID),
		},
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		DatabaseURL: firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "sqlite:/app/data/support.db")),
		AssetsRoot:  firstNonEmpty(raw.Assets.Root, os.Getenv("ASSETS_ROOT")),
		KafkaAlert: KafkaAlertConfig{
			Brokers: raw.Alerts.Kafka.Brokers,
			Topic:   firstNonEmpty(raw.Alerts.Kafka.Topic, "support.delivery-failures"),
		},
		SMTPAlert: SMTPAlertConfig{
			Addr:     raw.Alerts.SMTP.Addr,
			Username: raw.Alerts.SMTP.Username,
			Password: raw.Alerts.SMTP.Password,
			From:     firstNonEmpty(raw.Alerts.SMTP.From, "support-intake@localhost"),
			To:       raw.Alerts.SMTP.To,
		},
		Port:     envOrDefaultInt("PORT", nonZero(raw.Port, 8080)),
		LogLevel: firstNonEmpty(os.Getenv("LOG_LEVEL"), raw.LogLevel, "info"),
	}

	if len(cfg.FieldMapping) == 0 {
		cfg.FieldMapping = map[string]string{"email": "email", "message": "message"}
	}
	if len(cfg.Kayako.Priorities) > 0 {
		priorities := make(map[string]int, len(cfg.Kayako.Priorities))
		for name, id := range cfg.Kayako.Priorities {
			priorities[strings.ToLower(strings.TrimSpace(name))] = id
		}
		cfg.Kayako.Priorities = priorities
	}
	if len(cfg.RequiredFields) == 0 {
		cfg.RequiredFields = []string{"email", "message"}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Queue.Driver {
	case "redis", "inline":
	default:
		return fmt.Errorf("queue.driver must be redis or inline, got %q", c.Queue.Driver)
	}
	switch c.Kayako.Auth {
	case "oauth", "basic":
	default:
		return fmt.Errorf("providers.kayako.auth must be oauth or basic, got %q", c.Kayako.Auth)
	}
	if c.Spam.MinMessageLength > c.Spam.MaxMessageLength {
		return fmt.Errorf("spam.min_message_length (%d) exceeds max_message_length (%d)",
			c.Spam.MinMessageLength, c.Spam.MaxMessageLength)
	}
	return nil
}

// ConvertPattern accepts either a Go regular expression or a delimited
// pattern such as `/casino/i` and returns a Go regular expression. The
// i, m, s and u flags are honoured; u has no Go equivalent and is dropped.
func ConvertPattern(p string) string {
	if len(p) < 2 || p[0] != '/' {
		return p
	}
	end := strings.LastIndexByte(p, '/')
	if end <= 0 {
		return p
	}

	body, flags := p[1:end], p[end+1:]
	var goFlags strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			goFlags.WriteRune(f)
		case 'u':
		default:
			return p
		}
	}
	if goFlags.Len() == 0 {
		return body
	}
	return "(?" + goFlags.String() + ")" + body
}

// parseSeconds parses a Go duration ("90s", "15m") or a bare number of
// seconds. An empty value yields fallback.
func parseSeconds(v string, fallback time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func splitPhrases(s string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func nonZero(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
