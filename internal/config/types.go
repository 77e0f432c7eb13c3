package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the root of the postbot config file (JSON or YAML).
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown fields are rejected so typos surface at load time instead of being
// silently ignored.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Platform  PlatformConfig  `json:"platform,omitempty"`
	Twitter   TwitterConfig   `json:"twitter"`
	Generator GeneratorConfig `json:"generator,omitempty"`
	Poster    PosterConfig    `json:"poster,omitempty"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
	Admin     AdminConfig     `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (default)
	Path   string `json:"path"`

	// BusyTimeout is a duration string; 0 means the driver default.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PlatformConfig describes the target social platform.
//
// CharLimit is a character (rune) count, not bytes. Content longer than the
// limit is truncated to limit-3 runes plus "..." rather than rejected.
type PlatformConfig struct {
	CharLimit int `json:"char_limit,omitempty"` // default 280
}

type TwitterConfig struct {
	Enabled     bool   `json:"enabled"`
	BaseURL     string `json:"base_url,omitempty"` // default https://api.twitter.com
	BearerToken string `json:"bearer_token,omitempty"`

	// RatePerMin caps outgoing publish calls client-side. 0 disables the cap.
	RatePerMin int `json:"rate_per_min,omitempty"`
}

type GeneratorConfig struct {
	BaseURL string `json:"base_url,omitempty"` // default https://api.x.ai/v1
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model,omitempty"` // default grok-2-1212

	MaxTokens int    `json:"max_tokens,omitempty"`
	Timeout   string `json:"timeout,omitempty"` // default 30s
}

// PosterConfig controls the scheduling engine.
//
// RetryMax is the number of automatic publish retries after a failure.
// The default is 0: failed posts stay failed until an operator reschedules
// them, so a flaky or rate-limited API is never hammered automatically.
type PosterConfig struct {
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`      // default 30s
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default 10m

	// SweepInterval is how often stored state is reconciled against the live
	// timer set. Default 1m.
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// AdminConfig controls the local ops HTTP server (health, stats, pprof).
// Binding beyond loopback requires a token or an explicit allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type AlertsConfig struct {
	Enabled       bool   `json:"enabled"`
	TelegramToken string `json:"telegram_token,omitempty"`
	ChatID        int64  `json:"chat_id,omitempty"`
	RatePerMin    int    `json:"rate_per_min,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder can't.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if c.Platform.CharLimit < 0 {
		return errors.New("platform.char_limit must be >= 0")
	}
	if c.Twitter.Enabled && strings.TrimSpace(c.Twitter.BearerToken) == "" {
		return errors.New("twitter.enabled requires twitter.bearer_token")
	}
	if c.Poster.RetryMax < 0 {
		return errors.New("poster.retry_max must be >= 0")
	}
	if c.Alerts != nil && c.Alerts.Enabled {
		if strings.TrimSpace(c.Alerts.TelegramToken) == "" || c.Alerts.ChatID == 0 {
			return errors.New("alerts.enabled requires alerts.telegram_token and alerts.chat_id")
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"generator.timeout", c.Generator.Timeout},
		{"poster.retry_base", c.Poster.RetryBase},
		{"poster.retry_max_delay", c.Poster.RetryMaxDelay},
		{"poster.sweep_interval", c.Poster.SweepInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// CharLimit returns the effective platform character limit.
func (c *Config) CharLimit() int {
	if c == nil || c.Platform.CharLimit <= 0 {
		return 280
	}
	return c.Platform.CharLimit
}

func (c *Config) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("config{storage=%s twitter=%v alerts=%v}", c.Storage.Path, c.Twitter.Enabled, c.Alerts != nil && c.Alerts.Enabled)
}
