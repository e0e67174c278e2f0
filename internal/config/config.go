package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration shared by the poller and dispatcher
// binaries. All durations are Go duration strings (e.g. "500ms", "15s", "5m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Database DatabaseConfig  `json:"database"`
	Feed     FeedConfig      `json:"feed"`
	Poller   PollerConfig    `json:"poller"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Mail     *MailConfig     `json:"mail,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Metrics  MetricsConfig   `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

type DatabaseConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type FeedConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"` // default "12s"
}

// PollerConfig controls target resolution and poll cadence.
//
// Mode is "auto" (targets derived from active subscriptions, refreshed on
// RefreshInterval) or "explicit" (fixed Terms x Campuses). In auto mode the
// Campuses list acts as an allow-list; empty means all campuses.
type PollerConfig struct {
	Mode                 string   `json:"mode,omitempty"` // "auto" | "explicit"
	Terms                []string `json:"terms,omitempty"`
	Campuses             []string `json:"campuses,omitempty"`
	Interval             string   `json:"interval,omitempty"`               // default "15s"
	Jitter               float64  `json:"jitter,omitempty"`                 // default 0.3
	RefreshInterval      string   `json:"refresh_interval,omitempty"`       // default "5m", min "1m"
	Concurrency          int      `json:"concurrency,omitempty"`            // default 3
	PageSize             int      `json:"page_size,omitempty"`              // subscription fanout page, default 200
	MissThreshold        int      `json:"miss_threshold,omitempty"`         // default 2
	OpenReminderInterval string   `json:"open_reminder_interval,omitempty"` // default "3m"
	CheckpointFile       string   `json:"checkpoint_file,omitempty"`
}

type DispatchConfig struct {
	BatchSize   int      `json:"batch_size,omitempty"`   // default 25
	LockTTL     string   `json:"lock_ttl,omitempty"`     // default "120s"
	IdleDelay   string   `json:"idle_delay,omitempty"`   // default "2s"
	MaxAttempts int      `json:"max_attempts,omitempty"` // default 3
	Backoff     []string `json:"backoff,omitempty"`      // default ["0s","2s","7s"]
}

type MailConfig struct {
	Endpoint  string     `json:"endpoint"`
	APIKeyEnv string     `json:"api_key_env"`
	FromEmail string     `json:"from_email"`
	FromName  string     `json:"from_name,omitempty"`
	BaseURL   string     `json:"base_url,omitempty"` // manage/unsubscribe links
	Rate      RateConfig `json:"rate,omitempty"`
}

type TelegramConfig struct {
	TokenEnv        string  `json:"token_env"`
	GlobalPerSecond float64 `json:"global_per_second,omitempty"` // default 20
	PerChatBurst    int     `json:"per_chat_burst,omitempty"`    // default 5
	PerChatReset    string  `json:"per_chat_reset,omitempty"`    // default "5s"
}

type RateConfig struct {
	PerSecond float64 `json:"per_second,omitempty"` // default 10
	Burst     int     `json:"burst,omitempty"`      // default 20
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty"` // default "127.0.0.1:9090", "" keeps default; "off" disables
}

const (
	ModeAuto     = "auto"
	ModeExplicit = "explicit"
)

// Validate rejects configs that no component could run with. Duration
// strings are parsed here once so later ParseDurationOrDefault calls
// cannot fail at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Poller.Mode {
	case "", ModeAuto:
	case ModeExplicit:
		if len(c.Poller.Terms) == 0 {
			return fmt.Errorf("poller.terms is required in explicit mode")
		}
		if len(c.Poller.Campuses) == 0 {
			return fmt.Errorf("poller.campuses is required in explicit mode")
		}
	default:
		return fmt.Errorf("poller.mode: unknown mode %q", c.Poller.Mode)
	}
	if c.Poller.Jitter < 0 || c.Poller.Jitter > 1 {
		return fmt.Errorf("poller.jitter must be in [0,1]")
	}
	for path, raw := range map[string]string{
		"database.busy_timeout":         c.Database.BusyTimeout,
		"feed.timeout":                  c.Feed.Timeout,
		"poller.interval":               c.Poller.Interval,
		"poller.refresh_interval":       c.Poller.RefreshInterval,
		"poller.open_reminder_interval": c.Poller.OpenReminderInterval,
		"dispatch.lock_ttl":             c.Dispatch.LockTTL,
		"dispatch.idle_delay":           c.Dispatch.IdleDelay,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if d, err := ParseDurationField("poller.refresh_interval", c.Poller.RefreshInterval); err == nil && d > 0 && d < time.Minute {
		return fmt.Errorf("poller.refresh_interval must be at least 1 minute")
	}
	for i, raw := range c.Dispatch.Backoff {
		if _, err := ParseDurationField(fmt.Sprintf("dispatch.backoff[%d]", i), raw); err != nil {
			return err
		}
	}
	if c.Telegram != nil {
		if strings.TrimSpace(c.Telegram.TokenEnv) == "" {
			return fmt.Errorf("telegram.token_env is required")
		}
		if _, err := ParseDurationField("telegram.per_chat_reset", c.Telegram.PerChatReset); err != nil {
			return err
		}
	}
	if c.Mail != nil {
		if strings.TrimSpace(c.Mail.Endpoint) == "" {
			return fmt.Errorf("mail.endpoint is required")
		}
		if strings.TrimSpace(c.Mail.FromEmail) == "" {
			return fmt.Errorf("mail.from_email is required")
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// MustDuration is for fields already checked by Validate.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}
