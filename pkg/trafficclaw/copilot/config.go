// Package copilot wires the assistant together: configuration, the tool
// dispatcher and its business handlers, the confirmation state machine,
// batch executors and the orchestrator that runs each conversation turn.
package copilot

import (
	"fmt"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/channels/whatsapp"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/database"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
)

// Config is the root configuration loaded from config.yaml.
type Config struct {
	// Name is the assistant name used in the system prompt.
	Name string `yaml:"name"`

	// Timezone is the IANA zone used to interpret dates typed by the owner
	// (e.g. "America/Sao_Paulo").
	Timezone string `yaml:"timezone"`

	// Language of the assistant replies.
	Language string `yaml:"language"`

	// Owners are the people the assistant works for. Inbound channel
	// messages from any other phone are ignored.
	Owners []OwnerConfig `yaml:"owners"`

	// Providers is the ordered fallback chain of LLM backends.
	Providers []llm.ProviderConfig `yaml:"providers"`

	Fallback FallbackConfig `yaml:"fallback"`

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Database     database.Config    `yaml:"database"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Messaging    MessagingConfig    `yaml:"messaging"`
	Batch        BatchConfig        `yaml:"batch"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// OwnerConfig maps an actor id to the phone it talks from.
type OwnerConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Phone string `yaml:"phone"`
}

// FallbackConfig tunes the multi-provider client.
type FallbackConfig struct {
	// HistoryTurns is how many past turns are replayed to the model.
	// Negative means unlimited.
	HistoryTurns int `yaml:"history_turns"`

	// DefaultTimeout applies to providers without their own timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	MaxTokens int `yaml:"max_tokens"`
}

// ConfirmationConfig controls pending confirmations.
type ConfirmationConfig struct {
	// TTL after which a pending confirmation is cancelled by the expiry
	// job. Zero disables expiry.
	TTL time.Duration `yaml:"ttl"`
}

// ChannelsConfig groups the messaging channels.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
}

// MessagingConfig bounds outbound messages.
type MessagingConfig struct {
	// Timeout for a single outbound send, including batch items.
	Timeout time.Duration `yaml:"timeout"`
}

// BatchConfig configures batch messages.
type BatchConfig struct {
	// Templates overrides the built-in texts, keyed by batch kind
	// ("charge", "reminder") and then by variant.
	Templates map[string]map[string]string `yaml:"templates"`

	// DefaultLimit caps batch_charge when the model omits limite.
	DefaultLimit int `yaml:"default_limit"`
}

// SchedulerConfig configures the recurring jobs.
type SchedulerConfig struct {
	Enabled bool        `yaml:"enabled"`
	Jobs    []JobConfig `yaml:"jobs"`
}

// JobConfig declares one recurring job.
type JobConfig struct {
	ID       string         `yaml:"id"`
	Kind     string         `yaml:"kind"`
	Owner    string         `yaml:"owner"`
	Schedule string         `yaml:"schedule"`
	Params   map[string]any `yaml:"params"`
	Enabled  *bool          `yaml:"enabled"`
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// AuthToken protects every route except /health. Empty disables auth.
	AuthToken string `yaml:"auth_token"`

	// DefaultActor is used when a request does not carry X-Actor-ID.
	DefaultActor string `yaml:"default_actor"`

	CORSOrigins []string `yaml:"cors_origins"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format: "json" or "text".
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used for every key the YAML does
// not set.
func DefaultConfig() *Config {
	return &Config{
		Name:     "TrafficClaw",
		Timezone: "America/Sao_Paulo",
		Language: "pt-BR",
		Fallback: FallbackConfig{
			HistoryTurns:   llm.DefaultHistoryTurns,
			DefaultTimeout: llm.DefaultProviderTimeout,
		},
		ToolTimeout:  30 * time.Second,
		Confirmation: ConfirmationConfig{TTL: 24 * time.Hour},
		Database:     database.DefaultConfig(),
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
		},
		Messaging: MessagingConfig{Timeout: 15 * time.Second},
		Batch:     BatchConfig{DefaultLimit: 20},
		Scheduler: SchedulerConfig{Enabled: true},
		Gateway: GatewayConfig{
			Address:      ":8085",
			DefaultActor: "owner",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Location loads the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// OwnerByPhone returns the owner whose phone matches after normalization.
func (c *Config) OwnerByPhone(phone string) (OwnerConfig, bool) {
	want := business.NormalizePhone(phone)
	if want == "" {
		return OwnerConfig{}, false
	}
	for _, o := range c.Owners {
		if business.NormalizePhone(o.Phone) == want {
			return o, true
		}
	}
	return OwnerConfig{}, false
}

// OwnerByID returns the owner with the given actor id.
func (c *Config) OwnerByID(id string) (OwnerConfig, bool) {
	for _, o := range c.Owners {
		if o.ID == id {
			return o, true
		}
	}
	return OwnerConfig{}, false
}

// Validate rejects configurations the assistant cannot start with.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
		}
	}
	for _, o := range c.Owners {
		if o.ID == "" {
			return fmt.Errorf("config: owner with phone %q has no id", o.Phone)
		}
	}
	return nil
}
