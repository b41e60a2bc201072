package copilot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TC_TEST_KEY", "sk-123")
	os.Unsetenv("TC_TEST_MISSING")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "braces", input: "key: ${TC_TEST_KEY}", want: "key: sk-123"},
		{name: "bare", input: "key: $TC_TEST_KEY", want: "key: sk-123"},
		{name: "default unused", input: "${TC_TEST_KEY:-x}", want: "sk-123"},
		{name: "default", input: "${TC_TEST_MISSING:-fallback}", want: "fallback"},
		{name: "unset kept", input: "${TC_TEST_MISSING}", want: "${TC_TEST_MISSING}"},
		{name: "required", input: "${TC_TEST_MISSING:?set it}", wantErr: true},
		{name: "lowercase bare ignored", input: "R$ 10 $abc", want: "R$ 10 $abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvVars(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
name: Clara
owners:
  - id: ana
    phone: "11 99999-0001"
providers:
  - name: primary
    type: openai
    model: gpt-4o-mini
  - name: backup
    type: anthropic
    timeout: 20s
confirmation:
  ttl: 2h
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Name != "Clara" || cfg.Timezone != "America/Sao_Paulo" {
		t.Errorf("name/timezone = %q/%q", cfg.Name, cfg.Timezone)
	}
	if cfg.Confirmation.TTL != 2*time.Hour {
		t.Errorf("ttl = %v", cfg.Confirmation.TTL)
	}
	if cfg.ToolTimeout != 30*time.Second || cfg.Batch.DefaultLimit != 20 {
		t.Errorf("defaults lost: tool_timeout=%v limit=%d", cfg.ToolTimeout, cfg.Batch.DefaultLimit)
	}
	if cfg.Fallback.HistoryTurns != llm.DefaultHistoryTurns {
		t.Errorf("history turns = %d", cfg.Fallback.HistoryTurns)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[1].Timeout != 20*time.Second {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	owner, ok := cfg.OwnerByPhone("5511999990001")
	if !ok || owner.ID != "ana" {
		t.Errorf("OwnerByPhone = %+v, %v", owner, ok)
	}
	if _, ok := cfg.OwnerByPhone("5511888880000"); ok {
		t.Error("unknown phone matched")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"unnamed provider", func(c *Config) { c.Providers[0].Name = "" }},
		{"duplicate provider", func(c *Config) { c.Providers = append(c.Providers, c.Providers[0]) }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"owner without id", func(c *Config) { c.Owners = []OwnerConfig{{Phone: "5511999990001"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Providers = []llm.ProviderConfig{{Name: "p", Type: llm.TypeOpenAI}}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "ant-key")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
providers:
  - name: claude
    type: anthropic
database:
  path: data/tc.db
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.Providers[0].APIKey != "ant-key" {
		t.Errorf("api key = %q", cfg.Providers[0].APIKey)
	}
	if want := filepath.Join(dir, "data", "tc.db"); cfg.Database.Path != want {
		t.Errorf("database path = %q, want %q", cfg.Database.Path, want)
	}

	// Saving writes the key back as a reference.
	out := filepath.Join(dir, "saved.yaml")
	if err := SaveConfigToFile(cfg, out); err != nil {
		t.Fatal(err)
	}
	saved, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	reloaded, err := ParseConfig(saved)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Providers[0].APIKey != "${ANTHROPIC_API_KEY}" {
		t.Errorf("saved api key = %q", reloaded.Providers[0].APIKey)
	}
}
