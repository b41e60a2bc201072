package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
//
// Groups: 1=name in braces, 2=modifier ("-" or "?"), 3=default or message,
// 4=bare name.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// providerKeyEnv lists the environment variables consulted for a provider
// API key, by provider type.
var providerKeyEnv = map[string][]string{
	llm.TypeOpenAI:    {"OPENAI_API_KEY"},
	llm.TypeAnthropic: {"ANTHROPIC_API_KEY"},
	llm.TypeGemini:    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	llm.TypeCompat:    {"TRAFFICCLAW_API_KEY"},
}

// LoadConfigFromFile reads a YAML config file. .env files are loaded first
// and environment references are expanded before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig overlays YAML bytes on DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveConfigToFile writes cfg as YAML with 0600 permissions. API keys that
// match an environment variable are written back as references.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Providers = make([]llm.ProviderConfig, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		p.APIKey = sanitizeSecret(p.APIKey, providerKeyEnv[p.Type])
		sanitized.Providers = append(sanitized.Providers, p)
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first config file found in the usual places,
// or "" when there is none.
func FindConfigFile() string {
	candidates := []string{"config.yaml", "config.yml", "trafficclaw.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".trafficclaw", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// loadEnvFiles loads .env files. godotenv does not overwrite variables
// that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references in input. Unset variables
// without a modifier keep their placeholder; ${VAR:?message} with VAR
// unset is an error.
func expandEnvVars(input string) (string, error) {
	var missing []string

	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+": "+value)
		}
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// resolveSecrets fills empty provider keys from the environment.
func resolveSecrets(cfg *Config) {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey != "" && !IsEnvReference(p.APIKey) {
			continue
		}
		p.APIKey = ""
		for _, env := range providerKeyEnv[p.Type] {
			if v := os.Getenv(env); v != "" {
				p.APIKey = v
				break
			}
		}
	}
	if cfg.Gateway.AuthToken == "" {
		cfg.Gateway.AuthToken = os.Getenv("TRAFFICCLAW_GATEWAY_TOKEN")
	}
}

// resolveRelativePaths makes file paths relative to the config file
// directory, so the binary can be started from anywhere.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	if cfg.Database.Path != ":memory:" {
		cfg.Database.Path = resolvePathFromConfig(cfg.Database.Path, dir)
	}
	cfg.Channels.WhatsApp.SessionDir = resolvePathFromConfig(cfg.Channels.WhatsApp.SessionDir, dir)
}

func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret swaps a secret for the reference of the environment
// variable holding the same value.
func sanitizeSecret(value string, envVars []string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, env := range envVars {
		if os.Getenv(env) == value {
			return "${" + env + "}"
		}
	}
	return value
}

// IsEnvReference reports whether s is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path))
	}
}
