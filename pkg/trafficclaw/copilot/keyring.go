package copilot

import (
	"log/slog"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring. Provider keys
// are stored under "provider:<name>".
const keyringService = "trafficclaw"

func providerKeyringKey(provider string) string {
	return "provider:" + provider
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring returns a secret from the OS keyring, or "" when absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__trafficclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// StoreProviderKey saves the API key of a provider in the OS keyring.
func StoreProviderKey(provider, apiKey string) error {
	return StoreKeyring(providerKeyringKey(provider), apiKey)
}

// ResolveAPIKeys fills provider keys still empty after config and
// environment resolution from the OS keyring. It returns the names of the
// providers left without a key.
func ResolveAPIKeys(cfg *Config, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.Default()
	}
	var missing []string
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey != "" {
			continue
		}
		if key := GetKeyring(providerKeyringKey(p.Name)); key != "" {
			p.APIKey = key
			logger.Debug("API key loaded from keyring", "provider", p.Name)
			continue
		}
		missing = append(missing, p.Name)
	}
	return missing
}
