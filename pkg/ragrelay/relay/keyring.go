package relay

import (
	"errors"
	"log/slog"

	"github.com/zalando/go-keyring"
)

const (
	// KeyringService is the service name used in the OS keyring.
	KeyringService = "ragrelay"

	// KeyringAPIKey holds the generation model credential.
	KeyringAPIKey = "gemini_api_key"
)

// StoreAPIKey saves the generation credential to the OS keyring.
func StoreAPIKey(value string) error {
	return keyring.Set(KeyringService, KeyringAPIKey, value)
}

// GetAPIKey returns the stored credential, or "" if none.
func GetAPIKey() string {
	val, err := keyring.Get(KeyringService, KeyringAPIKey)
	if err != nil {
		return ""
	}
	return val
}

// DeleteAPIKey removes the credential. Deleting a missing key is not an error.
func DeleteAPIKey() error {
	err := keyring.Delete(KeyringService, KeyringAPIKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// ResolveAPIKey fills cfg.Generation.APIKey from the keyring when neither
// the config file nor the environment supplied one.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) {
	if cfg.Generation.APIKey != "" && !IsEnvReference(cfg.Generation.APIKey) {
		logger.Debug("generation key loaded from config/env")
		return
	}
	if val := GetAPIKey(); val != "" {
		cfg.Generation.APIKey = val
		logger.Debug("generation key loaded from OS keyring")
		return
	}
	logger.Debug("no generation key in config, env or keyring")
}
