// Secure credential storage using the operating system's native keyring
// (Linux: Secret Service/GNOME Keyring, macOS: Keychain, Windows:
// Credential Manager).
//
// Priority for resolving secrets:
//  1. Encrypted vault (.zapcamp.vault — AES-256-GCM + Argon2, master password)
//  2. OS keyring (encrypted by the OS, requires user session)
//  3. Environment variable (ZAPCAMP_API_KEY, OPENAI_API_KEY, ...)
//  4. .env file (loaded by godotenv)
//  5. config.yaml value (least secure — plaintext on disk)
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "zapcamp"

	// keyringAPIKey is the key name for the model API key.
	keyringAPIKey = "api_key"

	// keyringDiscordToken is the key name for the Discord bot token.
	keyringDiscordToken = "discord_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
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
	testKey := "__zapcamp_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets resolves credentials using the priority chain:
// vault → keyring → env var → config value. Updates the config in-place.
// If a vault exists but is locked, it tries ZAPCAMP_VAULT_PASSWORD (for
// systemd/Docker) and then an interactive prompt when stdin is a terminal.
// Returns the unlocked vault, or nil when none is available.
func ResolveSecrets(cfg *Config, logger *slog.Logger) *Vault {
	vault := NewVault(VaultFile)
	if vault.Exists() {
		if !vault.IsUnlocked() {
			if envPass := os.Getenv("ZAPCAMP_VAULT_PASSWORD"); envPass != "" {
				if err := vault.Unlock(envPass); err != nil {
					logger.Warn("failed to unlock vault with ZAPCAMP_VAULT_PASSWORD", "error", err)
				} else {
					logger.Info("vault unlocked via ZAPCAMP_VAULT_PASSWORD")
				}
			}
		}

		if !vault.IsUnlocked() {
			if term.IsTerminal(int(os.Stdin.Fd())) {
				password, err := ReadPassword("Vault password: ")
				if err != nil {
					logger.Warn("failed to read vault password", "error", err)
				} else if err := vault.Unlock(password); err != nil {
					logger.Warn("failed to unlock vault", "error", err)
				}
			} else {
				logger.Info("vault exists but skipping (non-interactive mode, no ZAPCAMP_VAULT_PASSWORD), using env/config")
			}
		}

		if vault.IsUnlocked() {
			injectVaultSecrets(vault, cfg, logger)
			return vault
		}
	}

	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.Generation.APIKey = val
		logger.Debug("API key loaded from OS keyring")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		if val := GetKeyring(keyringDiscordToken); val != "" {
			cfg.Channels.Discord.Token = val
			logger.Debug("Discord token loaded from OS keyring")
		}
	}

	if cfg.Generation.APIKey == "" {
		logger.Warn("no API key found. Set one with: zapcamp auth set-key")
	}
	return nil
}

// injectVaultSecrets sets vault secrets as environment variables and
// resolves known config fields from them.
func injectVaultSecrets(vault *Vault, cfg *Config, logger *slog.Logger) {
	if err := vault.InjectSecrets(); err != nil {
		logger.Warn("failed to inject vault secrets", "error", err)
	}

	if val, err := vault.Get("OPENAI_API_KEY"); err == nil && val != "" {
		cfg.Generation.APIKey = val
		logger.Debug("API key loaded from encrypted vault")
	} else if val, err := vault.Get("ZAPCAMP_API_KEY"); err == nil && val != "" {
		cfg.Generation.APIKey = val
		logger.Debug("API key loaded from encrypted vault")
	}

	if val, err := vault.Get("DISCORD_TOKEN"); err == nil && val != "" {
		cfg.Channels.Discord.Token = val
		logger.Debug("Discord token loaded from encrypted vault")
	}

	if n := len(vault.List()); n > 0 {
		logger.Info("vault secrets injected into process environment", "count", n)
	}
}

// MigrateKeyToKeyring moves an API key into the OS keyring.
func MigrateKeyToKeyring(apiKey string, logger *slog.Logger) error {
	if err := StoreKeyring(keyringAPIKey, apiKey); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("API key stored in OS keyring",
		"service", keyringService,
		"hint", "You can now remove it from .env and config.yaml")
	return nil
}
