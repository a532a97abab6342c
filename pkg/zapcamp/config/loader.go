package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable
//
// Capture groups:
//   - Group 1: variable name (for ${} syntax)
//   - Group 2: modifier type ("-" for default, "?" for error)
//   - Group 3: default value or error message
//   - Group 4: variable name (for bare $VAR syntax)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads and parses a YAML configuration file.
// Loads .env files first and expands environment variable references.
// Returns an error if any ${VAR:?error} pattern has its variable unset.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// Parse parses YAML bytes into a Config.
// Starts with defaults and overlays values from the YAML.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes a Config as YAML to the specified path.
// Secrets are replaced with environment variable references, and the
// previous file is backed up as .bak before overwriting.
func SaveToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Generation.APIKey = sanitizeSecret(cfg.Generation.APIKey, "OPENAI_API_KEY", "ZAPCAMP_API_KEY")
	sanitized.Channels.Discord.Token = sanitizeSecret(cfg.Channels.Discord.Token, "DISCORD_TOKEN", "ZAPCAMP_DISCORD_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Sanity check the marshaled YAML before touching the file.
	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"zapcamp.yaml",
		"zapcamp.yml",
		"configs/config.yaml",
		"configs/zapcamp.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// AuditSecrets warns about hardcoded secrets on startup.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.Generation.APIKey != "" && looksLikeRealKey(cfg.Generation.APIKey) {
		logger.Warn("API key appears to be hardcoded in config. "+
			"Use environment variable ZAPCAMP_API_KEY instead.",
			"hint", "Set 'api_key: ${ZAPCAMP_API_KEY}' in config.yaml")
	}
	if cfg.Channels.Discord.Token != "" && looksLikeRealKey(cfg.Channels.Discord.Token) {
		logger.Warn("Discord token appears to be hardcoded in config. "+
			"Use environment variable DISCORD_TOKEN instead.",
			"hint", "Set 'token: ${DISCORD_TOKEN}' in config.yaml")
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations.
// godotenv.Load does NOT overwrite existing env vars.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and $VAR
// references with their environment variable values. Unset ${VAR:?error}
// references are rewritten to an "ERROR:VAR:message" marker so the caller
// can surface them as a single error.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)

		varName := submatches[1]
		modifierType := submatches[2]
		modifierValue := submatches[3]
		bareVar := submatches[4]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if varName == "" {
			return match
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}

		switch modifierType {
		case "?":
			errorMsg := modifierValue
			if errorMsg == "" {
				errorMsg = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + errorMsg
		case "-":
			return modifierValue
		}
		return match
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but returns an error
// if any ${VAR:?error} pattern has its variable unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	if idx := strings.Index(result, "ERROR:"); idx != -1 {
		rest := result[idx+6:]
		colonIdx := strings.Index(rest, ":")
		if colonIdx == -1 {
			return "", fmt.Errorf("config error: malformed error marker")
		}
		varName := rest[:colonIdx]
		errorMsg := strings.SplitN(rest[colonIdx+1:], "\n", 2)[0]
		if errorMsg == "" {
			errorMsg = "required environment variable not set"
		}
		return "", fmt.Errorf("config error: %s - %s", varName, errorMsg)
	}
	return result, nil
}

// resolveSecrets fills config secrets from environment variables when the
// config value is empty or still a placeholder.
func resolveSecrets(cfg *Config) {
	if cfg.Generation.APIKey == "" || isEnvReference(cfg.Generation.APIKey) {
		if key := os.Getenv("ZAPCAMP_API_KEY"); key != "" {
			cfg.Generation.APIKey = key
		} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Generation.APIKey = key
		}
	}
	if cfg.Channels.Discord.Token == "" || isEnvReference(cfg.Channels.Discord.Token) {
		if tok := os.Getenv("ZAPCAMP_DISCORD_TOKEN"); tok != "" {
			cfg.Channels.Discord.Token = tok
		} else if tok := os.Getenv("DISCORD_TOKEN"); tok != "" {
			cfg.Channels.Discord.Token = tok
		}
	}
}

// resolveRelativePaths converts relative paths to absolute paths based on
// the config file's directory, so paths work regardless of the working
// directory zapcamp is started from.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)

	if cfg.Database.Path != "" {
		cfg.Database.Path = resolvePathFromConfig(cfg.Database.Path, configDir)
	}
	if cfg.Channels.WhatsApp.DatabasePath != "" {
		cfg.Channels.WhatsApp.DatabasePath = resolvePathFromConfig(cfg.Channels.WhatsApp.DatabasePath, configDir)
	}
}

// resolvePathFromConfig converts a path to absolute, resolving relative
// paths against the config file's directory. Expands ~ to home directory.
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

// sanitizeSecret replaces a real secret with an env var reference for safe
// storage in config files. Tries the primary env var first, then the
// fallback; if neither holds the value, the secret is cleared rather than
// written to disk.
func sanitizeSecret(value, primaryEnvVar, fallbackEnvVar string) string {
	if value == "" || isEnvReference(value) {
		return value
	}
	if os.Getenv(primaryEnvVar) == value {
		return "${" + primaryEnvVar + "}"
	}
	if os.Getenv(fallbackEnvVar) == value {
		return "${" + fallbackEnvVar + "}"
	}
	if os.Getenv(primaryEnvVar) != "" {
		return "${" + primaryEnvVar + "}"
	}
	if os.Getenv(fallbackEnvVar) != "" {
		return "${" + fallbackEnvVar + "}"
	}
	return ""
}

// isEnvReference checks if a string is an environment variable reference.
func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically checks if a string looks like a real
// credential rather than a placeholder or env var reference.
func looksLikeRealKey(s string) bool {
	if isEnvReference(s) {
		return false
	}
	if strings.HasPrefix(s, "sk-") {
		return true
	}
	return len(s) > 20
}

// checkFilePermissions warns if the config file is group/world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
