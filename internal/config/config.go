// Package config loads server settings from config.json next to the
// executable, with environment variables filling the gaps.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	HTTPPort  string `json:"http_port"`
	HTTPSPort string `json:"https_port"`
	Domain    string `json:"domain"`
	TURNPort  int    `json:"turn_port"`
	TURNRealm string `json:"turn_realm"`
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`

	// HTTPOnly skips TLS entirely; for development behind a proxy.
	HTTPOnly bool `json:"http_only"`

	// TokenSecret signs channel access tokens. Never serialized; loaded
	// from env or the keys directory.
	TokenSecret string `json:"-"`
}

// Load reads config.json if present, applies env and built-in defaults,
// then resolves the token secret.
func Load() *Config {
	cfg := &Config{}

	if data, err := os.ReadFile(configFilePath()); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			slog.Warn("config.json is malformed, using defaults", "error", err)
			cfg = &Config{}
		} else {
			slog.Info("configuration loaded", "path", configFilePath())
		}
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = getEnv("HTTP_PORT", "8080")
	}
	if cfg.HTTPSPort == "" {
		cfg.HTTPSPort = getEnv("HTTPS_PORT", "8443")
	}
	if cfg.Domain == "" {
		cfg.Domain = getEnv("DOMAIN", "localhost")
	}
	if cfg.TURNPort == 0 {
		cfg.TURNPort = getEnvInt("TURN_PORT", 3478)
	}
	if cfg.TURNRealm == "" {
		cfg.TURNRealm = getEnv("TURN_REALM", "pawcall")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = getEnv("DB_PATH", defaultDBPath())
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	}
	if !cfg.HTTPOnly {
		cfg.HTTPOnly = getEnv("HTTP_ONLY", "") == "true"
	}

	cfg.TokenSecret = loadOrGenerateTokenSecret()

	return cfg
}

// Save writes the non-secret settings back to config.json.
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(configFilePath(), data, 0600); err != nil {
		return fmt.Errorf("config: write config.json: %w", err)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func configFilePath() string {
	execPath, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(execPath), "config.json")
}

func defaultDBPath() string {
	execPath, err := os.Executable()
	if err != nil {
		return "pawcall.db"
	}
	return filepath.Join(filepath.Dir(execPath), "pawcall.db")
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadOrGenerateTokenSecret resolves the signing secret for channel
// tokens: env first, then the keys directory, generating and persisting
// one when neither exists.
func loadOrGenerateTokenSecret() string {
	if secret := os.Getenv("TOKEN_SECRET"); secret != "" {
		return secret
	}

	keysDir := keysDirectory()
	secretFile := filepath.Join(keysDir, "token-secret.key")

	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			slog.Warn("token secret not persisted, it will rotate on restart", "error", err)
		}
	}
	return secret
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	_, _ = rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}
