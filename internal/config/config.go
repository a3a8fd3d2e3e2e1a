// Package config loads the vault's environment-driven configuration,
// adapted from the teacher's TOKENHUB_* env-var loader pattern
// (internal/app/config.go) and its JSON file overlay (config/config.go),
// renamed to the SECRETSVAULT_* prefix and trimmed to what a local vault
// needs: its root directory and the lockout/auto-lock defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the vault's runtime configuration.
type Config struct {
	// RootDir is the vault's home directory, holding vault.db,
	// session.json, and the backups/ directory.
	RootDir string

	// AutoLockMinutes is the default inactivity timeout before the
	// engine locks itself. Overridable per-call at Unlock time.
	AutoLockMinutes int

	// MaxFailedAttempts is the number of consecutive wrong-password
	// unlocks before the vault transitions to LOCKED_OUT.
	MaxFailedAttempts int

	// LockoutMinutes is how long LOCKED_OUT is held once triggered.
	LockoutMinutes int

	// SessionTimeoutMinutes is the default session-cache lifetime.
	SessionTimeoutMinutes int
}

// LoadConfig reads configuration from SECRETSVAULT_* environment
// variables, falling back to the documented defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		RootDir:               getEnv("SECRETSVAULT_ROOT_DIR", defaultRootDir()),
		AutoLockMinutes:       getEnvInt("SECRETSVAULT_AUTO_LOCK_MINUTES", 15),
		MaxFailedAttempts:     getEnvInt("SECRETSVAULT_MAX_FAILED_ATTEMPTS", 3),
		LockoutMinutes:        getEnvInt("SECRETSVAULT_LOCKOUT_MINUTES", 5),
		SessionTimeoutMinutes: getEnvInt("SECRETSVAULT_SESSION_TIMEOUT_MINUTES", 60),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects obviously broken settings before they reach the engine.
func (c Config) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("SECRETSVAULT_ROOT_DIR must not be empty")
	}
	if c.AutoLockMinutes <= 0 {
		return fmt.Errorf("SECRETSVAULT_AUTO_LOCK_MINUTES must be > 0, got %d", c.AutoLockMinutes)
	}
	if c.MaxFailedAttempts <= 0 {
		return fmt.Errorf("SECRETSVAULT_MAX_FAILED_ATTEMPTS must be > 0, got %d", c.MaxFailedAttempts)
	}
	if c.LockoutMinutes <= 0 {
		return fmt.Errorf("SECRETSVAULT_LOCKOUT_MINUTES must be > 0, got %d", c.LockoutMinutes)
	}
	if c.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("SECRETSVAULT_SESSION_TIMEOUT_MINUTES must be > 0, got %d", c.SessionTimeoutMinutes)
	}
	return nil
}

// VaultPath is the path to the sqlite database file inside RootDir.
func (c Config) VaultPath() string { return filepath.Join(c.RootDir, "vault.db") }

// BackupsDir is the path to the backups directory inside RootDir.
func (c Config) BackupsDir() string { return filepath.Join(c.RootDir, "backups") }

// SessionPath is the path to the session cache file inside RootDir.
func (c Config) SessionPath() string { return filepath.Join(c.RootDir, "session.json") }

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func defaultRootDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".secrets")
	}
	return ".secrets"
}
