package config

import "testing"

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("SECRETSVAULT_ROOT_DIR", "/tmp/test-vault-root")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.AutoLockMinutes != 15 {
		t.Errorf("AutoLockMinutes = %d, want 15", cfg.AutoLockMinutes)
	}
	if cfg.MaxFailedAttempts != 3 {
		t.Errorf("MaxFailedAttempts = %d, want 3", cfg.MaxFailedAttempts)
	}
	if cfg.LockoutMinutes != 5 {
		t.Errorf("LockoutMinutes = %d, want 5", cfg.LockoutMinutes)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("SECRETSVAULT_ROOT_DIR", "/tmp/test-vault-root")
	t.Setenv("SECRETSVAULT_AUTO_LOCK_MINUTES", "30")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.AutoLockMinutes != 30 {
		t.Errorf("AutoLockMinutes = %d, want 30", cfg.AutoLockMinutes)
	}
}

func TestConfig_Validate_RejectsBadValues(t *testing.T) {
	cfg := Config{RootDir: "/tmp/x", AutoLockMinutes: 0, MaxFailedAttempts: 3, LockoutMinutes: 5, SessionTimeoutMinutes: 60}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for AutoLockMinutes = 0")
	}
}

func TestConfig_DerivedPaths(t *testing.T) {
	cfg := Config{RootDir: "/home/dev/.secrets"}
	if cfg.VaultPath() != "/home/dev/.secrets/vault.db" {
		t.Errorf("VaultPath() = %q", cfg.VaultPath())
	}
	if cfg.SessionPath() != "/home/dev/.secrets/session.json" {
		t.Errorf("SessionPath() = %q", cfg.SessionPath())
	}
}
