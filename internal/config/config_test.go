package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/tuf")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":3883" {
		t.Errorf("unexpected listen addr %s", cfg.ListenAddr)
	}
	if cfg.StorageBackend != "local" {
		t.Errorf("unexpected backend %s", cfg.StorageBackend)
	}
	if cfg.ZipTool != "7z" {
		t.Errorf("unexpected zip tool %s", cfg.ZipTool)
	}
	if cfg.PackBudgetBytes != 2<<30 || cfg.PackMaxSizeBytes != 8<<30 {
		t.Errorf("unexpected pack limits: %d / %d", cfg.PackBudgetBytes, cfg.PackMaxSizeBytes)
	}
	if cfg.PackTTL != 6*time.Hour || cfg.SweepInterval != 10*time.Minute {
		t.Errorf("unexpected TTLs: %s / %s", cfg.PackTTL, cfg.SweepInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PACK_BUDGET_BYTES", "1024")
	t.Setenv("PACK_MAX_SIZE_BYTES", "4096")
	t.Setenv("PACK_TTL", "30m")
	t.Setenv("ZIP_TOOL", "7zz")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PackBudgetBytes != 1024 || cfg.PackMaxSizeBytes != 4096 {
		t.Errorf("overrides not applied: %d / %d", cfg.PackBudgetBytes, cfg.PackMaxSizeBytes)
	}
	if cfg.PackTTL != 30*time.Minute {
		t.Errorf("TTL override not applied: %s", cfg.PackTTL)
	}
	if cfg.ZipTool != "7zz" {
		t.Errorf("tool override not applied: %s", cfg.ZipTool)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")
	if _, err := Load(); err == nil {
		t.Error("expected error without DATABASE_URL")
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/tuf")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Error("expected error without JWT_SECRET")
	}
}

func TestLoadRejectsInvertedLimits(t *testing.T) {
	setRequired(t)
	t.Setenv("PACK_BUDGET_BYTES", "4096")
	t.Setenv("PACK_MAX_SIZE_BYTES", "1024")
	if _, err := Load(); err == nil {
		t.Error("expected error when max is below budget")
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	setRequired(t)
	t.Setenv("PACK_BUDGET_BYTES", "not-a-number")
	t.Setenv("PACK_TTL", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PackBudgetBytes != 2<<30 {
		t.Errorf("malformed int did not fall back: %d", cfg.PackBudgetBytes)
	}
	if cfg.PackTTL != 6*time.Hour {
		t.Errorf("malformed duration did not fall back: %s", cfg.PackTTL)
	}
}
