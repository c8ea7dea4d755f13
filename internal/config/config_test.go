package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected env=development, got %s", cfg.Env)
	}

	if cfg.Kernel.SocketPath != "/var/run/liquefaction/kerneld.sock" {
		t.Errorf("unexpected socket path: %s", cfg.Kernel.SocketPath)
	}

	if cfg.Storage.Backend != "memory" {
		t.Errorf("expected storage backend=memory, got %s", cfg.Storage.Backend)
	}

	if cfg.Storage.RedisAddr != "localhost:6379" {
		t.Errorf("expected redis addr localhost:6379, got %s", cfg.Storage.RedisAddr)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("LIQUEFACTION_ENV", "production")
	os.Setenv("LIQUEFACTION_STORAGE_KMS_KEY_ID", "arn:aws:kms:us-east-1:123456:key/test-key")
	defer os.Unsetenv("LIQUEFACTION_ENV")
	defer os.Unsetenv("LIQUEFACTION_STORAGE_KMS_KEY_ID")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env=production, got %s", cfg.Env)
	}

	if cfg.Storage.KMSKeyID != "arn:aws:kms:us-east-1:123456:key/test-key" {
		t.Errorf("unexpected kms key id: %s", cfg.Storage.KMSKeyID)
	}
}
