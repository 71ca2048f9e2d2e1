package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cronicle-edge/corectl/pkg/config"
)

func TestLoadConfigSecretKeyPrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yaml := "server:\n  secret_key: from-file\nstorage:\n  base_dir: " + dir + "\n"
	if err := os.WriteFile(configPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(configPath, "", "", 0)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.SecretKey != "from-file" {
		t.Fatalf("SecretKey = %q, want from-file", cfg.Server.SecretKey)
	}

	cfg, err = loadConfig(configPath, "from-flag", "", 0)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.SecretKey != "from-flag" {
		t.Fatalf("flag should override file: SecretKey = %q, want from-flag", cfg.Server.SecretKey)
	}
}

func TestLoadConfigSecretKeyFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("storage:\n  base_dir: "+dir+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	keyFile := filepath.Join(dir, "secret.key")
	if err := os.WriteFile(keyFile, []byte("  from-keyfile\n"), 0o644); err != nil {
		t.Fatalf("write keyfile: %v", err)
	}

	cfg, err := loadConfig(configPath, "", keyFile, 0)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.SecretKey != "from-keyfile" {
		t.Fatalf("SecretKey = %q, want from-keyfile (trimmed)", cfg.Server.SecretKey)
	}
}

func TestLoadConfigDebugLevelRaisesLogLevel(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("storage:\n  base_dir: "+dir+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(configPath, "", "", 5)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Logging.DebugLevel != 5 {
		t.Fatalf("DebugLevel = %d, want 5", cfg.Logging.DebugLevel)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestCheckUncleanShutdownRequiresRecoverFlag(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.BaseDir = dir

	if err := checkUncleanShutdown(cfg, false); err != nil {
		t.Fatalf("first startup should not require --recover: %v", err)
	}

	if err := checkUncleanShutdown(cfg, false); err == nil {
		t.Fatalf("stale lock file without --recover should fail")
	}

	if err := checkUncleanShutdown(cfg, true); err != nil {
		t.Fatalf("--recover should clear the stale lock: %v", err)
	}

	if err := clearLockFile(cfg); err != nil {
		t.Fatalf("clearLockFile: %v", err)
	}
}

func TestLocalIPv4NeverReturnsLoopback(t *testing.T) {
	// the result depends on the host's interfaces, which this test doesn't
	// control, but it must never hand back the loopback address it's
	// explicitly filtering out.
	if ip := localIPv4(); ip == "127.0.0.1" {
		t.Fatalf("localIPv4() returned loopback, want a real interface address or empty")
	}
}
