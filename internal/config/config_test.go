package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultAppliesEveryDefault(t *testing.T) {
	cfg := Default()
	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.ScratchRoot == "" {
		t.Error("ScratchRoot should default to os.TempDir()")
	}
	if cfg.DefaultSessionID != defaultSessionID {
		t.Errorf("DefaultSessionID = %q, want %q", cfg.DefaultSessionID, defaultSessionID)
	}
	if cfg.PTYDisconnectTimeoutMS != defaultPTYDisconnectTimeoutMS {
		t.Errorf("PTYDisconnectTimeoutMS = %d, want %d", cfg.PTYDisconnectTimeoutMS, defaultPTYDisconnectTimeoutMS)
	}
	if cfg.LabelersDoneTimeoutMS != defaultLabelersDoneTimeoutMS {
		t.Errorf("LabelersDoneTimeoutMS = %d, want %d", cfg.LabelersDoneTimeoutMS, defaultLabelersDoneTimeoutMS)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")

	cfg := Default()
	cfg.Port = 9999
	cfg.AdminTokenHash = "hash-value"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Port != 9999 {
		t.Errorf("Port = %d, want 9999", loaded.Port)
	}
	if loaded.AdminTokenHash != "hash-value" {
		t.Errorf("AdminTokenHash = %q, want %q", loaded.AdminTokenHash, "hash-value")
	}
}

func TestEnsureJWTSecretOnlyGeneratesOnce(t *testing.T) {
	cfg := Default()
	changed, err := cfg.EnsureJWTSecret()
	if err != nil {
		t.Fatalf("EnsureJWTSecret: %v", err)
	}
	if !changed {
		t.Error("expected EnsureJWTSecret to generate a secret on an empty config")
	}
	first := cfg.JWTSecret
	if first == "" {
		t.Fatal("JWTSecret should be non-empty after generation")
	}

	changed, err = cfg.EnsureJWTSecret()
	if err != nil {
		t.Fatalf("EnsureJWTSecret (second call): %v", err)
	}
	if changed {
		t.Error("EnsureJWTSecret should not regenerate an existing secret")
	}
	if cfg.JWTSecret != first {
		t.Error("JWTSecret should be stable across repeated calls")
	}

	decoded, err := cfg.DecodeJWTSecret()
	if err != nil {
		t.Fatalf("DecodeJWTSecret: %v", err)
	}
	if len(decoded) != 32 {
		t.Errorf("decoded secret length = %d, want 32", len(decoded))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error loading a missing config file")
	}
}
