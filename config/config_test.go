package config

import (
	"path/filepath"
	"testing"

	"github.com/MrGrillet/Light-box-besktop/identity"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("LIGHTBOX_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if _, ok := identity.Parse(firstCfg.DeviceID); !ok {
		t.Fatalf("expected parseable device ID, got %q", firstCfg.DeviceID)
	}
	if firstCfg.Platform == "" {
		t.Fatalf("expected non-empty platform")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.ListeningPort != 0 {
		t.Fatalf("expected automatic mode listening port 0, got %d", firstCfg.ListeningPort)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.Ed25519PrivateKeyPath != firstCfg.Ed25519PrivateKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.Ed25519PrivateKeyPath, secondCfg.Ed25519PrivateKeyPath)
	}
	if secondCfg.PortMode != firstCfg.PortMode {
		t.Fatalf("expected stable port mode, got %q then %q", firstCfg.PortMode, secondCfg.PortMode)
	}
}

func TestLoadOrCreateNormalizesLegacyPortModeFromExistingPort(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("LIGHTBOX_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &DeviceConfig{
		DeviceID:              "macos_Legacy_abc123",
		DeviceName:            "Legacy",
		Platform:              "macos",
		ListeningPort:         7000,
		Ed25519PrivateKeyPath: filepath.Join(tempDir, "keys", "ed25519_private.pem"),
		Ed25519PublicKeyPath:  filepath.Join(tempDir, "keys", "ed25519_public.pem"),
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PortMode != PortModeFixed {
		t.Fatalf("expected legacy config to normalize to fixed mode, got %q", cfg.PortMode)
	}
	if cfg.ListeningPort != 7000 {
		t.Fatalf("expected legacy fixed listening port to be retained, got %d", cfg.ListeningPort)
	}
}

func TestLoadOrCreateFillsMissingIdentity(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("LIGHTBOX_DATA_DIR", tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	partial := &DeviceConfig{
		DeviceName: "Studio Mac",
		Platform:   "macos",
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	parsed, ok := identity.Parse(cfg.DeviceID)
	if !ok {
		t.Fatalf("expected generated device ID to parse, got %q", cfg.DeviceID)
	}
	if parsed.Platform != "macos" {
		t.Fatalf("expected platform carried into device ID, got %q", parsed.Platform)
	}
	if parsed.DeviceName != "Studio-Mac" {
		t.Fatalf("expected sanitized device name in device ID, got %q", parsed.DeviceName)
	}
}

func TestSanitizeDeviceName(t *testing.T) {
	cases := map[string]string{
		"Kims iPhone":  "Kims-iPhone",
		"edit_bay_mac": "edit-bay-mac",
		"  Studio  ":   "Studio",
	}
	for input, want := range cases {
		if got := sanitizeDeviceName(input); got != want {
			t.Fatalf("sanitizeDeviceName(%q) = %q, want %q", input, got, want)
		}
	}
}
