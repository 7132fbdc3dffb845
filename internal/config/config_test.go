package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"proxy":{"host":"0.0.0.0","port":9000},"primaryUrl":"wss://pri.example/ocpp/"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want info", cfg.LogLevel)
	}
	if cfg.RateLimit == nil || cfg.RateLimit.Enabled {
		t.Errorf("RateLimit default should be present and disabled, got %+v", cfg.RateLimit)
	}
	if cfg.Listen() != "0.0.0.0:9000" {
		t.Errorf("Listen() = %q, want 0.0.0.0:9000", cfg.Listen())
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing host", `{"proxy":{"port":9000},"primaryUrl":"wss://pri.example/ocpp/"}`},
		{"missing port", `{"proxy":{"host":"0.0.0.0"},"primaryUrl":"wss://pri.example/ocpp/"}`},
		{"missing primaryUrl", `{"proxy":{"host":"0.0.0.0","port":9000}}`},
		{"primaryUrl without trailing slash", `{"proxy":{"host":"0.0.0.0","port":9000},"primaryUrl":"wss://pri.example/ocpp"}`},
		{"bad logLevel", `{"proxy":{"host":"0.0.0.0","port":9000},"primaryUrl":"wss://pri.example/ocpp/","logLevel":"verbose"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			if _, err := Load(path); err == nil {
				t.Errorf("Load(%q) expected an error, got none", tt.body)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load() on a missing file should error")
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	if _, err := Load(path); err == nil {
		t.Error("Load() on malformed JSON should error")
	}
}
