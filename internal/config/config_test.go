package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "lessonlens" {
		t.Errorf("expected server name lessonlens, got %q", cfg.Server.Name)
	}
	if cfg.Capture.IdleThresholdMs != 600 {
		t.Errorf("expected idle threshold 600ms, got %d", cfg.Capture.IdleThresholdMs)
	}
	if cfg.Fusion.StateWeight != 0.5 || cfg.Fusion.StructuralWeight != 0.3 || cfg.Fusion.VisualWeight != 0.2 {
		t.Errorf("unexpected default fusion weights: %v %v %v",
			cfg.Fusion.StateWeight, cfg.Fusion.StructuralWeight, cfg.Fusion.VisualWeight)
	}
	if !cfg.Browser.IsHeadless() {
		t.Error("expected headless by default")
	}
	// Defaults alone cannot validate: auto_start needs a browser target.
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error without a browser target")
	}
	cfg.Browser.DebuggerURL = "ws://localhost:9222"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with browser target should validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
server:
  name: lessonlens-test
browser:
  debugger_url: ws://localhost:9222
  input_poll_ms: 100
capture:
  idle_threshold_ms: 400
  max_window_ms: 3000
fusion:
  state_weight: 0.6
  structural_weight: 0.25
  visual_weight: 0.15
http:
  port: 9090
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Name != "lessonlens-test" {
		t.Errorf("expected overridden name, got %q", cfg.Server.Name)
	}
	if cfg.Browser.InputPollInterval() != 100*time.Millisecond {
		t.Errorf("expected 100ms poll, got %v", cfg.Browser.InputPollInterval())
	}
	if cfg.Capture.IdleThreshold() != 400*time.Millisecond {
		t.Errorf("expected 400ms idle threshold, got %v", cfg.Capture.IdleThreshold())
	}
	if cfg.Fusion.StateWeight != 0.6 {
		t.Errorf("expected state weight 0.6, got %v", cfg.Fusion.StateWeight)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Storage.LessonDB != "data/lessons.db" {
		t.Errorf("expected default lesson db path, got %q", cfg.Storage.LessonDB)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.HTTP.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty config path")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig()
		cfg.Browser.DebuggerURL = "ws://localhost:9222"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing name", func(c *Config) { c.Server.Name = "" }, true},
		{"autostart without target", func(c *Config) { c.Browser.DebuggerURL = "" }, true},
		{"autostart off needs no target", func(c *Config) {
			c.Browser.DebuggerURL = ""
			c.Browser.AutoStart = false
		}, false},
		{"launch instead of url", func(c *Config) {
			c.Browser.DebuggerURL = ""
			c.Browser.Launch = []string{"google-chrome", "--remote-debugging-port=9222"}
		}, false},
		{"zero idle threshold", func(c *Config) { c.Capture.IdleThresholdMs = 0 }, true},
		{"cap below idle", func(c *Config) { c.Capture.MaxWindowMs = 500 }, true},
		{"negative weight", func(c *Config) { c.Fusion.VisualWeight = -0.1 }, true},
		{"all-zero weights", func(c *Config) {
			c.Fusion.StateWeight = 0
			c.Fusion.StructuralWeight = 0
			c.Fusion.VisualWeight = 0
		}, true},
		{"success threshold above one", func(c *Config) { c.Fusion.SuccessThreshold = 1.5 }, true},
		{"conflict penalty zero", func(c *Config) { c.Fusion.ConflictPenalty = 0 }, true},
		{"no surface enabled", func(c *Config) {
			c.HTTP.Port = 0
			c.MCP.SSEPort = 0
			c.MCP.Stdio = false
		}, true},
		{"stdio only", func(c *Config) {
			c.HTTP.Port = 0
			c.MCP.Stdio = true
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	var f FusionConfig
	if f.CollectTimeout() != 2500*time.Millisecond {
		t.Errorf("expected fallback collect deadline, got %v", f.CollectTimeout())
	}
	f.CollectDeadline = "1s"
	if f.CollectTimeout() != time.Second {
		t.Errorf("expected 1s collect deadline, got %v", f.CollectTimeout())
	}
	f.CollectDeadline = "garbage"
	if f.CollectTimeout() != 2500*time.Millisecond {
		t.Errorf("expected fallback on bad duration, got %v", f.CollectTimeout())
	}

	var c CaptureConfig
	if c.Grace() != 0 {
		t.Errorf("expected zero grace for zero config, got %v", c.Grace())
	}
	c.GraceMs = 150
	if c.Grace() != 150*time.Millisecond {
		t.Errorf("expected 150ms grace, got %v", c.Grace())
	}
}
