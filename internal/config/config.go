package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures all tunable settings for the lessonlens server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	Capture  CaptureConfig  `yaml:"capture"`
	Fusion   FusionConfig   `yaml:"fusion"`
	Verify   VerifyConfig   `yaml:"verify"`
	Vision   VisionConfig   `yaml:"vision"`
	State    StateConfig    `yaml:"state"`
	Stream   StreamConfig   `yaml:"stream"`
	Storage  StorageConfig  `yaml:"storage"`
	HTTP     HTTPConfig     `yaml:"http"`
	MCP      MCPConfig      `yaml:"mcp"`
	Facts    FactsConfig    `yaml:"facts"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode.
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Substrings that must appear in the page before a session goes Active
	// (e.g. the target app's grid container class). Empty disables the wait.
	ReadyMarkers []string `yaml:"ready_markers"`
	// How long to wait for the ready markers before giving up (e.g., "30s").
	ReadyTimeout string `yaml:"ready_timeout"`
	// Interval for draining buffered input events from the page (ms).
	InputPollMs int `yaml:"input_poll_ms"`
	// Viewport dimensions for new pages.
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
}

// CaptureConfig tunes the action window tracker. The grouping heuristics are
// domain-dependent (typing speed, host-app debounce latency), so all three
// durations are configuration rather than constants.
type CaptureConfig struct {
	// Quiet period after the last input event before a window closes (ms).
	IdleThresholdMs int `yaml:"idle_threshold_ms"`
	// Hard cap on window duration, closing even under continuous input (ms).
	MaxWindowMs int `yaml:"max_window_ms"`
	// Grace period after close during which a late, related event is still
	// attached to the closed window (ms).
	GraceMs int `yaml:"grace_ms"`
}

// FusionConfig tunes evidence weighting and classification. The weights and
// thresholds are policy, not law; they are expected to be tuned per target
// application against recorded sessions.
type FusionConfig struct {
	StateWeight      float64 `yaml:"state_weight"`
	StructuralWeight float64 `yaml:"structural_weight"`
	VisualWeight     float64 `yaml:"visual_weight"`
	SuccessThreshold float64 `yaml:"success_threshold"`
	ConflictPenalty  float64 `yaml:"conflict_penalty"`
	// Deadline for evidence collection, measured from window close (e.g., "2500ms").
	CollectDeadline string `yaml:"collect_deadline"`
	// How long a stopping session waits for in-flight windows to drain (e.g., "5s").
	DrainGrace string `yaml:"drain_grace"`
}

// VerifyConfig tunes the lesson replay verifier.
type VerifyConfig struct {
	// How long to wait for the student's next action (e.g., "60s").
	ActionTimeout string `yaml:"action_timeout"`
	// Minimum interpretation similarity for a PARTIAL verdict.
	PartialThreshold float64 `yaml:"partial_threshold"`
}

// VisionConfig points at the external image-description service.
type VisionConfig struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
	// Name of the environment variable holding the API key, if the service
	// requires one. The key itself never lives in config files.
	APIKeyEnv string `yaml:"api_key_env"`
}

// StateConfig points at the external application's authoritative state API.
type StateConfig struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
}

type StreamConfig struct {
	// Per-subscriber event buffer. A subscriber that falls this far behind is
	// dropped rather than blocking emission.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type StorageConfig struct {
	// Path to the SQLite lesson database.
	LessonDB string `yaml:"lesson_db"`
}

type HTTPConfig struct {
	// Port for the session/lesson REST + SSE API. 0 disables the HTTP surface.
	Port int `yaml:"port"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
	// Stdio enables the stdio MCP transport for CLI coaches.
	Stdio bool `yaml:"stdio"`
}

// FactsConfig controls the embedded deductive fact log.
type FactsConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

type RecorderConfig struct {
	TraceDir string `yaml:"trace_dir"`
	MaxFiles int    `yaml:"max_files"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "lessonlens",
			Version: "0.1.0",
			LogFile: "lessonlens.log",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			ReadyTimeout:             "30s",
			InputPollMs:              250,
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Capture: CaptureConfig{
			IdleThresholdMs: 600,
			MaxWindowMs:     5000,
			GraceMs:         150,
		},
		Fusion: FusionConfig{
			StateWeight:      0.5,
			StructuralWeight: 0.3,
			VisualWeight:     0.2,
			SuccessThreshold: 0.6,
			ConflictPenalty:  0.6,
			CollectDeadline:  "2500ms",
			DrainGrace:       "5s",
		},
		Verify: VerifyConfig{
			ActionTimeout:    "60s",
			PartialThreshold: 0.4,
		},
		Vision: VisionConfig{
			Timeout:   "10s",
			APIKeyEnv: "VISION_API_KEY",
		},
		State: StateConfig{
			Timeout: "5s",
		},
		Stream: StreamConfig{
			SubscriberBuffer: 64,
		},
		Storage: StorageConfig{
			LessonDB: "data/lessons.db",
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
		MCP: MCPConfig{
			SSEPort: 0,
			Stdio:   false,
		},
		Facts: FactsConfig{
			Enable:          true,
			SchemaPath:      "schemas/verification.mg",
			FactBufferLimit: 4096,
		},
		Recorder: RecorderConfig{
			TraceDir: "data/traces",
			MaxFiles: 3,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	if c.Capture.IdleThresholdMs <= 0 {
		return errors.New("capture.idle_threshold_ms must be positive")
	}
	if c.Capture.MaxWindowMs <= c.Capture.IdleThresholdMs {
		return errors.New("capture.max_window_ms must exceed capture.idle_threshold_ms")
	}
	if err := validateFusion(c.Fusion); err != nil {
		return err
	}
	if c.HTTP.Port == 0 && c.MCP.SSEPort == 0 && !c.MCP.Stdio {
		return errors.New("no surface enabled: set http.port, mcp.sse_port, or mcp.stdio")
	}
	return nil
}

func validateFusion(f FusionConfig) error {
	for name, w := range map[string]float64{
		"fusion.state_weight":      f.StateWeight,
		"fusion.structural_weight": f.StructuralWeight,
		"fusion.visual_weight":     f.VisualWeight,
	} {
		if w < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	if f.StateWeight+f.StructuralWeight+f.VisualWeight <= 0 {
		return errors.New("fusion weights must not all be zero")
	}
	if f.SuccessThreshold <= 0 || f.SuccessThreshold > 1 {
		return errors.New("fusion.success_threshold must be in (0,1]")
	}
	if f.ConflictPenalty <= 0 || f.ConflictPenalty > 1 {
		return errors.New("fusion.conflict_penalty must be in (0,1]")
	}
	return nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDurationOr(b.DefaultNavigationTimeout, 15*time.Second)
}

// ReadyWait returns the parsed app readiness timeout with a sane default.
func (b BrowserConfig) ReadyWait() time.Duration {
	return parseDurationOr(b.ReadyTimeout, 30*time.Second)
}

// InputPollInterval returns the input drain interval with a sane default.
func (b BrowserConfig) InputPollInterval() time.Duration {
	if b.InputPollMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(b.InputPollMs) * time.Millisecond
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// IdleThreshold returns the quiet period as a duration.
func (c CaptureConfig) IdleThreshold() time.Duration {
	if c.IdleThresholdMs <= 0 {
		return 600 * time.Millisecond
	}
	return time.Duration(c.IdleThresholdMs) * time.Millisecond
}

// MaxWindow returns the hard window cap as a duration.
func (c CaptureConfig) MaxWindow() time.Duration {
	if c.MaxWindowMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.MaxWindowMs) * time.Millisecond
}

// Grace returns the late-event attachment window as a duration.
func (c CaptureConfig) Grace() time.Duration {
	if c.GraceMs < 0 {
		return 0
	}
	return time.Duration(c.GraceMs) * time.Millisecond
}

// CollectTimeout returns the evidence collection deadline with a sane default.
func (f FusionConfig) CollectTimeout() time.Duration {
	return parseDurationOr(f.CollectDeadline, 2500*time.Millisecond)
}

// DrainTimeout returns the session drain grace with a sane default.
func (f FusionConfig) DrainTimeout() time.Duration {
	return parseDurationOr(f.DrainGrace, 5*time.Second)
}

// WaitTimeout returns the student-action wait with a sane default.
func (v VerifyConfig) WaitTimeout() time.Duration {
	return parseDurationOr(v.ActionTimeout, 60*time.Second)
}

// CallTimeout returns the vision service timeout with a sane default.
func (v VisionConfig) CallTimeout() time.Duration {
	return parseDurationOr(v.Timeout, 10*time.Second)
}

// CallTimeout returns the state API timeout with a sane default.
func (s StateConfig) CallTimeout() time.Duration {
	return parseDurationOr(s.Timeout, 5*time.Second)
}

// BufferSize returns the per-subscriber buffer with a sane default.
func (s StreamConfig) BufferSize() int {
	if s.SubscriberBuffer <= 0 {
		return 64
	}
	return s.SubscriberBuffer
}
