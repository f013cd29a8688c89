package config

import (
	"os"
	"time"
)

// Config is the root configuration for the zapgate gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Buffer    BufferConfig    `json:"buffer"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Providers ProvidersConfig `json:"providers"`
	Agents    AgentsConfig    `json:"agents"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// GatewayConfig configures the HTTP listener and webhook access control.
type GatewayConfig struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	AdminToken   string   `json:"-"`                    // from env ZAPGATE_ADMIN_TOKEN only
	AllowFrom    []string `json:"allow_from,omitempty"` // sender phone allowlist; empty = open
	RateLimitRPM int      `json:"rate_limit_rpm,omitempty"`
}

// BufferConfig is the buffering core's timing surface. All values in seconds
// except the retry threshold.
type BufferConfig struct {
	WindowSeconds         int `json:"window_seconds"`          // sliding debounce window (default 15)
	CheckIntervalSeconds  int `json:"check_interval_seconds"`  // sweep period (default 3)
	LockTimeoutSeconds    int `json:"lock_timeout_seconds"`    // stale-lock force-release in acquire path (default 60)
	StuckAgeSeconds       int `json:"stuck_age_seconds"`       // buffer age that signals a sweep failure (default 120)
	HealthIntervalSeconds int `json:"health_interval_seconds"` // health worker period (default 300)
	StuckLockSeconds      int `json:"stuck_lock_seconds"`      // health force-unlock threshold (default 300)
	UnprocessedSeconds    int `json:"unprocessed_seconds"`     // health force-expire threshold (default 60)
	HighRetryThreshold    int `json:"high_retry_threshold"`    // manual-review alert threshold (default 5)
}

// Window returns the debounce window as a duration.
func (b BufferConfig) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

// WhatsAppConfig configures the Z-API transport.
// Token and ClientToken come from env only (secrets).
type WhatsAppConfig struct {
	Instance      string  `json:"instance"`
	Token         string  `json:"-"`                  // from env ZAPGATE_ZAPI_TOKEN only
	ClientToken   string  `json:"-"`                  // from env ZAPGATE_ZAPI_CLIENT_TOKEN only
	BaseURL       string  `json:"base_url,omitempty"` // override for tests/mock API
	RatePerSecond float64 `json:"rate_per_second,omitempty"`
	Burst         int     `json:"burst,omitempty"`
}

// ProvidersConfig configures LLM backends.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `json:"openai"`
}

// OpenAIConfig is an OpenAI-compatible chat-completions endpoint.
type OpenAIConfig struct {
	APIKey  string `json:"-"` // from env ZAPGATE_OPENAI_API_KEY only
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// AgentsConfig configures the two personas.
type AgentsConfig struct {
	HistoryLimit int        `json:"history_limit,omitempty"` // conversation turns fed to the LLM
	Sales        PersonaCfg `json:"sales,omitempty"`
	Nutrition    PersonaCfg `json:"nutrition,omitempty"`
}

// PersonaCfg is a per-persona override. Zero values inherit defaults.
type PersonaCfg struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// DatabaseConfig selects the store backend.
// PostgresDSN is NEVER read from the config file — env ZAPGATE_POSTGRES_DSN only.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true when the gateway should use Postgres stores.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// StorageConfig configures the standalone file backend.
type StorageConfig struct {
	DataDir string `json:"data_dir,omitempty"`
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // e.g. "localhost:4318"
	Protocol    string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
