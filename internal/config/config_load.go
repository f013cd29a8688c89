package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18890,
			RateLimitRPM: 60,
		},
		Buffer: BufferConfig{
			WindowSeconds:         15,
			CheckIntervalSeconds:  3,
			LockTimeoutSeconds:    60,
			StuckAgeSeconds:       120,
			HealthIntervalSeconds: 300,
			StuckLockSeconds:      300,
			UnprocessedSeconds:    60,
			HighRetryThreshold:    5,
		},
		WhatsApp: WhatsAppConfig{
			RatePerSecond: 1,
			Burst:         5,
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				Model: "gpt-4o-mini",
			},
		},
		Agents: AgentsConfig{
			HistoryLimit: 20,
		},
		Storage: StorageConfig{
			DataDir: "~/.zapgate/data",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
// A missing file is not an error — defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	// Secrets (env only — never persisted)
	envStr("ZAPGATE_ADMIN_TOKEN", &c.Gateway.AdminToken)
	envStr("ZAPGATE_ZAPI_TOKEN", &c.WhatsApp.Token)
	envStr("ZAPGATE_ZAPI_CLIENT_TOKEN", &c.WhatsApp.ClientToken)
	envStr("ZAPGATE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("ZAPGATE_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("ZAPGATE_ZAPI_INSTANCE", &c.WhatsApp.Instance)
	envStr("ZAPGATE_ZAPI_BASE_URL", &c.WhatsApp.BaseURL)
	envStr("ZAPGATE_OPENAI_API_BASE", &c.Providers.OpenAI.APIBase)
	envStr("ZAPGATE_MODEL", &c.Providers.OpenAI.Model)
	envStr("ZAPGATE_MODE", &c.Database.Mode)
	envStr("ZAPGATE_DATA_DIR", &c.Storage.DataDir)

	envStr("ZAPGATE_HOST", &c.Gateway.Host)
	envInt("ZAPGATE_PORT", &c.Gateway.Port)

	// Buffer timing knobs
	envInt("ZAPGATE_BUFFER_WINDOW_SECONDS", &c.Buffer.WindowSeconds)
	envInt("ZAPGATE_BUFFER_CHECK_INTERVAL_SECONDS", &c.Buffer.CheckIntervalSeconds)
	envInt("ZAPGATE_BUFFER_LOCK_TIMEOUT_SECONDS", &c.Buffer.LockTimeoutSeconds)

	// Sender phone allow-list (comma-separated)
	if v := os.Getenv("ZAPGATE_ALLOW_FROM"); v != "" {
		parts := strings.Split(v, ",")
		allow := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				allow = append(allow, p)
			}
		}
		c.Gateway.AllowFrom = allow
	}

	// Telemetry
	envStr("ZAPGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ZAPGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ZAPGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("ZAPGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ZAPGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}
