// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	LogLevel      string
	ProjectName   string
	BotToken      string
	ChatID        int64
	WebhookURL    string
	TmuxSession   string
	DockerEnabled bool
	DockerNetwork string
	PipeDir       string
	InstancesPath string

	// PreferTmux controls instance selection when both kinds are available.
	PreferTmux bool

	Limits  LimitsConfig
	Timeout TimeoutConfig
	Delta   DeltaConfig
}

// LimitsConfig bounds inbound webhook traffic and in-memory state.
type LimitsConfig struct {
	MaxRequestSize   int
	MaxMessageLength int
	RateWindow       time.Duration
	RateMaxRequests  int
	DedupCapacity    int
	DedupTTL         time.Duration
	MaxHistory       int
}

// TimeoutConfig holds the bridge's operation deadlines.
type TimeoutConfig struct {
	Response       time.Duration // waiting for an agent reply
	Shutdown       time.Duration // draining in-flight requests
	RequestTimeout time.Duration // active turn watchdog
	IdleTimeout    time.Duration // session active -> idle
	MaxInactive    time.Duration // session reap threshold
	PipeRead       time.Duration // FIFO idle detection
	HealthInterval time.Duration // health monitor cadence
	RecoveryDelay  time.Duration // min spacing between recovery attempts
}

// DeltaConfig tunes the tmux delta-extraction protocol. These knobs were
// hardcoded in earlier revisions; they are configuration now.
type DeltaConfig struct {
	PollInterval time.Duration
	MinWait      time.Duration
	StableChecks int
	PromptChars  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		ProjectName:   getEnv("PROJECT_NAME", "ccbridge"),
		BotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		ChatID:        getEnvInt64("TELEGRAM_CHAT_ID", 0),
		WebhookURL:    getEnv("TELEGRAM_WEBHOOK_URL", ""),
		TmuxSession:   getEnv("TMUX_SESSION", ""),
		DockerEnabled: getEnvBool("DOCKER_ENABLED", true),
		DockerNetwork: getEnv("DOCKER_NETWORK", "ccbridge"),
		PipeDir:       getEnv("PIPE_DIR", "/tmp/ccbridge-pipes"),
		InstancesPath: getEnv("INSTANCES_PATH", "./data/instances.json"),
		PreferTmux:    getEnv("INSTANCE_PREFERENCE", "tmux") == "tmux",
		Limits: LimitsConfig{
			MaxRequestSize:   getEnvInt("MAX_REQUEST_SIZE", 10000),
			MaxMessageLength: getEnvInt("MAX_MESSAGE_LENGTH", 4000),
			RateWindow:       getEnvDuration("RATE_WINDOW", 60*time.Second),
			RateMaxRequests:  getEnvInt("RATE_MAX_REQUESTS", 10),
			DedupCapacity:    getEnvInt("DEDUP_CAPACITY", 100),
			DedupTTL:         getEnvDuration("DEDUP_TTL", 10*time.Minute),
			MaxHistory:       getEnvInt("MAX_HISTORY", 100),
		},
		Timeout: TimeoutConfig{
			Response:       getEnvDuration("RESPONSE_TIMEOUT", 5*time.Minute),
			Shutdown:       getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 120*time.Second),
			IdleTimeout:    getEnvDuration("IDLE_TIMEOUT", 300*time.Second),
			MaxInactive:    getEnvDuration("MAX_INACTIVE_TIME", time.Hour),
			PipeRead:       getEnvDuration("PIPE_READ_TIMEOUT", 30*time.Second),
			HealthInterval: getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
			RecoveryDelay:  getEnvDuration("RECOVERY_DELAY", 60*time.Second),
		},
		Delta: DeltaConfig{
			PollInterval: getEnvDuration("DELTA_POLL_INTERVAL", time.Second),
			MinWait:      getEnvDuration("DELTA_MIN_WAIT", 2*time.Second),
			StableChecks: getEnvInt("DELTA_STABLE_CHECKS", 3),
			PromptChars:  getEnv("DELTA_PROMPT_CHARS", "❯>»"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.BotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN cannot be empty")
	}
	if c.PipeDir == "" {
		return fmt.Errorf("PIPE_DIR cannot be empty")
	}
	if c.InstancesPath == "" {
		return fmt.Errorf("INSTANCES_PATH cannot be empty")
	}
	if c.Limits.MaxRequestSize <= 0 {
		return fmt.Errorf("MAX_REQUEST_SIZE must be > 0")
	}
	if c.Limits.RateMaxRequests <= 0 {
		return fmt.Errorf("RATE_MAX_REQUESTS must be > 0")
	}
	if c.Limits.MaxHistory <= 0 {
		return fmt.Errorf("MAX_HISTORY must be > 0")
	}
	if c.Delta.StableChecks <= 0 {
		return fmt.Errorf("DELTA_STABLE_CHECKS must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
