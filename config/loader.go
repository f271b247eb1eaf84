package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrInvalidConfig is matched by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:            "rabbitmq",
			ReconnectDelay: time.Second,
			ConfirmTimeout: 5 * time.Second,
			ChannelPool:    10,
			Mandatory:      true,
		},
		API: APIConfig{
			Version:         0,
			Listen:          ":9090",
			Exchange:        "api",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Bridge: BridgeConfig{
			RequestTimeout: 5 * time.Second,
			ReplyQueue:     "response.api.q",
			ReplyTTL:       10 * time.Second,
			MaxPending:     1000,
			MaxRequeues:    1,
			PrefetchCount:  50,
			PublishRetries: 2,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Worker: WorkerConfig{
			WorkDelay:     750 * time.Millisecond,
			Concurrency:   4,
			PrefetchCount: 10,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "json",
		},
	}
}

// Load reads configuration from path over the defaults. An empty path
// returns the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Defaults()
		return cfg, Validate(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults after expanding ${VAR} placeholders.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// left in place so validation can name the missing variable
		return match
	})
}

// Validate checks cross-field constraints.
func Validate(cfg *Config) error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Broker.URL == "" {
		fail("broker.url is required")
	} else if m := envVarPattern.FindStringSubmatch(cfg.Broker.URL); m != nil {
		fail("broker.url: environment variable ${%s} is not set", m[1])
	}
	if cfg.Broker.ReconnectDelay <= 0 {
		fail("broker.reconnect_delay must be positive")
	}
	if cfg.Broker.ConfirmTimeout <= 0 {
		fail("broker.confirm_timeout must be positive")
	}
	if cfg.Broker.ChannelPool < 1 {
		fail("broker.channel_pool must be at least 1")
	}

	if cfg.API.Version < 0 {
		fail("api.version must not be negative")
	}
	if cfg.API.Listen == "" {
		fail("api.listen is required")
	}
	if cfg.API.Exchange == "" {
		fail("api.exchange is required")
	}
	if cfg.API.MaxBodyBytes <= 0 {
		fail("api.max_body_bytes must be positive")
	}

	if cfg.Bridge.RequestTimeout <= 0 {
		fail("bridge.request_timeout must be positive")
	}
	if cfg.Bridge.ReplyQueue == "" {
		fail("bridge.reply_queue is required")
	}
	// a reply must outlive the request waiting for it
	if cfg.Bridge.ReplyTTL < cfg.Bridge.RequestTimeout {
		fail("bridge.reply_ttl (%s) must be >= bridge.request_timeout (%s)",
			cfg.Bridge.ReplyTTL, cfg.Bridge.RequestTimeout)
	}
	if cfg.Bridge.MaxPending < 0 {
		fail("bridge.max_pending must not be negative")
	}
	if cfg.Bridge.MaxRequeues < 0 {
		fail("bridge.max_requeues must not be negative")
	}
	if cfg.Bridge.PublishRetries < 0 {
		fail("bridge.publish_retries must not be negative")
	}
	if cfg.Bridge.CircuitBreaker.FailureThreshold > 0 && cfg.Bridge.CircuitBreaker.OpenTimeout <= 0 {
		fail("bridge.circuit_breaker.open_timeout must be positive")
	}

	if cfg.Worker.WorkDelay < 0 {
		fail("worker.work_delay must not be negative")
	}
	if cfg.Worker.Concurrency < 1 {
		fail("worker.concurrency must be at least 1")
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		fail("log.format must be json or text")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
