package config

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the complete mmate-rpc configuration.
type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	API    APIConfig    `yaml:"api"`
	Bridge BridgeConfig `yaml:"bridge"`
	Worker WorkerConfig `yaml:"worker"`
	Log    LogConfig    `yaml:"log"`
}

// BrokerConfig defines the RabbitMQ connection.
type BrokerConfig struct {
	// URL is an amqp:// URL or a bare host name.
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	ChannelPool    int           `yaml:"channel_pool"`
	// Mandatory makes a request no queue is bound for fail its publish
	// instead of waiting out its timeout.
	Mandatory bool `yaml:"mandatory"`
}

// APIConfig defines the HTTP front door and its request namespace.
type APIConfig struct {
	Version         int           `yaml:"version"`
	Listen          string        `yaml:"listen"`
	Exchange        string        `yaml:"exchange"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BridgeConfig defines request correlation settings. MaxRequeues above 1
// only takes effect on reply queues that set x-delivery-count (quorum
// queues); classic queues requeue an unmatched reply once.
type BridgeConfig struct {
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	ReplyQueue     string               `yaml:"reply_queue"`
	ReplyTTL       time.Duration        `yaml:"reply_ttl"`
	MaxPending     int                  `yaml:"max_pending"`
	MaxRequeues    int                  `yaml:"max_requeues"`
	PrefetchCount  int                  `yaml:"prefetch_count"`
	PublishRetries int                  `yaml:"publish_retries"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	// TimeOrderedIDs mints UUIDv7 correlation ids instead of UUIDv4.
	TimeOrderedIDs bool `yaml:"time_ordered_ids"`
}

// CircuitBreakerConfig guards request publication. A zero threshold
// disables the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// WorkerConfig defines the echo worker.
type WorkerConfig struct {
	WorkDelay     time.Duration `yaml:"work_delay"`
	Concurrency   int           `yaml:"concurrency"`
	PrefetchCount int           `yaml:"prefetch_count"`
}

// LogConfig defines process logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RoutingKey is the routing key requests of this API version use.
func (c *Config) RoutingKey() string {
	return fmt.Sprintf("v%d.api", c.API.Version)
}

// RequestQueue is the queue workers of this API version consume.
func (c *Config) RequestQueue() string {
	return fmt.Sprintf("v%d.api.q", c.API.Version)
}

// BrokerURL returns the broker address as an AMQP URL. A bare host gets the
// default guest credentials and port.
func (c *Config) BrokerURL() string {
	u := c.Broker.URL
	if strings.Contains(u, "://") {
		return u
	}
	if !strings.Contains(u, ":") {
		u += ":5672"
	}
	return "amqp://guest:guest@" + u + "/"
}
