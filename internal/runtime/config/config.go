package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Backoff policies understood by the connection supervisor.
const (
	BackoffExponential = "exponential"
	BackoffConstant    = "constant"
)

// Failure policies understood by the dispatcher. See dispatch.FailurePolicy.
const (
	FailureRequeueOnce = "requeue-once"
	FailureRequeue     = "requeue"
	FailureReject      = "reject"
	FailureAck         = "ack"
)

// Config is the process configuration. It is loaded once at startup and
// shared read-only by every component.
type Config struct {
	ServiceName string

	Server   ServerConfig
	Broker   BrokerConfig
	Dispatch DispatchConfig
	Shutdown ShutdownConfig
	Log      LogConfig

	// MetricsEnabled exposes /metrics on the probe server.
	MetricsEnabled bool
}

// ServerConfig configures the probe HTTP server.
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Addr returns the host:port the probe server binds to.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BrokerConfig holds everything needed to reach and consume from RabbitMQ.
type BrokerConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	Queue        string
	QueueDurable bool

	// MaxConnectionAttempts bounds one connect cycle. Reaching it is fatal.
	MaxConnectionAttempts int

	BackoffPolicy          string
	BackoffInitialInterval time.Duration
	BackoffMaxInterval     time.Duration
	BackoffMultiplier      float64

	Heartbeat time.Duration
	// PrefetchCount of zero means twice the dispatch concurrency.
	PrefetchCount int
	ConsumerTag   string

	// DeadLetterExchange, when set, is declared on the queue as
	// x-dead-letter-exchange so rejected messages are routed there.
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// URI renders amqp://<username>:<password>@<host>:<port>.
func (b BrokerConfig) URI() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(b.Username, b.Password),
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
	}
	return u.String()
}

// DispatchConfig tunes message handling.
type DispatchConfig struct {
	Concurrency   int
	FailurePolicy string
	// HandlerTimeout of zero leaves handlers unbounded.
	HandlerTimeout time.Duration
}

// ShutdownConfig bounds the two blocking shutdown phases.
type ShutdownConfig struct {
	DrainTimeout time.Duration
	CloseTimeout time.Duration
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// EffectivePrefetch resolves the prefetch count used for basic.qos.
func (c *Config) EffectivePrefetch() int {
	if c.Broker.PrefetchCount > 0 {
		return c.Broker.PrefetchCount
	}
	return 2 * c.Dispatch.Concurrency
}

func (c Config) String() string {
	copy := c
	if copy.Broker.Password != "" {
		copy.Broker.Password = "***REDACTED***"
	}
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateBroker()...)
	errs = append(errs, c.validateDispatch()...)
	errs = append(errs, c.validateShutdown()...)

	return errors.Join(errs...)
}

func (c *Config) validateServer() []error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server: invalid port %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server: shutdown timeout cannot be negative"))
	}
	return errs
}

func (c *Config) validateBroker() []error {
	var errs []error
	b := c.Broker
	if b.Host == "" {
		errs = append(errs, errors.New("broker: host is required"))
	}
	if b.Port <= 0 || b.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker: invalid port %d", b.Port))
	}
	if b.Queue == "" {
		errs = append(errs, errors.New("broker: queue name is required"))
	}
	if b.MaxConnectionAttempts < 1 {
		errs = append(errs, errors.New("broker: max connection attempts must be at least 1"))
	}
	switch strings.ToLower(b.BackoffPolicy) {
	case BackoffExponential:
		if b.BackoffMultiplier < 1 {
			errs = append(errs, errors.New("broker: backoff multiplier must be >= 1"))
		}
	case BackoffConstant:
	default:
		errs = append(errs, fmt.Errorf("broker: unknown backoff policy %q", b.BackoffPolicy))
	}
	if b.BackoffInitialInterval <= 0 {
		errs = append(errs, errors.New("broker: backoff initial interval must be positive"))
	}
	if b.BackoffMaxInterval > 0 && b.BackoffInitialInterval > b.BackoffMaxInterval {
		errs = append(errs, errors.New("broker: backoff initial interval cannot exceed max interval"))
	}
	if b.PrefetchCount < 0 {
		errs = append(errs, errors.New("broker: prefetch count cannot be negative"))
	}
	return errs
}

func (c *Config) validateDispatch() []error {
	var errs []error
	if c.Dispatch.Concurrency < 1 {
		errs = append(errs, errors.New("dispatch: concurrency must be at least 1"))
	}
	switch c.Dispatch.FailurePolicy {
	case FailureRequeueOnce, FailureRequeue, FailureReject, FailureAck:
	default:
		errs = append(errs, fmt.Errorf("dispatch: unknown failure policy %q", c.Dispatch.FailurePolicy))
	}
	if c.Dispatch.HandlerTimeout < 0 {
		errs = append(errs, errors.New("dispatch: handler timeout cannot be negative"))
	}
	return errs
}

func (c *Config) validateShutdown() []error {
	var errs []error
	if c.Shutdown.DrainTimeout <= 0 {
		errs = append(errs, errors.New("shutdown: drain timeout must be positive"))
	}
	if c.Shutdown.CloseTimeout <= 0 {
		errs = append(errs, errors.New("shutdown: close timeout must be positive"))
	}
	return errs
}
