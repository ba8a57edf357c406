package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment keys.
const (
	KeyServiceName = "SERVICE_NAME"

	KeyHTTPHost            = "HTTP_SERVER_HOST"
	KeyHTTPPort            = "HTTP_SERVER_PORT"
	KeyHTTPShutdownTimeout = "HTTP_SHUTDOWN_TIMEOUT"

	KeyAMQPHost                   = "AMQP_HOST"
	KeyAMQPPort                   = "AMQP_PORT"
	KeyAMQPUsername               = "AMQP_USERNAME"
	KeyAMQPPassword               = "AMQP_PASSWORD"
	KeyAMQPQueue                  = "AMQP_QUEUE"
	KeyAMQPQueueDurable           = "AMQP_QUEUE_DURABLE"
	KeyAMQPMaxConnectionAttempts  = "AMQP_MAX_CONNECTION_ATTEMPTS"
	KeyAMQPBackoffPolicy          = "AMQP_BACKOFF_POLICY"
	KeyAMQPBackoffInitialInterval = "AMQP_BACKOFF_INITIAL_INTERVAL"
	KeyAMQPBackoffMaxInterval     = "AMQP_BACKOFF_MAX_INTERVAL"
	KeyAMQPBackoffMultiplier      = "AMQP_BACKOFF_MULTIPLIER"
	KeyAMQPHeartbeat              = "AMQP_HEARTBEAT"
	KeyAMQPPrefetchCount          = "AMQP_PREFETCH_COUNT"
	KeyAMQPConsumerTag            = "AMQP_CONSUMER_TAG"
	KeyAMQPDeadLetterExchange     = "AMQP_DEAD_LETTER_EXCHANGE"
	KeyAMQPDeadLetterRoutingKey   = "AMQP_DEAD_LETTER_ROUTING_KEY"

	KeyDispatchConcurrency    = "DISPATCH_CONCURRENCY"
	KeyDispatchFailurePolicy  = "DISPATCH_FAILURE_POLICY"
	KeyDispatchHandlerTimeout = "DISPATCH_HANDLER_TIMEOUT"

	KeyShutdownDrainTimeout = "SHUTDOWN_DRAIN_TIMEOUT"
	KeyShutdownCloseTimeout = "SHUTDOWN_CLOSE_TIMEOUT"

	KeyLogLevel       = "LOG_LEVEL"
	KeyLogFormat      = "LOG_FORMAT"
	KeyMetricsEnabled = "METRICS_ENABLED"
)

var defaults = map[string]any{
	KeyServiceName: "notification-service",

	KeyHTTPHost:            "0.0.0.0",
	KeyHTTPPort:            4000,
	KeyHTTPShutdownTimeout: 5 * time.Second,

	KeyAMQPHost:                   "rabbitmq",
	KeyAMQPPort:                   5672,
	KeyAMQPUsername:               "default",
	KeyAMQPPassword:               "default",
	KeyAMQPQueue:                  "notification-service",
	KeyAMQPQueueDurable:           false,
	KeyAMQPMaxConnectionAttempts:  10,
	KeyAMQPBackoffPolicy:          BackoffExponential,
	KeyAMQPBackoffInitialInterval: time.Second,
	KeyAMQPBackoffMaxInterval:     30 * time.Second,
	KeyAMQPBackoffMultiplier:      2.0,
	KeyAMQPHeartbeat:              10 * time.Second,
	KeyAMQPPrefetchCount:          0,
	KeyAMQPConsumerTag:            "notification-service",
	KeyAMQPDeadLetterExchange:     "",
	KeyAMQPDeadLetterRoutingKey:   "",

	KeyDispatchConcurrency:    8,
	KeyDispatchFailurePolicy:  FailureRequeueOnce,
	KeyDispatchHandlerTimeout: time.Duration(0),

	KeyShutdownDrainTimeout: 10 * time.Second,
	KeyShutdownCloseTimeout: 5 * time.Second,

	KeyLogLevel:       "info",
	KeyLogFormat:      "json",
	KeyMetricsEnabled: true,
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// EnvFile is an optional dotenv file. A missing file is not an error.
	EnvFile string
}

// Load reads the configuration from the environment (and the optional env
// file), applies defaults and validates the result.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if opts.EnvFile != "" {
		if _, err := os.Stat(opts.EnvFile); err == nil {
			v.SetConfigFile(opts.EnvFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read env file %s: %w", opts.EnvFile, err)
			}
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		ServiceName: v.GetString(KeyServiceName),
		Server: ServerConfig{
			Host:            v.GetString(KeyHTTPHost),
			Port:            v.GetInt(KeyHTTPPort),
			ShutdownTimeout: v.GetDuration(KeyHTTPShutdownTimeout),
		},
		Broker: BrokerConfig{
			Host:                   v.GetString(KeyAMQPHost),
			Port:                   v.GetInt(KeyAMQPPort),
			Username:               v.GetString(KeyAMQPUsername),
			Password:               v.GetString(KeyAMQPPassword),
			Queue:                  v.GetString(KeyAMQPQueue),
			QueueDurable:           v.GetBool(KeyAMQPQueueDurable),
			MaxConnectionAttempts:  v.GetInt(KeyAMQPMaxConnectionAttempts),
			BackoffPolicy:          strings.ToLower(v.GetString(KeyAMQPBackoffPolicy)),
			BackoffInitialInterval: v.GetDuration(KeyAMQPBackoffInitialInterval),
			BackoffMaxInterval:     v.GetDuration(KeyAMQPBackoffMaxInterval),
			BackoffMultiplier:      v.GetFloat64(KeyAMQPBackoffMultiplier),
			Heartbeat:              v.GetDuration(KeyAMQPHeartbeat),
			PrefetchCount:          v.GetInt(KeyAMQPPrefetchCount),
			ConsumerTag:            v.GetString(KeyAMQPConsumerTag),
			DeadLetterExchange:     v.GetString(KeyAMQPDeadLetterExchange),
			DeadLetterRoutingKey:   v.GetString(KeyAMQPDeadLetterRoutingKey),
		},
		Dispatch: DispatchConfig{
			Concurrency:    v.GetInt(KeyDispatchConcurrency),
			FailurePolicy:  strings.ToLower(v.GetString(KeyDispatchFailurePolicy)),
			HandlerTimeout: v.GetDuration(KeyDispatchHandlerTimeout),
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: v.GetDuration(KeyShutdownDrainTimeout),
			CloseTimeout: v.GetDuration(KeyShutdownCloseTimeout),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
		MetricsEnabled: v.GetBool(KeyMetricsEnabled),
	}
}

// Default returns the configuration produced by an empty environment.
func Default() *Config {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return fromViper(v)
}
