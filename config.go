package rspc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding file configuration.
const (
	EnvSendQueueSize     = "RSPC_SEND_QUEUE_SIZE"
	EnvMaxSubscriptions  = "RSPC_MAX_SUBSCRIPTIONS"
	EnvEmitCompletion    = "RSPC_EMIT_COMPLETION"
	EnvContextPolicy     = "RSPC_CONTEXT_POLICY"
	EnvHeartbeatInterval = "RSPC_HEARTBEAT_INTERVAL"
	EnvHeartbeatTimeout  = "RSPC_HEARTBEAT_TIMEOUT"
	EnvMaxMessageBytes   = "RSPC_MAX_MESSAGE_BYTES"
	EnvRateLimitRPS      = "RSPC_RATE_LIMIT_RPS"
	EnvRateLimitBurst    = "RSPC_RATE_LIMIT_BURST"
)

// RateLimitOptions configures inbound rate limiting per client address.
// Limiting is disabled when RPS is zero.
type RateLimitOptions struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ServerOptions configures the server behavior.
type ServerOptions struct {
	// SendQueueSize bounds the outbound queue of a connection. Default: 100
	SendQueueSize int `yaml:"sendQueueSize"`
	// MaxSubscriptions caps concurrent subscriptions per connection. 0 = unlimited.
	MaxSubscriptions int `yaml:"maxSubscriptions"`
	// EmitCompletion sends a complete result when a subscription's stream ends.
	EmitCompletion bool `yaml:"emitCompletion"`
	// ContextPolicy decides how batches obtain their context. Default: per-request
	ContextPolicy ContextPolicy `yaml:"contextPolicy"`
	// HeartbeatInterval is the WebSocket ping interval. Negative disables pings. Default: 30s
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	// HeartbeatTimeout is how long a pong may be late. Default: 5s
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
	// MaxMessageBytes caps inbound frames and HTTP bodies. Default: 1 MiB
	MaxMessageBytes int64 `yaml:"maxMessageBytes"`
	// RateLimit limits inbound requests per client address.
	RateLimit RateLimitOptions `yaml:"rateLimit"`

	// Logger receives the server's structured logs. Default: slog.Default()
	Logger *slog.Logger `yaml:"-"`
	// Registerer registers the server's metrics. Nil disables metrics.
	Registerer prometheus.Registerer `yaml:"-"`
}

func defaultServerOptions() ServerOptions {
	return ServerOptions{
		SendQueueSize:     100,
		ContextPolicy:     ContextPerRequest,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		MaxMessageBytes:   1 << 20,
	}
}

// mergeOptions overlays the set fields of opt on the defaults.
func mergeOptions(opt ServerOptions) ServerOptions {
	options := defaultServerOptions()
	if opt.SendQueueSize > 0 {
		options.SendQueueSize = opt.SendQueueSize
	}
	if opt.MaxSubscriptions > 0 {
		options.MaxSubscriptions = opt.MaxSubscriptions
	}
	options.EmitCompletion = opt.EmitCompletion
	if opt.ContextPolicy != "" {
		options.ContextPolicy = opt.ContextPolicy
	}
	if opt.HeartbeatInterval != 0 {
		options.HeartbeatInterval = opt.HeartbeatInterval
	}
	if opt.HeartbeatTimeout > 0 {
		options.HeartbeatTimeout = opt.HeartbeatTimeout
	}
	if opt.MaxMessageBytes > 0 {
		options.MaxMessageBytes = opt.MaxMessageBytes
	}
	options.RateLimit = opt.RateLimit
	options.Logger = opt.Logger
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	options.Registerer = opt.Registerer
	return options
}

// LoadOptions reads options from a YAML file and applies RSPC_*
// environment overrides. An empty path skips the file.
func LoadOptions(path string) (ServerOptions, error) {
	opts := defaultServerOptions()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return opts, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&opts); err != nil {
		return opts, err
	}
	if err := opts.validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func (o ServerOptions) validate() error {
	switch o.ContextPolicy {
	case "", ContextPerRequest, ContextPerBatch:
	default:
		return fmt.Errorf("unknown context policy %q", o.ContextPolicy)
	}
	if o.SendQueueSize < 0 || o.MaxSubscriptions < 0 || o.MaxMessageBytes < 0 {
		return errors.New("size and limit options must not be negative")
	}
	return nil
}

func applyEnvOverrides(o *ServerOptions) error {
	if err := envInt(EnvSendQueueSize, &o.SendQueueSize); err != nil {
		return err
	}
	if err := envInt(EnvMaxSubscriptions, &o.MaxSubscriptions); err != nil {
		return err
	}
	if raw, ok := lookupEnv(EnvEmitCompletion); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEmitCompletion, err)
		}
		o.EmitCompletion = v
	}
	if raw, ok := lookupEnv(EnvContextPolicy); ok {
		o.ContextPolicy = ContextPolicy(strings.ToLower(raw))
	}
	if err := envDuration(EnvHeartbeatInterval, &o.HeartbeatInterval); err != nil {
		return err
	}
	if err := envDuration(EnvHeartbeatTimeout, &o.HeartbeatTimeout); err != nil {
		return err
	}
	if raw, ok := lookupEnv(EnvMaxMessageBytes); ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxMessageBytes, err)
		}
		o.MaxMessageBytes = v
	}
	if raw, ok := lookupEnv(EnvRateLimitRPS); ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimitRPS, err)
		}
		o.RateLimit.RPS = v
	}
	return envInt(EnvRateLimitBurst, &o.RateLimit.Burst)
}

func lookupEnv(name string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	return raw, raw != ""
}

func envInt(name string, dst *int) error {
	raw, ok := lookupEnv(name)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = v
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	raw, ok := lookupEnv(name)
	if !ok {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = v
	return nil
}
