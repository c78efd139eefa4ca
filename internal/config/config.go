package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the broker listens on.
	DefaultAddr = ":43127"
	// DefaultMaxPayloadBytes limits a single published message body.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultSubscriberBuffer is the per-subscriber delivery channel depth.
	DefaultSubscriberBuffer = 32

	// DefaultRetention is a suggested retention window operators may pass
	// explicitly in a create_topic request's retention field. It is not
	// applied automatically: a topic created without a retention field never
	// expires messages on its own, per create_topic's wire contract.
	DefaultRetention = 10 * time.Minute
	// DefaultSweepPeriod controls how often a topic's retention sweep runs.
	DefaultSweepPeriod = 60 * time.Second
	// DefaultAckTimeout bounds how long an unacknowledged required-ack message
	// waits before redelivery.
	DefaultAckTimeout = 30 * time.Second
	// DefaultMaxAckRetries caps redelivery attempts before a message is given up on.
	DefaultMaxAckRetries = 3

	// DefaultSubscribeRateWindow bounds how frequently new /subscribe handshakes
	// may be accepted.
	DefaultSubscribeRateWindow = time.Minute
	// DefaultSubscribeRateBurst sets how many /subscribe handshakes may land per window.
	DefaultSubscribeRateBurst = 120

	// DefaultLogLevel controls verbosity for broker logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "broker.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the broker service.
type Config struct {
	Address              string
	MaxPayloadBytes      int64
	SubscriberBuffer     int
	TLSCertPath          string
	TLSKeyPath           string
	// DefaultRetention is never wired into a topic automatically; see the
	// DefaultRetention constant doc comment.
	DefaultRetention     time.Duration
	DefaultSweepPeriod   time.Duration
	DefaultAckTimeout    time.Duration
	DefaultMaxAckRetries int
	SubscribeRateWindow  time.Duration
	SubscribeRateBurst   int
	Logging              LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the broker configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:              getString("BROKER_ADDR", DefaultAddr),
		MaxPayloadBytes:      DefaultMaxPayloadBytes,
		SubscriberBuffer:     DefaultSubscriberBuffer,
		TLSCertPath:          strings.TrimSpace(os.Getenv("BROKER_TLS_CERT")),
		TLSKeyPath:           strings.TrimSpace(os.Getenv("BROKER_TLS_KEY")),
		DefaultRetention:     DefaultRetention,
		DefaultSweepPeriod:   DefaultSweepPeriod,
		DefaultAckTimeout:    DefaultAckTimeout,
		DefaultMaxAckRetries: DefaultMaxAckRetries,
		SubscribeRateWindow:  DefaultSubscribeRateWindow,
		SubscribeRateBurst:   DefaultSubscribeRateBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("BROKER_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("BROKER_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("BROKER_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_SUBSCRIBER_BUFFER")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_SUBSCRIBER_BUFFER must be a positive integer, got %q", raw))
		} else {
			cfg.SubscriberBuffer = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_DEFAULT_RETENTION")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_DEFAULT_RETENTION must be a non-negative duration, got %q", raw))
		} else {
			cfg.DefaultRetention = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_SWEEP_PERIOD")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_SWEEP_PERIOD must be a positive duration, got %q", raw))
		} else {
			cfg.DefaultSweepPeriod = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_ACK_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_ACK_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.DefaultAckTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_MAX_ACK_RETRIES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_MAX_ACK_RETRIES must be a non-negative integer, got %q", raw))
		} else {
			cfg.DefaultMaxAckRetries = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_SUBSCRIBE_RATE_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_SUBSCRIBE_RATE_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.SubscribeRateWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_SUBSCRIBE_RATE_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_SUBSCRIBE_RATE_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.SubscribeRateBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "BROKER_TLS_CERT and BROKER_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
