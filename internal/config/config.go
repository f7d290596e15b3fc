package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultRootDir is where the vault lives when no override is provided.
	DefaultRootDir = "./data"
	// DefaultListenAddress is the TCP address the server listens on.
	DefaultListenAddress = ":8080"
	// DefaultSnapshotInterval controls how often the history snapshotter ticks.
	DefaultSnapshotInterval = 6 * time.Hour
	// DefaultResyncThreshold bounds how many spooled events a reconnecting
	// subscriber may be replayed before it is told to perform a full pull instead.
	DefaultResyncThreshold = 10
	// DefaultHeartbeatInterval controls the keep-alive cadence on /api/events.
	DefaultHeartbeatInterval = 2 * time.Minute
	// DefaultAllowedOrigin is the CORS origin permitted to call the API.
	DefaultAllowedOrigin = "app://obsidian.md"
	// DefaultChannelCapacity bounds the per-device live event channel. It is
	// intentionally small: a slow subscriber is expected to fall back to the spool.
	DefaultChannelCapacity = 1
	// DefaultHistoryRetention bounds how many committed snapshots are kept on disk.
	DefaultHistoryRetention = 30

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "yamanaka.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the sync server.
type Config struct {
	RootDir           string
	ListenAddress     string
	SnapshotInterval  time.Duration
	ResyncThreshold   int
	HeartbeatInterval time.Duration
	AllowedOrigin     string
	ChannelCapacity   int
	HistoryRetention  int

	// PushRateWindow/PushRateBurst bound how many mutations are accepted
	// per window. Zero disables the limiter.
	PushRateWindow time.Duration
	PushRateBurst  int

	Logging LoggingConfig
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

// Load reads the server configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		RootDir:           getString("YAMANAKA_ROOT_DIR", DefaultRootDir),
		ListenAddress:     getString("YAMANAKA_LISTEN_ADDR", DefaultListenAddress),
		SnapshotInterval:  DefaultSnapshotInterval,
		ResyncThreshold:   DefaultResyncThreshold,
		HeartbeatInterval: DefaultHeartbeatInterval,
		AllowedOrigin:     getString("YAMANAKA_ALLOWED_ORIGIN", DefaultAllowedOrigin),
		ChannelCapacity:   DefaultChannelCapacity,
		HistoryRetention:  DefaultHistoryRetention,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("YAMANAKA_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("YAMANAKA_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("YAMANAKA_SNAPSHOT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("YAMANAKA_SNAPSHOT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.SnapshotInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("YAMANAKA_RESYNC_THRESHOLD")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("YAMANAKA_RESYNC_THRESHOLD must be a non-negative integer, got %q", raw))
		} else {
			cfg.ResyncThreshold = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("YAMANAKA_HEARTBEAT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("YAMANAKA_HEARTBEAT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.HeartbeatInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("YAMANAKA_CHANNEL_CAPACITY")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("YAMANAKA_CHANNEL_CAPACITY must be a positive integer, got %q", raw))
		} else {
			cfg.ChannelCapacity = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("YAMANAKA_HISTORY_RETENTION")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("YAMANAKA_HISTORY_RETENTION must be a positive integer, got %q", raw))
		} else {
			cfg.HistoryRetention = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("YAMANAKA_PUSH_RATE_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("YAMANAKA_PUSH_RATE_WINDOW must be a non-negative duration, got %q", raw))
		} else {
			cfg.PushRateWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("YAMANAKA_PUSH_RATE_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("YAMANAKA_PUSH_RATE_BURST must be a non-negative integer, got %q", raw))
		} else {
			cfg.PushRateBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("YAMANAKA_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("YAMANAKA_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("YAMANAKA_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("YAMANAKA_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("YAMANAKA_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("YAMANAKA_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("YAMANAKA_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("YAMANAKA_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
