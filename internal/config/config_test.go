package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"YAMANAKA_ROOT_DIR",
		"YAMANAKA_LISTEN_ADDR",
		"YAMANAKA_SNAPSHOT_INTERVAL",
		"YAMANAKA_RESYNC_THRESHOLD",
		"YAMANAKA_HEARTBEAT_INTERVAL",
		"YAMANAKA_ALLOWED_ORIGIN",
		"YAMANAKA_CHANNEL_CAPACITY",
		"YAMANAKA_HISTORY_RETENTION",
		"YAMANAKA_PUSH_RATE_WINDOW",
		"YAMANAKA_PUSH_RATE_BURST",
		"YAMANAKA_LOG_LEVEL",
		"YAMANAKA_LOG_PATH",
		"YAMANAKA_LOG_MAX_SIZE_MB",
		"YAMANAKA_LOG_MAX_BACKUPS",
		"YAMANAKA_LOG_MAX_AGE_DAYS",
		"YAMANAKA_LOG_COMPRESS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.RootDir != DefaultRootDir {
		t.Fatalf("expected default root dir %q, got %q", DefaultRootDir, cfg.RootDir)
	}
	if cfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("expected default listen address %q, got %q", DefaultListenAddress, cfg.ListenAddress)
	}
	if cfg.SnapshotInterval != DefaultSnapshotInterval {
		t.Fatalf("expected default snapshot interval %v, got %v", DefaultSnapshotInterval, cfg.SnapshotInterval)
	}
	if cfg.ResyncThreshold != DefaultResyncThreshold {
		t.Fatalf("expected default resync threshold %d, got %d", DefaultResyncThreshold, cfg.ResyncThreshold)
	}
	if cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Fatalf("expected default heartbeat interval %v, got %v", DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	}
	if cfg.AllowedOrigin != DefaultAllowedOrigin {
		t.Fatalf("expected default allowed origin %q, got %q", DefaultAllowedOrigin, cfg.AllowedOrigin)
	}
	if cfg.ChannelCapacity != DefaultChannelCapacity {
		t.Fatalf("expected default channel capacity %d, got %d", DefaultChannelCapacity, cfg.ChannelCapacity)
	}
	if cfg.HistoryRetention != DefaultHistoryRetention {
		t.Fatalf("expected default history retention %d, got %d", DefaultHistoryRetention, cfg.HistoryRetention)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("expected default log path %q, got %q", DefaultLogPath, cfg.Logging.Path)
	}
	if cfg.Logging.Compress != DefaultLogCompress {
		t.Fatalf("expected default log compress %t, got %t", DefaultLogCompress, cfg.Logging.Compress)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("YAMANAKA_ROOT_DIR", "/var/lib/yamanaka")
	t.Setenv("YAMANAKA_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("YAMANAKA_SNAPSHOT_INTERVAL", "1h")
	t.Setenv("YAMANAKA_RESYNC_THRESHOLD", "25")
	t.Setenv("YAMANAKA_HEARTBEAT_INTERVAL", "30s")
	t.Setenv("YAMANAKA_ALLOWED_ORIGIN", "https://example.com")
	t.Setenv("YAMANAKA_CHANNEL_CAPACITY", "4")
	t.Setenv("YAMANAKA_HISTORY_RETENTION", "5")
	t.Setenv("YAMANAKA_PUSH_RATE_WINDOW", "10s")
	t.Setenv("YAMANAKA_PUSH_RATE_BURST", "20")
	t.Setenv("YAMANAKA_LOG_LEVEL", "debug")
	t.Setenv("YAMANAKA_LOG_PATH", "/var/log/yamanaka.log")
	t.Setenv("YAMANAKA_LOG_MAX_SIZE_MB", "512")
	t.Setenv("YAMANAKA_LOG_MAX_BACKUPS", "4")
	t.Setenv("YAMANAKA_LOG_MAX_AGE_DAYS", "2")
	t.Setenv("YAMANAKA_LOG_COMPRESS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.RootDir != "/var/lib/yamanaka" {
		t.Fatalf("unexpected root dir: %q", cfg.RootDir)
	}
	if cfg.ListenAddress != "127.0.0.1:9000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.SnapshotInterval != time.Hour {
		t.Fatalf("expected snapshot interval 1h, got %v", cfg.SnapshotInterval)
	}
	if cfg.ResyncThreshold != 25 {
		t.Fatalf("expected resync threshold 25, got %d", cfg.ResyncThreshold)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("expected heartbeat interval 30s, got %v", cfg.HeartbeatInterval)
	}
	if cfg.AllowedOrigin != "https://example.com" {
		t.Fatalf("unexpected allowed origin: %q", cfg.AllowedOrigin)
	}
	if cfg.ChannelCapacity != 4 {
		t.Fatalf("expected channel capacity 4, got %d", cfg.ChannelCapacity)
	}
	if cfg.HistoryRetention != 5 {
		t.Fatalf("expected history retention 5, got %d", cfg.HistoryRetention)
	}
	if cfg.PushRateWindow != 10*time.Second {
		t.Fatalf("expected push rate window 10s, got %v", cfg.PushRateWindow)
	}
	if cfg.PushRateBurst != 20 {
		t.Fatalf("expected push rate burst 20, got %d", cfg.PushRateBurst)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overridden log level debug, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Path != "/var/log/yamanaka.log" {
		t.Fatalf("unexpected log path %q", cfg.Logging.Path)
	}
	if cfg.Logging.MaxSizeMB != 512 {
		t.Fatalf("expected log max size 512, got %d", cfg.Logging.MaxSizeMB)
	}
	if cfg.Logging.MaxBackups != 4 {
		t.Fatalf("expected log max backups 4, got %d", cfg.Logging.MaxBackups)
	}
	if cfg.Logging.MaxAgeDays != 2 {
		t.Fatalf("expected log max age 2, got %d", cfg.Logging.MaxAgeDays)
	}
	if cfg.Logging.Compress {
		t.Fatalf("expected log compression disabled")
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("YAMANAKA_SNAPSHOT_INTERVAL", "not-a-duration")
	t.Setenv("YAMANAKA_RESYNC_THRESHOLD", "-1")
	t.Setenv("YAMANAKA_HEARTBEAT_INTERVAL", "0s")
	t.Setenv("YAMANAKA_CHANNEL_CAPACITY", "0")
	t.Setenv("YAMANAKA_HISTORY_RETENTION", "-5")
	t.Setenv("YAMANAKA_PUSH_RATE_WINDOW", "-10s")
	t.Setenv("YAMANAKA_PUSH_RATE_BURST", "-1")
	t.Setenv("YAMANAKA_LOG_MAX_SIZE_MB", "-1")
	t.Setenv("YAMANAKA_LOG_MAX_BACKUPS", "-2")
	t.Setenv("YAMANAKA_LOG_MAX_AGE_DAYS", "-3")
	t.Setenv("YAMANAKA_LOG_COMPRESS", "notabool")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"YAMANAKA_SNAPSHOT_INTERVAL",
		"YAMANAKA_RESYNC_THRESHOLD",
		"YAMANAKA_HEARTBEAT_INTERVAL",
		"YAMANAKA_CHANNEL_CAPACITY",
		"YAMANAKA_HISTORY_RETENTION",
		"YAMANAKA_PUSH_RATE_WINDOW",
		"YAMANAKA_PUSH_RATE_BURST",
		"YAMANAKA_LOG_MAX_SIZE_MB",
		"YAMANAKA_LOG_MAX_BACKUPS",
		"YAMANAKA_LOG_MAX_AGE_DAYS",
		"YAMANAKA_LOG_COMPRESS",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadResyncThresholdZeroDisablesCatchUpLimit(t *testing.T) {
	clearEnv(t)
	t.Setenv("YAMANAKA_RESYNC_THRESHOLD", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.ResyncThreshold != 0 {
		t.Fatalf("expected resync threshold 0, got %d", cfg.ResyncThreshold)
	}
}
