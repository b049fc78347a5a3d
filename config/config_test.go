package config_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nexuscrm/agentusage/config"
	"github.com/nexuscrm/agentusage/domain/tier"
)

func itoa(n int) string { return strconv.Itoa(n) }

func TestLoad_Defaults(t *testing.T) {
	cfg := writeAndLoad(t, "")

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"server.host", cfg.Server.Host, "0.0.0.0"},
		{"server.port", cfg.Server.Port, 8080},
		{"database.driver", cfg.Database.Driver, "sqlite"},
		{"database.dsn", cfg.Database.DSN, "agentusage.db"},
		{"ingest.max_past_skew", cfg.Ingest.MaxPastSkew, 7 * 24 * time.Hour},
		{"ingest.max_future_skew", cfg.Ingest.MaxFutureSkew, 5 * time.Minute},
		{"ingest.signature_tolerance", cfg.Ingest.SignatureTolerance, 300 * time.Second},
		{"aggregator.partitions", cfg.Aggregator.Partitions, 8},
		{"aggregator.retry.initial", cfg.Aggregator.Retry.Initial, 50 * time.Millisecond},
		{"aggregator.retry.multiplier", cfg.Aggregator.Retry.Multiplier, 2.0},
		{"aggregator.retry.max_attempts", cfg.Aggregator.Retry.MaxAttempts, 5},
		{"anomaly.enabled", cfg.Anomaly.Enabled, true},
		{"anomaly.interval", cfg.Anomaly.Interval, 15 * time.Minute},
		{"anomaly.lookback_days", cfg.Anomaly.LookbackDays, 7},
		{"anomaly.deadline", cfg.Anomaly.Deadline, 2 * time.Minute},
		{"alerts.retention", cfg.Alerts.Retention, 30 * 24 * time.Hour},
		{"usage.retention", cfg.Usage.Retention, 90 * 24 * time.Hour},
		{"live.queue_size", cfg.Live.QueueSize, 64},
		{"live.max_drops", cfg.Live.MaxDrops, 1},
		{"live.ping_interval", cfg.Live.PingInterval, 30 * time.Second},
		{"live.grace", cfg.Live.Grace, 75 * time.Second},
		{"live.write_timeout", cfg.Live.WriteTimeout, 10 * time.Second},
		{"logging.level", cfg.Logging.Level, "info"},
		{"logging.format", cfg.Logging.Format, "json"},
		{"metrics.enabled", cfg.Metrics.Enabled, true},
		{"metrics.path", cfg.Metrics.Path, "/metrics"},
		{"openapi.enabled", cfg.OpenAPI.Enabled, true},
		{"tiers", len(cfg.Tiers), len(tier.AllNames())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoad_FullConfig(t *testing.T) {
	cfg := writeAndLoad(t, `
server:
  host: 127.0.0.1
  port: 9090
database:
  driver: sqlite
  dsn: /var/lib/agentusage/usage.db
ingest:
  max_past_skew: 48h
  max_future_skew: 1m
  webhook_secret: s3cret
aggregator:
  partitions: 4
  queue_size: 16
  retry:
    initial: 10ms
    multiplier: 3
    max_attempts: 2
anomaly:
  enabled: false
  interval: 1h
  lookback_days: 14
  deadline: 5m
live:
  queue_size: 8
  max_drops: 3
logging:
  level: debug
  format: console
metrics:
  enabled: false
`)

	if cfg.Server.Addr() != "127.0.0.1:9090" {
		t.Errorf("Addr = %s", cfg.Server.Addr())
	}
	if cfg.Database.DSN != "/var/lib/agentusage/usage.db" {
		t.Errorf("DSN = %s", cfg.Database.DSN)
	}
	if cfg.Ingest.MaxPastSkew != 48*time.Hour || cfg.Ingest.WebhookSecret != "s3cret" {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
	if cfg.Aggregator.Partitions != 4 || cfg.Aggregator.Retry.MaxAttempts != 2 || cfg.Aggregator.Retry.Multiplier != 3 {
		t.Errorf("aggregator = %+v", cfg.Aggregator)
	}
	if cfg.Anomaly.Enabled || cfg.Anomaly.LookbackDays != 14 {
		t.Errorf("anomaly = %+v", cfg.Anomaly)
	}
	if cfg.Live.MaxDrops != 3 || cfg.Live.QueueSize != 8 {
		t.Errorf("live = %+v", cfg.Live)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics should be disabled")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_USAGE_SECRET", "from-env")

	cfg := writeAndLoad(t, `
ingest:
  webhook_secret: ${TEST_USAGE_SECRET}
`)
	if cfg.Ingest.WebhookSecret != "from-env" {
		t.Errorf("WebhookSecret = %s, want from-env", cfg.Ingest.WebhookSecret)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("AGENTUSAGE_SERVER_PORT", "7070")
	t.Setenv("AGENTUSAGE_DATABASE_DRIVER", "memory")
	t.Setenv("AGENTUSAGE_LOG_LEVEL", "warn")
	t.Setenv("AGENTUSAGE_ANOMALY_ENABLED", "no")
	t.Setenv("AGENTUSAGE_ANOMALY_INTERVAL", "30m")
	t.Setenv("AGENTUSAGE_OPENAPI_ENABLED", "false")

	cfg := writeAndLoad(t, `
server:
  port: 9090
logging:
  level: debug
`)
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Driver = %s", cfg.Database.Driver)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %s", cfg.Logging.Level)
	}
	if cfg.Anomaly.Enabled {
		t.Error("anomaly should be disabled by env")
	}
	if cfg.Anomaly.Interval != 30*time.Minute {
		t.Errorf("Interval = %v", cfg.Anomaly.Interval)
	}
	if cfg.OpenAPI.Enabled {
		t.Error("openapi should be disabled by env")
	}
}

func TestEnvOverrides_InvalidValuesIgnored(t *testing.T) {
	t.Setenv("AGENTUSAGE_SERVER_PORT", "not-a-port")
	t.Setenv("AGENTUSAGE_ANOMALY_INTERVAL", "soon")

	cfg := writeAndLoad(t, "")
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Anomaly.Interval != 15*time.Minute {
		t.Errorf("Interval = %v, want default", cfg.Anomaly.Interval)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AGENTUSAGE_DATABASE_DRIVER", "memory")
	t.Setenv("AGENTUSAGE_WEBHOOK_SECRET", "k")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}
	if cfg.Database.Driver != "memory" || cfg.Ingest.WebhookSecret != "k" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadWithFallback(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9191\n")
	cfg, err := config.LoadWithFallback(path)
	if err != nil {
		t.Fatalf("LoadWithFallback error: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}

	cfg, err = config.LoadWithFallback(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("fallback error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("fallback Port = %d", cfg.Server.Port)
	}
}

func TestLoad_TierNamesNormalized(t *testing.T) {
	cfg := writeAndLoad(t, strings.Replace(tiersConfig(300), "name: pro", "name: PRO", 1))
	if cfg.Tiers[1].Name != tier.Pro {
		t.Errorf("tier name = %q, want pro", cfg.Tiers[1].Name)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad driver", "database:\n  driver: postgres\n", "database.driver"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
		{"short lookback", "anomaly:\n  lookback_days: 1\n", "lookback_days"},
		{"sigma order", "anomaly:\n  high_sigma: 1\n  medium_sigma: 2\n", "medium_sigma"},
		{"deadline over interval", "anomaly:\n  interval: 1m\n  deadline: 2m\n", "deadline"},
		{"grace under ping", "live:\n  ping_interval: 1m\n  grace: 30s\n", "live.grace"},
		{"negative partitions", "aggregator:\n  partitions: -1\n", "partitions"},
		{"retry multiplier", "aggregator:\n  retry:\n    multiplier: 0.5\n", "multiplier"},
		{"unknown agent", strings.Replace(tiersConfig(300), "[NEXUS, BLAZE]", "[NEXUS, GHOST]", 1), "tiers"},
		{"duplicate tier", strings.Replace(tiersConfig(300), "name: elite", "name: pro", 1), "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := writeAndLoadErr(t, tt.content)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := writeAndLoadErr(t, "server: [port"); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func writeAndLoad(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := writeAndLoadErr(t, content)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	return cfg
}

func writeAndLoadErr(t *testing.T, content string) (*config.Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return config.Load(path)
}
