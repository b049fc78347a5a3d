package bootstrap_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/app"
	"github.com/nexuscrm/agentusage/bootstrap"
	"github.com/nexuscrm/agentusage/config"
	"github.com/nexuscrm/agentusage/domain/usage"
)

func memoryEnv(t *testing.T) {
	t.Setenv("AGENTUSAGE_DATABASE_DRIVER", "memory")
	t.Setenv("AGENTUSAGE_ANOMALY_ENABLED", "false")
	t.Setenv("AGENTUSAGE_LOG_LEVEL", "error")
}

func TestBootstrap_MemoryPipeline(t *testing.T) {
	memoryEnv(t)

	a, err := bootstrap.New(bootstrap.Options{Version: "test", LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer a.Close()

	if a.DB != nil {
		t.Error("memory driver should not open a database")
	}
	if a.Metrics == nil {
		t.Error("metrics should be enabled by default")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Aggregator.Run(ctx)
	go a.Threshold.Run(ctx)

	srv := httptest.NewServer(a.HTTPServer.Handler)
	defer srv.Close()

	ts := time.Now().UTC().Add(-time.Minute)
	body := `{"user_id":"u1","agent_id":"nexus","session_id":"s1","tokens_used":250,` +
		`"response_time_ms":100,"subscription_tier":"pro","timestamp":"` + ts.Format(time.RFC3339) + `"}`
	resp, err := http.Post(srv.URL+"/api/v1/usage/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	date := ts.Format("2006-01-02")
	url := srv.URL + "/api/v1/usage/daily?user_id=u1&from=" + date + "&to=" + date
	deadline := time.Now().Add(3 * time.Second)
	for {
		var doc struct {
			Data []struct {
				Attributes map[string]any `json:"attributes"`
			} `json:"data"`
		}
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("get daily: %v", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&doc)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode daily: %v", err)
		}
		if len(doc.Data) == 1 {
			attrs := doc.Data[0].Attributes
			if attrs["interaction_count"] != float64(1) || attrs["token_total"] != float64(250) {
				t.Errorf("aggregate = %v", attrs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("aggregate never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err = http.Get(srv.URL + "/version")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	defer resp.Body.Close()
	var v map[string]string
	json.NewDecoder(resp.Body).Decode(&v)
	if v["version"] != "test" {
		t.Errorf("version = %v", v)
	}

	resp, err = http.Get(srv.URL + "/.well-known/openapi.json")
	if err != nil {
		t.Fatalf("get openapi: %v", err)
	}
	defer resp.Body.Close()
	var doc struct {
		Info struct {
			Version string `json:"version"`
		} `json:"info"`
		Paths map[string]any `json:"paths"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if doc.Info.Version != "test" {
		t.Errorf("openapi version = %q, want build version", doc.Info.Version)
	}
	if _, ok := doc.Paths["/api/v1/usage/events"]; !ok {
		t.Error("openapi document missing the ingest route")
	}
}

func TestBootstrap_SQLiteMigration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "usage.db")
	t.Setenv("AGENTUSAGE_DATABASE_DRIVER", "sqlite")
	t.Setenv("AGENTUSAGE_DATABASE_DSN", dbPath)
	t.Setenv("AGENTUSAGE_LOG_LEVEL", "error")

	a, err := bootstrap.New(bootstrap.Options{LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer a.Close()

	if a.DB == nil {
		t.Fatal("DB should not be nil")
	}
	var count int
	if err := a.DB.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='usage_daily'`).Scan(&count); err != nil {
		t.Fatalf("query schema: %v", err)
	}
	if count != 1 {
		t.Error("usage_daily table should exist after migration")
	}

	rec := httptest.NewRecorder()
	a.HTTPServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readiness = %d, want 200", rec.Code)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}

func TestBootstrap_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentusage.yaml")
	yaml := `
database:
  driver: memory
anomaly:
  enabled: false
metrics:
  enabled: false
logging:
  level: error
tiers:
  - {name: essential, daily_interaction_limit: 10, monthly_token_limit: 1000, allowed_agents: [NEXUS]}
  - {name: pro, daily_interaction_limit: 300, monthly_token_limit: 150000, allowed_agents: ["*"]}
  - {name: elite, daily_interaction_limit: 1000, monthly_token_limit: 500000, allowed_agents: ["*"]}
  - {name: prime, daily_interaction_limit: 0, monthly_token_limit: 0, allowed_agents: ["*"]}
  - {name: longevity, daily_interaction_limit: 0, monthly_token_limit: 0, allowed_agents: ["*"]}
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := bootstrap.New(bootstrap.Options{ConfigPath: path, LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer a.Close()

	if a.Metrics != nil {
		t.Error("metrics should be disabled")
	}
	l, err := a.Catalog.GetLimits("essential")
	if err != nil {
		t.Fatalf("get limits: %v", err)
	}
	if l.DailyInteractionLimit != 10 || l.MonthlyTokenLimit != 1000 {
		t.Errorf("essential = %+v", l)
	}

	rec := httptest.NewRecorder()
	a.HTTPServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("/metrics = %d, want 404 when disabled", rec.Code)
	}
}

func TestBootstrap_MissingConfigFallsBackToEnv(t *testing.T) {
	memoryEnv(t)

	a, err := bootstrap.New(bootstrap.Options{
		ConfigPath: filepath.Join(t.TempDir(), "absent.yaml"),
		LogOutput:  io.Discard,
	})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer a.Close()

	if a.Config.Database.Driver != "memory" {
		t.Errorf("driver = %q", a.Config.Database.Driver)
	}
}

func TestBootstrap_GracefulShutdown(t *testing.T) {
	memoryEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	t.Setenv("AGENTUSAGE_SERVER_HOST", "127.0.0.1")
	t.Setenv("AGENTUSAGE_SERVER_PORT", strconv.Itoa(port))

	a, err := bootstrap.New(bootstrap.Options{LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	base := "http://127.0.0.1:" + strconv.Itoa(port)
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown timed out")
	}

	if err := a.Aggregator.Submit(context.Background(), usage.Event{UserID: "u1"}); !errors.Is(err, app.ErrStopped) {
		t.Errorf("submit after shutdown = %v, want ErrStopped", err)
	}
}

func TestOpenStores_UnknownDriver(t *testing.T) {
	_, _, err := bootstrap.OpenStores(config.DatabaseConfig{Driver: "postgres"}, nil, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestSetupLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantLvl zerolog.Level
		wantSub string
	}{
		{"json", config.LoggingConfig{Level: "warn", Format: "json"}, zerolog.WarnLevel, `"level":"warn"`},
		{"console", config.LoggingConfig{Level: "debug", Format: "console"}, zerolog.DebugLevel, "WRN"},
		{"bad level", config.LoggingConfig{Level: "loud"}, zerolog.InfoLevel, `"level":"warn"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := bootstrap.SetupLogger(tt.cfg, &buf)
			if zerolog.GlobalLevel() != tt.wantLvl {
				t.Errorf("level = %v, want %v", zerolog.GlobalLevel(), tt.wantLvl)
			}
			logger.Warn().Msg("hello")
			if !strings.Contains(buf.String(), tt.wantSub) {
				t.Errorf("output %q missing %q", buf.String(), tt.wantSub)
			}
		})
	}
}
