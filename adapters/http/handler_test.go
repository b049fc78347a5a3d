package http_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/adapters/clock"
	apihttp "github.com/nexuscrm/agentusage/adapters/http"
	"github.com/nexuscrm/agentusage/adapters/idgen"
	"github.com/nexuscrm/agentusage/adapters/memory"
	"github.com/nexuscrm/agentusage/adapters/metrics"
	"github.com/nexuscrm/agentusage/app"
	"github.com/nexuscrm/agentusage/core/events"
	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/domain/tier"
	"github.com/nexuscrm/agentusage/domain/usage"
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type nopSubmitter struct{}

func (nopSubmitter) Submit(context.Context, usage.Event) error { return nil }

type testServer struct {
	router   http.Handler
	clock    *clock.Fake
	aggs     *memory.AggregateStore
	poison   *memory.PoisonStore
	alerts   *app.AlertService
	hub      *events.Hub
	registry *prometheus.Registry
}

func setupTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	clk := clock.NewFake(baseTime)
	catalog := tier.MustDefaultCatalog()

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	hub := events.NewHub(events.Config{}, clk, m, logger)
	evStore := memory.NewEventStore()
	aggs := memory.NewAggregateStore(memory.AggregateStoreConfig{})
	poison := memory.NewPoisonStore()
	alerts := app.NewAlertService(memory.NewAlertStore(idgen.NewSequential("alert"), 0),
		memory.NewContactDirectory(), hub, clk, m, logger)
	ingestor := app.NewIngestor(evStore, catalog, idgen.NewSequential("evt"), clk,
		usage.DefaultSkewWindow(), nopSubmitter{}, poison, hub, m, logger)

	router := apihttp.NewRouter(apihttp.RouterConfig{
		Ingest: apihttp.NewIngestHandler(apihttp.IngestHandlerConfig{
			Ingestor: ingestor,
			Clock:    clk,
			Logger:   logger,
			Secret:   secret,
		}),
		Query:          apihttp.NewQueryHandler(app.NewUsageQueries(aggs, catalog, clk), catalog, poison, logger),
		Alerts:         apihttp.NewAlertHandler(alerts, logger),
		Live:           apihttp.NewLiveHandler(hub, apihttp.LiveConfig{}, logger),
		Version:        "test",
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		EnableOpenAPI:  true,
	}, logger)

	return &testServer{router: router, clock: clk, aggs: aggs, poison: poison, alerts: alerts, hub: hub, registry: reg}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	resp := rec.Result()
	var doc map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatalf("%s %s: invalid JSON %q: %v", method, path, raw, err)
		}
	}
	return resp, doc
}

func eventBody(id string) string {
	return `{"id":"` + id + `","user_id":"u1","agent_id":"nexus","session_id":"s1",` +
		`"tokens_used":120,"response_time_ms":340,"subscription_tier":"pro",` +
		`"timestamp":"` + baseTime.Add(-time.Minute).Format(time.RFC3339) + `"}`
}

func errorsOf(t *testing.T, doc map[string]any) []map[string]any {
	t.Helper()
	raw, ok := doc["errors"].([]any)
	if !ok {
		t.Fatalf("expected errors array, got %v", doc)
	}
	out := make([]map[string]any, len(raw))
	for i, e := range raw {
		out[i] = e.(map[string]any)
	}
	return out
}

func dataList(t *testing.T, doc map[string]any) []map[string]any {
	t.Helper()
	raw, ok := doc["data"].([]any)
	if !ok {
		t.Fatalf("expected data array, got %v", doc)
	}
	out := make([]map[string]any, len(raw))
	for i, e := range raw {
		out[i] = e.(map[string]any)
	}
	return out
}

func TestIngest_Created(t *testing.T) {
	s := setupTestServer(t, "")

	resp, doc := s.do(t, "POST", "/api/v1/usage/events", eventBody("evt-1"), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %v", resp.StatusCode, doc)
	}
	data := doc["data"].(map[string]any)
	if data["type"] != apihttp.TypeUsageEvent || data["id"] != "evt-1" {
		t.Errorf("data = %v", data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/vnd.api+json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestIngest_AssignsID(t *testing.T) {
	s := setupTestServer(t, "")

	body := strings.Replace(eventBody(""), `"id":"",`, "", 1)
	resp, doc := s.do(t, "POST", "/api/v1/usage/events", body, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %v", resp.StatusCode, doc)
	}
	if id := doc["data"].(map[string]any)["id"]; id == "" || id == nil {
		t.Error("expected a generated id")
	}
}

func TestIngest_DuplicateAcknowledged(t *testing.T) {
	s := setupTestServer(t, "")

	s.do(t, "POST", "/api/v1/usage/events", eventBody("evt-1"), nil)
	resp, doc := s.do(t, "POST", "/api/v1/usage/events", eventBody("evt-1"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	meta, _ := doc["meta"].(map[string]any)
	if meta["duplicate"] != true {
		t.Errorf("meta = %v, want duplicate=true", meta)
	}
}

func TestIngest_ValidationErrors(t *testing.T) {
	s := setupTestServer(t, "")

	body := `{"agent_id":"nexus","session_id":"s1","tokens_used":-5,"response_time_ms":10,"subscription_tier":"pro"}`
	resp, doc := s.do(t, "POST", "/api/v1/usage/events", body, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %v", resp.StatusCode, doc)
	}

	pointers := map[string]bool{}
	for _, e := range errorsOf(t, doc) {
		src, _ := e["source"].(map[string]any)
		if p, ok := src["pointer"].(string); ok {
			pointers[p] = true
		}
	}
	for _, want := range []string{"/user_id", "/tokens_used"} {
		if !pointers[want] {
			t.Errorf("missing error for %s, got %v", want, pointers)
		}
	}
}

func TestIngest_UnknownAgentAndTier(t *testing.T) {
	s := setupTestServer(t, "")

	body := `{"user_id":"u1","agent_id":"hal","session_id":"s1","tokens_used":1,"response_time_ms":1,"subscription_tier":"gold"}`
	resp, doc := s.do(t, "POST", "/api/v1/usage/events", body, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	codes := map[string]bool{}
	for _, e := range errorsOf(t, doc) {
		codes[e["code"].(string)] = true
	}
	if !codes["unknown_agent"] || !codes["unknown_tier"] {
		t.Errorf("codes = %v", codes)
	}
}

func TestIngest_MalformedJSON(t *testing.T) {
	s := setupTestServer(t, "")

	resp, _ := s.do(t, "POST", "/api/v1/usage/events", `{"user_id":`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestIngest_Signature(t *testing.T) {
	const secret = "shh"
	body := eventBody("evt-sig")
	now := strconv.FormatInt(baseTime.Unix(), 10)
	stale := strconv.FormatInt(baseTime.Add(-time.Hour).Unix(), 10)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing signature", nil, http.StatusUnauthorized},
		{"wrong signature", map[string]string{apihttp.HeaderSignature: usage.SignPayload([]byte(body), "other")}, http.StatusUnauthorized},
		{"stale timestamp", map[string]string{
			apihttp.HeaderSignature: usage.SignPayload([]byte(body), secret),
			apihttp.HeaderTimestamp: stale,
		}, http.StatusUnauthorized},
		{"valid", map[string]string{
			apihttp.HeaderSignature: usage.SignPayload([]byte(body), secret),
			apihttp.HeaderTimestamp: now,
		}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t, secret)
			resp, doc := s.do(t, "POST", "/api/v1/usage/events", body, tt.headers)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d: %v", resp.StatusCode, tt.want, doc)
			}
		})
	}
}

func TestIngest_BodyTooLarge(t *testing.T) {
	s := setupTestServer(t, "")

	big := `{"user_id":"` + strings.Repeat("x", 2<<20) + `"}`
	resp, _ := s.do(t, "POST", "/api/v1/usage/events", big, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestQuery_Summary(t *testing.T) {
	s := setupTestServer(t, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := usage.Event{
			ID: "e" + strconv.Itoa(i), UserID: "u1", Agent: tier.AgentNexus, SessionID: "s",
			TokensUsed: 1000, ResponseTimeMs: 100, Tier: tier.Pro, OccurredAt: baseTime,
		}
		if _, err := s.aggs.ApplyEvent(ctx, e, baseTime); err != nil {
			t.Fatal(err)
		}
	}

	resp, doc := s.do(t, "GET", "/api/v1/usage/summary?user_id=u1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, doc)
	}
	rows := dataList(t, doc)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	attrs := rows[0]["attributes"].(map[string]any)
	if attrs["interactions"] != float64(3) || attrs["tokens"] != float64(3000) || attrs["token_ratio"] != 0.02 {
		t.Errorf("attributes = %v", attrs)
	}

	resp, _ = s.do(t, "GET", "/api/v1/usage/summary?month=03-2026", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad month status = %d, want 400", resp.StatusCode)
	}
}

func TestQuery_Daily(t *testing.T) {
	s := setupTestServer(t, "")
	e := usage.Event{ID: "e1", UserID: "u1", Agent: tier.AgentNexus, TokensUsed: 5, Tier: tier.Pro, OccurredAt: baseTime}
	if _, err := s.aggs.ApplyEvent(context.Background(), e, baseTime); err != nil {
		t.Fatal(err)
	}

	resp, doc := s.do(t, "GET", "/api/v1/usage/daily?user_id=u1&from=2026-03-01&to=2026-03-31", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, doc)
	}
	rows := dataList(t, doc)
	if len(rows) != 1 || rows[0]["attributes"].(map[string]any)["date"] != "2026-03-14" {
		t.Errorf("rows = %v", rows)
	}

	resp, _ = s.do(t, "GET", "/api/v1/usage/daily?from=2026-03-31&to=2026-03-01", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted range status = %d, want 400", resp.StatusCode)
	}
}

func TestQuery_Tiers(t *testing.T) {
	s := setupTestServer(t, "")

	resp, doc := s.do(t, "GET", "/api/v1/tiers", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	rows := dataList(t, doc)
	if len(rows) != 5 {
		t.Fatalf("tiers = %d, want 5", len(rows))
	}
	if rows[1]["id"] != "pro" || rows[1]["attributes"].(map[string]any)["daily_interaction_limit"] != float64(300) {
		t.Errorf("pro tier = %v", rows[1])
	}
}

func TestQuery_PoisonEvents(t *testing.T) {
	s := setupTestServer(t, "")
	p := usage.PoisonEvent{
		EventID:    "bad-1",
		Event:      usage.Event{ID: "bad-1", UserID: "u1", Agent: tier.AgentNexus},
		Attempts:   5,
		LastError:  "database is locked",
		RecordedAt: baseTime,
	}
	if err := s.poison.Record(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	resp, doc := s.do(t, "GET", "/api/v1/poison-events?limit=10", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	rows := dataList(t, doc)
	if len(rows) != 1 || rows[0]["id"] != "bad-1" {
		t.Errorf("rows = %v", rows)
	}

	resp, _ = s.do(t, "GET", "/api/v1/poison-events?limit=zero", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestAlerts_ListAndLifecycle(t *testing.T) {
	s := setupTestServer(t, "")
	ctx := context.Background()

	a, err := s.alerts.Trigger(ctx, alert.Trigger{
		UserID: "u1", Type: alert.TypeApproachingLimit, Severity: alert.SeverityMedium, Message: "75% of daily interactions",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.alerts.Trigger(ctx, alert.Trigger{UserID: "u2", Type: alert.TypeAnomalyDetected, Severity: alert.SeverityHigh}); err != nil {
		t.Fatal(err)
	}

	_, doc := s.do(t, "GET", "/api/v1/alerts", "", nil)
	if n := len(dataList(t, doc)); n != 2 {
		t.Errorf("active alerts = %d, want 2", n)
	}
	_, doc = s.do(t, "GET", "/api/v1/alerts?user_id=u1&type=approaching_limit", "", nil)
	if rows := dataList(t, doc); len(rows) != 1 || rows[0]["id"] != a.ID {
		t.Errorf("filtered = %v", rows)
	}

	resp, doc := s.do(t, "GET", "/api/v1/alerts/"+a.ID, "", nil)
	if resp.StatusCode != http.StatusOK || doc["data"].(map[string]any)["id"] != a.ID {
		t.Fatalf("get = %d %v", resp.StatusCode, doc)
	}

	resp, doc = s.do(t, "POST", "/api/v1/alerts/"+a.ID+"/acknowledge", `{"by":"ops@nexus"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge = %d %v", resp.StatusCode, doc)
	}
	attrs := doc["data"].(map[string]any)["attributes"].(map[string]any)
	if attrs["status"] != "acknowledged" || attrs["acknowledged_by"] != "ops@nexus" {
		t.Errorf("acknowledged attributes = %v", attrs)
	}

	resp, doc = s.do(t, "POST", "/api/v1/alerts/"+a.ID+"/acknowledge", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second acknowledge = %d, want 409", resp.StatusCode)
	}
	if errs := errorsOf(t, doc); errs[0]["code"] != "invalid_transition" {
		t.Errorf("error = %v", errs[0])
	}

	resp, _ = s.do(t, "POST", "/api/v1/alerts/"+a.ID+"/resolve", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("resolve = %d", resp.StatusCode)
	}
	_, doc = s.do(t, "GET", "/api/v1/alerts?user_id=u1", "", nil)
	if n := len(dataList(t, doc)); n != 0 {
		t.Errorf("resolved alert still listed: %d", n)
	}
}

func TestAlerts_Errors(t *testing.T) {
	s := setupTestServer(t, "")

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"unknown alert", "GET", "/api/v1/alerts/missing", "", http.StatusNotFound},
		{"dismiss unknown", "POST", "/api/v1/alerts/missing/dismiss", "", http.StatusNotFound},
		{"bad type", "GET", "/api/v1/alerts?type=nope", "", http.StatusBadRequest},
		{"bad limit", "GET", "/api/v1/alerts?limit=-1", "", http.StatusBadRequest},
		{"bad body", "POST", "/api/v1/alerts/missing/resolve", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, doc := s.do(t, tt.method, tt.path, tt.body, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d: %v", resp.StatusCode, tt.want, doc)
			}
		})
	}
}

func TestRouter_HealthVersionAndNotFound(t *testing.T) {
	s := setupTestServer(t, "")

	resp, doc := s.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK || doc["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, doc)
	}
	_, doc = s.do(t, "GET", "/version", "", nil)
	if doc["version"] != "test" || doc["service"] != "agentusage" {
		t.Errorf("version = %v", doc)
	}
	resp, _ = s.do(t, "GET", "/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown route = %d", resp.StatusCode)
	}
}

type failingCheck struct{}

func (failingCheck) HealthCheck(context.Context) error { return context.DeadlineExceeded }

func TestRouter_ReadinessFailure(t *testing.T) {
	router := apihttp.NewRouter(apihttp.RouterConfig{Health: apihttp.NewHealthHandler(failingCheck{})}, zerolog.Nop())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness = %d, want 503", rec.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	s := setupTestServer(t, "")
	s.do(t, "POST", "/api/v1/usage/events", eventBody("evt-m"), nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`agentusage_http_requests_total{method="POST",path="/api/v1/usage/events",status="2xx"} 1`,
		`agentusage_events_ingested_total{result="accepted"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestRouter_OpenAPIDocumentCoversRoutes(t *testing.T) {
	s := setupTestServer(t, "")

	resp, doc := s.do(t, "GET", apihttp.OpenAPIPath, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if doc["swagger"] != "2.0" {
		t.Errorf("swagger = %v", doc["swagger"])
	}
	info, _ := doc["info"].(map[string]any)
	if info["title"] != "Agent Usage Analytics API" || info["version"] == "" {
		t.Errorf("info = %v", info)
	}
	paths, _ := doc["paths"].(map[string]any)

	routes, ok := s.router.(chi.Routes)
	if !ok {
		t.Fatal("router does not expose its routes")
	}
	err := chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimSuffix(route, "/")
		if strings.Contains(route, "*") || route == apihttp.OpenAPIPath || route == "/metrics" {
			return nil
		}
		ops, ok := paths[route].(map[string]any)
		if !ok {
			t.Errorf("route %s missing from the API description", route)
			return nil
		}
		if _, ok := ops[strings.ToLower(method)]; !ok {
			t.Errorf("%s %s missing from the API description", method, route)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
}

func TestRouter_SwaggerUI(t *testing.T) {
	s := setupTestServer(t, "")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/swagger/index.html", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("swagger ui status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SwaggerUIBundle") {
		t.Error("swagger ui page not served")
	}

	disabled := apihttp.NewRouter(apihttp.RouterConfig{}, zerolog.Nop())
	for _, path := range []string{apihttp.OpenAPIPath, "/swagger/index.html"} {
		rec := httptest.NewRecorder()
		disabled.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s with OpenAPI disabled = %d, want 404", path, rec.Code)
		}
	}
}
