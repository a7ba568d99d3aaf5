package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/integrator/internal/config"
	"github.com/kalambet/integrator/internal/gateway"
	"github.com/kalambet/integrator/internal/storage"
	"github.com/kalambet/integrator/internal/system"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

// useTestServer points every command at ts for the duration of the test.
func useTestServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return rootCmd.ExecuteContext(context.Background())
}

var ctx = context.Background()

func TestRequestCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /core": `{"status":"success","module":"finance","intent":"budget","result":{"status":"surplus"},"interaction_id":"ix-1"}`,
	})
	useTestServer(t, ts)

	err := runCommand(t, "request", "finance", "budget", "--user", "u1", "--data", `{"income":1000,"expenses":[400]}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var sent gateway.Request
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent.Module != "finance" || sent.Intent != "budget" || sent.UserID != "u1" {
		t.Errorf("sent = %+v, want finance/budget/u1", sent)
	}
	if sent.Data["income"] != float64(1000) {
		t.Errorf("data.income = %v, want 1000", sent.Data["income"])
	}
}

func TestRequestCommand_RequiresUser(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useTestServer(t, ts)

	err := runCommand(t, "request", "finance", "budget", "--user", "")
	if err == nil || !strings.Contains(err.Error(), "--user") {
		t.Fatalf("err = %v, want --user required", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestRequestCommand_BadData(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useTestServer(t, ts)

	err := runCommand(t, "request", "finance", "budget", "--user", "u1", "--data", "[1,2]")
	if err == nil || !strings.Contains(err.Error(), "JSON object") {
		t.Fatalf("err = %v, want JSON object error", err)
	}
}

func TestFeedbackCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /feedback": `{"status":"applied","generation_id":"999","user_id":"u1","command":"+1","interaction_id":"ix-9"}`,
	})
	useTestServer(t, ts)

	if err := runCommand(t, "feedback", "999", "+1", "--user", "u1"); err != nil {
		t.Fatalf("feedback failed: %v", err)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["generation_id"] != "999" || sent["command"] != "+1" || sent["user_id"] != "u1" {
		t.Errorf("sent = %v", sent)
	}
}

func TestFeedbackCommand_UnknownCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useTestServer(t, ts)

	if err := runCommand(t, "feedback", "999", "love"); err == nil {
		t.Fatal("expected error for unknown feedback command")
	}
	if len(ts.requests) != 0 {
		t.Errorf("invalid feedback should not reach the server, got %d requests", len(ts.requests))
	}
}

func TestGenerationCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useTestServer(t, ts)

	err := runCommand(t, "generation", "404")
	if err == nil {
		t.Fatal("expected error for missing generation")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want envelope message", err.Error())
	}
	if ts.requests[0].Path != "/generations/404" {
		t.Errorf("path = %q, want /generations/404", ts.requests[0].Path)
	}
}

func TestHistoryCommand_QueryEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /history": `{"user_id":"a b","history":[]}`,
	})
	useTestServer(t, ts)

	if err := runCommand(t, "history", "a b", "--limit", "5"); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if got := ts.requests[0].Path; got != "/history?limit=5&user_id=a+b" {
		t.Errorf("path = %q, want /history?limit=5&user_id=a+b", got)
	}
}

func TestInteractionsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /interactions": `[{"id":"ix-001","user_id":"u1","module":"finance","intent":"budget","timestamp":"2025-01-01T00:00:00Z"}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/interactions?limit=20")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var interactions []gateway.InteractionView
	if err := decodeJSON(resp, &interactions); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(interactions) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(interactions))
	}
	if interactions[0].ID != "ix-001" {
		t.Errorf("id = %q, want ix-001", interactions[0].ID)
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	resp, err := client.get(ctx, "/anything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v map[string]any
	err = decodeJSON(resp, &v)
	if err == nil || !strings.Contains(err.Error(), "502: upstream down") {
		t.Errorf("err = %v, want 502 with body", err)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/system/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestShowStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /system/health":      `{"status":"healthy","components":{"database":"healthy","gateway":"healthy"}}`,
		"GET /system/diagnostics": `{"integration_ready":true,"integration_score":1,"readiness_reason":"all_checks_passed","memory":{"total_interactions":3,"unique_users":2}}`,
	})

	if err := showStatus(ctx, ts.client()); err != nil {
		t.Fatalf("showStatus: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Errorf("expected 2 requests, got %d", len(ts.requests))
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestStatusColor(t *testing.T) {
	tests := map[string]string{
		"success":  colorGreen,
		"applied":  colorGreen,
		"queued":   colorYellow,
		"degraded": colorYellow,
		"failed":   colorRed,
		"error":    colorRed,
	}
	for status, want := range tests {
		if got := statusColor(status); got != want {
			t.Errorf("statusColor(%q) = %q, want %q", status, got, want)
		}
	}
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Storage.Backend = config.StorageSQLite
	cfg.Bridge.Timeout = time.Second
	cfg.Bridge.Retries = 1
	cfg.Bridge.Backoff = time.Millisecond
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Log.Level = "error"
	return cfg
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewApp_BridgeDisabled(t *testing.T) {
	a, err := newApp(testConfig(), openTestStore(t), newLogger("error"))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if a.worker != nil {
		t.Error("outbox worker should not run without a bridge")
	}
	if a.heartbeat != nil {
		t.Error("heartbeat should not be scheduled with an empty schedule")
	}

	req := httptest.NewRequest(http.MethodPost, "/core",
		strings.NewReader(`{"module":"finance","intent":"budget","user_id":"u1","data":{"income":100,"expenses":[40]}}`))
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /core status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp gateway.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != gateway.StatusSuccess || resp.InteractionID == "" {
		t.Errorf("resp = %+v, want success with interaction id", resp)
	}

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/system/health", nil))
	var health system.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if _, ok := health.Components["external_service"]; ok {
		t.Error("external_service should not be reported when the bridge is disabled")
	}
}

func TestNewApp_BridgeEnabled(t *testing.T) {
	backend := newTestServer(t, map[string]string{
		"GET /system/health": `{"status":"healthy"}`,
	})

	cfg := testConfig()
	cfg.Bridge.Enabled = true
	cfg.Bridge.BaseURL = backend.server.URL
	cfg.Telemetry.Heartbeat = "@every 1h"

	a, err := newApp(cfg, openTestStore(t), newLogger("error"))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if a.worker == nil {
		t.Error("outbox worker should be wired when the bridge is enabled")
	}
	if a.heartbeat == nil {
		t.Error("heartbeat should be scheduled")
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/system/health", nil))
	var health system.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Components["external_service"] != "healthy" {
		t.Errorf("external_service = %v, want healthy", health.Components["external_service"])
	}
}

func TestNewApp_InvalidHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.Telemetry.Heartbeat = "not a schedule"

	if _, err := newApp(cfg, openTestStore(t), newLogger("error")); err == nil {
		t.Fatal("expected error for invalid heartbeat schedule")
	}
}
