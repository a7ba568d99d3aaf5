package system

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/integrator/internal/bridge"
	"github.com/kalambet/integrator/internal/storage"
)

type modules []string

func (m modules) Modules() []string { return m }

type stubProber struct {
	res bridge.HealthResult
}

func (s stubProber) HealthCheck(context.Context) bridge.HealthResult { return s.res }

var healthyBackend = stubProber{res: bridge.HealthResult{Result: bridge.Result{Body: json.RawMessage(`{"status":"healthy"}`)}, Status: "healthy"}}

var downBackend = stubProber{res: bridge.HealthResult{Result: bridge.Result{Fallback: &bridge.Fallback{ErrorType: bridge.ErrorNetwork}}}}

type brokenStore struct {
	*storage.Store
}

func (brokenStore) Ping(context.Context) error { return errors.New("disk gone") }

func (brokenStore) Stats(context.Context) (storage.Stats, error) {
	return storage.Stats{}, errors.New("disk gone")
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var all = []string{"creator", "education", "finance"}

func TestDiagnostics_AllPassing(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.StoreInteraction(context.Background(), storage.Interaction{
		ID: "i1", UserID: "u1", Module: "finance", Intent: "analyze",
		Request: json.RawMessage(`{}`), Response: json.RawMessage(`{}`), CreatedAt: time.Now(),
	}))

	m := NewMonitor(store, modules(all), all, WithBridge(healthyBackend))
	d := m.Diagnostics(context.Background())

	assert.True(t, d.IntegrationReady)
	assert.Equal(t, 1.0, d.IntegrationScore)
	assert.Equal(t, "all_checks_passed", d.ReadinessReason)
	assert.Empty(t, d.FailingComponents)
	assert.Len(t, d.IntegrationChecks, 5)
	assert.Equal(t, MemoryStats{TotalInteractions: 1, UniqueUsers: 1}, d.Memory)
	assert.Equal(t, "loaded", d.ModuleLoadStatus["creator"])
}

func TestDiagnostics_BridgeDisabledSkipsExternalCheck(t *testing.T) {
	m := NewMonitor(openTestStore(t), modules(all), all)
	d := m.Diagnostics(context.Background())

	assert.True(t, d.IntegrationReady)
	assert.NotContains(t, d.IntegrationChecks, CheckExternal)
	assert.Len(t, d.IntegrationChecks, 4)
}

func TestDiagnostics_Failures(t *testing.T) {
	m := NewMonitor(brokenStore{openTestStore(t)}, modules{"finance"}, all, WithBridge(downBackend))
	d := m.Diagnostics(context.Background())

	assert.False(t, d.IntegrationReady)
	// 1 of 5 checks (gateway) passes.
	assert.Equal(t, 0.2, d.IntegrationScore)
	assert.Equal(t, "core_modules_loaded;database_accessible;external_service_ready;memory_adapter_ready", d.ReadinessReason)
	assert.Equal(t, []string{"modules", "database", "external_service", "memory"}, d.FailingComponents)
	assert.Equal(t, "missing", d.ModuleLoadStatus["education"])
}

func TestDiagnostics_ScoreRounding(t *testing.T) {
	// modules and backend fail: 3 of 5 pass.
	m := NewMonitor(openTestStore(t), modules{}, []string{"finance"}, WithBridge(downBackend))
	d := m.Diagnostics(context.Background())
	assert.Equal(t, 0.6, d.IntegrationScore)

	m = NewMonitor(brokenStore{openTestStore(t)}, nil, nil)
	d = m.Diagnostics(context.Background())
	assert.Equal(t, 0.0, d.IntegrationScore)
	assert.Contains(t, d.FailingComponents, "gateway")
}

func TestHealth(t *testing.T) {
	m := NewMonitor(openTestStore(t), modules(all), all, WithBridge(healthyBackend))
	h := m.Health(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, "healthy", h.Components["external_service"])
	assert.Equal(t, []string(all), h.Components["modules"])
	assert.False(t, h.Timestamp.IsZero())

	m = NewMonitor(openTestStore(t), modules(all), all, WithBridge(downBackend))
	h = m.Health(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, "unreachable", h.Components["external_service"])

	m = NewMonitor(brokenStore{openTestStore(t)}, modules(all), all)
	h = m.Health(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, "unhealthy", h.Components["database"])
	assert.NotContains(t, h.Components, "external_service")
}
