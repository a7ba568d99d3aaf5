// Package system reports service health and integration readiness.
package system

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/integrator/internal/bridge"
	"github.com/kalambet/integrator/internal/storage"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Check names reported in diagnostics.
const (
	CheckModules  = "core_modules_loaded"
	CheckDatabase = "database_accessible"
	CheckGateway  = "gateway_initialized"
	CheckMemory   = "memory_adapter_ready"
	CheckExternal = "external_service_ready"
)

var checkComponents = map[string]string{
	CheckModules:  "modules",
	CheckDatabase: "database",
	CheckGateway:  "gateway",
	CheckMemory:   "memory",
	CheckExternal: "external_service",
}

// ModuleLister reports the names of loaded modules.
type ModuleLister interface {
	Modules() []string
}

// HealthProber probes the external backend.
type HealthProber interface {
	HealthCheck(ctx context.Context) bridge.HealthResult
}

// Monitor computes health and diagnostics snapshots.
type Monitor struct {
	store    storage.Backend
	gateway  ModuleLister
	bridge   HealthProber
	required []string
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Monitor)

// WithBridge includes the backend in health and diagnostics.
// A nil prober leaves the backend out.
func WithBridge(p HealthProber) Option {
	return func(m *Monitor) { m.bridge = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMonitor creates a Monitor. required lists the modules that must be
// loaded for the service to be integration-ready.
func NewMonitor(store storage.Backend, gw ModuleLister, required []string, opts ...Option) *Monitor {
	m := &Monitor{
		store:    store,
		gateway:  gw,
		required: required,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Health is the /system/health response.
type Health struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (m *Monitor) Health(ctx context.Context) Health {
	h := Health{
		Status:     StatusHealthy,
		Components: map[string]any{},
		Timestamp:  m.now().UTC(),
	}

	if err := m.store.Ping(ctx); err != nil {
		m.logger.Warn("system: database ping failed", "error", err)
		h.Components["database"] = "unhealthy"
		h.Status = StatusDegraded
	} else {
		h.Components["database"] = StatusHealthy
	}

	if m.gateway != nil {
		h.Components["gateway"] = StatusHealthy
		h.Components["modules"] = m.gateway.Modules()
	} else {
		h.Components["gateway"] = "not_initialized"
		h.Components["modules"] = []string{}
		h.Status = StatusDegraded
	}

	if m.bridge != nil {
		res := m.bridge.HealthCheck(ctx)
		switch {
		case res.Failed():
			h.Components["external_service"] = "unreachable"
			h.Status = StatusDegraded
		case res.Status == StatusHealthy:
			h.Components["external_service"] = StatusHealthy
		default:
			h.Components["external_service"] = StatusDegraded
			h.Status = StatusDegraded
		}
	}
	return h
}

// MemoryStats summarizes the interaction store.
type MemoryStats struct {
	TotalInteractions int `json:"total_interactions"`
	UniqueUsers       int `json:"unique_users"`
}

// Diagnostics is the /system/diagnostics response.
type Diagnostics struct {
	ModuleLoadStatus  map[string]string `json:"module_load_status"`
	IntegrationReady  bool              `json:"integration_ready"`
	IntegrationChecks map[string]bool   `json:"integration_checks"`
	IntegrationScore  float64           `json:"integration_score"`
	ReadinessReason   string            `json:"readiness_reason"`
	FailingComponents []string          `json:"failing_components"`
	Timestamp         time.Time         `json:"timestamp"`
	Memory            MemoryStats       `json:"memory"`
}

// Diagnostics runs every readiness check concurrently and scores the result.
func (m *Monitor) Diagnostics(ctx context.Context) Diagnostics {
	loaded := map[string]bool{}
	if m.gateway != nil {
		for _, name := range m.gateway.Modules() {
			loaded[name] = true
		}
	}

	d := Diagnostics{
		ModuleLoadStatus: map[string]string{},
		Timestamp:        m.now().UTC(),
	}
	modulesOK := len(m.required) > 0 || len(loaded) > 0
	for _, name := range m.required {
		if loaded[name] {
			d.ModuleLoadStatus[name] = "loaded"
		} else {
			d.ModuleLoadStatus[name] = "missing"
			modulesOK = false
		}
	}
	for name := range loaded {
		if _, ok := d.ModuleLoadStatus[name]; !ok {
			d.ModuleLoadStatus[name] = "loaded"
		}
	}

	var dbOK, memOK, extOK bool
	var stats storage.Stats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.store.Ping(gctx); err != nil {
			m.logger.Warn("system: database check failed", "error", err)
			return nil
		}
		dbOK = true
		return nil
	})
	g.Go(func() error {
		st, err := m.store.Stats(gctx)
		if err != nil {
			m.logger.Warn("system: memory check failed", "error", err)
			return nil
		}
		stats, memOK = st, true
		return nil
	})
	if m.bridge != nil {
		g.Go(func() error {
			res := m.bridge.HealthCheck(gctx)
			extOK = !res.Failed() && res.Status == StatusHealthy
			return nil
		})
	}
	g.Wait()

	d.IntegrationChecks = map[string]bool{
		CheckModules:  modulesOK,
		CheckDatabase: dbOK,
		CheckGateway:  m.gateway != nil,
		CheckMemory:   memOK,
	}
	if m.bridge != nil {
		d.IntegrationChecks[CheckExternal] = extOK
	}
	d.Memory = MemoryStats{TotalInteractions: stats.TotalInteractions, UniqueUsers: stats.UniqueUsers}

	var failed []string
	for name, ok := range d.IntegrationChecks {
		if !ok {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)

	passed := len(d.IntegrationChecks) - len(failed)
	d.IntegrationScore = math.Round(float64(passed)/float64(len(d.IntegrationChecks))*1000) / 1000
	d.IntegrationReady = len(failed) == 0
	d.FailingComponents = []string{}
	if d.IntegrationReady {
		d.ReadinessReason = "all_checks_passed"
	} else {
		d.ReadinessReason = strings.Join(failed, ";")
		for _, name := range failed {
			d.FailingComponents = append(d.FailingComponents, checkComponents[name])
		}
	}
	return d
}
