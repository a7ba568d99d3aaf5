package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/integrator/internal/system"
)

const (
	EventHeartbeat     = "heartbeat"
	EventDegradedAlert = "degraded_alert"
)

// Diagnoser produces a diagnostics snapshot.
type Diagnoser interface {
	Diagnostics(ctx context.Context) system.Diagnostics
}

// Heartbeat periodically emits a heartbeat event, plus a degraded_alert when
// the service is not integration-ready.
type Heartbeat struct {
	cron      *cron.Cron
	diag      Diagnoser
	emitter   *Emitter
	component string
	started   time.Time
	timeout   time.Duration
	logger    *slog.Logger
}

// NewHeartbeat schedules Beat on spec (standard cron or "@every 1m").
func NewHeartbeat(spec string, diag Diagnoser, emitter *Emitter, logger *slog.Logger) (*Heartbeat, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Heartbeat{
		cron:      cron.New(),
		diag:      diag,
		emitter:   emitter,
		component: "integrator",
		started:   time.Now(),
		timeout:   10 * time.Second,
		logger:    logger,
	}
	if _, err := h.cron.AddFunc(spec, h.tick); err != nil {
		return nil, fmt.Errorf("parsing heartbeat schedule %q: %w", spec, err)
	}
	return h, nil
}

// Start runs the schedule in its own goroutine.
func (h *Heartbeat) Start() {
	h.cron.Start()
}

// Stop halts the schedule and waits for a running beat to finish.
func (h *Heartbeat) Stop() {
	<-h.cron.Stop().Done()
}

func (h *Heartbeat) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	h.Beat(ctx)
}

// Beat emits one round of events and returns them.
func (h *Heartbeat) Beat(ctx context.Context) []Event {
	d := h.diag.Diagnostics(ctx)

	status := system.StatusHealthy
	if !d.IntegrationReady {
		status = system.StatusDegraded
	}
	events := []Event{MakeEvent(EventHeartbeat, h.component, status,
		WithScore(d.IntegrationScore),
		WithFailing(d.FailingComponents),
		WithDetails(map[string]any{
			"uptime_seconds":     int(time.Since(h.started).Seconds()),
			"total_interactions": d.Memory.TotalInteractions,
		}),
	)}
	if !d.IntegrationReady {
		h.logger.Warn("telemetry: service degraded", "reason", d.ReadinessReason, "score", d.IntegrationScore)
		events = append(events, MakeEvent(EventDegradedAlert, h.component, status,
			WithScore(d.IntegrationScore),
			WithFailing(d.FailingComponents),
			WithDetails(map[string]any{"readiness_reason": d.ReadinessReason}),
		))
	}

	for _, e := range events {
		h.emitter.Emit(ctx, e)
	}
	return events
}
