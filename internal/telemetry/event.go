// Package telemetry builds and emits operational events and runs the
// periodic heartbeat.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/integrator/internal/storage"
)

// Event is a single telemetry record.
type Event struct {
	EventID           string         `json:"event_id"`
	EventType         string         `json:"event_type"`
	Component         string         `json:"component"`
	Status            string         `json:"status"`
	Timestamp         time.Time      `json:"timestamp"`
	Details           map[string]any `json:"details,omitempty"`
	IntegrationScore  *float64       `json:"integration_score,omitempty"`
	FailingComponents []string       `json:"failing_components,omitempty"`
}

type EventOption func(*Event)

func WithDetails(d map[string]any) EventOption {
	return func(e *Event) { e.Details = d }
}

func WithScore(score float64) EventOption {
	return func(e *Event) { e.IntegrationScore = &score }
}

func WithFailing(components []string) EventOption {
	return func(e *Event) { e.FailingComponents = components }
}

// MakeEvent creates an Event with a fresh id and the current UTC time.
func MakeEvent(eventType, component, status string, opts ...EventOption) Event {
	e := Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Component: component,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// EventCounter counts emitted events.
type EventCounter interface {
	TelemetryEvent(eventType, status string)
}

type nopCounter struct{}

func (nopCounter) TelemetryEvent(string, string) {}

// Emitter logs events and, when a queue is set, forwards them to the backend
// as core_log jobs.
type Emitter struct {
	queue   storage.JobQueue
	jobType string
	counter EventCounter
	logger  *slog.Logger
}

type EmitterOption func(*Emitter)

// WithQueue forwards events as jobs of jobType on q.
func WithQueue(q storage.JobQueue, jobType string) EmitterOption {
	return func(em *Emitter) {
		em.queue = q
		em.jobType = jobType
	}
}

func WithCounter(c EventCounter) EmitterOption {
	return func(em *Emitter) {
		if c != nil {
			em.counter = c
		}
	}
}

func WithLogger(l *slog.Logger) EmitterOption {
	return func(em *Emitter) {
		if l != nil {
			em.logger = l
		}
	}
}

func NewEmitter(opts ...EmitterOption) *Emitter {
	em := &Emitter{counter: nopCounter{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(em)
	}
	return em
}

// logPayload is the core_log body for an event.
type logPayload struct {
	Kind string `json:"event"`
	Event
}

// Emit records e. Failures to queue are logged and otherwise ignored.
func (em *Emitter) Emit(ctx context.Context, e Event) {
	attrs := []any{"event_id", e.EventID, "event_type", e.EventType, "component", e.Component, "status", e.Status}
	if e.IntegrationScore != nil {
		attrs = append(attrs, "integration_score", *e.IntegrationScore)
	}
	if len(e.FailingComponents) > 0 {
		attrs = append(attrs, "failing_components", e.FailingComponents)
	}
	em.logger.Info("telemetry event", attrs...)
	em.counter.TelemetryEvent(e.EventType, e.Status)

	if em.queue == nil {
		return
	}
	payload, err := json.Marshal(logPayload{Kind: "telemetry", Event: e})
	if err != nil {
		em.logger.Warn("telemetry: encoding event", "event_id", e.EventID, "error", err)
		return
	}
	if err := em.queue.EnqueueJob(ctx, storage.Job{ID: uuid.NewString(), Type: em.jobType, PayloadJSON: string(payload)}); err != nil {
		em.logger.Warn("telemetry: enqueueing event", "event_id", e.EventID, "error", err)
	}
}
