// Package creator prepares creator requests with backend history, generated
// output or local memory context, and forwards feedback to the backend.
package creator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kalambet/integrator/internal/bridge"
	"github.com/kalambet/integrator/internal/storage"
)

const (
	defaultType        = "story"
	recentHistoryLimit = 5
	memoryContextLimit = 3
)

// Bridge is the subset of the bridge client the router uses.
type Bridge interface {
	Generate(ctx context.Context, req bridge.GenerateRequest) bridge.GenerateResult
	History(ctx context.Context, topic string) bridge.HistoryResult
	Feedback(ctx context.Context, payload map[string]any) bridge.Result
}

// ContextSource supplies local memory context for a user.
type ContextSource interface {
	GetContext(ctx context.Context, userID string, limit int) ([]storage.ContextEntry, error)
}

// SuppressionCounter counts errors that enrichment logs and swallows.
type SuppressionCounter interface {
	Suppressed(stage string)
}

type nopCounter struct{}

func (nopCounter) Suppressed(string) {}

// Router enriches creator input. Either dependency may be nil.
type Router struct {
	bridge  Bridge
	memory  ContextSource
	counter SuppressionCounter
	logger  *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithCounter(c SuppressionCounter) Option {
	return func(r *Router) {
		if c != nil {
			r.counter = c
		}
	}
}

// NewRouter creates a Router. A nil bridge disables backend calls; a nil
// memory disables the local context fallback.
func NewRouter(b Bridge, memory ContextSource, opts ...Option) *Router {
	r := &Router{
		bridge:  b,
		memory:  memory,
		counter: nopCounter{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BridgeEnabled reports whether backend calls are configured.
func (r *Router) BridgeEnabled() bool {
	return r.bridge != nil
}

// Preparation is the outcome of Prepare.
type Preparation struct {
	// Data is the input map, enriched in place.
	Data  map[string]any
	Topic string
	Goal  string
	Type  string
	// Generated is set when the backend was asked to generate.
	Generated *bridge.GenerateResult
}

// PrewarmAndPrepare enriches input and returns it. It never panics.
func (r *Router) PrewarmAndPrepare(ctx context.Context, request, userID string, input map[string]any) map[string]any {
	return r.Prepare(ctx, request, userID, input).Data
}

// Prepare enriches input in place:
//   - recent_history from backend history (at most 5 entries, never overwritten);
//   - when topic and goal are known and a bridge is configured, the generate
//     result's related_context and generation_metadata, returning immediately;
//   - otherwise up to 3 local memory context entries as related_context.
//
// Keys already present in input are never overwritten.
func (r *Router) Prepare(ctx context.Context, request, userID string, input map[string]any) (p Preparation) {
	p.Data = input
	defer func() {
		if rec := recover(); rec != nil {
			r.suppress("panic", "creator: enrichment panicked", fmt.Errorf("%v", rec))
			p = Preparation{Data: input}
		}
	}()
	if input == nil {
		return p
	}

	nested, _ := input["data"].(map[string]any)
	p.Topic = firstString(input["topic"], nested["topic"])
	p.Goal = firstString(input["goal"], nested["goal"])
	p.Type = firstString(input["type"], nested["type"])
	if p.Type == "" {
		p.Type = defaultType
	}

	if r.bridge != nil {
		h := r.bridge.History(ctx, "")
		switch {
		case h.Failed():
			r.suppress("history", "creator: history unavailable", h.Fallback)
		case h.IsList():
			recent := h.Entries
			if len(recent) > recentHistoryLimit {
				recent = recent[:recentHistoryLimit]
			}
			setDefault(input, "recent_history", recent)
		}
	}

	if r.bridge != nil && p.Topic != "" && p.Goal != "" {
		res := r.bridge.Generate(ctx, bridge.GenerateRequest{Topic: p.Topic, Goal: p.Goal, Type: p.Type})
		p.Generated = &res
		if res.DecodeErr != nil {
			r.suppress("generate", "creator: generate response is not an object", res.DecodeErr)
			return p
		}
		if res.Failed() {
			r.logger.Debug("creator: generate fell back", "request", request, "error_type", res.Fallback.ErrorType)
		}

		related := res.Generation.RelatedContext
		if related == nil {
			related = []json.RawMessage{}
		}
		setDefault(input, "related_context", related)

		if res.Generation.HasOutput() {
			setDefault(input, "generation_metadata", map[string]any{
				"source":               "external",
				"can_provide_feedback": true,
				"generation_id":        res.Generation.GenerationID,
			})
		}
		return p
	}

	if r.memory != nil && userID != "" {
		entries, err := r.memory.GetContext(ctx, userID, memoryContextLimit)
		if err != nil {
			r.suppress("memory", "creator: memory context unavailable", err)
			return p
		}
		setDefault(input, "related_context", entries)
	}

	return p
}

// Generate calls the backend directly. ok is false when no bridge is configured.
func (r *Router) Generate(ctx context.Context, req bridge.GenerateRequest) (res bridge.GenerateResult, ok bool) {
	if r.bridge == nil {
		return bridge.GenerateResult{}, false
	}
	if req.Type == "" {
		req.Type = defaultType
	}
	return r.bridge.Generate(ctx, req), true
}

func (r *Router) suppress(stage, msg string, err error) {
	r.counter.Suppressed(stage)
	r.logger.Debug(msg, "stage", stage, "error", err)
}

// Forwarded is the outcome of ForwardFeedback: either disabled (no bridge)
// or the bridge result, success body or fallback, verbatim.
type Forwarded struct {
	Disabled bool
	Result   bridge.Result
}

// Delivered reports whether the backend acknowledged the feedback.
func (f Forwarded) Delivered() bool {
	return !f.Disabled && !f.Result.Failed()
}

func (f Forwarded) MarshalJSON() ([]byte, error) {
	if f.Disabled {
		return []byte(`{"status":"disabled"}`), nil
	}
	return json.Marshal(f.Result)
}

// Map returns the forwarded outcome as a generic JSON object.
func (f Forwarded) Map() map[string]any {
	if f.Disabled {
		return map[string]any{"status": "disabled"}
	}
	return f.Result.Object()
}

// ForwardFeedback normalizes payload to {id, feedback} or
// {generation_id, command} when those keys are present, and sends it to the
// backend. Other payloads are sent verbatim.
func (r *Router) ForwardFeedback(ctx context.Context, payload map[string]any) Forwarded {
	if r.bridge == nil {
		return Forwarded{Disabled: true}
	}
	return Forwarded{Result: r.bridge.Feedback(ctx, canonicalFeedback(payload))}
}

func canonicalFeedback(payload map[string]any) map[string]any {
	if hasKeys(payload, "id", "feedback") {
		return map[string]any{"id": payload["id"], "feedback": payload["feedback"]}
	}
	if hasKeys(payload, "generation_id", "command") {
		return map[string]any{"generation_id": payload["generation_id"], "command": payload["command"]}
	}
	return payload
}

func hasKeys(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func setDefault(m map[string]any, key string, v any) {
	if _, ok := m[key]; !ok {
		m[key] = v
	}
}

// firstString returns the first candidate that is a non-empty string or a number.
func firstString(candidates ...any) string {
	for _, c := range candidates {
		switch v := c.(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64, int, int64:
			return fmt.Sprint(v)
		}
	}
	return ""
}
