// Package gateway dispatches requests to domain modules, persists each
// processed interaction, indexes generation ids and applies feedback.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/kalambet/integrator/internal/bridge"
	"github.com/kalambet/integrator/internal/creator"
	"github.com/kalambet/integrator/internal/storage"
)

// JobCoreLog is the outbox job type that delivers a structured log to the backend.
const JobCoreLog = "core_log"

// JobCoreFeedback is the outbox job type that retries feedback delivery.
const JobCoreFeedback = "core_feedback"

// generationPaths are searched in order for a generation id in a response.
var generationPaths = []string{
	"result.generation_id",
	"generation_id",
	"result.generation_metadata.generation_id",
}

// Gateway routes requests to modules and owns interaction persistence.
type Gateway struct {
	store    storage.Backend
	modules  map[string]Module
	router   *creator.Router
	outbox   storage.JobQueue
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRouter sets the creator router used to forward feedback.
func WithRouter(r *creator.Router) Option {
	return func(g *Gateway) { g.router = r }
}

// WithOutbox enables core_log and feedback retry jobs on q.
func WithOutbox(q storage.JobQueue) Option {
	return func(g *Gateway) { g.outbox = q }
}

func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a Gateway serving the given modules.
func New(store storage.Backend, modules []Module, opts ...Option) *Gateway {
	g := &Gateway{
		store:    store,
		modules:  make(map[string]Module, len(modules)),
		recorder: nopRecorder{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, m := range modules {
		g.modules[m.Name()] = m
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Modules returns the names of the loaded modules, sorted.
func (g *Gateway) Modules() []string {
	names := make([]string, 0, len(g.modules))
	for name := range g.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProcessRequest runs the module handler and stores the interaction.
//
// Unknown modules, handler errors and handler panics yield a Response with
// Status "error" and a nil error; nothing is stored. A store failure returns
// the Response together with an error wrapping ErrPersist, and no generation
// mapping is created.
func (g *Gateway) ProcessRequest(ctx context.Context, req Request) (Response, error) {
	resp := Response{Module: req.Module, Intent: req.Intent, Timestamp: g.now().UTC()}

	mod, ok := g.modules[req.Module]
	if !ok {
		return g.fail(resp, fmt.Sprintf("unknown module %q", req.Module)), nil
	}

	if req.Data == nil {
		req.Data = map[string]any{}
	}
	// Snapshot before the handler runs; handlers may enrich Data in place.
	requestJSON, err := json.Marshal(req.Data)
	if err != nil {
		return g.fail(resp, fmt.Sprintf("encoding request: %v", err)), nil
	}

	result, err := g.invoke(ctx, mod, Call{Intent: req.Intent, UserID: req.UserID, Data: req.Data})
	if err != nil {
		g.logger.Warn("gateway: module failed", "module", req.Module, "intent", req.Intent, "error", err)
		return g.fail(resp, err.Error()), nil
	}

	resp.Status = StatusSuccess
	resp.Result = result
	resp.InteractionID = uuid.NewString()

	responseJSON, err := json.Marshal(resp)
	if err != nil {
		g.recorder.GatewayRequest(req.Module, "persist_error")
		return resp, fmt.Errorf("%w: encoding response: %v", ErrPersist, err)
	}
	if gid := ExtractGenerationID(responseJSON); gid != "" {
		resp.GenerationID = bridge.GenerationID(gid)
	}

	interaction := storage.Interaction{
		ID:           resp.InteractionID,
		UserID:       req.UserID,
		Module:       req.Module,
		Intent:       req.Intent,
		Request:      requestJSON,
		Response:     responseJSON,
		GenerationID: resp.GenerationID.String(),
		CreatedAt:    resp.Timestamp,
	}
	if err := g.store.StoreInteraction(ctx, interaction); err != nil {
		g.logger.Error("gateway: storing interaction", "module", req.Module, "user_id", req.UserID, "error", err)
		g.recorder.GatewayRequest(req.Module, "persist_error")
		return resp, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	g.recorder.GatewayRequest(req.Module, StatusSuccess)
	g.enqueueLog(ctx, interaction)
	return resp, nil
}

func (g *Gateway) fail(resp Response, msg string) Response {
	resp.Status = StatusError
	resp.Message = msg
	g.recorder.GatewayRequest(resp.Module, StatusError)
	return resp
}

// invoke calls the handler, converting a panic into an error.
func (g *Gateway) invoke(ctx context.Context, mod Module, call Call) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("gateway: module panicked", "module", mod.Name(), "panic", rec, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("module %s panicked: %v", mod.Name(), rec)
		}
	}()
	result, err = mod.Handle(ctx, call)
	if err == nil && result == nil {
		result = map[string]any{}
	}
	return result, err
}

// ExtractGenerationID finds a generation id in an encoded response, checking
// result.generation_id, then generation_id, then
// result.generation_metadata.generation_id. Numbers keep their literal form.
func ExtractGenerationID(responseJSON []byte) string {
	for _, path := range generationPaths {
		v := gjson.GetBytes(responseJSON, path)
		switch v.Type {
		case gjson.String:
			if v.Str != "" {
				return v.Str
			}
		case gjson.Number:
			return v.String()
		}
	}
	return ""
}

func (g *Gateway) enqueueLog(ctx context.Context, i storage.Interaction) {
	if g.outbox == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":          "interaction_stored",
		"interaction_id": i.ID,
		"user_id":        i.UserID,
		"module":         i.Module,
		"intent":         i.Intent,
		"generation_id":  i.GenerationID,
		"timestamp":      i.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		g.logger.Warn("gateway: encoding core_log payload", "error", err)
		return
	}
	if err := g.outbox.EnqueueJob(ctx, storage.Job{ID: uuid.NewString(), Type: JobCoreLog, PayloadJSON: string(payload)}); err != nil {
		g.logger.Warn("gateway: enqueueing core_log", "interaction_id", i.ID, "error", err)
	}
}

// GetGeneration resolves a generation id, numeric or string, to its record.
// A missing id yields nil and no error.
func (g *Gateway) GetGeneration(ctx context.Context, id any) (*GenerationRecord, error) {
	key := bridge.GenerationIDFrom(id).String()
	if key == "" {
		return nil, nil
	}
	m, err := g.store.GetGeneration(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up generation %s: %w", key, err)
	}
	return &GenerationRecord{
		GenerationID: m.GenerationID,
		UserID:       m.UserID,
		Interaction:  ViewOf(m.Interaction),
	}, nil
}

// GetContext returns local memory context for a user.
func (g *Gateway) GetContext(ctx context.Context, userID string, limit int) ([]storage.ContextEntry, error) {
	return g.store.GetContext(ctx, userID, limit)
}

// History returns a user's interactions, newest first.
func (g *Gateway) History(ctx context.Context, userID string, limit int) ([]InteractionView, error) {
	items, err := g.store.GetUserHistory(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]InteractionView, 0, len(items))
	for _, i := range items {
		views = append(views, ViewOf(i))
	}
	return views, nil
}
