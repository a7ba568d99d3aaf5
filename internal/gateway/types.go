package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kalambet/integrator/internal/bridge"
	"github.com/kalambet/integrator/internal/creator"
	"github.com/kalambet/integrator/internal/storage"
)

var (
	// ErrPersist wraps a Memory Store failure while storing an interaction.
	ErrPersist = errors.New("interaction not persisted")
	// ErrInvalidFeedback is returned when a feedback request fails local validation.
	ErrInvalidFeedback = errors.New("invalid feedback")
	// ErrGenerationNotFound is returned when feedback targets an unknown generation.
	ErrGenerationNotFound = errors.New("generation not found")
)

// Call is what a module handler receives.
type Call struct {
	Intent string
	UserID string
	Data   map[string]any
}

// Module is a domain handler registered under Name.
type Module interface {
	Name() string
	Handle(ctx context.Context, call Call) (map[string]any, error)
}

// Request is one gateway request.
type Request struct {
	Module string         `json:"module"`
	Intent string         `json:"intent"`
	UserID string         `json:"user_id"`
	Data   map[string]any `json:"data"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the structured reply to a Request. Callers inspect Status.
type Response struct {
	Status        string              `json:"status"`
	Module        string              `json:"module"`
	Intent        string              `json:"intent"`
	Result        map[string]any      `json:"result,omitempty"`
	Message       string              `json:"message,omitempty"`
	InteractionID string              `json:"interaction_id,omitempty"`
	GenerationID  bridge.GenerationID `json:"generation_id,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

// InteractionView is the JSON form of a stored interaction.
type InteractionView struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Module       string          `json:"module"`
	Intent       string          `json:"intent"`
	Request      json.RawMessage `json:"request"`
	Response     json.RawMessage `json:"response"`
	GenerationID string          `json:"generation_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ViewOf converts a stored interaction to its JSON form.
func ViewOf(i storage.Interaction) InteractionView {
	return InteractionView{
		ID:           i.ID,
		UserID:       i.UserID,
		Module:       i.Module,
		Intent:       i.Intent,
		Request:      i.Request,
		Response:     i.Response,
		GenerationID: i.GenerationID,
		Timestamp:    i.CreatedAt,
	}
}

// GenerationRecord is the result of GetGeneration.
type GenerationRecord struct {
	GenerationID string          `json:"generation_id"`
	UserID       string          `json:"user_id"`
	Interaction  InteractionView `json:"interaction"`
}

// FeedbackRequest targets a generation with a command.
type FeedbackRequest struct {
	GenerationID any    `json:"generation_id"`
	Command      string `json:"command"`
	UserID       string `json:"user_id,omitempty"`
}

const (
	FeedbackApplied   = "applied"
	FeedbackDuplicate = "duplicate"
	FeedbackDisabled  = "disabled"
	FeedbackQueued    = "queued"
	FeedbackFailed    = "failed"
)

// FeedbackResult reports what happened to a feedback request.
type FeedbackResult struct {
	Status        string             `json:"status"`
	GenerationID  string             `json:"generation_id"`
	UserID        string             `json:"user_id"`
	Command       string             `json:"command"`
	InteractionID string             `json:"interaction_id"`
	Backend       *creator.Forwarded `json:"backend,omitempty"`
}

// Recorder receives per-request counts.
type Recorder interface {
	GatewayRequest(module, status string)
}

type nopRecorder struct{}

func (nopRecorder) GatewayRequest(string, string) {}
