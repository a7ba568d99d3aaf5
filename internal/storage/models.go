package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction is one processed gateway request. It is immutable once stored.
type Interaction struct {
	ID           string
	UserID       string
	Module       string
	Intent       string
	Request      json.RawMessage
	Response     json.RawMessage
	GenerationID string
	CreatedAt    time.Time
}

// GenerationMapping links a backend generation id to the interaction that produced it.
type GenerationMapping struct {
	GenerationID  string
	UserID        string
	InteractionID string
	Interaction   Interaction
	CreatedAt     time.Time
}

// ContextEntry is a condensed interaction used as prompt context.
type ContextEntry struct {
	Module    string          `json:"module"`
	Intent    string          `json:"intent"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response"`
	Timestamp time.Time       `json:"timestamp"`
}

// Feedback is a feedback command applied to a generation by a user.
type Feedback struct {
	GenerationID string
	UserID       string
	Command      string
	Forwarded    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Stats summarizes stored data for diagnostics.
type Stats struct {
	TotalInteractions int `json:"total_interactions"`
	UniqueUsers       int `json:"unique_users"`
	Generations       int `json:"generations"`
	Feedback          int `json:"feedback"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// MemoryStore is the persistence contract the gateway relies on.
type MemoryStore interface {
	// StoreInteraction writes the interaction and, when GenerationID is set,
	// its generation mapping. A failed interaction write never creates a mapping.
	StoreInteraction(ctx context.Context, i Interaction) error
	// GetUserHistory returns the user's interactions, newest first.
	GetUserHistory(ctx context.Context, userID string, limit int) ([]Interaction, error)
	GetContext(ctx context.Context, userID string, limit int) ([]ContextEntry, error)
	// GetGeneration returns ErrNotFound when no mapping exists.
	GetGeneration(ctx context.Context, generationID string) (GenerationMapping, error)
}

// Backend is the full store surface used by the gateway, API and diagnostics.
type Backend interface {
	MemoryStore
	RecordFeedback(ctx context.Context, f Feedback) error
	GetFeedback(ctx context.Context, generationID, userID string) (Feedback, error)
	ListInteractions(ctx context.Context, limit int) ([]Interaction, error)
	GetInteraction(ctx context.Context, id string) (Interaction, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// JobQueue is the durable queue consumed by the outbox worker.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, types []string) (*Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// JobBackoff is the delay before a failed job becomes claimable again.
func JobBackoff(attempts int) time.Duration {
	return time.Duration(1<<uint(attempts)) * time.Second
}

// DefaultMaxAttempts applies when a job is enqueued without MaxAttempts.
const DefaultMaxAttempts = 3
