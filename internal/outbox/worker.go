// Package outbox delivers queued backend calls (structured logs and feedback
// retries) so that request handling never waits on the backend.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/integrator/internal/bridge"
	"github.com/kalambet/integrator/internal/creator"
	"github.com/kalambet/integrator/internal/gateway"
	"github.com/kalambet/integrator/internal/storage"
)

// LogSender delivers structured logs to the backend.
type LogSender interface {
	Log(ctx context.Context, payload map[string]any) bridge.Result
}

// FeedbackForwarder delivers feedback to the backend.
type FeedbackForwarder interface {
	ForwardFeedback(ctx context.Context, payload map[string]any) creator.Forwarded
}

// FeedbackRecorder reads and marks feedback rows.
type FeedbackRecorder interface {
	GetFeedback(ctx context.Context, generationID, userID string) (storage.Feedback, error)
	RecordFeedback(ctx context.Context, f storage.Feedback) error
}

// JobCounter counts processed jobs.
type JobCounter interface {
	OutboxJob(jobType string, ok bool)
}

type nopCounter struct{}

func (nopCounter) OutboxJob(string, bool) {}

// Worker processes core_log and core_feedback jobs from the job queue.
type Worker struct {
	queue     storage.JobQueue
	logs      LogSender
	forwarder FeedbackForwarder
	feedback  FeedbackRecorder
	counter   JobCounter
	poll      time.Duration
	logger    *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithFeedback enables delivery of core_feedback jobs.
func WithFeedback(f FeedbackForwarder, r FeedbackRecorder) Option {
	return func(w *Worker) {
		w.forwarder = f
		w.feedback = r
	}
}

func WithCounter(c JobCounter) Option {
	return func(w *Worker) {
		if c != nil {
			w.counter = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(queue storage.JobQueue, logs LogSender, pollInterval time.Duration, opts ...Option) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	w := &Worker{
		queue:   queue,
		logs:    logs,
		counter: nopCounter{},
		poll:    pollInterval,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) types() []string {
	types := []string{gateway.JobCoreLog}
	if w.forwarder != nil && w.feedback != nil {
		types = append(types, gateway.JobCoreFeedback)
	}
	return types
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("outbox: iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob(ctx, w.types())
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.counter.OutboxJob(job.Type, false)
		w.logger.Warn("outbox: job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "error", err)
		if failErr := w.queue.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("outbox: failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	w.counter.OutboxJob(job.Type, true)
	if err := w.queue.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case gateway.JobCoreLog:
		return w.deliverLog(ctx, job)
	case gateway.JobCoreFeedback:
		return w.deliverFeedback(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (w *Worker) deliverLog(ctx context.Context, job *storage.Job) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if res := w.logs.Log(ctx, payload); res.Failed() {
		return res.Fallback
	}
	return nil
}

func (w *Worker) deliverFeedback(ctx context.Context, job *storage.Job) error {
	var fj gateway.FeedbackJob
	if err := json.Unmarshal([]byte(job.PayloadJSON), &fj); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	// A job is stale once the row holds another command or was already delivered.
	current, err := w.feedback.GetFeedback(ctx, fj.GenerationID, fj.UserID)
	switch {
	case err == nil && (current.Command != fj.Command || current.Forwarded):
		w.logger.Info("outbox: dropping stale feedback job",
			"job_id", job.ID, "generation_id", fj.GenerationID, "command", fj.Command, "current", current.Command)
		return nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("reading feedback: %w", err)
	}

	fwd := w.forwarder.ForwardFeedback(ctx, map[string]any{
		"generation_id": bridge.GenerationID(fj.GenerationID),
		"command":       fj.Command,
	})
	switch {
	case fwd.Disabled:
		return fmt.Errorf("feedback forwarding is disabled")
	case fwd.Result.Failed():
		return fwd.Result.Fallback
	}

	if err := w.feedback.RecordFeedback(ctx, storage.Feedback{
		GenerationID: fj.GenerationID,
		UserID:       fj.UserID,
		Command:      fj.Command,
		Forwarded:    true,
	}); err != nil {
		return fmt.Errorf("recording forwarded feedback: %w", err)
	}
	return nil
}
