package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/integrator/internal/bridge"
	"github.com/kalambet/integrator/internal/creator"
	"github.com/kalambet/integrator/internal/storage"
)

// feedbackCommands is the closed set of accepted feedback commands.
var feedbackCommands = map[string]bool{
	"+1":   true,
	"-1":   true,
	"flag": true,
}

// FeedbackCommands lists the accepted commands.
func FeedbackCommands() []string {
	return []string{"+1", "-1", "flag"}
}

// ValidateFeedback checks a request without touching the store or the network.
func ValidateFeedback(req FeedbackRequest) (string, error) {
	gid := bridge.GenerationIDFrom(req.GenerationID).String()
	if gid == "" {
		return "", fmt.Errorf("%w: generation_id is required", ErrInvalidFeedback)
	}
	if !feedbackCommands[req.Command] {
		return "", fmt.Errorf("%w: unsupported command %q", ErrInvalidFeedback, req.Command)
	}
	return gid, nil
}

// ApplyFeedback validates req, resolves the target interaction, forwards the
// command through the creator router and records it.
//
// Invalid requests fail with ErrInvalidFeedback before any lookup or network
// call. A command already forwarded for the same user and generation returns
// status "duplicate" without calling the backend.
func (g *Gateway) ApplyFeedback(ctx context.Context, req FeedbackRequest) (FeedbackResult, error) {
	gid, err := ValidateFeedback(req)
	if err != nil {
		return FeedbackResult{}, err
	}

	rec, err := g.GetGeneration(ctx, gid)
	if err != nil {
		return FeedbackResult{}, err
	}
	if rec == nil {
		return FeedbackResult{}, fmt.Errorf("%w: %s", ErrGenerationNotFound, gid)
	}

	userID := req.UserID
	if userID == "" {
		userID = rec.UserID
	}
	res := FeedbackResult{
		GenerationID:  gid,
		UserID:        userID,
		Command:       req.Command,
		InteractionID: rec.Interaction.ID,
	}

	prior, err := g.store.GetFeedback(ctx, gid, userID)
	switch {
	case err == nil && prior.Forwarded && prior.Command == req.Command:
		res.Status = FeedbackDuplicate
		return res, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return FeedbackResult{}, fmt.Errorf("reading feedback: %w", err)
	}

	payload := map[string]any{"generation_id": bridge.GenerationID(gid), "command": req.Command}
	fwd := creator.Forwarded{Disabled: true}
	if g.router != nil {
		fwd = g.router.ForwardFeedback(ctx, payload)
	}
	res.Backend = &fwd

	switch {
	case fwd.Disabled:
		res.Status = FeedbackDisabled
	case fwd.Delivered():
		res.Status = FeedbackApplied
	case g.enqueueFeedback(ctx, gid, userID, req.Command):
		res.Status = FeedbackQueued
	default:
		res.Status = FeedbackFailed
	}

	if err := g.store.RecordFeedback(ctx, storage.Feedback{
		GenerationID: gid,
		UserID:       userID,
		Command:      req.Command,
		Forwarded:    fwd.Delivered(),
	}); err != nil {
		return res, fmt.Errorf("recording feedback: %w", err)
	}

	g.logger.Info("gateway: feedback applied", "generation_id", gid, "user_id", userID, "command", req.Command, "status", res.Status)
	return res, nil
}

// FeedbackJob is the payload of a core_feedback outbox job.
type FeedbackJob struct {
	GenerationID string `json:"generation_id"`
	UserID       string `json:"user_id"`
	Command      string `json:"command"`
}

func (g *Gateway) enqueueFeedback(ctx context.Context, gid, userID, command string) bool {
	if g.outbox == nil {
		return false
	}
	payload, err := json.Marshal(FeedbackJob{GenerationID: gid, UserID: userID, Command: command})
	if err != nil {
		return false
	}
	if err := g.outbox.EnqueueJob(ctx, storage.Job{ID: uuid.NewString(), Type: JobCoreFeedback, PayloadJSON: string(payload)}); err != nil {
		g.logger.Warn("gateway: enqueueing feedback retry", "generation_id", gid, "error", err)
		return false
	}
	return true
}
