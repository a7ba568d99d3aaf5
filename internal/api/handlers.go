package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/integrator/internal/gateway"
	"github.com/kalambet/integrator/internal/storage"
)

func handleCore(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req gateway.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Module == "" || req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "module and user_id are required")
			return
		}

		resp, err := deps.Gateway.ProcessRequest(r.Context(), req)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req gateway.FeedbackRequest
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Gateway.ApplyFeedback(r.Context(), req)
		switch {
		case errors.Is(err, gateway.ErrInvalidFeedback):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, gateway.ErrGenerationNotFound):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "applying feedback: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 3, 1000)

		entries, err := deps.Gateway.GetContext(r.Context(), userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get context: %v", err)
			return
		}
		if entries == nil {
			entries = []storage.ContextEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"context": entries,
		})
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 10, 1000)

		views, err := deps.Gateway.History(r.Context(), userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"history": views,
		})
	}
}

func handleGetGeneration(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Gateway.GetGeneration(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get generation: %v", err)
			return
		}
		if rec == nil {
			httpError(w, http.StatusNotFound, "not_found", "generation not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleListInteractions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 1000)

		items, err := deps.Store.ListInteractions(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}

		views := make([]gateway.InteractionView, 0, len(items))
		for _, i := range items {
			views = append(views, gateway.ViewOf(i))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		interaction, err := deps.Store.GetInteraction(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, gateway.ViewOf(interaction))
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Monitor.Health(r.Context()))
	}
}

func handleDiagnostics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Monitor.Diagnostics(r.Context()))
	}
}
