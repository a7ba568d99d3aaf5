package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/integrator/internal/gateway"
	"github.com/kalambet/integrator/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Gateway *gateway.Gateway
	Store   storage.Backend
	Version string
}

// NewMCPServer creates an MCP server exposing the gateway as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"integrator",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("integrator routes finance, education and creator requests and records feedback on generations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("process_request",
			mcp.WithDescription("Route a request to a domain module and store the interaction."),
			mcp.WithString("module", mcp.Description("Target module: finance, education or creator"), mcp.Required()),
			mcp.WithString("intent", mcp.Description("Module intent, e.g. analyze, quiz, generate"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("User the request is made for"), mcp.Required()),
			mcp.WithString("data", mcp.Description("JSON object with the module input")),
		),
		mcpProcessRequest(deps),
	)

	s.AddTool(
		mcp.NewTool("get_generation",
			mcp.WithDescription("Look up the interaction that produced a generation id."),
			mcp.WithString("generation_id", mcp.Description("Generation id, numeric or string"), mcp.Required()),
		),
		mcpGetGeneration(deps),
	)

	s.AddTool(
		mcp.NewTool("apply_feedback",
			mcp.WithDescription("Apply a feedback command (+1, -1, flag) to a generation."),
			mcp.WithString("generation_id", mcp.Description("Generation id"), mcp.Required()),
			mcp.WithString("command", mcp.Description("Feedback command"), mcp.Required(), mcp.Enum(gateway.FeedbackCommands()...)),
			mcp.WithString("user_id", mcp.Description("User giving feedback; defaults to the generation's owner")),
		),
		mcpApplyFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("get_context",
			mcp.WithDescription("Return a user's most recent interactions as context entries."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 3)")),
		),
		mcpGetContext(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"integrator://recent",
			"Recent Interactions",
			mcp.WithResourceDescription("Last 10 stored interactions across all users"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpProcessRequest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		module, err := req.RequireString("module")
		if err != nil {
			return mcpError("module is required"), nil
		}
		intent, err := req.RequireString("intent")
		if err != nil {
			return mcpError("intent is required"), nil
		}
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		data := map[string]any{}
		if raw := req.GetString("data", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &data); err != nil {
				return mcpError(fmt.Sprintf("invalid data JSON: %v", err)), nil
			}
		}

		resp, err := deps.Gateway.ProcessRequest(ctx, gateway.Request{Module: module, Intent: intent, UserID: userID, Data: data})
		if err != nil {
			return mcpError(fmt.Sprintf("request failed: %v", err)), nil
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		if resp.Status != gateway.StatusSuccess {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetGeneration(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("generation_id")
		if err != nil {
			return mcpError("generation_id is required"), nil
		}

		rec, err := deps.Gateway.GetGeneration(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		if rec == nil {
			return mcpError(fmt.Sprintf("generation %s not found", id)), nil
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal generation: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpApplyFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("generation_id")
		if err != nil {
			return mcpError("generation_id is required"), nil
		}
		command, err := req.RequireString("command")
		if err != nil {
			return mcpError("command is required"), nil
		}

		res, err := deps.Gateway.ApplyFeedback(ctx, gateway.FeedbackRequest{
			GenerationID: id,
			Command:      command,
			UserID:       req.GetString("user_id", ""),
		})
		if errors.Is(err, gateway.ErrGenerationNotFound) {
			return mcpError(fmt.Sprintf("generation %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("feedback failed: %v", err)), nil
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		limit := req.GetInt("limit", 3)
		if limit <= 0 {
			limit = 3
		}
		if limit > 50 {
			limit = 50
		}

		entries, err := deps.Gateway.GetContext(ctx, userID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("context lookup failed: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(entries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal context: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.Store.ListInteractions(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent interactions: %w", err)
		}

		type interactionSummary struct {
			ID           string `json:"id"`
			UserID       string `json:"user_id"`
			Module       string `json:"module"`
			Intent       string `json:"intent"`
			GenerationID string `json:"generation_id,omitempty"`
			CreatedAt    string `json:"created_at"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			summaries[i] = interactionSummary{
				ID:           ix.ID,
				UserID:       ix.UserID,
				Module:       ix.Module,
				Intent:       ix.Intent,
				GenerationID: ix.GenerationID,
				CreatedAt:    ix.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
