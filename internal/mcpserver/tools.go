package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/sudocode-ai/sudocode/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_issues",
			mcp.WithDescription("List the project's issues. Filter by status: open, in_progress, blocked, closed."),
			mcp.WithString("status",
				mcp.Description("Only return issues with this status (optional)"),
			),
		),
		listIssuesHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_issue",
			mcp.WithDescription("Get one issue by its stable id (e.g. issue-042), including title, content, status and tags."),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("The issue id"),
			),
		),
		getIssueHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("create_issue",
			mcp.WithDescription("File a new issue. Use this for follow-up work discovered during a session instead of fixing it inline."),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("The issue title"),
			),
			mcp.WithString("content",
				mcp.Description("The issue body (optional)"),
			),
		),
		createIssueHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("update_issue_status",
			mcp.WithDescription("Move an issue to a new status: open, in_progress, blocked, closed."),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("The issue id to update"),
			),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("The new status"),
			),
		),
		updateIssueStatusHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("add_feedback",
			mcp.WithDescription("Attach a comment to an issue or spec. Use this to record findings, concerns or review notes against a record."),
			mcp.WithString("to_id",
				mcp.Required(),
				mcp.Description("The id of the record the feedback is about"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The feedback text"),
			),
			mcp.WithString("from_id",
				mcp.Description("The id of the record the feedback originates from (optional)"),
			),
		),
		addFeedbackHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("list_specs",
			mcp.WithDescription("List the project's design specs."),
		),
		listSpecsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_spec",
			mcp.WithDescription("Get one spec by its stable id (e.g. spec-003), including its content."),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("The spec id"),
			),
		),
		getSpecHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 7))
}

func listIssuesHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := "/api/v1/issues"
		if status := req.GetString("status", ""); status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		return apiGet(ctx, cfg, log, path, "issues")
	}
}

func getIssueHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return apiGet(ctx, cfg, log, "/api/v1/issues/"+url.PathEscape(id), "issue")
	}
}

func createIssueHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		body := map[string]any{
			"title":   title,
			"content": req.GetString("content", ""),
		}
		return apiSend(ctx, cfg, log, http.MethodPost, "/api/v1/issues", body, "issue")
	}
}

func updateIssueStatusHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		body := map[string]any{"status": status}
		return apiSend(ctx, cfg, log, http.MethodPatch, "/api/v1/issues/"+url.PathEscape(id), body, "issue")
	}
}

func addFeedbackHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toID, err := req.RequireString("to_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		body := map[string]any{
			"to_id":   toID,
			"content": content,
			"from_id": req.GetString("from_id", ""),
			"type":    "agent",
		}
		return apiSend(ctx, cfg, log, http.MethodPost, "/api/v1/feedback", body, "feedback")
	}
}

func listSpecsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return apiGet(ctx, cfg, log, "/api/v1/specs", "specs")
	}
}

func getSpecHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return apiGet(ctx, cfg, log, "/api/v1/specs/"+url.PathEscape(id), "spec")
	}
}

// apiGet proxies a read to the control plane and returns the JSON as text.
func apiGet(ctx context.Context, cfg Config, log *logger.Logger, path, what string) (*mcp.CallToolResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.SudocodeURL+path, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return doRequest(cfg, log, req, what)
}

// apiSend proxies a write to the control plane.
func apiSend(ctx context.Context, cfg Config, log *logger.Logger, method, path string, body any, what string) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.SudocodeURL+path, bytes.NewReader(payload))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(cfg, log, req, what)
}

func doRequest(cfg Config, log *logger.Logger, req *http.Request, what string) (*mcp.CallToolResult, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error("control plane request failed",
			zap.String("url", req.URL.String()), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reach sudocode at %s: %v", cfg.SudocodeURL, err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse %s response: %v", what, err)), nil
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(string(formatted)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
