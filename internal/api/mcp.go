package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nv-mldev/email-agent/internal/pipeline"
	"github.com/nv-mldev/email-agent/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    RecordStore
	Redriver Redriver
	Poller   Poller // optional; poll_mailbox fails without it
	Version  string
}

// NewMCPServer creates an MCP server exposing the operator tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"email-agent",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("email-agent: inspect inbound email records, re-drive failed ones, and trigger mailbox polls."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_records",
			mcp.WithDescription("List email records, newest first, optionally filtered by status."),
			mcp.WithString("status", mcp.Description("Status filter, e.g. FAILED_PARSING or PENDING_CONFIRMATION")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 20)")),
		),
		mcpListRecords(deps),
	)

	s.AddTool(
		mcp.NewTool("get_record",
			mcp.WithDescription("Return one email record with its attachments and identified documents."),
			mcp.WithNumber("id", mcp.Description("Record id"), mcp.Required()),
		),
		mcpGetRecord(deps),
	)

	s.AddTool(
		mcp.NewTool("redrive_record",
			mcp.WithDescription("Reset a failed or stuck record to the start of its stage and enqueue it again."),
			mcp.WithNumber("id", mcp.Description("Record id"), mcp.Required()),
		),
		mcpRedriveRecord(deps),
	)

	s.AddTool(
		mcp.NewTool("poll_mailbox",
			mcp.WithDescription("Run one ingestion cycle against the mailbox now."),
		),
		mcpPollMailbox(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"records://stats",
			"Record Counts",
			mcp.WithResourceDescription("Number of email records per status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpListRecords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		f := storage.ListFilter{Limit: limit}
		if s := req.GetString("status", ""); s != "" {
			status, err := pipeline.ParseStatus(s)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			f.Status = status
		}

		records, err := deps.Store.List(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("listing records failed: %v", err)), nil
		}
		out := make([]RecordSummary, 0, len(records))
		for _, r := range records {
			out = append(out, summarize(r))
		}
		return mcpJSON(out)
	}
}

func mcpGetRecord(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := mcpRecordID(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		rec, err := deps.Store.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("record %d not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading record failed: %v", err)), nil
		}
		return mcpJSON(rec)
	}
}

func mcpRedriveRecord(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := mcpRecordID(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		rec, err := deps.Redriver.Redrive(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("re-drive failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Record %d re-driven to %s", rec.ID, rec.Status)), nil
	}
}

func mcpPollMailbox(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Poller == nil {
			return mcpError("mailbox polling is not configured"), nil
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		n, err := deps.Poller.PollOnce(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("poll failed after %d new emails: %v", n, err)), nil
		}
		return mcpText(fmt.Sprintf("Ingested %d new emails", n)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Store.CountByStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("counting records: %w", err)
		}
		out := make(map[string]int, len(counts))
		for _, s := range pipeline.Statuses() {
			out[string(s)] = counts[s]
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshalling counts: %w", err)
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

func mcpRecordID(req mcp.CallToolRequest) (int64, error) {
	id := req.GetInt("id", 0)
	if id <= 0 {
		return 0, errors.New("id is required and must be positive")
	}
	return int64(id), nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
