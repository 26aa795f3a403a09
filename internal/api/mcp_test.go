package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nv-mldev/email-agent/internal/bus"
	"github.com/nv-mldev/email-agent/internal/pipeline"
	"github.com/nv-mldev/email-agent/internal/stage"
	"github.com/nv-mldev/email-agent/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:    store,
		Redriver: stage.NewRedriver(store, bus.NewSQL(store, 0), "", ""),
		Poller:   &mockPoller{n: 3},
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_ListRecords(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedRecord(t, store, "<m1@x>")
	seedRecord(t, store, "<m2@x>", pipeline.StatusParsing, pipeline.StatusFailedParsing)

	result, err := mcpListRecords(deps)(context.Background(), makeCallToolRequest("list_records", map[string]interface{}{
		"status": "FAILED_PARSING",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var rows []RecordSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &rows); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(rows) != 1 || rows[0].InternetMessageID != "<m2@x>" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestMCPTool_ListRecords_BadStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, _ := mcpListRecords(deps)(context.Background(), makeCallToolRequest("list_records", map[string]interface{}{
		"status": "SHREDDED",
	}))
	if !result.IsError {
		t.Fatal("expected tool error for unknown status")
	}
}

func TestMCPTool_GetRecord(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	rec := seedRecord(t, store, "<g@x>")

	result, _ := mcpGetRecord(deps)(context.Background(), makeCallToolRequest("get_record", map[string]interface{}{
		"id": float64(rec.ID),
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var got pipeline.Record
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID || got.Subject != rec.Subject {
		t.Errorf("record = %+v", got)
	}

	result, _ = mcpGetRecord(deps)(context.Background(), makeCallToolRequest("get_record", map[string]interface{}{"id": 404}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("missing record result = %s", toolText(t, result))
	}

	result, _ = mcpGetRecord(deps)(context.Background(), makeCallToolRequest("get_record", nil))
	if !result.IsError {
		t.Error("expected error without id")
	}
}

func TestMCPTool_RedriveRecord(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	rec := seedRecord(t, store, "<rd@x>", pipeline.StatusParsing, pipeline.StatusParsed, pipeline.StatusAnalyzing, pipeline.StatusFailedAnalysis)

	result, _ := mcpRedriveRecord(deps)(context.Background(), makeCallToolRequest("redrive_record", map[string]interface{}{
		"id": float64(rec.ID),
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "PARSED") {
		t.Errorf("text = %q", toolText(t, result))
	}
	jobs, err := store.ListJobs(context.Background(), "email.analyze", "")
	if err != nil || len(jobs) != 1 {
		t.Errorf("analyze jobs = %v, %v", jobs, err)
	}
}

func TestMCPTool_PollMailbox(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, _ := mcpPollMailbox(deps)(context.Background(), makeCallToolRequest("poll_mailbox", nil))
	if result.IsError || toolText(t, result) != "Ingested 3 new emails" {
		t.Fatalf("result = %s", toolText(t, result))
	}

	deps.Poller = &mockPoller{err: errors.New("auth failed")}
	result, _ = mcpPollMailbox(deps)(context.Background(), makeCallToolRequest("poll_mailbox", nil))
	if !result.IsError {
		t.Error("expected tool error from failing poll")
	}

	deps.Poller = nil
	result, _ = mcpPollMailbox(deps)(context.Background(), makeCallToolRequest("poll_mailbox", nil))
	if !result.IsError {
		t.Error("expected tool error without poller")
	}
}

func TestMCPResource_Stats(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedRecord(t, store, "<st@x>")

	contents, err := mcpResourceStats(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "records://stats"},
	})
	if err != nil {
		t.Fatal(err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	var counts map[string]int
	if err := json.Unmarshal([]byte(text), &counts); err != nil {
		t.Fatal(err)
	}
	if counts["RECEIVED"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps)

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"list_records", "get_record", "redrive_record", "poll_mailbox"} {
		if !strings.Contains(string(b), `"name":"`+name+`"`) {
			t.Errorf("tool %s not listed in %s", name, b)
		}
	}
}
