package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nv-mldev/email-agent/internal/api"
	"github.com/nv-mldev/email-agent/internal/config"
	"github.com/nv-mldev/email-agent/internal/pipeline"
)

// --- records ---

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect processing records",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent records",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listRecords(cmd.Context(), client, cmd.OutOrStdout(), status, limit)
	},
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showRecord(cmd.Context(), client, cmd.OutOrStdout(), id)
	},
}

func init() {
	recordsListCmd.Flags().String("status", "", "only records in this status, e.g. FAILED_PARSING")
	recordsListCmd.Flags().Int("limit", 20, "maximum number of records (at most 100)")
	recordsCmd.AddCommand(recordsListCmd, recordsShowCmd)
}

func listRecords(ctx context.Context, client *apiClient, out io.Writer, status string, limit int) error {
	q := url.Values{}
	if status != "" {
		s, err := pipeline.ParseStatus(strings.ToUpper(status))
		if err != nil {
			return err
		}
		q.Set("status", string(s))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}
	var rows []api.RecordSummary
	if err := decodeJSON(resp, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		printWarning("No records")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tROLE\tSENDER\tSUBJECT\tATT")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
			r.ID, statusColor(string(r.Status)), r.Role, r.Sender, truncate(r.Subject, 48), r.Attachments)
	}
	return tw.Flush()
}

func showRecord(ctx context.Context, client *apiClient, out io.Writer, id int64) error {
	resp, err := client.get(ctx, fmt.Sprintf("/api/records/%d", id))
	if err != nil {
		return err
	}
	var rec json.RawMessage
	if err := decodeJSON(resp, &rec); err != nil {
		return err
	}
	return writeIndented(out, rec)
}

// --- redrive ---

var redriveCmd = &cobra.Command{
	Use:   "redrive <id>",
	Short: "Re-enqueue a failed or stuck record at the stage it stopped in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return redriveRecord(cmd.Context(), client, id)
	},
}

func redriveRecord(ctx context.Context, client *apiClient, id int64) error {
	resp, err := client.post(ctx, fmt.Sprintf("/api/records/%d/redrive", id), nil)
	if err != nil {
		return err
	}
	var rec api.RecordSummary
	if err := decodeJSON(resp, &rec); err != nil {
		return err
	}
	printSuccess("Record %d re-driven, now %s", rec.ID, rec.Status)
	return nil
}

// --- confirm ---

var confirmCmd = &cobra.Command{
	Use:   "confirm <id>",
	Short: "Confirm a record awaiting review",
	Long: `Confirm a record awaiting review.

Examples:
  email-agent confirm 42 --project-name "Harbour Bridge refit"
  email-agent confirm 42 --project-name "Harbour Bridge refit" --project-id PO-4411 --new-enquiry=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("project-name")
		projectID, _ := cmd.Flags().GetString("project-id")
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("--project-name is required")
		}

		in := map[string]any{"project_name": name}
		if projectID != "" {
			in["project_id"] = projectID
		}
		if cmd.Flags().Changed("new-enquiry") {
			isNew, _ := cmd.Flags().GetBool("new-enquiry")
			in["is_new_enquiry"] = isNew
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return confirmRecord(cmd.Context(), client, id, in)
	},
}

func init() {
	confirmCmd.Flags().String("project-name", "", "project the email belongs to")
	confirmCmd.Flags().String("project-id", "", "project identifier, replaces the extracted one")
	confirmCmd.Flags().Bool("new-enquiry", false, "whether the email opens a new enquiry")
}

func confirmRecord(ctx context.Context, client *apiClient, id int64, in map[string]any) error {
	resp, err := client.post(ctx, fmt.Sprintf("/api/records/%d/confirm", id), in)
	if err != nil {
		return err
	}
	var rec pipeline.Record
	if err := decodeJSON(resp, &rec); err != nil {
		return err
	}
	printSuccess("Record %d confirmed for %q", rec.ID, rec.ProjectName)
	return nil
}

// --- fetch ---

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Ask the running server to poll the mailbox now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return fetchNow(cmd.Context(), client)
	},
}

func fetchNow(ctx context.Context, client *apiClient) error {
	resp, err := client.post(ctx, "/api/fetch", nil)
	if err != nil {
		return err
	}
	var result struct {
		NewEmails int `json:"new_emails"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Fetched %d new email(s)", result.NewEmails)
	return nil
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the operator tools over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(func(ctx context.Context, _ *errgroup.Group, s *services) error {
			deps := api.MCPDeps{Store: s.store, Redriver: s.redriver(), Version: version}
			p, err := s.poller(ctx)
			var missing *config.MissingError
			switch {
			case err == nil:
				deps.Poller = p
			case errors.As(err, &missing):
				printWarning("poll_mailbox disabled: %v", err)
			default:
				return err
			}
			stdio := server.NewStdioServer(api.NewMCPServer(deps))
			if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration and store secrets",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show every setting with its effective value",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tVALUE\tENV")
		for _, k := range config.ShowAll(v) {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", k.Key, k.Value, k.EnvVar)
		}
		return tw.Flush()
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> [value]",
	Short: "Store a secret in the OS keyring",
	Long: `Store a secret in the OS keyring. The value is read from stdin when omitted.

Secret keys: ` + strings.Join(config.SecretKeys(), ", "),
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		var value string
		if len(args) == 2 {
			value = args[1]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("reading value: %w", err)
			}
			value = strings.TrimRight(line, "\r\n")
		}
		if err := config.SetSecret(key, value); err != nil {
			return err
		}
		printSuccess("Stored %s in the keyring", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetSecretCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return id, nil
}

func writeIndented(out io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
