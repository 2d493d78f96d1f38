package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kalambet/graphask/internal/answers"
	"github.com/kalambet/graphask/internal/api"
	"github.com/kalambet/graphask/internal/config"
	"github.com/kalambet/graphask/internal/pipeline"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the graph",
	Long: `Ask a question about the graph.

Examples:
  graphask ask "How many open tasks does each project have?"
  graphask ask --mode async "Which services call the billing API?"
  graphask ask --key nightly-42 --wait 30s "Top five customers by order count"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		key, _ := cmd.Flags().GetString("key")
		wait, _ := cmd.Flags().GetDuration("wait")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := api.AskRequest{
			Question:       strings.Join(args, " "),
			Mode:           mode,
			IdempotencyKey: key,
			Meta:           map[string]any{"source": "cli"},
			WaitMS:         int(wait / time.Millisecond),
		}
		resp, err := client.post(cmd.Context(), "/ask", req)
		if err != nil {
			return err
		}

		var raw json.RawMessage
		if err := decodeJSON(resp, &raw); err != nil {
			return err
		}
		if asJSON {
			return writeIndented(os.Stdout, raw)
		}

		if resp.StatusCode == http.StatusAccepted {
			var pending struct {
				AnswerID string         `json:"answer_id"`
				Status   answers.Status `json:"status"`
			}
			if err := json.Unmarshal(raw, &pending); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			printSuccess("Answer %s is %s", pending.AnswerID, pending.Status)
			printStep("graphask answers get %s", pending.AnswerID)
			return nil
		}

		var a answers.Answer
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return printAnswer(os.Stdout, a)
	},
}

func init() {
	askCmd.Flags().String("mode", "auto", "sync, async or auto")
	askCmd.Flags().String("key", "", "idempotency key")
	askCmd.Flags().Duration("wait", 0, "auto mode wait budget (default: server setting)")
	askCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// printAnswer renders an answer record for a terminal.
func printAnswer(w io.Writer, a answers.Answer) error {
	fmt.Fprintf(w, "%s  %s\n", colorize(a.ID, color.FgCyan), statusLabel(a.Status))
	fmt.Fprintf(w, "  %s\n", a.Question)

	switch a.Status {
	case answers.StatusFailed:
		fmt.Fprintf(w, "\n%s\n", colorize(a.Error, color.FgRed))
	case answers.StatusDone:
		var out pipeline.Output
		if err := json.Unmarshal(a.Data, &out); err != nil {
			return fmt.Errorf("decoding answer data: %w", err)
		}
		fmt.Fprintf(w, "\n%s\n\n", colorize(out.Answer, color.Bold))
		fmt.Fprintf(w, "  %s %s\n", colorize("Query:", color.Bold), out.Query)
		if len(out.Computed) > 0 {
			fmt.Fprintf(w, "  %s %s\n", colorize("Computed:", color.Bold), string(out.Computed))
		}
		label := fmt.Sprintf("%d attempt(s)", len(out.Attempts))
		if out.Cached {
			label = "cached"
		}
		fmt.Fprintf(w, "  %s %s\n", colorize("Source:", color.Bold), label)
		if out.RunID != "" {
			fmt.Fprintf(w, "  %s %s\n", colorize("Run:", color.Bold), out.RunID)
		}
	}
	return nil
}

// --- answers ---

var answersCmd = &cobra.Command{
	Use:   "answers",
	Short: "Inspect submitted answers",
}

var answersGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one answer as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/answers/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var raw json.RawMessage
		if err := decodeJSON(resp, &raw); err != nil {
			return err
		}
		return writeIndented(os.Stdout, raw)
	},
}

var answersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List answers, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		q, _ := cmd.Flags().GetString("q")
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/answers?"+listQuery(status, q, limit, cursor))
		if err != nil {
			return err
		}

		var page answers.Page
		if err := decodeJSON(resp, &page); err != nil {
			return err
		}
		printPage(os.Stdout, page)
		return nil
	},
}

func listQuery(status, q string, limit int, cursor string) string {
	v := url.Values{}
	if status != "" {
		v.Set("status", status)
	}
	if q != "" {
		v.Set("q", q)
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	return v.Encode()
}

func printPage(w io.Writer, page answers.Page) {
	if len(page.Items) == 0 {
		fmt.Fprintln(w, "No answers found.")
		return
	}
	for _, a := range page.Items {
		question := a.Question
		if len(question) > 80 {
			question = question[:80] + "..."
		}
		fmt.Fprintf(w, "%s  %-7s  %s  %s\n",
			colorize(a.ID, color.FgCyan),
			statusLabel(a.Status),
			time.UnixMilli(a.UpdatedAt).UTC().Format(time.RFC3339),
			question,
		)
	}
	if page.NextCursor != "" {
		fmt.Fprintf(w, "\nnext page: --cursor %s\n", page.NextCursor)
	}
}

func init() {
	answersListCmd.Flags().String("status", "", "only answers in this status (QUEUED, RUNNING, DONE, FAILED)")
	answersListCmd.Flags().String("q", "", "case-insensitive substring of the question")
	answersListCmd.Flags().Int("limit", answers.DefaultLimit, "page size")
	answersListCmd.Flags().String("cursor", "", "continue from a previous page")
	answersCmd.AddCommand(answersGetCmd)
	answersCmd.AddCommand(answersListCmd)
}

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the answer indexes from stored records",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/admin/reindex", nil)
		if err != nil {
			return err
		}

		var result struct {
			Indexed int `json:"indexed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Indexed %d answers", result.Indexed)
		return nil
	},
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect audit runs",
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run and its events as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var raw json.RawMessage
		if err := decodeJSON(resp, &raw); err != nil {
			return err
		}
		return writeIndented(os.Stdout, raw)
	},
}

func init() {
	runsCmd.AddCommand(runsShowCmd)
}

func writeIndented(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(k.Key, color.Bold), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
