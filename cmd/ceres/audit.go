package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/ceres/pkg/audit"
	"mercator-hq/ceres/pkg/cli"
	"mercator-hq/ceres/pkg/config"
	"mercator-hq/ceres/pkg/telemetry/logging"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit journal",
	Long:  `Query and export entries from the append-only audit journal.`,
}

var auditFlags struct {
	agentID string
	kind    string
	since   string
	limit   int
	format  string
	out     string
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit journal entries",
	Long: `Export audit journal entries as text, JSON, or CSV.

Examples:
  # Print the most recent entries
  ceres audit export --limit 50

  # Export one agent's trail as CSV
  ceres audit export --agent agent-1 --format csv --out agent-1.csv

  # Everything since a point in time
  ceres audit export --since 2026-08-01T00:00:00Z --format json`,
	RunE: exportAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditExportCmd)

	auditExportCmd.Flags().StringVar(&auditFlags.agentID, "agent", "", "filter by agent ID")
	auditExportCmd.Flags().StringVar(&auditFlags.kind, "kind", "", "filter by entry kind (e.g. lease.granted)")
	auditExportCmd.Flags().StringVar(&auditFlags.since, "since", "", "only entries at or after this RFC3339 time")
	auditExportCmd.Flags().IntVar(&auditFlags.limit, "limit", 1000, "maximum entries to export")
	auditExportCmd.Flags().StringVar(&auditFlags.format, "format", "text", "output format: text, json, csv")
	auditExportCmd.Flags().StringVar(&auditFlags.out, "out", "", "write to file instead of stdout")
}

// auditTable adapts journal entries to the tabular formatters.
type auditTable struct {
	entries []*audit.Entry
}

func (t *auditTable) Headers() []string {
	return []string{"created_at", "kind", "agent_id", "actor_id", "subject_id", "detail"}
}

func (t *auditTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.entries))
	for _, e := range t.entries {
		detail := ""
		if len(e.Detail) > 0 {
			if raw, err := json.Marshal(e.Detail); err == nil {
				detail = string(raw)
			}
		}
		rows = append(rows, []string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Kind),
			e.AgentID,
			e.ActorID,
			e.SubjectID,
			detail,
		})
	}
	return rows
}

// exportPageSize bounds each journal query so long exports stream in
// chunks and the progress bar has something to report.
const exportPageSize = 500

// collectEntries drains the journal page by page, reporting progress
// after each page.
func collectEntries(ctx context.Context, journal *audit.Journal, filter audit.Filter, pageSize int, progress cli.ProgressReporter) ([]*audit.Entry, error) {
	total, err := journal.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("counting entries: %w", err)
	}
	if filter.Limit > 0 && filter.Limit < total {
		total = filter.Limit
	}
	if total == 0 {
		return nil, nil
	}

	progress.Start(int64(total))
	entries := make([]*audit.Entry, 0, total)
	for len(entries) < total {
		page := filter
		page.Offset = len(entries)
		page.Limit = pageSize
		if remaining := total - len(entries); remaining < page.Limit {
			page.Limit = remaining
		}
		batch, err := journal.Query(ctx, page)
		if err != nil {
			progress.Error(err)
			return nil, fmt.Errorf("query failed: %w", err)
		}
		entries = append(entries, batch...)
		progress.Update(int64(len(entries)))
		if len(batch) < page.Limit {
			break
		}
	}
	progress.Finish()
	return entries, nil
}

func exportAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	if !cfg.Audit.Enabled {
		return cli.NewConfigError("audit.enabled", "auditing is disabled in this configuration")
	}

	filter := audit.Filter{
		AgentID: auditFlags.agentID,
		Kind:    audit.Kind(auditFlags.kind),
		Limit:   auditFlags.limit,
	}
	if auditFlags.since != "" {
		since, err := time.Parse(time.RFC3339, auditFlags.since)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		filter.Since = since
	}

	logger := logging.New(cfg.Logging, io.Discard)
	journal, err := audit.Open(audit.Config{
		DBPath:      cfg.Audit.DBPath,
		BusyTimeout: cfg.Storage.BusyTimeout,
	}, logger)
	if err != nil {
		return cli.NewCommandError("audit export", fmt.Errorf("opening audit journal: %w", err))
	}
	defer journal.Close()

	// A bar goes to stderr only for file exports; stdout output stays
	// clean for piping.
	var progress cli.ProgressReporter = cli.NopProgress{}
	if auditFlags.out != "" {
		progress = cli.NewProgressReporter(os.Stderr)
	}
	entries, err := collectEntries(context.Background(), journal, filter, exportPageSize, progress)
	if err != nil {
		return cli.NewCommandError("audit export", err)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}

	dest := io.Writer(os.Stdout)
	if auditFlags.out != "" {
		f, err := os.Create(auditFlags.out)
		if err != nil {
			return cli.NewCommandError("audit export", err)
		}
		defer f.Close()
		dest = f
	}

	formatter := cli.NewFormatter(cli.OutputFormat(auditFlags.format))
	if err := formatter.FormatTo(dest, &auditTable{entries: entries}); err != nil {
		return cli.NewCommandError("audit export", err)
	}
	if auditFlags.out != "" {
		fmt.Printf("✓ Exported %d entries to %s\n", len(entries), auditFlags.out)
	}
	return nil
}
