package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cognitrack/offsync/internal/offline/schema"
	"github.com/cognitrack/offsync/internal/offline/sync"
	"github.com/cognitrack/offsync/internal/ui"
)

// operationRow is the printable form of a queued or failed operation.
type operationRow struct {
	ID          string     `json:"id" yaml:"id"`
	Kind        string     `json:"kind" yaml:"kind"`
	EntityType  string     `json:"entityType" yaml:"entityType"`
	EntityID    string     `json:"entityId" yaml:"entityId"`
	Priority    int        `json:"priority" yaml:"priority"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"createdAt"`
	RetryCount  int        `json:"retryCount" yaml:"retryCount"`
	LastRetryAt *time.Time `json:"lastRetryAt,omitempty" yaml:"lastRetryAt,omitempty"`
	LastError   string     `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty" yaml:"failedAt,omitempty"`
}

func newOperationRow(op schema.SyncOperation) operationRow {
	row := operationRow{
		ID:         op.ID,
		Kind:       string(op.Kind),
		EntityType: string(op.EntityType),
		EntityID:   op.EntityID,
		Priority:   op.Priority,
		CreatedAt:  time.UnixMilli(op.CreatedAt).UTC(),
		RetryCount: op.RetryCount,
		LastError:  op.LastError,
	}
	if op.LastRetryAt != nil {
		at := time.UnixMilli(*op.LastRetryAt).UTC()
		row.LastRetryAt = &at
	}
	return row
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "List pending operations in processing order",
	Long: `List the operations waiting to be pushed, highest priority first.

--since accepts a duration (2h), an RFC 3339 time, or natural language
("yesterday", "3 hours ago").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")
		since, _ := cmd.Flags().GetString("since")

		cutoff, err := parseSince(since, time.Now())
		if err != nil {
			return err
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		ops, err := sync.NewQueue(store, time.Now).Pending(ctx)
		if err != nil {
			return err
		}
		var rows []operationRow
		for _, op := range ops {
			if !cutoff.IsZero() && time.UnixMilli(op.CreatedAt).Before(cutoff) {
				continue
			}
			rows = append(rows, newOperationRow(op))
		}
		if len(rows) == 0 && format == "table" {
			fmt.Println("No pending operations")
			return nil
		}
		return printRows(rows, format, func(r operationRow) []string {
			return []string{r.ID, r.Kind, r.EntityType + "/" + r.EntityID, strconv.Itoa(r.Priority), strconv.Itoa(r.RetryCount), r.CreatedAt.Local().Format("2006-01-02 15:04:05")}
		}, []string{"ID", "KIND", "ENTITY", "PRIORITY", "RETRIES", "CREATED"})
	},
}

var failuresCmd = &cobra.Command{
	Use:     "failures",
	GroupID: "sync",
	Short:   "List operations dropped after exhausting their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")
		since, _ := cmd.Flags().GetString("since")
		ack, _ := cmd.Flags().GetBool("ack")

		cutoff, err := parseSince(since, time.Now())
		if err != nil {
			return err
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if ack {
			if err := store.ClearFailures(ctx); err != nil {
				return err
			}
			fmt.Printf("%s Failure log cleared\n", ui.RenderPass("✓"))
			return nil
		}

		failures, err := store.ListFailures(ctx)
		if err != nil {
			return err
		}
		var rows []operationRow
		for _, f := range failures {
			if !cutoff.IsZero() && time.UnixMilli(f.FailedAt).Before(cutoff) {
				continue
			}
			row := newOperationRow(f.Operation)
			at := time.UnixMilli(f.FailedAt).UTC()
			row.FailedAt = &at
			row.LastError = f.Error
			rows = append(rows, row)
		}
		if len(rows) == 0 && format == "table" {
			fmt.Println("No failed operations")
			return nil
		}
		return printRows(rows, format, func(r operationRow) []string {
			return []string{r.ID, r.Kind, r.EntityType + "/" + r.EntityID, r.FailedAt.Local().Format("2006-01-02 15:04:05"), r.LastError}
		}, []string{"ID", "KIND", "ENTITY", "FAILED", "ERROR"})
	},
}

func printRows(rows []operationRow, format string, cells func(operationRow) []string, header []string) error {
	if rows == nil {
		rows = []operationRow{}
	}
	switch format {
	case "json":
		return printJSON(rows)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		table := make([][]string, 0, len(rows))
		for _, r := range rows {
			table = append(table, cells(r))
		}
		fmt.Print(ui.Table(header, table))
		return nil
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

// parseSince turns a --since value into a cutoff. Empty means no cutoff.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a duration, time, or date expression", s)
	}
	return r.Time, nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func init() {
	for _, c := range []*cobra.Command{queueCmd, failuresCmd} {
		c.Flags().String("format", "table", "Output format: table, json, yaml")
		c.Flags().String("since", "", "Only entries newer than this (2h, RFC 3339, \"yesterday\")")
	}
	failuresCmd.Flags().Bool("ack", false, "Acknowledge and clear the failure log")

	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(failuresCmd)
}
