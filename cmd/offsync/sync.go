package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cognitrack/offsync/internal/offline/engine"
	"github.com/cognitrack/offsync/internal/offline/sync"
	"github.com/cognitrack/offsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass now",
	Long: `Replay the pending operation queue against the remote service once.

A manual pass ignores retry backoff. Per-operation failures are reported but
do not fail the command; it fails only when the remote is unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jsonOutput, _ := cmd.Flags().GetBool("json")

		eng, err := openEngine(ctx, true)
		if err != nil {
			return err
		}
		defer eng.Close()
		warnDegraded(eng)

		if !eng.CheckConnectivity(ctx) {
			return fmt.Errorf("%w: %s is unreachable", sync.ErrOffline, cfg.ProbeURL())
		}

		if !jsonOutput {
			fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), cfg.Remote.BaseURL)
		}
		result, err := eng.SyncNow(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}
		printPassResult(result)
		return nil
	},
}

func printPassResult(r sync.PassResult) {
	mark := ui.RenderPass("✓")
	if r.ErrorCount > 0 || len(r.Dropped) > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync %s in %v\n", mark, resultLabel(r), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Printf("   Synced: %d\n", r.SuccessCount)
	fmt.Printf("   Failed: %d\n", r.ErrorCount)
	if r.SkippedCount > 0 {
		fmt.Printf("   Skipped (backoff): %d\n", r.SkippedCount)
	}
	for _, f := range r.Dropped {
		fmt.Printf("   %s dropped %s %s/%s: %s\n", ui.RenderFail("✗"), f.Operation.Kind, f.Operation.EntityType, f.Operation.EntityID, f.Error)
	}
	for _, c := range r.Conflicts {
		fmt.Printf("   %s kept remote %s/%s: %s\n", ui.RenderWarn("⚠"), c.EntityType, c.EntityID, c.Error)
	}
	if r.Error != "" {
		fmt.Printf("   Error: %s\n", r.Error)
	}
}

func resultLabel(r sync.PassResult) string {
	if r.Result == "" {
		return "finished"
	}
	return string(r.Result)
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, queue and storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jsonOutput, _ := cmd.Flags().GetBool("json")

		eng, err := openEngine(ctx, true)
		if err != nil {
			return err
		}
		defer eng.Close()

		eng.CheckConnectivity(ctx)
		st, err := eng.Status(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(st)
		}
		printStatus(st)
		return nil
	},
}

func printStatus(st engine.Status) {
	fmt.Printf("\n%s Offline Sync Status\n\n", ui.RenderAccent("📊"))
	fmt.Println(ui.RenderKV("Remote", cfg.Remote.BaseURL))
	fmt.Println(ui.RenderKV("Connectivity", ui.RenderOnline(st.Online)))
	fmt.Println(ui.RenderKV("Pending operations", st.PendingOperations))
	fmt.Println(ui.RenderKV("Failed operations", st.Failures))
	if st.LastSyncAttempt != nil {
		fmt.Println(ui.RenderKV("Last sync", fmt.Sprintf("%s (%s)", st.LastSyncAttempt.Format("2006-01-02 15:04:05"), st.LastResult)))
	}
	usage := fmt.Sprintf("%s of %s (%.1f%%)", ui.FormatBytes(st.Storage.Used), ui.FormatBytes(st.Storage.Total), st.Storage.Percentage)
	if st.NearlyFull {
		usage = ui.RenderWarn(usage + " nearly full")
	}
	fmt.Println(ui.RenderKV("Storage", usage))
	fmt.Println(ui.RenderKV("Database", cfg.DBPath()))
	if st.Degraded {
		fmt.Printf("\n%s %s\n", ui.RenderWarn("⚠"), st.Warning)
	}
	fmt.Println()
}

func warnDegraded(eng *engine.Engine) {
	if eng.Degraded() {
		fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("Warning:"), eng.Warning())
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// interrupted reports whether err only reflects a cancelled command.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}

func init() {
	syncCmd.Flags().Bool("json", false, "Output the pass result as JSON")
	statusCmd.Flags().Bool("json", false, "Output status as JSON")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
