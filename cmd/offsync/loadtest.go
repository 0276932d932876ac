package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cognitrack/offsync/internal/offline/engine"
	"github.com/cognitrack/offsync/internal/offline/loadtest"
	"github.com/cognitrack/offsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Measure offline writes and queue drain against the remote",
	Long: `Simulate a device working offline, then reconnecting.

Concurrent writers save generated assessment results, sessions, settings and
profiles while offline, each save timed. Connectivity is then checked and
the queue is drained against remote.base_url, timing every operation.

The load test uses a throwaway database; local data is not touched. Run it
against a staging service: every generated entity is pushed.

Examples:
  offsync loadtest
  offsync loadtest --writers 32 --mutations 200 --entities 500`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opts := loadtest.DefaultOptions()
		opts.Writers, _ = cmd.Flags().GetInt("writers")
		opts.MutationsPerWriter, _ = cmd.Flags().GetInt("mutations")
		opts.Entities, _ = cmd.Flags().GetInt("entities")
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
		opts.UserID, _ = cmd.Flags().GetString("user")
		if opts.Writers <= 0 || opts.MutationsPerWriter <= 0 || opts.Entities <= 0 {
			return fmt.Errorf("--writers, --mutations and --entities must be positive")
		}

		if cfg.Remote.BaseURL == "" {
			return fmt.Errorf("remote.base_url is not configured")
		}
		dir, err := os.MkdirTemp("", "offsync-loadtest-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		engOpts := engineOptions(true)
		engOpts.Store.Path = filepath.Join(dir, "loadtest.db")
		engOpts.Store.QuotaBytes = 0
		eng, err := engine.Open(ctx, engOpts)
		if err != nil {
			return err
		}
		defer eng.Close()

		fmt.Printf("%s Load test: %d writers x %d saves over %d entities per type\n",
			ui.RenderAccent("🔄"), opts.Writers, opts.MutationsPerWriter, opts.Entities)

		report, err := loadtest.Run(ctx, eng, opts, func() {
			if !eng.CheckConnectivity(ctx) {
				fmt.Fprintf(os.Stderr, "%s %s is unreachable, the drain will fail\n", ui.RenderWarn("Warning:"), cfg.ProbeURL())
			}
		})
		if err != nil {
			return err
		}
		fmt.Println()
		report.Print(os.Stdout)
		if report.Remaining > 0 {
			fmt.Printf("\n%s %d operations were not drained\n", ui.RenderWarn("⚠"), report.Remaining)
		}
		return nil
	},
}

func init() {
	defaults := loadtest.DefaultOptions()
	loadtestCmd.Flags().Int("writers", defaults.Writers, "Concurrent writers")
	loadtestCmd.Flags().Int("mutations", defaults.MutationsPerWriter, "Saves per writer")
	loadtestCmd.Flags().Int("entities", defaults.Entities, "Distinct entity ids per type")
	loadtestCmd.Flags().Int64("seed", defaults.Seed, "Random seed")
	loadtestCmd.Flags().String("user", defaults.UserID, "Owner of generated entities")
	rootCmd.AddCommand(loadtestCmd)
}
