package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/cognitrack/offsync/internal/offline/db"
	"github.com/cognitrack/offsync/internal/ui"
)

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "maint",
	Short:   "Clear all local offline data",
	Long: `Delete every local record, pending operation and failure entry.

Unsynced changes are lost. Run 'offsync export' first to keep a copy.

With --hard the database files are removed instead of cleared. This is the
way out when the local database was written by a newer version and can no
longer be opened.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		force, _ := cmd.Flags().GetBool("force")
		hard, _ := cmd.Flags().GetBool("hard")

		if !force {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("refusing to reset without --force in a non-interactive session")
			}
			confirmed := false
			err := huh.NewConfirm().
				Title("Delete all local offline data?").
				Description(fmt.Sprintf("Unsynced changes in %s will be lost.", cfg.DBPath())).
				Affirmative("Delete").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}

		if !hard {
			store, err := db.Open(ctx, storeOptions())
			switch {
			case err == nil:
				defer store.Close()
				if err := store.ClearAll(ctx); err != nil {
					return err
				}
				fmt.Printf("%s Local offline data cleared\n", ui.RenderPass("✓"))
				return nil
			case errors.Is(err, db.ErrSchemaDowngrade):
				fmt.Fprintf(os.Stderr, "%s %v, removing the database instead\n", ui.RenderWarn("Warning:"), err)
			default:
				return err
			}
		}

		removed, err := removeDatabase(cfg.DBPath())
		if err != nil {
			return err
		}
		if removed == 0 {
			fmt.Println("No local database found")
			return nil
		}
		fmt.Printf("%s Removed %s\n", ui.RenderPass("✓"), cfg.DBPath())
		return nil
	},
}

// removeDatabase deletes the database file and its WAL companions.
func removeDatabase(path string) (int, error) {
	removed := 0
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, os.ErrNotExist):
		default:
			return removed, fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return removed, nil
}

func init() {
	resetCmd.Flags().BoolP("force", "f", false, "Do not ask for confirmation")
	resetCmd.Flags().Bool("hard", false, "Remove the database files")
	rootCmd.AddCommand(resetCmd)
}
