package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cognitrack/offsync/internal/offline/engine"
	"github.com/cognitrack/offsync/internal/offline/schema"
	"github.com/cognitrack/offsync/internal/ui"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	GroupID: "data",
	Short:   "Read and mutate local records",
	Long: `Apply local mutations the way the app does: the record is written to the
local store and an operation is queued for the remote service.

Entity types: assessmentResults, userProfiles, assessmentSessions, settings.`,
}

var recordPutCmd = &cobra.Command{
	Use:   "put <entity-type> <file.json|->",
	Short: "Create or update a local record from JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		priority, _ := cmd.Flags().GetInt("priority")

		data, err := readInput(args[1])
		if err != nil {
			return err
		}
		entity, err := schema.Decode(schema.EntityType(args[0]), data)
		if err != nil {
			return err
		}

		eng, err := openEngine(ctx, true)
		if err != nil {
			return err
		}
		defer eng.Close()
		warnDegraded(eng)

		rec, err := eng.Save(ctx, entity, engine.SaveOptions{Priority: priority})
		if err != nil {
			return err
		}
		fmt.Printf("%s Saved %s/%s (queued for sync)\n", ui.RenderPass("✓"), rec.EntityType, rec.ID)
		return nil
	},
}

var recordGetCmd = &cobra.Command{
	Use:   "get <entity-type> <id>",
	Short: "Print a local record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		rec, err := store.GetRecord(cmd.Context(), schema.EntityType(args[0]), args[1])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list <entity-type>",
	Short: "List local records of one type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		unsynced, _ := cmd.Flags().GetBool("unsynced")
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		t := schema.EntityType(args[0])
		var recs []schema.Record
		if unsynced {
			recs, err = store.UnsyncedRecords(cmd.Context(), t)
		} else {
			recs, err = store.ListRecords(cmd.Context(), t)
		}
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Printf("No %s records\n", t)
			return nil
		}

		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			state := ui.RenderPass("synced")
			if !r.Synced {
				state = ui.RenderWarn("local")
			}
			rows = append(rows, []string{r.ID, r.UserID, formatMillis(r.LastModified), state})
		}
		fmt.Print(ui.Table([]string{"ID", "USER", "MODIFIED", "STATE"}, rows))
		return nil
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <entity-type> <id>",
	Short: "Delete a local record and queue the remote delete",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx, true)
		if err != nil {
			return err
		}
		defer eng.Close()
		warnDegraded(eng)

		if err := eng.Delete(ctx, schema.EntityType(args[0]), args[1]); err != nil {
			return err
		}
		fmt.Printf("%s Deleted %s/%s (queued for sync)\n", ui.RenderPass("✓"), args[0], args[1])
		return nil
	},
}

func readInput(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

func init() {
	recordPutCmd.Flags().Int("priority", 0, "Queue priority (default: by entity type)")
	recordListCmd.Flags().Bool("unsynced", false, "Only records with local changes")

	recordCmd.AddCommand(recordPutCmd)
	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordListCmd)
	recordCmd.AddCommand(recordDeleteCmd)
	rootCmd.AddCommand(recordCmd)
}
