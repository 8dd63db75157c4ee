package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/provisio/provisio/pkg/stores"
)

func newOutputsCommand() *cobra.Command {
	var (
		stateDB string
		runID   string
	)

	cmd := &cobra.Command{
		Use:   "outputs",
		Short: "Show the outputs of a persisted run",
		Long: `Outputs reads the run history written by apply --state-db and prints the
collected output values of the latest run, or of a specific run with --run.`,
		Example: `  provisio outputs --state-db ./provisio.db
  provisio outputs --state-db ./provisio.db --run 4f7c2a`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := stores.NewSQLiteStore(stateDB)
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			var run *stores.RunRecord
			if runID != "" {
				run, err = store.GetRun(ctx, runID)
			} else {
				run, err = store.LatestRun(ctx)
			}
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("no runs recorded in %s", stateDB)
			}
			if err != nil {
				return err
			}

			outputs, err := store.ListOutputs(ctx, run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				result := make(map[string]interface{}, len(outputs))
				for _, out := range outputs {
					if !out.Available {
						continue
					}
					var val interface{}
					if err := json.Unmarshal([]byte(out.ValueJSON), &val); err != nil {
						return err
					}
					result[out.Name] = val
				}
				raw, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
				return nil
			}

			fmt.Printf("Run %s (%s):\n", run.ID, run.Status)
			for _, out := range outputs {
				if out.Available {
					fmt.Printf("  %s = %s\n", out.Name, out.ValueJSON)
				} else {
					fmt.Printf("  %s = (unavailable: %s)\n", out.Name, out.Reason)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stateDB, "state-db", "provisio.db", "SQLite file with run history")
	cmd.Flags().StringVar(&runID, "run", "", "run ID (default: latest)")
	return cmd
}
