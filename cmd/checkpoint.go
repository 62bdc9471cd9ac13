package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/keygate/keygate/cfg"
	"github.com/keygate/keygate/checkpoint"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var checkpointTable string

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or reset change tailer checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show stored checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := checkpoint.Open(cfg.Config.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tPOSITION\tLAG\tWINDOWS\tUPDATED")
		now := time.Now()
		for _, rec := range records {
			if checkpointTable != "" && rec.Table != checkpointTable {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				rec.Table,
				rec.Time().Format(time.RFC3339Nano),
				now.Sub(rec.Time()).Round(time.Second),
				rec.Windows,
				time.Unix(0, rec.UpdatedAt).UTC().Format(time.RFC3339),
			)
		}
		return w.Flush()
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the checkpoint of a table so it restarts from start_from",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := checkpoint.Open(cfg.Config.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Delete(checkpointTable); err != nil {
			return err
		}
		log.Info().Str("table", checkpointTable).Str("start_from", cfg.Config.CDC.StartFrom).Msg("Checkpoint reset")
		return nil
	},
}

func init() {
	checkpointShowCmd.Flags().StringVar(&checkpointTable, "table", "", "Only show this table")
	checkpointResetCmd.Flags().StringVar(&checkpointTable, "table", "", "Table to reset")
	checkpointResetCmd.MarkFlagRequired("table")

	checkpointCmd.AddCommand(checkpointShowCmd, checkpointResetCmd)
}
