package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/pgupgrade/internal/config"
	"github.com/fly-io/pgupgrade/pkg/db"
	"github.com/fly-io/pgupgrade/pkg/errors"
)

var (
	historyContainer string
	historyLimit     int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past runs and their outcomes",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVarP(&historyContainer, "name", "n", "", "Only runs against this container")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum runs to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.ToolRoot); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.LedgerPath())
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runs, err := repo.ListRuns(historyContainer, historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-36s %-13s %-16s %-10s %-12s %-14s %-20s\n", "RUN", "MODE", "CONTAINER", "VERSIONS", "STATUS", "STAGE", "STARTED")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		versions := run.FromVersion
		if run.ToVersion != "" {
			versions += "->" + run.ToVersion
		}
		stage := run.Stage
		if stage == "" {
			stage = "-"
		}

		fmt.Printf("%-36s %-13s %-16s %-10s %-12s %-14s %-20s\n",
			run.ID, run.Mode, run.Container, versions, run.Status, stage, run.StartedAt)
		if run.Reason != "" {
			fmt.Printf("    %s: %s\n", run.Kind, run.Reason)
		}
	}

	return nil
}
