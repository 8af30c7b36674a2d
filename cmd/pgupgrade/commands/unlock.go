package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/pgupgrade/internal/config"
	"github.com/fly-io/pgupgrade/pkg/db"
	"github.com/fly-io/pgupgrade/pkg/errors"
	"github.com/fly-io/pgupgrade/pkg/security"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock <container>",
	Short: "Release the run lock of a container",
	Long: `Release the lock a run holds on a container.
Only needed when a run was killed before it could release its lock.
Check that no pgupgrade process is still working on the container first.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnlock,
}

func init() {
	rootCmd.AddCommand(unlockCmd)
}

func runUnlock(cmd *cobra.Command, args []string) error {
	container := args[0]
	if err := security.DefaultValidator().ValidateContainerName(container); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.ToolRoot); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.LedgerPath())
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	lock, err := repo.ForceReleaseLock(container)
	if err != nil {
		return errors.Wrap(err, "unlock failed")
	}
	if lock == nil {
		fmt.Printf("%s is not locked\n", container)
		return nil
	}

	fmt.Printf("Released %s (run %s, pid %d, since %s)\n", container, lock.RunID, lock.PID, lock.AcquiredAt)
	return nil
}
