package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vigilhq/vigil-migrate/pkg/backup"
)

func newRollbackCmd() *cobra.Command {
	var (
		confirm  bool
		noBackup bool
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Delete migrated data from the hosted workspace",
		Long: `Delete every migrated row from the destination workspace, leaving only
system identities. The workspace is snapshotted first unless --no-backup
is given, so the deletion can be undone with restore.

Rollback refuses to run without --confirm.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(cmd, confirm, noBackup)
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "Actually delete; without it the command only explains itself")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Skip the pre-deletion snapshot")

	return cmd
}

func runRollback(cmd *cobra.Command, confirm, noBackup bool) error {
	format, err := parseOutputFormat(outputFlag)
	if err != nil {
		return err
	}

	st, err := buildStack(globalConfig, false)
	if err != nil {
		return err
	}
	defer st.close()

	res, err := st.backups.Rollback(cmd.Context(), backup.RollbackOptions{
		Confirm:      confirm,
		CreateBackup: !noBackup,
	})
	if err != nil {
		if errors.Is(err, backup.ErrNotConfirmed) {
			return errors.New("rollback deletes every migrated row; re-run with --confirm to proceed")
		}
		if res != nil && len(res.Deleted) > 0 {
			fmt.Fprintf(os.Stderr, "rollback stopped partway; deleted so far: %v\n", res.Deleted)
		}
		return err
	}

	if format == outputTable {
		var total int64
		for _, n := range res.Deleted {
			total += n
		}
		fmt.Fprintf(os.Stdout, "Rolled back %d rows\n", total)
		if res.BackupID != "" {
			fmt.Fprintf(os.Stdout, "  Backup:   %s\n", res.BackupID)
		}
		if res.Complete {
			fmt.Fprintf(os.Stdout, "  Workspace is clean (system identities preserved)\n")
		} else {
			fmt.Fprintf(os.Stdout, "  Rows left behind: %v\n", res.Remaining)
		}
		return nil
	}
	return printOutput(os.Stdout, format, res, nil, nil)
}
