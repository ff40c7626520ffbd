package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vigilhq/vigil-migrate/pkg/blob"
	"github.com/vigilhq/vigil-migrate/pkg/destination"
)

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Replay a backup into the hosted workspace",
		Long: `Insert every row of the named backup into the destination in dependency
order. Users already present keep their current row. Use "backups list"
to find backup identifiers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd, args[0])
		},
	}
	return cmd
}

func runRestore(cmd *cobra.Command, backupID string) error {
	format, err := parseOutputFormat(outputFlag)
	if err != nil {
		return err
	}

	st, err := buildStack(globalConfig, false)
	if err != nil {
		return err
	}
	defer st.close()

	res, err := st.backups.Restore(cmd.Context(), backupID)
	if err != nil {
		if errors.Is(err, blob.ErrKeyNotFound) {
			return fmt.Errorf("backup %s not found (try \"vigil-migrate backups list\")", backupID)
		}
		return err
	}

	if format == outputTable {
		fmt.Fprintf(os.Stdout, "Restored %d rows from %s\n", res.Total(), res.BackupID)
		for _, table := range destination.TableOrder {
			if n := res.Inserted[table]; n > 0 {
				fmt.Fprintf(os.Stdout, "  %-18s %d\n", table, n)
			}
		}
		return nil
	}
	return printOutput(os.Stdout, format, res, nil, nil)
}
