package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect workspace backups",
	}
	cmd.AddCommand(newBackupsListCmd())
	return cmd
}

func newBackupsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupsList(cmd)
		},
	}
}

func runBackupsList(cmd *cobra.Command) error {
	format, err := parseOutputFormat(outputFlag)
	if err != nil {
		return err
	}

	st, err := buildStack(globalConfig, false)
	if err != nil {
		return err
	}
	defer st.close()

	infos, err := st.backups.ListBackups(cmd.Context())
	if err != nil {
		return err
	}

	if format == outputTable && len(infos) == 0 {
		fmt.Fprintln(os.Stdout, "No backups stored.")
		return nil
	}

	headers := []string{"id", "created", "rows"}
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, []string{
			info.ID,
			info.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(info.Total, 10),
		})
	}
	return printOutput(os.Stdout, format, infos, headers, rows)
}
