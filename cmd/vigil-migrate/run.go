package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vigilhq/vigil-migrate/pkg/migration"
)

func newRunCmd() *cobra.Command {
	var (
		dryRun         bool
		skipValidation bool
		noVerify       bool
		noBackup       bool
		sampleSize     int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Migrate the legacy workspace into the hosted service",
		Long: `Run a full migration: export the legacy workspace, transform it to the
hosted schema, validate, import and verify.

With --dry-run the destination is never touched; the run stops after
validation and reports what would be imported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runOptions(globalConfig)
			flags := cmd.Flags()
			if flags.Changed("dry-run") {
				opts.DryRun = dryRun
			}
			if flags.Changed("skip-validation") {
				opts.SkipValidation = skipValidation
			}
			if flags.Changed("no-verify") {
				opts.AutoVerify = !noVerify
			}
			if flags.Changed("no-backup") {
				opts.CreateBackup = !noBackup
			}
			if flags.Changed("sample-size") {
				opts.SampleSize = sampleSize
			}
			return runMigration(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Stop after validation without touching the destination")
	cmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "Import without validating the transformed dataset first")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip post-import verification")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Treat a failed verification as advisory instead of rolling back")
	cmd.Flags().IntVar(&sampleSize, "sample-size", 0, "Records sampled per table during verification")

	return cmd
}

func runMigration(cmd *cobra.Command, opts migration.Options) error {
	format, err := parseOutputFormat(outputFlag)
	if err != nil {
		return err
	}

	st, err := buildStack(globalConfig, true)
	if err != nil {
		return err
	}
	defer st.close()

	mig := migration.NewMigrator(st.src, st.dst, opts,
		migration.WithBackupManager(st.backups),
		migration.WithReportSink(st.reports),
		migration.WithLogger(globalLogger),
	)

	// Progress goes to stderr so stdout stays parseable.
	events, cancelSub := mig.Tracker().Subscribe(128)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		lastPhase := ""
		for ev := range events {
			if ev.Heartbeat {
				continue
			}
			if ev.Error != "" {
				fmt.Fprintf(os.Stderr, "  ! %s\n", ev.Error)
				continue
			}
			if string(ev.Phase) != lastPhase {
				lastPhase = string(ev.Phase)
				fmt.Fprintf(os.Stderr, "==> %s\n", ev.Phase)
			}
			if ev.Operation != "" {
				fmt.Fprintf(os.Stderr, "    %3.0f%%  %s\n", ev.Fraction*100, ev.Operation)
			}
		}
	}()

	res, runErr := mig.Run(cmd.Context())
	mig.Tracker().Close()
	<-drained
	cancelSub()

	if res == nil {
		return runErr
	}

	if format == outputTable {
		printRunSummary(os.Stdout, res)
	} else if err := printOutput(os.Stdout, format, res, nil, nil); err != nil {
		return err
	}
	return runErr
}

// printRunSummary renders the human-readable outcome of a run.
func printRunSummary(w io.Writer, res *migration.RunResult) {
	status := "succeeded"
	if !res.Success {
		status = "FAILED"
	}
	elapsed := res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(w, "Migration %s %s in %s\n", res.RunID, status, elapsed)

	if res.Transform != nil {
		var total int64
		for _, n := range res.Transform.Counts {
			total += n
		}
		fmt.Fprintf(w, "  Transformed:  %d records, %d warnings\n", total, len(res.Transform.Warnings))
	}
	if res.Validation != nil {
		switch {
		case res.Validation.Skipped:
			fmt.Fprintf(w, "  Validation:   skipped\n")
		case res.Validation.Passed:
			fmt.Fprintf(w, "  Validation:   passed\n")
		default:
			fmt.Fprintf(w, "  Validation:   %d violations\n", len(res.Validation.Violations))
		}
	}
	if res.Import != nil {
		fmt.Fprintf(w, "  Imported:     %d rows\n", res.Import.Total())
	}
	if res.Verification != nil {
		if res.Verification.Passed {
			fmt.Fprintf(w, "  Verification: passed (%d records sampled)\n", res.Verification.SampledRecords)
		} else {
			fmt.Fprintf(w, "  Verification: %d count mismatches, %d field mismatches, %d integrity violations\n",
				res.Verification.CountMismatches(), len(res.Verification.FieldMismatches),
				len(res.Verification.IntegrityViolations))
		}
	}
	if res.Rollback != nil {
		outcome := "incomplete"
		if res.Rollback.Complete {
			outcome = "complete"
		}
		fmt.Fprintf(w, "  Rollback:     %s, backup %s\n", outcome, res.Rollback.BackupID)
	}
	if res.Report != nil {
		for _, rec := range res.Report.Recommendations {
			fmt.Fprintf(w, "  -> %s\n", rec)
		}
	}
}
