package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/vigilhq/vigil-migrate/pkg/backup"
	"github.com/vigilhq/vigil-migrate/pkg/migration"
)

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    outputFormat
		wantErr bool
	}{
		{"table", outputTable, false},
		{"", outputTable, false},
		{"json", outputJSON, false},
		{"JSON", outputJSON, false},
		{"yaml", outputYAML, false},
		{"xml", "", true},
	}
	for _, tc := range tests {
		got, err := parseOutputFormat(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseOutputFormat(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseOutputFormat(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("parseOutputFormat(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	err := printTable(&buf, []string{"id", "rows"}, [][]string{
		{"bk-1", "42"},
		{"bk-2", "7"},
	})
	if err != nil {
		t.Fatalf("printTable: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "ID") || !strings.Contains(out, "ROWS") {
		t.Errorf("headers not uppercased:\n%s", out)
	}
	if !strings.Contains(out, "bk-1") || !strings.Contains(out, "bk-2") {
		t.Errorf("rows missing:\n%s", out)
	}
}

func TestPrintJSONIndents(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]int{"rows": 5}); err != nil {
		t.Fatalf("printJSON: %v", err)
	}
	if !strings.Contains(buf.String(), "  \"rows\": 5") {
		t.Errorf("expected indented JSON, got:\n%s", buf.String())
	}
}

func TestPrintRunSummary(t *testing.T) {
	started := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	res := &migration.RunResult{
		RunID:      "run-test",
		Success:    false,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Transform: &migration.TransformSummary{
			Counts:   map[string]int64{"users": 3, "tasks": 2},
			Warnings: []migration.Warning{{Reason: "dangling reference"}},
		},
		Validation: &migration.ValidationResult{Passed: true},
		Import:     &migration.ImportResult{Inserted: map[string]int64{"users": 3, "tasks": 2}},
		Verification: &migration.VerificationReport{
			Passed: false,
			Counts: []migration.CountCheck{{Table: "users", Expected: 3, Actual: 4, Match: false}},
		},
		Rollback: &backup.RollbackResult{BackupID: "bk-9", Complete: true},
	}

	var buf bytes.Buffer
	printRunSummary(&buf, res)
	out := buf.String()

	for _, want := range []string{
		"run-test FAILED in 1.5s",
		"Transformed:  5 records, 1 warnings",
		"Validation:   passed",
		"Imported:     5 rows",
		"1 count mismatches, 0 field mismatches, 0 integrity violations",
		"Rollback:     complete, backup bk-9",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
