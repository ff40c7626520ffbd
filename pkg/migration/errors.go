package migration

import "fmt"

// ExportError means a legacy table could not be read. Nothing has been
// written to the destination when it occurs.
type ExportError struct {
	Table string
	Err   error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %v", e.Table, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// TransformError means a source row could not be mapped into the hosted
// schema at all. It is fatal: partial transforms are never imported.
type TransformError struct {
	Kind     Kind
	SourceID int64
	Field    string
	Err      error
}

func (e *TransformError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("transform %s %d field %s: %v", e.Kind, e.SourceID, e.Field, e.Err)
	}
	return fmt.Sprintf("transform %s %d: %v", e.Kind, e.SourceID, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// UnmappedError is returned by IDMap.Resolve for a source id that never
// received a destination id.
type UnmappedError struct {
	Kind     Kind
	SourceID int64
}

func (e *UnmappedError) Error() string {
	return fmt.Sprintf("no destination id mapped for %s %d", e.Kind, e.SourceID)
}

// Violation is a single constraint failure found by the validator.
type Violation struct {
	Table    string `json:"table"`
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s/%s %s: %s", v.Table, v.RecordID, v.Field, v.Message)
}

// ValidationError aggregates every violation found in one pass. The
// validator never stops at the first problem, so operators see the whole
// cleanup list at once.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("validation failed: %s", e.Violations[0])
	}
	return fmt.Sprintf("validation failed with %d violations", len(e.Violations))
}

// ImportError means a destination batch write failed. Tables written
// before the failing one stay committed; Result records how far the
// import got so the operator can decide on rollback.
type ImportError struct {
	Table  string
	Result *ImportResult
	Err    error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import %s: %v", e.Table, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

// VerificationFailedError means the post-import verification found
// discrepancies between the transformed dataset and what the destination
// actually holds. It is non-fatal unless the run was configured to back
// up and roll back on it.
type VerificationFailedError struct {
	Report *VerificationReport
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("verification found %d count mismatches, %d field mismatches and %d integrity violations",
		e.Report.CountMismatches(), len(e.Report.FieldMismatches), len(e.Report.IntegrityViolations))
}
