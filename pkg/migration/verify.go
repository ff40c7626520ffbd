package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/vigilhq/vigil-migrate/pkg/destination"
)

// defaultSampleSize bounds the per-table field comparison.
const defaultSampleSize = 10

// CountCheck compares one table's destination row count against the
// transformed dataset's expectation.
type CountCheck struct {
	Table    string `json:"table"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
	Match    bool   `json:"match"`
}

// FieldMismatch records one sampled field whose destination value
// differs from the transformed value.
type FieldMismatch struct {
	Table    string `json:"table"`
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// IntegrityViolation records a referential or domain constraint broken
// in the destination after import.
type IntegrityViolation struct {
	Table    string `json:"table"`
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

// VerificationReport is the verifier's aggregate outcome. Passed is true
// only when every check group came back clean.
type VerificationReport struct {
	Passed              bool                 `json:"passed"`
	Counts              []CountCheck         `json:"counts"`
	FieldMismatches     []FieldMismatch      `json:"field_mismatches,omitempty"`
	IntegrityViolations []IntegrityViolation `json:"integrity_violations,omitempty"`
	SampledRecords      int                  `json:"sampled_records"`
}

// CountMismatches returns the number of tables whose counts diverged.
func (r *VerificationReport) CountMismatches() int {
	n := 0
	for _, c := range r.Counts {
		if !c.Match {
			n++
		}
	}
	return n
}

// Verifier re-reads the destination after import and compares the actual
// state against what the transformer produced. Every check goes back to
// the destination rather than trusting the in-memory dataset, so
// destination-side corruption is caught too. A returned error means the
// verifier could not even read the destination; discrepancies it did
// observe are reported, not returned as errors.
type Verifier struct {
	dst        *destination.Store
	sampleSize int
	logger     *slog.Logger
}

// NewVerifier creates a Verifier. sampleSize bounds the per-table field
// comparison; values below one fall back to the default of ten.
func NewVerifier(dst *destination.Store, sampleSize int, logger *slog.Logger) *Verifier {
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{dst: dst, sampleSize: sampleSize, logger: logger}
}

// Verify runs the three check groups: count parity, a sampled
// field-by-field comparison, and a full referential integrity scan with
// domain checks.
func (v *Verifier) Verify(ctx context.Context, tr *TransformResult, progress ProgressFunc) (*VerificationReport, error) {
	rep := &VerificationReport{}

	if err := v.checkCounts(ctx, tr.Dataset, rep); err != nil {
		return nil, err
	}
	progress.report(1.0/3.0, "verified row counts")

	if err := v.checkSamples(ctx, tr.Dataset, rep); err != nil {
		return nil, err
	}
	progress.report(2.0/3.0, "verified sampled records")

	if err := v.checkIntegrity(ctx, rep); err != nil {
		return nil, err
	}
	progress.report(1, "verified referential integrity")

	rep.Passed = rep.CountMismatches() == 0 &&
		len(rep.FieldMismatches) == 0 &&
		len(rep.IntegrityViolations) == 0

	if rep.Passed {
		v.logger.Info("verification passed", "sampled", rep.SampledRecords)
	} else {
		v.logger.Warn("verification failed",
			"countMismatches", rep.CountMismatches(),
			"fieldMismatches", len(rep.FieldMismatches),
			"integrityViolations", len(rep.IntegrityViolations))
	}
	return rep, nil
}

func (v *Verifier) checkCounts(ctx context.Context, ds *Dataset, rep *VerificationReport) error {
	actual, err := v.dst.Counts(ctx)
	if err != nil {
		return fmt.Errorf("verify counts: %w", err)
	}
	expected := ds.Counts()
	for _, table := range destination.TableOrder {
		rep.Counts = append(rep.Counts, CountCheck{
			Table:    table,
			Expected: expected[table],
			Actual:   actual[table],
			Match:    expected[table] == actual[table],
		})
	}
	return nil
}

// checkSamples fetches a bounded sample of each table by the mapped ids
// in one query per table and compares the stable fields against the
// transformed records. Timestamp columns are deliberately excluded:
// engines differ in sub-second precision, and the count and integrity
// checks cover them.
func (v *Verifier) checkSamples(ctx context.Context, ds *Dataset, rep *VerificationReport) error {
	mismatch := func(table, id, field, want, got string) {
		rep.FieldMismatches = append(rep.FieldMismatches, FieldMismatch{
			Table: table, RecordID: id, Field: field, Expected: want, Actual: got,
		})
	}
	eq := func(table, id, field, want, got string) {
		if want != got {
			mismatch(table, id, field, want, got)
		}
	}

	userID := func(u destination.User) string { return u.ID }
	wantUsers := sample(ds.Users, v.sampleSize)
	gotUsers, err := v.dst.UsersByIDs(ctx, idsOf(wantUsers, userID))
	if err != nil {
		return fmt.Errorf("verify sample users: %w", err)
	}
	gotUsersByID := indexByID(gotUsers, userID)
	for _, want := range wantUsers {
		rep.SampledRecords++
		got, ok := gotUsersByID[want.ID]
		if !ok {
			mismatch("users", want.ID, "row", want.ID, "missing")
			continue
		}
		eq("users", want.ID, "email", want.Email, got.Email)
		eq("users", want.ID, "display_name", want.DisplayName, got.DisplayName)
		eq("users", want.ID, "role", want.Role, got.Role)
		eq("users", want.ID, "active", strconv.FormatBool(want.Active), strconv.FormatBool(got.Active))
		eq("users", want.ID, "is_system", strconv.FormatBool(want.IsSystem), strconv.FormatBool(got.IsSystem))
	}

	memberID := func(m destination.TeamMember) string { return m.ID }
	wantMembers := sample(ds.TeamMembers, v.sampleSize)
	gotMembers, err := v.dst.TeamMembersByIDs(ctx, idsOf(wantMembers, memberID))
	if err != nil {
		return fmt.Errorf("verify sample team_members: %w", err)
	}
	gotMembersByID := indexByID(gotMembers, memberID)
	for _, want := range wantMembers {
		rep.SampledRecords++
		got, ok := gotMembersByID[want.ID]
		if !ok {
			mismatch("team_members", want.ID, "row", want.ID, "missing")
			continue
		}
		eq("team_members", want.ID, "user_id", want.UserID, got.UserID)
		eq("team_members", want.ID, "squad", want.Squad, got.Squad)
		eq("team_members", want.ID, "team_role", want.TeamRole, got.TeamRole)
	}

	taskID := func(t destination.Task) string { return t.ID }
	wantTasks := sample(ds.Tasks, v.sampleSize)
	gotTasks, err := v.dst.TasksByIDs(ctx, idsOf(wantTasks, taskID))
	if err != nil {
		return fmt.Errorf("verify sample tasks: %w", err)
	}
	gotTasksByID := indexByID(gotTasks, taskID)
	for _, want := range wantTasks {
		rep.SampledRecords++
		got, ok := gotTasksByID[want.ID]
		if !ok {
			mismatch("tasks", want.ID, "row", want.ID, "missing")
			continue
		}
		eq("tasks", want.ID, "title", want.Title, got.Title)
		eq("tasks", want.ID, "status", want.Status, got.Status)
		eq("tasks", want.ID, "priority", want.Priority, got.Priority)
		eq("tasks", want.ID, "assignee_id", strPtr(want.AssigneeID), strPtr(got.AssigneeID))
		eq("tasks", want.ID, "reporter_id", strPtr(want.ReporterID), strPtr(got.ReporterID))
		eq("tasks", want.ID, "depends_on", joinList(want.DependsOn), joinList(got.DependsOn))
		eq("tasks", want.ID, "created_by", want.CreatedBy, got.CreatedBy)
	}

	vulnID := func(vu destination.Vulnerability) string { return vu.ID }
	wantVulns := sample(ds.Vulnerabilities, v.sampleSize)
	gotVulns, err := v.dst.VulnerabilitiesByIDs(ctx, idsOf(wantVulns, vulnID))
	if err != nil {
		return fmt.Errorf("verify sample vulnerabilities: %w", err)
	}
	gotVulnsByID := indexByID(gotVulns, vulnID)
	for _, want := range wantVulns {
		rep.SampledRecords++
		got, ok := gotVulnsByID[want.ID]
		if !ok {
			mismatch("vulnerabilities", want.ID, "row", want.ID, "missing")
			continue
		}
		eq("vulnerabilities", want.ID, "title", want.Title, got.Title)
		eq("vulnerabilities", want.ID, "severity", want.Severity, got.Severity)
		eq("vulnerabilities", want.ID, "status", want.Status, got.Status)
		eq("vulnerabilities", want.ID, "cve", want.CVE, got.CVE)
		eq("vulnerabilities", want.ID, "component", want.Component, got.Component)
		eq("vulnerabilities", want.ID, "cvss", formatCVSS(want.CVSS), formatCVSS(got.CVSS))
		eq("vulnerabilities", want.ID, "created_by", want.CreatedBy, got.CreatedBy)
	}

	auditID := func(a destination.AuditLog) string { return a.ID }
	wantAudits := sample(ds.AuditLogs, v.sampleSize)
	gotAudits, err := v.dst.AuditLogsByIDs(ctx, idsOf(wantAudits, auditID))
	if err != nil {
		return fmt.Errorf("verify sample audit_logs: %w", err)
	}
	gotAuditsByID := indexByID(gotAudits, auditID)
	for _, want := range wantAudits {
		rep.SampledRecords++
		got, ok := gotAuditsByID[want.ID]
		if !ok {
			mismatch("audit_logs", want.ID, "row", want.ID, "missing")
			continue
		}
		eq("audit_logs", want.ID, "action", want.Action, got.Action)
		eq("audit_logs", want.ID, "target_kind", want.TargetKind, got.TargetKind)
		eq("audit_logs", want.ID, "target_label", want.TargetLabel, got.TargetLabel)
		eq("audit_logs", want.ID, "actor_id", strPtr(want.ActorID), strPtr(got.ActorID))
	}

	deployID := func(d destination.Deployment) string { return d.ID }
	wantDeploys := sample(ds.Deployments, v.sampleSize)
	gotDeploys, err := v.dst.DeploymentsByIDs(ctx, idsOf(wantDeploys, deployID))
	if err != nil {
		return fmt.Errorf("verify sample deployments: %w", err)
	}
	gotDeploysByID := indexByID(gotDeploys, deployID)
	for _, want := range wantDeploys {
		rep.SampledRecords++
		got, ok := gotDeploysByID[want.ID]
		if !ok {
			mismatch("deployments", want.ID, "row", want.ID, "missing")
			continue
		}
		eq("deployments", want.ID, "service", want.Service, got.Service)
		eq("deployments", want.ID, "version", want.Version, got.Version)
		eq("deployments", want.ID, "environment", want.Environment, got.Environment)
		eq("deployments", want.ID, "status", want.Status, got.Status)
		eq("deployments", want.ID, "task_ids", joinList(want.TaskIDs), joinList(got.TaskIDs))
	}

	snapID := func(s destination.SystemSnapshot) string { return s.ID }
	wantSnaps := sample(ds.SystemSnapshots, v.sampleSize)
	gotSnaps, err := v.dst.SystemSnapshotsByIDs(ctx, idsOf(wantSnaps, snapID))
	if err != nil {
		return fmt.Errorf("verify sample system_snapshots: %w", err)
	}
	gotSnapsByID := indexByID(gotSnaps, snapID)
	for _, want := range wantSnaps {
		rep.SampledRecords++
		got, ok := gotSnapsByID[want.ID]
		if !ok {
			mismatch("system_snapshots", want.ID, "row", want.ID, "missing")
			continue
		}
		eq("system_snapshots", want.ID, "label", want.Label, got.Label)
		eq("system_snapshots", want.ID, "environment", want.Environment, got.Environment)
		eq("system_snapshots", want.ID, "deployment_id", strPtr(want.DeploymentID), strPtr(got.DeploymentID))
		eq("system_snapshots", want.ID, "checksum", want.Checksum, got.Checksum)
		eq("system_snapshots", want.ID, "size_bytes", strconv.FormatInt(want.SizeBytes, 10), strconv.FormatInt(got.SizeBytes, 10))
	}

	changeID := func(c destination.ChangeRequest) string { return c.ID }
	wantChanges := sample(ds.ChangeRequests, v.sampleSize)
	gotChanges, err := v.dst.ChangeRequestsByIDs(ctx, idsOf(wantChanges, changeID))
	if err != nil {
		return fmt.Errorf("verify sample change_requests: %w", err)
	}
	gotChangesByID := indexByID(gotChanges, changeID)
	for _, want := range wantChanges {
		rep.SampledRecords++
		got, ok := gotChangesByID[want.ID]
		if !ok {
			mismatch("change_requests", want.ID, "row", want.ID, "missing")
			continue
		}
		eq("change_requests", want.ID, "title", want.Title, got.Title)
		eq("change_requests", want.ID, "status", want.Status, got.Status)
		eq("change_requests", want.ID, "confidentiality", want.Confidentiality, got.Confidentiality)
		eq("change_requests", want.ID, "requested_by", strPtr(want.RequestedBy), strPtr(got.RequestedBy))
		eq("change_requests", want.ID, "authorized_ids", joinList(want.AuthorizedIDs), joinList(got.AuthorizedIDs))
		eq("change_requests", want.ID, "task_ids", joinList(want.TaskIDs), joinList(got.TaskIDs))
		eq("change_requests", want.ID, "created_by", want.CreatedBy, got.CreatedBy)
	}

	return nil
}

// checkIntegrity re-reads the full destination and scans every reference
// field plus the domain constraints: duplicate emails, illegal enum
// values, and deployments that finished before they started.
func (v *Verifier) checkIntegrity(ctx context.Context, rep *VerificationReport) error {
	users, err := v.dst.Users(ctx)
	if err != nil {
		return fmt.Errorf("verify read users: %w", err)
	}
	members, err := v.dst.TeamMembers(ctx)
	if err != nil {
		return fmt.Errorf("verify read team_members: %w", err)
	}
	tasks, err := v.dst.Tasks(ctx)
	if err != nil {
		return fmt.Errorf("verify read tasks: %w", err)
	}
	vulns, err := v.dst.Vulnerabilities(ctx)
	if err != nil {
		return fmt.Errorf("verify read vulnerabilities: %w", err)
	}
	audits, err := v.dst.AuditLogs(ctx)
	if err != nil {
		return fmt.Errorf("verify read audit_logs: %w", err)
	}
	deploys, err := v.dst.Deployments(ctx)
	if err != nil {
		return fmt.Errorf("verify read deployments: %w", err)
	}
	snaps, err := v.dst.SystemSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("verify read system_snapshots: %w", err)
	}
	changes, err := v.dst.ChangeRequests(ctx)
	if err != nil {
		return fmt.Errorf("verify read change_requests: %w", err)
	}

	userIDs := mapset.NewThreadUnsafeSet[string]()
	for _, u := range users {
		userIDs.Add(u.ID)
	}
	memberIDs := mapset.NewThreadUnsafeSet[string]()
	for _, m := range members {
		memberIDs.Add(m.ID)
	}
	taskIDs := mapset.NewThreadUnsafeSet[string]()
	for _, t := range tasks {
		taskIDs.Add(t.ID)
	}
	deployIDs := mapset.NewThreadUnsafeSet[string]()
	for _, d := range deploys {
		deployIDs.Add(d.ID)
	}

	violate := func(table, id, field, format string, args ...any) {
		rep.IntegrityViolations = append(rep.IntegrityViolations, IntegrityViolation{
			Table: table, RecordID: id, Field: field, Message: fmt.Sprintf(format, args...),
		})
	}
	ref := func(set mapset.Set[string], id, table, recordID, field string) {
		if !set.Contains(id) {
			violate(table, recordID, field, "references missing row %s", id)
		}
	}
	optRef := func(set mapset.Set[string], id *string, table, recordID, field string) {
		if id != nil {
			ref(set, *id, table, recordID, field)
		}
	}
	refList := func(set mapset.Set[string], list destination.StringList, table, recordID, field string) {
		for _, id := range list {
			ref(set, id, table, recordID, field)
		}
	}

	seenEmails := make(map[string]string, len(users))
	for _, u := range users {
		if prev, ok := seenEmails[u.Email]; ok {
			violate("users", u.ID, "email", "duplicate email %q also on %s", u.Email, prev)
		} else {
			seenEmails[u.Email] = u.ID
		}
		if !validRoles.Contains(u.Role) {
			violate("users", u.ID, "role", "illegal role %q", u.Role)
		}
	}
	for _, m := range members {
		ref(userIDs, m.UserID, "team_members", m.ID, "user_id")
	}
	for _, t := range tasks {
		if !validTaskStatuses.Contains(t.Status) {
			violate("tasks", t.ID, "status", "illegal status %q", t.Status)
		}
		if !validPriorities.Contains(t.Priority) {
			violate("tasks", t.ID, "priority", "illegal priority %q", t.Priority)
		}
		optRef(memberIDs, t.AssigneeID, "tasks", t.ID, "assignee_id")
		optRef(userIDs, t.ReporterID, "tasks", t.ID, "reporter_id")
		refList(taskIDs, t.DependsOn, "tasks", t.ID, "depends_on")
		ref(userIDs, t.CreatedBy, "tasks", t.ID, "created_by")
	}
	for _, vu := range vulns {
		if !validSeverities.Contains(vu.Severity) {
			violate("vulnerabilities", vu.ID, "severity", "illegal severity %q", vu.Severity)
		}
		if !validVulnStatuses.Contains(vu.Status) {
			violate("vulnerabilities", vu.ID, "status", "illegal status %q", vu.Status)
		}
		optRef(userIDs, vu.ReportedBy, "vulnerabilities", vu.ID, "reported_by")
		optRef(memberIDs, vu.AssignedTo, "vulnerabilities", vu.ID, "assigned_to")
		ref(userIDs, vu.CreatedBy, "vulnerabilities", vu.ID, "created_by")
	}
	for _, a := range audits {
		optRef(userIDs, a.ActorID, "audit_logs", a.ID, "actor_id")
		ref(userIDs, a.CreatedBy, "audit_logs", a.ID, "created_by")
	}
	for _, d := range deploys {
		if !validEnvironments.Contains(d.Environment) {
			violate("deployments", d.ID, "environment", "illegal environment %q", d.Environment)
		}
		if !validDeployStatuses.Contains(d.Status) {
			violate("deployments", d.ID, "status", "illegal status %q", d.Status)
		}
		if d.FinishedAt != nil && d.FinishedAt.Before(d.StartedAt) {
			violate("deployments", d.ID, "finished_at", "finished %s before started %s",
				d.FinishedAt.Format("2006-01-02T15:04:05Z07:00"), d.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		optRef(userIDs, d.DeployedBy, "deployments", d.ID, "deployed_by")
		refList(taskIDs, d.TaskIDs, "deployments", d.ID, "task_ids")
		ref(userIDs, d.CreatedBy, "deployments", d.ID, "created_by")
	}
	for _, s := range snaps {
		if !validEnvironments.Contains(s.Environment) {
			violate("system_snapshots", s.ID, "environment", "illegal environment %q", s.Environment)
		}
		optRef(deployIDs, s.DeploymentID, "system_snapshots", s.ID, "deployment_id")
		optRef(userIDs, s.TakenBy, "system_snapshots", s.ID, "taken_by")
		ref(userIDs, s.CreatedBy, "system_snapshots", s.ID, "created_by")
	}
	for _, c := range changes {
		if !validChangeStatuses.Contains(c.Status) {
			violate("change_requests", c.ID, "status", "illegal status %q", c.Status)
		}
		if !validConfidentialities.Contains(c.Confidentiality) {
			violate("change_requests", c.ID, "confidentiality", "illegal confidentiality %q", c.Confidentiality)
		}
		optRef(userIDs, c.RequestedBy, "change_requests", c.ID, "requested_by")
		optRef(memberIDs, c.AssigneeID, "change_requests", c.ID, "assignee_id")
		refList(userIDs, c.AuthorizedIDs, "change_requests", c.ID, "authorized_ids")
		refList(taskIDs, c.TaskIDs, "change_requests", c.ID, "task_ids")
		ref(userIDs, c.CreatedBy, "change_requests", c.ID, "created_by")
	}

	return nil
}

func sample[T any](rows []T, n int) []T {
	if len(rows) <= n {
		return rows
	}
	return rows[:n]
}

func idsOf[T any](rows []T, id func(T) string) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, id(r))
	}
	return out
}

func indexByID[T any](rows []T, id func(T) string) map[string]T {
	out := make(map[string]T, len(rows))
	for _, r := range rows {
		out[id(r)] = r
	}
	return out
}

func strPtr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func joinList(l destination.StringList) string {
	return strings.Join(l, ",")
}

func formatCVSS(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
