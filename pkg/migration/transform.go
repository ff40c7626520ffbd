package migration

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vigilhq/vigil-migrate/pkg/destination"
	"github.com/vigilhq/vigil-migrate/pkg/source"
)

// The administrative identity synthesized once per run. It owns every
// record whose legacy row carries no usable owner reference, so the
// destination's NOT NULL created_by columns always resolve.
const (
	adminEmail       = "migration-admin@vigil.local"
	adminDisplayName = "Migration Administrator"
)

// Warning records a non-fatal adjustment made during transformation: a
// dangling reference dropped, or an unrecognized enum value coerced to
// its default. Warnings surface in the run report; they never abort the
// run on their own.
type Warning struct {
	Kind     Kind   `json:"kind"`
	SourceID int64  `json:"source_id"`
	Field    string `json:"field"`
	Reason   string `json:"reason"`
}

// Dataset holds the destination-shaped output of transformation. It
// stays in memory until validation passes and the importer writes it.
type Dataset struct {
	Users           []destination.User
	TeamMembers     []destination.TeamMember
	Tasks           []destination.Task
	Vulnerabilities []destination.Vulnerability
	AuditLogs       []destination.AuditLog
	Deployments     []destination.Deployment
	SystemSnapshots []destination.SystemSnapshot
	ChangeRequests  []destination.ChangeRequest
}

// Counts returns per-table row counts keyed by destination table name.
func (d *Dataset) Counts() map[string]int64 {
	return map[string]int64{
		"users":            int64(len(d.Users)),
		"team_members":     int64(len(d.TeamMembers)),
		"tasks":            int64(len(d.Tasks)),
		"vulnerabilities":  int64(len(d.Vulnerabilities)),
		"audit_logs":       int64(len(d.AuditLogs)),
		"deployments":      int64(len(d.Deployments)),
		"system_snapshots": int64(len(d.SystemSnapshots)),
		"change_requests":  int64(len(d.ChangeRequests)),
	}
}

// Total returns the number of records across all tables.
func (d *Dataset) Total() int64 {
	var total int64
	for _, n := range d.Counts() {
		total += n
	}
	return total
}

// TransformResult carries everything the later phases need: the dataset,
// the identifier mapping used to resolve references, the synthesized
// admin identity, and the warnings produced along the way.
type TransformResult struct {
	Dataset     *Dataset
	IDMap       *IDMap
	AdminUserID string
	Warnings    []Warning
}

// enumTable translates one legacy enumerated column into the canonical
// destination vocabulary. Unrecognized values fall back to a safe
// default rather than failing the run.
type enumTable struct {
	field    string
	fallback string
	values   map[string]string
}

var (
	roleEnum = enumTable{field: "role", fallback: destination.RoleViewer, values: map[string]string{
		"admin":    destination.RoleAdmin,
		"mgr":      destination.RoleManager,
		"manager":  destination.RoleManager,
		"dev":      destination.RoleEngineer,
		"engineer": destination.RoleEngineer,
		"view":     destination.RoleViewer,
		"viewer":   destination.RoleViewer,
	}}
	taskStatusEnum = enumTable{field: "status", fallback: destination.TaskStatusOpen, values: map[string]string{
		"todo":     destination.TaskStatusOpen,
		"doing":    destination.TaskStatusInProgress,
		"blocked":  destination.TaskStatusBlocked,
		"done":     destination.TaskStatusCompleted,
		"archived": destination.TaskStatusArchived,
	}}
	priorityEnum = enumTable{field: "priority", fallback: destination.PriorityMedium, values: map[string]string{
		"p0":     destination.PriorityCritical,
		"urgent": destination.PriorityCritical,
		"p1":     destination.PriorityHigh,
		"high":   destination.PriorityHigh,
		"p2":     destination.PriorityMedium,
		"normal": destination.PriorityMedium,
		"p3":     destination.PriorityLow,
		"low":    destination.PriorityLow,
	}}
	severityEnum = enumTable{field: "severity", fallback: destination.SeverityMedium, values: map[string]string{
		"crit": destination.SeverityCritical,
		"high": destination.SeverityHigh,
		"med":  destination.SeverityMedium,
		"low":  destination.SeverityLow,
		"info": destination.SeverityInfo,
	}}
	vulnStatusEnum = enumTable{field: "status", fallback: destination.VulnStatusOpen, values: map[string]string{
		"new":     destination.VulnStatusOpen,
		"triage":  destination.VulnStatusAcknowledged,
		"fixing":  destination.VulnStatusInProgress,
		"fixed":   destination.VulnStatusResolved,
		"wontfix": destination.VulnStatusAccepted,
	}}
	environmentEnum = enumTable{field: "environment", fallback: destination.EnvDevelopment, values: map[string]string{
		"prod": destination.EnvProduction,
		"stg":  destination.EnvStaging,
		"dev":  destination.EnvDevelopment,
	}}
	deployStatusEnum = enumTable{field: "status", fallback: destination.DeployStatusSucceeded, values: map[string]string{
		"ok":        destination.DeployStatusSucceeded,
		"succeeded": destination.DeployStatusSucceeded,
		"fail":      destination.DeployStatusFailed,
		"failed":    destination.DeployStatusFailed,
		"running":   destination.DeployStatusInProgress,
		"rollback":  destination.DeployStatusRolledBack,
	}}
	changeStatusEnum = enumTable{field: "status", fallback: destination.ChangeStatusDraft, values: map[string]string{
		"draft":    destination.ChangeStatusDraft,
		"review":   destination.ChangeStatusInReview,
		"approved": destination.ChangeStatusApproved,
		"done":     destination.ChangeStatusApplied,
		"rejected": destination.ChangeStatusRejected,
	}}
	confidentialityEnum = enumTable{field: "confidentiality", fallback: destination.ConfidentialityInternal, values: map[string]string{
		"public":   destination.ConfidentialityPublic,
		"internal": destination.ConfidentialityInternal,
		"secret":   destination.ConfidentialityRestricted,
	}}
)

// Transformer converts exported legacy rows into destination-shaped
// records. Transformation runs in two passes: the first assigns a fresh
// surrogate key to every row in the identifier mapping, the second
// builds records and resolves reference fields through the completed
// mapping. Forward references (a work item depending on a later one)
// therefore need no ordering on the source side.
type Transformer struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewTransformer creates a Transformer. A nil logger falls back to
// slog.Default().
func NewTransformer(logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{logger: logger, now: time.Now}
}

// Transform produces the destination dataset for one exported source
// snapshot. The only fatal condition is a source key that cannot be
// mapped unambiguously; everything else degrades to a Warning.
func (t *Transformer) Transform(data *SourceData, progress ProgressFunc) (*TransformResult, error) {
	run := &transformRun{t: t, idmap: NewIDMap(), dataset: &Dataset{}}

	if err := run.assignKeys(data); err != nil {
		return nil, err
	}
	progress.report(1.0/9.0, "assigned surrogate keys")

	run.synthesizeAdmin()

	builds := []struct {
		operation string
		build     func(*SourceData)
	}{
		{"transformed accounts", run.buildUsers},
		{"transformed roster", run.buildTeamMembers},
		{"transformed work items", run.buildTasks},
		{"transformed findings", run.buildVulnerabilities},
		{"transformed audit trail", run.buildAuditLogs},
		{"transformed deploy history", run.buildDeployments},
		{"transformed state snapshots", run.buildSystemSnapshots},
		{"transformed change specs", run.buildChangeRequests},
	}
	for i, b := range builds {
		b.build(data)
		progress.report(float64(i+2)/9.0, b.operation)
	}

	t.logger.Info("transform complete",
		"rows", run.dataset.Total(),
		"mapped", run.idmap.Len(),
		"warnings", len(run.warnings))

	return &TransformResult{
		Dataset:     run.dataset,
		IDMap:       run.idmap,
		AdminUserID: run.adminID,
		Warnings:    run.warnings,
	}, nil
}

// transformRun is the working state of a single Transform call.
type transformRun struct {
	t        *Transformer
	idmap    *IDMap
	dataset  *Dataset
	adminID  string
	warnings []Warning
}

// assignKeys is the first pass: every source row of every kind gets its
// surrogate uuid before any record is built.
func (r *transformRun) assignKeys(data *SourceData) error {
	assign := func(kind Kind, id int64) error {
		if err := r.idmap.Assign(kind, id, uuid.NewString()); err != nil {
			return &TransformError{Kind: kind, SourceID: id, Err: err}
		}
		return nil
	}
	for _, a := range data.Accounts {
		if err := assign(KindAccount, a.ID); err != nil {
			return err
		}
	}
	for _, e := range data.Roster {
		if err := assign(KindRosterEntry, e.ID); err != nil {
			return err
		}
	}
	for _, w := range data.WorkItems {
		if err := assign(KindWorkItem, w.ID); err != nil {
			return err
		}
	}
	for _, f := range data.Findings {
		if err := assign(KindFinding, f.ID); err != nil {
			return err
		}
	}
	for _, a := range data.AuditTrail {
		if err := assign(KindAuditEntry, a.ID); err != nil {
			return err
		}
	}
	for _, d := range data.Deployments {
		if err := assign(KindDeployment, d.ID); err != nil {
			return err
		}
	}
	for _, s := range data.StateSnapshots {
		if err := assign(KindSnapshot, s.ID); err != nil {
			return err
		}
	}
	for _, c := range data.ChangeSpecs {
		if err := assign(KindChangeSpec, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// synthesizeAdmin creates the per-run administrative identity.
func (r *transformRun) synthesizeAdmin() {
	r.adminID = uuid.NewString()
	r.dataset.Users = append(r.dataset.Users, destination.User{
		ID:          r.adminID,
		Email:       adminEmail,
		DisplayName: adminDisplayName,
		Role:        destination.RoleAdmin,
		Active:      true,
		IsSystem:    true,
		CreatedAt:   r.t.now().UTC(),
	})
}

func (r *transformRun) buildUsers(data *SourceData) {
	for _, a := range data.Accounts {
		id, _ := r.idmap.Lookup(KindAccount, a.ID) // assigned in the first pass
		r.dataset.Users = append(r.dataset.Users, destination.User{
			ID:          id,
			Email:       a.Email,
			DisplayName: a.FullName,
			Role:        r.enum(roleEnum, a.Role, KindAccount, a.ID),
			Active:      a.Active,
			CreatedAt:   a.CreatedAt,
		})
	}
}

func (r *transformRun) buildTeamMembers(data *SourceData) {
	for _, e := range data.Roster {
		memberID, _ := r.idmap.Lookup(KindRosterEntry, e.ID)
		var userID string
		if e.AccountID != nil {
			if mapped, ok := r.idmap.Lookup(KindAccount, *e.AccountID); ok {
				userID = mapped
			} else {
				r.warn(KindRosterEntry, e.ID, "account_id",
					fmt.Sprintf("account %d not in export, synthesizing identity from roster fields", *e.AccountID))
			}
		}
		if userID == "" {
			// Every team member must reference a user. Roster entries
			// that predate the accounts table get one synthesized from
			// their inline identity fields.
			userID = uuid.NewString()
			if e.Email == "" {
				r.warn(KindRosterEntry, e.ID, "email", "roster entry has no email, synthesized identity left blank")
			}
			r.dataset.Users = append(r.dataset.Users, destination.User{
				ID:          userID,
				Email:       e.Email,
				DisplayName: e.DisplayName,
				Role:        destination.RoleViewer,
				Active:      true,
				CreatedAt:   e.JoinedAt,
			})
		}
		r.dataset.TeamMembers = append(r.dataset.TeamMembers, destination.TeamMember{
			ID:       memberID,
			UserID:   userID,
			Squad:    e.Squad,
			TeamRole: e.TeamRole,
			JoinedAt: e.JoinedAt,
		})
	}
}

func (r *transformRun) buildTasks(data *SourceData) {
	for _, w := range data.WorkItems {
		id, _ := r.idmap.Lookup(KindWorkItem, w.ID)
		reporter := r.ref(KindAccount, w.ReporterID, KindWorkItem, w.ID, "reporter_id")
		r.dataset.Tasks = append(r.dataset.Tasks, destination.Task{
			ID:          id,
			Title:       w.Title,
			Description: w.Detail,
			Status:      r.enum(taskStatusEnum, w.Status, KindWorkItem, w.ID),
			Priority:    r.enum(priorityEnum, w.Priority, KindWorkItem, w.ID),
			AssigneeID:  r.ref(KindRosterEntry, w.AssigneeID, KindWorkItem, w.ID, "assignee_id"),
			ReporterID:  reporter,
			DependsOn:   r.refList(KindWorkItem, w.DependsOn, KindWorkItem, w.ID, "depends_on"),
			CreatedBy:   r.owner(reporter),
			DueAt:       w.DueAt,
			CreatedAt:   w.CreatedAt,
		})
	}
}

func (r *transformRun) buildVulnerabilities(data *SourceData) {
	for _, f := range data.Findings {
		id, _ := r.idmap.Lookup(KindFinding, f.ID)
		reporter := r.ref(KindAccount, f.ReportedBy, KindFinding, f.ID, "reported_by")
		r.dataset.Vulnerabilities = append(r.dataset.Vulnerabilities, destination.Vulnerability{
			ID:           id,
			Title:        f.Title,
			Description:  f.Detail,
			Severity:     r.enum(severityEnum, f.Severity, KindFinding, f.ID),
			Status:       r.enum(vulnStatusEnum, f.Status, KindFinding, f.ID),
			CVE:          f.CVE,
			Component:    f.Component,
			CVSS:         f.CVSS,
			ReportedBy:   reporter,
			AssignedTo:   r.ref(KindRosterEntry, f.AssignedTo, KindFinding, f.ID, "assigned_to"),
			CreatedBy:    r.owner(reporter),
			DiscoveredAt: f.DiscoveredAt,
		})
	}
}

func (r *transformRun) buildAuditLogs(data *SourceData) {
	for _, a := range data.AuditTrail {
		id, _ := r.idmap.Lookup(KindAuditEntry, a.ID)
		actor := r.ref(KindAccount, a.ActorID, KindAuditEntry, a.ID, "actor_id")
		r.dataset.AuditLogs = append(r.dataset.AuditLogs, destination.AuditLog{
			ID:          id,
			ActorID:     actor,
			Action:      a.Action,
			TargetKind:  a.TargetKind,
			TargetLabel: a.TargetLabel,
			Detail:      a.Detail,
			CreatedBy:   r.owner(actor),
			RecordedAt:  a.RecordedAt,
		})
	}
}

func (r *transformRun) buildDeployments(data *SourceData) {
	for _, d := range data.Deployments {
		id, _ := r.idmap.Lookup(KindDeployment, d.ID)
		deployer := r.ref(KindAccount, d.DeployedBy, KindDeployment, d.ID, "deployed_by")
		r.dataset.Deployments = append(r.dataset.Deployments, destination.Deployment{
			ID:          id,
			Service:     d.Service,
			Version:     d.Version,
			Environment: r.enum(environmentEnum, d.Environment, KindDeployment, d.ID),
			Status:      r.enum(deployStatusEnum, d.Status, KindDeployment, d.ID),
			DeployedBy:  deployer,
			TaskIDs:     r.refList(KindWorkItem, d.WorkItemIDs, KindDeployment, d.ID, "work_item_ids"),
			CreatedBy:   r.owner(deployer),
			StartedAt:   d.StartedAt,
			FinishedAt:  d.FinishedAt,
		})
	}
}

func (r *transformRun) buildSystemSnapshots(data *SourceData) {
	for _, s := range data.StateSnapshots {
		id, _ := r.idmap.Lookup(KindSnapshot, s.ID)
		taker := r.ref(KindAccount, s.TakenBy, KindSnapshot, s.ID, "taken_by")
		r.dataset.SystemSnapshots = append(r.dataset.SystemSnapshots, destination.SystemSnapshot{
			ID:           id,
			Label:        s.Label,
			Environment:  r.enum(environmentEnum, s.Environment, KindSnapshot, s.ID),
			DeploymentID: r.ref(KindDeployment, s.DeploymentID, KindSnapshot, s.ID, "deployment_id"),
			TakenBy:      taker,
			Checksum:     s.Checksum,
			SizeBytes:    s.SizeBytes,
			CreatedBy:    r.owner(taker),
			TakenAt:      s.TakenAt,
		})
	}
}

func (r *transformRun) buildChangeRequests(data *SourceData) {
	for _, c := range data.ChangeSpecs {
		id, _ := r.idmap.Lookup(KindChangeSpec, c.ID)
		requester := r.ref(KindAccount, c.RequestedBy, KindChangeSpec, c.ID, "requested_by")
		r.dataset.ChangeRequests = append(r.dataset.ChangeRequests, destination.ChangeRequest{
			ID:              id,
			Title:           c.Title,
			Summary:         c.Summary,
			Status:          r.enum(changeStatusEnum, c.Status, KindChangeSpec, c.ID),
			Confidentiality: r.enum(confidentialityEnum, c.Confidentiality, KindChangeSpec, c.ID),
			RequestedBy:     requester,
			AssigneeID:      r.ref(KindRosterEntry, c.AssigneeID, KindChangeSpec, c.ID, "assignee_id"),
			AuthorizedIDs:   r.refList(KindAccount, c.AuthorizedIDs, KindChangeSpec, c.ID, "authorized_ids"),
			TaskIDs:         r.refList(KindWorkItem, c.WorkItemIDs, KindChangeSpec, c.ID, "work_item_ids"),
			CreatedBy:       r.owner(requester),
			ScheduledFor:    c.ScheduledFor,
			CreatedAt:       c.CreatedAt,
		})
	}
}

// ref resolves an optional legacy reference through the mapping. A
// reference whose target was not exported is dropped with a warning.
func (r *transformRun) ref(kind Kind, target *int64, ownKind Kind, ownID int64, field string) *string {
	if target == nil {
		return nil
	}
	if mapped, ok := r.idmap.Lookup(kind, *target); ok {
		return &mapped
	}
	r.warn(ownKind, ownID, field, fmt.Sprintf("%s %d not in export, reference dropped", kind, *target))
	return nil
}

// refList resolves a legacy id list, dropping members whose targets were
// not exported.
func (r *transformRun) refList(kind Kind, targets source.Int64List, ownKind Kind, ownID int64, field string) destination.StringList {
	if len(targets) == 0 {
		return nil
	}
	out := make(destination.StringList, 0, len(targets))
	for _, tid := range targets {
		if mapped, ok := r.idmap.Lookup(kind, tid); ok {
			out = append(out, mapped)
			continue
		}
		r.warn(ownKind, ownID, field, fmt.Sprintf("%s %d not in export, list member dropped", kind, tid))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// owner picks created_by: the mapped source identity when one exists,
// otherwise the run's synthesized admin.
func (r *transformRun) owner(mapped *string) string {
	if mapped != nil {
		return *mapped
	}
	return r.adminID
}

// enum translates a legacy enum value, falling back to the table default
// with a warning when the value is unrecognized.
func (r *transformRun) enum(table enumTable, raw string, kind Kind, id int64) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if v, ok := table.values[key]; ok {
		return v
	}
	r.warn(kind, id, table.field, fmt.Sprintf("unknown %s %q, defaulting to %q", table.field, raw, table.fallback))
	return table.fallback
}

func (r *transformRun) warn(kind Kind, id int64, field, reason string) {
	r.warnings = append(r.warnings, Warning{Kind: kind, SourceID: id, Field: field, Reason: reason})
	r.t.logger.Warn("transform warning", "kind", kind, "sourceID", id, "field", field, "reason", reason)
}
