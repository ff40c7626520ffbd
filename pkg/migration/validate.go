package migration

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/vigilhq/vigil-migrate/pkg/destination"
)

// minTitleLength is the shortest title the hosted service accepts.
const minTitleLength = 3

// Shape constraints checked before import. Kept deliberately narrow: the
// hosted service enforces its own schema; validation exists so bad data
// fails before the first destination write, not instead of the schema.
var (
	emailShape    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	cveShape      = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)
	checksumShape = regexp.MustCompile(`^[0-9a-fA-F]{8,128}$`)
)

// Canonical enum membership, shared between the validator and the
// verifier's post-import domain checks. The sets are built once and only
// read afterwards.
var (
	validRoles = mapset.NewThreadUnsafeSet(
		destination.RoleAdmin, destination.RoleManager, destination.RoleEngineer, destination.RoleViewer)
	validTaskStatuses = mapset.NewThreadUnsafeSet(
		destination.TaskStatusOpen, destination.TaskStatusInProgress, destination.TaskStatusBlocked,
		destination.TaskStatusCompleted, destination.TaskStatusArchived)
	validPriorities = mapset.NewThreadUnsafeSet(
		destination.PriorityCritical, destination.PriorityHigh, destination.PriorityMedium, destination.PriorityLow)
	validSeverities = mapset.NewThreadUnsafeSet(
		destination.SeverityCritical, destination.SeverityHigh, destination.SeverityMedium,
		destination.SeverityLow, destination.SeverityInfo)
	validVulnStatuses = mapset.NewThreadUnsafeSet(
		destination.VulnStatusOpen, destination.VulnStatusAcknowledged, destination.VulnStatusInProgress,
		destination.VulnStatusResolved, destination.VulnStatusAccepted)
	validEnvironments = mapset.NewThreadUnsafeSet(
		destination.EnvProduction, destination.EnvStaging, destination.EnvDevelopment)
	validDeployStatuses = mapset.NewThreadUnsafeSet(
		destination.DeployStatusSucceeded, destination.DeployStatusFailed,
		destination.DeployStatusInProgress, destination.DeployStatusRolledBack)
	validChangeStatuses = mapset.NewThreadUnsafeSet(
		destination.ChangeStatusDraft, destination.ChangeStatusInReview, destination.ChangeStatusApproved,
		destination.ChangeStatusApplied, destination.ChangeStatusRejected)
	validConfidentialities = mapset.NewThreadUnsafeSet(
		destination.ConfidentialityPublic, destination.ConfidentialityInternal, destination.ConfidentialityRestricted)
)

// Validator checks the transformed dataset before any destination write.
// It collects every violation instead of stopping at the first, so a
// single run surfaces the complete cleanup list. It performs no I/O:
// reference checks resolve against the batch itself.
type Validator struct {
	logger *slog.Logger
}

// NewValidator creates a Validator. A nil logger falls back to
// slog.Default().
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger}
}

// Validate returns a *ValidationError aggregating every violation found,
// or nil when the dataset is clean.
func (v *Validator) Validate(ds *Dataset, progress ProgressFunc) error {
	run := &validationRun{ids: datasetIDSets(ds)}

	checks := []struct {
		operation string
		check     func(*Dataset)
	}{
		{"validated users", run.checkUsers},
		{"validated team members", run.checkTeamMembers},
		{"validated tasks", run.checkTasks},
		{"validated vulnerabilities", run.checkVulnerabilities},
		{"validated audit logs", run.checkAuditLogs},
		{"validated deployments", run.checkDeployments},
		{"validated system snapshots", run.checkSystemSnapshots},
		{"validated change requests", run.checkChangeRequests},
	}
	for i, c := range checks {
		c.check(ds)
		progress.report(float64(i+1)/float64(len(checks)), c.operation)
	}

	if len(run.violations) == 0 {
		v.logger.Info("validation passed", "rows", ds.Total())
		return nil
	}
	v.logger.Warn("validation failed", "violations", len(run.violations))
	return &ValidationError{Violations: run.violations}
}

// idSets holds the batch-internal primary keys per referenced table.
// Reference checks resolve against these, never against the live
// destination: the batch must be self-consistent on its own.
type idSets struct {
	users       mapset.Set[string]
	members     mapset.Set[string]
	tasks       mapset.Set[string]
	deployments mapset.Set[string]
}

func datasetIDSets(ds *Dataset) idSets {
	ids := idSets{
		users:       mapset.NewThreadUnsafeSet[string](),
		members:     mapset.NewThreadUnsafeSet[string](),
		tasks:       mapset.NewThreadUnsafeSet[string](),
		deployments: mapset.NewThreadUnsafeSet[string](),
	}
	for _, u := range ds.Users {
		ids.users.Add(u.ID)
	}
	for _, m := range ds.TeamMembers {
		ids.members.Add(m.ID)
	}
	for _, t := range ds.Tasks {
		ids.tasks.Add(t.ID)
	}
	for _, d := range ds.Deployments {
		ids.deployments.Add(d.ID)
	}
	return ids
}

type validationRun struct {
	ids        idSets
	violations []Violation
}

func (r *validationRun) violate(table, recordID, field, format string, args ...any) {
	r.violations = append(r.violations, Violation{
		Table:    table,
		RecordID: recordID,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
	})
}

// checkRef verifies a required batch-internal reference.
func (r *validationRun) checkRef(set mapset.Set[string], id, table, recordID, field string) {
	if !set.Contains(id) {
		r.violate(table, recordID, field, "references %s not present in this batch", id)
	}
}

// checkOptRef verifies an optional batch-internal reference.
func (r *validationRun) checkOptRef(set mapset.Set[string], id *string, table, recordID, field string) {
	if id != nil {
		r.checkRef(set, *id, table, recordID, field)
	}
}

// checkRefList verifies every member of a reference list.
func (r *validationRun) checkRefList(set mapset.Set[string], list destination.StringList, table, recordID, field string) {
	for _, id := range list {
		r.checkRef(set, id, table, recordID, field)
	}
}

func (r *validationRun) checkTitle(title, table, recordID string) {
	if len(strings.TrimSpace(title)) < minTitleLength {
		r.violate(table, recordID, "title", "title must be at least %d characters", minTitleLength)
	}
}

func (r *validationRun) checkUsers(ds *Dataset) {
	seenEmails := make(map[string]string, len(ds.Users))
	for _, u := range ds.Users {
		if !emailShape.MatchString(u.Email) {
			r.violate("users", u.ID, "email", "email %q does not look like an address", u.Email)
		} else if prev, ok := seenEmails[u.Email]; ok {
			r.violate("users", u.ID, "email", "email %q already used by %s", u.Email, prev)
		} else {
			seenEmails[u.Email] = u.ID
		}
		if strings.TrimSpace(u.DisplayName) == "" {
			r.violate("users", u.ID, "display_name", "display name is required")
		}
		if !validRoles.Contains(u.Role) {
			r.violate("users", u.ID, "role", "role %q is not a canonical role", u.Role)
		}
	}
}

func (r *validationRun) checkTeamMembers(ds *Dataset) {
	for _, m := range ds.TeamMembers {
		r.checkRef(r.ids.users, m.UserID, "team_members", m.ID, "user_id")
	}
}

func (r *validationRun) checkTasks(ds *Dataset) {
	for _, t := range ds.Tasks {
		r.checkTitle(t.Title, "tasks", t.ID)
		if !validTaskStatuses.Contains(t.Status) {
			r.violate("tasks", t.ID, "status", "status %q is not a canonical task status", t.Status)
		}
		if !validPriorities.Contains(t.Priority) {
			r.violate("tasks", t.ID, "priority", "priority %q is not a canonical priority", t.Priority)
		}
		r.checkOptRef(r.ids.members, t.AssigneeID, "tasks", t.ID, "assignee_id")
		r.checkOptRef(r.ids.users, t.ReporterID, "tasks", t.ID, "reporter_id")
		r.checkRefList(r.ids.tasks, t.DependsOn, "tasks", t.ID, "depends_on")
		r.checkRef(r.ids.users, t.CreatedBy, "tasks", t.ID, "created_by")
	}
}

func (r *validationRun) checkVulnerabilities(ds *Dataset) {
	for _, vu := range ds.Vulnerabilities {
		r.checkTitle(vu.Title, "vulnerabilities", vu.ID)
		if !validSeverities.Contains(vu.Severity) {
			r.violate("vulnerabilities", vu.ID, "severity", "severity %q is not a canonical severity", vu.Severity)
		}
		if !validVulnStatuses.Contains(vu.Status) {
			r.violate("vulnerabilities", vu.ID, "status", "status %q is not a canonical vulnerability status", vu.Status)
		}
		if vu.CVSS < 0 || vu.CVSS > 10 {
			r.violate("vulnerabilities", vu.ID, "cvss", "cvss score %.2f is outside 0-10", vu.CVSS)
		}
		if vu.CVE != "" && !cveShape.MatchString(vu.CVE) {
			r.violate("vulnerabilities", vu.ID, "cve", "cve %q does not match CVE-YYYY-NNNN", vu.CVE)
		}
		r.checkOptRef(r.ids.users, vu.ReportedBy, "vulnerabilities", vu.ID, "reported_by")
		r.checkOptRef(r.ids.members, vu.AssignedTo, "vulnerabilities", vu.ID, "assigned_to")
		r.checkRef(r.ids.users, vu.CreatedBy, "vulnerabilities", vu.ID, "created_by")
	}
}

func (r *validationRun) checkAuditLogs(ds *Dataset) {
	for _, a := range ds.AuditLogs {
		if strings.TrimSpace(a.Action) == "" {
			r.violate("audit_logs", a.ID, "action", "action is required")
		}
		r.checkOptRef(r.ids.users, a.ActorID, "audit_logs", a.ID, "actor_id")
		r.checkRef(r.ids.users, a.CreatedBy, "audit_logs", a.ID, "created_by")
	}
}

func (r *validationRun) checkDeployments(ds *Dataset) {
	for _, d := range ds.Deployments {
		if strings.TrimSpace(d.Service) == "" {
			r.violate("deployments", d.ID, "service", "service is required")
		}
		if !validEnvironments.Contains(d.Environment) {
			r.violate("deployments", d.ID, "environment", "environment %q is not a canonical environment", d.Environment)
		}
		if !validDeployStatuses.Contains(d.Status) {
			r.violate("deployments", d.ID, "status", "status %q is not a canonical deployment status", d.Status)
		}
		r.checkOptRef(r.ids.users, d.DeployedBy, "deployments", d.ID, "deployed_by")
		r.checkRefList(r.ids.tasks, d.TaskIDs, "deployments", d.ID, "task_ids")
		r.checkRef(r.ids.users, d.CreatedBy, "deployments", d.ID, "created_by")
	}
}

func (r *validationRun) checkSystemSnapshots(ds *Dataset) {
	for _, s := range ds.SystemSnapshots {
		if strings.TrimSpace(s.Label) == "" {
			r.violate("system_snapshots", s.ID, "label", "label is required")
		}
		if !validEnvironments.Contains(s.Environment) {
			r.violate("system_snapshots", s.ID, "environment", "environment %q is not a canonical environment", s.Environment)
		}
		if s.Checksum != "" && !checksumShape.MatchString(s.Checksum) {
			r.violate("system_snapshots", s.ID, "checksum", "checksum %q is not a hex digest", s.Checksum)
		}
		if s.SizeBytes < 0 {
			r.violate("system_snapshots", s.ID, "size_bytes", "size must not be negative")
		}
		r.checkOptRef(r.ids.deployments, s.DeploymentID, "system_snapshots", s.ID, "deployment_id")
		r.checkOptRef(r.ids.users, s.TakenBy, "system_snapshots", s.ID, "taken_by")
		r.checkRef(r.ids.users, s.CreatedBy, "system_snapshots", s.ID, "created_by")
	}
}

func (r *validationRun) checkChangeRequests(ds *Dataset) {
	for _, c := range ds.ChangeRequests {
		r.checkTitle(c.Title, "change_requests", c.ID)
		if !validChangeStatuses.Contains(c.Status) {
			r.violate("change_requests", c.ID, "status", "status %q is not a canonical change status", c.Status)
		}
		if !validConfidentialities.Contains(c.Confidentiality) {
			r.violate("change_requests", c.ID, "confidentiality", "confidentiality %q is not a canonical level", c.Confidentiality)
		}
		r.checkOptRef(r.ids.users, c.RequestedBy, "change_requests", c.ID, "requested_by")
		r.checkOptRef(r.ids.members, c.AssigneeID, "change_requests", c.ID, "assignee_id")
		r.checkRefList(r.ids.users, c.AuthorizedIDs, "change_requests", c.ID, "authorized_ids")
		r.checkRefList(r.ids.tasks, c.TaskIDs, "change_requests", c.ID, "task_ids")
		r.checkRef(r.ids.users, c.CreatedBy, "change_requests", c.ID, "created_by")
	}
}
