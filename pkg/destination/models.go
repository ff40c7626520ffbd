package destination

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringList is a custom GORM type for []string stored as JSON. Reference
// list columns (task dependencies, authorized users) use this encoding so
// the schema stays portable across PostgreSQL, MySQL and SQLite.
type StringList []string

// Scan implements the sql.Scanner interface for StringList.
func (s *StringList) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
	if len(bytes) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for StringList.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Canonical enum vocabulary of the hosted schema. The transformer maps
// legacy spellings onto these values; the validator rejects anything else.
const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEngineer = "engineer"
	RoleViewer   = "viewer"

	TaskStatusOpen       = "open"
	TaskStatusInProgress = "in_progress"
	TaskStatusBlocked    = "blocked"
	TaskStatusCompleted  = "completed"
	TaskStatusArchived   = "archived"

	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"

	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "informational"

	VulnStatusOpen         = "open"
	VulnStatusAcknowledged = "acknowledged"
	VulnStatusInProgress   = "in_progress"
	VulnStatusResolved     = "resolved"
	VulnStatusAccepted     = "accepted"

	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"

	DeployStatusSucceeded  = "succeeded"
	DeployStatusFailed     = "failed"
	DeployStatusInProgress = "in_progress"
	DeployStatusRolledBack = "rolled_back"

	ChangeStatusDraft    = "draft"
	ChangeStatusInReview = "in_review"
	ChangeStatusApproved = "approved"
	ChangeStatusApplied  = "applied"
	ChangeStatusRejected = "rejected"

	ConfidentialityPublic     = "public"
	ConfidentialityInternal   = "internal"
	ConfidentialityRestricted = "restricted"
)

// User is a hosted service identity.
type User struct {
	ID          string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Email       string    `gorm:"column:email;not null" json:"email"`
	DisplayName string    `gorm:"column:display_name" json:"display_name"`
	Role        string    `gorm:"column:role;not null" json:"role"`
	Active      bool      `gorm:"column:active" json:"active"`
	IsSystem    bool      `gorm:"column:is_system;not null;default:false" json:"is_system"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName returns the hosted table name.
func (User) TableName() string { return "users" }

// TeamMember links a User into a squad.
type TeamMember struct {
	ID       string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	UserID   string    `gorm:"column:user_id;type:varchar(36);not null" json:"user_id"`
	Squad    string    `gorm:"column:squad" json:"squad"`
	TeamRole string    `gorm:"column:team_role" json:"team_role"`
	JoinedAt time.Time `gorm:"column:joined_at" json:"joined_at"`
}

// TableName returns the hosted table name.
func (TeamMember) TableName() string { return "team_members" }

// Task is a tracked unit of work.
type Task struct {
	ID          string     `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Title       string     `gorm:"column:title;not null" json:"title"`
	Description string     `gorm:"column:description" json:"description"`
	Status      string     `gorm:"column:status;not null" json:"status"`
	Priority    string     `gorm:"column:priority;not null" json:"priority"`
	AssigneeID  *string    `gorm:"column:assignee_id;type:varchar(36)" json:"assignee_id"`
	ReporterID  *string    `gorm:"column:reporter_id;type:varchar(36)" json:"reporter_id"`
	DependsOn   StringList `gorm:"column:depends_on;type:text" json:"depends_on"`
	CreatedBy   string     `gorm:"column:created_by;type:varchar(36);not null" json:"created_by"`
	DueAt       *time.Time `gorm:"column:due_at" json:"due_at"`
	CreatedAt   time.Time  `gorm:"column:created_at" json:"created_at"`
}

// TableName returns the hosted table name.
func (Task) TableName() string { return "tasks" }

// Vulnerability is a security finding.
type Vulnerability struct {
	ID           string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Title        string    `gorm:"column:title;not null" json:"title"`
	Description  string    `gorm:"column:description" json:"description"`
	Severity     string    `gorm:"column:severity;not null" json:"severity"`
	Status       string    `gorm:"column:status;not null" json:"status"`
	CVE          string    `gorm:"column:cve" json:"cve"`
	Component    string    `gorm:"column:component" json:"component"`
	CVSS         float64   `gorm:"column:cvss" json:"cvss"`
	ReportedBy   *string   `gorm:"column:reported_by;type:varchar(36)" json:"reported_by"`
	AssignedTo   *string   `gorm:"column:assigned_to;type:varchar(36)" json:"assigned_to"`
	CreatedBy    string    `gorm:"column:created_by;type:varchar(36);not null" json:"created_by"`
	DiscoveredAt time.Time `gorm:"column:discovered_at" json:"discovered_at"`
}

// TableName returns the hosted table name.
func (Vulnerability) TableName() string { return "vulnerabilities" }

// AuditLog is an immutable action record.
type AuditLog struct {
	ID          string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	ActorID     *string   `gorm:"column:actor_id;type:varchar(36)" json:"actor_id"`
	Action      string    `gorm:"column:action;not null" json:"action"`
	TargetKind  string    `gorm:"column:target_kind" json:"target_kind"`
	TargetLabel string    `gorm:"column:target_label" json:"target_label"`
	Detail      string    `gorm:"column:detail" json:"detail"`
	CreatedBy   string    `gorm:"column:created_by;type:varchar(36);not null" json:"created_by"`
	RecordedAt  time.Time `gorm:"column:recorded_at" json:"recorded_at"`
}

// TableName returns the hosted table name.
func (AuditLog) TableName() string { return "audit_logs" }

// Deployment is a deployment history record.
type Deployment struct {
	ID          string     `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Service     string     `gorm:"column:service;not null" json:"service"`
	Version     string     `gorm:"column:version" json:"version"`
	Environment string     `gorm:"column:environment;not null" json:"environment"`
	Status      string     `gorm:"column:status;not null" json:"status"`
	DeployedBy  *string    `gorm:"column:deployed_by;type:varchar(36)" json:"deployed_by"`
	TaskIDs     StringList `gorm:"column:task_ids;type:text" json:"task_ids"`
	CreatedBy   string     `gorm:"column:created_by;type:varchar(36);not null" json:"created_by"`
	StartedAt   time.Time  `gorm:"column:started_at" json:"started_at"`
	FinishedAt  *time.Time `gorm:"column:finished_at" json:"finished_at"`
}

// TableName returns the hosted table name.
func (Deployment) TableName() string { return "deployments" }

// SystemSnapshot is a captured environment state record.
type SystemSnapshot struct {
	ID           string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Label        string    `gorm:"column:label;not null" json:"label"`
	Environment  string    `gorm:"column:environment;not null" json:"environment"`
	DeploymentID *string   `gorm:"column:deployment_id;type:varchar(36)" json:"deployment_id"`
	TakenBy      *string   `gorm:"column:taken_by;type:varchar(36)" json:"taken_by"`
	Checksum     string    `gorm:"column:checksum" json:"checksum"`
	SizeBytes    int64     `gorm:"column:size_bytes" json:"size_bytes"`
	CreatedBy    string    `gorm:"column:created_by;type:varchar(36);not null" json:"created_by"`
	TakenAt      time.Time `gorm:"column:taken_at" json:"taken_at"`
}

// TableName returns the hosted table name.
func (SystemSnapshot) TableName() string { return "system_snapshots" }

// ChangeRequest is a change management record.
type ChangeRequest struct {
	ID              string     `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Title           string     `gorm:"column:title;not null" json:"title"`
	Summary         string     `gorm:"column:summary" json:"summary"`
	Status          string     `gorm:"column:status;not null" json:"status"`
	Confidentiality string     `gorm:"column:confidentiality;not null" json:"confidentiality"`
	RequestedBy     *string    `gorm:"column:requested_by;type:varchar(36)" json:"requested_by"`
	AssigneeID      *string    `gorm:"column:assignee_id;type:varchar(36)" json:"assignee_id"`
	AuthorizedIDs   StringList `gorm:"column:authorized_ids;type:text" json:"authorized_ids"`
	TaskIDs         StringList `gorm:"column:task_ids;type:text" json:"task_ids"`
	CreatedBy       string     `gorm:"column:created_by;type:varchar(36);not null" json:"created_by"`
	ScheduledFor    *time.Time `gorm:"column:scheduled_for" json:"scheduled_for"`
	CreatedAt       time.Time  `gorm:"column:created_at" json:"created_at"`
}

// TableName returns the hosted table name.
func (ChangeRequest) TableName() string { return "change_requests" }

// TableOrder is the import order. Tables appear after every table they
// reference, so batches can be inserted without deferring constraints.
// Deletion walks this list in reverse.
var TableOrder = []string{
	"users",
	"team_members",
	"tasks",
	"vulnerabilities",
	"audit_logs",
	"deployments",
	"system_snapshots",
	"change_requests",
}
