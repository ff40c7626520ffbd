package source

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Int64List is a custom GORM type for []int64 stored as JSON. Legacy list
// columns (task dependencies, linked work items, authorized accounts) use
// this encoding.
type Int64List []int64

// Scan implements the sql.Scanner interface for Int64List.
func (l *Int64List) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for Int64List: %T", value)
	}
	if len(bytes) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface for Int64List.
func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Account is a login account in the legacy workspace database.
type Account struct {
	ID        int64     `gorm:"primaryKey;column:id"`
	Email     string    `gorm:"column:email"`
	FullName  string    `gorm:"column:full_name"`
	Role      string    `gorm:"column:role"`
	Active    bool      `gorm:"column:active"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName returns the legacy table name.
func (Account) TableName() string { return "accounts" }

// RosterEntry is a team directory entry. Legacy rosters predate login
// accounts, so an entry may carry inline identity fields instead of an
// account link.
type RosterEntry struct {
	ID          int64     `gorm:"primaryKey;column:id"`
	AccountID   *int64    `gorm:"column:account_id"`
	DisplayName string    `gorm:"column:display_name"`
	Email       string    `gorm:"column:email"`
	Squad       string    `gorm:"column:squad"`
	TeamRole    string    `gorm:"column:team_role"`
	JoinedAt    time.Time `gorm:"column:joined_at"`
}

// TableName returns the legacy table name.
func (RosterEntry) TableName() string { return "roster" }

// WorkItem is a tracked unit of work.
type WorkItem struct {
	ID         int64      `gorm:"primaryKey;column:id"`
	Title      string     `gorm:"column:title"`
	Detail     string     `gorm:"column:detail"`
	Status     string     `gorm:"column:status"`
	Priority   string     `gorm:"column:priority"`
	AssigneeID *int64     `gorm:"column:assignee_id"`
	ReporterID *int64     `gorm:"column:reporter_id"`
	DependsOn  Int64List  `gorm:"column:depends_on;type:text"`
	DueAt      *time.Time `gorm:"column:due_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
}

// TableName returns the legacy table name.
func (WorkItem) TableName() string { return "work_items" }

// Finding is a recorded security finding.
type Finding struct {
	ID           int64     `gorm:"primaryKey;column:id"`
	Title        string    `gorm:"column:title"`
	Detail       string    `gorm:"column:detail"`
	Severity     string    `gorm:"column:severity"`
	Status       string    `gorm:"column:status"`
	CVE          string    `gorm:"column:cve"`
	Component    string    `gorm:"column:component"`
	CVSS         float64   `gorm:"column:cvss"`
	ReportedBy   *int64    `gorm:"column:reported_by"`
	AssignedTo   *int64    `gorm:"column:assigned_to"`
	DiscoveredAt time.Time `gorm:"column:discovered_at"`
}

// TableName returns the legacy table name.
func (Finding) TableName() string { return "findings" }

// AuditEntry is an immutable action log row.
type AuditEntry struct {
	ID          int64     `gorm:"primaryKey;column:id"`
	ActorID     *int64    `gorm:"column:actor_id"`
	Action      string    `gorm:"column:action"`
	TargetKind  string    `gorm:"column:target_kind"`
	TargetLabel string    `gorm:"column:target_label"`
	Detail      string    `gorm:"column:detail"`
	RecordedAt  time.Time `gorm:"column:recorded_at"`
}

// TableName returns the legacy table name.
func (AuditEntry) TableName() string { return "audit_trail" }

// Deployment is a historical deployment record.
type Deployment struct {
	ID          int64      `gorm:"primaryKey;column:id"`
	Service     string     `gorm:"column:service"`
	Version     string     `gorm:"column:version"`
	Environment string     `gorm:"column:environment"`
	Status      string     `gorm:"column:status"`
	DeployedBy  *int64     `gorm:"column:deployed_by"`
	WorkItemIDs Int64List  `gorm:"column:work_item_ids;type:text"`
	StartedAt   time.Time  `gorm:"column:started_at"`
	FinishedAt  *time.Time `gorm:"column:finished_at"`
}

// TableName returns the legacy table name.
func (Deployment) TableName() string { return "deploy_history" }

// StateSnapshot is a captured environment state record.
type StateSnapshot struct {
	ID           int64     `gorm:"primaryKey;column:id"`
	Label        string    `gorm:"column:label"`
	Environment  string    `gorm:"column:environment"`
	DeploymentID *int64    `gorm:"column:deployment_id"`
	TakenBy      *int64    `gorm:"column:taken_by"`
	Checksum     string    `gorm:"column:checksum"`
	SizeBytes    int64     `gorm:"column:size_bytes"`
	TakenAt      time.Time `gorm:"column:taken_at"`
}

// TableName returns the legacy table name.
func (StateSnapshot) TableName() string { return "state_snapshots" }

// ChangeSpec is a change request specification.
type ChangeSpec struct {
	ID              int64      `gorm:"primaryKey;column:id"`
	Title           string     `gorm:"column:title"`
	Summary         string     `gorm:"column:summary"`
	Status          string     `gorm:"column:status"`
	Confidentiality string     `gorm:"column:confidentiality"`
	RequestedBy     *int64     `gorm:"column:requested_by"`
	AssigneeID      *int64     `gorm:"column:assignee_id"`
	AuthorizedIDs   Int64List  `gorm:"column:authorized_ids;type:text"`
	WorkItemIDs     Int64List  `gorm:"column:work_item_ids;type:text"`
	ScheduledFor    *time.Time `gorm:"column:scheduled_for"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
}

// TableName returns the legacy table name.
func (ChangeSpec) TableName() string { return "change_specs" }
