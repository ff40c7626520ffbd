// Package destination writes migrated records to the hosted service
// database. The store speaks plain GORM against PostgreSQL, MySQL or
// SQLite; access control is the hosted service's problem, so queries run
// with whatever privileges the supplied credentials carry.
package destination

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// insertBatchSize bounds the number of rows per INSERT statement.
const insertBatchSize = 500

// Store provides write and verification access to the hosted database.
type Store struct {
	db *gorm.DB
}

// New wraps an already opened gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates any missing tables, columns and indexes. It only
// adds schema elements and never drops data, so it is safe to run before
// every migration.
func (s *Store) EnsureSchema(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&User{}, &TeamMember{}, &Task{}, &Vulnerability{},
		&AuditLog{}, &Deployment{}, &SystemSnapshot{}, &ChangeRequest{},
	)
	if err != nil {
		return fmt.Errorf("ensure destination schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// InsertUsers writes users in batches.
func (s *Store) InsertUsers(ctx context.Context, rows []User) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert users: %w", err)
	}
	return nil
}

// InsertTeamMembers writes team members in batches.
func (s *Store) InsertTeamMembers(ctx context.Context, rows []TeamMember) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert team_members: %w", err)
	}
	return nil
}

// InsertTasks writes tasks in batches.
func (s *Store) InsertTasks(ctx context.Context, rows []Task) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert tasks: %w", err)
	}
	return nil
}

// InsertVulnerabilities writes vulnerabilities in batches.
func (s *Store) InsertVulnerabilities(ctx context.Context, rows []Vulnerability) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert vulnerabilities: %w", err)
	}
	return nil
}

// InsertAuditLogs writes audit logs in batches.
func (s *Store) InsertAuditLogs(ctx context.Context, rows []AuditLog) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert audit_logs: %w", err)
	}
	return nil
}

// InsertDeployments writes deployments in batches.
func (s *Store) InsertDeployments(ctx context.Context, rows []Deployment) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert deployments: %w", err)
	}
	return nil
}

// InsertSystemSnapshots writes system snapshots in batches.
func (s *Store) InsertSystemSnapshots(ctx context.Context, rows []SystemSnapshot) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert system_snapshots: %w", err)
	}
	return nil
}

// InsertChangeRequests writes change requests in batches.
func (s *Store) InsertChangeRequests(ctx context.Context, rows []ChangeRequest) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert change_requests: %w", err)
	}
	return nil
}

// Users returns all users ordered by id.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	var rows []User
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	return rows, nil
}

// TeamMembers returns all team members ordered by id.
func (s *Store) TeamMembers(ctx context.Context) ([]TeamMember, error) {
	var rows []TeamMember
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read team_members: %w", err)
	}
	return rows, nil
}

// Tasks returns all tasks ordered by id.
func (s *Store) Tasks(ctx context.Context) ([]Task, error) {
	var rows []Task
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	return rows, nil
}

// Vulnerabilities returns all vulnerabilities ordered by id.
func (s *Store) Vulnerabilities(ctx context.Context) ([]Vulnerability, error) {
	var rows []Vulnerability
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read vulnerabilities: %w", err)
	}
	return rows, nil
}

// AuditLogs returns all audit logs ordered by id.
func (s *Store) AuditLogs(ctx context.Context) ([]AuditLog, error) {
	var rows []AuditLog
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read audit_logs: %w", err)
	}
	return rows, nil
}

// Deployments returns all deployments ordered by id.
func (s *Store) Deployments(ctx context.Context) ([]Deployment, error) {
	var rows []Deployment
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read deployments: %w", err)
	}
	return rows, nil
}

// SystemSnapshots returns all system snapshots ordered by id.
func (s *Store) SystemSnapshots(ctx context.Context) ([]SystemSnapshot, error) {
	var rows []SystemSnapshot
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read system_snapshots: %w", err)
	}
	return rows, nil
}

// ChangeRequests returns all change requests ordered by id.
func (s *Store) ChangeRequests(ctx context.Context) ([]ChangeRequest, error) {
	var rows []ChangeRequest
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read change_requests: %w", err)
	}
	return rows, nil
}

// UsersByIDs returns the users matching ids. Missing ids are simply
// absent from the result.
func (s *Store) UsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	var rows []User
	if len(ids) == 0 {
		return rows, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read users by id: %w", err)
	}
	return rows, nil
}

// TeamMembersByIDs returns the team members matching ids.
func (s *Store) TeamMembersByIDs(ctx context.Context, ids []string) ([]TeamMember, error) {
	var rows []TeamMember
	if len(ids) == 0 {
		return rows, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read team_members by id: %w", err)
	}
	return rows, nil
}

// TasksByIDs returns the tasks matching ids.
func (s *Store) TasksByIDs(ctx context.Context, ids []string) ([]Task, error) {
	var rows []Task
	if len(ids) == 0 {
		return rows, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read tasks by id: %w", err)
	}
	return rows, nil
}

// VulnerabilitiesByIDs returns the vulnerabilities matching ids.
func (s *Store) VulnerabilitiesByIDs(ctx context.Context, ids []string) ([]Vulnerability, error) {
	var rows []Vulnerability
	if len(ids) == 0 {
		return rows, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read vulnerabilities by id: %w", err)
	}
	return rows, nil
}

// AuditLogsByIDs returns the audit logs matching ids.
func (s *Store) AuditLogsByIDs(ctx context.Context, ids []string) ([]AuditLog, error) {
	var rows []AuditLog
	if len(ids) == 0 {
		return rows, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read audit_logs by id: %w", err)
	}
	return rows, nil
}

// DeploymentsByIDs returns the deployments matching ids.
func (s *Store) DeploymentsByIDs(ctx context.Context, ids []string) ([]Deployment, error) {
	var rows []Deployment
	if len(ids) == 0 {
		return rows, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read deployments by id: %w", err)
	}
	return rows, nil
}

// SystemSnapshotsByIDs returns the system snapshots matching ids.
func (s *Store) SystemSnapshotsByIDs(ctx context.Context, ids []string) ([]SystemSnapshot, error) {
	var rows []SystemSnapshot
	if len(ids) == 0 {
		return rows, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read system_snapshots by id: %w", err)
	}
	return rows, nil
}

// ChangeRequestsByIDs returns the change requests matching ids.
func (s *Store) ChangeRequestsByIDs(ctx context.Context, ids []string) ([]ChangeRequest, error) {
	var rows []ChangeRequest
	if len(ids) == 0 {
		return rows, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read change_requests by id: %w", err)
	}
	return rows, nil
}

// IDs returns every primary key of table, ordered. The verifier uses this
// for referential integrity scans without pulling whole rows.
func (s *Store) IDs(ctx context.Context, table string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Table(table).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("read %s ids: %w", table, err)
	}
	return ids, nil
}

// Counts returns the row count of every hosted table keyed by table name.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(TableOrder))
	for _, table := range TableOrder {
		var n int64
		if err := s.db.WithContext(ctx).Table(table).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// CountSystemUsers returns the number of users flagged is_system.
func (s *Store) CountSystemUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("is_system = ?", true).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count system users: %w", err)
	}
	return n, nil
}

// Purge deletes migrated rows from every table in reverse dependency
// order and returns per-table deleted counts. With keepSystemUsers set,
// users flagged is_system survive; everything else goes.
func (s *Store) Purge(ctx context.Context, keepSystemUsers bool) (map[string]int64, error) {
	deleted := make(map[string]int64, len(TableOrder))
	for i := len(TableOrder) - 1; i >= 0; i-- {
		table := TableOrder[i]
		var res *gorm.DB
		if table == "users" && keepSystemUsers {
			res = s.db.WithContext(ctx).Exec("DELETE FROM users WHERE is_system = ?", false)
		} else {
			res = s.db.WithContext(ctx).Exec("DELETE FROM " + table)
		}
		if res.Error != nil {
			return deleted, fmt.Errorf("purge %s: %w", table, res.Error)
		}
		deleted[table] = res.RowsAffected
	}
	return deleted, nil
}
