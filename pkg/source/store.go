// Package source reads the legacy embedded workspace database. The store
// is strictly read-only: migration never mutates the source, so a failed
// run can always be retried against the original data.
package source

import (
	"context"
	"fmt"
	"os"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides read access to the legacy database tables.
type Store struct {
	db *gorm.DB
}

// New wraps an already opened gorm handle. Callers that own the
// connection lifecycle (tests, embedders) use this instead of Open.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open opens the legacy SQLite database at path. The file must already
// exist; Open never creates an empty database, since migrating an empty
// accidental file would silently produce an empty destination.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("legacy database %s: %w", path, err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open legacy database %s: %w", path, err)
	}
	return &Store{db: db}, nil
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

// Accounts returns all login accounts ordered by id.
func (s *Store) Accounts(ctx context.Context) ([]Account, error) {
	var rows []Account
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	return rows, nil
}

// Roster returns all roster entries ordered by id.
func (s *Store) Roster(ctx context.Context) ([]RosterEntry, error) {
	var rows []RosterEntry
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return rows, nil
}

// WorkItems returns all work items ordered by id.
func (s *Store) WorkItems(ctx context.Context) ([]WorkItem, error) {
	var rows []WorkItem
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read work_items: %w", err)
	}
	return rows, nil
}

// Findings returns all findings ordered by id.
func (s *Store) Findings(ctx context.Context) ([]Finding, error) {
	var rows []Finding
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read findings: %w", err)
	}
	return rows, nil
}

// AuditTrail returns the audit trail ordered by id.
func (s *Store) AuditTrail(ctx context.Context) ([]AuditEntry, error) {
	var rows []AuditEntry
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read audit_trail: %w", err)
	}
	return rows, nil
}

// Deployments returns the deployment history ordered by id.
func (s *Store) Deployments(ctx context.Context) ([]Deployment, error) {
	var rows []Deployment
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read deploy_history: %w", err)
	}
	return rows, nil
}

// StateSnapshots returns all state snapshots ordered by id.
func (s *Store) StateSnapshots(ctx context.Context) ([]StateSnapshot, error) {
	var rows []StateSnapshot
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read state_snapshots: %w", err)
	}
	return rows, nil
}

// ChangeSpecs returns all change specifications ordered by id.
func (s *Store) ChangeSpecs(ctx context.Context) ([]ChangeSpec, error) {
	var rows []ChangeSpec
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read change_specs: %w", err)
	}
	return rows, nil
}

// Counts returns the row count of every legacy table keyed by table name.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, 8)
	for _, model := range []interface{ TableName() string }{
		Account{}, RosterEntry{}, WorkItem{}, Finding{},
		AuditEntry{}, Deployment{}, StateSnapshot{}, ChangeSpec{},
	} {
		var n int64
		if err := s.db.WithContext(ctx).Table(model.TableName()).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count %s: %w", model.TableName(), err)
		}
		counts[model.TableName()] = n
	}
	return counts, nil
}
