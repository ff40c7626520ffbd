package migration

import "fmt"

// Kind names a legacy entity namespace inside the identifier mapping.
// Legacy primary keys are only unique per table, so every mapping entry
// is scoped by kind.
type Kind string

// The eight migrated entity kinds.
const (
	KindAccount     Kind = "account"
	KindRosterEntry Kind = "roster_entry"
	KindWorkItem    Kind = "work_item"
	KindFinding     Kind = "finding"
	KindAuditEntry  Kind = "audit_entry"
	KindDeployment  Kind = "deployment"
	KindSnapshot    Kind = "state_snapshot"
	KindChangeSpec  Kind = "change_spec"
)

// IDMap is the run-scoped identifier mapping from legacy integer ids to
// destination uuids. It is append-only: once a source id is assigned a
// destination id, the pair is immutable for the rest of the run. The map
// is populated and read by a single goroutine, so it is unsynchronized.
type IDMap struct {
	entries map[Kind]map[int64]string
	total   int
}

// NewIDMap returns an empty mapping.
func NewIDMap() *IDMap {
	return &IDMap{entries: make(map[Kind]map[int64]string)}
}

// Assign records the destination id for a source row. Reassigning an
// already mapped source id is an error; the caller is expected to treat
// it as fatal since it means two rows claimed the same legacy key.
func (m *IDMap) Assign(kind Kind, sourceID int64, destID string) error {
	byID, ok := m.entries[kind]
	if !ok {
		byID = make(map[int64]string)
		m.entries[kind] = byID
	}
	if existing, ok := byID[sourceID]; ok {
		return fmt.Errorf("%s %d already mapped to %s", kind, sourceID, existing)
	}
	byID[sourceID] = destID
	m.total++
	return nil
}

// Resolve returns the destination id for a source row and fails with a
// typed UnmappedError when no assignment exists. Use it for references
// that must resolve; use Lookup where the caller drops missing links.
func (m *IDMap) Resolve(kind Kind, sourceID int64) (string, error) {
	if destID, ok := m.entries[kind][sourceID]; ok {
		return destID, nil
	}
	return "", &UnmappedError{Kind: kind, SourceID: sourceID}
}

// Lookup is the non-failing probe.
func (m *IDMap) Lookup(kind Kind, sourceID int64) (string, bool) {
	destID, ok := m.entries[kind][sourceID]
	return destID, ok
}

// Len returns the total number of assignments across all kinds.
func (m *IDMap) Len() int {
	return m.total
}

// LenByKind returns per-kind assignment counts for reporting.
func (m *IDMap) LenByKind() map[Kind]int {
	counts := make(map[Kind]int, len(m.entries))
	for kind, byID := range m.entries {
		counts[kind] = len(byID)
	}
	return counts
}
