package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhq/vigil-migrate/pkg/destination"
)

func TestValidateCleanDataset(t *testing.T) {
	src, db := newSourceStore(t)
	seedSource(t, db)
	tr := transformFixture(t, src)

	var ops []string
	err := NewValidator(nil).Validate(tr.Dataset, func(_ float64, op string) {
		ops = append(ops, op)
	})
	assert.NoError(t, err)
	assert.Len(t, ops, 8)
}

func TestValidateEmptyDataset(t *testing.T) {
	assert.NoError(t, NewValidator(nil).Validate(&Dataset{}, nil))
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	// One dataset, many problems. The validator must report all of
	// them in a single pass instead of stopping at the first.
	ds := &Dataset{
		Users: []destination.User{
			{ID: "u-1", Email: "not-an-email", DisplayName: "", Role: "superuser", CreatedAt: fixtureT0},
			{ID: "u-2", Email: "dup@vigil.dev", DisplayName: "First", Role: destination.RoleViewer, CreatedAt: fixtureT0},
			{ID: "u-3", Email: "dup@vigil.dev", DisplayName: "Second", Role: destination.RoleViewer, CreatedAt: fixtureT0},
		},
		Tasks: []destination.Task{
			{ID: "t-1", Title: "ab", Status: "someday", Priority: "p9",
				AssigneeID: ptr("missing-member"), CreatedBy: "u-2", CreatedAt: fixtureT0},
		},
		Vulnerabilities: []destination.Vulnerability{
			{ID: "v-1", Title: "Bad score", Severity: destination.SeverityLow, Status: destination.VulnStatusOpen,
				CVSS: 11.5, CVE: "CVE-bogus", CreatedBy: "u-2", DiscoveredAt: fixtureT0},
		},
	}

	err := NewValidator(nil).Validate(ds, nil)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	byField := map[string]int{}
	for _, v := range verr.Violations {
		byField[v.Table+"."+v.Field]++
	}
	// u-1: bad email, blank name, unknown role. u-3: duplicate email.
	assert.Equal(t, 2, byField["users.email"], "bad shape and duplicate both flagged")
	assert.Equal(t, 1, byField["users.display_name"])
	assert.Equal(t, 1, byField["users.role"])
	// t-1: short title, bad status, bad priority, dangling assignee.
	assert.Equal(t, 1, byField["tasks.title"])
	assert.Equal(t, 1, byField["tasks.status"])
	assert.Equal(t, 1, byField["tasks.priority"])
	assert.Equal(t, 1, byField["tasks.assignee_id"])
	// v-1: score out of range, malformed CVE.
	assert.Equal(t, 1, byField["vulnerabilities.cvss"])
	assert.Equal(t, 1, byField["vulnerabilities.cve"])

	assert.Len(t, verr.Violations, 10)
}

func TestValidateReferencesResolveWithinBatch(t *testing.T) {
	src, db := newSourceStore(t)
	seedSource(t, db)
	tr := transformFixture(t, src)

	// Point a deployment at a task id that exists nowhere in the batch.
	tr.Dataset.Deployments[0].TaskIDs = append(tr.Dataset.Deployments[0].TaskIDs, "stray-task")
	// And orphan a team member.
	tr.Dataset.TeamMembers[0].UserID = "stray-user"

	err := NewValidator(nil).Validate(tr.Dataset, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 2)

	fields := map[string]bool{}
	for _, v := range verr.Violations {
		fields[v.Table+"."+v.Field] = true
	}
	assert.True(t, fields["deployments.task_ids"])
	assert.True(t, fields["team_members.user_id"])
}

func TestValidateChecksumShape(t *testing.T) {
	src, db := newSourceStore(t)
	seedSource(t, db)
	tr := transformFixture(t, src)

	tr.Dataset.SystemSnapshots[0].Checksum = "not hex!"
	tr.Dataset.SystemSnapshots[0].SizeBytes = -1

	err := NewValidator(nil).Validate(tr.Dataset, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 2)
	assert.Equal(t, "checksum", verr.Violations[0].Field)
	assert.Equal(t, "size_bytes", verr.Violations[1].Field)
}

func TestValidationErrorMessage(t *testing.T) {
	single := &ValidationError{Violations: []Violation{
		{Table: "users", RecordID: "u-1", Field: "email", Message: "email \"x\" does not look like an address"},
	}}
	assert.Contains(t, single.Error(), "users/u-1 email")

	multi := &ValidationError{Violations: make([]Violation, 4)}
	assert.Equal(t, "validation failed with 4 violations", multi.Error())
}
