package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhq/vigil-migrate/pkg/source"
)

func TestExportReadsEveryTable(t *testing.T) {
	src, db := newSourceStore(t)
	seedSource(t, db)

	var ops []string
	data, err := NewExporter(src, nil).Export(context.Background(), func(_ float64, op string) {
		ops = append(ops, op)
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{
		"accounts":        3,
		"roster":          3,
		"work_items":      3,
		"findings":        2,
		"audit_trail":     2,
		"deploy_history":  2,
		"state_snapshots": 1,
		"change_specs":    1,
	}, data.Counts())
	assert.Equal(t, int64(17), data.Total())
	assert.Len(t, ops, 8)
	assert.Equal(t, "exported accounts", ops[0])
	assert.Equal(t, "exported change_specs", ops[7])

	// Spot-check that list columns round-trip through the export.
	require.Len(t, data.WorkItems, 3)
	assert.Equal(t, source.Int64List{10, 999}, data.WorkItems[2].DependsOn)
	require.Len(t, data.ChangeSpecs, 1)
	assert.Equal(t, source.Int64List{1, 2}, data.ChangeSpecs[0].AuthorizedIDs)
}

func TestExportEmptySource(t *testing.T) {
	src, _ := newSourceStore(t)

	data, err := NewExporter(src, nil).Export(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), data.Total())
	assert.Empty(t, data.Accounts)
}

func TestExportFailsWhenTableUnreadable(t *testing.T) {
	src, db := newSourceStore(t)
	seedSource(t, db)
	require.NoError(t, db.Migrator().DropTable("findings"))

	data, err := NewExporter(src, nil).Export(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, data)

	var exportErr *ExportError
	require.ErrorAs(t, err, &exportErr)
	assert.Equal(t, "findings", exportErr.Table)
}
