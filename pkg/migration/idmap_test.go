package migration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDMapAssignAndLookup(t *testing.T) {
	m := NewIDMap()
	require.NoError(t, m.Assign(KindAccount, 1, "uuid-a"))
	require.NoError(t, m.Assign(KindAccount, 2, "uuid-b"))
	require.NoError(t, m.Assign(KindWorkItem, 1, "uuid-c"))

	got, ok := m.Lookup(KindAccount, 1)
	assert.True(t, ok)
	assert.Equal(t, "uuid-a", got)

	// Same numeric id under a different kind is a distinct entry.
	got, ok = m.Lookup(KindWorkItem, 1)
	assert.True(t, ok)
	assert.Equal(t, "uuid-c", got)

	_, ok = m.Lookup(KindFinding, 1)
	assert.False(t, ok)

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, map[Kind]int{KindAccount: 2, KindWorkItem: 1}, m.LenByKind())
}

func TestIDMapRejectsReassignment(t *testing.T) {
	m := NewIDMap()
	require.NoError(t, m.Assign(KindDeployment, 40, "uuid-a"))

	err := m.Assign(KindDeployment, 40, "uuid-b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already mapped")

	// The original assignment survives the rejected one.
	got, ok := m.Lookup(KindDeployment, 40)
	require.True(t, ok)
	assert.Equal(t, "uuid-a", got)
	assert.Equal(t, 1, m.Len())
}

func TestIDMapResolve(t *testing.T) {
	m := NewIDMap()
	require.NoError(t, m.Assign(KindChangeSpec, 60, "uuid-a"))

	got, err := m.Resolve(KindChangeSpec, 60)
	require.NoError(t, err)
	assert.Equal(t, "uuid-a", got)

	_, err = m.Resolve(KindChangeSpec, 61)
	var unmapped *UnmappedError
	require.ErrorAs(t, err, &unmapped)
	assert.Equal(t, KindChangeSpec, unmapped.Kind)
	assert.Equal(t, int64(61), unmapped.SourceID)
}

func TestIDMapEmpty(t *testing.T) {
	m := NewIDMap()
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.LenByKind())
	_, ok := m.Lookup(KindAccount, 1)
	assert.False(t, ok)
	_, err := m.Resolve(KindAccount, 1)
	assert.True(t, errors.As(err, new(*UnmappedError)))
}
