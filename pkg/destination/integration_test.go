package destination

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// These tests need a container runtime, so they are opt-in. Set
// VIGIL_MIGRATE_TEST_POSTGRES=1 or VIGIL_MIGRATE_TEST_MYSQL=1 to run them.

func TestPostgresRoundTrip(t *testing.T) {
	if os.Getenv("VIGIL_MIGRATE_TEST_POSTGRES") == "" {
		t.Skip("set VIGIL_MIGRATE_TEST_POSTGRES=1 to run container-backed tests")
	}
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("vigil_migrate_test"),
		tcpostgres.WithUsername("vigil"),
		tcpostgres.WithPassword("vigil"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Connect(DriverPostgres, dsn)
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestMySQLRoundTrip(t *testing.T) {
	if os.Getenv("VIGIL_MIGRATE_TEST_MYSQL") == "" {
		t.Skip("set VIGIL_MIGRATE_TEST_MYSQL=1 to run container-backed tests")
	}
	ctx := context.Background()

	ctr, err := tcmysql.Run(ctx, "mysql:8.0",
		tcmysql.WithDatabase("vigil_migrate_test"),
		tcmysql.WithUsername("vigil"),
		tcmysql.WithPassword("vigil"),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "parseTime=true")
	require.NoError(t, err)

	store, err := Connect(DriverMySQL, dsn)
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

// exerciseStore runs the same schema, insert, count and purge cycle the
// migrator performs, against whichever backend the caller connected.
func exerciseStore(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.EnsureSchema(ctx))

	require.NoError(t, store.InsertUsers(ctx, []User{
		{ID: "u-1", Email: "a@corp.test", DisplayName: "Avi", Role: RoleAdmin, Active: true, CreatedAt: now},
		{ID: "u-sys", Email: "svc@corp.test", DisplayName: "Service", Role: RoleAdmin, IsSystem: true, CreatedAt: now},
	}))
	require.NoError(t, store.InsertTeamMembers(ctx, []TeamMember{
		{ID: "m-1", UserID: "u-1", Squad: "core", TeamRole: "lead", JoinedAt: now},
	}))
	require.NoError(t, store.InsertTasks(ctx, []Task{
		{ID: "t-1", Title: "Rotate keys", Status: TaskStatusOpen, Priority: PriorityHigh,
			DependsOn: StringList{"t-0"}, CreatedBy: "u-1", CreatedAt: now},
	}))

	tasks, err := store.TasksByIDs(ctx, []string{"t-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, StringList{"t-0"}, tasks[0].DependsOn)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["users"])
	assert.Equal(t, int64(1), counts["tasks"])

	deleted, err := store.Purge(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted["users"])

	systemUsers, err := store.CountSystemUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), systemUsers)
}
