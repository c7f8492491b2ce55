package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/postgres"
	"github.com/deepnoodle-ai/flowgraph/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	containerOnce sync.Once
	container     *tcpostgres.PostgresContainer
	containerDSN  string
	containerErr  error
)

// databaseURL starts one postgres container for the package's tests.
func databaseURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres tests in short mode")
	}
	containerOnce.Do(func() {
		ctx := context.Background()
		ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("flowgraph"),
			tcpostgres.WithUsername("flowgraph"),
			tcpostgres.WithPassword("flowgraph"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			containerErr = err
			return
		}
		container = ctr
		containerDSN, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Skipf("postgres container unavailable: %v", containerErr)
	}
	return containerDSN
}

func openStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()
	store, err := postgres.Open(ctx, databaseURL(t), postgres.Options{})
	require.NoError(t, err)
	require.NoError(t, store.Truncate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStateStore(t *testing.T) {
	storetest.RunStateStoreTests(t, func(t *testing.T) flowgraph.StateStore {
		return openStore(t)
	})
}

func TestCheckpointStore(t *testing.T) {
	storetest.RunCheckpointStoreTests(t, func(t *testing.T) flowgraph.CheckpointStore {
		return openStore(t)
	})
}

func TestTablePrefix(t *testing.T) {
	ctx := context.Background()
	store, err := postgres.Open(ctx, databaseURL(t), postgres.Options{TablePrefix: "tenant_a_"})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Truncate(ctx))

	created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutState(ctx, storetest.NewState("exec_prefixed", flowgraph.ExecutionStatusRunning, created)))

	var count int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT count(*) FROM tenant_a_executions`).Scan(&count))
	assert.Equal(t, 1, count)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].CreatedAt.Equal(created))

	require.NoError(t, store.Delete(ctx, "exec_prefixed"))
	_, err = store.GetState(ctx, "exec_prefixed")
	assert.ErrorIs(t, err, flowgraph.ErrNotFound)
}

func TestMain(m *testing.M) {
	code := m.Run()
	if container != nil {
		_ = testcontainers.TerminateContainer(container)
	}
	os.Exit(code)
}
