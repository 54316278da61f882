package tasks

import (
	"context"
	"sync"
	"testing"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/metrics"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T, task models.TaskState) (*Tracker, *storage.BadgerStore, *metrics.Metrics) {
	t.Helper()
	store, err := storage.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SaveInstance(context.Background(), &models.Instance{
		ID: "i1", VMState: models.VMActive, TaskState: task,
	}))
	m := metrics.New(nil)
	return NewTracker(store, zap.NewNop(), m), store, m
}

func TestCheckpointAccepted(t *testing.T) {
	tr, _, m := setup(t, models.TaskNone)

	inst, err := tr.Checkpoint(context.Background(), &models.Instance{ID: "i1"}, models.TaskImageSnapshot, models.TaskNone)
	require.NoError(t, err)
	assert.Equal(t, models.TaskImageSnapshot, inst.TaskState)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkpoints.WithLabelValues("accepted")))
}

func TestCheckpointConflictLeavesStateUnchanged(t *testing.T) {
	tr, store, m := setup(t, models.TaskImageSnapshot)
	ctx := context.Background()

	_, err := tr.Checkpoint(ctx, &models.Instance{ID: "i1"}, models.TaskImageSnapshot, "WRONG_PRIOR")
	require.Error(t, err)
	assert.True(t, storage.IsStateConflict(err))

	inst, err := store.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskImageSnapshot, inst.TaskState)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkpoints.WithLabelValues("conflict")))
}

func TestCheckpointWithoutExpectedAlwaysConflicts(t *testing.T) {
	tr, _, _ := setup(t, models.TaskNone)

	_, err := tr.Checkpoint(context.Background(), &models.Instance{ID: "i1"}, models.TaskImageSnapshot)
	assert.True(t, storage.IsStateConflict(err))
}

func TestBindDefaultsExpectedState(t *testing.T) {
	tr, _, _ := setup(t, models.TaskImageSnapshot)
	cp := tr.Bind("i1", models.TaskImageSnapshot)
	ctx := context.Background()

	inst, err := cp(ctx, models.TaskImagePendingUpload)
	require.NoError(t, err)
	assert.Equal(t, models.TaskImagePendingUpload, inst.TaskState)

	_, err = cp(ctx, models.TaskImageUploading)
	assert.True(t, storage.IsStateConflict(err))

	inst, err = cp(ctx, models.TaskImageUploading, models.TaskImagePendingUpload)
	require.NoError(t, err)
	assert.Equal(t, models.TaskImageUploading, inst.TaskState)
}

func TestConcurrentCheckpointsRejectStaleWrites(t *testing.T) {
	tr, _, m := setup(t, models.TaskNone)
	cp := tr.Bind("i1", models.TaskNone)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cp(context.Background(), models.TaskImageSnapshot)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkpoints.WithLabelValues("accepted")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Checkpoints.WithLabelValues("conflict")))
}

func TestRevert(t *testing.T) {
	tr, store, _ := setup(t, models.TaskImageUploading)
	ctx := context.Background()

	require.NoError(t, tr.Revert(ctx, "i1", models.TaskNone))
	inst, err := store.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskNone, inst.TaskState)

	assert.NoError(t, tr.Revert(ctx, "missing", models.TaskNone))
}

func TestRevertLeavesSettledStateAlone(t *testing.T) {
	tr, store, _ := setup(t, models.TaskImageSnapshot)
	ctx := context.Background()
	_, err := store.UpdateInstance(ctx, "i1", storage.ErrorStateUpdate())
	require.NoError(t, err)

	require.NoError(t, tr.Revert(ctx, "i1", models.TaskImageSnapshot))

	inst, err := store.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.VMError, inst.VMState)
	assert.Equal(t, models.TaskNone, inst.TaskState)
}
