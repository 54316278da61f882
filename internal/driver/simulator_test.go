package driver

import (
	"context"
	"testing"
	"time"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type step struct {
	state    models.TaskState
	expected []models.TaskState
}

func recorder(steps *[]step, failAt int) CheckpointFunc {
	return func(ctx context.Context, state models.TaskState, expected ...models.TaskState) (*models.Instance, error) {
		*steps = append(*steps, step{state, expected})
		if len(*steps) == failAt {
			return nil, errors.New("conflict")
		}
		return &models.Instance{TaskState: state}, nil
	}
}

func TestCaptureOverlaySteps(t *testing.T) {
	sim := NewSimulator(0, zap.NewNop())
	var steps []step
	inst := &models.Instance{ID: "i1"}

	err := sim.CaptureOverlay(context.Background(), inst, models.OverlayCapture{OverlayName: "ov", OverlayID: "ov1"}, recorder(&steps, 0))
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, step{models.TaskImageSnapshot, []models.TaskState{models.TaskNone}}, steps[0])
	assert.Equal(t, models.TaskImagePendingUpload, steps[1].state)
	assert.Empty(t, steps[1].expected)
	assert.Equal(t, models.TaskImageUploading, steps[2].state)

	src, ok := sim.Artifact("ov1")
	assert.True(t, ok)
	assert.Equal(t, "i1", src)
}

func TestHandoffClearsTaskState(t *testing.T) {
	sim := NewSimulator(0, zap.NewNop())
	var steps []step

	err := sim.Handoff(context.Background(), &models.Instance{ID: "i2"},
		models.Handoff{Type: models.HandoffNetwork, DestVMName: "dest", ResidueImageID: "res1"}, recorder(&steps, 0))
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, step{models.TaskNone, []models.TaskState{models.TaskImageUploading}}, steps[3])
	_, ok := sim.Artifact("res1")
	assert.True(t, ok)
}

func TestCheckpointFailureAborts(t *testing.T) {
	sim := NewSimulator(0, zap.NewNop())
	var steps []step

	err := sim.CaptureBase(context.Background(), &models.Instance{ID: "i3"}, models.BaseCapture{DiskMetaID: "d"}, recorder(&steps, 2))
	require.Error(t, err)
	assert.Len(t, steps, 2)
	_, ok := sim.Artifact("d")
	assert.False(t, ok)
}

func TestStepHonorsCancellation(t *testing.T) {
	sim := NewSimulator(time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var steps []step

	err := sim.CaptureOverlay(ctx, &models.Instance{ID: "i4"}, models.OverlayCapture{}, recorder(&steps, 0))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, steps, 1)
}

func TestDestroyCounts(t *testing.T) {
	sim := NewSimulator(0, zap.NewNop())
	require.NoError(t, sim.Destroy(context.Background(), &models.Instance{ID: "i5"}, nil))
	assert.Equal(t, 1, sim.Destroyed("i5"))
}
