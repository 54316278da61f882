// Package tasks persists the task state of instances with in-flight
// operations. Every write is guarded by the task state the writer expects
// to replace, so out-of-order or stale writes fail instead of overwriting.
package tasks

import (
	"context"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/driver"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/logging"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/metrics"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/storage"
	"go.uber.org/zap"
)

type Tracker struct {
	store   storage.Store
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewTracker(store storage.Store, log *zap.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{store: store, log: log, metrics: m}
}

// Checkpoint moves inst to state if its persisted task state is one of
// expected. On mismatch it returns a storage.TaskStateConflictError and
// leaves the record untouched. It never retries.
func (t *Tracker) Checkpoint(ctx context.Context, inst *models.Instance, state models.TaskState, expected ...models.TaskState) (*models.Instance, error) {
	if expected == nil {
		expected = []models.TaskState{}
	}
	updated, err := t.store.UpdateInstance(ctx, inst.ID, storage.TaskUpdate(state, expected...))
	switch {
	case err == nil:
		t.metrics.Checkpoint("accepted")
		t.log.Debug("task state checkpoint", logging.Instance(inst.ID),
			zap.Stringer("task_state", state), zap.Int64("version", updated.Version))
		return updated, nil
	case storage.IsStateConflict(err):
		t.metrics.Checkpoint("conflict")
		t.log.Warn("task state checkpoint rejected", logging.Instance(inst.ID), zap.Error(err))
	default:
		t.metrics.Checkpoint("error")
	}
	return nil, err
}

// Bind returns the checkpoint callback handed to the driver for one
// operation. It captures only the instance id and the prior state assumed
// when the driver passes none.
func (t *Tracker) Bind(instanceID string, defaultExpected models.TaskState) driver.CheckpointFunc {
	return func(ctx context.Context, state models.TaskState, expected ...models.TaskState) (*models.Instance, error) {
		if len(expected) == 0 {
			expected = []models.TaskState{defaultExpected}
		}
		return t.Checkpoint(ctx, &models.Instance{ID: instanceID}, state, expected...)
	}
}

// inFlight are the task states a capture or hand-off leaves behind when it
// stops part way.
var inFlight = []models.TaskState{
	models.TaskImageSnapshot,
	models.TaskImagePendingUpload,
	models.TaskImageUploading,
}

// Revert restores a task state recorded before an operation started. It
// only overwrites prior itself or a capture state; an instance that has
// moved on (teardown cleared the task or left it deleting) or is gone is
// left as is.
func (t *Tracker) Revert(ctx context.Context, instanceID string, prior models.TaskState) error {
	expected := append([]models.TaskState{prior}, inFlight...)
	_, err := t.store.UpdateInstance(ctx, instanceID, storage.TaskUpdate(prior, expected...))
	switch {
	case storage.IsNotFound(err):
		return nil
	case storage.IsStateConflict(err):
		t.log.Debug("task state moved on, not reverting", logging.Instance(instanceID), zap.Error(err))
		return nil
	}
	return err
}
