// Package driver defines the hypervisor capability consumed by the compute
// manager and ships an in-process simulator of it.
package driver

import (
	"context"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
)

// CheckpointFunc persists a task state reached mid-operation. expected
// lists the task states the instance must currently be in; when empty the
// default bound by the caller applies. The refreshed instance is returned.
type CheckpointFunc func(ctx context.Context, state models.TaskState, expected ...models.TaskState) (*models.Instance, error)

// Driver performs long-running VM operations. Each operation may call the
// checkpoint function any number of times before returning.
type Driver interface {
	CaptureBase(ctx context.Context, inst *models.Instance, req models.BaseCapture, checkpoint CheckpointFunc) error
	CaptureOverlay(ctx context.Context, inst *models.Instance, req models.OverlayCapture, checkpoint CheckpointFunc) error
	Handoff(ctx context.Context, inst *models.Instance, req models.Handoff, checkpoint CheckpointFunc) error
	// Destroy releases the compute resources held by the instance.
	Destroy(ctx context.Context, inst *models.Instance, bdms []models.BlockDeviceMapping) error
}
