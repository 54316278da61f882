package storage

import (
	"context"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
)

// Store is the instance repository (kept minimal, allows swapping implementations).
type Store interface {
	SaveInstance(ctx context.Context, inst *models.Instance) error
	// GetInstance returns live instances only; soft-deleted records yield ErrNotFound.
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	GetInstanceReadDeleted(ctx context.Context, id string) (*models.Instance, error)
	ListInstances(ctx context.Context) ([]*models.Instance, error)
	UpdateInstance(ctx context.Context, id string, upd InstanceUpdate) (*models.Instance, error)
	// DestroyInstance soft-deletes the instance and, in the same
	// transaction, commits quotas when it is non-nil and pending.
	DestroyInstance(ctx context.Context, id string, quotas *models.QuotaReservation) (*models.Instance, error)

	SaveBlockDeviceMapping(ctx context.Context, bdm *models.BlockDeviceMapping) error
	ListBlockDeviceMappings(ctx context.Context, instanceID string) ([]models.BlockDeviceMapping, error)

	QuotasFromUsage(ctx context.Context, inst *models.Instance) (*models.QuotaReservation, error)
	RollbackQuotas(ctx context.Context, res *models.QuotaReservation) error
	GetQuotas(ctx context.Context, id string) (*models.QuotaReservation, error)

	AddInstanceFault(ctx context.Context, fault *models.InstanceFault) error
	GetInstanceFault(ctx context.Context, instanceID string) (*models.InstanceFault, error)

	Close() error
}

// InstanceUpdate lists the fields to change on an instance. A nil
// ExpectedTaskState skips the guard; a non-nil one requires the persisted
// task state to be one of its values (TaskNone included).
type InstanceUpdate struct {
	TaskState         *models.TaskState
	VMState           *models.VMState
	ExpectedTaskState []models.TaskState
}

// TaskUpdate sets the task state, guarded by expected when any are given.
func TaskUpdate(state models.TaskState, expected ...models.TaskState) InstanceUpdate {
	return InstanceUpdate{TaskState: &state, ExpectedTaskState: expected}
}

// ErrorStateUpdate moves an instance to the error vm state and clears its task.
func ErrorStateUpdate() InstanceUpdate {
	vm, task := models.VMError, models.TaskNone
	return InstanceUpdate{VMState: &vm, TaskState: &task}
}

func (u InstanceUpdate) guarded() bool {
	return u.ExpectedTaskState != nil
}

func (u InstanceUpdate) allows(current models.TaskState) bool {
	for _, s := range u.ExpectedTaskState {
		if s == current {
			return true
		}
	}
	return false
}
