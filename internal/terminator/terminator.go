// Package terminator tears down instances. Teardown attempts for the same
// instance are serialized, a record that is already gone counts as
// success, and any other failure leaves the instance in the error state.
package terminator

import (
	"context"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/driver"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/logging"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/metrics"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/notify"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/storage"
	"go.uber.org/zap"
)

type Terminator struct {
	store    storage.Store
	driver   driver.Driver
	notifier notify.Notifier
	locks    *LockRegistry
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(store storage.Store, drv driver.Driver, n notify.Notifier, log *zap.Logger, m *metrics.Metrics) *Terminator {
	if n == nil {
		n = notify.Nop{}
	}
	return &Terminator{
		store:    store,
		driver:   drv,
		notifier: n,
		locks:    &LockRegistry{},
		log:      log,
		metrics:  m,
	}
}

// Locks exposes the per-instance lock registry.
func (t *Terminator) Locks() *LockRegistry {
	return t.locks
}

// Terminate deletes inst. It returns nil when the instance was deleted or
// was already gone. Any other failure is returned after the instance has
// been moved to the error state.
func (t *Terminator) Terminate(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
	log := t.log.With(logging.Instance(inst.ID))

	// Attachments may have changed while a capture was running.
	bdms, quotas, err := t.prepare(ctx, inst)

	unlock := t.locks.Lock(inst.ID)
	defer unlock()

	if err == nil {
		err = t.deleteInstance(ctx, rc, inst, bdms, quotas)
	}
	switch {
	case err == nil:
		t.metrics.Termination("deleted")
		return nil
	case storage.IsNotFound(err):
		log.Info("instance is already terminated")
		t.metrics.Termination("already_deleted")
		return nil
	}

	log.Error("setting instance vm_state to error", zap.Error(err), zap.Int("bdms", len(bdms)))
	t.metrics.Termination("error")
	if _, serr := t.store.UpdateInstance(ctx, inst.ID, storage.ErrorStateUpdate()); serr != nil {
		log.Error("failed to set instance error state", zap.Error(serr))
	}
	return err
}

func (t *Terminator) prepare(ctx context.Context, inst *models.Instance) ([]models.BlockDeviceMapping, *models.QuotaReservation, error) {
	bdms, err := t.store.ListBlockDeviceMappings(ctx, inst.ID)
	if err != nil {
		return nil, nil, err
	}
	quotas, err := t.store.QuotasFromUsage(ctx, inst)
	if err != nil {
		return nil, nil, err
	}
	return bdms, quotas, nil
}

// deleteInstance releases the instance. Its quota reservation is committed
// together with the record deletion, or rolled back on any failure.
func (t *Terminator) deleteInstance(ctx context.Context, rc models.RequestContext, inst *models.Instance,
	bdms []models.BlockDeviceMapping, quotas *models.QuotaReservation) (err error) {
	defer func() {
		if err == nil || quotas.Resolved() {
			return
		}
		if rerr := t.store.RollbackQuotas(ctx, quotas); rerr != nil {
			t.log.Warn("quota rollback failed", logging.Instance(inst.ID), zap.Error(rerr))
		}
	}()

	current, err := t.store.UpdateInstance(ctx, inst.ID, storage.TaskUpdate(models.TaskDeleting))
	if err != nil {
		return err
	}
	t.notifier.Notify(ctx, rc, current, "delete.start")

	if err := t.driver.Destroy(ctx, current, bdms); err != nil {
		return err
	}
	deleted, err := t.store.DestroyInstance(ctx, inst.ID, quotas)
	if err != nil {
		return err
	}
	t.notifier.Notify(ctx, rc, deleted, "delete.end")
	return nil
}
