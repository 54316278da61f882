package compute

import (
	"context"
	"net/http"
	"time"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/logging"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/storage"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// operation is the body of a lifecycle operation on one instance.
type operation func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error

// middleware wraps an operation with a cross-cutting concern.
type middleware func(name string, next operation) operation

// chain applies mws around body; the first middleware is the outermost.
func chain(name string, body operation, mws ...middleware) operation {
	op := body
	for i := len(mws) - 1; i >= 0; i-- {
		op = mws[i](name, op)
	}
	return op
}

// lifecycle is the middleware stack shared by the capture and hand-off
// operations.
func (m *Manager) lifecycle() []middleware {
	return []middleware{
		m.withTracing,
		m.withMetrics,
		m.wrapException,
		m.withInstanceRefresh,
		m.revertsTaskState,
		m.wrapInstanceFault,
	}
}

func (m *Manager) withTracing(name string, next operation) operation {
	return func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		ctx, span := m.tracer.Start(ctx, "compute."+name)
		defer span.End()
		span.SetAttributes(
			attribute.String("instance.id", inst.ID),
			attribute.String("request.id", rc.RequestID),
		)
		err := next(ctx, rc, inst)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

func (m *Manager) withMetrics(name string, next operation) operation {
	return func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		start := time.Now()
		err := next(ctx, rc, inst)
		m.metrics.ObserveOperation(name, start, err)
		return err
	}
}

// wrapException annotates failures with the instance they belong to, logs
// them and emits a best-effort error notification.
func (m *Manager) wrapException(name string, next operation) operation {
	return func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		err := next(ctx, rc, inst)
		if err == nil {
			return nil
		}
		m.log.Error("operation failed", logging.Instance(inst.ID), zap.String("operation", name), zap.Error(err))
		m.notifier.Notify(ctx, rc, inst, name+".error")
		var ie *InstanceError
		if errors.As(err, &ie) && ie.InstanceID == inst.ID {
			return err
		}
		return &InstanceError{Op: name, InstanceID: inst.ID, Err: err}
	}
}

// withInstanceRefresh replaces the caller's handle with the persisted
// record, so operations never start from a stale task state. A vanished
// instance aborts the operation.
func (m *Manager) withInstanceRefresh(name string, next operation) operation {
	return func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		fresh, err := m.store.GetInstance(ctx, inst.ID)
		if err != nil {
			return err
		}
		return next(ctx, rc, fresh)
	}
}

// revertsTaskState restores the task state seen when the operation began.
// A state conflict means another actor owns the task now, so it is left
// alone.
func (m *Manager) revertsTaskState(name string, next operation) operation {
	return func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		prior := inst.TaskState
		err := next(ctx, rc, inst)
		if err == nil {
			return nil
		}
		if storage.IsStateConflict(err) {
			m.log.Info("task state preempted, not reverting", logging.Instance(inst.ID), zap.String("operation", name))
			return err
		}
		if rerr := m.tracker.Revert(ctx, inst.ID, prior); rerr != nil {
			m.log.Error("failed to revert task state", logging.Instance(inst.ID),
				zap.Stringer("task_state", prior), zap.Error(rerr))
		}
		return err
	}
}

// wrapInstanceFault records the failure against the instance.
func (m *Manager) wrapInstanceFault(name string, next operation) operation {
	return func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		err := next(ctx, rc, inst)
		if err == nil || storage.IsNotFound(err) {
			return err
		}
		code := http.StatusInternalServerError
		if storage.IsStateConflict(err) {
			code = http.StatusConflict
		}
		fault := &models.InstanceFault{
			InstanceID: inst.ID,
			Code:       code,
			Message:    name + ": " + err.Error(),
			CreatedAt:  time.Now().UTC(),
		}
		if ferr := m.store.AddInstanceFault(ctx, fault); ferr != nil {
			m.log.Warn("failed to record instance fault", logging.Instance(inst.ID), zap.Error(ferr))
		}
		return err
	}
}
