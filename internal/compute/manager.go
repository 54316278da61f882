// Package compute sequences the checkpointed lifecycle operations run on
// an instance: base capture, overlay capture and hand-off.
package compute

import (
	"context"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/driver"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/logging"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/metrics"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/notify"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/storage"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/tasks"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	OpCreateBase    = "create_base"
	OpFinishOverlay = "finish_overlay"
	OpHandoff       = "handoff"
	OpTerminate     = "terminate"
)

// Terminator tears an instance down.
type Terminator interface {
	Terminate(ctx context.Context, rc models.RequestContext, inst *models.Instance) error
}

// Manager runs lifecycle operations. Operations block for the driver's
// full duration and are never retried here.
type Manager struct {
	store      storage.Store
	tracker    *tasks.Tracker
	driver     driver.Driver
	terminator Terminator
	notifier   notify.Notifier
	log        *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

func NewManager(store storage.Store, tracker *tasks.Tracker, drv driver.Driver, term Terminator,
	n notify.Notifier, log *zap.Logger, m *metrics.Metrics) *Manager {
	if n == nil {
		n = notify.Nop{}
	}
	return &Manager{
		store:      store,
		tracker:    tracker,
		driver:     drv,
		terminator: term,
		notifier:   n,
		log:        log,
		metrics:    m,
		tracer:     otel.Tracer("github.com/devghori1264/aerophoenix/cloudlet/internal/compute"),
	}
}

// CreateBase captures a base image from inst and then terminates it.
func (m *Manager) CreateBase(ctx context.Context, rc models.RequestContext, inst *models.Instance, req models.BaseCapture) error {
	rc = rc.Elevated()
	if err := req.Validate(); err != nil {
		return errors.Wrap(err, "invalid base capture")
	}
	return chain(OpCreateBase, func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		m.log.Info("generating cloudlet base", logging.Instance(inst.ID), zap.String("vm_name", req.VMName))
		m.notifier.Notify(ctx, rc, inst, "snapshot.start")

		checkpoint := m.tracker.Bind(inst.ID, models.TaskImageSnapshot)
		if err := m.driver.CaptureBase(ctx, inst, req, checkpoint); err != nil {
			return err
		}
		done, err := m.tracker.Checkpoint(ctx, inst, models.TaskNone, models.TaskImageUploading)
		if err != nil {
			return err
		}
		m.notifier.Notify(ctx, rc, done, "snapshot.end")
		return m.terminator.Terminate(ctx, rc, done)
	}, m.lifecycle()...)(ctx, rc, inst)
}

// FinishOverlay captures a VM overlay from inst and then terminates it.
func (m *Manager) FinishOverlay(ctx context.Context, rc models.RequestContext, inst *models.Instance, req models.OverlayCapture) error {
	rc = rc.Elevated()
	if err := req.Validate(); err != nil {
		return errors.Wrap(err, "invalid overlay capture")
	}
	return chain(OpFinishOverlay, func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		m.log.Info("generating vm overlay", logging.Instance(inst.ID), zap.String("overlay", req.OverlayName))

		checkpoint := m.tracker.Bind(inst.ID, models.TaskImageSnapshot)
		if err := m.driver.CaptureOverlay(ctx, inst, req, checkpoint); err != nil {
			return err
		}
		return m.terminator.Terminate(ctx, rc, inst)
	}, m.lifecycle()...)(ctx, rc, inst)
}

// Handoff transfers inst to the destination. The source is never
// terminated here, whether the hand-off succeeds or fails.
func (m *Manager) Handoff(ctx context.Context, rc models.RequestContext, inst *models.Instance, req models.Handoff) error {
	rc = rc.Elevated()
	if err := req.Validate(); err != nil {
		return errors.Wrap(err, "invalid handoff")
	}
	return chain(OpHandoff, func(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
		m.log.Info("performing vm handoff", logging.Instance(inst.ID),
			zap.String("type", string(req.Type)), zap.String("dest", req.DestVMName))

		checkpoint := m.tracker.Bind(inst.ID, models.TaskImageSnapshot)
		return m.driver.Handoff(ctx, inst, req, checkpoint)
	}, m.lifecycle()...)(ctx, rc, inst)
}

// TerminateInstance tears inst down on its own. An instance that is
// already gone is not an error.
func (m *Manager) TerminateInstance(ctx context.Context, rc models.RequestContext, inst *models.Instance) error {
	rc = rc.Elevated()
	return chain(OpTerminate, m.terminator.Terminate,
		m.withTracing, m.withMetrics, m.wrapException, m.wrapInstanceFault)(ctx, rc, inst)
}
