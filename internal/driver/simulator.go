package driver

import (
	"context"
	"sync"
	"time"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/logging"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Simulator is a Driver that walks instances through the capture task
// states with a fixed delay per step, without touching a hypervisor.
type Simulator struct {
	StepDelay time.Duration

	log *zap.Logger

	mu        sync.Mutex
	artifacts map[string]string // artifact id -> source instance id
	destroyed map[string]int
}

var _ Driver = (*Simulator)(nil)

func NewSimulator(stepDelay time.Duration, log *zap.Logger) *Simulator {
	return &Simulator{
		StepDelay: stepDelay,
		log:       log,
		artifacts: make(map[string]string),
		destroyed: make(map[string]int),
	}
}

func (s *Simulator) CaptureBase(ctx context.Context, inst *models.Instance, req models.BaseCapture, checkpoint CheckpointFunc) error {
	if err := s.capture(ctx, inst, checkpoint); err != nil {
		return err
	}
	s.record(inst.ID, req.DiskMetaID, req.MemoryMetaID, req.DiskHashMetaID, req.MemoryHashMetaID)
	s.log.Info("base image captured", logging.Instance(inst.ID), zap.String("vm_name", req.VMName))
	return nil
}

func (s *Simulator) CaptureOverlay(ctx context.Context, inst *models.Instance, req models.OverlayCapture, checkpoint CheckpointFunc) error {
	if err := s.capture(ctx, inst, checkpoint); err != nil {
		return err
	}
	s.record(inst.ID, req.OverlayID)
	s.log.Info("overlay captured", logging.Instance(inst.ID), zap.String("overlay", req.OverlayName))
	return nil
}

// Handoff leaves the source running, so the task state is cleared once the
// transfer completes.
func (s *Simulator) Handoff(ctx context.Context, inst *models.Instance, req models.Handoff, checkpoint CheckpointFunc) error {
	if err := s.capture(ctx, inst, checkpoint); err != nil {
		return err
	}
	if req.ResidueImageID != "" {
		s.record(inst.ID, req.ResidueImageID)
	}
	if _, err := checkpoint(ctx, models.TaskNone, models.TaskImageUploading); err != nil {
		return err
	}
	s.log.Info("handoff complete", logging.Instance(inst.ID),
		zap.String("type", string(req.Type)), zap.String("dest", req.DestVMName))
	return nil
}

func (s *Simulator) Destroy(ctx context.Context, inst *models.Instance, bdms []models.BlockDeviceMapping) error {
	s.mu.Lock()
	s.destroyed[inst.ID]++
	s.mu.Unlock()
	s.log.Debug("instance destroyed", logging.Instance(inst.ID), zap.Int("bdms", len(bdms)))
	return nil
}

// Artifact returns the instance an artifact was captured from.
func (s *Simulator) Artifact(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.artifacts[id]
	return src, ok
}

// Destroyed reports how many times Destroy ran for an instance.
func (s *Simulator) Destroyed(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed[id]
}

// capture emits snapshot -> pending upload -> uploading.
func (s *Simulator) capture(ctx context.Context, inst *models.Instance, checkpoint CheckpointFunc) error {
	if _, err := checkpoint(ctx, models.TaskImageSnapshot, inst.TaskState); err != nil {
		return errors.Wrap(err, "start snapshot")
	}
	if err := s.step(ctx); err != nil {
		return err
	}
	if _, err := checkpoint(ctx, models.TaskImagePendingUpload); err != nil {
		return errors.Wrap(err, "pending upload")
	}
	if err := s.step(ctx); err != nil {
		return err
	}
	if _, err := checkpoint(ctx, models.TaskImageUploading, models.TaskImagePendingUpload); err != nil {
		return errors.Wrap(err, "uploading")
	}
	return s.step(ctx)
}

func (s *Simulator) step(ctx context.Context) error {
	if s.StepDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) record(instanceID string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.artifacts[id] = instanceID
	}
}
