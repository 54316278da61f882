package models

import (
	"github.com/pkg/errors"
)

// RequestContext identifies the caller of an operation.
type RequestContext struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	IsAdmin   bool   `json:"is_admin"`
}

// Elevated returns a copy of the context with administrative privileges.
func (rc RequestContext) Elevated() RequestContext {
	rc.IsAdmin = true
	return rc
}

// HandoffType selects how live VM state is transferred.
type HandoffType string

const (
	HandoffNetwork HandoffType = "network"
	HandoffFile    HandoffType = "file"
)

// BaseCapture describes a base image capture.
type BaseCapture struct {
	VMName           string `json:"vm_name"`
	DiskMetaID       string `json:"disk_meta_id"`
	MemoryMetaID     string `json:"memory_meta_id"`
	DiskHashMetaID   string `json:"diskhash_meta_id"`
	MemoryHashMetaID string `json:"memoryhash_meta_id"`
}

func (b BaseCapture) Validate() error {
	switch {
	case b.VMName == "":
		return errors.New("vm_name required")
	case b.DiskMetaID == "" || b.MemoryMetaID == "":
		return errors.New("disk_meta_id and memory_meta_id required")
	case b.DiskHashMetaID == "" || b.MemoryHashMetaID == "":
		return errors.New("diskhash_meta_id and memoryhash_meta_id required")
	}
	return nil
}

// OverlayCapture describes a VM overlay capture.
type OverlayCapture struct {
	OverlayName string `json:"overlay_name"`
	OverlayID   string `json:"overlay_id"`
}

func (o OverlayCapture) Validate() error {
	if o.OverlayName == "" || o.OverlayID == "" {
		return errors.New("overlay_name and overlay_id required")
	}
	return nil
}

// Handoff describes a VM hand-off to another host. ResidueImageID is
// optional; when set, the residual state is stored under that image.
type Handoff struct {
	Type           HandoffType `json:"handoff_type"`
	DestVMName     string      `json:"dest_vm_name"`
	ResidueImageID string      `json:"residue_image_id,omitempty"`
}

func (h Handoff) Validate() error {
	switch h.Type {
	case HandoffNetwork, HandoffFile:
	default:
		return errors.Errorf("unknown handoff type %q", h.Type)
	}
	if h.DestVMName == "" {
		return errors.New("dest_vm_name required")
	}
	return nil
}
