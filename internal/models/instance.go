package models

import "time"

// TaskState marks the phase of an operation in flight on an instance.
// The zero value means no task is running.
type TaskState string

const (
	TaskNone               TaskState = ""
	TaskImageSnapshot      TaskState = "image_snapshot"
	TaskImagePendingUpload TaskState = "image_pending_upload"
	TaskImageUploading     TaskState = "image_uploading"
	TaskDeleting           TaskState = "deleting"
)

// String renders the idle state as "none" so log lines stay readable.
func (s TaskState) String() string {
	if s == TaskNone {
		return "none"
	}
	return string(s)
}

// VMState is the coarse lifecycle status of an instance.
type VMState string

const (
	VMBuilding VMState = "building"
	VMActive   VMState = "active"
	VMStopped  VMState = "stopped"
	VMError    VMState = "error"
	VMDeleted  VMState = "deleted"
)

// Terminal reports whether no further lifecycle operation may act on the state.
func (s VMState) Terminal() bool {
	return s == VMDeleted || s == VMError
}

// Instance is the core domain object representing a VM on this compute node.
// Shared between the orchestration and storage layers.
type Instance struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	ProjectID string            `json:"project_id"`
	Host      string            `json:"host"`
	VCPUs     int64             `json:"vcpus"`
	MemoryMB  int64             `json:"memory_mb"`
	VMState   VMState           `json:"vm_state"`
	TaskState TaskState         `json:"task_state"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Deleted reports whether the record has been soft-deleted.
func (i *Instance) Deleted() bool {
	return i.DeletedAt != nil
}

// InstanceFault is the last failure recorded against an instance.
type InstanceFault struct {
	InstanceID string    `json:"instance_id"`
	Code       int       `json:"code"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}
