package models

// BlockDeviceMapping is one volume or device attached to an instance.
type BlockDeviceMapping struct {
	ID                  string `json:"id"`
	InstanceID          string `json:"instance_id"`
	DeviceName          string `json:"device_name"`
	VolumeID            string `json:"volume_id,omitempty"`
	SourceType          string `json:"source_type"`
	BootIndex           int    `json:"boot_index"`
	DeleteOnTermination bool   `json:"delete_on_termination"`
}

// ReservationState tracks whether a quota reservation has been resolved.
type ReservationState string

const (
	ReservationPending    ReservationState = "pending"
	ReservationCommitted  ReservationState = "committed"
	ReservationRolledBack ReservationState = "rolled_back"
)

// QuotaReservation is the usage accounting handle resolved by teardown.
type QuotaReservation struct {
	ID         string           `json:"id"`
	ProjectID  string           `json:"project_id"`
	InstanceID string           `json:"instance_id"`
	Deltas     map[string]int64 `json:"deltas"`
	State      ReservationState `json:"state"`
}

// Resolved reports whether the reservation was committed or rolled back.
func (q *QuotaReservation) Resolved() bool {
	return q.State == ReservationCommitted || q.State == ReservationRolledBack
}
