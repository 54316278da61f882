package compute

import "fmt"

// InstanceError annotates an operation failure with the operation name
// and the instance it ran on. The original error stays reachable through
// errors.Is and errors.As.
type InstanceError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s: instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}
