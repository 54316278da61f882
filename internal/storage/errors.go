package storage

import (
	"fmt"
	"strings"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("unexpected task state")
)

// TaskStateConflictError is returned when a guarded update finds a task
// state other than the one the caller expected.
type TaskStateConflictError struct {
	InstanceID string
	Expected   []models.TaskState
	Actual     models.TaskState
}

func (e *TaskStateConflictError) Error() string {
	want := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		want[i] = s.String()
	}
	return fmt.Sprintf("instance %s: %s: expecting [%s] but the actual state is %s",
		e.InstanceID, ErrStateConflict, strings.Join(want, ", "), e.Actual)
}

func (e *TaskStateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}

// IsNotFound reports whether err means the record is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStateConflict reports whether err is a task state conflict.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}
