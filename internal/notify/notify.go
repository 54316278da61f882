// Package notify defines the fire-and-forget event sink for instance
// lifecycle notifications.
package notify

import (
	"context"
	"sync"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
)

// Notifier publishes an instance event. Implementations must not block on
// delivery failures and never report them to the caller.
type Notifier interface {
	Notify(ctx context.Context, rc models.RequestContext, inst *models.Instance, event string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, models.RequestContext, *models.Instance, string) {}

// Event is one notification captured by a Recorder.
type Event struct {
	InstanceID string
	Name       string
	VMState    models.VMState
	TaskState  models.TaskState
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, _ models.RequestContext, inst *models.Instance, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		InstanceID: inst.ID,
		Name:       event,
		VMState:    inst.VMState,
		TaskState:  inst.TaskState,
	})
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
