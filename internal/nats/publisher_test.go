package natsclient

import (
	"context"
	"testing"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/metrics"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewPayload(t *testing.T) {
	inst := &models.Instance{ID: "i1", Host: "node-1", VMState: models.VMActive, TaskState: models.TaskImageSnapshot}
	p := NewPayload(models.RequestContext{RequestID: "req-1"}, inst, "snapshot.start")

	assert.Equal(t, "compute.instance.snapshot.start", p.EventType)
	assert.Equal(t, "i1", p.InstanceID)
	assert.Equal(t, models.TaskImageSnapshot, p.TaskState)
	assert.Equal(t, "req-1", p.RequestID)
	assert.NotEmpty(t, p.MessageID)
	assert.False(t, p.Timestamp.IsZero())
}

func TestNotifyWithoutConnectionIsBestEffort(t *testing.T) {
	m := metrics.New(nil)
	n := NewNotifier(nil, "", zap.NewNop(), m)

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), models.RequestContext{}, &models.Instance{ID: "i1"}, "snapshot.end")
	})
	assert.Equal(t, DefaultSubject, n.subject)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("error")))
}
