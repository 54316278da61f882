package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/logging"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/metrics"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/notify"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject carries every instance notification.
const DefaultSubject = "compute.events"

type Publisher struct {
	nc  *nats.Conn
	url string
}

func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("aerophoenix-cloudlet"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, url: url}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p == nil || p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Payload is the JSON body of an instance notification.
type Payload struct {
	MessageID  string           `json:"message_id"`
	EventType  string           `json:"event_type"`
	InstanceID string           `json:"instance_id"`
	Host       string           `json:"host,omitempty"`
	VMState    models.VMState   `json:"vm_state"`
	TaskState  models.TaskState `json:"task_state"`
	RequestID  string           `json:"request_id,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewPayload builds the notification for event on inst.
func NewPayload(rc models.RequestContext, inst *models.Instance, event string) Payload {
	return Payload{
		MessageID:  uuid.NewString(),
		EventType:  "compute.instance." + event,
		InstanceID: inst.ID,
		Host:       inst.Host,
		VMState:    inst.VMState,
		TaskState:  inst.TaskState,
		RequestID:  rc.RequestID,
		Timestamp:  time.Now().UTC(),
	}
}

// Notifier publishes instance notifications over NATS. Delivery failures
// are logged and counted, never returned.
type Notifier struct {
	pub     *Publisher
	subject string
	log     *zap.Logger
	metrics *metrics.Metrics
}

var _ notify.Notifier = (*Notifier)(nil)

func NewNotifier(pub *Publisher, subject string, log *zap.Logger, m *metrics.Metrics) *Notifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Notifier{pub: pub, subject: subject, log: log, metrics: m}
}

func (n *Notifier) Notify(ctx context.Context, rc models.RequestContext, inst *models.Instance, event string) {
	payload, err := json.Marshal(NewPayload(rc, inst, event))
	if err == nil {
		err = n.pub.Publish(ctx, n.subject, payload)
	}
	n.metrics.Notification(err)
	if err != nil {
		n.log.Warn("notification dropped", logging.Instance(inst.ID),
			zap.String("event", event), zap.Error(err))
	}
}
