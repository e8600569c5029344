package narrative

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/recalld/internal/events"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notifier fans narrative changes out to other recalld instances so they
// can evict their L1 copies.
type Notifier struct {
	nc         *nats.Conn
	instanceID string
	sub        *nats.Subscription
	logger     *zap.Logger
}

type changeEvent struct {
	UserID     string `json:"user_id"`
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason"`
}

// NewNotifier wraps an established NATS connection.
func NewNotifier(nc *nats.Conn, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{nc: nc, instanceID: uuid.NewString(), logger: logger}
}

// Publish announces that userID's narrative changed.
func (n *Notifier) Publish(userID, reason string) error {
	data, err := json.Marshal(changeEvent{UserID: userID, InstanceID: n.instanceID, Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal narrative event: %w", err)
	}
	if err := n.nc.Publish(events.NarrativeRefreshed(userID), data); err != nil {
		return fmt.Errorf("publish narrative event: %w", err)
	}
	return nil
}

// Subscribe calls evict for every change published by another instance.
func (n *Notifier) Subscribe(evict func(userID string)) error {
	sub, err := n.nc.Subscribe(events.NarrativeRefreshedAll, func(m *nats.Msg) {
		var ev changeEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			n.logger.Warn("malformed narrative event", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		if ev.InstanceID == n.instanceID || ev.UserID == "" {
			return
		}
		evict(ev.UserID)
	})
	if err != nil {
		return fmt.Errorf("subscribe narrative events: %w", err)
	}
	n.sub = sub
	return nil
}

// Close drops the subscription. The connection is owned by the caller.
func (n *Notifier) Close() error {
	if n.sub == nil {
		return nil
	}
	return n.sub.Unsubscribe()
}
