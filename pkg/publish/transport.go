package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/fleetwork/drover/pkg/logger"
)

// Transport ships wrapped payloads to subscribed minions. Implementations
// that can filter server side report TopicSupport and receive the resolved
// topic list; the rest broadcast and let minions self-filter.
type Transport interface {
	PublishPayload(ctx context.Context, payload []byte, topics []string) error
	Publish(ctx context.Context, payload []byte) error
	TopicSupport() bool
}

const (
	broadcastSubject    = "drover.pub.broadcast"
	minionSubjectPrefix = "drover.pub.minion."
)

// NATSTransport fans publishes out over core NATS subjects, one subject per
// minion identity for filtered delivery.
type NATSTransport struct {
	nc *nats.Conn
}

func NewNATSTransport(nc *nats.Conn) *NATSTransport {
	return &NATSTransport{nc: nc}
}

func (t *NATSTransport) TopicSupport() bool {
	return true
}

func (t *NATSTransport) Publish(ctx context.Context, payload []byte) error {
	if err := t.nc.Publish(broadcastSubject, payload); err != nil {
		return fmt.Errorf("failed to broadcast payload: %w", err)
	}
	return nil
}

// PublishPayload delivers to each topic independently; one dead subject
// must not starve the rest.
func (t *NATSTransport) PublishPayload(ctx context.Context, payload []byte, topics []string) error {
	var errs []error
	for _, topic := range topics {
		if err := t.nc.Publish(minionSubjectPrefix+topic, payload); err != nil {
			logger.Error("Failed to publish to minion topic", err, "minion", topic)
			errs = append(errs, fmt.Errorf("topic %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

// MinionSubject returns the per-minion delivery subject, exported so minion
// side tooling and tests agree on the layout.
func MinionSubject(minionID string) string {
	return minionSubjectPrefix + minionID
}
