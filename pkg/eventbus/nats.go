package eventbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetwork/drover/pkg/logger"
)

const eventSubjectPrefix = "drover.events."

type natsBus struct {
	nc *nats.Conn
}

// NewNATSBus publishes events on the NATS connection shared with the
// publish transport. Tags map onto subjects by separator substitution.
func NewNATSBus(nc *nats.Conn) Bus {
	return &natsBus{nc: nc}
}

func (b *natsBus) Fire(data any, tag string, timeout time.Duration) error {
	packed, err := Pack(tag, data)
	if err != nil {
		return err
	}
	subject := SubjectForTag(tag)

	if timeout > 0 {
		// Request/reply so the caller knows a listener took the event.
		if _, err := b.nc.Request(subject, packed, timeout); err != nil {
			return fmt.Errorf("event fire on %s not confirmed: %w", tag, err)
		}
		return nil
	}

	if err := b.nc.Publish(subject, packed); err != nil {
		return fmt.Errorf("failed to publish event on %s: %w", tag, err)
	}
	return nil
}

// SubjectForTag converts an event tag into its NATS subject.
func SubjectForTag(tag string) string {
	return eventSubjectPrefix + strings.ReplaceAll(tag, "/", ".")
}

// Subscribe delivers every packed event whose tag starts with tagPrefix to
// handler. The returned function cancels the subscription.
func Subscribe(nc *nats.Conn, tagPrefix string, handler func(tag string, data []byte)) (func(), error) {
	subject := SubjectForTag(tagPrefix) + ".>"
	if tagPrefix == "" {
		subject = eventSubjectPrefix + ">"
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		tag, data, err := Unpack(msg.Data)
		if err != nil {
			logger.Warn("Discarding malformed event frame", "subject", msg.Subject)
			return
		}
		handler(tag, data)
		if msg.Reply != "" {
			if err := msg.Respond([]byte("ok")); err != nil {
				logger.Error("Failed to confirm event", err, "subject", msg.Subject)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			logger.Error("Failed to unsubscribe", err, "subject", subject)
		}
	}, nil
}
