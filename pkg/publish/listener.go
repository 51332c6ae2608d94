package publish

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/fleetwork/drover/pkg/logger"
	"github.com/fleetwork/drover/pkg/wire"
)

// Presence announcement subjects. A minion joins after authenticating by
// sending its identity, signed token and a connection handle; it leaves on
// shutdown, and the server side also reports leaves it detects itself.
const (
	PresenceJoinSubject  = "drover.presence.join"
	PresenceLeaveSubject = "drover.presence.leave"
)

type presenceAnnouncement struct {
	ID     string `json:"id"`
	Token  []byte `json:"tok,omitempty"`
	Handle string `json:"handle"`
}

// HandlePresenceJoin registers one announced connection, reporting whether
// it was admitted.
func (r *Router) HandlePresenceJoin(raw []byte) bool {
	var ann presenceAnnouncement
	if err := json.Unmarshal(raw, &ann); err != nil {
		logger.Warn("Discarding malformed presence announcement")
		return false
	}
	if !wire.ValidID(ann.ID) || ann.Handle == "" {
		logger.Warn("Presence announcement with invalid identity", "minion", ann.ID)
		return false
	}
	return r.PresenceCallback(ann.ID, ann.Token, ann.Handle)
}

// HandlePresenceLeave drops one announced connection.
func (r *Router) HandlePresenceLeave(raw []byte) {
	var ann presenceAnnouncement
	if err := json.Unmarshal(raw, &ann); err != nil {
		logger.Warn("Discarding malformed presence departure")
		return
	}
	r.RemovePresenceCallback(ann.ID, ann.Handle)
}

// StartPresenceListener subscribes the router to the presence subjects.
// Joins are answered so the minion learns whether its subscription counts.
func StartPresenceListener(nc *nats.Conn, r *Router) error {
	_, err := nc.Subscribe(PresenceJoinSubject, func(msg *nats.Msg) {
		accepted := r.HandlePresenceJoin(msg.Data)
		if msg.Reply != "" {
			out, _ := json.Marshal(accepted)
			if err := msg.Respond(out); err != nil {
				logger.Warn("Failed to answer presence join")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to presence joins: %w", err)
	}

	_, err = nc.Subscribe(PresenceLeaveSubject, func(msg *nats.Msg) {
		r.HandlePresenceLeave(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to presence departures: %w", err)
	}
	return nil
}
