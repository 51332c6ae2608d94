package request

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/fleetwork/drover/pkg/logger"
)

// ReqSubject is where minions send request envelopes and await the reply.
const ReqSubject = "drover.req"

// Server binds a dispatcher to the request subject. Every inbound message
// gets exactly one reply on its reply inbox.
type Server struct {
	nc  *nats.Conn
	d   *Dispatcher
	sub *nats.Subscription
}

func NewServer(nc *nats.Conn, d *Dispatcher) *Server {
	return &Server{nc: nc, d: d}
}

func (s *Server) Start(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(ReqSubject, "request-workers", func(msg *nats.Msg) {
		reply := s.d.HandleMessage(ctx, msg.Data)
		if msg.Reply == "" {
			logger.Warn("Request without a reply inbox dropped")
			return
		}
		if err := msg.Respond(reply); err != nil {
			logger.Error("Failed to send request reply", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to request subject: %w", err)
	}
	s.sub = sub
	logger.Info("Request server listening", "subject", ReqSubject)
	return nil
}

func (s *Server) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}
