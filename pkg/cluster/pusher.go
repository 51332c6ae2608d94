package cluster

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// PeerPusher delivers framed events to one cluster peer's pool listener.
type PeerPusher interface {
	Push(ctx context.Context, payload []byte) error
	Peer() string
}

const poolSubjectPrefix = "drover.cluster.pool."

// PoolSubject is the subject a clustered master listens on for peer
// traffic.
func PoolSubject(masterID string) string {
	return poolSubjectPrefix + masterID
}

// NATSPusher pushes to a peer over the shared NATS fabric.
type NATSPusher struct {
	nc   *nats.Conn
	peer string
}

func NewNATSPusher(nc *nats.Conn, peer string) *NATSPusher {
	return &NATSPusher{nc: nc, peer: peer}
}

func (p *NATSPusher) Peer() string {
	return p.peer
}

func (p *NATSPusher) Push(ctx context.Context, payload []byte) error {
	if err := p.nc.Publish(PoolSubject(p.peer), payload); err != nil {
		return fmt.Errorf("failed to push to peer %s: %w", p.peer, err)
	}
	return nil
}
