package publish

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/eventbus"
	"github.com/fleetwork/drover/pkg/logger"
	"github.com/fleetwork/drover/pkg/masterkeys"
	"github.com/fleetwork/drover/pkg/matcher"
	"github.com/fleetwork/drover/pkg/secrets"
	"github.com/fleetwork/drover/pkg/wire"
)

// TokenVerifier is the minion proof-of-possession predicate shared with the
// request channel.
type TokenVerifier interface {
	Verify(minionID string, token []byte) bool
}

// Options carry the router's policy knobs.
type Options struct {
	// ClusterMember suppresses serial stamping; the cluster origin already
	// stamped one.
	ClusterMember    bool
	SignPubMessages  bool
	SigningAlgorithm string
	PresenceEvents   bool
}

// Router turns outbound loads into encrypted targeted payloads and tracks
// which minions hold live subscriptions.
type Router struct {
	opts      Options
	cell      *secrets.Cell
	keys      *masterkeys.Keys
	match     matcher.Service
	verifier  TokenVerifier
	registry  matcher.ConnectedRegistry
	transport Transport
	bus       eventbus.Bus

	serial uint64

	mu sync.Mutex
	// present maps a minion identity to its live connection handles; an
	// identity is present while at least one handle remains.
	present map[string]map[string]struct{}
}

func NewRouter(
	opts Options,
	cell *secrets.Cell,
	keys *masterkeys.Keys,
	match matcher.Service,
	verifier TokenVerifier,
	registry matcher.ConnectedRegistry,
	transport Transport,
	bus eventbus.Bus,
) *Router {
	return &Router{
		opts:      opts,
		cell:      cell,
		keys:      keys,
		match:     match,
		verifier:  verifier,
		registry:  registry,
		transport: transport,
		bus:       bus,
		present:   make(map[string]map[string]struct{}),
	}
}

// WrapPayload encrypts load into its wire form and resolves the topic list
// for transports that filter server side.
func (r *Router) WrapPayload(load wire.Load) ([]byte, []string, error) {
	if !r.opts.ClusterMember {
		load["serial"] = atomic.AddUint64(&r.serial, 1)
	}

	_, key := r.cell.Current()
	c, err := crypt.NewCrypticle(key)
	if err != nil {
		return nil, nil, err
	}
	ct, err := c.Dumps(load, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt publish load: %w", err)
	}

	envelope := map[string]any{"enc": wire.EncAES, "load": ct}
	if r.opts.SignPubMessages {
		sig, err := r.keys.Sign(ct, r.opts.SigningAlgorithm)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to sign publish payload: %w", err)
		}
		envelope["sig_algo"] = r.opts.SigningAlgorithm
		envelope["sig"] = sig
	}
	payload, err := wire.Encode(envelope)
	if err != nil {
		return nil, nil, err
	}

	var topics []string
	if r.transport.TopicSupport() {
		tgtType, _ := load["tgt_type"].(string)
		switch tgtType {
		case matcher.TargetGlob, matcher.TargetPCRE, matcher.TargetList:
			minions, err := r.match.CheckMinions(load["tgt"], tgtType)
			if err != nil {
				logger.Warn("Failed to resolve publish target, broadcasting", "tgt_type", tgtType)
			} else {
				topics = minions
			}
		}
	}
	return payload, topics, nil
}

// Publish wraps and ships one load.
func (r *Router) Publish(ctx context.Context, load wire.Load) error {
	payload, topics, err := r.WrapPayload(load)
	if err != nil {
		return err
	}
	if topics != nil && r.transport.TopicSupport() {
		return r.transport.PublishPayload(ctx, payload, topics)
	}
	return r.transport.Publish(ctx, payload)
}
