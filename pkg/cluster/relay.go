package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/eventbus"
	"github.com/fleetwork/drover/pkg/logger"
	"github.com/fleetwork/drover/pkg/masterkeys"
	"github.com/fleetwork/drover/pkg/secrets"
)

const (
	peerTagPrefix  = "cluster/peer"
	eventTagPrefix = "cluster/event"

	keyExchangeAlgorithm = crypt.OAEPSHA224
	keyEventTimeout      = 30 * time.Second
)

// ErrPeerKeyUnknown marks events that arrived before the sender's key; they
// are buffered, not dropped.
var ErrPeerKeyUnknown = errors.New("peer aes key not available")

type keyGrant struct {
	AES []byte `json:"aes,omitempty"`
	Sig []byte `json:"sig,omitempty"`
}

type keyExchange struct {
	PeerID string              `json:"peer_id"`
	Peers  map[string]keyGrant `json:"peers"`
}

// Relay forwards local events to cluster peers and replays peer events on
// the local master event bus. Each peer announces its own symmetric key,
// wrapped to every other master's public key and signed; decryption with an
// unannounced or rotated-away key buffers the event until the next
// announcement. Replayed events carry the originating peer id, which also
// keeps them from being fanned back out to the peers.
type Relay struct {
	localID string
	peers   []string
	keys    *masterkeys.Keys
	cell    *secrets.Cell
	bus     eventbus.Bus
	pushers []PeerPusher

	mu       sync.Mutex
	peerKeys map[string][]byte
	pending  map[string]*eventRing
}

func NewRelay(
	localID string,
	peers []string,
	keys *masterkeys.Keys,
	cell *secrets.Cell,
	bus eventbus.Bus,
	pushers []PeerPusher,
) *Relay {
	return &Relay{
		localID:  localID,
		peers:    peers,
		keys:     keys,
		cell:     cell,
		bus:      bus,
		pushers:  pushers,
		peerKeys: make(map[string][]byte),
		pending:  make(map[string]*eventRing),
	}
}

// SendAESKeyEvent announces the local secret to every configured peer: one
// event carrying a per-peer grant, each wrapped to that peer's public key
// and signed with a digest of the plaintext. A peer with no known public
// key gets an empty grant so the event shape stays stable.
func (r *Relay) SendAESKeyEvent() error {
	_, key := r.cell.Current()
	secret := crypt.EncodeKeyString(key)
	sum := sha256.Sum256([]byte(secret))
	digest := []byte(hex.EncodeToString(sum[:]))

	data := keyExchange{PeerID: r.localID, Peers: make(map[string]keyGrant, len(r.peers))}
	for _, peer := range r.peers {
		pub, err := r.keys.FetchPeerKey(peer)
		if err != nil || pub == nil {
			logger.Warn("Peer key missing", "peer", peer)
			data.Peers[peer] = keyGrant{}
			continue
		}
		ct, err := pub.Encrypt([]byte(secret), keyExchangeAlgorithm)
		if err != nil {
			logger.Error("Failed to wrap secret for peer", err, "peer", peer)
			data.Peers[peer] = keyGrant{}
			continue
		}
		sig, err := r.keys.SignDigest(digest)
		if err != nil {
			return fmt.Errorf("failed to sign key digest: %w", err)
		}
		data.Peers[peer] = keyGrant{AES: ct, Sig: sig}
	}

	tag := eventbus.Tagify(r.localID, "peer", "cluster")
	if err := r.bus.Fire(data, tag, keyEventTimeout); err != nil {
		logger.Error("Unable to send aes key event", err)
		return err
	}
	return nil
}

// HandlePoolPublish routes one inbound peer frame. No failure propagates;
// a misbehaving peer can only cost us its own events.
func (r *Relay) HandlePoolPublish(ctx context.Context, payload []byte) {
	tag, data, err := eventbus.Unpack(payload)
	if err != nil {
		logger.Error("Discarding malformed pool event", err)
		return
	}
	switch {
	case strings.HasPrefix(tag, peerTagPrefix):
		r.handleKeyExchange(ctx, data)
	case strings.HasPrefix(tag, eventTagPrefix):
		r.handlePeerEvent(ctx, tag, data)
	default:
		logger.Error("Invalid cluster tag", nil, "tag", tag)
	}
}

func (r *Relay) handleKeyExchange(ctx context.Context, data []byte) {
	var kx keyExchange
	if err := json.Unmarshal(data, &kx); err != nil {
		logger.Error("Malformed key exchange event", err)
		return
	}
	grant, ok := kx.Peers[r.localID]
	if !ok || len(grant.AES) == 0 {
		logger.Warn("Key exchange carries no grant for this master", "peer", kx.PeerID)
		return
	}

	keyStr, err := r.keys.Decrypt(grant.AES, keyExchangeAlgorithm)
	if err != nil {
		logger.Error("Failed to unwrap peer key", err, "peer", kx.PeerID)
		return
	}
	sum := sha256.Sum256(keyStr)
	digest := []byte(hex.EncodeToString(sum[:]))
	pub, err := r.keys.FetchPeerKey(kx.PeerID)
	if err != nil || pub == nil {
		logger.Error("No public key on file for peer", err, "peer", kx.PeerID)
		return
	}
	if err := pub.VerifyDigest(digest, grant.Sig); err != nil {
		logger.Error("Invalid aes key signature from peer", err, "peer", kx.PeerID)
		return
	}
	key, err := crypt.DecodeKeyString(string(keyStr))
	if err != nil {
		logger.Error("Peer sent an unusable key", err, "peer", kx.PeerID)
		return
	}

	r.mu.Lock()
	prev, known := r.peerKeys[kx.PeerID]
	changed := !known || string(prev) != string(key)
	var backlog []bufferedEvent
	if changed {
		r.peerKeys[kx.PeerID] = key
		if ring := r.pending[kx.PeerID]; ring != nil {
			backlog = ring.drain()
		}
	}
	r.mu.Unlock()
	if !changed {
		return
	}

	logger.Info("Received new key from peer", "peer", kx.PeerID)

	// The cluster secret converges on the lowest master id: everyone
	// adopts a lower peer's key, so minions keyed by any master can
	// decrypt broadcasts produced by every master.
	if kx.PeerID < r.localID {
		r.cell.Set(key)
	}

	if err := r.SendAESKeyEvent(); err != nil {
		logger.Error("Failed to answer peer key exchange", err, "peer", kx.PeerID)
	}
	for _, ev := range backlog {
		r.replayPeerEvent(ctx, ev.tag, ev.data)
	}
}

func (r *Relay) handlePeerEvent(ctx context.Context, tag string, data []byte) {
	peerID, _ := ParseClusterTag(tag)
	event, err := r.ExtractClusterEvent(peerID, data)
	if err != nil {
		if errors.Is(err, ErrPeerKeyUnknown) || crypt.IsAuthenticationError(err) {
			r.bufferEvent(peerID, tag, data)
			return
		}
		logger.Error("Failed to extract peer event", err, "peer", peerID)
		return
	}
	_, parsedTag := ParseClusterTag(tag)
	r.publishLocal(ctx, parsedTag, event)
}

func (r *Relay) replayPeerEvent(ctx context.Context, tag string, data []byte) {
	peerID, parsedTag := ParseClusterTag(tag)
	event, err := r.ExtractClusterEvent(peerID, data)
	if err != nil {
		logger.Error("Buffered event from peer failed authentication", err, "peer", peerID)
		return
	}
	r.publishLocal(ctx, parsedTag, event)
}

func (r *Relay) publishLocal(ctx context.Context, tag string, event map[string]any) {
	if err := r.bus.Fire(event, tag, 0); err != nil {
		logger.Error("Unable to replay peer event on local bus", err, "tag", tag)
	}
}

func (r *Relay) bufferEvent(peerID, tag string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring := r.pending[peerID]
	if ring == nil {
		ring = &eventRing{}
		r.pending[peerID] = ring
	}
	ring.push(bufferedEvent{tag: tag, data: append([]byte(nil), data...)})
	logger.Debug("Buffered event from peer without a key", "peer", peerID, "backlog", ring.len())
}

// ExtractClusterEvent decrypts a forwarded event with the sender's key and
// stamps the origin so consumers can tell relayed events apart.
func (r *Relay) ExtractClusterEvent(peerID string, data []byte) (map[string]any, error) {
	r.mu.Lock()
	key, ok := r.peerKeys[peerID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrPeerKeyUnknown
	}
	c, err := crypt.NewCrypticle(key)
	if err != nil {
		return nil, err
	}
	var ct []byte
	if err := json.Unmarshal(data, &ct); err != nil {
		return nil, fmt.Errorf("peer event is not ciphertext: %w", err)
	}
	var wrapper struct {
		EventPayload map[string]any `json:"event_payload"`
	}
	if err := c.Loads(ct, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.EventPayload == nil {
		wrapper.EventPayload = make(map[string]any)
	}
	wrapper.EventPayload["__peer_id"] = peerID
	return wrapper.EventPayload, nil
}

// ParseClusterTag splits a forwarded event tag into the sending peer and
// the original tag.
func ParseClusterTag(tag string) (string, string) {
	rest := strings.TrimPrefix(tag, eventTagPrefix+"/")
	peerID, parsed, found := strings.Cut(rest, "/")
	if !found {
		return peerID, ""
	}
	return peerID, parsed
}

// PublishPayload fans one framed local event out to every peer. Peer copies
// are encrypted fresh per push with the local secret; key-exchange events
// pass through unwrapped; events a peer relayed to us stay local. All
// pushes run concurrently and each outcome is only logged, one unreachable
// peer never blocks the rest.
func (r *Relay) PublishPayload(ctx context.Context, packed []byte) {
	tag, data, err := eventbus.Unpack(packed)
	if err != nil {
		logger.Error("Discarding malformed publish frame", err)
		return
	}
	isKeyExchange := strings.HasPrefix(tag, peerTagPrefix)
	if !isKeyExchange && fromPeer(data) {
		return
	}

	var wg sync.WaitGroup
	for _, pusher := range r.pushers {
		payload := packed
		if !isKeyExchange {
			payload, err = r.wrapPeerEvent(tag, data)
			if err != nil {
				logger.Error("Failed to wrap event for peer", err, "peer", pusher.Peer())
				continue
			}
		}
		wg.Add(1)
		go func(p PeerPusher, payload []byte) {
			defer wg.Done()
			logger.Debug("Publish event to peer", "peer", p.Peer(), "tag", tag)
			if err := p.Push(ctx, payload); err != nil {
				logger.Warn("Unable to forward event to cluster peer", "peer", p.Peer())
			}
		}(pusher, payload)
	}
	wg.Wait()
}

// fromPeer reports whether an event was replayed from a cluster peer; such
// events already made one hop and must not loop back out.
func fromPeer(data []byte) bool {
	var stamp struct {
		PeerID string `json:"__peer_id"`
	}
	if err := json.Unmarshal(data, &stamp); err != nil {
		return false
	}
	return stamp.PeerID != ""
}

func (r *Relay) wrapPeerEvent(tag string, data []byte) ([]byte, error) {
	_, key := r.cell.Current()
	c, err := crypt.NewCrypticle(key)
	if err != nil {
		return nil, err
	}
	ct, err := c.Dumps(map[string]any{"event_payload": json.RawMessage(data)}, "")
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt peer event: %w", err)
	}
	return eventbus.Pack(eventbus.Tagify(tag, r.localID, "event", "cluster"), ct)
}

// PendingCount reports the backlog size for one peer.
func (r *Relay) PendingCount(peerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ring := r.pending[peerID]; ring != nil {
		return ring.len()
	}
	return 0
}
