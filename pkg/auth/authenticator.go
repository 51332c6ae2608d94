package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/eventbus"
	"github.com/fleetwork/drover/pkg/keystore"
	"github.com/fleetwork/drover/pkg/logger"
	"github.com/fleetwork/drover/pkg/masterkeys"
	"github.com/fleetwork/drover/pkg/secrets"
	"github.com/fleetwork/drover/pkg/sessionkey"
	"github.com/fleetwork/drover/pkg/wire"
)

// ConnectedLister reports the identities currently holding a live publish
// subscription, the input to the max_minions gate.
type ConnectedLister interface {
	ConnectedIDs() ([]string, error)
}

// Options carry the policy knobs the authenticator needs from configuration.
type Options struct {
	PublishPort             int
	AuthMode                int
	MaxMinions              int
	SignPubMessages         bool
	PublishSigningAlgorithm string
	AuthEvents              bool
}

// Authenticator applies trust decisions and builds auth replies. Writes to
// one identity's record are serialized through a per-identity lock so
// concurrent attempts from the same minion cannot interleave store and
// denial updates.
type Authenticator struct {
	opts      Options
	keys      *masterkeys.Keys
	store     keystore.Store
	policy    *Policy
	aes       *secrets.Cell
	sessions  *sessionkey.Manager
	connected ConnectedLister
	bus       eventbus.Bus

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(
	opts Options,
	keys *masterkeys.Keys,
	store keystore.Store,
	policy *Policy,
	aes *secrets.Cell,
	sessions *sessionkey.Manager,
	connected ConnectedLister,
	bus eventbus.Bus,
) *Authenticator {
	return &Authenticator{
		opts:      opts,
		keys:      keys,
		store:     store,
		policy:    policy,
		aes:       aes,
		sessions:  sessions,
		connected: connected,
		bus:       bus,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Handle runs one authentication attempt. The dispatcher's structural
// checks guarantee id is a string; the identity format itself is enforced
// here, before any record exists for it.
func (a *Authenticator) Handle(load wire.Load, version int) (any, error) {
	id, _ := load.ID()
	pub, _ := load["pub"].(string)
	nonce := load.PopNonce()

	if !wire.ValidID(id) {
		logger.Warn("Authentication request with invalid id", "minion", id)
		return a.clearReply(false, version, nonce, crypt.DefaultSigningAlgorithm)
	}

	encAlgo := stringField(load, "enc_algo", crypt.DefaultEncryptionAlgorithm)
	if !crypt.ValidEncryptionAlgorithm(encAlgo) {
		logger.Warn("Minion requested unsupported encryption algorithm", "minion", id, "algorithm", encAlgo)
		return wire.ClearReply{Enc: wire.EncClear, Load: wire.Load{"ret": "bad enc algo"}}, nil
	}
	sigAlgo := stringField(load, "sig_algo", crypt.DefaultSigningAlgorithm)
	if !crypt.ValidSigningAlgorithm(sigAlgo) {
		logger.Warn("Minion requested unsupported signing algorithm", "minion", id, "algorithm", sigAlgo)
		return wire.ClearReply{Enc: wire.EncClear, Load: wire.Load{"ret": "bad sig algo"}}, nil
	}

	lock := a.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if full, err := a.atCapacity(id); err != nil {
		return nil, err
	} else if full {
		logger.Info("Minion authentication denied, maximum minions reached", "minion", id)
		a.fireAudit(false, "full", id, pub)
		return a.clearReply("full", version, nonce, sigAlgo)
	}

	rec, err := a.store.FetchKey(id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key record for %s: %w", id, err)
	}

	d := Decide(rec, pub, a.policy.FlagsFor(id))
	if d.NewState != "" {
		if err := a.store.StoreKey(id, &keystore.KeyRecord{Pub: pub, State: d.NewState}); err != nil {
			return nil, fmt.Errorf("failed to store key record for %s: %w", id, err)
		}
	}
	if d.RecordDenial {
		a.recordDenial(id, pub)
	}

	switch d.Outcome {
	case OutcomePending:
		logger.Info("Minion authentication pending", "minion", id)
		a.fireAudit(true, d.Act, id, pub)
		return a.clearReply(true, version, nonce, sigAlgo)
	case OutcomeReject:
		logger.Info("Minion authentication rejected", "minion", id, "act", d.Act)
		a.fireAudit(false, d.Act, id, pub)
		return a.clearReply(false, version, nonce, sigAlgo)
	case OutcomeAccept:
		logger.Info("Minion authentication accepted", "minion", id)
		a.fireAudit(true, d.Act, id, pub)
		return a.acceptReply(load, id, pub, version, nonce, encAlgo)
	}

	logger.Error("Unaccounted authentication outcome", nil, "minion", id)
	return a.clearReply(false, version, nonce, sigAlgo)
}

// acceptReply assembles the key material reply. The token field degrades
// silently on decrypt failure, the rest of the reply still goes out.
func (a *Authenticator) acceptReply(load wire.Load, id, pub string, version int, nonce, encAlgo string) (any, error) {
	minionPub, err := crypt.ParsePublicKey(pub)
	if err != nil {
		logger.Error("Minion sent an unparseable public key", err, "minion", id)
		return a.clearReply(false, version, nonce, crypt.DefaultSigningAlgorithm)
	}

	ret := &wire.AuthAccept{
		Enc:         wire.EncPub,
		PubKey:      a.keys.PubStr(),
		PublishPort: a.opts.PublishPort,
	}
	if a.opts.SignPubMessages {
		if sig := a.keys.PubkeySignature(); len(sig) > 0 {
			ret.PubSig = base64.StdEncoding.EncodeToString(sig)
		} else if sig, err := a.keys.SignPubKey(a.opts.PublishSigningAlgorithm); err == nil {
			ret.PubSig = base64.StdEncoding.EncodeToString(sig)
		} else {
			logger.Error("Failed to sign public key for accept reply", err, "minion", id)
		}
	}

	_, key := a.aes.Current()
	secret := crypt.EncodeKeyString(key)

	if a.opts.AuthMode >= 2 {
		if mtoken, ok := a.decryptToken(load, id, encAlgo); ok {
			secret = secret + "_|-" + string(mtoken)
		}
		if ret.AES, err = minionPub.Encrypt([]byte(secret), encAlgo); err != nil {
			return nil, fmt.Errorf("failed to encrypt secret for %s: %w", id, err)
		}
	} else {
		if mtoken, ok := a.decryptToken(load, id, encAlgo); ok {
			if ct, err := minionPub.Encrypt(mtoken, encAlgo); err == nil {
				ret.Token = ct
			} else {
				logger.Warn("Failed to re-encrypt token, no token info returned", "minion", id)
			}
		}
		if ret.AES, err = minionPub.Encrypt([]byte(secret), encAlgo); err != nil {
			return nil, fmt.Errorf("failed to encrypt secret for %s: %w", id, err)
		}
	}

	if version > 2 {
		skey, err := a.sessions.Get(id)
		if err != nil {
			return nil, fmt.Errorf("failed to issue session key for %s: %w", id, err)
		}
		if ret.Session, err = minionPub.Encrypt([]byte(crypt.EncodeKeyString(skey)), encAlgo); err != nil {
			return nil, fmt.Errorf("failed to encrypt session key for %s: %w", id, err)
		}
	}

	digest := sha256.Sum256([]byte(secret))
	if ret.Sig, err = a.keys.SignDigest([]byte(hex.EncodeToString(digest[:]))); err != nil {
		return nil, fmt.Errorf("failed to sign secret digest for %s: %w", id, err)
	}
	if version > 1 {
		ret.Nonce = nonce
	}
	return ret, nil
}

// clearReply wraps a policy verdict for the clear channel, signed when the
// minion speaks a nonce-aware protocol version.
func (a *Authenticator) clearReply(ret any, version int, nonce, sigAlgo string) (any, error) {
	if version <= 1 {
		return wire.ClearReply{Enc: wire.EncClear, Load: wire.Load{"ret": ret}}, nil
	}
	payload, err := wire.Encode(wire.Load{"ret": ret, "nonce": nonce})
	if err != nil {
		return nil, fmt.Errorf("failed to encode reply: %w", err)
	}
	sig, err := a.keys.Sign(payload, sigAlgo)
	if err != nil {
		return nil, fmt.Errorf("failed to sign reply: %w", err)
	}
	return wire.SignedReply{Enc: wire.EncClear, Load: payload, Sig: sig, SigAlgo: sigAlgo}, nil
}

func (a *Authenticator) atCapacity(id string) (bool, error) {
	if a.opts.MaxMinions <= 0 {
		return false, nil
	}
	ids, err := a.connected.ConnectedIDs()
	if err != nil {
		return false, fmt.Errorf("failed to list connected minions: %w", err)
	}
	return len(ids) >= a.opts.MaxMinions && !lo.Contains(ids, id), nil
}

// decryptToken recovers the minion's proof token from the load. Failure is
// not fatal to the attempt, the accept reply simply omits token info.
func (a *Authenticator) decryptToken(load wire.Load, id, encAlgo string) ([]byte, bool) {
	raw, ok := load["token"].(string)
	if !ok {
		return nil, false
	}
	ct, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		logger.Warn("Token is not valid base64, no token info returned", "minion", id)
		return nil, false
	}
	mtoken, err := a.keys.Decrypt(ct, encAlgo)
	if err != nil {
		logger.Warn("Token failed to decrypt, no token info returned", "minion", id)
		return nil, false
	}
	return mtoken, true
}

func (a *Authenticator) recordDenial(id, pub string) {
	denied, err := a.store.FetchDenied(id)
	if err != nil {
		logger.Error("Failed to fetch denied keys", err, "minion", id)
		return
	}
	for _, existing := range denied {
		if crypt.CompareKeys(existing, pub) {
			return
		}
	}
	if err := a.store.StoreDenied(id, append(denied, pub)); err != nil {
		logger.Error("Failed to record denied key", err, "minion", id)
	}
}

func (a *Authenticator) fireAudit(result bool, act, id, pub string) {
	if !a.opts.AuthEvents {
		return
	}
	event := map[string]any{"result": result, "act": act, "id": id, "pub": pub}
	if err := a.bus.Fire(event, eventbus.Tagify("auth"), 0); err != nil {
		logger.Warn("Failed to fire auth event", "minion", id, "act", act)
	}
}

func (a *Authenticator) lockFor(id string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[id] = lock
	}
	return lock
}

func stringField(load wire.Load, key, fallback string) string {
	if s, ok := load[key].(string); ok {
		return s
	}
	return fallback
}
