package request

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/fleetwork/drover/pkg/auth"
	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/keystore"
	"github.com/fleetwork/drover/pkg/logger"
	"github.com/fleetwork/drover/pkg/masterkeys"
	"github.com/fleetwork/drover/pkg/secrets"
	"github.com/fleetwork/drover/pkg/sessionkey"
	"github.com/fleetwork/drover/pkg/wire"
)

// Opaque wire responses. Failure detail never leaves the master; these
// strings are everything a misbehaving peer learns.
const (
	respBadLoad        = "bad load"
	respNotDict        = "payload and load must be a dict"
	respHandlerFailure = "Some exception handling a payload"
)

// Handler is the application layer behind the request channel. It receives
// the fully decoded load and steers how its result is sent back.
type Handler func(ctx context.Context, load wire.Load) (any, wire.ReplyOptions, error)

// Options carry the dispatcher's policy knobs.
type Options struct {
	// TTL is the maximum inbound message age in seconds for session-aware
	// minions; zero disables the freshness check.
	TTL int
	// SigningAlgorithm signs privately encrypted replies.
	SigningAlgorithm string
}

// Dispatcher validates, decrypts and routes inbound request envelopes, then
// re-encrypts replies. Ciphertext from session-aware minions is bound to the
// outer envelope identity; legacy traffic shares the master secret.
type Dispatcher struct {
	opts     Options
	aes      *secrets.Cell
	sessions *sessionkey.Manager
	verifier *auth.MinionVerifier
	authr    *auth.Authenticator
	keys     *masterkeys.Keys
	store    keystore.Store
	handler  Handler

	// clock is swapped by tests
	clock func() time.Time

	mu            sync.Mutex
	cachedVersion uint64
	cached        *crypt.Crypticle
}

func NewDispatcher(
	opts Options,
	aes *secrets.Cell,
	sessions *sessionkey.Manager,
	verifier *auth.MinionVerifier,
	authr *auth.Authenticator,
	keys *masterkeys.Keys,
	store keystore.Store,
	handler Handler,
) *Dispatcher {
	return &Dispatcher{
		opts:     opts,
		aes:      aes,
		sessions: sessions,
		verifier: verifier,
		authr:    authr,
		keys:     keys,
		store:    store,
		handler:  handler,
		clock:    time.Now,
	}
}

// HandleMessage processes one inbound message and always produces reply
// bytes for the transport; no failure propagates past this point.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte) []byte {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		logger.Warn("Discarding malformed request envelope")
		return wire.EncodeString(respNotDict)
	}

	switch env.Enc {
	case wire.EncClear:
		return d.handleClear(ctx, env)
	case wire.EncAES:
		return d.handleAES(ctx, env)
	}
	logger.Warn("Request with unknown enc kind", "enc", string(env.Enc))
	return wire.EncodeString(respBadLoad)
}

func (d *Dispatcher) handleClear(ctx context.Context, env *wire.Envelope) []byte {
	load, err := wire.DecodeLoad(env.Load)
	if err != nil {
		return wire.EncodeString(respNotDict)
	}
	if resp := checkLoadID(load); resp != "" {
		return wire.EncodeString(resp)
	}

	if load.Cmd() == "_auth" {
		reply, err := d.authr.Handle(load, env.Version)
		if err != nil {
			logger.Error("Authentication attempt failed internally", err)
			return wire.EncodeString(respBadLoad)
		}
		out, err := wire.Encode(reply)
		if err != nil {
			logger.Error("Failed to encode auth reply", err)
			return wire.EncodeString(respBadLoad)
		}
		return out
	}

	return d.invoke(ctx, env, load, nil)
}

func (d *Dispatcher) handleAES(ctx context.Context, env *wire.Envelope) []byte {
	ciphertext, err := env.CiphertextLoad()
	if err != nil {
		return wire.EncodeString(respBadLoad)
	}

	var load wire.Load
	var sessionKey []byte
	if env.Version > 2 {
		load, sessionKey, err = d.decodeSession(env, ciphertext)
	} else {
		load, err = d.decodeShared(ciphertext)
	}
	if err != nil {
		if crypt.IsAuthenticationError(err) {
			logger.Debug("Request failed to decrypt", "minion", env.ID)
		} else {
			logger.Error("Failed to decode request", err, "minion", env.ID)
		}
		return wire.EncodeString(respBadLoad)
	}
	if resp := checkLoadID(load); resp != "" {
		return wire.EncodeString(resp)
	}

	if env.Version > 2 {
		if resp := d.checkSessionLoad(env, load); resp != "" {
			return wire.EncodeString(resp)
		}
	} else if tok, present := load.PopToken(); present {
		// The token binds to the load's own id; a legacy load carrying a
		// token without an id is passed through unverified.
		if innerID, _ := load.ID(); innerID != "" && !d.validToken(env, load, tok) {
			return wire.EncodeString(respBadLoad)
		}
	}

	return d.invoke(ctx, env, load, sessionKey)
}

// decodeSession handles the per-minion key path: the outer id selects the
// key and must survive a format check before it touches the key cache.
func (d *Dispatcher) decodeSession(env *wire.Envelope, ciphertext []byte) (wire.Load, []byte, error) {
	if !wire.ValidID(env.ID) {
		return nil, nil, fmt.Errorf("invalid envelope id %q", env.ID)
	}
	key, err := d.sessions.Get(env.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session key: %w", err)
	}
	c, err := crypt.NewCrypticle(key)
	if err != nil {
		return nil, nil, err
	}
	var load wire.Load
	if err := c.Loads(ciphertext, &load); err != nil {
		return nil, nil, err
	}
	return load, key, nil
}

// decodeShared handles legacy traffic on the rotating master secret. An
// authentication failure triggers exactly one retry against a refetched
// secret; rotation between fetch and use is the expected transient.
func (d *Dispatcher) decodeShared(ciphertext []byte) (wire.Load, error) {
	c, err := d.sharedCrypticle()
	if err != nil {
		return nil, err
	}
	var load wire.Load
	err = c.Loads(ciphertext, &load)
	if err == nil {
		return load, nil
	}
	if !crypt.IsAuthenticationError(err) {
		return nil, err
	}

	c, refreshed, ferr := d.refreshCrypticle()
	if ferr != nil {
		return nil, ferr
	}
	if !refreshed {
		return nil, err
	}
	if err := c.Loads(ciphertext, &load); err != nil {
		return nil, err
	}
	return load, nil
}

// checkSessionLoad enforces the session-path invariants: inner id equals
// outer id, the message is fresh, and a valid token is present.
func (d *Dispatcher) checkSessionLoad(env *wire.Envelope, load wire.Load) string {
	innerID, _ := load.ID()
	if innerID != env.ID {
		logger.Warn("Request id mismatch", "envelope", env.ID, "load", innerID)
		return respBadLoad
	}
	if d.opts.TTL > 0 {
		ts, ok := load.Timestamp()
		if !ok {
			logger.Warn("Request without timestamp", "minion", env.ID)
			return respBadLoad
		}
		age := float64(d.clock().Unix()) - ts
		if age > float64(d.opts.TTL) {
			logger.Warn("Request expired", "minion", env.ID, "age", age)
			return respBadLoad
		}
	}
	tok, present := load.PopToken()
	if !present || !d.validToken(env, load, tok) {
		return respBadLoad
	}
	return ""
}

func (d *Dispatcher) validToken(env *wire.Envelope, load wire.Load, tok string) bool {
	id, _ := load.ID()
	if id == "" {
		id = env.ID
	}
	token, err := base64.StdEncoding.DecodeString(tok)
	if err != nil {
		logger.Warn("Request token is not valid base64", "minion", id)
		return false
	}
	return d.verifier.Verify(id, token)
}

func (d *Dispatcher) invoke(ctx context.Context, env *wire.Envelope, load wire.Load, sessionKey []byte) []byte {
	nonce := ""
	if env.Version > 1 {
		nonce = load.PopNonce()
	}

	result, opts, err := d.handler(ctx, load)
	if err != nil {
		logger.Error("Request handler failed", err, "cmd", load.Cmd())
		return wire.EncodeString(respHandlerFailure)
	}

	switch opts.Mode {
	case wire.ReplySendClear:
		out, err := wire.Encode(result)
		if err != nil {
			logger.Error("Failed to encode clear reply", err)
			return wire.EncodeString(respBadLoad)
		}
		return out

	case wire.ReplySend:
		c, err := d.replyCrypticle(env, sessionKey)
		if err == nil {
			var out []byte
			if out, err = c.Dumps(result, nonce); err == nil {
				return out
			}
		}
		logger.Error("Failed to encrypt reply", err, "minion", env.ID)
		return wire.EncodeString(respBadLoad)

	case wire.ReplySendPrivate:
		encAlgo := stringField(load, "enc_algo", crypt.DefaultEncryptionAlgorithm)
		out, err := d.encryptPrivate(result, opts.Key, opts.Target, nonce, encAlgo, env.Version > 1)
		if err != nil {
			logger.Error("Failed to build private reply", err, "target", opts.Target)
			return wire.EncodeString(respBadLoad)
		}
		return out
	}

	logger.Error("Handler returned unknown reply mode", nil, "mode", opts.Mode.String())
	return wire.EncodeString(respBadLoad)
}

func (d *Dispatcher) replyCrypticle(env *wire.Envelope, sessionKey []byte) (*crypt.Crypticle, error) {
	if env.Version > 2 {
		return crypt.NewCrypticle(sessionKey)
	}
	return d.sharedCrypticle()
}

// sharedCrypticle returns the cipher for the current master secret, rebuilt
// only when the cell version moved.
func (d *Dispatcher) sharedCrypticle() (*crypt.Crypticle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	version, key := d.aes.Current()
	if d.cached == nil || version != d.cachedVersion {
		c, err := crypt.NewCrypticle(key)
		if err != nil {
			return nil, err
		}
		d.cached = c
		d.cachedVersion = version
	}
	return d.cached, nil
}

// refreshCrypticle refetches the secret unconditionally, reporting whether
// the cell had actually rotated since the cached build.
func (d *Dispatcher) refreshCrypticle() (*crypt.Crypticle, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	version, key := d.aes.Current()
	if version == d.cachedVersion && d.cached != nil {
		return d.cached, false, nil
	}
	c, err := crypt.NewCrypticle(key)
	if err != nil {
		return nil, false, err
	}
	d.cached = c
	d.cachedVersion = version
	return c, true, nil
}

func checkLoadID(load wire.Load) string {
	id, ok := load.ID()
	if !ok {
		return fmt.Sprintf("bad load: id %v is not a string", load["id"])
	}
	if wire.HasNullByte(id) {
		return "bad load: id contains a null byte"
	}
	return ""
}

func stringField(load wire.Load, key, fallback string) string {
	if s, ok := load[key].(string); ok {
		return s
	}
	return fallback
}
