package request

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwork/drover/pkg/auth"
	"github.com/fleetwork/drover/pkg/config"
	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/eventbus"
	"github.com/fleetwork/drover/pkg/keystore"
	"github.com/fleetwork/drover/pkg/masterkeys"
	"github.com/fleetwork/drover/pkg/secrets"
	"github.com/fleetwork/drover/pkg/sessionkey"
	"github.com/fleetwork/drover/pkg/wire"
)

type fixture struct {
	d         *Dispatcher
	store     keystore.Store
	cell      *secrets.Cell
	sessions  *sessionkey.Manager
	minionKey *rsa.PrivateKey
	minionPub string
	now       time.Time
}

type noConnected struct{}

func (noConnected) ConnectedIDs() ([]string, error) { return nil, nil }

func newFixture(t *testing.T, ttl int, handler Handler) *fixture {
	t.Helper()
	keys, err := masterkeys.Load(t.TempDir(), masterkeys.Options{})
	require.NoError(t, err)
	cellKey, err := crypt.GenerateKey()
	require.NoError(t, err)
	cell := secrets.NewCell(cellKey)
	sessions, err := sessionkey.NewManager(t.TempDir(), time.Hour)
	require.NoError(t, err)
	store := keystore.NewMemoryStore()
	verifier := auth.NewMinionVerifier(store)
	authr := auth.New(auth.Options{PublishPort: 4505, AuthMode: 1}, keys, store,
		auth.NewPolicy(&config.Config{}), cell, sessions, noConnected{}, eventbus.NewMemoryBus())

	if handler == nil {
		handler = func(ctx context.Context, load wire.Load) (any, wire.ReplyOptions, error) {
			return wire.Load{"ok": true}, wire.ReplyOptions{Mode: wire.ReplySendClear}, nil
		}
	}
	d := NewDispatcher(Options{TTL: ttl, SigningAlgorithm: crypt.DefaultSigningAlgorithm},
		cell, sessions, verifier, authr, keys, store, handler)

	minionKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&minionKey.PublicKey)
	require.NoError(t, err)
	minionPub := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, store.StoreKey("minion1", &keystore.KeyRecord{Pub: minionPub, State: keystore.StateAccepted}))

	now := time.Unix(1700000000, 0)
	d.clock = func() time.Time { return now }
	return &fixture{d: d, store: store, cell: cell, sessions: sessions,
		minionKey: minionKey, minionPub: minionPub, now: now}
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	tok, err := rsa.SignPKCS1v15(rand.Reader, f.minionKey, 0, []byte(auth.TokenPlaintext))
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(tok)
}

// sessionEnvelope builds a version 3 aes envelope encrypted under outerID's
// session key, carrying load as the inner payload.
func (f *fixture) sessionEnvelope(t *testing.T, outerID string, load wire.Load) []byte {
	t.Helper()
	key, err := f.sessions.Get(outerID)
	require.NoError(t, err)
	c, err := crypt.NewCrypticle(key)
	require.NoError(t, err)
	ct, err := c.Dumps(load, "")
	require.NoError(t, err)
	ctJSON, err := json.Marshal(ct)
	require.NoError(t, err)
	raw, err := json.Marshal(wire.Envelope{Enc: wire.EncAES, Load: ctJSON, ID: outerID, Version: wire.VersionSession})
	require.NoError(t, err)
	return raw
}

func (f *fixture) sharedEnvelope(t *testing.T, load wire.Load) []byte {
	t.Helper()
	_, key := f.cell.Current()
	c, err := crypt.NewCrypticle(key)
	require.NoError(t, err)
	ct, err := c.Dumps(load, "")
	require.NoError(t, err)
	ctJSON, err := json.Marshal(ct)
	require.NoError(t, err)
	raw, err := json.Marshal(wire.Envelope{Enc: wire.EncAES, Load: ctJSON})
	require.NoError(t, err)
	return raw
}

func asString(t *testing.T, reply []byte) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(reply, &s); err != nil {
		return ""
	}
	return s
}

func TestHandleMessageStructuralValidation(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()

	assert.Equal(t, respNotDict, asString(t, f.d.HandleMessage(ctx, []byte(`"nope"`))))
	assert.Equal(t, respNotDict, asString(t, f.d.HandleMessage(ctx, []byte(`{"enc":"clear"}`))))
	assert.Equal(t, respNotDict, asString(t, f.d.HandleMessage(ctx, []byte(`{"enc":"clear","load":"x"}`))))

	reply := f.d.HandleMessage(ctx, []byte(`{"enc":"clear","load":{"id":5,"cmd":"ping"}}`))
	assert.Equal(t, "bad load: id 5 is not a string", asString(t, reply))

	reply = f.d.HandleMessage(ctx, []byte(`{"enc":"clear","load":{"id":"a\u0000b","cmd":"ping"}}`))
	assert.Equal(t, "bad load: id contains a null byte", asString(t, reply))
}

func TestHandleMessageClearAuthRoute(t *testing.T) {
	f := newFixture(t, 0, nil)
	raw, err := json.Marshal(wire.Envelope{
		Enc:  wire.EncClear,
		Load: mustRaw(t, wire.Load{"cmd": "_auth", "id": "newminion", "pub": f.minionPub}),
	})
	require.NoError(t, err)

	reply := f.d.HandleMessage(context.Background(), raw)
	var clear wire.ClearReply
	require.NoError(t, json.Unmarshal(reply, &clear))
	assert.Equal(t, wire.EncClear, clear.Enc)
	assert.Equal(t, true, clear.Load["ret"], "fresh key should be told pending")
}

func TestHandleMessageTTL(t *testing.T) {
	ttl := 60
	f := newFixture(t, ttl, nil)
	ctx := context.Background()
	now := float64(f.now.Unix())

	fresh := wire.Load{"id": "minion1", "cmd": "ping", "ts": now - 1, "tok": f.token(t)}
	reply := f.d.HandleMessage(ctx, f.sessionEnvelope(t, "minion1", fresh))
	assert.NotEqual(t, respBadLoad, asString(t, reply))

	// age exactly at the limit still passes
	boundary := wire.Load{"id": "minion1", "cmd": "ping", "ts": now - float64(ttl), "tok": f.token(t)}
	reply = f.d.HandleMessage(ctx, f.sessionEnvelope(t, "minion1", boundary))
	assert.NotEqual(t, respBadLoad, asString(t, reply))

	stale := wire.Load{"id": "minion1", "cmd": "ping", "ts": now - float64(ttl) - 1, "tok": f.token(t)}
	reply = f.d.HandleMessage(ctx, f.sessionEnvelope(t, "minion1", stale))
	assert.Equal(t, respBadLoad, asString(t, reply))

	missing := wire.Load{"id": "minion1", "cmd": "ping", "tok": f.token(t)}
	reply = f.d.HandleMessage(ctx, f.sessionEnvelope(t, "minion1", missing))
	assert.Equal(t, respBadLoad, asString(t, reply))
}

func TestHandleMessageIDBinding(t *testing.T) {
	f := newFixture(t, 0, nil)

	// valid ciphertext under minion1's key, claiming to be minion2 inside
	load := wire.Load{"id": "minion2", "cmd": "ping", "tok": f.token(t)}
	reply := f.d.HandleMessage(context.Background(), f.sessionEnvelope(t, "minion1", load))
	assert.Equal(t, respBadLoad, asString(t, reply))
}

func TestHandleMessageRequiresToken(t *testing.T) {
	f := newFixture(t, 0, nil)

	load := wire.Load{"id": "minion1", "cmd": "ping"}
	reply := f.d.HandleMessage(context.Background(), f.sessionEnvelope(t, "minion1", load))
	assert.Equal(t, respBadLoad, asString(t, reply))

	load = wire.Load{"id": "minion1", "cmd": "ping", "tok": base64.StdEncoding.EncodeToString([]byte("forged"))}
	reply = f.d.HandleMessage(context.Background(), f.sessionEnvelope(t, "minion1", load))
	assert.Equal(t, respBadLoad, asString(t, reply))
}

func TestHandleMessageTokenNotPassedToHandler(t *testing.T) {
	var seen wire.Load
	handler := func(ctx context.Context, load wire.Load) (any, wire.ReplyOptions, error) {
		seen = load
		return wire.Load{}, wire.ReplyOptions{Mode: wire.ReplySendClear}, nil
	}
	f := newFixture(t, 0, handler)

	load := wire.Load{"id": "minion1", "cmd": "ping", "tok": f.token(t)}
	f.d.HandleMessage(context.Background(), f.sessionEnvelope(t, "minion1", load))
	require.NotNil(t, seen)
	_, present := seen["tok"]
	assert.False(t, present, "token must be stripped before the handler sees the load")
}

func TestHandleMessageSharedSecretSelfHeal(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()

	// prime the cached cipher on the current secret
	reply := f.d.HandleMessage(ctx, f.sharedEnvelope(t, wire.Load{"id": "minion1", "cmd": "ping"}))
	assert.NotEqual(t, respBadLoad, asString(t, reply))

	// rotate, then send traffic under the new secret while the cache is stale
	require.NoError(t, f.cell.Rotate())
	reply = f.d.HandleMessage(ctx, f.sharedEnvelope(t, wire.Load{"id": "minion1", "cmd": "ping"}))
	assert.NotEqual(t, respBadLoad, asString(t, reply), "one retry against the refetched secret must recover")

	// garbage ciphertext still fails after the retry
	raw, err := json.Marshal(wire.Envelope{Enc: wire.EncAES, Load: mustRawBytes(t, []byte("junk"))})
	require.NoError(t, err)
	assert.Equal(t, respBadLoad, asString(t, f.d.HandleMessage(ctx, raw)))
}

func TestHandleMessageEncryptedReply(t *testing.T) {
	handler := func(ctx context.Context, load wire.Load) (any, wire.ReplyOptions, error) {
		return wire.Load{"answer": "pong"}, wire.ReplyOptions{Mode: wire.ReplySend}, nil
	}
	f := newFixture(t, 0, handler)

	load := wire.Load{"id": "minion1", "cmd": "ping", "tok": f.token(t)}
	reply := f.d.HandleMessage(context.Background(), f.sessionEnvelope(t, "minion1", load))

	key, err := f.sessions.Get("minion1")
	require.NoError(t, err)
	c, err := crypt.NewCrypticle(key)
	require.NoError(t, err)
	var out wire.Load
	require.NoError(t, c.Loads(reply, &out))
	assert.Equal(t, "pong", out["answer"])
}

func TestHandleMessagePrivateReply(t *testing.T) {
	handler := func(ctx context.Context, load wire.Load) (any, wire.ReplyOptions, error) {
		return wire.Load{"secret": "pillar-data"}, wire.ReplyOptions{Mode: wire.ReplySendPrivate, Key: "pillar", Target: "minion1"}, nil
	}
	f := newFixture(t, 0, handler)

	load := wire.Load{"id": "minion1", "cmd": "pillar", "tok": f.token(t), "nonce": "n-1"}
	reply := f.d.HandleMessage(context.Background(), f.sessionEnvelope(t, "minion1", load))

	var pret map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reply, &pret))
	require.Contains(t, pret, "key")
	require.Contains(t, pret, "pillar")

	// unwrap the one-time key with the minion's private key
	var wrapped []byte
	require.NoError(t, json.Unmarshal(pret["key"], &wrapped))
	keyStr, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, f.minionKey, wrapped, nil)
	require.NoError(t, err)
	oneTime, err := crypt.DecodeKeyString(string(keyStr))
	require.NoError(t, err)

	var ct []byte
	require.NoError(t, json.Unmarshal(pret["pillar"], &ct))
	pcrypt, err := crypt.NewCrypticle(oneTime)
	require.NoError(t, err)
	plain, err := pcrypt.Decrypt(ct)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(plain), "pillar-data"))
	assert.True(t, strings.Contains(string(plain), "sig"), "signed private replies nest data and sig")
}

func TestHandleMessagePrivateReplyUnknownTarget(t *testing.T) {
	handler := func(ctx context.Context, load wire.Load) (any, wire.ReplyOptions, error) {
		return wire.Load{"secret": "x"}, wire.ReplyOptions{Mode: wire.ReplySendPrivate, Key: "pillar", Target: "ghost"}, nil
	}
	f := newFixture(t, 0, handler)

	load := wire.Load{"id": "minion1", "cmd": "pillar", "tok": f.token(t), "nonce": "n-1"}
	reply := f.d.HandleMessage(context.Background(), f.sessionEnvelope(t, "minion1", load))

	// degraded reply is plain shared-secret ciphertext of an empty mapping
	_, key := f.cell.Current()
	c, err := crypt.NewCrypticle(key)
	require.NoError(t, err)
	var out wire.Load
	require.NoError(t, c.Loads(reply, &out))
	assert.Empty(t, out)
}

func TestHandleMessageHandlerFailure(t *testing.T) {
	handler := func(ctx context.Context, load wire.Load) (any, wire.ReplyOptions, error) {
		return nil, wire.ReplyOptions{}, assert.AnError
	}
	f := newFixture(t, 0, handler)

	load := wire.Load{"id": "minion1", "cmd": "boom", "tok": f.token(t)}
	reply := f.d.HandleMessage(context.Background(), f.sessionEnvelope(t, "minion1", load))
	assert.Equal(t, respHandlerFailure, asString(t, reply))
}

func mustRaw(t *testing.T, load wire.Load) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(load)
	require.NoError(t, err)
	return b
}

func mustRawBytes(t *testing.T, b []byte) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	return raw
}

func TestLegacyTokenWithoutIDPassesThrough(t *testing.T) {
	var seen wire.Load
	f := newFixture(t, 0, func(ctx context.Context, load wire.Load) (any, wire.ReplyOptions, error) {
		seen = load
		return wire.Load{"ok": true}, wire.ReplyOptions{Mode: wire.ReplySendClear}, nil
	})
	ctx := context.Background()

	// A legacy load may carry a token without an id; there is nothing to
	// bind it to, so it is stripped and the request proceeds.
	reply := f.d.HandleMessage(ctx, f.sharedEnvelope(t, wire.Load{"cmd": "ping", "tok": f.token(t)}))
	var out wire.Load
	require.NoError(t, json.Unmarshal(reply, &out))
	assert.Equal(t, true, out["ok"])
	require.NotNil(t, seen)
	_, present := seen["tok"]
	assert.False(t, present, "the unbound token must still be stripped")

	// with the id present the binding is enforced
	garbage := base64.StdEncoding.EncodeToString([]byte("garbage"))
	reply = f.d.HandleMessage(ctx, f.sharedEnvelope(t, wire.Load{"cmd": "ping", "id": "minion1", "tok": garbage}))
	assert.Equal(t, respBadLoad, asString(t, reply))
}
