package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwork/drover/pkg/config"
	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/eventbus"
	"github.com/fleetwork/drover/pkg/keystore"
	"github.com/fleetwork/drover/pkg/masterkeys"
	"github.com/fleetwork/drover/pkg/secrets"
	"github.com/fleetwork/drover/pkg/sessionkey"
	"github.com/fleetwork/drover/pkg/wire"
)

type staticConnected []string

func (s staticConnected) ConnectedIDs() ([]string, error) {
	return s, nil
}

func newMinionKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return key, pemStr
}

func newTestAuth(t *testing.T, opts Options, store keystore.Store, connected ConnectedLister) (*Authenticator, *eventbus.MemoryBus) {
	t.Helper()
	keys, err := masterkeys.Load(t.TempDir(), masterkeys.Options{})
	require.NoError(t, err)
	key, err := crypt.GenerateKey()
	require.NoError(t, err)
	sessions, err := sessionkey.NewManager(t.TempDir(), time.Hour)
	require.NoError(t, err)
	if opts.PublishPort == 0 {
		opts.PublishPort = 4505
	}
	bus := eventbus.NewMemoryBus()
	a := New(opts, keys, store, NewPolicy(&config.Config{}), secrets.NewCell(key), sessions, connected, bus)
	return a, bus
}

func TestHandleNewKeyGoesPending(t *testing.T) {
	store := keystore.NewMemoryStore()
	a, _ := newTestAuth(t, Options{}, store, staticConnected{})
	_, pub := newMinionKey(t)
	load := wire.Load{"id": "minion1", "pub": pub}

	reply, err := a.Handle(load, wire.VersionLegacy)
	require.NoError(t, err)
	assert.Equal(t, wire.ClearReply{Enc: wire.EncClear, Load: wire.Load{"ret": true}}, reply)

	rec, err := store.FetchKey("minion1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, keystore.StatePending, rec.State)
	assert.Equal(t, pub, rec.Pub)

	// a retry while still pending changes nothing
	reply, err = a.Handle(wire.Load{"id": "minion1", "pub": pub}, wire.VersionLegacy)
	require.NoError(t, err)
	assert.Equal(t, wire.ClearReply{Enc: wire.EncClear, Load: wire.Load{"ret": true}}, reply)
	again, err := store.FetchKey("minion1")
	require.NoError(t, err)
	assert.Equal(t, rec, again)
}

func TestHandleAcceptedKeyGetsFullReply(t *testing.T) {
	store := keystore.NewMemoryStore()
	a, bus := newTestAuth(t, Options{AuthMode: 1, AuthEvents: true, PublishPort: 4505}, store, staticConnected{})
	minionKey, pub := newMinionKey(t)
	require.NoError(t, store.StoreKey("minion1", &keystore.KeyRecord{Pub: pub, State: keystore.StateAccepted}))

	reply, err := a.Handle(wire.Load{"id": "minion1", "pub": pub, "nonce": "n-1"}, wire.VersionSession)
	require.NoError(t, err)

	accept, ok := reply.(*wire.AuthAccept)
	require.True(t, ok, "expected an accept reply, got %T", reply)
	assert.Equal(t, wire.EncPub, accept.Enc)
	assert.Equal(t, 4505, accept.PublishPort)
	assert.NotEmpty(t, accept.PubKey)
	assert.NotEmpty(t, accept.AES)
	assert.NotEmpty(t, accept.Session)
	assert.NotEmpty(t, accept.Sig)
	assert.Equal(t, "n-1", accept.Nonce)

	// the minion can recover the shared secret with its private key
	secret, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, minionKey, accept.AES, nil)
	require.NoError(t, err)
	_, cellKey := a.aes.Current()
	assert.Equal(t, crypt.EncodeKeyString(cellKey), string(secret))

	// the digest signature verifies against the master's public key
	masterPub, err := crypt.ParsePublicKey(accept.PubKey)
	require.NoError(t, err)
	digest := sha256Hex(secret)
	assert.NoError(t, masterPub.VerifyDigest([]byte(digest), accept.Sig))

	events := bus.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "auth", events[0].Tag)

	// a second identical attempt leaves the record alone and accepts again
	reply, err = a.Handle(wire.Load{"id": "minion1", "pub": pub, "nonce": "n-2"}, wire.VersionSession)
	require.NoError(t, err)
	_, ok = reply.(*wire.AuthAccept)
	assert.True(t, ok)
	rec, err := store.FetchKey("minion1")
	require.NoError(t, err)
	assert.Equal(t, keystore.StateAccepted, rec.State)
	assert.Equal(t, pub, rec.Pub)
}

func TestHandleKeySwapIsDenied(t *testing.T) {
	store := keystore.NewMemoryStore()
	a, _ := newTestAuth(t, Options{}, store, staticConnected{})
	_, pub1 := newMinionKey(t)
	_, pub2 := newMinionKey(t)
	require.NoError(t, store.StoreKey("minion1", &keystore.KeyRecord{Pub: pub1, State: keystore.StateAccepted}))

	reply, err := a.Handle(wire.Load{"id": "minion1", "pub": pub2}, wire.VersionLegacy)
	require.NoError(t, err)
	assert.Equal(t, wire.ClearReply{Enc: wire.EncClear, Load: wire.Load{"ret": false}}, reply)

	denied, err := store.FetchDenied("minion1")
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, pub2, denied[0])

	// the denial is recorded once even on repeated attempts
	_, err = a.Handle(wire.Load{"id": "minion1", "pub": pub2}, wire.VersionLegacy)
	require.NoError(t, err)
	denied, err = store.FetchDenied("minion1")
	require.NoError(t, err)
	assert.Len(t, denied, 1)

	rec, err := store.FetchKey("minion1")
	require.NoError(t, err)
	assert.Equal(t, pub1, rec.Pub, "stored key must survive a swap attempt")
}

func TestHandleMaxMinionsBoundary(t *testing.T) {
	store := keystore.NewMemoryStore()
	_, pub := newMinionKey(t)
	require.NoError(t, store.StoreKey("web1", &keystore.KeyRecord{Pub: pub, State: keystore.StateAccepted}))
	a, _ := newTestAuth(t, Options{MaxMinions: 2, AuthMode: 1}, store, staticConnected{"web1", "web2"})

	// a new identity past the cap is told the master is full
	reply, err := a.Handle(wire.Load{"id": "web3", "pub": pub}, wire.VersionLegacy)
	require.NoError(t, err)
	assert.Equal(t, wire.ClearReply{Enc: wire.EncClear, Load: wire.Load{"ret": "full"}}, reply)
	rec, err := store.FetchKey("web3")
	require.NoError(t, err)
	assert.Nil(t, rec, "full gate must not create a record")

	// an already connected identity still re-authenticates
	reply, err = a.Handle(wire.Load{"id": "web1", "pub": pub}, wire.VersionLegacy)
	require.NoError(t, err)
	_, ok := reply.(*wire.AuthAccept)
	assert.True(t, ok)
}

func TestHandleSignedClearReply(t *testing.T) {
	store := keystore.NewMemoryStore()
	a, _ := newTestAuth(t, Options{}, store, staticConnected{})
	_, pub := newMinionKey(t)

	reply, err := a.Handle(wire.Load{"id": "minion1", "pub": pub, "nonce": "n-9"}, wire.VersionNonce)
	require.NoError(t, err)

	signed, ok := reply.(wire.SignedReply)
	require.True(t, ok, "expected a signed reply, got %T", reply)
	assert.Equal(t, wire.EncClear, signed.Enc)
	masterPub, err := crypt.ParsePublicKey(a.keys.PubStr())
	require.NoError(t, err)
	assert.NoError(t, masterPub.Verify(signed.Load, signed.Sig, signed.SigAlgo))

	load, err := wire.DecodeLoad(signed.Load)
	require.NoError(t, err)
	assert.Equal(t, "n-9", load["nonce"])
	assert.Equal(t, true, load["ret"])
}

func TestHandleBadAlgorithms(t *testing.T) {
	store := keystore.NewMemoryStore()
	a, _ := newTestAuth(t, Options{}, store, staticConnected{})
	_, pub := newMinionKey(t)

	reply, err := a.Handle(wire.Load{"id": "m", "pub": pub, "enc_algo": "OAEP-MD5"}, wire.VersionLegacy)
	require.NoError(t, err)
	assert.Equal(t, wire.ClearReply{Enc: wire.EncClear, Load: wire.Load{"ret": "bad enc algo"}}, reply)

	reply, err = a.Handle(wire.Load{"id": "m", "pub": pub, "sig_algo": "PKCS1v15-MD5"}, wire.VersionLegacy)
	require.NoError(t, err)
	assert.Equal(t, wire.ClearReply{Enc: wire.EncClear, Load: wire.Load{"ret": "bad sig algo"}}, reply)
}

func TestMinionVerifier(t *testing.T) {
	store := keystore.NewMemoryStore()
	minionKey, pub := newMinionKey(t)
	require.NoError(t, store.StoreKey("minion1", &keystore.KeyRecord{Pub: pub, State: keystore.StateAccepted}))
	v := NewMinionVerifier(store)

	token, err := rsa.SignPKCS1v15(rand.Reader, minionKey, 0, []byte(TokenPlaintext))
	require.NoError(t, err)
	assert.True(t, v.Verify("minion1", token))
	assert.False(t, v.Verify("minion1", []byte("forged")))
	assert.False(t, v.Verify("unknown", token))

	require.NoError(t, store.StoreKey("minion1", &keystore.KeyRecord{Pub: pub, State: keystore.StatePending}))
	assert.False(t, v.Verify("minion1", token), "pending keys must not pass the token check")
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestHandleRejectsInvalidIdentity(t *testing.T) {
	store := keystore.NewMemoryStore()
	a, _ := newTestAuth(t, Options{}, store, staticConnected{})
	_, pub := newMinionKey(t)

	// Identities name files and store keys; anything with separators or
	// whitespace is refused before a record can exist for it.
	for _, id := range []string{"evil/../peer id", "a b", "x/y", "", "dot..dot/"} {
		reply, err := a.Handle(wire.Load{"id": id, "pub": pub}, wire.VersionLegacy)
		require.NoError(t, err)
		assert.Equal(t, wire.ClearReply{Enc: wire.EncClear, Load: wire.Load{"ret": false}}, reply, "id %q", id)

		rec, err := store.FetchKey(id)
		require.NoError(t, err)
		assert.Nil(t, rec, "no record may be created for id %q", id)
	}

	// the same ids stay well-formed under the plain validator
	for _, id := range []string{"minion1", "web-1.example.com", "ns:web_1"} {
		assert.True(t, wire.ValidID(id), "id %q", id)
	}
}
