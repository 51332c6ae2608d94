package publish

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/eventbus"
	"github.com/fleetwork/drover/pkg/masterkeys"
	"github.com/fleetwork/drover/pkg/matcher"
	"github.com/fleetwork/drover/pkg/secrets"
)

func newListenerRouter(t *testing.T, verifier TokenVerifier) (*Router, *matcher.MemoryRegistry) {
	t.Helper()
	keys, err := masterkeys.Load(t.TempDir(), masterkeys.Options{})
	require.NoError(t, err)
	key, err := crypt.GenerateKey()
	require.NoError(t, err)
	registry := matcher.NewMemoryRegistry()
	svc := matcher.NewService(func() ([]string, error) {
		return []string{"web1"}, nil
	}, registry)
	r := NewRouter(Options{}, secrets.NewCell(key), keys, svc, verifier, registry, &fakeTransport{}, eventbus.NewMemoryBus())
	return r, registry
}

func announcement(t *testing.T, id, handle string) []byte {
	t.Helper()
	raw, err := json.Marshal(presenceAnnouncement{ID: id, Token: []byte("tok"), Handle: handle})
	require.NoError(t, err)
	return raw
}

func TestPresenceJoinRegistersConnection(t *testing.T) {
	r, registry := newListenerRouter(t, allowAll{})

	assert.True(t, r.HandlePresenceJoin(announcement(t, "web1", "conn-1")))
	assert.Equal(t, []string{"web1"}, r.PresentIDs())

	connected, err := registry.ConnectedIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"web1"}, connected, "the join must reach the connected registry")
}

func TestPresenceJoinRejectsInvalidIdentity(t *testing.T) {
	r, _ := newListenerRouter(t, allowAll{})

	assert.False(t, r.HandlePresenceJoin(announcement(t, "evil/../peer id", "conn-1")))
	assert.False(t, r.HandlePresenceJoin(announcement(t, "web1", "")), "a join needs a connection handle")
	assert.False(t, r.HandlePresenceJoin([]byte("not json")))
	assert.Empty(t, r.PresentIDs())
}

func TestPresenceJoinRejectsBadToken(t *testing.T) {
	r, registry := newListenerRouter(t, denyAll{})

	assert.False(t, r.HandlePresenceJoin(announcement(t, "web1", "conn-1")))
	connected, err := registry.ConnectedIDs()
	require.NoError(t, err)
	assert.Empty(t, connected)
}

func TestPresenceLeaveRemovesConnection(t *testing.T) {
	r, registry := newListenerRouter(t, allowAll{})

	require.True(t, r.HandlePresenceJoin(announcement(t, "web1", "conn-1")))
	r.HandlePresenceLeave(announcement(t, "web1", "conn-1"))
	assert.Empty(t, r.PresentIDs())

	connected, err := registry.ConnectedIDs()
	require.NoError(t, err)
	assert.Empty(t, connected)

	// a departure for an unknown connection is a no-op
	r.HandlePresenceLeave(announcement(t, "web1", "conn-9"))
	r.HandlePresenceLeave([]byte("not json"))
}
