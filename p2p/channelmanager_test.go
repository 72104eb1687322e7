package p2p

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncHook struct {
	added   []Peer
	removed []Peer
}

func (f *fakeSyncHook) AddPeer(p Peer)    { f.added = append(f.added, p) }
func (f *fakeSyncHook) RemovePeer(p Peer) { f.removed = append(f.removed, p) }

type fakeDialer struct {
	reconnected []string
	failID      string
}

func (f *fakeDialer) Reconnect(remoteID string) error {
	f.reconnected = append(f.reconnected, remoteID)
	if remoteID == f.failID {
		return errReconnectFailed
	}
	return nil
}

var errReconnectFailed = errors.New("reconnect failed")

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{}) {}

func TestChannelManager_UsefulPeerBecomesActive(t *testing.T) {
	hook := &fakeSyncHook{}
	cm := NewChannelManager(hook, &fakeDialer{}, nopLogger{})

	peer := &fakePeer{id: "a", td: big.NewInt(1), statusSucceeded: true}
	ch := NewChannel(peer, "a")
	ch.MarkInitPassed(true)
	cm.AddChannel(ch)

	cm.processNewPeers()

	require.Len(t, hook.added, 1)
	assert.Equal(t, peer, hook.added[0])
	assert.Len(t, cm.activePeers, 1)
	assert.Empty(t, cm.newPeers)
}

func TestChannelManager_PendingHandshakeStaysQueued(t *testing.T) {
	hook := &fakeSyncHook{}
	cm := NewChannelManager(hook, &fakeDialer{}, nopLogger{})

	peer := &fakePeer{id: "a", td: big.NewInt(1)}
	ch := NewChannel(peer, "a")
	cm.AddChannel(ch)

	cm.processNewPeers()

	assert.Empty(t, hook.added)
	assert.Len(t, cm.newPeers, 1)
}

func TestChannelManager_ReconnectOnceThenDrop(t *testing.T) {
	hook := &fakeSyncHook{}
	dialer := &fakeDialer{}
	cm := NewChannelManager(hook, dialer, nopLogger{})

	peer := &fakePeer{id: "a", td: big.NewInt(1), statusSucceeded: true}
	ch := NewChannel(peer, "a")
	ch.MarkInitPassed(true)
	cm.AddChannel(ch)
	cm.processNewPeers()
	require.Len(t, cm.activePeers, 1)

	// First disconnect: queued for reconnect.
	cm.NotifyDisconnect(ch)
	assert.Len(t, hook.removed, 1)
	assert.Contains(t, cm.disconnectedIDs, "a")

	cm.processReconnects()
	assert.Contains(t, dialer.reconnected, "a")
	assert.Contains(t, cm.reconnectedIDs, "a")
	assert.NotContains(t, cm.disconnectedIDs, "a")

	// Re-admit and disconnect again: should drop instead of reconnecting.
	cm.AddChannel(ch)
	ch.MarkInitPassed(true)
	cm.processNewPeers()
	cm.NotifyDisconnect(ch)

	assert.NotContains(t, cm.disconnectedIDs, "a")
	assert.NotContains(t, cm.reconnectedIDs, "a")
}
