package p2p

import (
	"sync"

	"github.com/chaincore-go/syncnode/state"
	"github.com/ethereum/go-ethereum/common"
)

// Channel wraps a Peer with the connection-lifecycle bookkeeping
// ChannelManager needs, grounded on ethereumj's net.server.Channel: a
// channel starts out new, becomes "init passed" once the sub-protocol
// handshake completes, and is useful once its handshake status indicates it
// is worth syncing with at all.
type Channel struct {
	Peer     Peer
	RemoteID string

	mu         sync.RWMutex
	initPassed bool
	useful     bool
}

// NewChannel wraps a freshly accepted/dialed peer. It has not yet passed
// its sub-protocol handshake.
func NewChannel(p Peer, remoteID string) *Channel {
	return &Channel{Peer: p, RemoteID: remoteID}
}

// MarkInitPassed records that the sub-protocol handshake completed and
// records whether the resulting peer is useful to the sync core.
func (c *Channel) MarkInitPassed(useful bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initPassed = true
	c.useful = useful
}

// HasInitPassed reports whether the sub-protocol handshake has completed.
func (c *Channel) HasInitPassed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initPassed
}

// IsUseful reports whether the channel is worth handing to the sync core.
func (c *Channel) IsUseful() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.useful
}

// SendTransaction announces a transaction hash to the remote peer.
func (c *Channel) SendTransaction(hash common.Hash) {
	c.Peer.SendTransactionHashes([]common.Hash{hash})
}

// OnDisconnect idles the wrapped peer's sync state. It does not close the
// underlying connection - that already happened by the time
// ChannelManager.NotifyDisconnect is called.
func (c *Channel) OnDisconnect() {
	c.Peer.ChangeState(state.Idle)
}
