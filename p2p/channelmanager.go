package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SyncHook is the subset of sync.Manager that ChannelManager drives.
// Declaring it here, rather than importing package sync, keeps the
// dependency one-directional: sync imports p2p to manage the peer pool,
// so p2p cannot import sync back.
type SyncHook interface {
	AddPeer(p Peer)
	RemovePeer(p Peer)
}

// Dialer reconnects to a previously known, now-disconnected peer by id.
// facade.Ethereum implements it.
type Dialer interface {
	Reconnect(remoteID string) error
}

// ChannelManager tracks every connection from first contact through the
// sub-protocol handshake to active sync participation, and applies the
// reconnect-once-then-drop policy described in SPEC_FULL.md 4.2. It is
// grounded on ethereumj's net.server.ChannelManager.
type ChannelManager struct {
	sync SyncHook
	dial Dialer

	mu          sync.Mutex
	newPeers    []*Channel
	activePeers []*Channel

	reconnectMu     sync.Mutex
	disconnectedIDs map[string]struct{}
	reconnectedIDs  map[string]struct{}

	log logger
}

// logger is the narrow slice of go-ethereum/log.Logger ChannelManager
// needs; declared here so tests can supply a no-op implementation without
// pulling in the real logging backend.
type logger interface {
	Info(msg string, ctx ...interface{})
}

// NewChannelManager constructs a ChannelManager. sync and dial must be
// non-nil; log may be the package logger or a test double.
func NewChannelManager(sync SyncHook, dial Dialer, log logger) *ChannelManager {
	return &ChannelManager{
		sync:            sync,
		dial:            dial,
		disconnectedIDs: make(map[string]struct{}),
		reconnectedIDs:  make(map[string]struct{}),
		log:             log,
	}
}

// Run starts the main worker (1s) and reconnect worker (5s) and blocks
// until ctx is canceled.
func (cm *ChannelManager) Run(ctx context.Context) {
	main := time.NewTicker(time.Second)
	reconnect := time.NewTicker(5 * time.Second)
	defer main.Stop()
	defer reconnect.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-main.C:
			cm.processNewPeers()
		case <-reconnect.C:
			cm.processReconnects()
		}
	}
}

// AddChannel registers a freshly connected channel as pending handshake
// completion.
func (cm *ChannelManager) AddChannel(ch *Channel) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.newPeers = append(cm.newPeers, ch)
}

// SendTransaction announces a transaction hash to every active peer.
func (cm *ChannelManager) SendTransaction(hash common.Hash) {
	cm.mu.Lock()
	peers := append([]*Channel(nil), cm.activePeers...)
	cm.mu.Unlock()

	for _, ch := range peers {
		ch.SendTransaction(hash)
	}
}

// NotifyDisconnect removes an active channel and applies the
// reconnect-once-then-drop policy: a peer reconnecting after a prior
// disconnect is dropped for good on its second disconnect, rather than
// being retried forever.
func (cm *ChannelManager) NotifyDisconnect(ch *Channel) {
	cm.mu.Lock()
	idx := -1
	for i, p := range cm.activePeers {
		if p == ch {
			idx = i
			break
		}
	}
	if idx < 0 {
		cm.mu.Unlock()
		return
	}
	cm.activePeers = append(cm.activePeers[:idx], cm.activePeers[idx+1:]...)
	cm.mu.Unlock()

	ch.OnDisconnect()
	cm.sync.RemovePeer(ch.Peer)

	cm.reconnectMu.Lock()
	defer cm.reconnectMu.Unlock()
	if _, seen := cm.reconnectedIDs[ch.RemoteID]; seen {
		cm.log.Info("Peer hit too much disconnects, dropping", "peer", ch.RemoteID)
		delete(cm.reconnectedIDs, ch.RemoteID)
	} else {
		cm.log.Info("Peer disconnected", "peer", ch.RemoteID)
		cm.disconnectedIDs[ch.RemoteID] = struct{}{}
	}
}

func (cm *ChannelManager) processNewPeers() {
	cm.mu.Lock()
	pending := cm.newPeers
	cm.mu.Unlock()

	var processed []*Channel
	for _, ch := range pending {
		if !ch.HasInitPassed() {
			continue
		}
		if ch.IsUseful() {
			cm.processUseful(ch)
		}
		processed = append(processed, ch)
	}
	if len(processed) == 0 {
		return
	}

	cm.mu.Lock()
	cm.newPeers = removeAll(cm.newPeers, processed)
	cm.mu.Unlock()
}

func (cm *ChannelManager) processUseful(ch *Channel) {
	if !ch.Peer.HasStatusSucceeded() {
		return
	}
	cm.sync.AddPeer(ch.Peer)
	cm.mu.Lock()
	cm.activePeers = append(cm.activePeers, ch)
	cm.mu.Unlock()
}

func (cm *ChannelManager) processReconnects() {
	cm.reconnectMu.Lock()
	ids := make([]string, 0, len(cm.disconnectedIDs))
	for id := range cm.disconnectedIDs {
		ids = append(ids, id)
	}
	cm.reconnectMu.Unlock()

	for _, id := range ids {
		cm.log.Info("Peer reconnecting", "peer", id)
		if err := cm.dial.Reconnect(id); err != nil {
			cm.log.Info("Peer reconnect failed", "peer", id, "err", err)
		}
	}

	cm.reconnectMu.Lock()
	for _, id := range ids {
		cm.reconnectedIDs[id] = struct{}{}
		delete(cm.disconnectedIDs, id)
	}
	cm.reconnectMu.Unlock()
}

func removeAll(all, remove []*Channel) []*Channel {
	skip := make(map[*Channel]struct{}, len(remove))
	for _, ch := range remove {
		skip[ch] = struct{}{}
	}
	out := all[:0]
	for _, ch := range all {
		if _, drop := skip[ch]; !drop {
			out = append(out, ch)
		}
	}
	return out
}
