// Package sync implements the chain synchronization core: master peer
// election, state machine transitions, gap recovery, and the periodic
// workers that keep the peer pool healthy. It is grounded on ethereumj's
// net.eth.SyncManager, generalized from a single Spring-managed singleton
// into an explicitly constructed, context-driven component.
package sync

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/chaincore-go/syncnode/block"
	"github.com/chaincore-go/syncnode/blockqueue"
	"github.com/chaincore-go/syncnode/discover"
	"github.com/chaincore-go/syncnode/p2p"
	"github.com/chaincore-go/syncnode/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

// Config bundles the tunables SPEC_FULL.md 6 names. DefaultConfig returns a
// fully populated Config; New uses the fields as given and does not fill in
// zero values.
type Config struct {
	PeersCount          int
	ConnectionTimeout   time.Duration
	LargeGapThreshold   uint64
	TimeToImportThresh  time.Duration
	MaxHashesAsk        int
	WorkerInterval      time.Duration
	LogWorkerInterval   time.Duration
}

// DefaultConfig returns the tunables ethereumj's SyncManager hard-codes.
func DefaultConfig() Config {
	return Config{
		PeersCount:         5,
		ConnectionTimeout:  60 * time.Second,
		LargeGapThreshold:  5,
		TimeToImportThresh: 10 * time.Minute,
		MaxHashesAsk:       256,
		WorkerInterval:     3 * time.Second,
		LogWorkerInterval:  30 * time.Second,
	}
}

// Blockchain is the local chain state SyncManager compares peers against.
// It is satisfied by whatever block-import pipeline sits downstream of the
// importer package; this module does not implement one itself.
type Blockchain interface {
	TotalDifficulty() *big.Int
	BestBlockNumber() uint64
	BestBlockHash() common.Hash
}

// Connector dials a discovered node. facade.Ethereum implements it.
type Connector interface {
	Connect(node *enode.Node) error
}

// Listener is notified of sync lifecycle events. Implementations must not
// block.
type Listener interface {
	OnSyncDone()
}

// Manager is the chain synchronization state machine described in
// SPEC_FULL.md 4.1.
type Manager struct {
	cfg Config

	blockchain Blockchain
	queue      *blockqueue.BlockQueue
	ethereum   Connector
	discovery  *discover.Manager
	listener   Listener
	log        log.Logger

	mu                sync.Mutex
	syncState         state.State
	prevState         state.State
	masterPeer        p2p.Peer
	peers             []p2p.Peer
	maxHashesAsk      int
	bestHash          common.Hash
	lowerUsefulDiff   *big.Int

	connectMu sync.Mutex
	connectAt map[string]time.Time
}

// New constructs a Manager in the INIT state. Run must be called to start
// its periodic workers and discovery listener.
func New(cfg Config, blockchain Blockchain, queue *blockqueue.BlockQueue, ethereum Connector, discovery *discover.Manager, listener Listener) *Manager {
	return &Manager{
		cfg:             cfg,
		blockchain:      blockchain,
		queue:           queue,
		ethereum:        ethereum,
		discovery:       discovery,
		listener:        listener,
		log:             log.New("module", "sync"),
		syncState:       state.Init,
		prevState:       state.Init,
		lowerUsefulDiff: blockchain.TotalDifficulty(),
		connectAt:       make(map[string]time.Time),
	}
}

// Run starts the periodic workers and the discovery listener, and blocks
// until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	m.discovery.AddListener(m, func(s *discover.Statistics) bool {
		if s.LastInboundStatus == nil {
			return false
		}
		known := m.queue.HashStore().HighestTotalDifficulty()
		if known == nil {
			return true
		}
		return s.LastInboundStatus.TotalDifficultyAsBigInt().Cmp(known) > 0
	})

	worker := time.NewTicker(m.cfg.WorkerInterval)
	logWorker := time.NewTicker(m.cfg.LogWorkerInterval)
	defer worker.Stop()
	defer logWorker.Stop()

	m.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-worker.C:
			m.tick()
		case <-logWorker.C:
			m.logStats()
		}
	}
}

func (m *Manager) tick() {
	m.checkMaster()
	m.checkPeers()
	m.removeOutdatedConnections()
	m.askNewPeers()
}

// NodeAppeared implements discover.Listener: dial every newly discovered
// node whose statistics passed the "better than what we know" predicate
// registered in Run.
func (m *Manager) NodeAppeared(n *enode.Node) {
	m.initiateConnection(n)
}

// NodeDisappeared implements discover.Listener. SyncManager does not react
// to nodes leaving the table.
func (m *Manager) NodeDisappeared(*enode.Node) {}

func (m *Manager) checkMaster() {
	m.mu.Lock()
	st, master := m.syncState, m.masterPeer
	prev := m.prevState
	m.mu.Unlock()

	if master == nil {
		return
	}
	if st == state.HashRetrieving && master.IsHashRetrievingDone() {
		m.ChangeState(state.BlockRetrieving)
	}
	if st == state.GapRecovery && master.IsHashRetrievingDone() {
		if prev == state.BlockRetrieving {
			m.ChangeState(state.BlockRetrieving)
		} else {
			m.ChangeState(state.DoneGapRecovery)
		}
	}
}

func (m *Manager) checkPeers() {
	m.mu.Lock()
	peers := append([]p2p.Peer(nil), m.peers...)
	m.mu.Unlock()

	var removed []p2p.Peer
	for _, p := range peers {
		if p.HasNoMoreBlocks() {
			m.log.Info("Peer has no more blocks, removing", "peer", p.ID())
			removed = append(removed, p)
			p.ChangeState(state.Idle)
			td := p.HandshakeStatus().TotalDifficultyAsBigInt()
			m.mu.Lock()
			if td.Cmp(m.lowerUsefulDiff) > 0 {
				m.lowerUsefulDiff = td
			}
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	if m.blockchain.TotalDifficulty().Cmp(m.lowerUsefulDiff) > 0 {
		m.lowerUsefulDiff = m.blockchain.TotalDifficulty()
	}
	if len(removed) > 0 {
		m.peers = removePeers(m.peers, removed)
	}
	st := m.syncState
	remaining := append([]p2p.Peer(nil), m.peers...)
	m.mu.Unlock()

	// Forcing peers to continue blocks downloading if there are more
	// hashes to process; peers become idle if they meet an empty hash
	// store but it's not the end.
	empty := m.queue.HashStore().Empty()
	if (st == state.BlockRetrieving || st == state.DoneSync || st == state.DoneGapRecovery) && !empty {
		for _, p := range remaining {
			if p.IsIdle() {
				p.ChangeState(state.BlockRetrieving)
			}
		}
	}
}

func removePeers(all, remove []p2p.Peer) []p2p.Peer {
	skip := make(map[p2p.Peer]struct{}, len(remove))
	for _, p := range remove {
		skip[p] = struct{}{}
	}
	out := all[:0]
	for _, p := range all {
		if _, drop := skip[p]; !drop {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) removeOutdatedConnections() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	now := time.Now()
	for id, at := range m.connectAt {
		if now.Sub(at) > m.cfg.ConnectionTimeout {
			delete(m.connectAt, id)
		}
	}
}

func (m *Manager) askNewPeers() {
	m.mu.Lock()
	lack := m.cfg.PeersCount - len(m.peers)
	inUse := make(map[string]struct{}, len(m.peers))
	for _, p := range m.peers {
		inUse[p.ID()] = struct{}{}
	}
	lowerUseful := m.lowerUsefulDiff
	m.mu.Unlock()
	if lack <= 0 {
		return
	}

	m.connectMu.Lock()
	for id := range m.connectAt {
		inUse[id] = struct{}{}
	}
	m.connectMu.Unlock()

	candidates := m.discovery.Nodes(
		func(s *discover.Statistics) bool {
			if s == nil || s.LastInboundStatus == nil {
				return false
			}
			return s.LastInboundStatus.TotalDifficultyAsBigInt().Cmp(lowerUseful) > 0
		},
		func(a, b *discover.Statistics) bool {
			var tda, tdb *big.Int
			if a != nil && a.LastInboundStatus != nil {
				tda = a.LastInboundStatus.TotalDifficultyAsBigInt()
			}
			if b != nil && b.LastInboundStatus != nil {
				tdb = b.LastInboundStatus.TotalDifficultyAsBigInt()
			}
			switch {
			case tda != nil && tdb != nil:
				return tda.Cmp(tdb) > 0
			case tda == nil && tdb == nil:
				return false
			default:
				return tda != nil
			}
		},
		lack,
	)
	for _, n := range candidates {
		if _, used := inUse[peerKey(n)]; used {
			continue
		}
		m.initiateConnection(n)
	}
}

// peerKey derives the same truncated id p2p.Handle.ID() uses from a raw
// enode.Node, so pending-connect bookkeeping (keyed off discovered nodes)
// and pool membership (keyed off p2p.Peer) refer to the same identity.
func peerKey(n *enode.Node) string {
	return fmt.Sprintf("%x", n.ID().Bytes()[:8])
}

func (m *Manager) logStats() {
	m.mu.Lock()
	peers := append([]p2p.Peer(nil), m.peers...)
	st := m.syncState
	m.mu.Unlock()

	if len(peers) == 0 {
		return
	}
	m.log.Info("Active peers", "count", len(peers), "state", st)
	for _, p := range peers {
		p.LogSyncStats()
	}
}

// RemovePeer drops a peer from the pool and idles it. It is a no-op once
// the sync run has reached DONE_SYNC.
func (m *Manager) RemovePeer(p p2p.Peer) {
	m.mu.Lock()
	if m.syncState == state.DoneSync {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.connectMu.Lock()
	delete(m.connectAt, p.ID())
	m.connectMu.Unlock()

	p.ChangeState(state.Idle)

	m.mu.Lock()
	m.peers = removePeers(m.peers, []p2p.Peer{p})
	m.mu.Unlock()
}

// AddPeer admits a peer into the pool if its chain is at least as good as
// ours, and kicks off hash retrieval if its chain looks materially better
// than anything seen so far.
func (m *Manager) AddPeer(p p2p.Peer) {
	m.mu.Lock()
	if m.syncState == state.DoneSync {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.connectMu.Lock()
	delete(m.connectAt, p.ID())
	m.connectMu.Unlock()

	peerTD := p.TotalDifficulty()
	ourTD := m.blockchain.TotalDifficulty()
	if ourTD.Cmp(peerTD) > 0 {
		m.log.Info("Peer's difficulty lower than ours, skipping", "peer", p.ID(), "peerTD", peerTD, "ourTD", ourTD)
		return
	}

	m.mu.Lock()
	m.peers = append(m.peers, p)
	m.mu.Unlock()
	m.log.Info("Peer added to pool", "peer", p.ID())

	known := m.queue.HashStore().HighestTotalDifficulty()
	if known == nil || !isIn20PercentRange(known, peerTD) {
		m.log.Info("Peer's chain is better than previously known", "peer", p.ID(), "peerTD", peerTD, "known", known)
		m.ChangeState(state.HashRetrieving)
		return
	}

	m.mu.Lock()
	st := m.syncState
	m.mu.Unlock()
	if st == state.BlockRetrieving {
		p.ChangeState(state.BlockRetrieving)
	}
}

// RecoverGap reacts to a block whose parent is missing from the local
// chain: a small gap just asks for the missing parent directly, a large
// one (beyond LargeGapThreshold) triggers a focused GAP_RECOVERY hash
// retrieval run.
func (m *Manager) RecoverGap(w *block.Wrapper) {
	m.mu.Lock()
	st := m.syncState
	m.mu.Unlock()

	if st == state.GapRecovery {
		m.log.Info("Gap recovery is already in progress, postpone")
		return
	}
	if w.IsNewBlock && !m.allowNewBlockGapRecovery() {
		m.log.Info("Postponing NEW block gap recovery", "state", st, "number", w.Number)
		return
	}

	bestNumber := m.blockchain.BestBlockNumber()
	var gap uint64
	if w.Number > bestNumber {
		gap = w.Number - bestNumber
	}
	m.log.Info("Trying to recover gap", "new", w.IsNewBlock, "blockNumber", w.Number, "bestNumber", bestNumber)

	if gap > m.cfg.LargeGapThreshold {
		ask := int(gap)
		if ask > m.cfg.MaxHashesAsk {
			ask = m.cfg.MaxHashesAsk
		}
		m.mu.Lock()
		m.maxHashesAsk = ask
		m.bestHash = w.Hash
		m.mu.Unlock()
		m.log.Info("Recovering blocks gap", "number", w.Number, "hash", w.Hash)
		m.ChangeState(state.GapRecovery)
	} else {
		m.log.Info("Forcing parent downloading", "number", w.Number)
		m.queue.HashStore().PushFront(w.ParentHash)
	}
}

func (m *Manager) allowNewBlockGapRecovery() bool {
	m.mu.Lock()
	st := m.syncState
	m.mu.Unlock()
	empty := m.queue.HashStore().Empty()
	return (st == state.BlockRetrieving && empty) || st == state.DoneSync || st == state.DoneGapRecovery
}

// NotifyNewBlockImported reacts to a NEW block (as opposed to one fetched
// during sync) finishing import: if it arrived and imported quickly
// enough, the chain is considered caught up and the run finishes.
func (m *Manager) NotifyNewBlockImported(w *block.Wrapper) {
	m.mu.Lock()
	st := m.syncState
	m.mu.Unlock()

	if st == state.DoneSync || st == state.GapRecovery || st == state.DoneGapRecovery {
		return
	}
	if w.TimeSinceReceiving() <= uint64(m.cfg.TimeToImportThresh/time.Millisecond) {
		m.log.Info("NEW block imported", "number", w.Number)
		m.ChangeState(state.DoneSync)
	} else {
		m.log.Info("NEW block exceeds import time limit, continuing sync", "number", w.Number, "minsSinceReceiving", w.TimeSinceReceiving()/1000/60)
	}
}

// ChangeState drives the state machine transition side effects described
// in SPEC_FULL.md 4.1: master peer (re-)election on HASH_RETRIEVING/
// GAP_RECOVERY, pushing the new state down to every peer, and the
// DONE_SYNC listener notification.
func (m *Manager) ChangeState(newState state.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch newState {
	case state.HashRetrieving:
		if len(m.peers) == 0 {
			return
		}
		master := electMaster(m.peers)
		m.masterPeer = master
		m.queue.HashStore().SetHighestTotalDifficulty(master.TotalDifficulty())

		if m.syncState == state.Init {
			if interrupted, err := m.queue.SyncWasInterrupted(); err == nil && interrupted {
				m.log.Info("BLOCK_RETRIEVING seems to have been interrupted, resuming")
				m.prevState = m.syncState
				m.syncState = state.BlockRetrieving
				m.runHashRetrievingOnMasterLocked()
				m.changePeersStateLocked(state.BlockRetrieving)
				return
			}
		}

		m.bestHash = master.BestHash()
		m.queue.HashStore().Clear()
		m.changePeersStateLocked(state.Idle)
		m.maxHashesAsk = m.cfg.MaxHashesAsk
		m.runHashRetrievingOnMasterLocked()

	case state.GapRecovery:
		if len(m.peers) == 0 {
			return
		}
		m.masterPeer = electMaster(m.peers)
		m.runHashRetrievingOnMasterLocked()
		m.log.Info("Gap recovery initiated")

	case state.BlockRetrieving:
		m.changePeersStateLocked(state.BlockRetrieving)
		m.log.Info("Block retrieving initiated")

	case state.DoneGapRecovery:
		m.changePeersStateLocked(state.BlockRetrieving)
		m.log.Info("Done gap recovery")

	case state.DoneSync:
		if m.syncState == state.DoneSync {
			return
		}
		m.changePeersStateLocked(state.DoneSync)
		if m.listener != nil {
			m.listener.OnSyncDone()
		}
		m.log.Info("Main synchronization is finished")
	}

	m.prevState = m.syncState
	m.syncState = newState
}

func electMaster(peers []p2p.Peer) p2p.Peer {
	var best p2p.Peer
	var bestTD *big.Int
	for _, p := range peers {
		td := p.TotalDifficulty()
		if best == nil || td.Cmp(bestTD) > 0 {
			best, bestTD = p, td
		}
	}
	return best
}

func (m *Manager) runHashRetrievingOnMasterLocked() {
	m.queue.HashStore().SetBestHash(m.bestHash)
	m.masterPeer.SetMaxHashesAsk(m.maxHashesAsk)
	m.masterPeer.ChangeState(state.HashRetrieving)
	m.log.Info("Master peer hash retrieving initiated", "bestHash", m.bestHash, "askLimit", m.maxHashesAsk)
	m.log.Debug("Local best block", "hash", m.blockchain.BestBlockHash())
}

func (m *Manager) changePeersStateLocked(newState state.State) {
	for _, p := range m.peers {
		p.ChangeState(newState)
	}
}

func (m *Manager) initiateConnection(n *enode.Node) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	id := peerKey(n)
	if _, ok := m.connectAt[id]; ok {
		return
	}
	if err := m.ethereum.Connect(n); err != nil {
		m.log.Info("Connect attempt failed", "node", id, "err", err)
	}
	m.connectAt[id] = time.Now()
}

// IsHashRetrieving reports whether the manager is walking the master
// peer's chain backwards to a common ancestor.
func (m *Manager) IsHashRetrieving() bool { return m.currentState() == state.HashRetrieving }

// IsGapRecovery reports whether a focused gap-recovery hash retrieval is
// in progress.
func (m *Manager) IsGapRecovery() bool { return m.currentState() == state.GapRecovery }

// IsGapRecoveryDone reports whether the manager just finished a
// gap-recovery run.
func (m *Manager) IsGapRecoveryDone() bool { return m.currentState() == state.DoneGapRecovery }

// IsBlockRetrieving reports whether the manager is downloading block
// bodies for previously retrieved hashes.
func (m *Manager) IsBlockRetrieving() bool { return m.currentState() == state.BlockRetrieving }

// IsSyncDone reports whether the sync run has reached its terminal state.
func (m *Manager) IsSyncDone() bool { return m.currentState() == state.DoneSync }

// HashStoreEmpty reports whether there are no pending hashes left to walk.
func (m *Manager) HashStoreEmpty() bool { return m.queue.HashStore().Empty() }

// State returns the manager's current state.
func (m *Manager) State() state.State { return m.currentState() }

func (m *Manager) currentState() state.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncState
}

// isIn20PercentRange reports whether b falls within 20% of a in either
// direction, grounded on ethereumj's BIUtil.isIn20PercentRange.
func isIn20PercentRange(a, b *big.Int) bool {
	if a.Sign() == 0 {
		return b.Sign() == 0
	}
	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)
	threshold := new(big.Int).Div(a, big.NewInt(5))
	return diff.Cmp(threshold) <= 0
}
