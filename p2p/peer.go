// Package p2p tracks the set of connected peers and the commands the sync
// core issues against them. It is grounded on cluster/master/peer.go's
// peer/peerSet pattern, generalized from an Ethereum sub-protocol handler to
// the chain-synchronization handler described in SPEC_FULL.md.
package p2p

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/chaincore-go/syncnode/state"
	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/common"
	gethp2p "github.com/ethereum/go-ethereum/p2p"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

var (
	errClosed            = errors.New("peer set is closed")
	errAlreadyRegistered = errors.New("peer is already registered")
	errNotRegistered     = errors.New("peer is not registered")
)

// maxKnownHashes bounds the per-peer set of transaction hashes we remember
// having already announced, so a long-lived connection can't grow it without
// limit.
const maxKnownHashes = 1024

// Peer is the contract SyncManager needs from a connected node. It is
// satisfied by *Handle; tests substitute a fake to drive the state machine
// without a live connection.
type Peer interface {
	ID() string
	TotalDifficulty() *big.Int
	BestHash() common.Hash
	HandshakeStatus() *StatusMessage
	HasStatusSucceeded() bool

	ChangeState(s state.State)
	State() state.State
	SetMaxHashesAsk(n int)

	IsIdle() bool
	IsHashRetrievingDone() bool
	HasNoMoreBlocks() bool

	SendTransactionHashes(hashes []common.Hash)
	Disconnect()

	LogSyncStats()
}

// Handle is the concrete Peer backing a live connection negotiated over a
// go-ethereum p2p.Peer/MsgReadWriter pair.
type Handle struct {
	node *enode.Node
	rw   gethp2p.MsgReadWriter
	id   string

	mu                 sync.RWMutex
	syncState          state.State
	status             *StatusMessage
	maxHashesAsk       int
	hashRetrievingDone bool
	noMoreBlocks       bool
	statusSucceeded    bool

	disconnectOnce sync.Once
	disconnected   chan struct{}

	knownHashes mapset.Set
}

// NewHandle wraps a negotiated connection. status must already reflect a
// completed handshake; HasStatusSucceeded reports true from construction.
func NewHandle(node *enode.Node, rw gethp2p.MsgReadWriter, status *StatusMessage) *Handle {
	return &Handle{
		node:            node,
		rw:              rw,
		id:              fmt.Sprintf("%x", node.ID().Bytes()[:8]),
		syncState:       state.Idle,
		status:          status,
		statusSucceeded: status != nil,
		disconnected:    make(chan struct{}),
		knownHashes:     mapset.NewSet(),
	}
}

func (h *Handle) ID() string { return h.id }

// TotalDifficulty returns the total difficulty the peer advertised in its
// handshake status.
func (h *Handle) TotalDifficulty() *big.Int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.TotalDifficultyAsBigInt()
}

// BestHash returns the head hash the peer advertised in its handshake
// status.
func (h *Handle) BestHash() common.Hash {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.status == nil {
		return common.Hash{}
	}
	return h.status.BestHash
}

// HandshakeStatus returns the status message exchanged at connection time.
func (h *Handle) HandshakeStatus() *StatusMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// HasStatusSucceeded reports whether the handshake completed successfully.
func (h *Handle) HasStatusSucceeded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusSucceeded
}

// ChangeState updates the peer's local notion of what it's being asked to
// do. It does not itself send any protocol message; callers that need a
// retrieval to actually start issue the request separately.
func (h *Handle) ChangeState(s state.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncState = s
	if s == state.HashRetrieving {
		h.hashRetrievingDone = false
	}
}

// State returns the peer's current sync state.
func (h *Handle) State() state.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.syncState
}

// SetMaxHashesAsk records the per-request hash retrieval ceiling the
// manager wants this peer to honor.
func (h *Handle) SetMaxHashesAsk(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxHashesAsk = n
}

// MaxHashesAsk returns the current per-request ceiling.
func (h *Handle) MaxHashesAsk() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.maxHashesAsk
}

// IsIdle reports whether the peer is not currently driving any retrieval.
func (h *Handle) IsIdle() bool {
	return h.State() == state.Idle
}

// IsHashRetrievingDone reports whether the peer has finished walking back
// to a common ancestor during its current HASH_RETRIEVING run.
func (h *Handle) IsHashRetrievingDone() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hashRetrievingDone
}

// MarkHashRetrievingDone is called by the protocol handler once the peer's
// hash response signals it has reached a known ancestor or its chain tip.
func (h *Handle) MarkHashRetrievingDone() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hashRetrievingDone = true
}

// HasNoMoreBlocks reports whether the peer has told us it has nothing left
// to serve for the current retrieval.
func (h *Handle) HasNoMoreBlocks() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.noMoreBlocks
}

// MarkNoMoreBlocks is called by the protocol handler on an empty block
// response.
func (h *Handle) MarkNoMoreBlocks() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.noMoreBlocks = true
}

// SendTransactionHashes announces transactions to the peer, skipping any
// hash already known to have been sent. Delivery is best-effort; a write
// failure just disconnects the peer, it does not propagate to the caller.
func (h *Handle) SendTransactionHashes(hashes []common.Hash) {
	fresh := make([]common.Hash, 0, len(hashes))
	for _, hash := range hashes {
		if h.knownHashes.Contains(hash) {
			continue
		}
		fresh = append(fresh, hash)
	}
	if len(fresh) == 0 {
		return
	}
	err := gethp2p.Send(h.rw, transactionHashesMsg, fresh)
	if err != nil {
		h.Disconnect()
		return
	}
	h.markKnown(fresh)
}

// markKnown records hashes as delivered to this peer, evicting arbitrary
// entries (the set keeps no insertion order) once it reaches maxKnownHashes.
func (h *Handle) markKnown(hashes []common.Hash) {
	for _, hash := range hashes {
		for h.knownHashes.Cardinality() >= maxKnownHashes {
			h.knownHashes.Pop()
		}
		h.knownHashes.Add(hash)
	}
}

// Disconnect closes the peer's termination channel exactly once.
func (h *Handle) Disconnect() {
	h.disconnectOnce.Do(func() { close(h.disconnected) })
}

// Done returns a channel closed once Disconnect has been called.
func (h *Handle) Done() <-chan struct{} {
	return h.disconnected
}

// LogSyncStats emits a one-line summary of the peer's contribution to the
// current sync run.
func (h *Handle) LogSyncStats() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	syncLog.Info("Peer sync stats",
		"peer", h.id,
		"state", h.syncState,
		"td", h.status.TotalDifficultyAsBigInt(),
		"hashRetrievingDone", h.hashRetrievingDone,
		"noMoreBlocks", h.noMoreBlocks,
	)
}

func (h *Handle) String() string {
	return fmt.Sprintf("Peer %s", h.id)
}

const transactionHashesMsg = 0x01

// Set is the collection of peers currently available to the sync core,
// grounded on cluster/master/peer.go's peerSet.
type Set struct {
	mu     sync.RWMutex
	peers  map[string]Peer
	closed bool
}

// NewSet returns an empty peer set.
func NewSet() *Set {
	return &Set{peers: make(map[string]Peer)}
}

// Register adds a peer to the set.
func (s *Set) Register(p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.peers[p.ID()]; ok {
		return errAlreadyRegistered
	}
	s.peers[p.ID()] = p
	return nil
}

// Unregister removes a peer from the set.
func (s *Set) Unregister(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return errNotRegistered
	}
	delete(s.peers, id)
	return nil
}

// Peer returns the registered peer with the given id, or nil.
func (s *Set) Peer(id string) Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// Len returns the number of registered peers.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// All returns a snapshot slice of every registered peer.
func (s *Set) All() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Remove deletes peers from the set by id and returns how many were found.
func (s *Set) Remove(ids ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.peers[id]; ok {
			delete(s.peers, id)
			n++
		}
	}
	return n
}

// Best returns the registered peer with the highest total difficulty, or
// nil if the set is empty. Ties resolve to whichever peer Go's map
// iteration visits last, so which of several equal peers is returned is not
// defined. sync.Manager does not use Best; it elects its master peer itself.
func (s *Set) Best() Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best Peer
	var bestTD *big.Int
	for _, p := range s.peers {
		td := p.TotalDifficulty()
		if best == nil || td.Cmp(bestTD) >= 0 {
			best, bestTD = p, td
		}
	}
	return best
}

// Close disconnects every registered peer and prevents further
// registration.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		p.Disconnect()
	}
	s.closed = true
}
