// Package discover keeps a table of go-ethereum enode.Node values with the
// statistics bookkeeping and appeared/disappeared notifications
// SyncManager's discovery listener needs, grounded on
// ethereumj's net.rlpx.discover.NodeManager/NodeHandler/NodeStatistics.
package discover

import (
	"sync"

	"github.com/chaincore-go/syncnode/p2p"
	"github.com/ethereum/go-ethereum/p2p/enode"
	lru "github.com/hashicorp/golang-lru"
)

// maxTrackedNodeStats bounds per-node statistics the same way
// rootheaderchain.go bounds its header/td/number caches: the table can see
// far more nodes over a long run than SyncManager ever needs to remember.
const maxTrackedNodeStats = 4096

// Listener is notified as nodes enter and leave the table. SyncManager
// registers one to dial newly appeared nodes whose last known status is an
// improvement over what it already has.
type Listener interface {
	NodeAppeared(n *enode.Node)
	NodeDisappeared(n *enode.Node)
}

// Statistics is the subset of per-node bookkeeping SyncManager's discovery
// predicate and comparator read: the most recent inbound handshake status,
// if any has been observed yet.
type Statistics struct {
	LastInboundStatus *p2p.StatusMessage
}

type registration struct {
	listener  Listener
	predicate func(*Statistics) bool
}

// Manager tracks the node table plus per-node statistics, grounded on
// NodeManager. It does not itself speak the discv4/discv5 wire protocol -
// that lives in go-ethereum/p2p/discover and is wired in by whatever feeds
// Observe/Remove - but it reproduces the predicate/comparator query surface
// SyncManager relies on.
type Manager struct {
	mu    sync.RWMutex
	nodes map[enode.ID]*enode.Node
	stats *lru.Cache // enode.ID -> *Statistics

	listenersMu sync.RWMutex
	listeners   []registration
}

// NewManager returns an empty node manager.
func NewManager() *Manager {
	stats, err := lru.New(maxTrackedNodeStats)
	if err != nil {
		panic(err) // only errors on a non-positive size, which maxTrackedNodeStats never is
	}
	return &Manager{
		nodes: make(map[enode.ID]*enode.Node),
		stats: stats,
	}
}

func (m *Manager) statsLocked(id enode.ID) *Statistics {
	if v, ok := m.stats.Get(id); ok {
		return v.(*Statistics)
	}
	s := &Statistics{}
	m.stats.Add(id, s)
	return s
}

// AddListener registers l to be notified of nodes matching predicate as
// they appear. A nil predicate matches every node.
func (m *Manager) AddListener(l Listener, predicate func(*Statistics) bool) {
	if predicate == nil {
		predicate = func(*Statistics) bool { return true }
	}
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, registration{listener: l, predicate: predicate})
}

// Observe records that a node is known to the table, inserting or
// refreshing it, and notifies any listener whose predicate now matches.
func (m *Manager) Observe(n *enode.Node) {
	m.mu.Lock()
	m.nodes[n.ID()] = n
	stats := m.statsLocked(n.ID())
	m.mu.Unlock()

	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, reg := range m.listeners {
		if reg.predicate(stats) {
			reg.listener.NodeAppeared(n)
		}
	}
}

// Remove drops a node from the table and notifies listeners it has
// disappeared.
func (m *Manager) Remove(id enode.ID) {
	m.mu.Lock()
	n, ok := m.nodes[id]
	delete(m.nodes, id)
	m.stats.Remove(id)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, reg := range m.listeners {
		reg.listener.NodeDisappeared(n)
	}
}

// RecordStatus stores the most recent inbound handshake status for a node,
// feeding the predicates AddListener/Nodes evaluate.
func (m *Manager) RecordStatus(id enode.ID, status *p2p.StatusMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsLocked(id).LastInboundStatus = status
}

// FindByID returns the node registered under id, if any.
func (m *Manager) FindByID(id enode.ID) (*enode.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

// Nodes returns up to limit nodes matching predicate, ordered by less
// (which should report whether a sorts before b - the best candidate
// first). Grounded on NodeManager.getNodes's predicate+comparator query.
func (m *Manager) Nodes(predicate func(*Statistics) bool, less func(a, b *Statistics) bool, limit int) []*enode.Node {
	m.mu.RLock()
	type candidate struct {
		node  *enode.Node
		stats *Statistics
	}
	var candidates []candidate
	for id, n := range m.nodes {
		var s *Statistics
		if v, ok := m.stats.Peek(id); ok {
			s = v.(*Statistics)
		}
		if predicate == nil || predicate(s) {
			candidates = append(candidates, candidate{node: n, stats: s})
		}
	}
	m.mu.RUnlock()

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && less(candidates[j].stats, candidates[j-1].stats); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}
	out := make([]*enode.Node, len(candidates))
	for i, c := range candidates {
		out[i] = c.node
	}
	return out
}
