package sync

import (
	"math/big"
	"testing"
	"time"

	"github.com/chaincore-go/syncnode/block"
	"github.com/chaincore-go/syncnode/blockqueue"
	"github.com/chaincore-go/syncnode/discover"
	"github.com/chaincore-go/syncnode/p2p"
	"github.com/chaincore-go/syncnode/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	td     *big.Int
	number uint64
	hash   common.Hash
}

func (c *fakeChain) TotalDifficulty() *big.Int { return c.td }
func (c *fakeChain) BestBlockNumber() uint64   { return c.number }
func (c *fakeChain) BestBlockHash() common.Hash { return c.hash }

type fakeConnector struct {
	connected []*enode.Node
}

func (c *fakeConnector) Connect(n *enode.Node) error {
	c.connected = append(c.connected, n)
	return nil
}

type fakePeer struct {
	id           string
	td           *big.Int
	bestHash     common.Hash
	st           state.State
	hashDone     bool
	noMoreBlocks bool
	maxHashesAsk int
}

func (p *fakePeer) ID() string                { return p.id }
func (p *fakePeer) TotalDifficulty() *big.Int { return p.td }
func (p *fakePeer) BestHash() common.Hash     { return p.bestHash }
func (p *fakePeer) HandshakeStatus() *p2p.StatusMessage {
	return &p2p.StatusMessage{TotalDifficulty: p.td, BestHash: p.bestHash}
}
func (p *fakePeer) HasStatusSucceeded() bool  { return true }
func (p *fakePeer) ChangeState(s state.State) { p.st = s }
func (p *fakePeer) State() state.State        { return p.st }
func (p *fakePeer) SetMaxHashesAsk(n int)     { p.maxHashesAsk = n }
func (p *fakePeer) IsIdle() bool              { return p.st == state.Idle }
func (p *fakePeer) IsHashRetrievingDone() bool { return p.hashDone }
func (p *fakePeer) HasNoMoreBlocks() bool     { return p.noMoreBlocks }
func (p *fakePeer) SendTransactionHashes([]common.Hash) {}
func (p *fakePeer) Disconnect()               {}
func (p *fakePeer) LogSyncStats()             {}

func newTestManager(ourTD int64) (*Manager, *blockqueue.BlockQueue, *fakeChain) {
	chain := &fakeChain{td: big.NewInt(ourTD)}
	queue := blockqueue.NewWithDatabase(blockqueue.NewMemoryDatabase())
	cfg := DefaultConfig()
	m := New(cfg, chain, queue, &fakeConnector{}, discover.NewManager(), nil)
	return m, queue, chain
}

func TestAddPeer_SkipsLowerDifficultyPeer(t *testing.T) {
	m, _, _ := newTestManager(100)
	p := &fakePeer{id: "a", td: big.NewInt(10)}

	m.AddPeer(p)

	assert.Equal(t, 0, len(m.peers))
}

func TestAddPeer_BetterChainStartsHashRetrieving(t *testing.T) {
	m, _, _ := newTestManager(10)
	p := &fakePeer{id: "a", td: big.NewInt(1000), bestHash: common.BytesToHash([]byte{1})}

	m.AddPeer(p)

	assert.Equal(t, state.HashRetrieving, m.State())
	assert.Equal(t, state.HashRetrieving, p.State())
	assert.Equal(t, p, m.masterPeer)
}

func TestAddPeer_WithinRangeOfKnownDoesNotRestartHashRetrieving(t *testing.T) {
	m, queue, _ := newTestManager(10)
	queue.HashStore().SetHighestTotalDifficulty(big.NewInt(1000))

	p := &fakePeer{id: "a", td: big.NewInt(1050)} // within 20% of 1000
	m.AddPeer(p)

	assert.Equal(t, state.Init, m.State())
}

func TestAddPeer_FarBeyondKnownRestartsHashRetrieving(t *testing.T) {
	m, queue, _ := newTestManager(10)
	queue.HashStore().SetHighestTotalDifficulty(big.NewInt(1000))

	p := &fakePeer{id: "a", td: big.NewInt(5000)}
	m.AddPeer(p)

	assert.Equal(t, state.HashRetrieving, m.State())
}

func TestChangeState_ElectsHighestDifficultyMaster(t *testing.T) {
	m, _, _ := newTestManager(0)
	low := &fakePeer{id: "low", td: big.NewInt(10)}
	high := &fakePeer{id: "high", td: big.NewInt(99)}
	m.AddPeer(low)
	m.AddPeer(high)

	m.ChangeState(state.HashRetrieving)

	assert.Equal(t, high, m.masterPeer)
}

func TestRecoverGap_SmallGapPushesParentHash(t *testing.T) {
	m, queue, chain := newTestManager(10)
	chain.number = 100

	w := block.New(102, common.BytesToHash([]byte{2}), common.BytesToHash([]byte{1}), false)
	m.RecoverGap(w)

	assert.True(t, m.State() != state.GapRecovery)
	got, ok := queue.HashStore().PopFront()
	require.True(t, ok)
	assert.Equal(t, w.ParentHash, got)
}

func TestRecoverGap_LargeGapTriggersGapRecovery(t *testing.T) {
	m, _, chain := newTestManager(10)
	chain.number = 100
	p := &fakePeer{id: "a", td: big.NewInt(50)}
	m.peers = append(m.peers, p)

	w := block.New(200, common.BytesToHash([]byte{2}), common.BytesToHash([]byte{1}), false)
	m.RecoverGap(w)

	assert.Equal(t, state.GapRecovery, m.State())
}

func TestRecoverGap_AlreadyInProgressIsPostponed(t *testing.T) {
	m, _, chain := newTestManager(10)
	chain.number = 100
	p := &fakePeer{id: "a", td: big.NewInt(50)}
	m.peers = append(m.peers, p)
	m.ChangeState(state.GapRecovery)

	before := m.prevState
	w := block.New(300, common.BytesToHash([]byte{3}), common.BytesToHash([]byte{2}), false)
	m.RecoverGap(w)

	assert.Equal(t, before, m.prevState)
}

func TestNotifyNewBlockImported_FastImportFinishesSync(t *testing.T) {
	m, _, _ := newTestManager(10)
	w := block.New(5, common.Hash{}, common.Hash{}, true)

	m.NotifyNewBlockImported(w)

	assert.Equal(t, state.DoneSync, m.State())
}

func TestNotifyNewBlockImported_SlowImportContinuesSync(t *testing.T) {
	m, _, _ := newTestManager(10)
	w := block.New(5, common.Hash{}, common.Hash{}, true)
	w.ReceivedAt = uint64(time.Now().Add(-20*time.Minute).UnixNano() / int64(time.Millisecond))

	m.NotifyNewBlockImported(w)

	assert.NotEqual(t, state.DoneSync, m.State())
}

func TestRemovePeer_IdlesAndDropsFromPool(t *testing.T) {
	m, _, _ := newTestManager(0)
	p := &fakePeer{id: "a", td: big.NewInt(100), st: state.BlockRetrieving}
	m.peers = append(m.peers, p)

	m.RemovePeer(p)

	assert.Equal(t, state.Idle, p.State())
	assert.Equal(t, 0, len(m.peers))
}
