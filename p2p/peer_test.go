package p2p

import (
	"math/big"
	"testing"

	"github.com/chaincore-go/syncnode/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer is a minimal Peer used to exercise Set without a live
// connection.
type fakePeer struct {
	id              string
	td              *big.Int
	st              state.State
	statusSucceeded bool
	disconnected    bool
}

func (f *fakePeer) ID() string                        { return f.id }
func (f *fakePeer) TotalDifficulty() *big.Int         { return f.td }
func (f *fakePeer) BestHash() common.Hash             { return common.Hash{} }
func (f *fakePeer) HandshakeStatus() *StatusMessage   { return &StatusMessage{TotalDifficulty: f.td} }
func (f *fakePeer) HasStatusSucceeded() bool          { return f.statusSucceeded }
func (f *fakePeer) ChangeState(s state.State)         { f.st = s }
func (f *fakePeer) State() state.State                { return f.st }
func (f *fakePeer) SetMaxHashesAsk(int)               {}
func (f *fakePeer) IsIdle() bool                      { return f.st == state.Idle }
func (f *fakePeer) IsHashRetrievingDone() bool         { return false }
func (f *fakePeer) HasNoMoreBlocks() bool             { return false }
func (f *fakePeer) SendTransactionHashes([]common.Hash) {}
func (f *fakePeer) Disconnect()                       { f.disconnected = true }
func (f *fakePeer) LogSyncStats()                     {}

func TestSet_RegisterUnregister(t *testing.T) {
	s := NewSet()
	p := &fakePeer{id: "a", td: big.NewInt(1)}

	require.NoError(t, s.Register(p))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, p, s.Peer("a"))

	require.Error(t, s.Register(p))

	require.NoError(t, s.Unregister("a"))
	assert.Equal(t, 0, s.Len())
	require.Error(t, s.Unregister("a"))
}

func TestSet_Best(t *testing.T) {
	s := NewSet()
	low := &fakePeer{id: "low", td: big.NewInt(10)}
	high := &fakePeer{id: "high", td: big.NewInt(99)}

	require.NoError(t, s.Register(low))
	require.NoError(t, s.Register(high))

	assert.Equal(t, high, s.Best())
}

func TestSet_BestOnEmptySet(t *testing.T) {
	s := NewSet()
	assert.Nil(t, s.Best())
}

func TestSet_Close(t *testing.T) {
	s := NewSet()
	p := &fakePeer{id: "a", td: big.NewInt(1)}
	require.NoError(t, s.Register(p))

	s.Close()
	assert.True(t, p.disconnected)
	assert.Error(t, s.Register(&fakePeer{id: "b", td: big.NewInt(1)}))
}
