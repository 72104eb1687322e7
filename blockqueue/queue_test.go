package blockqueue

import (
	"testing"
	"time"

	"github.com/chaincore-go/syncnode/block"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestQueue builds a BlockQueue wired directly to an in-memory database,
// bypassing Open/openDB so tests don't need a real RocksDB instance.
func newTestQueue() *BlockQueue {
	return NewWithDatabase(NewMemoryDatabase())
}

func wrapper(number uint64) *block.Wrapper {
	return block.New(number, common.BytesToHash([]byte{byte(number)}), common.Hash{}, false)
}

func TestBlockQueue_AddPollRoundTrip(t *testing.T) {
	q := newTestQueue()

	require.NoError(t, q.Add(wrapper(5)))

	got, err := q.Poll()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 5, got.Number)

	empty, err := q.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestBlockQueue_DedupByNumber(t *testing.T) {
	q := newTestQueue()

	require.NoError(t, q.Add(wrapper(3)))
	require.NoError(t, q.Add(wrapper(3)))

	size, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestBlockQueue_DrainsInAscendingOrder(t *testing.T) {
	q := newTestQueue()

	require.NoError(t, q.AddAll([]*block.Wrapper{wrapper(5), wrapper(3), wrapper(7), wrapper(3)}))

	size, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	var got []uint64
	for {
		empty, err := q.IsEmpty()
		require.NoError(t, err)
		if empty {
			break
		}
		bw, err := q.Poll()
		require.NoError(t, err)
		got = append(got, bw.Number)
	}
	assert.Equal(t, []uint64{3, 5, 7}, got)
}

func TestBlockQueue_Clear(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.AddAll([]*block.Wrapper{wrapper(1), wrapper(2)}))

	require.NoError(t, q.Clear())

	empty, err := q.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)

	hashes, err := q.Hashes()
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestBlockQueue_FilterExisting(t *testing.T) {
	q := newTestQueue()
	w := wrapper(9)
	require.NoError(t, q.Add(w))

	other := common.BytesToHash([]byte{0x42})
	remaining, err := q.FilterExisting([]common.Hash{w.Hash, other})
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{other}, remaining)
}

func TestBlockQueue_TakeBlocksUntilAvailable(t *testing.T) {
	q := newTestQueue()

	result := make(chan *block.Wrapper, 1)
	go func() {
		bw, err := q.Take()
		require.NoError(t, err)
		result <- bw
	}()

	select {
	case <-result:
		t.Fatal("Take returned before any block was added")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Add(wrapper(1)))

	select {
	case bw := <-result:
		assert.EqualValues(t, 1, bw.Number)
	case <-time.After(time.Second):
		t.Fatal("Take did not unblock after Add")
	}
}

func TestBlockQueue_PeekDoesNotRemove(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Add(wrapper(4)))

	peeked, err := q.Peek()
	require.NoError(t, err)
	assert.EqualValues(t, 4, peeked.Number)

	size, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}
