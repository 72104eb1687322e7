package blockqueue

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestHashStore_PushFrontPopFrontOrder(t *testing.T) {
	s := NewHashStore()
	h1 := common.BytesToHash([]byte{1})
	h2 := common.BytesToHash([]byte{2})

	s.PushFront(h1)
	s.PushFront(h2)

	got, ok := s.PopFront()
	assert.True(t, ok)
	assert.Equal(t, h2, got)

	got, ok = s.PopFront()
	assert.True(t, ok)
	assert.Equal(t, h1, got)

	_, ok = s.PopFront()
	assert.False(t, ok)
}

func TestHashStore_EmptyAndClear(t *testing.T) {
	s := NewHashStore()
	assert.True(t, s.Empty())

	s.PushFront(common.BytesToHash([]byte{1}))
	assert.False(t, s.Empty())

	s.Clear()
	assert.True(t, s.Empty())
}

func TestHashStore_HighestTotalDifficultyIsDefensivelyCopied(t *testing.T) {
	s := NewHashStore()
	td := big.NewInt(100)
	s.SetHighestTotalDifficulty(td)

	got := s.HighestTotalDifficulty()
	got.Add(got, big.NewInt(1))

	assert.Equal(t, big.NewInt(100), s.HighestTotalDifficulty())
}

func TestHashStore_BestHash(t *testing.T) {
	s := NewHashStore()
	assert.Equal(t, common.Hash{}, s.BestHash())

	h := common.BytesToHash([]byte{0xaa})
	s.SetBestHash(h)
	assert.Equal(t, h, s.BestHash())
}
