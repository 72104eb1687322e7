// Package chainstate provides the minimal local-chain-head tracker the
// sync core needs a Blockchain implementation for. Validating and storing
// block contents is out of scope (SPEC_FULL.md 1); this is
// just enough state - best number, best hash, total difficulty - for
// sync.Manager's comparisons and importer.Worker's Import hook to have
// somewhere real to land.
package chainstate

import (
	"math/big"
	"sync"

	"github.com/chaincore-go/syncnode/block"
	"github.com/ethereum/go-ethereum/common"
)

// Tracker records the local chain head. It satisfies sync.Blockchain and
// importer.Importer.
type Tracker struct {
	mu         sync.RWMutex
	number     uint64
	hash       common.Hash
	totalDiffc *big.Int
}

// New returns a Tracker seeded at genesis (number 0, zero hash, zero
// difficulty).
func New() *Tracker {
	return &Tracker{totalDiffc: new(big.Int)}
}

// TotalDifficulty implements sync.Blockchain.
func (t *Tracker) TotalDifficulty() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.totalDiffc)
}

// BestBlockNumber implements sync.Blockchain.
func (t *Tracker) BestBlockNumber() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.number
}

// BestBlockHash implements sync.Blockchain.
func (t *Tracker) BestBlockHash() common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hash
}

// Import implements importer.Importer: it accepts a wrapper as the new
// head whenever its number advances the chain, without validating
// anything about its contents.
func (t *Tracker) Import(w *block.Wrapper) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w.Number <= t.number && t.totalDiffc.Sign() != 0 {
		return nil
	}
	t.number = w.Number
	t.hash = w.Hash
	t.totalDiffc.Add(t.totalDiffc, big.NewInt(1))
	return nil
}
