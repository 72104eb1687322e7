package blockqueue

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// HashStore is the auxiliary ordered store of block hashes awaiting block
// retrieval named in the glossary ("consumed via blockchain.getQueue()").
// SyncManager pushes a missing parent hash onto its front during small-gap
// recovery (spec.md 4.1 recover_gap) and clears it on every transition into
// HASH_RETRIEVING. It also remembers the highest known total difficulty -
// the value last recorded by SetHighestTotalDifficulty, which SyncManager
// sets to the elected master's - which add_peer reads to decide whether a
// newcomer's chain is materially better.
type HashStore struct {
	mu     sync.Mutex
	hashes []common.Hash

	highestTD *big.Int
	bestHash  common.Hash
}

// NewHashStore returns an empty HashStore.
func NewHashStore() *HashStore {
	return &HashStore{}
}

// PushFront adds a hash to the front of the queue, so it is the next one
// taken by PopFront.
func (s *HashStore) PushFront(h common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes = append([]common.Hash{h}, s.hashes...)
}

// PopFront removes and returns the first hash, or false if empty.
func (s *HashStore) PopFront() (common.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.hashes) == 0 {
		return common.Hash{}, false
	}
	h := s.hashes[0]
	s.hashes = s.hashes[1:]
	return h, true
}

// Empty reports whether the hash store currently has no pending hashes.
func (s *HashStore) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hashes) == 0
}

// Clear drops all pending hashes.
func (s *HashStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes = nil
}

// HighestTotalDifficulty returns the total difficulty last recorded by
// SetHighestTotalDifficulty, or nil if none has been recorded yet. It is
// not a running maximum: a later, lower value replaces an earlier one.
func (s *HashStore) HighestTotalDifficulty() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.highestTD == nil {
		return nil
	}
	return new(big.Int).Set(s.highestTD)
}

// SetHighestTotalDifficulty records the total difficulty of the currently
// elected master peer.
func (s *HashStore) SetHighestTotalDifficulty(td *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highestTD = new(big.Int).Set(td)
}

// BestHash returns the best known hash to ask for during hash retrieval.
func (s *HashStore) BestHash() common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bestHash
}

// SetBestHash records the hash hash retrieval should walk back from.
func (s *HashStore) SetBestHash(h common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bestHash = h
}
