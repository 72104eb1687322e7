// Package block defines the data types shared between the block download
// pipeline (blockqueue) and the sync state machine (sync).
package block

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Wrapper carries a downloaded block together with the metadata the sync
// core needs to order, dedup and age it. It does not carry the block body
// itself - that lives in the (out of scope) core block type; the wrapper
// only needs the header fields the sync core reasons about.
type Wrapper struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	IsNewBlock bool
	ReceivedAt uint64 // unix millis
}

// New builds a Wrapper stamped with the current time.
func New(number uint64, hash, parentHash common.Hash, isNewBlock bool) *Wrapper {
	return &Wrapper{
		Number:     number,
		Hash:       hash,
		ParentHash: parentHash,
		IsNewBlock: isNewBlock,
		ReceivedAt: uint64(time.Now().UnixNano() / int64(time.Millisecond)),
	}
}

// TimeSinceReceiving returns the number of milliseconds elapsed since the
// wrapper was received.
func (w *Wrapper) TimeSinceReceiving() uint64 {
	now := uint64(time.Now().UnixNano() / int64(time.Millisecond))
	if now < w.ReceivedAt {
		return 0
	}
	return now - w.ReceivedAt
}
