package p2p

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// StatusMessage is the handshake payload exchanged once a connection is
// established: protocol version, network identifier, the peer's claimed
// total difficulty and best hash, and its genesis hash so forks are caught
// before any sync work begins.
type StatusMessage struct {
	ProtocolVersion uint32
	NetworkID       uint64
	TotalDifficulty *big.Int
	BestHash        common.Hash
	GenesisHash     common.Hash
}

// TotalDifficultyAsBigInt returns a defensive copy of the advertised total
// difficulty.
func (s *StatusMessage) TotalDifficultyAsBigInt() *big.Int {
	if s == nil || s.TotalDifficulty == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(s.TotalDifficulty)
}
