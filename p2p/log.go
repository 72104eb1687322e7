package p2p

import "github.com/ethereum/go-ethereum/log"

var syncLog = log.New("module", "p2p")
