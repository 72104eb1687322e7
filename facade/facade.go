// Package facade exposes the single external entry point downstream
// integrators use to ask the node to reach out to a peer, grounded on
// ethereumj's facade.Ethereum.connect.
package facade

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/chaincore-go/syncnode/discover"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

// Server is the subset of go-ethereum's p2p.Server the facade drives:
// AddPeer schedules a dial, the rest of the handshake and protocol
// negotiation happens on the server's own run loop.
type Server interface {
	AddPeer(node *enode.Node)
}

// Ethereum is the node's single dial entry point. It satisfies both
// sync.Connector (new nodes discovered) and p2p.Dialer (reconnecting a
// previously known peer).
type Ethereum struct {
	server    Server
	discovery *discover.Manager
	log       log.Logger
}

// New constructs a facade over a running p2p server and its node table.
func New(server Server, discovery *discover.Manager) *Ethereum {
	return &Ethereum{server: server, discovery: discovery, log: log.New("module", "facade")}
}

// Connect schedules a dial to a freshly discovered node.
func (e *Ethereum) Connect(node *enode.Node) error {
	if node == nil {
		return fmt.Errorf("facade: nil node")
	}
	e.server.AddPeer(node)
	e.log.Info("Connecting to peer", "node", node.ID())
	return nil
}

// Reconnect looks a previously known peer up by id and redials it.
// Implements p2p.Dialer.
func (e *Ethereum) Reconnect(remoteID string) error {
	id, err := parseEnodeID(remoteID)
	if err != nil {
		return fmt.Errorf("facade: invalid remote id %q: %w", remoteID, err)
	}
	node, ok := e.discovery.FindByID(id)
	if !ok {
		return fmt.Errorf("facade: unknown peer %q", remoteID)
	}
	return e.Connect(node)
}

// parseEnodeID decodes a hex node ID, returning an error instead of
// panicking like enode.HexID does on malformed input.
func parseEnodeID(in string) (enode.ID, error) {
	var id enode.ID
	b, err := hex.DecodeString(strings.TrimPrefix(in, "0x"))
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("wrong length, want %d hex chars", len(id)*2)
	}
	copy(id[:], b)
	return id, nil
}
