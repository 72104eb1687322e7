// Command syncnode runs the chain synchronization core standalone: a p2p
// server, the channel and sync managers, and a block import worker
// draining the persisted queue. Grounded on cmd/utils/flags.go's
// cli.v1-based app skeleton.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"

	"github.com/chaincore-go/syncnode/blockqueue"
	"github.com/chaincore-go/syncnode/chainstate"
	"github.com/chaincore-go/syncnode/config"
	"github.com/chaincore-go/syncnode/discover"
	"github.com/chaincore-go/syncnode/facade"
	"github.com/chaincore-go/syncnode/importer"
	"github.com/chaincore-go/syncnode/p2p"
	"github.com/chaincore-go/syncnode/sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	gethp2p "github.com/ethereum/go-ethereum/p2p"
	"gopkg.in/urfave/cli.v1"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "Path to a JSON config file; unset fields keep their defaults",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "Directory for the persistent block queue",
	}
	resetFlag = cli.BoolFlag{
		Name:  "reset",
		Usage: "Wipe the persisted block queue on startup",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "syncnode"
	app.Usage = "chain synchronization core"
	app.Flags = []cli.Flag{configFlag, dataDirFlag, resetFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg := config.New()
	if path := ctx.String(configFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if dir := ctx.String(dataDirFlag.Name); dir != "" {
		cfg.Store.DataDir = dir
	}
	if ctx.Bool(resetFlag.Name) {
		cfg.Store.DatabaseReset = true
	}

	logger := log.New("module", "syncnode")

	privKey, err := loadOrGenerateKey(cfg.P2P.PrivateKeyHex)
	if err != nil {
		return err
	}

	discovery := discover.NewManager()

	queue := blockqueue.New(cfg.Store.DataDir, blockqueue.Config{DatabaseReset: cfg.Store.DatabaseReset})
	queue.Open()

	chain := chainstate.New()

	server := &gethp2p.Server{
		Config: gethp2p.Config{
			Name:       "syncnode",
			PrivateKey: privKey,
			ListenAddr: cfg.P2P.ListenAddr,
			MaxPeers:   cfg.P2P.MaxPeers,
		},
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start p2p server: %w", err)
	}
	defer server.Stop()

	eth := facade.New(server, discovery)

	syncCfg := sync.Config{
		PeersCount:         cfg.Sync.PeersCount,
		ConnectionTimeout:  cfg.Sync.ConnectionTimeout,
		LargeGapThreshold:  cfg.Sync.LargeGapThreshold,
		TimeToImportThresh: cfg.Sync.TimeToImportThreshold,
		MaxHashesAsk:       cfg.Sync.MaxHashesAsk,
		WorkerInterval:     sync.DefaultConfig().WorkerInterval,
		LogWorkerInterval:  sync.DefaultConfig().LogWorkerInterval,
	}
	syncManager := sync.New(syncCfg, chain, queue, eth, discovery, nil)

	channelManager := p2p.NewChannelManager(syncManager, eth, logger)

	worker := importer.NewWorker(queue, chain, syncManager)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go syncManager.Run(runCtx)
	go channelManager.Run(runCtx)
	go func() {
		if err := worker.Run(runCtx); err != nil {
			logger.Error("Import worker stopped", "err", err)
		}
	}()

	logger.Info("syncnode started", "enode", server.NodeInfo().Enode, "datadir", cfg.Store.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	logger.Info("Shutting down")
	cancel()
	return queue.Close()
}

func loadOrGenerateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	}
	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return crypto.ToECDSA(keyBytes)
}
