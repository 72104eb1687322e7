// Package config defines the node's JSON-tagged configuration surface,
// grounded on cluster/config's JSON-tag-plus-constructor-with-defaults
// idiom.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"
)

// P2PConfig configures the go-ethereum p2p.Server the node runs on top of.
type P2PConfig struct {
	ListenAddr     string `json:"LISTEN_ADDR"`
	MaxPeers       int    `json:"MAX_PEERS"`
	PrivateKeyHex  string `json:"PRIVATE_KEY"`
	BootNodes      string `json:"BOOT_NODES"`
	PreferredNodes string `json:"PREFERRED_NODES"`
}

// NewP2PConfig returns the P2P defaults.
func NewP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddr: ":30303",
		MaxPeers:   25,
	}
}

// SyncConfig configures sync.Manager, mirroring the constants
// ethereumj's SyncManager hard-codes so they become operator-tunable.
type SyncConfig struct {
	PeersCount            int           `json:"PEERS_COUNT"`
	ConnectionTimeout     time.Duration `json:"CONNECTION_TIMEOUT"`
	LargeGapThreshold     uint64        `json:"LARGE_GAP_THRESHOLD"`
	TimeToImportThreshold time.Duration `json:"TIME_TO_IMPORT_THRESHOLD"`
	MaxHashesAsk          int           `json:"MAX_HASHES_ASK"`
}

// NewSyncConfig returns the sync defaults.
func NewSyncConfig() *SyncConfig {
	return &SyncConfig{
		PeersCount:            5,
		ConnectionTimeout:     60 * time.Second,
		LargeGapThreshold:     5,
		TimeToImportThreshold: 10 * time.Minute,
		MaxHashesAsk:          256,
	}
}

// StoreConfig configures the persistent block queue.
type StoreConfig struct {
	DataDir       string `json:"DATA_DIR"`
	DatabaseReset bool   `json:"DATABASE_RESET"`
	DatabaseCache int    `json:"DATABASE_CACHE"`
}

// NewStoreConfig returns the store defaults.
func NewStoreConfig() *StoreConfig {
	return &StoreConfig{
		DataDir:       "./data/blockqueue",
		DatabaseReset: false,
		DatabaseCache: 64,
	}
}

// Config is the node's top-level configuration.
type Config struct {
	P2P   *P2PConfig   `json:"P2P"`
	Sync  *SyncConfig  `json:"SYNC"`
	Store *StoreConfig `json:"STORE"`
}

// New returns a Config populated entirely with defaults.
func New() *Config {
	return &Config{
		P2P:   NewP2PConfig(),
		Sync:  NewSyncConfig(),
		Store: NewStoreConfig(),
	}
}

// Load reads a JSON config file, applying it on top of the defaults so a
// partial file only overrides what it names.
func Load(path string) (*Config, error) {
	cfg := New()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
