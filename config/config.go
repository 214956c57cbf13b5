// Package config handles node configuration.
//
// Settings are layered: built-in defaults, then <datadir>/powsync.conf,
// then command-line flags. Consensus constants (block time, retarget
// window) are not configurable.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds node-specific runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// P2P networking
	P2P P2PConfig

	// Mining
	Mining MiningConfig

	// Chain sync
	Sync SyncConfig

	// Prometheus endpoint
	Metrics MetricsConfig

	// Logging
	Log LogConfig
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"` // Run DHT in server mode (for seeds)
}

// MiningConfig holds block production settings.
type MiningConfig struct {
	Enabled   bool   `conf:"mining.enabled"`
	Threads   int    `conf:"mining.threads"`
	Algo      string `conf:"mining.algo"`      // blake3 or sha3
	AuthorKey string `conf:"mining.authorkey"` // Path to hex secp256k1 key; generated if missing
	DevMode   bool   `conf:"mining.devmode"`   // Skip PoW and target checks
}

// SyncConfig holds chain sync settings.
type SyncConfig struct {
	// Grace is how long a node waits for a peer signal before declaring
	// itself caught up.
	Grace time.Duration `conf:"sync.grace"`
	// Queue is the buffer size of the signal, response and ingestion
	// channels.
	Queue int `conf:"sync.queue"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Addr    string `conf:"metrics.addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-powsync
//	macOS:   ~/Library/Application Support/KlingnetPowsync
//	Windows: %APPDATA%\KlingnetPowsync
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-powsync"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetPowsync")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "KlingnetPowsync")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetPowsync")
	default:
		return filepath.Join(home, ".klingnet-powsync")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the block database directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// AuthorKeyFile returns the mining key path, defaulting to the chain
// data directory.
func (c *Config) AuthorKeyFile() string {
	if c.Mining.AuthorKey != "" {
		return c.Mining.AuthorKey
	}
	return filepath.Join(c.ChainDataDir(), "author.key")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "powsync.conf")
}
