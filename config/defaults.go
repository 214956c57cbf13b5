package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30333,
			MaxPeers:   50,
			// Seed nodes as libp2p multiaddrs, e.g.
			//   "/ip4/203.0.113.1/tcp/30333/p2p/12D3KooW..."
			Seeds: []string{},
		},
		Mining: MiningConfig{
			Enabled: false,
			Threads: 1,
			Algo:    "blake3",
		},
		Sync: SyncConfig{
			Grace: 10 * time.Second,
			Queue: 64,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30334
	cfg.Metrics.Addr = "127.0.0.1:9465"
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
