// Package node provides a reusable PoW sync node that can be embedded in
// any binary.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-powsync/config"
	"github.com/Klingon-tech/klingnet-powsync/internal/chain"
	"github.com/Klingon-tech/klingnet-powsync/internal/chainsync"
	"github.com/Klingon-tech/klingnet-powsync/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-powsync/internal/log"
	"github.com/Klingon-tech/klingnet-powsync/internal/miner"
	"github.com/Klingon-tech/klingnet-powsync/internal/p2p"
	"github.com/Klingon-tech/klingnet-powsync/internal/storage"
	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/crypto"
)

// metricsNamespace prefixes every exported Prometheus metric.
const metricsNamespace = "powsync"

// errP2PDisabled is returned when the coordinator tries to reach a peer on
// an offline node.
var errP2PDisabled = errors.New("p2p disabled")

// offlineTransport stands in for the p2p node when networking is off.
type offlineTransport struct{}

func (offlineTransport) Send(context.Context, peer.ID, p2p.Message) error {
	return errP2PDisabled
}

// Node is a fully-initialized PoW sync node.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Core
	db storage.DB
	ch *chain.Chain

	// Networking
	p2pNode *p2p.Node // nil when P2P is disabled

	// Sync
	router *chainsync.Router
	coord  *chainsync.Coordinator

	// Mining
	authorKey *crypto.PrivateKey
	miner     *miner.Miner // nil unless mining is enabled

	metricsSrv *http.Server

	// Channels between the loops.
	relayed     chan chainsync.HeightSignal // head relay -> signal watcher
	signals     chan chainsync.HeightSignal // signal watcher -> coordinator
	responses   chan chainsync.PeerResponse
	ingest      chan *block.Block
	beginMining chan struct{}
	stop        chan struct{}
	firstSignal chan struct{}
	signalOnce  sync.Once

	// Lifecycle
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

// New creates and initializes a new Node: logger, storage, chain, P2P and
// the sync and mining components. Background loops are not started until
// Start is called.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Logger ───────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = filepath.Join(cfg.LogsDir(), "powsync.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	algo, err := block.ParseAlgo(cfg.Mining.Algo)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("network", string(cfg.Network)).
		Bool("dev", cfg.Mining.DevMode).
		Int("block_time", consensus.BlockTimeSec).
		Int("window", consensus.BlockWindow).
		Msg("Starting Klingnet PoW sync node")

	// ── 2. Storage ──────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.BlocksDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.BlocksDir(), err)
	}
	logger.Info().Str("path", cfg.BlocksDir()).Msg("Database opened")

	// ── 3. Chain ────────────────────────────────────────────────────
	chainMetrics := chain.NopMetrics()
	syncMetrics := chainsync.NopMetrics()
	if cfg.Metrics.Enabled {
		chainMetrics = chain.PrometheusMetrics(metricsNamespace, "network", string(cfg.Network))
		syncMetrics = chainsync.PrometheusMetrics(metricsNamespace, "network", string(cfg.Network))
	}

	ch, err := chain.New(db, chain.Options{
		DevMode: cfg.Mining.DevMode,
		Genesis: chain.GenesisBlock(string(cfg.Network)),
		Metrics: chainMetrics,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}
	state := ch.State()
	logger.Info().
		Uint64("height", state.Height).
		Str("tip", state.TipHash.Short()).
		Str("genesis", ch.GenesisHash().Short()).
		Msg("Chain loaded")

	queue := cfg.Sync.Queue
	n := &Node{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		ch:          ch,
		relayed:     make(chan chainsync.HeightSignal, queue),
		signals:     make(chan chainsync.HeightSignal, queue),
		responses:   make(chan chainsync.PeerResponse, queue),
		ingest:      make(chan *block.Block, queue),
		beginMining: make(chan struct{}, 1),
		stop:        make(chan struct{}),
		firstSignal: make(chan struct{}),
	}

	// ── 4. Author key and miner ─────────────────────────────────────
	if cfg.Mining.Enabled {
		key, err := loadOrCreateAuthorKey(cfg.AuthorKeyFile())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("author key %s: %w", cfg.AuthorKeyFile(), err)
		}
		threads := cfg.Mining.Threads
		if threads == 0 {
			threads = runtime.NumCPU()
		}
		m, err := miner.New(miner.Config{
			Chain:   ch,
			Key:     key,
			Algo:    algo,
			Threads: threads,
			Ingest:  n.ingest,
		})
		if err != nil {
			key.Zero()
			db.Close()
			return nil, fmt.Errorf("create miner: %w", err)
		}
		n.authorKey = key
		n.miner = m
		logger.Info().
			Str("author", shortHex(key.PublicKey())).
			Str("algo", algo.String()).
			Int("threads", threads).
			Msg("Mining enabled")
	}

	// ── 5. P2P ──────────────────────────────────────────────────────
	var transport chainsync.Transport = offlineTransport{}
	if cfg.P2P.Enabled {
		p2pNode := p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DHTServer:  cfg.P2P.DHTServer,
			NetworkID:  string(cfg.Network),
			DataDir:    cfg.ChainDataDir(),
			DB:         db,
			QueueSize:  queue,
		})
		p2pNode.SetGenesisHash(ch.GenesisHash())
		p2pNode.SetHeightFn(ch.Height)

		if err := p2pNode.Start(); err != nil {
			n.closeStorage()
			return nil, fmt.Errorf("start P2P: %w", err)
		}
		n.p2pNode = p2pNode
		transport = p2pNode

		logger.Info().
			Str("id", p2pNode.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("P2P node started")
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// ── 6. Sync ─────────────────────────────────────────────────────
	n.router = chainsync.NewRouter(ch, transport, n.responses)
	devMode := cfg.Mining.DevMode
	n.coord = chainsync.New(chainsync.Config{
		Chain:  ch,
		Sender: n.router,
		Verify: func(blk *block.Block) bool {
			return consensus.VerifyBlock(blk, devMode) == nil
		},
		Ingest:      n.ingest,
		BeginMining: n.beginMining,
		Metrics:     syncMetrics,
	})

	ch.SetTipHandler(n.onTip)

	// ── 7. Metrics endpoint ─────────────────────────────────────────
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		n.metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return n, nil
}

// Start launches the background loops: block ingestion, the sync
// coordinator, the inbound router, head relay, the startup grace timer
// and the begin-mining consumer.
func (n *Node) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	n.cancel = cancel
	n.group = g

	g.Go(func() error { return n.ch.Ingest(gctx, n.ingest) })
	g.Go(func() error { return n.coord.Run(gctx, n.signals, n.responses, n.stop) })
	g.Go(func() error { return n.watchSignals(gctx) })
	g.Go(func() error { return n.runStartupGrace(gctx) })
	g.Go(func() error { return n.runBeginMining(gctx) })

	if n.p2pNode != nil {
		g.Go(func() error { return n.router.Run(gctx, n.p2pNode.Inbox()) })
		g.Go(func() error {
			return chainsync.RelayHeads(gctx, n.ch, n.p2pNode.Heads(), n.relayed)
		})
	}

	if n.metricsSrv != nil {
		srv := n.metricsSrv
		g.Go(func() error {
			n.logger.Info().Str("addr", srv.Addr).Msg("Metrics endpoint started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	n.logger.Info().Dur("grace", n.cfg.Sync.Grace).Msg("Node started")
	return nil
}

// Stop gracefully shuts down all components. It is safe to call more
// than once and before Start.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.logger.Info().Msg("Shutting down...")

		close(n.stop)
		if n.cancel != nil {
			n.cancel()
		}
		if n.group != nil {
			if err := n.group.Wait(); err != nil {
				n.logger.Error().Err(err).Msg("Background loop failed")
			}
		}

		if n.p2pNode != nil {
			if err := n.p2pNode.Stop(); err != nil {
				n.logger.Warn().Err(err).Msg("P2P shutdown")
			}
		}
		n.closeStorage()
		n.logger.Info().Msg("Node stopped")
	})
}

// Wait blocks until a background loop fails or the node is stopped.
func (n *Node) Wait() error {
	if n.group == nil {
		return nil
	}
	return n.group.Wait()
}

func (n *Node) closeStorage() {
	if n.authorKey != nil {
		n.authorKey.Zero()
	}
	if err := n.db.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("Database close")
	}
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// Chain returns the local chain.
func (n *Node) Chain() *chain.Chain {
	return n.ch
}

// Addrs returns the node's full libp2p multiaddrs, nil when offline.
func (n *Node) Addrs() []string {
	if n.p2pNode == nil {
		return nil
	}
	return n.p2pNode.Addrs()
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	if n.p2pNode == nil {
		return 0
	}
	return n.p2pNode.PeerCount()
}

// onTip announces a new tip to peers and restarts sealing on top of it.
func (n *Node) onTip(tip *block.Block) {
	if n.miner != nil {
		n.miner.TipChanged()
	}
	if n.p2pNode != nil {
		if err := n.p2pNode.PublishHead(tip.Round, tip.ID()); err != nil {
			n.logger.Debug().Err(err).Msg("Failed to announce head")
		}
	}
	n.logger.Info().
		Uint64("height", tip.Round).
		Str("hash", tip.ID().Short()).
		Msg("New tip")
}

// watchSignals forwards relayed height signals to the coordinator and
// notes the first one, which cancels the startup grace timer.
func (n *Node) watchSignals(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-n.relayed:
			n.signalOnce.Do(func() { close(n.firstSignal) })
			select {
			case n.signals <- sig:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// runStartupGrace declares the node caught up when no peer has signalled
// within the configured grace period.
func (n *Node) runStartupGrace(ctx context.Context) error {
	timer := time.NewTimer(n.cfg.Sync.Grace)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-n.firstSignal:
	case <-timer.C:
		n.logger.Info().Msg("No peer signals during startup grace, assuming caught up")
		select {
		case n.beginMining <- struct{}{}:
		default:
		}
	}
	return nil
}

// runBeginMining waits for the first begin-mining signal, marks the chain
// caught up and then runs the miner when mining is enabled.
func (n *Node) runBeginMining(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-n.beginMining:
	}

	n.ch.SetCaughtUp(true)
	n.logger.Info().Uint64("height", n.ch.Height()).Msg("Caught up with network")

	if n.miner == nil {
		return nil
	}
	return n.miner.Run(ctx)
}
