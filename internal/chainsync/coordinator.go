// Package chainsync reconciles the local chain with peers. The Coordinator
// replays forward from a trusted anchor while the node is behind, and walks
// backward from a peer's head to find the fork point once it is caught up.
package chainsync

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-powsync/internal/log"
	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// errStopped aborts a handler blocked on backpressure when the coordinator
// is told to stop.
var errStopped = errors.New("coordinator stopped")

// HeightSignal reports that Peer is at Height with head Hash.
type HeightSignal struct {
	Peer   peer.ID
	Height uint64
	Hash   types.Hash
}

// PeerResponse is a block-retrieval response received from Peer.
type PeerResponse struct {
	Peer     peer.ID
	Response *Response
}

// ChainManager is the local chain as seen by the coordinator.
type ChainManager interface {
	IsCaughtUp() bool
	BlockExists(id types.Hash) bool
}

// Sender delivers a request to a peer.
type Sender interface {
	SendRequest(ctx context.Context, to peer.ID, req *Request) error
}

// VerifyFunc reports whether a block received from a peer is valid.
type VerifyFunc func(blk *block.Block) bool

// Config wires a Coordinator to its collaborators.
type Config struct {
	Chain  ChainManager
	Sender Sender
	Verify VerifyFunc
	// Ingest receives verified blocks in round order.
	Ingest chan<- *block.Block
	// BeginMining receives a signal when forward replay reaches the
	// peer's tip. Signals are coalesced when one is already pending.
	BeginMining chan<- struct{}
	Metrics     *Metrics
}

// Coordinator is the sync state machine. All events are handled one at a
// time by Run.
type Coordinator struct {
	chain       ChainManager
	sender      Sender
	verify      VerifyFunc
	ingest      chan<- *block.Block
	beginMining chan<- struct{}
	metrics     *Metrics
	logger      zerolog.Logger

	watermark atomic.Uint64
	cache     *peerCache
	stop      <-chan struct{}
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	return &Coordinator{
		chain:       cfg.Chain,
		sender:      cfg.Sender,
		verify:      cfg.Verify,
		ingest:      cfg.Ingest,
		beginMining: cfg.BeginMining,
		metrics:     cfg.Metrics,
		logger:      log.Sync,
		cache:       newPeerCache(),
	}
}

// Watermark returns the highest height signalled while caught up.
func (c *Coordinator) Watermark() uint64 {
	return c.watermark.Load()
}

// Run processes height signals and responses until stop receives a value
// or is closed, ctx is done, or all three channels are closed. In-flight
// peer buffers are dropped on exit.
func (c *Coordinator) Run(ctx context.Context, signals <-chan HeightSignal, responses <-chan PeerResponse, stop <-chan struct{}) error {
	c.stop = stop
	defer c.logger.Info().Msg("Sync coordinator stopped")

	for {
		if signals == nil && responses == nil && stop == nil {
			return nil
		}

		var err error
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			err = c.handleSignal(ctx, sig)
		case resp, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			err = c.handleResponse(ctx, resp)
		}
		if err != nil {
			// Only cancellation surfaces from the handlers.
			return nil
		}
	}
}

// handleSignal picks the sync direction for a height signal.
func (c *Coordinator) handleSignal(ctx context.Context, sig HeightSignal) error {
	if !c.chain.IsCaughtUp() {
		c.logger.Debug().Str("peer", sig.Peer.String()).Uint64("height", sig.Height).Msg("Behind, replaying forward")
		return c.request(ctx, sig.Peer, true, sig.Height, sig.Hash)
	}

	if sig.Height <= c.watermark.Load() {
		c.logger.Debug().
			Str("peer", sig.Peer.String()).
			Uint64("height", sig.Height).
			Uint64("watermark", c.watermark.Load()).
			Msg("Signal at or below watermark, ignored")
		return nil
	}
	c.watermark.Store(sig.Height)
	c.metrics.Watermark.Set(float64(sig.Height))
	c.logger.Debug().Str("peer", sig.Peer.String()).Uint64("height", sig.Height).Msg("Caught up, searching fork point")
	return c.request(ctx, sig.Peer, false, sig.Height, sig.Hash)
}

// handleResponse dispatches on the caught-up status at arrival time.
func (c *Coordinator) handleResponse(ctx context.Context, pr PeerResponse) error {
	if pr.Response == nil {
		return nil
	}
	c.logger.Debug().
		Str("peer", pr.Peer.String()).
		Stringer("status", pr.Response.Status).
		Int("blocks", len(pr.Response.Blocks)).
		Msg("Sync response")
	if c.chain.IsCaughtUp() {
		return c.handleDescending(ctx, pr.Peer, pr.Response)
	}
	return c.handleAscending(ctx, pr.Peer, pr.Response)
}

// handleAscending pushes blocks forward until one fails verification.
func (c *Coordinator) handleAscending(ctx context.Context, p peer.ID, resp *Response) error {
	var last *block.Block
	for _, blk := range resp.Blocks {
		if !c.verify(blk) {
			c.metrics.VerifyFailures.With("mode", "ascending").Add(1)
			c.logger.Warn().Str("peer", p.String()).Uint64("round", blk.Round).Msg("Sync block verify failed")
			return nil
		}
		if err := c.push(ctx, blk); err != nil {
			return err
		}
		last = blk
	}

	if resp.Status == StatusSucceeded && last != nil {
		return c.request(ctx, p, !c.chain.IsCaughtUp(), last.Round, last.ID())
	}
	c.signalMining(p)
	return nil
}

// handleDescending accumulates blocks walking toward genesis until one is
// known locally, then flushes the buffer oldest-first.
func (c *Coordinator) handleDescending(ctx context.Context, p peer.ID, resp *Response) error {
	if len(resp.Blocks) > 0 {
		c.cache.ensure(p)
	}
	defer func() { c.metrics.PeerBuffers.Set(float64(c.cache.peers())) }()

	var (
		forkFound bool
		last      *block.Block
	)
	for _, blk := range resp.Blocks {
		if !c.verify(blk) {
			c.metrics.VerifyFailures.With("mode", "descending").Add(1)
			c.logger.Warn().Str("peer", p.String()).Uint64("round", blk.Round).Msg("Sync block verify failed, fork search abandoned")
			c.cache.drop(p)
			return nil
		}
		if c.chain.BlockExists(blk.ID()) {
			forkFound = true
			break
		}
		c.cache.append(p, blk)
		last = blk
	}

	if forkFound {
		buf := c.cache.take(p)
		for i := len(buf) - 1; i >= 0; i-- {
			if err := c.push(ctx, buf[i]); err != nil {
				return err
			}
		}
		c.metrics.ForkPoints.Add(1)
		c.logger.Info().Str("peer", p.String()).Int("blocks", len(buf)).Msg("Sync from peer complete")
		return nil
	}

	if resp.Status == StatusSucceeded && last != nil {
		return c.request(ctx, p, !c.chain.IsCaughtUp(), last.Round, last.ParentID)
	}
	c.cache.drop(p)
	c.logger.Debug().Str("peer", p.String()).Stringer("status", resp.Status).Msg("Fork search ended without a fork point")
	return nil
}

// request sends a BatchSize request to p. Send failures stall the exchange.
func (c *Coordinator) request(ctx context.Context, p peer.ID, ascending bool, height uint64, hash types.Hash) error {
	req := &Request{
		StartHeight: height,
		StartHash:   hash,
		Count:       BatchSize,
		Ascending:   ascending,
	}
	direction := "descending"
	if ascending {
		direction = "ascending"
	}
	if err := c.sender.SendRequest(ctx, p, req); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Str("peer", p.String()).Str("direction", direction).Msg("Send block request failed")
		return nil
	}
	c.metrics.RequestsSent.With("direction", direction).Add(1)
	return nil
}

// push hands blk to the ingestion channel. Stop and cancellation only
// interrupt it while the channel is full.
func (c *Coordinator) push(ctx context.Context, blk *block.Block) error {
	select {
	case c.ingest <- blk:
		c.metrics.BlocksIngested.Add(1)
		return nil
	default:
	}

	select {
	case c.ingest <- blk:
		c.metrics.BlocksIngested.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return errStopped
	}
}

func (c *Coordinator) signalMining(p peer.ID) {
	c.metrics.MiningSignals.Add(1)
	select {
	case c.beginMining <- struct{}{}:
		c.logger.Info().Str("peer", p.String()).Msg("Reached peer tip, begin mining")
	default:
		c.logger.Debug().Str("peer", p.String()).Msg("Begin-mining signal already pending")
	}
}
