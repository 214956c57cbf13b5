// Package miner implements block production for the powsync chain.
package miner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-powsync/internal/chain"
	"github.com/Klingon-tech/klingnet-powsync/internal/consensus"
	"github.com/Klingon-tech/klingnet-powsync/internal/log"
	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/crypto"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// ChainState provides read-only access to the chain being extended.
type ChainState interface {
	State() chain.State
	TargetIndex(id types.Hash) consensus.TargetIndex
}

// Config configures a Miner.
type Config struct {
	Chain   ChainState
	Key     *crypto.PrivateKey
	Algo    block.Algo
	Threads int
	// Payload is attached to every produced block.
	Payload []byte
	// Interval is the minimum time between produced blocks. Zero mines
	// back to back.
	Interval time.Duration
	// Ingest receives every sealed block.
	Ingest chan<- *block.Block
}

// Miner produces new blocks on top of the local tip.
type Miner struct {
	chain    ChainState
	key      *crypto.PrivateKey
	algo     block.Algo
	pow      *consensus.PoW
	payload  []byte
	interval time.Duration
	ingest   chan<- *block.Block
	restart  chan struct{}
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a new block producer.
func New(cfg Config) (*Miner, error) {
	if cfg.Chain == nil || cfg.Ingest == nil {
		return nil, errors.New("miner: chain and ingest channel are required")
	}
	if cfg.Key == nil {
		return nil, errors.New("miner: author key is required")
	}
	if !cfg.Algo.Valid() {
		return nil, fmt.Errorf("miner: %w: %d", block.ErrBadAlgo, cfg.Algo)
	}
	return &Miner{
		chain:    cfg.Chain,
		key:      cfg.Key,
		algo:     cfg.Algo,
		pow:      &consensus.PoW{Threads: cfg.Threads},
		payload:  cfg.Payload,
		interval: cfg.Interval,
		ingest:   cfg.Ingest,
		restart:  make(chan struct{}, 1),
		logger:   log.Miner,
		now:      time.Now,
	}, nil
}

// TipChanged abandons the block being sealed so the next one builds on the
// new tip. It never blocks.
func (m *Miner) TipChanged() {
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

// ProduceBlock builds, seals and signs a block on top of the current tip.
// The block is not applied to the chain.
func (m *Miner) ProduceBlock(ctx context.Context) (*block.Block, error) {
	tip := m.chain.State()

	timestamp := uint64(m.now().Unix())
	if timestamp < tip.TipTimestamp {
		timestamp = tip.TipTimestamp
	}

	target, err := types.TargetFromBig(consensus.NextTarget(m.chain.TargetIndex(tip.TipHash), m.algo))
	if err != nil {
		return nil, fmt.Errorf("next target: %w", err)
	}
	blk := &block.Block{
		ParentID:  tip.TipHash,
		Round:     tip.Height + 1,
		Timestamp: timestamp,
		Target:    target,
		Algo:      m.algo,
		Author:    m.key.PublicKey(),
		Payload:   m.payload,
	}

	if err := m.pow.SealWithCancel(ctx, blk); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}
	if err := blk.Sign(m.key); err != nil {
		return nil, fmt.Errorf("sign block: %w", err)
	}
	return blk, nil
}

// Run mines until ctx is done. Sealing restarts whenever TipChanged is
// called.
func (m *Miner) Run(ctx context.Context) error {
	m.logger.Info().Stringer("algo", m.algo).Msg("Block production started")
	defer m.logger.Info().Msg("Block production stopped")

	for {
		blk, err := m.mineOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.logger.Error().Err(err).Msg("Failed to produce block")
			}
			continue
		}

		select {
		case m.ingest <- blk:
		case <-ctx.Done():
			return nil
		}
		m.logger.Info().
			Uint64("round", blk.Round).
			Str("hash", blk.ID().Short()).
			Str("target", blk.Target.String()).
			Uint64("nonce", blk.Nonce).
			Uint64("hash_rate", consensus.CurrentHashRate(blk.Target)).
			Msg("Block produced")

		if m.interval > 0 {
			select {
			case <-time.After(m.interval):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// mineOne seals a single block, aborting when the tip changes.
func (m *Miner) mineOne(ctx context.Context) (*block.Block, error) {
	// Drop a restart that predates this attempt.
	select {
	case <-m.restart:
	default:
	}

	sealCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		blk *block.Block
		err error
	}
	done := make(chan result, 1)
	go func() {
		blk, err := m.ProduceBlock(sealCtx)
		done <- result{blk, err}
	}()

	select {
	case r := <-done:
		return r.blk, r.err
	case <-m.restart:
		cancel()
		<-done
		m.logger.Debug().Msg("Tip changed, restarting seal")
		return nil, context.Canceled
	case <-ctx.Done():
		cancel()
		<-done
		return nil, ctx.Err()
	}
}
