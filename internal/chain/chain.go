// Package chain implements the local chain manager: block storage,
// validation, fork choice and the block retrieval server.
package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/Klingon-tech/klingnet-powsync/internal/consensus"
	"github.com/Klingon-tech/klingnet-powsync/internal/log"
	"github.com/Klingon-tech/klingnet-powsync/internal/storage"
	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// ErrBlockNotFound is returned when a block id or round is not stored.
var ErrBlockNotFound = errors.New("block not found")

// State holds the current chain tip state.
type State struct {
	Height       uint64
	TipHash      types.Hash
	TipTimestamp uint64
}

// TipHandler is called after a block becomes the new main-chain tip.
type TipHandler func(tip *block.Block)

// Options configures a Chain.
type Options struct {
	// DevMode skips proof-of-work and target checks.
	DevMode bool
	// Genesis is the block installed on a fresh database.
	Genesis *block.Block
	// Metrics defaults to NopMetrics.
	Metrics *Metrics
}

// Chain is the local chain manager. It is safe for concurrent use.
type Chain struct {
	mu          sync.RWMutex // Protects state and the main-chain index.
	state       State
	blocks      *BlockStore
	devMode     bool
	genesisHash types.Hash
	caughtUp    atomic.Bool
	metrics     *Metrics
	onTip       TipHandler
}

// New opens the chain stored in db, installing opts.Genesis on a fresh
// database.
func New(db storage.DB, opts Options) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if opts.Genesis == nil {
		return nil, fmt.Errorf("genesis block is nil")
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}

	ch := &Chain{
		blocks:      NewBlockStore(db),
		devMode:     opts.DevMode,
		genesisHash: opts.Genesis.ID(),
		metrics:     opts.Metrics,
	}

	tipHash, height, err := ch.blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}
	if tipHash.IsZero() {
		if err := ch.initGenesis(opts.Genesis); err != nil {
			return nil, err
		}
		return ch, nil
	}

	stored, err := ch.blocks.MainHash(0)
	if err != nil {
		return nil, fmt.Errorf("recover genesis: %w", err)
	}
	if stored != ch.genesisHash {
		return nil, fmt.Errorf("database genesis %s does not match configured genesis %s", stored.Short(), ch.genesisHash.Short())
	}

	tip, err := ch.blocks.GetBlock(tipHash)
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}
	ch.state = State{Height: height, TipHash: tipHash, TipTimestamp: tip.Timestamp}
	ch.metrics.Height.Set(float64(height))
	log.Chain.Info().Uint64("height", height).Str("tip", tipHash.Short()).Msg("Chain loaded")
	return ch, nil
}

func (c *Chain) initGenesis(gen *block.Block) error {
	if gen.Round != 0 || !gen.ParentID.IsZero() {
		return fmt.Errorf("%w: genesis must be round 0 with zero parent", ErrBadRound)
	}
	if err := gen.Validate(); err != nil {
		return fmt.Errorf("validate genesis: %w", err)
	}
	if err := c.blocks.StoreBlock(gen); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	if err := c.blocks.SetMain([]*block.Block{gen}); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}
	c.state = State{Height: 0, TipHash: c.genesisHash, TipTimestamp: gen.Timestamp}
	log.Chain.Info().Str("genesis", c.genesisHash.Short()).Msg("Chain initialized from genesis")
	return nil
}

// SetTipHandler registers fn to be called after every tip change.
// Must be called before blocks are processed.
func (c *Chain) SetTipHandler(fn TipHandler) {
	c.onTip = fn
}

// IsCaughtUp reports whether the node considers itself synchronized with
// the network and is producing blocks.
func (c *Chain) IsCaughtUp() bool {
	return c.caughtUp.Load()
}

// SetCaughtUp updates the caught-up flag.
func (c *Chain) SetCaughtUp(v bool) {
	if c.caughtUp.Swap(v) != v {
		log.Chain.Info().Bool("caught_up", v).Uint64("height", c.Height()).Msg("Sync state changed")
	}
}

// BlockExists reports whether a block with the given id is stored,
// on the main chain or a side chain.
func (c *Chain) BlockExists(id types.Hash) bool {
	ok, err := c.blocks.HasBlock(id)
	if err != nil {
		log.Chain.Error().Err(err).Str("block", id.Short()).Msg("Block lookup failed")
		return false
	}
	return ok
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Height returns the current tip round.
func (c *Chain) Height() uint64 {
	return c.State().Height
}

// TipHash returns the id of the current tip.
func (c *Chain) TipHash() types.Hash {
	return c.State().TipHash
}

// GenesisHash returns the id of the genesis block.
func (c *Chain) GenesisHash() types.Hash {
	return c.genesisHash
}

// GetBlockByRound retrieves the main-chain block at round.
func (c *Chain) GetBlockByRound(round uint64) (*block.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks.GetBlockByRound(round)
}

// NextTarget returns the target the next block of algo on top of the
// current tip must carry.
func (c *Chain) NextTarget(algo block.Algo) *big.Int {
	return consensus.NextTarget(c.TargetIndex(c.TipHash()), algo)
}
