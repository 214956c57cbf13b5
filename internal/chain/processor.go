package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-powsync/internal/consensus"
	"github.com/Klingon-tech/klingnet-powsync/internal/log"
	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown            = errors.New("block already known")
	ErrParentNotFound        = errors.New("parent block not found")
	ErrBadRound              = errors.New("block round does not follow parent")
	ErrBadTarget             = errors.New("block target does not match retarget rule")
	ErrInvalidBlock          = errors.New("invalid block")
	ErrTimestampTooFuture    = errors.New("block timestamp too far in the future")
	ErrTimestampBeforeParent = errors.New("block timestamp before parent")
)

// MaxFutureDrift bounds how far ahead of local time a block timestamp may be.
const MaxFutureDrift = 2 * time.Minute

// ProcessBlock validates a block and adds it to the chain.
// A block extending the tip becomes the new tip. A block on a side chain
// is stored, and the side chain replaces the main chain once its tip has
// a strictly higher round.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	newTip, err := c.processBlock(blk)
	c.mu.Unlock()

	switch {
	case err == nil:
		c.metrics.BlocksProcessed.Add(1)
	case errors.Is(err, ErrBlockKnown):
	default:
		c.metrics.BlocksRejected.Add(1)
	}
	if newTip != nil {
		c.metrics.Height.Set(float64(newTip.Round))
		if c.onTip != nil {
			c.onTip(newTip)
		}
	}
	return err
}

// processBlock returns the new tip if the block changed it.
// Caller must hold c.mu.
func (c *Chain) processBlock(blk *block.Block) (*block.Block, error) {
	if blk == nil {
		return nil, fmt.Errorf("%w: nil block", ErrInvalidBlock)
	}
	id := blk.ID()

	known, err := c.blocks.HasBlock(id)
	if err != nil {
		return nil, fmt.Errorf("check block: %w", err)
	}
	if known {
		return nil, ErrBlockKnown
	}

	if err := consensus.VerifyBlock(blk, c.devMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBlock, err)
	}
	if blk.Round == 0 {
		return nil, fmt.Errorf("%w: unexpected genesis block %s", ErrBadRound, id.Short())
	}

	parent, err := c.blocks.GetBlock(blk.ParentID)
	if errors.Is(err, ErrBlockNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrParentNotFound, blk.ParentID.Short())
	}
	if err != nil {
		return nil, fmt.Errorf("load parent: %w", err)
	}
	if err := c.checkParentLink(blk, parent); err != nil {
		return nil, err
	}
	if !c.devMode {
		if err := c.checkTarget(blk); err != nil {
			return nil, err
		}
	}

	if err := c.blocks.StoreBlock(blk); err != nil {
		return nil, fmt.Errorf("store block: %w", err)
	}

	// Fast path: block extends current tip.
	if blk.ParentID == c.state.TipHash {
		if err := c.blocks.SetMain([]*block.Block{blk}); err != nil {
			return nil, err
		}
		c.setTip(blk)
		return blk, nil
	}

	// Side chain: switch only when strictly longer.
	if blk.Round <= c.state.Height {
		log.Chain.Debug().
			Uint64("round", blk.Round).
			Str("block", id.Short()).
			Uint64("tip_height", c.state.Height).
			Msg("Stored side-chain block")
		return nil, nil
	}
	if err := c.reorg(blk); err != nil {
		return nil, fmt.Errorf("reorg: %w", err)
	}
	return blk, nil
}

func (c *Chain) checkParentLink(blk, parent *block.Block) error {
	if blk.Round != parent.Round+1 {
		return fmt.Errorf("%w: parent round %d implies %d, got %d",
			ErrBadRound, parent.Round, parent.Round+1, blk.Round)
	}
	if blk.Timestamp < parent.Timestamp {
		return fmt.Errorf("%w: block timestamp %d < parent timestamp %d",
			ErrTimestampBeforeParent, blk.Timestamp, parent.Timestamp)
	}
	maxTime := uint64(time.Now().Add(MaxFutureDrift).Unix())
	if blk.Timestamp > maxTime {
		return fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Timestamp, maxTime)
	}
	return nil
}

// checkTarget enforces the retarget rule over the parent's history.
func (c *Chain) checkTarget(blk *block.Block) error {
	want := consensus.NextTarget(c.TargetIndex(blk.ParentID), blk.Algo)
	if blk.Target.Big().Cmp(want) != 0 {
		return fmt.Errorf("%w: round %d has target %s, want %x",
			ErrBadTarget, blk.Round, blk.Target, want)
	}
	return nil
}

func (c *Chain) setTip(blk *block.Block) {
	c.state = State{Height: blk.Round, TipHash: blk.ID(), TipTimestamp: blk.Timestamp}
	log.Chain.Debug().Uint64("height", blk.Round).Str("tip", c.state.TipHash.Short()).Msg("New tip")
}

// reorg makes newTip's branch the main chain. Blocks are immutable and
// carry no state, so switching only rewrites the round index.
func (c *Chain) reorg(newTip *block.Block) error {
	branch, err := c.collectBranch(newTip)
	if err != nil {
		return err
	}
	oldHeight, oldTip := c.state.Height, c.state.TipHash
	forkRound := branch[0].Round - 1

	if err := c.blocks.SetMain(branch); err != nil {
		return err
	}
	c.setTip(newTip)

	log.Chain.Info().
		Uint64("fork_round", forkRound).
		Uint64("old_height", oldHeight).
		Str("old_tip", oldTip.Short()).
		Uint64("new_height", newTip.Round).
		Str("new_tip", c.state.TipHash.Short()).
		Msg("Chain reorganized")
	return nil
}

// collectBranch walks back from tip to the main chain and returns the
// side-chain blocks oldest first.
func (c *Chain) collectBranch(tip *block.Block) ([]*block.Block, error) {
	var branch []*block.Block
	cur := tip
	for {
		onMain, err := c.isMain(cur)
		if err != nil {
			return nil, err
		}
		if onMain {
			break
		}
		branch = append(branch, cur)
		parent, err := c.blocks.GetBlock(cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("load branch parent at round %d: %w", cur.Round, err)
		}
		cur = parent
	}
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}

// isMain reports whether blk is indexed on the main chain.
func (c *Chain) isMain(blk *block.Block) (bool, error) {
	if blk.Round > c.state.Height {
		return false, nil
	}
	id, err := c.blocks.MainHash(blk.Round)
	if errors.Is(err, ErrBlockNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return id == blk.ID(), nil
}

// onMainChain is isMain for callers holding only an id.
func (c *Chain) onMainChain(id types.Hash) (*block.Block, bool, error) {
	blk, err := c.blocks.GetBlock(id)
	if err != nil {
		return nil, false, err
	}
	ok, err := c.isMain(blk)
	return blk, ok, err
}
