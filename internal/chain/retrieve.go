package chain

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// ErrNotEnoughBlocks is returned with a short batch when the walk ran off
// the tip (ascending) or reached genesis (descending).
var ErrNotEnoughBlocks = errors.New("not enough blocks")

// MaxRetrieveCount caps the batch size a peer may ask for.
const MaxRetrieveCount = 128

// RetrieveBlocks serves a peer's block-retrieval request.
//
// Ascending: start must be on the main chain; returns up to count main-chain
// blocks after start, oldest first.
// Descending: start may be any stored block; returns start and its
// ancestors, newest first, up to count.
//
// Returns ErrBlockNotFound when start is unknown (or, ascending, not on the
// main chain) and ErrNotEnoughBlocks together with the partial batch when
// fewer than count blocks exist.
func (c *Chain) RetrieveBlocks(start types.Hash, count uint32, ascending bool) ([]*block.Block, error) {
	if count > MaxRetrieveCount {
		count = MaxRetrieveCount
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ascending {
		return c.retrieveAscending(start, count)
	}
	return c.retrieveDescending(start, count)
}

func (c *Chain) retrieveAscending(start types.Hash, count uint32) ([]*block.Block, error) {
	anchor, onMain, err := c.onMainChain(start)
	if err != nil {
		return nil, err
	}
	if !onMain {
		return nil, fmt.Errorf("%w: %s is not on the main chain", ErrBlockNotFound, start.Short())
	}

	blocks := make([]*block.Block, 0, count)
	for round := anchor.Round + 1; round <= c.state.Height && uint32(len(blocks)) < count; round++ {
		blk, err := c.blocks.GetBlockByRound(round)
		if err != nil {
			return nil, fmt.Errorf("load round %d: %w", round, err)
		}
		blocks = append(blocks, blk)
	}
	if uint32(len(blocks)) < count {
		return blocks, ErrNotEnoughBlocks
	}
	return blocks, nil
}

func (c *Chain) retrieveDescending(start types.Hash, count uint32) ([]*block.Block, error) {
	blocks := make([]*block.Block, 0, count)
	next := start
	for uint32(len(blocks)) < count {
		blk, err := c.blocks.GetBlock(next)
		if err != nil {
			if len(blocks) == 0 {
				return nil, err
			}
			return nil, fmt.Errorf("load ancestor %s: %w", next.Short(), err)
		}
		blocks = append(blocks, blk)
		if blk.Round == 0 {
			break
		}
		next = blk.ParentID
	}
	if uint32(len(blocks)) < count {
		return blocks, ErrNotEnoughBlocks
	}
	return blocks, nil
}
