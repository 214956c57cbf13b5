package chain

import (
	"github.com/Klingon-tech/klingnet-powsync/internal/consensus"
	"github.com/Klingon-tech/klingnet-powsync/internal/log"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// maxIndexScan bounds how many ancestors a TargetIndex walks. Without it a
// chain that rarely mines one algo would walk back to genesis for it.
const maxIndexScan = 16 * consensus.BlockWindow

// blockIndex walks stored blocks from a starting id toward genesis.
type blockIndex struct {
	blocks  *BlockStore
	next    types.Hash
	done    bool
	scanned int
}

// TargetIndex returns the history ending at (and including) id,
// newest-first, for consensus.NextTarget.
func (c *Chain) TargetIndex(id types.Hash) consensus.TargetIndex {
	return &blockIndex{blocks: c.blocks, next: id}
}

// Next implements consensus.TargetIndex.
func (bi *blockIndex) Next() (consensus.BlockInfo, bool) {
	if bi.done || bi.scanned >= maxIndexScan {
		return consensus.BlockInfo{}, false
	}
	blk, err := bi.blocks.GetBlock(bi.next)
	if err != nil {
		log.Chain.Warn().Err(err).Str("block", bi.next.Short()).Msg("Target index walk stopped")
		bi.done = true
		return consensus.BlockInfo{}, false
	}
	bi.scanned++
	if blk.Round == 0 {
		bi.done = true
	}
	bi.next = blk.ParentID
	return consensus.BlockInfo{
		Timestamp: blk.Timestamp,
		Target:    blk.Target.Big(),
		Algo:      blk.Algo,
	}, true
}
