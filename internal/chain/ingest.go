package chain

import (
	"context"
	"errors"

	"github.com/Klingon-tech/klingnet-powsync/internal/log"
	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
)

// Ingest processes blocks from in until the channel is closed or ctx is
// done. Rejected blocks are logged and dropped.
func (c *Chain) Ingest(ctx context.Context, in <-chan *block.Block) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case blk, ok := <-in:
			if !ok {
				return nil
			}
			c.ingestOne(blk)
		}
	}
}

func (c *Chain) ingestOne(blk *block.Block) {
	err := c.ProcessBlock(blk)
	switch {
	case err == nil:
		log.Chain.Debug().Uint64("round", blk.Round).Str("block", blk.ID().Short()).Msg("Block ingested")
	case errors.Is(err, ErrBlockKnown):
		log.Chain.Debug().Uint64("round", blk.Round).Msg("Block already known")
	case errors.Is(err, ErrParentNotFound):
		log.Chain.Debug().Err(err).Uint64("round", blk.Round).Msg("Orphan block dropped")
	default:
		log.Chain.Warn().Err(err).Uint64("round", blk.Round).Msg("Block rejected")
	}
}
