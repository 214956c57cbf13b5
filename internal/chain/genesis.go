package chain

import (
	"github.com/Klingon-tech/klingnet-powsync/internal/consensus"
	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// GenesisBlock returns the deterministic genesis block for network.
// Genesis has a zero timestamp, so retargeting never counts it.
func GenesisBlock(network string) *block.Block {
	// Difficulty1Target always fits in 256 bits.
	target, _ := types.TargetFromBig(consensus.Difficulty1Target())
	return &block.Block{
		Round:   0,
		Target:  target,
		Algo:    block.AlgoBlake3,
		Payload: []byte("klingnet-powsync/" + network),
	}
}
