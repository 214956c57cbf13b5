package consensus

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-powsync/internal/log"
	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
)

// BlockInfo is the part of a block the retargeting rule looks at.
type BlockInfo struct {
	Timestamp uint64
	Target    *big.Int
	Algo      block.Algo
}

// TargetIndex yields chain history newest-first. Next returns false once
// the history is exhausted.
type TargetIndex interface {
	Next() (BlockInfo, bool)
}

// SliceIndex is a TargetIndex over an in-memory newest-first slice.
type SliceIndex struct {
	infos []BlockInfo
}

// NewSliceIndex returns an index over infos, which must be newest-first.
func NewSliceIndex(infos []BlockInfo) *SliceIndex {
	return &SliceIndex{infos: infos}
}

// Next implements TargetIndex.
func (s *SliceIndex) Next() (BlockInfo, bool) {
	if len(s.infos) == 0 {
		return BlockInfo{}, false
	}
	info := s.infos[0]
	s.infos = s.infos[1:]
	return info, true
}

// window collects up to BlockWindow entries of algo with a non-zero
// timestamp, newest-first.
func window(idx TargetIndex, algo block.Algo) []BlockInfo {
	blocks := make([]BlockInfo, 0, BlockWindow)
	for len(blocks) < BlockWindow {
		info, ok := idx.Next()
		if !ok {
			break
		}
		if info.Algo != algo || info.Timestamp == 0 {
			continue
		}
		blocks = append(blocks, info)
	}
	return blocks
}

// NextTarget returns the target the next block of algo must carry, given
// the chain history in idx (newest-first).
//
// The result is the unweighted mean target of the window scaled by the
// ratio of the triangular-weighted mean solve time to BlockTimeSec, and
// clamped to [avg/2, 2*avg]. Anything that would not fit in 256 bits
// falls back to Difficulty1Target.
func NextTarget(idx TargetIndex, algo block.Algo) *big.Int {
	logger := log.Consensus

	blocks := window(idx, algo)
	if len(blocks) <= 1 {
		logger.Info().Str("algo", algo.String()).Int("blocks", len(blocks)).
			Msg("Not enough history, using difficulty-1 target")
		return Difficulty1Target()
	}

	n := int64(len(blocks) - 1)
	var weighted int64
	sumTarget := new(big.Int)
	for i := int64(0); i < n; i++ {
		solve := int64(blocks[i].Timestamp) - int64(blocks[i+1].Timestamp)
		weighted += solve * (n - i)
		sumTarget.Add(sumTarget, blocks[i].Target)
		logger.Debug().Int64("solve_time", solve).Int64("weight", n-i).Msg("Solve time")
	}

	avgTime := weighted / (n * (n + 1) / 2)
	if avgTime <= 0 {
		avgTime = 1
	}
	avgTarget := sumTarget.Div(sumTarget, big.NewInt(n))

	newTarget := new(big.Int).Div(avgTarget, big.NewInt(BlockTimeSec))
	newTarget.Mul(newTarget, big.NewInt(avgTime))
	if newTarget.Cmp(MaxUint256) > 0 {
		logger.Info().Str("algo", algo.String()).Msg("Target exceeds 256 bits, using difficulty-1 target")
		return Difficulty1Target()
	}

	upper := new(big.Int).Lsh(avgTarget, 1)
	lower := new(big.Int).Rsh(avgTarget, 1)
	switch {
	case newTarget.Cmp(upper) > 0:
		logger.Info().Str("algo", algo.String()).Msg("Target rising too fast, clamped to 2x")
		newTarget = upper
	case newTarget.Cmp(lower) < 0:
		logger.Info().Str("algo", algo.String()).Msg("Target falling too fast, clamped to 1/2")
		newTarget = lower
	}

	logger.Debug().
		Str("algo", algo.String()).
		Int64("avg_time", avgTime).
		Int("time_plan", BlockTimeSec).
		Str("target", newTarget.Text(16)).
		Msg("Retargeted")
	return newTarget
}
