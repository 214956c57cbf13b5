package consensus

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// Retargeting constants.
const (
	BlockWindow    = 24   // Max same-algo blocks considered by NextTarget.
	BlockTimeSec   = 5    // Target seconds between blocks of one algo.
	Diff1HashTimes = 5000 // Expected hashes to solve a difficulty-1 block.
)

// MaxUint256 is 2^256 - 1.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var low64Mask = new(big.Int).SetUint64(^uint64(0))

var diff1Target = new(big.Int).Div(MaxUint256, big.NewInt(Diff1HashTimes))

// Difficulty1Target returns the bootstrap target MaxUint256 / 5000.
// The returned value is a fresh copy and may be modified by the caller.
func Difficulty1Target() *big.Int {
	return new(big.Int).Set(diff1Target)
}

// CurrentHashRate estimates the network hash rate (hashes per second)
// implied by target. It is informational only.
//
// hash_rate = (diff1_target / target) * 5000 / block_time
func CurrentHashRate(target types.Target) uint64 {
	t := target.Big()
	if t.Sign() == 0 {
		return 0
	}
	r := new(big.Int).Div(diff1Target, t)
	r.Mul(r, big.NewInt(Diff1HashTimes))
	return lowUint64(r) / BlockTimeSec
}

// lowUint64 returns the least significant 64 bits of n.
func lowUint64(n *big.Int) uint64 {
	return new(big.Int).And(n, low64Mask).Uint64()
}
