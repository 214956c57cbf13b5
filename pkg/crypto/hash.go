// Package crypto provides the hashing and signature primitives used by blocks.
package crypto

import (
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// SHA3 computes a SHA3-256 hash of the input data.
func SHA3(data []byte) types.Hash {
	return sha3.Sum256(data)
}
