package block

import (
	"fmt"
	"strings"
)

// Algo tags the proof-of-work hash function a block was mined with.
// Difficulty is retargeted independently per algo.
type Algo uint8

const (
	AlgoBlake3 Algo = iota + 1 // BLAKE3-256 over the signing bytes.
	AlgoSHA3                   // SHA3-256 over the signing bytes.
)

// Valid reports whether a is a known algo.
func (a Algo) Valid() bool {
	return a == AlgoBlake3 || a == AlgoSHA3
}

// String returns the config name of the algo.
func (a Algo) String() string {
	switch a {
	case AlgoBlake3:
		return "blake3"
	case AlgoSHA3:
		return "sha3"
	default:
		return fmt.Sprintf("algo(%d)", uint8(a))
	}
}

// ParseAlgo converts a config name into an Algo.
func ParseAlgo(s string) (Algo, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "blake3":
		return AlgoBlake3, nil
	case "sha3":
		return AlgoSHA3, nil
	default:
		return 0, fmt.Errorf("unknown mining algo %q", s)
	}
}
