package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
)

// Target is an unsigned 256-bit proof-of-work target, stored big-endian.
// A block hash interpreted as a big-endian integer must be <= its target.
type Target [HashSize]byte

// TargetFromBig converts n to a Target. It returns an error if n is
// negative or does not fit in 256 bits.
func TargetFromBig(n *big.Int) (Target, error) {
	var t Target
	if n.Sign() < 0 {
		return t, fmt.Errorf("target is negative")
	}
	if n.BitLen() > 8*HashSize {
		return t, fmt.Errorf("target exceeds 256 bits")
	}
	n.FillBytes(t[:])
	return t, nil
}

// Big returns the target as a new big.Int.
func (t Target) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

// IsZero returns true if the target is zero.
func (t Target) IsZero() bool {
	return t == Target{}
}

// String returns the hex-encoded target.
func (t Target) String() string {
	return hex.EncodeToString(t[:])
}

// MarshalJSON encodes the target as a hex string.
func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a hex string into a target.
func (t *Target) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := decodeFixed(s)
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	*t = decoded
	return nil
}
