package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-powsync/pkg/crypto"
)

// Validation errors.
var (
	ErrNilBlock         = errors.New("block is nil")
	ErrZeroTimestamp    = errors.New("block timestamp is zero")
	ErrBadAlgo          = errors.New("unknown proof-of-work algo")
	ErrZeroTarget       = errors.New("block target is zero")
	ErrPayloadTooLarge  = errors.New("block payload too large")
	ErrBadAuthor        = errors.New("invalid block author")
	ErrMissingSignature = errors.New("block is not signed")
	ErrBadSignature     = errors.New("invalid block signature")
)

// MaxPayloadSize caps the opaque payload carried by a block.
const MaxPayloadSize = 1 << 20

// Validate checks block structure and the author signature.
// This does NOT verify proof-of-work or the target rule (see consensus).
func (b *Block) Validate() error {
	if b == nil {
		return ErrNilBlock
	}
	if b.Round > 0 && b.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if !b.Algo.Valid() {
		return fmt.Errorf("%w: %d", ErrBadAlgo, b.Algo)
	}
	if b.Target.IsZero() {
		return ErrZeroTarget
	}
	if len(b.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(b.Payload), MaxPayloadSize)
	}

	// Genesis is unsigned.
	if b.Round == 0 {
		return nil
	}
	if len(b.Author) != crypto.PubKeySize {
		return fmt.Errorf("%w: %d bytes", ErrBadAuthor, len(b.Author))
	}
	if len(b.Signature) == 0 {
		return ErrMissingSignature
	}
	if !b.VerifySignature() {
		return ErrBadSignature
	}
	return nil
}
