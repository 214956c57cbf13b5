package block

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-powsync/pkg/crypto"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// validBlock creates a minimal signed block at round 1.
func validBlock(t *testing.T) *Block {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	blk := &Block{
		ParentID:  types.Hash{0xaa},
		Round:     1,
		Timestamp: 1700000000,
		Target:    types.Target{0x0f},
		Algo:      AlgoBlake3,
		Nonce:     7,
		Payload:   []byte("payload"),
	}
	if err := blk.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return blk
}

func TestBlock_Validate_Valid(t *testing.T) {
	blk := validBlock(t)
	if err := blk.Validate(); err != nil {
		t.Errorf("valid block should pass: %v", err)
	}
}

func TestBlock_Validate_Nil(t *testing.T) {
	var blk *Block
	if err := blk.Validate(); !errors.Is(err, ErrNilBlock) {
		t.Errorf("expected ErrNilBlock, got: %v", err)
	}
}

func TestBlock_Validate_Genesis(t *testing.T) {
	blk := &Block{Target: types.Target{0xff}, Algo: AlgoBlake3}
	if err := blk.Validate(); err != nil {
		t.Errorf("unsigned genesis should pass: %v", err)
	}
}

func TestBlock_Validate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *Block)
		want   error
	}{
		{"zero timestamp", func(b *Block) { b.Timestamp = 0 }, ErrZeroTimestamp},
		{"bad algo", func(b *Block) { b.Algo = 9 }, ErrBadAlgo},
		{"zero target", func(b *Block) { b.Target = types.Target{} }, ErrZeroTarget},
		{"payload too large", func(b *Block) { b.Payload = make([]byte, MaxPayloadSize+1) }, ErrPayloadTooLarge},
		{"short author", func(b *Block) { b.Author = b.Author[:10] }, ErrBadAuthor},
		{"missing signature", func(b *Block) { b.Signature = nil }, ErrMissingSignature},
		{"tampered nonce", func(b *Block) { b.Nonce++ }, ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blk := validBlock(t)
			tt.mutate(blk)
			if err := blk.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}
