package consensus

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/crypto"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// easyTarget accepts roughly one hash in 16.
func easyTarget(t *testing.T) types.Target {
	return mustTarget(t, new(big.Int).Rsh(MaxUint256, 4))
}

func newTestBlock(t *testing.T, algo block.Algo, target types.Target) *block.Block {
	t.Helper()
	return &block.Block{
		ParentID:  types.Hash{0x01},
		Round:     1,
		Timestamp: 1000,
		Target:    target,
		Algo:      algo,
		Payload:   []byte{1, 2, 3},
	}
}

func TestPowHash_PerAlgo(t *testing.T) {
	data := []byte("powsync")
	if PowHash(block.AlgoBlake3, data) != crypto.Hash(data) {
		t.Error("blake3 PowHash mismatch")
	}
	if PowHash(block.AlgoSHA3, data) != crypto.SHA3(data) {
		t.Error("sha3 PowHash mismatch")
	}
}

func TestPoW_SealAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	for _, algo := range []block.Algo{block.AlgoBlake3, block.AlgoSHA3} {
		for _, threads := range []int{1, 4} {
			pow := &PoW{Threads: threads}
			blk := newTestBlock(t, algo, easyTarget(t))
			blk.Author = key.PublicKey()

			if err := pow.Seal(blk); err != nil {
				t.Fatalf("%s/%d Seal: %v", algo, threads, err)
			}
			if err := VerifyWork(blk); err != nil {
				t.Fatalf("%s/%d VerifyWork after Seal: %v", algo, threads, err)
			}
			if err := blk.Sign(key); err != nil {
				t.Fatal(err)
			}
			if err := VerifyBlock(blk, false); err != nil {
				t.Fatalf("%s/%d VerifyBlock: %v", algo, threads, err)
			}
		}
	}
}

func TestVerifyWork_Rejects(t *testing.T) {
	blk := newTestBlock(t, block.AlgoBlake3, mustTarget(t, big.NewInt(1)))
	blk.Nonce = 42
	if err := VerifyWork(blk); !errors.Is(err, ErrInsufficientWork) {
		t.Fatalf("VerifyWork with target 1 = %v, want ErrInsufficientWork", err)
	}

	blk.Target = types.Target{}
	if err := VerifyWork(blk); !errors.Is(err, ErrZeroTarget) {
		t.Fatalf("VerifyWork with zero target = %v, want ErrZeroTarget", err)
	}
}

func TestVerifyBlock_DevMode(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	blk := newTestBlock(t, block.AlgoBlake3, mustTarget(t, big.NewInt(1)))
	if err := blk.Sign(key); err != nil {
		t.Fatal(err)
	}

	if err := VerifyBlock(blk, false); !errors.Is(err, ErrInsufficientWork) {
		t.Fatalf("VerifyBlock = %v, want ErrInsufficientWork", err)
	}
	if err := VerifyBlock(blk, true); err != nil {
		t.Fatalf("VerifyBlock in dev mode = %v, want nil", err)
	}

	// Dev mode still checks the signature.
	blk.Signature = nil
	if err := VerifyBlock(blk, true); !errors.Is(err, block.ErrMissingSignature) {
		t.Fatalf("VerifyBlock unsigned in dev mode = %v, want ErrMissingSignature", err)
	}
}

func TestPoW_SealWithCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, threads := range []int{1, 4} {
		pow := &PoW{Threads: threads}
		blk := newTestBlock(t, block.AlgoBlake3, mustTarget(t, big.NewInt(1)))
		if err := pow.SealWithCancel(ctx, blk); !errors.Is(err, context.Canceled) {
			t.Fatalf("threads=%d SealWithCancel = %v, want context.Canceled", threads, err)
		}
	}
}

func TestPoW_Seal_Rejects(t *testing.T) {
	pow := &PoW{}
	if err := pow.Seal(newTestBlock(t, block.AlgoBlake3, types.Target{})); !errors.Is(err, ErrZeroTarget) {
		t.Fatalf("Seal zero target = %v, want ErrZeroTarget", err)
	}
	if err := pow.Seal(newTestBlock(t, 0, easyTarget(t))); !errors.Is(err, block.ErrBadAlgo) {
		t.Fatalf("Seal bad algo = %v, want ErrBadAlgo", err)
	}
}
