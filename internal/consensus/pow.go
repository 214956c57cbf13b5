// Package consensus implements proof-of-work verification, sealing and
// per-algo difficulty retargeting.
package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/crypto"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet target")
	ErrZeroTarget       = errors.New("target must be > 0")
	ErrNonceExhausted   = errors.New("nonce space exhausted")
)

// PowHash returns the proof-of-work hash of data under algo.
func PowHash(algo block.Algo, data []byte) types.Hash {
	if algo == block.AlgoSHA3 {
		return crypto.SHA3(data)
	}
	return crypto.Hash(data)
}

// VerifyWork checks that the block's proof-of-work hash is at or below its
// stated target.
func VerifyWork(blk *block.Block) error {
	t := blk.Target.Big()
	if t.Sign() == 0 {
		return ErrZeroTarget
	}
	hash := PowHash(blk.Algo, blk.SigningBytes())
	if new(big.Int).SetBytes(hash[:]).Cmp(t) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// VerifyBlock checks block structure, the author signature and, unless
// devMode is set, the proof-of-work.
func VerifyBlock(blk *block.Block, devMode bool) error {
	if err := blk.Validate(); err != nil {
		return err
	}
	if devMode || blk.Round == 0 {
		return nil
	}
	return VerifyWork(blk)
}

// PoW seals blocks by searching the nonce space.
type PoW struct {
	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded. Each goroutine searches a strided
	// partition of the nonce space.
	Threads int
}

// Seal mines the block by iterating the nonce until the hash meets the
// target already set on the block.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support.
// When the context is cancelled, mining stops and ctx.Err() is returned.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil {
		return fmt.Errorf("nil block")
	}
	if blk.Target.IsZero() {
		return ErrZeroTarget
	}
	if !blk.Algo.Valid() {
		return fmt.Errorf("%w: %d", block.ErrBadAlgo, blk.Algo)
	}

	if p.Threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, p.Threads)
}

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	t := blk.Target.Big()
	prefix := blk.SigningPrefix()
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for nonce := uint64(0); ; nonce++ {
		// Check cancellation every 65536 iterations.
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := PowHash(blk.Algo, buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) <= 0 {
			blk.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return ErrNonceExhausted
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	t := blk.Target.Big()
	prefix := blk.SigningPrefix()
	algo := blk.Algo

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
				hash := PowHash(algo, buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				// Would wrap past max uint64.
				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: ErrNonceExhausted}:
					default:
					}
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return ErrNonceExhausted
		}
		if r.err != nil {
			return r.err
		}
		blk.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		// A winner may have cancelled ctx just before we selected.
		select {
		case r, ok := <-found:
			if ok && r.err == nil {
				blk.Nonce = r.nonce
				return nil
			}
		default:
		}
		return ctx.Err()
	}
}
