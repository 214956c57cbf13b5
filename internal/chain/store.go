package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-powsync/internal/storage"
	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock = []byte("b/") // b/<id(32)> -> block JSON
	prefixRound = []byte("r/") // r/<round(8)> -> main-chain id(32)
	keyTipHash  = []byte("s/tip")
	keyHeight   = []byte("s/height")
)

// BlockStore persists blocks and the main-chain index to a storage.DB.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// StoreBlock stores a block by id only, without touching the main-chain
// index. Side-chain blocks stay here until a reorg promotes them.
func (bs *BlockStore) StoreBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	id := blk.ID()
	if err := bs.db.Put(blockKey(id), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	return nil
}

// GetBlock retrieves a block by id.
func (bs *BlockStore) GetBlock(id types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
		}
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// HasBlock checks if a block exists by id.
func (bs *BlockStore) HasBlock(id types.Hash) (bool, error) {
	return bs.db.Has(blockKey(id))
}

// MainHash returns the id of the main-chain block at round.
func (bs *BlockStore) MainHash(round uint64) (types.Hash, error) {
	data, err := bs.db.Get(roundKey(round))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.Hash{}, fmt.Errorf("%w: round %d", ErrBlockNotFound, round)
		}
		return types.Hash{}, fmt.Errorf("round index get: %w", err)
	}
	if len(data) != types.HashSize {
		return types.Hash{}, fmt.Errorf("corrupt round index: got %d bytes, want %d", len(data), types.HashSize)
	}
	var id types.Hash
	copy(id[:], data)
	return id, nil
}

// GetBlockByRound retrieves the main-chain block at round.
func (bs *BlockStore) GetBlockByRound(round uint64) (*block.Block, error) {
	id, err := bs.MainHash(round)
	if err != nil {
		return nil, err
	}
	return bs.GetBlock(id)
}

// SetMain indexes branch (oldest first) as the main chain and moves the tip
// to its last block in a single batch. Every block in branch must already
// be stored.
func (bs *BlockStore) SetMain(branch []*block.Block) error {
	if len(branch) == 0 {
		return nil
	}
	batch := bs.db.NewBatch()
	for _, blk := range branch {
		id := blk.ID()
		if err := batch.Put(roundKey(blk.Round), id[:]); err != nil {
			return fmt.Errorf("round index put: %w", err)
		}
	}
	tip := branch[len(branch)-1]
	tipID := tip.ID()
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], tip.Round)
	if err := batch.Put(keyTipHash, tipID[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	if err := batch.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit main chain: %w", err)
	}
	return nil
}

// GetTip returns the current tip id and height.
// Returns zero values if no tip is set (fresh chain).
func (bs *BlockStore) GetTip() (types.Hash, uint64, error) {
	hashBytes, err := bs.db.Get(keyTipHash)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, 0, nil
	}
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("tip hash get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, 0, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}

	heightBytes, err := bs.db.Get(keyHeight)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("tip height missing: %w", err)
	}
	if len(heightBytes) != 8 {
		return types.Hash{}, 0, fmt.Errorf("corrupt tip height: got %d bytes", len(heightBytes))
	}

	var hash types.Hash
	copy(hash[:], hashBytes)
	return hash, binary.BigEndian.Uint64(heightBytes), nil
}

func blockKey(id types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], id[:])
	return key
}

func roundKey(round uint64) []byte {
	key := make([]byte, len(prefixRound)+8)
	copy(key, prefixRound)
	binary.BigEndian.PutUint64(key[len(prefixRound):], round)
	return key
}
