package chainsync

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
)

// peerCache holds the per-peer accumulation buffers of descending fork
// searches. Buffers are newest-first.
type peerCache struct {
	mu      sync.Mutex
	buffers map[peer.ID][]*block.Block
}

func newPeerCache() *peerCache {
	return &peerCache{buffers: make(map[peer.ID][]*block.Block)}
}

// ensure creates an empty buffer for p if none exists.
func (pc *peerCache) ensure(p peer.ID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, ok := pc.buffers[p]; !ok {
		pc.buffers[p] = nil
	}
}

func (pc *peerCache) append(p peer.ID, blk *block.Block) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.buffers[p] = append(pc.buffers[p], blk)
}

// take removes p's buffer and returns it.
func (pc *peerCache) take(p peer.ID) []*block.Block {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	buf := pc.buffers[p]
	delete(pc.buffers, p)
	return buf
}

func (pc *peerCache) drop(p peer.ID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.buffers, p)
}

func (pc *peerCache) has(p peer.ID) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	_, ok := pc.buffers[p]
	return ok
}

func (pc *peerCache) size(p peer.ID) int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.buffers[p])
}

func (pc *peerCache) peers() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.buffers)
}
