package chainsync

import (
	"context"

	"github.com/Klingon-tech/klingnet-powsync/internal/p2p"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// HeadView is the part of the local chain needed to interpret a peer's
// head announcement.
type HeadView interface {
	ChainManager
	Height() uint64
	TipHash() types.Hash
}

// SignalFromHead converts a peer's head announcement into a height signal.
// A caught-up node searches back from an unknown peer head. A node that is
// behind replays forward from its own tip, the only anchor it trusts.
func SignalFromHead(view HeadView, head p2p.HeadAnnouncement) (HeightSignal, bool) {
	if view.IsCaughtUp() {
		if view.BlockExists(head.Hash) {
			return HeightSignal{}, false
		}
		return HeightSignal{Peer: head.From, Height: head.Height, Hash: head.Hash}, true
	}
	return HeightSignal{Peer: head.From, Height: view.Height(), Hash: view.TipHash()}, true
}

// RelayHeads turns announcements from heads into signals until heads is
// closed or ctx is done.
func RelayHeads(ctx context.Context, view HeadView, heads <-chan p2p.HeadAnnouncement, signals chan<- HeightSignal) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case head, ok := <-heads:
			if !ok {
				return nil
			}
			sig, ok := SignalFromHead(view, head)
			if !ok {
				continue
			}
			select {
			case signals <- sig:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
