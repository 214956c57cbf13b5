package p2p

import (
	"encoding/json"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// maxHeadBytes limits a head announcement on the gossip topic.
const maxHeadBytes = 1024

// Heads returns the channel of head announcements received from peers.
func (n *Node) Heads() <-chan HeadAnnouncement {
	return n.heads
}

// PublishHead announces a new local chain head.
func (n *Node) PublishHead(height uint64, hash types.Hash) error {
	if n.topicHeads == nil {
		return ErrNotStarted
	}
	data, err := json.Marshal(HeadAnnouncement{Height: height, Hash: hash})
	if err != nil {
		return fmt.Errorf("marshal head: %w", err)
	}
	return n.topicHeads.Publish(n.ctx, data)
}

func (n *Node) joinHeads() error {
	topic, err := n.pubsub.Join(TopicHeads)
	if err != nil {
		return fmt.Errorf("join heads topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("subscribe heads topic: %w", err)
	}
	n.topicHeads = topic
	n.subHeads = sub
	return nil
}

func (n *Node) headsReadLoop(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return // Context cancelled or subscription closed.
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue // Skip own messages.
		}
		if len(msg.Data) > maxHeadBytes {
			continue
		}

		var head HeadAnnouncement
		if err := json.Unmarshal(msg.Data, &head); err != nil {
			continue // Malformed message.
		}
		head.From = msg.ReceivedFrom
		n.peers.add(head.From)

		select {
		case n.heads <- head:
		case <-n.ctx.Done():
			return
		default:
			n.logger.Debug().Str("peer", shortID(head.From)).Uint64("height", head.Height).Msg("Head queue full, announcement dropped")
		}
	}
}
