package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// streamWriteTimeout bounds writing one message to a peer.
	streamWriteTimeout = 30 * time.Second

	// streamReadTimeout bounds reading one message from a peer.
	streamReadTimeout = 30 * time.Second
)

// ErrNotStarted is returned by network operations before Start.
var ErrNotStarted = errors.New("p2p node not started")

// Inbox returns the channel of inbound consensus messages.
func (n *Node) Inbox() <-chan Inbound {
	return n.inbox
}

// Send delivers msg to peer to. A message addressed to this node is placed
// directly on its own inbox; anything else is written to a new
// ConsensusProtocol stream. Send does not wait for a reply.
func (n *Node) Send(ctx context.Context, to peer.ID, msg Message) error {
	if n.host == nil {
		return ErrNotStarted
	}
	if to == n.host.ID() {
		return n.deliver(ctx, Inbound{From: to, Msg: msg})
	}

	stream, err := n.host.NewStream(ctx, to, ConsensusProtocol)
	if err != nil {
		return fmt.Errorf("open consensus stream: %w", err)
	}
	defer stream.Close()

	_ = stream.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := json.NewEncoder(stream).Encode(&msg); err != nil {
		stream.Reset()
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return stream.CloseWrite()
}

// deliver places in on the inbox, waiting while it is full.
func (n *Node) deliver(ctx context.Context, in Inbound) error {
	select {
	case n.inbox <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return ErrNotStarted
	}
}

// registerConsensusHandler reads one message per inbound stream.
func (n *Node) registerConsensusHandler() {
	n.host.SetStreamHandler(ConsensusProtocol, func(stream network.Stream) {
		defer stream.Close()

		from := stream.Conn().RemotePeer()
		_ = stream.SetReadDeadline(time.Now().Add(streamReadTimeout))

		var msg Message
		if err := json.NewDecoder(io.LimitReader(stream, MaxMessageSize)).Decode(&msg); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(from)).Msg("Consensus message read failed")
			stream.Reset()
			return
		}
		n.peers.add(from)
		if err := n.deliver(n.ctx, Inbound{From: from, Msg: msg}); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(from)).Msg("Consensus message dropped")
		}
	})
}

// shortID returns the first 16 characters of a peer ID for logging.
func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
