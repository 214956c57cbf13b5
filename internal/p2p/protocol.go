package p2p

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// TopicHeads is the GossipSub topic carrying head announcements.
const TopicHeads = "/klingnet-powsync/heads/1.0.0"

// Stream protocol constants.
const (
	// ConsensusProtocol carries one Message per stream.
	ConsensusProtocol = protocol.ID("/klingnet-powsync/consensus/1.0.0")

	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/klingnet-powsync/handshake/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1

	// MaxMessageSize bounds a consensus message on the wire. A full batch
	// of maximum-size blocks fits with room for hex encoding.
	MaxMessageSize = 32 << 20
)

// MessageType identifies the type of consensus message.
type MessageType uint8

const (
	MsgBlockRequest  MessageType = iota + 1 // Block retrieval request.
	MsgBlockResponse                        // Block retrieval response.
)

func (t MessageType) String() string {
	switch t {
	case MsgBlockRequest:
		return "block_request"
	case MsgBlockResponse:
		return "block_response"
	default:
		return fmt.Sprintf("msg(%d)", uint8(t))
	}
}

// Message is the consensus envelope.
type Message struct {
	Type    MessageType `json:"type"`
	Payload []byte      `json:"payload"`
}

// Inbound is a consensus message received from a peer. Messages a node
// sends to itself arrive with From set to its own ID.
type Inbound struct {
	From peer.ID
	Msg  Message
}

// HeadAnnouncement is a peer's new chain head.
type HeadAnnouncement struct {
	From   peer.ID    `json:"-"`
	Height uint64     `json:"height"`
	Hash   types.Hash `json:"hash"`
}
