package chainsync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-powsync/internal/p2p"
	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// BatchSize is the number of blocks asked for in every request.
const BatchSize = 10

// ErrUnknownMessage is returned when decoding a message of the wrong type.
var ErrUnknownMessage = errors.New("unknown consensus message")

// Status is the outcome of a block-retrieval request.
type Status uint8

const (
	StatusSucceeded       Status = iota // Full batch returned.
	StatusIDNotFound                    // Anchor unknown to the peer.
	StatusNotEnoughBlocks               // Short batch: ran off the tip or reached genesis.
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusIDNotFound:
		return "id_not_found"
	case StatusNotEnoughBlocks:
		return "not_enough_blocks"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Request asks a peer for Count blocks anchored at StartHash. Ascending
// requests walk toward the tip (anchor excluded), descending requests walk
// toward genesis (anchor included).
type Request struct {
	StartHeight uint64     `json:"start_height"`
	StartHash   types.Hash `json:"start_hash"`
	Count       uint32     `json:"count"`
	Ascending   bool       `json:"ascending"`
}

// Response answers a Request. Blocks are ordered in the request direction.
type Response struct {
	Status Status         `json:"status"`
	Blocks []*block.Block `json:"blocks"`
}

// EncodeRequest wraps req in a consensus envelope.
func EncodeRequest(req *Request) (p2p.Message, error) {
	return encode(p2p.MsgBlockRequest, req)
}

// EncodeResponse wraps resp in a consensus envelope.
func EncodeResponse(resp *Response) (p2p.Message, error) {
	return encode(p2p.MsgBlockResponse, resp)
}

// DecodeRequest unwraps a request envelope.
func DecodeRequest(msg p2p.Message) (*Request, error) {
	var req Request
	if err := decode(msg, p2p.MsgBlockRequest, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// DecodeResponse unwraps a response envelope. Nil blocks are rejected.
func DecodeResponse(msg p2p.Message) (*Response, error) {
	var resp Response
	if err := decode(msg, p2p.MsgBlockResponse, &resp); err != nil {
		return nil, err
	}
	for i, blk := range resp.Blocks {
		if blk == nil {
			return nil, fmt.Errorf("decode response: nil block at index %d", i)
		}
	}
	return &resp, nil
}

func encode(t p2p.MessageType, v interface{}) (p2p.Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return p2p.Message{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return p2p.Message{Type: t, Payload: payload}, nil
}

func decode(msg p2p.Message, want p2p.MessageType, v interface{}) error {
	if msg.Type != want {
		return fmt.Errorf("%w: got %s, want %s", ErrUnknownMessage, msg.Type, want)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}
