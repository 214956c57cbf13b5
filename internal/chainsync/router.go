package chainsync

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-powsync/internal/chain"
	"github.com/Klingon-tech/klingnet-powsync/internal/log"
	"github.com/Klingon-tech/klingnet-powsync/internal/p2p"
	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// BlockServer answers block-retrieval requests from local storage.
// It returns chain.ErrBlockNotFound for an unknown anchor and
// chain.ErrNotEnoughBlocks together with a short batch.
type BlockServer interface {
	RetrieveBlocks(start types.Hash, count uint32, ascending bool) ([]*block.Block, error)
}

// Transport sends a consensus envelope to a peer.
type Transport interface {
	Send(ctx context.Context, to peer.ID, msg p2p.Message) error
}

// Router dispatches inbound consensus messages: requests are answered from
// the BlockServer, responses are forwarded to the coordinator. It also
// implements Sender on top of the Transport.
type Router struct {
	server    BlockServer
	transport Transport
	responses chan<- PeerResponse
	logger    zerolog.Logger
}

// NewRouter creates a router. Decoded responses are sent on responses.
func NewRouter(server BlockServer, transport Transport, responses chan<- PeerResponse) *Router {
	return &Router{
		server:    server,
		transport: transport,
		responses: responses,
		logger:    log.Sync,
	}
}

// SendRequest implements Sender.
func (r *Router) SendRequest(ctx context.Context, to peer.ID, req *Request) error {
	msg, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return r.transport.Send(ctx, to, msg)
}

// Run handles inbound messages until inbox is closed or ctx is done.
func (r *Router) Run(ctx context.Context, inbox <-chan p2p.Inbound) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbox:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, in); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Debug().Err(err).Str("peer", in.From.String()).Msg("Dropped consensus message")
			}
		}
	}
}

func (r *Router) handle(ctx context.Context, in p2p.Inbound) error {
	switch in.Msg.Type {
	case p2p.MsgBlockRequest:
		req, err := DecodeRequest(in.Msg)
		if err != nil {
			return err
		}
		return r.serve(ctx, in.From, req)

	case p2p.MsgBlockResponse:
		resp, err := DecodeResponse(in.Msg)
		if err != nil {
			return err
		}
		select {
		case r.responses <- PeerResponse{Peer: in.From, Response: resp}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		return ErrUnknownMessage
	}
}

// serve answers req and sends the response back to from.
func (r *Router) serve(ctx context.Context, from peer.ID, req *Request) error {
	resp := r.Retrieve(req)
	r.logger.Debug().
		Str("peer", from.String()).
		Bool("ascending", req.Ascending).
		Str("start", req.StartHash.Short()).
		Stringer("status", resp.Status).
		Int("blocks", len(resp.Blocks)).
		Msg("Served block request")

	msg, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return r.transport.Send(ctx, from, msg)
}

// Retrieve maps a request onto the BlockServer.
func (r *Router) Retrieve(req *Request) *Response {
	blocks, err := r.server.RetrieveBlocks(req.StartHash, req.Count, req.Ascending)
	switch {
	case err == nil:
		return &Response{Status: StatusSucceeded, Blocks: blocks}
	case errors.Is(err, chain.ErrNotEnoughBlocks):
		return &Response{Status: StatusNotEnoughBlocks, Blocks: blocks}
	case errors.Is(err, chain.ErrBlockNotFound):
		return &Response{Status: StatusIDNotFound}
	default:
		r.logger.Warn().Err(err).Str("start", req.StartHash.Short()).Msg("Block retrieval failed")
		return &Response{Status: StatusIDNotFound}
	}
}
