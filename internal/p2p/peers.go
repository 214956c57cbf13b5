package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PeerSource records how a peer was first reached.
type PeerSource string

const (
	SourceInbound   PeerSource = ""
	SourceSeed      PeerSource = "seed"
	SourceMDNS      PeerSource = "mdns"
	SourceDHT       PeerSource = "dht"
	SourcePersisted PeerSource = "persisted"
)

// Peer is a snapshot of a connected peer.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      PeerSource
	// Handshaked is set once the peer proved it follows our genesis.
	Handshaked bool
	// Height is the best height the peer reported in its handshake.
	Height uint64
}

// peerTable is the set of connected peers.
type peerTable struct {
	mu sync.RWMutex
	m  map[peer.ID]*Peer
}

func newPeerTable() *peerTable {
	return &peerTable{m: make(map[peer.ID]*Peer)}
}

// add records id as connected. Re-adding a known peer keeps its state.
func (t *peerTable) add(id peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[id]; !ok {
		t.m[id] = &Peer{ID: id, ConnectedAt: time.Now()}
	}
}

// setSource sets the source of a known peer unless one is already set.
func (t *peerTable) setSource(id peer.ID, src PeerSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.m[id]; ok && p.Source == SourceInbound {
		p.Source = src
	}
}

// handshaked marks a known peer as verified at height.
func (t *peerTable) handshaked(id peer.ID, height uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.m[id]; ok {
		p.Handshaked = true
		p.Height = height
	}
}

func (t *peerTable) remove(id peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}

func (t *peerTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// list returns copies of all peers, oldest connection first.
func (t *peerTable) list() []Peer {
	t.mu.RLock()
	out := make([]Peer, 0, len(t.m))
	for _, p := range t.m {
		out = append(out, *p)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return n.peers.count()
}

// PeerList returns a snapshot of connected peers, oldest first.
func (n *Node) PeerList() []Peer {
	return n.peers.list()
}

// full reports whether MaxPeers connections are already open.
func (n *Node) full() bool {
	return n.config.MaxPeers > 0 && n.peers.count() >= n.config.MaxPeers
}

// connNotifier keeps the peer table in sync with the libp2p network and
// starts the handshake on outbound connections.
type connNotifier struct {
	node *Node
}

func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	n := cn.node
	remote := conn.RemotePeer()
	if remote == n.host.ID() {
		return
	}
	dir := conn.Stat().Direction

	// Inbound connections beyond MaxPeers are refused.
	if dir == network.DirInbound && n.full() {
		n.logger.Debug().Str("peer", shortID(remote)).Msg("Peer limit reached, refusing inbound")
		go conn.Close()
		return
	}

	n.peers.add(remote)
	n.logger.Debug().Str("peer", shortID(remote)).Str("dir", dir.String()).Msg("Peer connected")
	if fn := n.onPeerConnected; fn != nil {
		go fn()
	}
	if n.handshakeEnabled && dir == network.DirOutbound {
		go n.doHandshake(remote)
	}
}

func (cn *connNotifier) Disconnected(net network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	if len(net.ConnsToPeer(remote)) > 0 {
		return
	}
	cn.node.peers.remove(remote)
	cn.node.logger.Debug().Str("peer", shortID(remote)).Msg("Peer disconnected")
}

func (cn *connNotifier) Listen(network.Network, multiaddr.Multiaddr)      {}
func (cn *connNotifier) ListenClose(network.Network, multiaddr.Multiaddr) {}
