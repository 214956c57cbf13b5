// Package p2p implements peer-to-peer networking using libp2p: a host with
// DHT and mDNS discovery, GossipSub head announcements and the consensus
// stream protocol.
package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-powsync/internal/log"
	"github.com/Klingon-tech/klingnet-powsync/internal/storage"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

const (
	rendezvousPrefix = "klingnet-powsync"

	dhtDiscoveryInterval = 30 * time.Second
	dhtFindTimeout       = 20 * time.Second
	peerConnectTimeout   = 5 * time.Second
	seedRetryInterval    = 10 * time.Second

	defaultQueueSize = 64
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string // Full multiaddrs including /p2p/<id>
	MaxPeers   int      // 0 = unlimited
	NoDiscover bool     // Disable mDNS and DHT
	DHTServer  bool     // Run DHT in server mode (for seeds)
	NetworkID  string   // e.g. "mainnet"; isolates discovery per network
	DataDir    string   // Host key location; empty = ephemeral identity
	DB         storage.DB
	QueueSize  int // Inbox and heads buffer size
}

// Node is a libp2p host carrying the consensus protocol and head gossip.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	topicHeads *pubsub.Topic
	subHeads   *pubsub.Subscription

	inbox chan Inbound
	heads chan HeadAnnouncement

	peers     *peerTable
	peerStore *PeerStore   // nil if Config.DB is nil
	dht       *dht.IpfsDHT // nil if NoDiscover

	onPeerConnected func()

	genesisHash      types.Hash
	handshakeEnabled bool
	heightFn         func() uint64
}

// New creates a P2P node. Nothing listens until Start.
func New(cfg Config) *Node {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: klog.P2P,
		inbox:  make(chan Inbound, cfg.QueueSize),
		heads:  make(chan HeadAnnouncement, cfg.QueueSize),
		peers:  newPeerTable(),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	return n
}

// rendezvous returns the DHT/mDNS namespace for this node's network.
func (n *Node) rendezvous() string {
	if n.config.NetworkID == "" {
		return rendezvousPrefix
	}
	return rendezvousPrefix + "/" + n.config.NetworkID
}

func (n *Node) listenAddr() (ma.Multiaddr, error) {
	addr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port))
	if err != nil {
		return nil, fmt.Errorf("listen address: %w", err)
	}
	return addr, nil
}

func (n *Node) hostOptions() ([]libp2p.Option, error) {
	addr, err := n.listenAddr()
	if err != nil {
		return nil, err
	}
	opts := []libp2p.Option{libp2p.ListenAddrs(addr)}
	if n.config.DataDir != "" {
		key, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return nil, fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(key))
	}
	return opts, nil
}

// Start creates the libp2p host, joins head gossip, registers the stream
// protocols and begins peer discovery.
func (n *Node) Start() (err error) {
	opts, err := n.hostOptions()
	if err != nil {
		return err
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h
	defer func() {
		if err != nil {
			n.closeDHT()
			h.Close()
			n.host = nil
		}
	}()

	h.Network().Notify(&connNotifier{node: n})

	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			return err
		}
	}

	n.pubsub, err = pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(maxHeadBytes*4))
	if err != nil {
		return fmt.Errorf("create pubsub: %w", err)
	}
	if err := n.joinHeads(); err != nil {
		return err
	}

	n.registerConsensusHandler()
	if n.handshakeEnabled {
		n.registerHandshakeHandler()
	}
	go n.headsReadLoop(n.subHeads)

	if len(n.config.Seeds) > 0 {
		n.logger.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds")
		n.dialSeeds()
		go n.runSeedLoop()
	}
	if n.peerStore != nil {
		go n.loadPersistedPeers()
		go n.runPersistLoop()
	}
	if n.dht != nil {
		n.startMDNS()
		go n.runDHTDiscovery(n.dht)
	}

	n.logger.Info().Str("id", shortID(h.ID())).Strs("addrs", n.Addrs()).Msg("P2P node started")
	return nil
}

// Stop persists known peers and shuts the host down.
func (n *Node) Stop() error {
	n.persistPeers()
	n.cancel()

	if n.subHeads != nil {
		n.subHeads.Cancel()
	}
	if n.topicHeads != nil {
		n.topicHeads.Close()
	}
	n.closeDHT()
	if n.host == nil {
		return nil
	}
	return n.host.Close()
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// SetPeerConnectedHandler registers a callback invoked when a new peer connects.
func (n *Node) SetPeerConnectedHandler(fn func()) {
	n.onPeerConnected = fn
}

// SetGenesisHash sets the genesis hash checked during the handshake.
// A non-zero hash enables the handshake protocol; call before Start.
func (n *Node) SetGenesisHash(h types.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = !h.IsZero()
}

// SetHeightFn sets the function used to report best height during handshake.
func (n *Node) SetHeightFn(fn func() uint64) {
	n.heightFn = fn
}

// DisconnectPeer closes all connections to a peer.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return ErrNotStarted
	}
	n.peers.remove(id)
	return n.host.Network().ClosePeer(id)
}

// Connect dials a peer given its full multiaddr.
func (n *Node) Connect(ctx context.Context, addr string) error {
	if n.host == nil {
		return ErrNotStarted
	}
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("parse peer address: %w", err)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect %s: %w", shortID(info.ID), err)
	}
	n.peers.add(info.ID)
	return nil
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	addrs := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}
