package p2p

import (
	"context"
	"fmt"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

// dial connects to a discovered peer and records how it was found.
// It returns false for ourselves, when the peer limit is reached, or when
// the connection fails.
func (n *Node) dial(info peer.AddrInfo, src PeerSource) bool {
	if info.ID == n.host.ID() || len(info.Addrs) == 0 || n.full() {
		return false
	}
	ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, info); err != nil {
		n.logger.Debug().Err(err).Str("peer", shortID(info.ID)).Str("source", string(src)).Msg("Dial failed")
		return false
	}
	n.peers.add(info.ID)
	n.peers.setSource(info.ID, src)
	return true
}

// --- mDNS ---

type mdnsNotifee struct {
	node *Node
}

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	m.node.dial(info, SourceMDNS)
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &mdnsNotifee{node: n})
	if err := svc.Start(); err != nil {
		n.logger.Debug().Err(err).Msg("mDNS unavailable")
	}
}

// --- Seeds ---

// dialSeeds tries every seed once and returns how many connected.
func (n *Node) dialSeeds() int {
	connected := 0
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			n.logger.Warn().Str("addr", addr).Err(err).Msg("Invalid seed address")
			continue
		}
		if n.dial(*info, SourceSeed) {
			n.logger.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
			connected++
		}
	}
	return connected
}

// runSeedLoop redials seeds whenever the node has no peers.
func (n *Node) runSeedLoop() {
	ticker := time.NewTicker(seedRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.peers.count() > 0 {
				continue
			}
			n.logger.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds")
			n.dialSeeds()
		}
	}
}

// --- DHT ---

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	if err := kad.Bootstrap(n.ctx); err != nil {
		kad.Close()
		return fmt.Errorf("bootstrap kad-dht: %w", err)
	}
	n.dht = kad
	return nil
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

// runDHTDiscovery advertises the network rendezvous and periodically
// dials peers found under it.
func (n *Node) runDHTDiscovery(kad *dht.IpfsDHT) {
	rd := drouting.NewRoutingDiscovery(kad)
	dutil.Advertise(n.ctx, rd, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(n.ctx, dhtFindTimeout)
		found, err := rd.FindPeers(ctx, n.rendezvous())
		if err != nil {
			cancel()
			continue
		}
		dialed := 0
		for info := range found {
			if n.full() {
				break
			}
			if n.dial(info, SourceDHT) {
				dialed++
			}
		}
		cancel()
		if dialed > 0 {
			n.logger.Debug().Int("dialed", dialed).Msg("DHT discovery round")
		}
	}
}
