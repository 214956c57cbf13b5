package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestPeerTable(t *testing.T) {
	pt := newPeerTable()
	a, b := peer.ID("peer-a"), peer.ID("peer-b")

	pt.add(a)
	pt.add(a)
	if pt.count() != 1 {
		t.Fatalf("count after duplicate add = %d, want 1", pt.count())
	}

	pt.setSource(a, SourceSeed)
	pt.setSource(a, SourceDHT)
	pt.handshaked(a, 42)
	pt.setSource(b, SourceMDNS) // unknown peer: ignored

	time.Sleep(time.Millisecond)
	pt.add(b)

	list := pt.list()
	if len(list) != 2 || list[0].ID != a || list[1].ID != b {
		t.Fatalf("list order = %v, want oldest first", list)
	}
	if list[0].Source != SourceSeed {
		t.Errorf("Source = %q, want first source %q", list[0].Source, SourceSeed)
	}
	if !list[0].Handshaked || list[0].Height != 42 {
		t.Errorf("handshake state = %+v", list[0])
	}
	if list[1].Source != SourceInbound {
		t.Errorf("peer-b source = %q, want inbound", list[1].Source)
	}

	// Snapshots are copies.
	list[0].Height = 7
	if pt.list()[0].Height != 42 {
		t.Error("list returned shared state")
	}

	pt.remove(a)
	if pt.count() != 1 {
		t.Errorf("count after remove = %d, want 1", pt.count())
	}
}

func TestNode_Full(t *testing.T) {
	n := New(Config{MaxPeers: 1})
	if n.full() {
		t.Fatal("empty node reports full")
	}
	n.peers.add(peer.ID("x"))
	if !n.full() {
		t.Error("node at MaxPeers should be full")
	}

	unlimited := New(Config{})
	unlimited.peers.add(peer.ID("x"))
	if unlimited.full() {
		t.Error("MaxPeers 0 should be unlimited")
	}
}

func dialHost(t *testing.T, from, to *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info := peer.AddrInfo{ID: to.host.ID(), Addrs: to.host.Addrs()}
	if err := from.host.Connect(ctx, info); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func waitPeerCount(t *testing.T, n *Node, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n.PeerCount() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("PeerCount = %d, want %d", n.PeerCount(), want)
}

func TestConnNotifier_TracksConnections(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)

	dialHost(t, b, a)
	waitPeerCount(t, a, 1)
	waitPeerCount(t, b, 1)
	if got := a.PeerList()[0].ID; got != b.ID() {
		t.Errorf("a sees %s, want %s", shortID(got), shortID(b.ID()))
	}

	for _, conn := range b.host.Network().ConnsToPeer(a.ID()) {
		conn.Close()
	}
	waitPeerCount(t, b, 0)
	waitPeerCount(t, a, 0)
}

func TestConnNotifier_RefusesInboundOverLimit(t *testing.T) {
	a := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true, MaxPeers: 1})
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	b := startTestNode(t)
	c := startTestNode(t)

	dialHost(t, b, a)
	waitPeerCount(t, a, 1)

	// The second inbound connection is closed by a.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.host.Connect(ctx, peer.AddrInfo{ID: a.ID(), Addrs: a.host.Addrs()})

	time.Sleep(300 * time.Millisecond)
	if a.PeerCount() != 1 {
		t.Errorf("a PeerCount = %d, want 1", a.PeerCount())
	}
	for _, p := range a.PeerList() {
		if p.ID == c.ID() {
			t.Error("peer over the limit was admitted")
		}
	}
}
