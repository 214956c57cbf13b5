package chainsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-powsync/pkg/block"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

const peerA = peer.ID("peer-a")

// fakeChain answers caught-up queries from a script; the last value sticks.
type fakeChain struct {
	mu     sync.Mutex
	script []bool
	known  map[types.Hash]bool
}

func newFakeChain(caughtUp bool) *fakeChain {
	return &fakeChain{script: []bool{caughtUp}, known: make(map[types.Hash]bool)}
}

func (f *fakeChain) IsCaughtUp() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return v
}

func (f *fakeChain) setCaughtUp(vals ...bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = vals
}

func (f *fakeChain) BlockExists(id types.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[id]
}

type sentRequest struct {
	to  peer.ID
	req Request
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentRequest
	err  error
}

func (f *fakeSender) SendRequest(_ context.Context, to peer.ID, req *Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentRequest{to: to, req: *req})
	return nil
}

func (f *fakeSender) requests() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.sent...)
}

type harness struct {
	co     *Coordinator
	chain  *fakeChain
	sender *fakeSender
	ingest chan *block.Block
	mining chan struct{}
	bad    map[types.Hash]bool
}

func newHarness(t *testing.T, caughtUp bool) *harness {
	t.Helper()
	h := &harness{
		chain:  newFakeChain(caughtUp),
		sender: &fakeSender{},
		ingest: make(chan *block.Block, 100),
		mining: make(chan struct{}, 1),
		bad:    make(map[types.Hash]bool),
	}
	h.co = New(Config{
		Chain:       h.chain,
		Sender:      h.sender,
		Verify:      func(blk *block.Block) bool { return !h.bad[blk.ID()] },
		Ingest:      h.ingest,
		BeginMining: h.mining,
	})
	return h
}

// testBlocks returns a linked chain B0..Bn.
func testBlocks(n int) []*block.Block {
	blocks := make([]*block.Block, n+1)
	blocks[0] = &block.Block{Target: types.Target{0xff}, Algo: block.AlgoBlake3}
	for i := 1; i <= n; i++ {
		blocks[i] = &block.Block{
			ParentID:  blocks[i-1].ID(),
			Round:     uint64(i),
			Timestamp: uint64(1000 + i),
			Target:    types.Target{0xff},
			Algo:      block.AlgoBlake3,
		}
	}
	return blocks
}

func (h *harness) signal(t *testing.T, height uint64, hash types.Hash) {
	t.Helper()
	if err := h.co.handleSignal(context.Background(), HeightSignal{Peer: peerA, Height: height, Hash: hash}); err != nil {
		t.Fatalf("handleSignal: %v", err)
	}
}

func (h *harness) respond(t *testing.T, status Status, blocks ...*block.Block) {
	t.Helper()
	pr := PeerResponse{Peer: peerA, Response: &Response{Status: status, Blocks: blocks}}
	if err := h.co.handleResponse(context.Background(), pr); err != nil {
		t.Fatalf("handleResponse: %v", err)
	}
}

func (h *harness) ingested() []uint64 {
	var rounds []uint64
	for {
		select {
		case blk := <-h.ingest:
			rounds = append(rounds, blk.Round)
		default:
			return rounds
		}
	}
}

func (h *harness) miningSignalled() bool {
	select {
	case <-h.mining:
		return true
	default:
		return false
	}
}

func equalRounds(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSignal_CaughtUpSearchesBackward(t *testing.T) {
	h := newHarness(t, true)
	hash := types.Hash{0x05}
	h.signal(t, 5, hash)

	reqs := h.sender.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests, want 1", len(reqs))
	}
	want := Request{StartHeight: 5, StartHash: hash, Count: BatchSize, Ascending: false}
	if reqs[0].to != peerA || reqs[0].req != want {
		t.Fatalf("request = %+v to %s, want %+v to %s", reqs[0].req, reqs[0].to, want, peerA)
	}
	if h.co.Watermark() != 5 {
		t.Fatalf("Watermark() = %d, want 5", h.co.Watermark())
	}
}

func TestSignal_BehindReplaysForward(t *testing.T) {
	h := newHarness(t, false)
	hash := types.Hash{0x07}
	h.signal(t, 7, hash)
	h.signal(t, 2, hash)

	reqs := h.sender.requests()
	if len(reqs) != 2 {
		t.Fatalf("sent %d requests, want 2 (watermark not consulted when behind)", len(reqs))
	}
	want := Request{StartHeight: 7, StartHash: hash, Count: BatchSize, Ascending: true}
	if reqs[0].req != want {
		t.Fatalf("request = %+v, want %+v", reqs[0].req, want)
	}
	if h.co.Watermark() != 0 {
		t.Fatalf("Watermark() = %d, want 0 while behind", h.co.Watermark())
	}
}

func TestSignal_WatermarkMonotonic(t *testing.T) {
	tests := []struct {
		name     string
		heights  []uint64
		caughtUp []bool
		want     uint64
		requests int
	}{
		{"increasing", []uint64{1, 2, 3}, []bool{true, true, true}, 3, 3},
		{"stale ignored", []uint64{5, 3, 5, 8}, []bool{true, true, true, true}, 8, 2},
		{"behind does not raise", []uint64{4, 100, 6}, []bool{true, false, true}, 6, 3},
		{"zero height", []uint64{0}, []bool{true}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			var max uint64
			for i, height := range tt.heights {
				h.chain.setCaughtUp(tt.caughtUp[i])
				h.signal(t, height, types.Hash{byte(i)})
				if tt.caughtUp[i] && height > max {
					max = height
				}
				if got := h.co.Watermark(); got != max {
					t.Fatalf("after signal %d: Watermark() = %d, want %d", i, got, max)
				}
			}
			if h.co.Watermark() != tt.want {
				t.Fatalf("Watermark() = %d, want %d", h.co.Watermark(), tt.want)
			}
			if got := len(h.sender.requests()); got != tt.requests {
				t.Fatalf("sent %d requests, want %d", got, tt.requests)
			}
		})
	}
}

func TestAscending_SucceededRequestsMore(t *testing.T) {
	h := newHarness(t, false)
	b := testBlocks(3)
	h.respond(t, StatusSucceeded, b[1], b[2], b[3])

	if got := h.ingested(); !equalRounds(got, []uint64{1, 2, 3}) {
		t.Fatalf("ingested rounds = %v, want [1 2 3]", got)
	}
	reqs := h.sender.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests, want 1", len(reqs))
	}
	want := Request{StartHeight: 3, StartHash: b[3].ID(), Count: BatchSize, Ascending: true}
	if reqs[0].req != want {
		t.Fatalf("follow-up = %+v, want %+v", reqs[0].req, want)
	}
	if h.miningSignalled() {
		t.Fatal("unexpected mining signal")
	}
}

func TestAscending_TerminalStatusBeginsMining(t *testing.T) {
	for _, status := range []Status{StatusIDNotFound, StatusNotEnoughBlocks} {
		t.Run(status.String(), func(t *testing.T) {
			h := newHarness(t, false)
			b := testBlocks(2)
			h.respond(t, status, b[1], b[2])

			if got := h.ingested(); !equalRounds(got, []uint64{1, 2}) {
				t.Fatalf("ingested rounds = %v, want [1 2]", got)
			}
			if !h.miningSignalled() {
				t.Fatal("expected mining signal")
			}
			if len(h.sender.requests()) != 0 {
				t.Fatal("no follow-up request expected")
			}
		})
	}
}

func TestAscending_EmptySucceededBeginsMining(t *testing.T) {
	h := newHarness(t, false)
	h.respond(t, StatusSucceeded)

	if !h.miningSignalled() {
		t.Fatal("expected mining signal for empty batch")
	}
	if len(h.sender.requests()) != 0 {
		t.Fatal("no follow-up request expected")
	}
}

func TestAscending_MiningSignalCoalesced(t *testing.T) {
	h := newHarness(t, false)
	h.respond(t, StatusNotEnoughBlocks)
	h.respond(t, StatusNotEnoughBlocks) // would block on a full channel

	if !h.miningSignalled() {
		t.Fatal("expected mining signal")
	}
	if h.miningSignalled() {
		t.Fatal("signals should coalesce")
	}
}

func TestAscending_VerifyAbort(t *testing.T) {
	h := newHarness(t, false)
	b := testBlocks(5)
	h.bad[b[3].ID()] = true
	h.respond(t, StatusSucceeded, b[1], b[2], b[3], b[4], b[5])

	if got := h.ingested(); !equalRounds(got, []uint64{1, 2}) {
		t.Fatalf("ingested rounds = %v, want [1 2]", got)
	}
	if len(h.sender.requests()) != 0 {
		t.Fatal("no follow-up request expected after verify failure")
	}
	if h.miningSignalled() {
		t.Fatal("no mining signal expected after verify failure")
	}
}

func TestDescending_ForkPointFlushesForward(t *testing.T) {
	h := newHarness(t, true)
	b := testBlocks(5)
	h.chain.known[b[2].ID()] = true

	h.respond(t, StatusSucceeded, b[5], b[4], b[3])
	if got := h.ingested(); len(got) != 0 {
		t.Fatalf("ingested %v before fork point", got)
	}
	if got := h.co.cache.size(peerA); got != 3 {
		t.Fatalf("buffer size = %d, want 3", got)
	}
	reqs := h.sender.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests, want 1", len(reqs))
	}
	want := Request{StartHeight: 3, StartHash: b[2].ID(), Count: BatchSize, Ascending: false}
	if reqs[0].req != want {
		t.Fatalf("follow-up = %+v, want %+v", reqs[0].req, want)
	}

	h.respond(t, StatusSucceeded, b[2], b[1])
	if got := h.ingested(); !equalRounds(got, []uint64{3, 4, 5}) {
		t.Fatalf("ingested rounds = %v, want [3 4 5]", got)
	}
	if h.co.cache.has(peerA) {
		t.Fatal("peer buffer should be cleared after flush")
	}
	if len(h.sender.requests()) != 1 {
		t.Fatal("no request expected after fork point")
	}
}

func TestDescending_ForkPointInFirstBatch(t *testing.T) {
	h := newHarness(t, true)
	b := testBlocks(5)
	h.chain.known[b[2].ID()] = true

	h.respond(t, StatusSucceeded, b[5], b[4], b[3], b[2], b[1])
	if got := h.ingested(); !equalRounds(got, []uint64{3, 4, 5}) {
		t.Fatalf("ingested rounds = %v, want [3 4 5]", got)
	}
	if len(h.sender.requests()) != 0 {
		t.Fatal("no request expected")
	}
}

func TestDescending_HeadAlreadyKnown(t *testing.T) {
	h := newHarness(t, true)
	b := testBlocks(2)
	h.chain.known[b[2].ID()] = true

	h.respond(t, StatusSucceeded, b[2], b[1])
	if got := h.ingested(); len(got) != 0 {
		t.Fatalf("ingested %v, want nothing", got)
	}
	if h.co.cache.has(peerA) {
		t.Fatal("peer buffer should be cleared")
	}
}

func TestDescending_VerifyAbort(t *testing.T) {
	h := newHarness(t, true)
	b := testBlocks(10)

	// A first batch leaves a partial buffer.
	h.respond(t, StatusSucceeded, b[10], b[9])
	if h.co.cache.size(peerA) != 2 {
		t.Fatalf("buffer size = %d, want 2", h.co.cache.size(peerA))
	}

	h.bad[b[6].ID()] = true
	h.respond(t, StatusSucceeded, b[8], b[7], b[6], b[5], b[4])

	if h.co.cache.has(peerA) {
		t.Fatal("peer buffer should be discarded after verify failure")
	}
	if got := h.ingested(); len(got) != 0 {
		t.Fatalf("ingested %v, want nothing", got)
	}
	if got := len(h.sender.requests()); got != 1 {
		t.Fatalf("sent %d requests, want only the first follow-up", got)
	}
}

func TestDescending_TerminalStatusAbandons(t *testing.T) {
	for _, status := range []Status{StatusIDNotFound, StatusNotEnoughBlocks} {
		t.Run(status.String(), func(t *testing.T) {
			h := newHarness(t, true)
			b := testBlocks(3)
			h.respond(t, status, b[3], b[2])

			if h.co.cache.has(peerA) {
				t.Fatal("peer buffer should be discarded")
			}
			if len(h.sender.requests()) != 0 {
				t.Fatal("no follow-up request expected")
			}
			if h.miningSignalled() {
				t.Fatal("descending mode never signals mining")
			}
		})
	}
}

func TestDescending_EmptySucceededAbandons(t *testing.T) {
	h := newHarness(t, true)
	h.respond(t, StatusSucceeded)
	if len(h.sender.requests()) != 0 {
		t.Fatal("no follow-up request expected for empty batch")
	}
}

func TestResponse_DirectionResampled(t *testing.T) {
	h := newHarness(t, true)
	b := testBlocks(2)
	h.signal(t, 2, b[2].ID())

	// The node fell behind before the reply arrived: handled as forward replay.
	h.chain.setCaughtUp(false)
	h.respond(t, StatusSucceeded, b[1], b[2])
	if got := h.ingested(); !equalRounds(got, []uint64{1, 2}) {
		t.Fatalf("ingested rounds = %v, want [1 2]", got)
	}
	reqs := h.sender.requests()
	if len(reqs) != 2 || !reqs[1].req.Ascending {
		t.Fatalf("follow-up should be ascending, got %+v", reqs)
	}
}

func TestDescending_FollowUpDirectionResampled(t *testing.T) {
	h := newHarness(t, true)
	b := testBlocks(5)

	// Dispatch sees caught up, the follow-up sees behind.
	h.chain.setCaughtUp(true, false)
	h.respond(t, StatusSucceeded, b[5], b[4])

	reqs := h.sender.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests, want 1", len(reqs))
	}
	want := Request{StartHeight: 4, StartHash: b[3].ID(), Count: BatchSize, Ascending: true}
	if reqs[0].req != want {
		t.Fatalf("follow-up = %+v, want %+v", reqs[0].req, want)
	}
}

func TestForwardOrderAcrossModes(t *testing.T) {
	h := newHarness(t, false)
	b := testBlocks(6)

	// Behind: replay 1..2.
	h.respond(t, StatusNotEnoughBlocks, b[1], b[2])
	h.chain.known[b[1].ID()] = true
	h.chain.known[b[2].ID()] = true

	// Caught up: a peer reports 6; search back finds 2.
	h.chain.setCaughtUp(true)
	h.signal(t, 6, b[6].ID())
	h.respond(t, StatusSucceeded, b[6], b[5], b[4])
	h.respond(t, StatusSucceeded, b[3], b[2], b[1])

	got := h.ingested()
	if !equalRounds(got, []uint64{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("ingested rounds = %v, want [1 2 3 4 5 6]", got)
	}
}

func TestRequest_SendFailureStalls(t *testing.T) {
	h := newHarness(t, true)
	h.sender.err = errors.New("no route")
	h.signal(t, 9, types.Hash{0x09})

	if h.co.Watermark() != 9 {
		t.Fatalf("Watermark() = %d, want 9", h.co.Watermark())
	}
	if len(h.sender.requests()) != 0 {
		t.Fatal("failed send should not be recorded")
	}
}

func runCoordinator(h *harness, signals chan HeightSignal, responses chan PeerResponse, stop chan struct{}) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- h.co.Run(context.Background(), signals, responses, stop)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_ProcessesEventsUntilStop(t *testing.T) {
	h := newHarness(t, false)
	b := testBlocks(2)
	signals := make(chan HeightSignal)
	responses := make(chan PeerResponse)
	stop := make(chan struct{})
	done := runCoordinator(h, signals, responses, stop)

	signals <- HeightSignal{Peer: peerA, Height: 0, Hash: b[0].ID()}
	responses <- PeerResponse{Peer: peerA, Response: &Response{Status: StatusNotEnoughBlocks, Blocks: b[1:]}}
	stop <- struct{}{}
	waitDone(t, done)

	if got := len(h.sender.requests()); got != 1 {
		t.Fatalf("sent %d requests, want 1", got)
	}
	if got := h.ingested(); !equalRounds(got, []uint64{1, 2}) {
		t.Fatalf("ingested rounds = %v, want [1 2]", got)
	}
}

func TestPush_PendingStopKeepsBatch(t *testing.T) {
	h := newHarness(t, false)
	b := testBlocks(5)
	stop := make(chan struct{})
	close(stop)
	h.co.stop = stop

	h.respond(t, StatusNotEnoughBlocks, b[1:]...)

	if got := h.ingested(); !equalRounds(got, []uint64{1, 2, 3, 4, 5}) {
		t.Fatalf("ingested rounds = %v, want [1 2 3 4 5]", got)
	}
}

func TestPush_FullIngestHonoursStop(t *testing.T) {
	h := newHarness(t, false)
	h.co.ingest = make(chan *block.Block, 1)
	stop := make(chan struct{})
	close(stop)
	h.co.stop = stop

	b := testBlocks(2)
	if err := h.co.push(context.Background(), b[1]); err != nil {
		t.Fatalf("push with free capacity: %v", err)
	}
	if err := h.co.push(context.Background(), b[2]); !errors.Is(err, errStopped) {
		t.Fatalf("push on full channel = %v, want errStopped", err)
	}
}

func TestRun_StopDropsBuffers(t *testing.T) {
	h := newHarness(t, true)
	b := testBlocks(3)
	responses := make(chan PeerResponse)
	stop := make(chan struct{})
	done := runCoordinator(h, nil, responses, stop)

	responses <- PeerResponse{Peer: peerA, Response: &Response{Status: StatusSucceeded, Blocks: []*block.Block{b[3], b[2]}}}
	close(stop)
	waitDone(t, done)

	if got := h.ingested(); len(got) != 0 {
		t.Fatalf("ingested %v on stop, want nothing", got)
	}
	if h.miningSignalled() {
		t.Fatal("stop must not signal mining")
	}
}

func TestRun_CompletesWhenInputsClosed(t *testing.T) {
	h := newHarness(t, false)
	signals := make(chan HeightSignal)
	responses := make(chan PeerResponse)
	done := runCoordinator(h, signals, responses, nil)

	close(signals)
	close(responses)
	waitDone(t, done)
}

func TestRun_ContextCancel(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.co.Run(ctx, make(chan HeightSignal), make(chan PeerResponse), make(chan struct{})) }()
	cancel()
	waitDone(t, done)
}

func TestRun_StopUnblocksBackpressure(t *testing.T) {
	h := newHarness(t, false)
	h.co.ingest = make(chan *block.Block) // nobody reads
	b := testBlocks(1)
	responses := make(chan PeerResponse)
	stop := make(chan struct{})
	done := runCoordinator(h, nil, responses, stop)

	responses <- PeerResponse{Peer: peerA, Response: &Response{Status: StatusSucceeded, Blocks: b[1:]}}
	close(stop)
	waitDone(t, done)
	if len(h.sender.requests()) != 0 {
		t.Fatal("no follow-up expected when the push was aborted")
	}
}
