package rtpbridge

import (
	"sync"
	"testing"
	"time"

	"github.com/rangetel/l3ctl/internal/radio"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	radio.L2LogicalChannel

	mu       sync.Mutex
	uplink   [][]byte
	downlink [][]byte
}

func (f *fakeChannel) RecvSpeechFrame() ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.uplink) == 0 {
		return nil, false, nil
	}
	fr := f.uplink[0]
	f.uplink = f.uplink[1:]
	return fr, true, nil
}

func (f *fakeChannel) SendSpeechFrame(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downlink = append(f.downlink, payload)
	return nil
}

func (f *fakeChannel) downlinkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downlink)
}

type fakeEndpoint struct {
	mu     sync.Mutex
	uplink [][]byte
	closed bool
}

func (e *fakeEndpoint) Send(payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uplink = append(e.uplink, payload)
	return nil
}

func (e *fakeEndpoint) Recv() ([]byte, bool, error) { return nil, false, nil }

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEndpoint) sentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.uplink)
}

type fakeProvider struct {
	ch        *fakeChannel
	ep        *fakeEndpoint
	terminate bool
}

func (p *fakeProvider) ChannelFor(t *transaction.Transaction) (radio.L2LogicalChannel, bool) {
	return p.ch, true
}

func (p *fakeProvider) TerminationPending(t *transaction.Transaction) (bool, termcause.Cause) {
	if p.terminate {
		return true, termcause.NormalCallClearing
	}
	return false, termcause.CauseNone
}

func (p *fakeProvider) OpenEndpoint(t *transaction.Transaction) (RTPEndpoint, error) {
	return p.ep, nil
}

func TestStartBridgePumpsUplinkFramesUntilStopped(t *testing.T) {
	ch := &fakeChannel{uplink: [][]byte{[]byte("frame1"), []byte("frame2")}}
	ep := &fakeEndpoint{}
	prov := &fakeProvider{ch: ch, ep: ep}

	mgr := New(prov, prov, 100*time.Millisecond)
	tr := transaction.New(1, nil, nil)

	mgr.StartBridge(tr)
	require.Eventually(t, func() bool { return ep.sentCount() == 2 }, time.Second, 5*time.Millisecond)

	mgr.StopBridge(tr)
	require.Eventually(t, ep.isClosed, time.Second, 5*time.Millisecond)
}

func (e *fakeEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func TestLatencyCapOfOneTickAllowsOneQueuedFrame(t *testing.T) {
	ch := &fakeChannel{}
	ep := &fakeEndpoint{}
	prov := &fakeProvider{ch: ch, ep: ep}

	// One tick's worth of latency budget: at most one frame queued.
	mgr := New(prov, prov, tickInterval)
	assert.Equal(t, 1, int(mgr.maxLatency/tickInterval))
}

func TestRunClosesEndpointWhenStopped(t *testing.T) {
	ch := &fakeChannel{}
	ep := &fakeEndpoint{}
	prov := &fakeProvider{ch: ch, ep: ep, terminate: false}

	mgr := New(prov, prov, 20*time.Millisecond)
	tr := transaction.New(2, nil, nil)

	stop := make(chan struct{})
	go mgr.run(tr, ch, ep, stop)
	time.Sleep(10 * time.Millisecond)
	prov.terminate = true
	close(stop)
	require.Eventually(t, ep.isClosed, time.Second, 5*time.Millisecond)
}
