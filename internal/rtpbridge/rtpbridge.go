// Package rtpbridge implements spec.md §4.11's in-call RTP bridge: once
// a transaction reaches Active, speech frames are pumped both ways
// between the assigned radio channel and the SIP-side RTP endpoint,
// latency-capped by dropping the oldest queued downlink frame rather
// than letting the queue grow unbounded. Grounded on
// calltr/cstimer.go's one-timer-per-entity idiom (here a resettable
// watchdog rather than a countdown) for the service loop's shape;
// nothing in the teacher pumps media, so the loop itself follows
// spec.md §4.11's step list directly.
package rtpbridge

import (
	"sync"
	"time"

	"github.com/rangetel/l3ctl/internal/radio"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

// tickInterval is one GSM full-rate speech frame period.
const tickInterval = 20 * time.Millisecond

// watchdogPeriod is how often the bridge loop re-checks whether its
// owning MMContext has been flagged for teardown, spec.md §4.4's
// mmCheckNewActivity path, without waiting on a Transaction.Dispatch
// call that may never come once the channel itself has gone quiet.
const watchdogPeriod = 60 * time.Second

// RTPEndpoint is the SIP-side media socket a bridged call reads and
// writes speech frames on, already negotiated by the time Active is
// reached. internal/sipcore implements it.
type RTPEndpoint interface {
	Send(payload []byte) error
	Recv() (payload []byte, ok bool, err error)
	Close() error
}

// ChannelProvider resolves the owning radio channel for a transaction
// and exposes its MMContext's termination flag, so the bridge loop
// itself can stop pumping frames into a channel whose MMContext has
// already asked to be torn down.
type ChannelProvider interface {
	ChannelFor(t *transaction.Transaction) (radio.L2LogicalChannel, bool)
	TerminationPending(t *transaction.Transaction) (bool, termcause.Cause)
}

// EndpointStarter opens the RTP endpoint side of the bridge.
type EndpointStarter interface {
	OpenEndpoint(t *transaction.Transaction) (RTPEndpoint, error)
}

// Manager owns one goroutine per bridged transaction. It implements
// the StartBridge(t) contract independently declared by
// internal/procedures/moc, internal/procedures/mtc and
// internal/procedures/handover's inbound machine.
type Manager struct {
	channels   ChannelProvider
	endpoints  EndpointStarter
	maxLatency time.Duration

	mu     sync.Mutex
	active map[uint64]chan struct{}
}

// New builds a Manager. maxLatency is spec.md §6's MaxSpeechLatency
// config key.
func New(channels ChannelProvider, endpoints EndpointStarter, maxLatency time.Duration) *Manager {
	return &Manager{
		channels:   channels,
		endpoints:  endpoints,
		maxLatency: maxLatency,
		active:     make(map[uint64]chan struct{}),
	}
}

// StartBridge resolves the transaction's channel and RTP endpoint and
// starts pumping frames. A failure to resolve either is logged and the
// call proceeds without media -- the signalling legs stay up either
// way, matching spec.md §7's "never let an ambient failure abort a
// live transaction".
func (m *Manager) StartBridge(t *transaction.Transaction) {
	ch, ok := m.channels.ChannelFor(t)
	if !ok {
		wiretrace.ERR("rtpbridge: no channel for transaction %d, not bridging\n", t.ID)
		return
	}
	ep, err := m.endpoints.OpenEndpoint(t)
	if err != nil {
		wiretrace.ERR("rtpbridge: OpenEndpoint failed for transaction %d: %v\n", t.ID, err)
		return
	}
	stop := make(chan struct{})
	m.mu.Lock()
	if old, exists := m.active[t.ID]; exists {
		close(old)
	}
	m.active[t.ID] = stop
	m.mu.Unlock()

	t.Ref()
	go m.run(t, ch, ep, stop)
}

// StopBridge signals the running bridge goroutine for t, if any, to
// exit. rtpbridge has no standing hook into Transaction's own teardown
// path, so without a StopBridge call the loop runs until its watchdog
// sees the termination flag.
func (m *Manager) StopBridge(t *transaction.Transaction) {
	m.mu.Lock()
	stop, ok := m.active[t.ID]
	delete(m.active, t.ID)
	m.mu.Unlock()
	if ok {
		close(stop)
	}
}

func (m *Manager) run(t *transaction.Transaction, ch radio.L2LogicalChannel, ep RTPEndpoint, stop chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.active[t.ID] == stop {
			delete(m.active, t.ID)
		}
		m.mu.Unlock()
		_ = ep.Close()
		if t.Unref() {
			transaction.Free(t)
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	watchdog := time.NewTicker(watchdogPeriod)
	defer watchdog.Stop()

	maxQueued := int(m.maxLatency / tickInterval)
	if maxQueued < 1 {
		maxQueued = 1
	}

	// downlinkQueue holds frames received from the SIP side awaiting
	// transmission to the MS; dropping from its front when it grows
	// past maxQueued is spec.md §4.11's latency cap.
	var downlinkQueue [][]byte

	for {
		select {
		case <-stop:
			return
		case <-watchdog.C:
			if pending, cause := m.channels.TerminationPending(t); pending {
				wiretrace.DBG("rtpbridge: transaction %d termination pending (%s), stopping bridge\n", t.ID, cause)
				return
			}
		case <-ticker.C:
			if frame, ok, err := ch.RecvSpeechFrame(); err != nil {
				wiretrace.WARN("rtpbridge: RecvSpeechFrame failed for transaction %d: %v\n", t.ID, err)
			} else if ok {
				if err := ep.Send(frame); err != nil {
					wiretrace.WARN("rtpbridge: endpoint send failed for transaction %d: %v\n", t.ID, err)
				}
			}

			if frame, ok, err := ep.Recv(); err != nil {
				wiretrace.WARN("rtpbridge: endpoint recv failed for transaction %d: %v\n", t.ID, err)
			} else if ok {
				downlinkQueue = append(downlinkQueue, frame)
			}
			for len(downlinkQueue) > maxQueued {
				downlinkQueue = downlinkQueue[1:]
			}
			if len(downlinkQueue) > 0 {
				if err := ch.SendSpeechFrame(downlinkQueue[0]); err != nil {
					wiretrace.WARN("rtpbridge: SendSpeechFrame failed for transaction %d: %v\n", t.ID, err)
				}
				downlinkQueue = downlinkQueue[1:]
			}
		}
	}
}
