package handover

import (
	"time"

	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

const (
	outStateRequest = iota
	outStateAwaitReturn
)

// t3103Margin is spec.md §4.12's "T3103 + 1 s".
const t3103Margin = 1 * time.Second

// PeerResult is what the chosen neighbor BTS hands back for an accepted
// handover request: an opaque, already-encoded L3HandoverCommand and
// the SIP URI BS1 should REFER the dialog to.
type PeerResult struct {
	Accepted    bool
	Command     []byte
	ReferTarget string
}

// PeerRequester sends the peering request to the chosen neighbor and
// waits for its response (spec.md §4.12 "send a peering message ...
// receive back an opaque hex-encoded L3HandoverCommand plus a SIP
// REFER target"). internal/peering.HandoverAdapter implements this.
type PeerRequester interface {
	RequestHandover(t *transaction.Transaction, n Neighbor) (PeerResult, error)
}

// Sender is the downlink boundary OutboundMachine needs: delivering the
// peer-supplied L3HandoverCommand payload verbatim on FACCH.
type Sender interface {
	SendHandoverCommand(payload []byte) error
}

// OutboundMachine implements transaction.Procedure for spec.md §4.12's
// outbound handover. One instance is constructed per attempt, the same
// way internal/procedures/assigntch.Machine is.
type OutboundMachine struct {
	peer     PeerRequester
	sender   Sender
	selector *Selector
	neighbor Neighbor
	t3103    time.Duration

	referTarget string
}

// NewOutbound constructs an outbound handover attempt toward neighbor.
// selector may be nil if no penalty feedback is wanted.
func NewOutbound(peer PeerRequester, sender Sender, selector *Selector, neighbor Neighbor, t3103 time.Duration) *OutboundMachine {
	return &OutboundMachine{peer: peer, sender: sender, selector: selector, neighbor: neighbor, t3103: t3103}
}

func (m *OutboundMachine) Name() string { return "HandoverOutbound" }

func (m *OutboundMachine) Run(t *transaction.Transaction, state int, in transaction.Input) (int, transaction.Status) {
	switch state {
	case outStateRequest:
		return m.runRequest(t)
	case outStateAwaitReturn:
		return m.runAwaitReturn(t, in)
	default:
		return state, transaction.StatusUnexpectedState
	}
}

// runRequest implements spec.md §4.12's first two outbound steps: ask
// the chosen neighbor to accept the handover, then deliver the
// returned L3HandoverCommand on FACCH and arm T3103.
func (m *OutboundMachine) runRequest(t *transaction.Transaction) (int, transaction.Status) {
	res, err := m.peer.RequestHandover(t, m.neighbor)
	if err != nil || !res.Accepted {
		if m.selector != nil {
			m.selector.Penalize(m.neighbor)
		}
		wiretrace.WARN("handover: outbound request to %+v refused for transaction %d: %v\n", m.neighbor, t.ID, err)
		t.State = transaction.Active
		return outStateRequest, transaction.StatusPopMachine
	}
	if err := m.sender.SendHandoverCommand(res.Command); err != nil {
		wiretrace.ERR("handover: SendHandoverCommand failed for transaction %d: %v\n", t.ID, err)
		t.State = transaction.Active
		return outStateRequest, transaction.StatusPopMachine
	}
	m.referTarget = res.ReferTarget
	t.Timers.Arm(timers.THandoverComplete, m.t3103+t3103Margin, timers.NextState(outStateAwaitReturn))
	return outStateAwaitReturn, transaction.StatusOK
}

// runAwaitReturn implements spec.md §4.12's last two outbound steps. If
// any L3 frame reaches this transaction before T3103 expires, the MS
// never left: restore Active and pop. If T3103 expires untouched, the
// MS is gone -- transfer the SIP leg via REFER and quit the channel
// with cause Handover_Outbound.
//
// This realizes the spec's teCancel ("no further signalling") without
// bypassing Dispatch: clearing t.Dialog before returning
// StatusQuitChannel means teCloseCallNow's Bye is skipped (Dialog is
// nil), since the REFER already ended BS1's side of the dialog.
func (m *OutboundMachine) runAwaitReturn(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind == transaction.InputTimer && in.Timer == timers.THandoverComplete {
		if t.Dialog != nil && m.referTarget != "" {
			if err := t.Dialog.Refer(m.referTarget); err != nil {
				wiretrace.WARN("handover: REFER to %s failed for transaction %d: %v\n", m.referTarget, t.ID, err)
			}
		}
		t.Dialog = nil
		t.Cause = termcause.Local(termcause.HandoverOutbound)
		return outStateAwaitReturn, transaction.StatusQuitChannel
	}
	t.Timers.Stop(timers.THandoverComplete)
	t.State = transaction.Active
	return outStateAwaitReturn, transaction.StatusPopMachine
}
