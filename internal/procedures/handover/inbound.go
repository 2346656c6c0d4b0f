package handover

import (
	"time"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/radio"
	"github.com/rangetel/l3ctl/internal/sipiface"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

const (
	inStateAwaitAccess = iota
	inStateAwaitEstablish
	inStateInCall
	inStateAwaitReleaseComplete
)

// InboundSender is the downlink boundary InboundMachine needs once it
// owns the allocated TCH.
type InboundSender interface {
	SendPhysicalInformation(ta uint8) error
	SendDisconnect(ti identity.TI, cause uint8) error
	SendRelease(ti identity.TI, cause uint8) error
}

// BridgeStarter starts the in-call RTP bridge once the inbound handover
// completes successfully.
type BridgeStarter interface {
	StartBridge(t *transaction.Transaction)
}

// InboundMachine implements transaction.Procedure for spec.md §4.12's
// inbound handover: a half-open transaction, created by the peering
// server handler on the request that carries the subscriber identity
// and SIP dialog continuity, waits for the MS to physically arrive on
// the allocated TCH.
type InboundMachine struct {
	channel radio.L2LogicalChannel
	sender  InboundSender
	bridge  BridgeStarter

	maxTA int
	ny1   int
	t3105 time.Duration

	attempt int
}

// NewInbound constructs an inbound handover attempt bound to the
// already-allocated channel.
func NewInbound(channel radio.L2LogicalChannel, sender InboundSender, bridge BridgeStarter, maxTA, ny1 int, t3105 time.Duration) *InboundMachine {
	return &InboundMachine{channel: channel, sender: sender, bridge: bridge, maxTA: maxTA, ny1: ny1, t3105: t3105}
}

func (m *InboundMachine) Name() string { return "HandoverInbound" }

func (m *InboundMachine) Run(t *transaction.Transaction, state int, in transaction.Input) (int, transaction.Status) {
	switch state {
	case inStateAwaitAccess:
		return m.runAwaitAccess(t, in)
	case inStateAwaitEstablish:
		return m.runAwaitEstablish(t, in)
	case inStateInCall:
		return m.runInCall(t, in)
	case inStateAwaitReleaseComplete:
		return m.runAwaitReleaseComplete(t, in)
	default:
		return state, transaction.StatusUnexpectedState
	}
}

// runAwaitAccess implements spec.md §4.12's inbound lead-in: on the
// first HandoverAccess burst, abort if the measured timing advance
// exceeds GSM.MS.TA.Max, else send the first L3PhysicalInformation.
func (m *InboundMachine) runAwaitAccess(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind != transaction.InputPrimitive || radio.Primitive(in.PrimitiveValue) != radio.HandoverAccess {
		return inStateAwaitAccess, transaction.StatusOK
	}
	phys := m.channel.Physical()
	if int(phys.TimingAdvance) > m.maxTA {
		wiretrace.WARN("handover: inbound TA %d exceeds max %d for transaction %d\n", phys.TimingAdvance, m.maxTA, t.ID)
		t.Cause = termcause.Local(termcause.HandoverImpossible)
		return inStateAwaitAccess, transaction.StatusQuitChannel
	}
	return m.sendPhysicalInfo(t, phys.TimingAdvance)
}

func (m *InboundMachine) sendPhysicalInfo(t *transaction.Transaction, ta uint8) (int, transaction.Status) {
	m.attempt++
	if err := m.sender.SendPhysicalInformation(ta); err != nil {
		wiretrace.ERR("handover: SendPhysicalInformation failed for transaction %d: %v\n", t.ID, err)
	}
	t.Timers.Arm(timers.THandoverComplete, m.t3105, timers.NextState(inStateAwaitEstablish))
	return inStateAwaitEstablish, transaction.StatusOK
}

// runAwaitEstablish implements the Ny1-bounded retry loop: further
// HandoverAccess bursts rearm the wait, EstablishIndication succeeds,
// T3105 expiry resends L3PhysicalInformation until Ny1 of them have
// gone out in total (then aborts), and any other frame aborts.
func (m *InboundMachine) runAwaitEstablish(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind == transaction.InputTimer && in.Timer == timers.THandoverComplete {
		if m.attempt >= m.ny1 {
			t.Cause = termcause.Local(termcause.HandoverImpossible)
			return inStateAwaitEstablish, transaction.StatusQuitChannel
		}
		return m.sendPhysicalInfo(t, m.channel.Physical().TimingAdvance)
	}
	if in.Kind != transaction.InputPrimitive {
		t.Cause = termcause.Local(termcause.HandoverImpossible)
		return inStateAwaitEstablish, transaction.StatusQuitChannel
	}
	switch radio.Primitive(in.PrimitiveValue) {
	case radio.HandoverAccess:
		t.Timers.Arm(timers.THandoverComplete, m.t3105, timers.NextState(inStateAwaitEstablish))
		return inStateAwaitEstablish, transaction.StatusOK
	case radio.EstablishIndication:
		t.Timers.Stop(timers.THandoverComplete)
		t.State = transaction.Active
		t.ConnectTime = time.Now()
		t.OnClose = func(cause termcause.TermCause) {
			_ = m.sender.SendDisconnect(t.TI, cause.CCCause())
		}
		m.bridge.StartBridge(t)
		return inStateInCall, transaction.StatusOK
	default:
		t.Cause = termcause.Local(termcause.HandoverImpossible)
		return inStateAwaitEstablish, transaction.StatusQuitChannel
	}
}

// runInCall mirrors internal/procedures/mtc's tail: once the handed-in
// call is running, the same SIP-BYE/L3-Disconnect teardown applies.
func (m *InboundMachine) runInCall(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	switch in.Kind {
	case transaction.InputDialogEvent:
		switch in.Dialog.State {
		case sipiface.DialogBye, sipiface.DialogFail:
			t.Cause = termcause.Remote(termcause.NormalCallClearing, in.Dialog.StatusCode, in.Dialog.Reason)
			return inStateInCall, transaction.StatusQuitTran
		}
	case transaction.InputL3Message:
		msg, ok := in.MsgValue.(l3codec.Message)
		if ok && msg.Tag == l3codec.TagDisconnect {
			_ = m.sender.SendRelease(t.TI, msg.CauseValue)
			t.Cause = termcause.Remote(termcause.NormalCallClearing, 0, "")
			t.OnClose = nil
			return inStateAwaitReleaseComplete, transaction.StatusOK
		}
	}
	return inStateInCall, transaction.StatusOK
}

func (m *InboundMachine) runAwaitReleaseComplete(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind != transaction.InputL3Message {
		return inStateAwaitReleaseComplete, transaction.StatusOK
	}
	if msg, ok := in.MsgValue.(l3codec.Message); ok && msg.Tag == l3codec.TagReleaseComplete {
		return inStateAwaitReleaseComplete, transaction.StatusQuitTran
	}
	return inStateAwaitReleaseComplete, transaction.StatusOK
}
