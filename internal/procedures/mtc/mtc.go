// Package mtc implements spec.md §4.7's mobile-terminated call
// procedure: an MT slot populated from the MMUser queue after a paging
// response already carries a prebuilt SIP dialog and calling-party
// number, so this machine only needs to drive the GSM side -- L3Setup
// downlink, CallConfirmed, channel assignment, then the in-call loop.
// Grounded on internal/procedures/moc's chained-sub-machine shape,
// itself generalized from calltr/state_machine.go's dispatch-by-state
// idiom.
package mtc

import (
	"time"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/procedures/assigntch"
	"github.com/rangetel/l3ctl/internal/sipiface"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

const (
	stateStart = iota
	stateAwaitCallConfirmed
	stateAssigning
	stateInCall
	stateAwaitReleaseComplete
)

// t303Timeout bounds how long the MS has to send CallConfirmed after
// L3Setup (GSM 04.08 T303).
const t303Timeout = 30 * time.Second

// tryingInterval is how often MTCSendTrying re-sends a SIP 100 Trying
// while waiting for CallConfirmed, so the SIP peer's own transaction
// timers don't fire during paging/setup (spec.md §4.7 step 3).
const tryingInterval = 4 * time.Second

// Sender is the GSM downlink boundary MTC needs.
type Sender interface {
	SendSetup(ti identity.TI, callingBCD string, codecs []string) error
	SendConnectAcknowledge(ti identity.TI) error
	SendRelease(ti identity.TI, cause uint8) error
	SendDisconnect(ti identity.TI, cause uint8) error
}

// ChannelAllocator requests the TCH used when very-early-assignment is
// not already in force (spec.md §4.7 step 1).
type ChannelAllocator interface {
	AllocateIfNeeded() bool
}

// TIAllocator hands out the TI this transaction addresses the MS with;
// *mmcontext.MMContext satisfies this directly.
type TIAllocator interface {
	AllocTI() (identity.TI, bool)
}

// AssignPusher pushes AssignTCHMachine atop the transaction, mirroring
// internal/procedures/moc.AssignPusher.
type AssignPusher interface {
	PushAssignTCH(t *transaction.Transaction)
}

// BridgeStarter starts the in-call RTP bridge once Active is reached.
type BridgeStarter interface {
	StartBridge(t *transaction.Transaction)
}

// HandoverStarter mirrors internal/procedures/moc.HandoverStarter.
type HandoverStarter interface {
	EvaluateAndPush(t *transaction.Transaction, msg l3codec.Message) bool
}

// Machine implements transaction.Procedure for the MTC chain.
type Machine struct {
	sender    Sender
	chAlloc   ChannelAllocator
	tiAlloc   TIAllocator
	assigner  AssignPusher
	bridge    BridgeStarter
	handovers HandoverStarter
}

func New(sender Sender, chAlloc ChannelAllocator, tiAlloc TIAllocator, assigner AssignPusher, bridge BridgeStarter, handovers HandoverStarter) *Machine {
	return &Machine{sender: sender, chAlloc: chAlloc, tiAlloc: tiAlloc, assigner: assigner, bridge: bridge, handovers: handovers}
}

func (m *Machine) Name() string { return "MTC" }

func (m *Machine) Run(t *transaction.Transaction, state int, in transaction.Input) (int, transaction.Status) {
	switch state {
	case stateStart:
		return m.runStart(t)
	case stateAwaitCallConfirmed:
		return m.runAwaitCallConfirmed(t, in)
	case stateAssigning:
		return m.runAssigning(t, in)
	case stateInCall:
		return m.runInCall(t, in)
	case stateAwaitReleaseComplete:
		return m.runAwaitReleaseComplete(t, in)
	default:
		return state, transaction.StatusUnexpectedState
	}
}

// runStart implements step 1-2: allocate the channel if needed, hand
// out a TI, and send L3Setup.
func (m *Machine) runStart(t *transaction.Transaction) (int, transaction.Status) {
	if !m.chAlloc.AllocateIfNeeded() {
		t.Cause = termcause.Local(termcause.Congestion)
		return stateStart, transaction.StatusQuitTran
	}
	ti, ok := m.tiAlloc.AllocTI()
	if !ok {
		t.Cause = termcause.Local(termcause.Congestion)
		return stateStart, transaction.StatusQuitTran
	}
	t.TI = ti.WithFlag()
	t.State = transaction.CallPresent

	// Pre-connect teardown (no CallConfirmed yet, or SIP CANCEL during
	// paging/setup, spec.md §4.7 step 5) addresses the MS with RELEASE,
	// not DISCONNECT -- the call has no established leg yet.
	t.OnClose = func(cause termcause.TermCause) {
		_ = m.sender.SendRelease(t.TI, cause.CCCause())
	}

	if err := m.sender.SendSetup(t.TI, t.CallingBCD, t.CodecSet); err != nil {
		wiretrace.ERR("mtc: SendSetup failed for transaction %d: %v\n", t.ID, err)
		t.Cause = termcause.Local(termcause.NetworkFailure)
		return stateStart, transaction.StatusQuitTran
	}
	if t.Dialog != nil {
		_ = t.Dialog.Reply(100, "Trying")
	}
	t.Timers.Arm(timers.T303, t303Timeout, timers.NextState(stateAwaitCallConfirmed))
	t.Timers.Arm(timers.TMisc1, tryingInterval, timers.NextState(stateAwaitCallConfirmed))
	return stateAwaitCallConfirmed, transaction.StatusOK
}

// runAwaitCallConfirmed implements step 3: resend SIP Trying on
// TMisc1, quit on T303 expiry, abort on SIP CANCEL, and push
// AssignTCHMachine once CallConfirmed arrives.
func (m *Machine) runAwaitCallConfirmed(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind == transaction.InputTimer {
		switch in.Timer {
		case timers.T303:
			t.Cause = termcause.Local(termcause.NetworkFailure)
			return stateAwaitCallConfirmed, transaction.StatusQuitTran
		case timers.TMisc1:
			if t.Dialog != nil {
				_ = t.Dialog.Reply(100, "Trying")
			}
			t.Timers.Arm(timers.TMisc1, tryingInterval, timers.NextState(stateAwaitCallConfirmed))
			return stateAwaitCallConfirmed, transaction.StatusOK
		}
		return stateAwaitCallConfirmed, transaction.StatusOK
	}
	if in.Kind == transaction.InputDialogEvent && (in.Dialog.State == sipiface.DialogBye || in.Dialog.State == sipiface.DialogFail) {
		t.Cause = termcause.Remote(termcause.CallRejected, in.Dialog.StatusCode, in.Dialog.Reason)
		return stateAwaitCallConfirmed, transaction.StatusQuitTran
	}
	if in.Kind != transaction.InputL3Message {
		return stateAwaitCallConfirmed, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagCallConfirmed {
		return stateAwaitCallConfirmed, transaction.StatusOK
	}
	t.Timers.Stop(timers.T303)
	t.Timers.Stop(timers.TMisc1)
	m.assigner.PushAssignTCH(t)
	return stateAssigning, transaction.StatusOK
}

// runAssigning implements step 4's lead-in: resume once
// AssignTCHMachine pops, still honoring a SIP CANCEL that arrives
// mid-assignment (spec.md §4.7 step 5).
func (m *Machine) runAssigning(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if res, ok := t.Sub.(*assigntch.Result); ok {
		t.Sub = nil
		if !res.Success {
			t.Cause = termcause.Local(termcause.ChannelAssignmentFailure)
			return stateAssigning, transaction.StatusQuitTran
		}
		// The leg is now established on the new channel; a later
		// network-initiated teardown addresses the MS with DISCONNECT.
		t.OnClose = func(cause termcause.TermCause) {
			_ = m.sender.SendDisconnect(t.TI, cause.CCCause())
		}
		return stateInCall, transaction.StatusOK
	}
	if in.Kind == transaction.InputDialogEvent && (in.Dialog.State == sipiface.DialogBye || in.Dialog.State == sipiface.DialogFail) {
		t.Cause = termcause.Remote(termcause.CallRejected, in.Dialog.StatusCode, in.Dialog.Reason)
		return stateAssigning, transaction.StatusQuitTran
	}
	return stateAssigning, transaction.StatusOK
}

// runInCall implements step 4's tail: L3Alerting/Connect from the MS
// drive SIP provisional/final responses; the SIP ACK drives
// L3ConnectAcknowledge and starts the bridge.
func (m *Machine) runInCall(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	switch in.Kind {
	case transaction.InputDialogEvent:
		switch in.Dialog.State {
		case sipiface.DialogActive:
			if t.State == transaction.ConnectIndication {
				_ = m.sender.SendConnectAcknowledge(t.TI)
				t.State = transaction.Active
				t.ConnectTime = time.Now()
				m.bridge.StartBridge(t)
			}
		case sipiface.DialogBye, sipiface.DialogFail:
			t.Cause = termcause.Remote(termcause.NormalCallClearing, in.Dialog.StatusCode, in.Dialog.Reason)
			return stateInCall, transaction.StatusQuitTran
		}
	case transaction.InputL3Message:
		msg, ok := in.MsgValue.(l3codec.Message)
		if !ok {
			return stateInCall, transaction.StatusOK
		}
		switch {
		case msg.Tag == l3codec.TagAlerting:
			t.State = transaction.CallReceived
			if t.Dialog != nil {
				_ = t.Dialog.Reply(180, "Ringing")
			}
		case msg.Tag == l3codec.TagConnect:
			t.State = transaction.ConnectIndication
			if t.Dialog != nil {
				_ = t.Dialog.Reply(200, "OK")
			}
		case msg.Tag == l3codec.TagDisconnect:
			// MS-initiated teardown, GSM 04.08 §5.4.4.4: mirror
			// internal/procedures/moc's RELEASE/RELEASE COMPLETE tail.
			_ = m.sender.SendRelease(t.TI, msg.CauseValue)
			t.Cause = termcause.Remote(termcause.NormalCallClearing, 0, "")
			t.OnClose = nil
			return stateAwaitReleaseComplete, transaction.StatusOK
		case msg.Tag == l3codec.TagMeasurementReport && t.State == transaction.Active:
			if m.handovers != nil {
				m.handovers.EvaluateAndPush(t, msg)
			}
		}
	}
	return stateInCall, transaction.StatusOK
}

// runAwaitReleaseComplete mirrors internal/procedures/moc's: OnClose
// was already cleared, so teCloseCallNow only ends the SIP dialog.
func (m *Machine) runAwaitReleaseComplete(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind != transaction.InputL3Message {
		return stateAwaitReleaseComplete, transaction.StatusOK
	}
	if msg, ok := in.MsgValue.(l3codec.Message); ok && msg.Tag == l3codec.TagReleaseComplete {
		return stateAwaitReleaseComplete, transaction.StatusQuitTran
	}
	return stateAwaitReleaseComplete, transaction.StatusOK
}
