// Package moc implements spec.md §4.6's mobile-originated call
// procedure: CM service request -> identify -> channel assignment ->
// SIP INVITE/ACK <-> GSM Setup/Alerting/Connect -> in-call. Grounded on
// internal/procedures/lur's chained-sub-machine shape (push
// identify.Machine, then assigntch.Machine, resume at the state that
// follows each), the same generalization of calltr/state_machine.go's
// dispatch-by-(key,state) model.
package moc

import (
	"time"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/procedures/assigntch"
	"github.com/rangetel/l3ctl/internal/procedures/identify"
	"github.com/rangetel/l3ctl/internal/sipiface"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

const (
	stateIdentifying = iota
	stateAwaitSetup
	stateAssigning
	stateInCall
	stateAwaitReleaseComplete
)

// Sender is the GSM downlink boundary MOC needs.
type Sender interface {
	SendCMServiceAccept(ti identity.TI) error
	SendCMServiceReject(cause uint8) error
	SendCallProceeding(ti identity.TI) error
	SendProgress(ti identity.TI) error
	SendAlerting(ti identity.TI, queuingProgress bool) error
	SendConnect(ti identity.TI) error
	SendDisconnect(ti identity.TI, cause uint8) error
	SendRelease(ti identity.TI, cause uint8) error
}

// ChannelAllocator requests the TCH used when very-early-assignment is
// not already in force (spec.md §4.6 step 2).
type ChannelAllocator interface {
	// AllocateIfNeeded returns true if a channel is already in place
	// (VEA) or was just allocated; false on congestion.
	AllocateIfNeeded() bool
}

// AssignPusher pushes AssignTCHMachine atop the transaction. Kept as
// an interface (rather than moc constructing *assigntch.Machine
// itself) because building one needs the owning MMContext and a
// radio.Allocator, which moc has no business holding; the controller
// package that wires everything together supplies the closure.
type AssignPusher interface {
	PushAssignTCH(t *transaction.Transaction)
}

// BridgeStarter starts the in-call RTP bridge (spec.md §4.11) once the
// call reaches Active.
type BridgeStarter interface {
	StartBridge(t *transaction.Transaction)
}

// DialogStarter begins the SIP leg for this MOC once L3 Setup has been
// parsed; a thin wrapper so moc doesn't need to build sipiface.SipDialog
// objects itself.
type DialogStarter interface {
	StartDialog(t *transaction.Transaction, calledBCD, callingBCD string, codecs []string) (sipiface.SipDialog, error)
}

// HandoverStarter reacts to a SACCH measurement report during an
// active call, pushing an outbound handover attempt (spec.md §4.12)
// when a better neighbor is found. *handover.Trigger implements this;
// it is optional (nil disables outbound handover entirely).
type HandoverStarter interface {
	EvaluateAndPush(t *transaction.Transaction, msg l3codec.Message) bool
}

// Machine implements transaction.Procedure for the whole MOC chain.
type Machine struct {
	sender    Sender
	chAlloc   ChannelAllocator
	assigner  AssignPusher
	bridge    BridgeStarter
	dialogs   DialogStarter
	handovers HandoverStarter
}

func New(sender Sender, chAlloc ChannelAllocator, assigner AssignPusher, bridge BridgeStarter, dialogs DialogStarter, handovers HandoverStarter) *Machine {
	return &Machine{sender: sender, chAlloc: chAlloc, assigner: assigner, bridge: bridge, dialogs: dialogs, handovers: handovers}
}

func (m *Machine) Name() string { return "MOC" }

// Start pushes identify.Machine as the first thing that runs, before
// this Machine itself is pushed (spec.md §4.6 step 1).
func (m *Machine) Start(t *transaction.Transaction, identifier *identify.Machine) {
	t.Push(identifier)
}

func (m *Machine) Run(t *transaction.Transaction, state int, in transaction.Input) (int, transaction.Status) {
	switch state {
	case stateIdentifying:
		return m.runIdentifying(t, in)
	case stateAwaitSetup:
		return m.runAwaitSetup(t, in)
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

// runIdentifying observes identify.Machine's StatusPopMachine result,
// consumed via t.Sub (spec.md §4.6 step 1).
func (m *Machine) runIdentifying(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	res, ok := t.Sub.(*identify.Result)
	if !ok {
		// identify.Machine is still running above us; nothing to do.
		return stateIdentifying, transaction.StatusOK
	}
	t.Sub = nil
	if !res.Authorized {
		_ = m.sender.SendCMServiceReject(termcause.Local(termcause.IMSIUnknownInVLR).CCCause())
		t.Cause = termcause.Local(termcause.IMSIUnknownInVLR)
		return stateIdentifying, transaction.StatusQuitTran
	}
	if !m.chAlloc.AllocateIfNeeded() {
		_ = m.sender.SendCMServiceReject(termcause.Local(termcause.Congestion).CCCause())
		t.Cause = termcause.Local(termcause.Congestion)
		return stateIdentifying, transaction.StatusQuitTran
	}
	if err := m.sender.SendCMServiceAccept(t.TI); err != nil {
		wiretrace.ERR("moc: SendCMServiceAccept failed for transaction %d: %v\n", t.ID, err)
		return stateIdentifying, transaction.StatusQuitTran
	}
	return stateAwaitSetup, transaction.StatusOK
}

// runAwaitSetup implements step 3-4: on L3Setup, start the SIP dialog
// and push AssignTCHMachine.
func (m *Machine) runAwaitSetup(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind != transaction.InputL3Message {
		return stateAwaitSetup, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagSetup {
		return stateAwaitSetup, transaction.StatusOK
	}
	t.TI = msg.TI.WithFlag()
	t.CalledBCD = msg.CalledBCD
	t.CallingBCD = msg.CallingBCD
	t.CodecSet = msg.CodecSet
	t.State = transaction.MOCProceeding

	dialog, err := m.dialogs.StartDialog(t, msg.CalledBCD, msg.CallingBCD, msg.CodecSet)
	if err != nil {
		wiretrace.ERR("moc: StartDialog failed for transaction %d: %v\n", t.ID, err)
		t.Cause = termcause.Local(termcause.NetworkFailure)
		return stateAwaitSetup, transaction.StatusQuitTran
	}
	t.Dialog = dialog
	t.OnClose = func(cause termcause.TermCause) {
		_ = m.sender.SendDisconnect(t.TI, cause.CCCause())
	}

	if err := m.sender.SendCallProceeding(t.TI); err != nil {
		wiretrace.ERR("moc: SendCallProceeding failed for transaction %d: %v\n", t.ID, err)
		return stateAwaitSetup, transaction.StatusQuitTran
	}
	m.assigner.PushAssignTCH(t)
	return stateAssigning, transaction.StatusOK
}

// runAssigning implements step 5-6: once AssignTCHMachine pops, the
// input that delivers its result only moves this Machine to stateInCall.
// The current SIP dialog state is not re-fed (SipDialog has no state
// accessor), and dialog events dispatched while AssignTCHMachine was on
// top of the stack went to it, not here; the first dialog event after
// assignment drives the rest of the call.
func (m *Machine) runAssigning(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if res, ok := t.Sub.(*assigntch.Result); ok {
		t.Sub = nil
		if !res.Success {
			t.Cause = termcause.Local(termcause.ChannelAssignmentFailure)
			return stateAssigning, transaction.StatusQuitTran
		}
		return stateInCall, transaction.StatusOK
	}
	return m.runInCall(t, in)
}

func (m *Machine) runInCall(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	switch in.Kind {
	case transaction.InputDialogEvent:
		switch in.Dialog.State {
		case sipiface.DialogProceeding:
			_ = m.sender.SendProgress(t.TI)
		case sipiface.DialogRinging:
			// queuingProgress=true works around the ZTE handset bug
			// noted in spec.md §4.6 step 6: bare Alerting generates no
			// ring tone on that handset, so a Progress IE with
			// Queuing/User is added.
			_ = m.sender.SendAlerting(t.TI, true)
		case sipiface.DialogActive:
			_ = m.sender.SendConnect(t.TI)
			t.State = transaction.ConnectIndication
		case sipiface.DialogBye, sipiface.DialogFail:
			t.Cause = termcause.Remote(termcause.NormalCallClearing, in.Dialog.StatusCode, in.Dialog.Reason)
			return stateInCall, transaction.StatusQuitTran
		}
	case transaction.InputL3Message:
		msg, ok := in.MsgValue.(l3codec.Message)
		switch {
		case ok && msg.Tag == l3codec.TagConnectAcknowledge && t.State == transaction.ConnectIndication:
			t.State = transaction.Active
			t.ConnectTime = time.Now()
			m.bridge.StartBridge(t)
		case ok && msg.Tag == l3codec.TagDisconnect:
			// MS-initiated teardown, GSM 04.08 §5.4.4.4: reply RELEASE
			// and wait for RELEASE COMPLETE before tearing the
			// transaction down. The GSM leg is now fully signalled, so
			// OnClose is cleared -- teCloseCallNow must still send the
			// SIP BYE once this pops, but must not also emit a second
			// downlink Disconnect.
			_ = m.sender.SendRelease(t.TI, msg.CauseValue)
			t.Cause = termcause.Remote(termcause.NormalCallClearing, 0, "")
			t.OnClose = nil
			return stateAwaitReleaseComplete, transaction.StatusOK
		case ok && msg.Tag == l3codec.TagMeasurementReport && t.State == transaction.Active:
			if m.handovers != nil {
				m.handovers.EvaluateAndPush(t, msg)
			}
		}
	}
	return stateInCall, transaction.StatusOK
}

// runAwaitReleaseComplete implements the tail of an MS-initiated
// teardown: once RELEASE COMPLETE arrives, the transaction quits.
// OnClose was already cleared in runInCall, so teCloseCallNow only
// tears down the SIP dialog (BYE) here, not the GSM leg a second time.
func (m *Machine) runAwaitReleaseComplete(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind != transaction.InputL3Message {
		return stateAwaitReleaseComplete, transaction.StatusOK
	}
	if msg, ok := in.MsgValue.(l3codec.Message); ok && msg.Tag == l3codec.TagReleaseComplete {
		return stateAwaitReleaseComplete, transaction.StatusQuitTran
	}
	return stateAwaitReleaseComplete, transaction.StatusOK
}
