// Package sms implements spec.md §4.10's two short-message procedures:
// MOSMS (this file) and MTSMS (mtsms.go). Grounded on
// internal/procedures/moc's chained-sub-machine shape, itself
// generalized from calltr/state_machine.go's dispatch-by-state idiom;
// the CP/RP two-layer ack dance has no teacher analog (SIP has no
// equivalent of RP-layer acks riding inside a CP-layer ack), so that
// part is built directly from spec.md's step list.
package sms

import (
	"time"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/procedures/identify"
	"github.com/rangetel/l3ctl/internal/sipiface"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

const (
	moStateIdentifying = iota
	moStateAwaitCPData
	moStateAwaitDialogResult
	moStateAwaitCPAck
)

// tr1mTimeout bounds how long MOSMS waits for the MS's final CPAck
// once it has told it the RP-layer outcome (GSM 04.11's TR1M).
const tr1mTimeout = 35 * time.Second

// MOSender is the GSM downlink boundary MOSMS needs.
type MOSender interface {
	SendCMServiceAccept(ti identity.TI) error
	SendCMServiceReject(cause uint8) error
	SendCPAck(ti identity.TI) error
	SendCPDataRPAck(ti identity.TI, rpRef uint8) error
	SendCPDataRPError(ti identity.TI, rpRef uint8, cause uint8) error
}

// DialogStarter begins the MO-SMS SIP dialog once the RP-DATA TPDU has
// been parsed; text is the already-decoded message body (TPDU-to-text
// decoding is an l3codec-layer concern, out of scope here, the same
// way l3codec.Decoder is assumed to have already separated the RP
// payload out of the CP-DATA frame).
type DialogStarter interface {
	StartSMSDialog(t *transaction.Transaction, text, contentType string) (sipiface.SipDialog, error)
}

// UserAttacher links the now-identified subscriber's MMUser to the
// owning MMContext once the SMS completes successfully (spec.md §4.10
// step 5: "this is the moment to start draining any queued MT work").
type UserAttacher interface {
	AttachUser(imsi string)
}

// MOSMS implements transaction.Procedure for spec.md §4.10's MO-SMS.
type MOSMS struct {
	sender      MOSender
	dialogs     DialogStarter
	attacher    UserAttacher
	contentType string
}

func NewMOSMS(sender MOSender, dialogs DialogStarter, attacher UserAttacher, contentType string) *MOSMS {
	return &MOSMS{sender: sender, dialogs: dialogs, attacher: attacher, contentType: contentType}
}

func (m *MOSMS) Name() string { return "MOSMS" }

// Start pushes identify.Machine first (spec.md §4.10 step 1).
func (m *MOSMS) Start(t *transaction.Transaction, identifier *identify.Machine) {
	t.Push(identifier)
}

func (m *MOSMS) Run(t *transaction.Transaction, state int, in transaction.Input) (int, transaction.Status) {
	switch state {
	case moStateIdentifying:
		return m.runIdentifying(t, in)
	case moStateAwaitCPData:
		return m.runAwaitCPData(t, in)
	case moStateAwaitDialogResult:
		return m.runAwaitDialogResult(t, in)
	case moStateAwaitCPAck:
		return m.runAwaitCPAck(t, in)
	default:
		return state, transaction.StatusUnexpectedState
	}
}

func (m *MOSMS) runIdentifying(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	res, ok := t.Sub.(*identify.Result)
	if !ok {
		return moStateIdentifying, transaction.StatusOK
	}
	t.Sub = nil
	if !res.Authorized {
		_ = m.sender.SendCMServiceReject(termcause.Local(termcause.InvalidMandatoryInformation).CCCause())
		t.Cause = termcause.Local(termcause.InvalidMandatoryInformation)
		return moStateIdentifying, transaction.StatusQuitTran
	}
	if err := m.sender.SendCMServiceAccept(t.TI); err != nil {
		wiretrace.ERR("sms: SendCMServiceAccept failed for transaction %d: %v\n", t.ID, err)
		return moStateIdentifying, transaction.StatusQuitTran
	}
	t.State = transaction.SMSSubmitting
	return moStateAwaitCPData, transaction.StatusOK
}

// runAwaitCPData implements step 3: ack the CP layer, parse the RP
// payload as text, and start the SIP dialog carrying it.
func (m *MOSMS) runAwaitCPData(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind != transaction.InputL3Message {
		return moStateAwaitCPData, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagCPData {
		return moStateAwaitCPData, transaction.StatusOK
	}
	if err := m.sender.SendCPAck(t.TI); err != nil {
		wiretrace.ERR("sms: SendCPAck failed for transaction %d: %v\n", t.ID, err)
	}
	dialog, err := m.dialogs.StartSMSDialog(t, string(msg.RPPayload), m.contentType)
	if err != nil {
		wiretrace.ERR("sms: StartSMSDialog failed for transaction %d: %v\n", t.ID, err)
		_ = m.sender.SendCPDataRPError(t.TI, msg.RPRef, termcause.Local(termcause.NetworkFailure).CCCause())
		t.Cause = termcause.Local(termcause.NetworkFailure)
		return moStateAwaitCPData, transaction.StatusQuitTran
	}
	t.Dialog = dialog
	t.Data = &moState{rpRef: msg.RPRef}
	return moStateAwaitDialogResult, transaction.StatusOK
}

// moState is MOSMS's own scratch state, carried across its chain of
// states via Transaction.Data (distinct from the Sub field identify
// reports through, spec.md §4.9's pattern).
type moState struct {
	rpRef uint8
}

// runAwaitDialogResult implements step 4: once the SIP dialog
// completes, report the outcome back over CP-DATA/RP-ACK or RP-ERROR.
func (m *MOSMS) runAwaitDialogResult(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind != transaction.InputDialogEvent {
		return moStateAwaitDialogResult, transaction.StatusOK
	}
	st, _ := t.Data.(*moState)
	if st == nil {
		return moStateAwaitDialogResult, transaction.StatusUnexpectedState
	}
	switch in.Dialog.State {
	case sipiface.DialogActive:
		_ = m.sender.SendCPDataRPAck(t.TI, st.rpRef)
	case sipiface.DialogBye, sipiface.DialogFail:
		_ = m.sender.SendCPDataRPError(t.TI, st.rpRef, termcause.Local(termcause.NetworkFailure).CCCause())
	default:
		return moStateAwaitDialogResult, transaction.StatusOK
	}
	t.Timers.Arm(timers.TR1M, tr1mTimeout, timers.NextState(moStateAwaitCPAck))
	return moStateAwaitCPAck, transaction.StatusOK
}

// runAwaitCPAck implements step 5: on the MS's final CPAck, terminate
// successfully and attach the MMUser so queued MT work can drain.
func (m *MOSMS) runAwaitCPAck(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind == transaction.InputTimer && in.Timer == timers.TR1M {
		t.Cause = termcause.Local(termcause.NetworkFailure)
		return moStateAwaitCPAck, transaction.StatusQuitTran
	}
	if in.Kind != transaction.InputL3Message {
		return moStateAwaitCPAck, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagCPAck {
		return moStateAwaitCPAck, transaction.StatusOK
	}
	t.Timers.Stop(timers.TR1M)
	t.Cause = termcause.Local(termcause.SMSSuccess)
	if m.attacher != nil {
		m.attacher.AttachUser(t.Subject.IMSI)
	}
	return moStateAwaitCPAck, transaction.StatusQuitTran
}
