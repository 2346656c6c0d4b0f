package sms

import (
	"time"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/radio"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

const (
	mtStateStart = iota
	mtStateAwaitEstablish
	mtStateAwaitParsingAck
	mtStateAwaitOutcome
)

// tr2mTimeout is GSM 04.11's network-side RP-layer ack timer.
const tr2mTimeout = 35 * time.Second

// MTSender is the GSM downlink boundary MTSMS needs.
type MTSender interface {
	// RequestSAPI3Establish asks the LAPDm layer to bring up SAPI 3 on
	// the current channel (SACCH if the handset is already on a TCH,
	// spec.md §4.10's "SAPI 3 on SDCCH or the SACCH SAPI when on TCH").
	RequestSAPI3Establish() error
	SendCPDataRPData(ti identity.TI, payload []byte) error
	SendCPAck(ti identity.TI) error
}

// MTSMS implements transaction.Procedure for spec.md §4.10's MT-SMS.
// One instance is constructed per delivery attempt, carrying the
// already-built RP-DATA payload (TLDeliver or pre-hex-encoded 3GPP
// TPDU, selected upstream by content-type -- that selection is a
// collaborator concern, not this machine's).
type MTSMS struct {
	sender  MTSender
	payload []byte
}

func NewMTSMS(sender MTSender, payload []byte) *MTSMS {
	return &MTSMS{sender: sender, payload: payload}
}

func (m *MTSMS) Name() string { return "MTSMS" }

func (m *MTSMS) Run(t *transaction.Transaction, state int, in transaction.Input) (int, transaction.Status) {
	switch state {
	case mtStateStart:
		return m.runStart(t)
	case mtStateAwaitEstablish:
		return m.runAwaitEstablish(t, in)
	case mtStateAwaitParsingAck:
		return m.runAwaitParsingAck(t, in)
	case mtStateAwaitOutcome:
		return m.runAwaitOutcome(t, in)
	default:
		return state, transaction.StatusUnexpectedState
	}
}

// runStart implements spec.md §4.10 MT-SMS step 1: request SAPI 3.
func (m *MTSMS) runStart(t *transaction.Transaction) (int, transaction.Status) {
	if err := m.sender.RequestSAPI3Establish(); err != nil {
		wiretrace.ERR("sms: RequestSAPI3Establish failed for transaction %d: %v\n", t.ID, err)
		t.Cause = termcause.Local(termcause.NetworkFailure)
		return mtStateStart, transaction.StatusQuitTran
	}
	return mtStateAwaitEstablish, transaction.StatusOK
}

// runAwaitEstablish waits for SAPI 3 to come up before sending
// anything.
func (m *MTSMS) runAwaitEstablish(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind != transaction.InputPrimitive || radio.Primitive(in.PrimitiveValue) != radio.EstablishConfirm {
		return mtStateAwaitEstablish, transaction.StatusOK
	}
	if err := m.sender.SendCPDataRPData(t.TI, m.payload); err != nil {
		wiretrace.ERR("sms: SendCPDataRPData failed for transaction %d: %v\n", t.ID, err)
		t.Cause = termcause.Local(termcause.NetworkFailure)
		return mtStateAwaitEstablish, transaction.StatusQuitTran
	}
	t.Timers.Arm(timers.TR2M, tr2mTimeout, timers.NextState(mtStateAwaitParsingAck))
	return mtStateAwaitParsingAck, transaction.StatusOK
}

// runAwaitParsingAck implements step 2-3's first half: the MS first
// acks at the CP layer (parsing ack) before it replies with the RP
// layer's own ack/error.
func (m *MTSMS) runAwaitParsingAck(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind == transaction.InputTimer && in.Timer == timers.TR2M {
		t.Cause = termcause.Local(termcause.NetworkFailure)
		return mtStateAwaitParsingAck, transaction.StatusQuitTran
	}
	if in.Kind != transaction.InputL3Message {
		return mtStateAwaitParsingAck, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagCPAck {
		return mtStateAwaitParsingAck, transaction.StatusOK
	}
	return mtStateAwaitOutcome, transaction.StatusOK
}

// runAwaitOutcome implements step 3's second half and step 4: the RP
// layer's own CPData(RPAck)/CPData(RPError), replied to with CPAck,
// then reported back through the SIP dialog.
func (m *MTSMS) runAwaitOutcome(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind == transaction.InputTimer && in.Timer == timers.TR2M {
		t.Cause = termcause.Local(termcause.NetworkFailure)
		if t.Dialog != nil {
			_ = t.Dialog.Reply(400, "No response")
		}
		return mtStateAwaitOutcome, transaction.StatusQuitTran
	}
	if in.Kind != transaction.InputL3Message {
		return mtStateAwaitOutcome, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagCPData {
		return mtStateAwaitOutcome, transaction.StatusOK
	}
	t.Timers.Stop(timers.TR2M)
	_ = m.sender.SendCPAck(t.TI)
	if msg.RPError {
		t.Cause = termcause.Local(termcause.NetworkFailure)
		if t.Dialog != nil {
			_ = t.Dialog.Reply(400, "SMS delivery failed")
		}
	} else {
		t.Cause = termcause.Local(termcause.SMSSuccess)
		if t.Dialog != nil {
			_ = t.Dialog.Reply(200, "OK")
		}
	}
	return mtStateAwaitOutcome, transaction.StatusQuitTran
}
