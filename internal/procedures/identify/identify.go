// Package identify implements spec.md §4.9's L3IdentifyMachine: the
// sub-procedure MOSMS and SS push to resolve a mobile identity to an
// authorization result. Grounded on calltr/state_machine.go's
// single-state dispatch idiom (one small switch over the input key,
// one outcome channel back to the caller) generalized to the
// Procedure/Status contract internal/transaction defines.
package identify

import (
	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/tmsi"
	"github.com/rangetel/l3ctl/internal/transaction"
)

const (
	stateStart = iota
	stateAwaitResponse
)

// Result is handed back to the caller via Transaction.Sub once the
// machine pops; the caller (MOSMS, SS) reads t.Sub.(*Result)
// immediately after observing StatusPopMachine.
type Result struct {
	Authorized bool
	IMSI       string
}

// Sender is the narrow downlink boundary this machine needs: it only
// ever sends one message type (IdentityRequest).
type Sender interface {
	SendIdentityRequest(ti identity.TI) error
}

// Machine implements transaction.Procedure.
type Machine struct {
	table  *tmsi.Table
	sender Sender
}

// New constructs the sub-machine. The mobile identity the triggering
// message carried is read from t.Subject when Run starts.
func New(table *tmsi.Table, sender Sender) *Machine {
	return &Machine{table: table, sender: sender}
}

func (m *Machine) Name() string { return "L3IdentifyMachine" }

// Run implements spec.md §4.9. It is pushed with the triggering
// mobile-id already stored on the transaction (t.Subject), so the
// first call with InputNone resolves it immediately when possible.
func (m *Machine) Run(t *transaction.Transaction, state int, in transaction.Input) (int, transaction.Status) {
	switch state {
	case stateStart:
		switch {
		case t.Subject.IMSI != "":
			auth, _ := m.table.IsAuthorized(t.Subject.IMSI)
			t.Sub = &Result{Authorized: auth == tmsi.Authorized || auth == tmsi.FailOpen, IMSI: t.Subject.IMSI}
			return state, transaction.StatusPopMachine
		case t.Subject.HasTMSI:
			if imsi, ok := m.table.IMSIFromTMSI(t.Subject.TMSI); ok {
				if auth, hasAuth := m.table.IsAuthorized(imsi); hasAuth {
					t.Subject.IMSI = imsi
					t.Sub = &Result{Authorized: auth == tmsi.Authorized || auth == tmsi.FailOpen, IMSI: imsi}
					return state, transaction.StatusPopMachine
				}
			}
		}
		if err := m.sender.SendIdentityRequest(t.TI); err != nil {
			t.Sub = &Result{Authorized: false}
			return state, transaction.StatusPopMachine
		}
		t.Timers.Arm(timers.T3270, 12_000_000_000, timers.NextState(stateAwaitResponse))
		return stateAwaitResponse, transaction.StatusOK

	case stateAwaitResponse:
		if in.Kind == transaction.InputTimer && in.Timer == timers.T3270 {
			t.Sub = &Result{Authorized: false}
			return state, transaction.StatusPopMachine
		}
		if in.Kind != transaction.InputL3Message {
			return state, transaction.StatusOK
		}
		msg, ok := in.MsgValue.(l3codec.Message)
		if !ok || msg.Tag != l3codec.TagIdentityResponse {
			return state, transaction.StatusOK
		}
		t.Timers.Stop(timers.T3270)
		if msg.MobileID.IMSI == "" {
			t.Sub = &Result{Authorized: false}
			return state, transaction.StatusPopMachine
		}
		t.Subject.IMSI = msg.MobileID.IMSI
		auth, _ := m.table.IsAuthorized(msg.MobileID.IMSI)
		t.Sub = &Result{Authorized: auth == tmsi.Authorized || auth == tmsi.FailOpen, IMSI: msg.MobileID.IMSI}
		return state, transaction.StatusPopMachine

	default:
		return state, transaction.StatusUnexpectedState
	}
}
