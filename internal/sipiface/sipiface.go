// Package sipiface is the narrow SIP/RTP boundary spec.md §1 and §6
// describe: the SIP dialog machinery itself is an external
// collaborator, reached only through the SipDialog/Registrar handles
// defined here. Header-name comparisons use
// github.com/intuitivelabs/bytescase (the teacher's own case-folding
// helper) since SIP header and parameter names are case-insensitive.
package sipiface

import (
	"github.com/intuitivelabs/bytescase"
)

// DialogState is one of the SIP dialog state-change events spec.md §6
// lists.
type DialogState uint8

const (
	DialogStarted DialogState = iota
	DialogProceeding
	DialogRinging
	DialogActive
	DialogBye
	DialogFail
)

func (s DialogState) String() string {
	switch s {
	case DialogStarted:
		return "dialogStarted"
	case DialogProceeding:
		return "dialogProceeding"
	case DialogRinging:
		return "dialogRinging"
	case DialogActive:
		return "dialogActive"
	case DialogBye:
		return "dialogBye"
	case DialogFail:
		return "dialogFail"
	default:
		return "dialogUnknown"
	}
}

// DialogEvent is delivered to a transaction's SIP inbox whenever the
// dialog state changes.
type DialogEvent struct {
	State      DialogState
	StatusCode int
	Reason     string
}

// SipDialog is the handle a Transaction holds for its SIP leg. Any
// method may block on the SIP interface socket (spec.md §5), so it must
// never be called while holding the MMLayer's coarse lock.
type SipDialog interface {
	// StartInvite sends the initial INVITE with the given SDP body and
	// codec offer.
	StartInvite(calledBCD, callingBCD string, codecs []string) error
	// Reply answers an incoming leg with a final/provisional response.
	Reply(code int, reason string) error
	// Bye ends an established dialog.
	Bye(reasonHeader string) error
	// Cancel cancels a not-yet-answered INVITE.
	Cancel() error
	// Refer transfers the dialog to target, used by outbound handover
	// (spec.md §4.12) to hand the SIP leg to the peer BTS instead of
	// sending a BYE.
	Refer(target string) error
	// Info sends a SIP INFO carrying BCD DTMF digits.
	Info(digits string) error
	// SendMessage sends a SIP MESSAGE carrying an SMS body.
	SendMessage(body, contentType string) error
	// Events returns the channel dialog state changes are delivered
	// on.
	Events() <-chan DialogEvent
}

// RegistrarResult is the outcome of a REGISTER attempt, spec.md §6.
type RegistrarResult struct {
	Success           bool
	Challenge         bool
	RAND              string // 32 hex digits, present iff Challenge
	Kc                string
	AssociatedURI     string
	AssertedIdentity  string
	FailSIPCode       int
	FailExplicitCause string // private-header override, if present
	Error             bool
}

// Registrar is the external SIP registrar/HLR-proxy boundary used by
// the LUR procedure (spec.md §4.5).
type Registrar interface {
	Register(imsi, sres string) (RegistrarResult, error)
}

// PrivateCauseHeader is the private header name a registrar response
// may carry an explicit reject cause in. HasExplicitCause does a
// case-insensitive header-name match the way SIP requires.
const PrivateCauseHeader = "X-Reject-Cause"

// HasExplicitCause reports whether headerName names the private reject
// cause header, independent of case.
func HasExplicitCause(headerName string) bool {
	return bytescase.CmpEq([]byte(headerName), []byte(PrivateCauseHeader))
}
