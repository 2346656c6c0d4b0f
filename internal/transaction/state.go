// Package transaction implements spec.md's Transaction (§3, §4.2) and
// the StateMachine framework it hosts (§4.1): the procedure-stack
// dispatch, TimerSet ownership, SIP dialog handle, and refcounted
// lifecycle. Grounded on calltr/callstate.go's CallEntry (refcounted,
// reset-keeping-buffers, per-state timeout table) and
// calltr/state_machine.go's dispatch-by-(key,state) shape, generalized
// from SIP call tracking to the GSM procedure multiplex spec.md
// describes.
package transaction

// ServiceType is the kind of L3 procedure a Transaction runs, spec.md
// §3.
type ServiceType uint8

const (
	SvcMOC ServiceType = iota
	SvcMTC
	SvcMOSMS
	SvcMTSMS
	SvcLUR
	SvcSS
	SvcHandoverIn
	SvcHandoverOut
	SvcEmergency
	SvcTestCall
)

func (s ServiceType) String() string {
	switch s {
	case SvcMOC:
		return "MOC"
	case SvcMTC:
		return "MTC"
	case SvcMOSMS:
		return "MOSMS"
	case SvcMTSMS:
		return "MTSMS"
	case SvcLUR:
		return "LUR"
	case SvcSS:
		return "SS"
	case SvcHandoverIn:
		return "HandoverIn"
	case SvcHandoverOut:
		return "HandoverOut"
	case SvcEmergency:
		return "Emergency"
	case SvcTestCall:
		return "TestCall"
	default:
		return "unknown-service"
	}
}

// CallState is spec.md §3's enumeration; the values that the comment
// calls out (0..12, 19, 27, 28) are pinned to match GSM 04.08
// §10.5.4.6's Call State IE so they can be put on the wire directly.
type CallState uint8

const (
	Null                 CallState = 0
	Paging               CallState = 1
	MOCInitiated         CallState = 3
	MOCProceeding        CallState = 4
	MOCDelivered         CallState = 6
	MTCConfirmed         CallState = 2
	CallPresent          CallState = 7
	CallReceived         CallState = 8
	ConnectIndication    CallState = 9
	Active               CallState = 10
	DisconnectIndication CallState = 12
	ReleaseRequest       CallState = 19
	SMSDelivering        CallState = 27
	SMSSubmitting        CallState = 28
	HandoverInbound      CallState = 11
	HandoverProgress     CallState = 5
	HandoverOutbound     CallState = 13
	TranDeleted          CallState = 14
)

var callStateName = map[CallState]string{
	Null:                 "null",
	Paging:               "paging",
	MOCInitiated:         "MOC-initiated",
	MOCProceeding:        "MOC-proceeding",
	MOCDelivered:         "MOC-delivered",
	MTCConfirmed:         "MTC-confirmed",
	CallPresent:          "call-present",
	CallReceived:         "call-received",
	ConnectIndication:    "connect-indication",
	Active:               "active",
	DisconnectIndication: "disconnect-indication",
	ReleaseRequest:       "release-request",
	SMSDelivering:        "sms-delivering",
	SMSSubmitting:        "sms-submitting",
	HandoverInbound:      "handover-inbound",
	HandoverProgress:     "handover-progress",
	HandoverOutbound:     "handover-outbound",
	TranDeleted:          "tran-deleted",
}

func (s CallState) String() string {
	if n, ok := callStateName[s]; ok {
		return n
	}
	return "unknown-state"
}

// Status is what a Procedure.Run returns, spec.md §4.1.
type Status uint8

const (
	StatusOK Status = iota
	StatusPopMachine
	StatusQuitTran
	StatusQuitChannel
	StatusUnexpectedState
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusPopMachine:
		return "PopMachine"
	case StatusQuitTran:
		return "QuitTran"
	case StatusQuitChannel:
		return "QuitChannel"
	case StatusUnexpectedState:
		return "UnexpectedState"
	default:
		return "unknown-status"
	}
}
