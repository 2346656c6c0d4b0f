// Package termcause implements the unified cause taxonomy described in
// spec.md §3/§6/§7: a closed TermCause value recording why a
// Transaction was torn down, plus the fixed mappings to GSM CC/RR
// causes and SIP status codes. It is the Go-native replacement for the
// original Control/L3TermCause.h: a TermCause is self-initializing,
// instigator-tagged, and never carries a pointer back into a dialog.
package termcause

import "fmt"

// Cause enumerates every reason a transaction or channel can end. Names
// follow the original L3Cause/BSS-cause vocabulary so the mapping
// tables in §6/§7 can be transcribed directly.
type Cause uint8

const (
	CauseNone Cause = iota
	NormalCallClearing
	NetworkFailure
	Congestion
	OperatorIntervention
	PreemptiveRelease
	CallRejected
	NoAnswerToPage
	NoPagingResponse
	NoTransactionExpected
	RadioInterfaceFailure
	ChannelAssignmentFailure
	HandoverOutbound
	HandoverImpossible
	LocationAreaNotAllowed
	RoamingNotAllowedInLA
	IMSIUnknownInVLR
	IMSIUnknownInHLR
	InvalidMandatoryInformation
	MMSuccess
	SMSSuccess
	CallAlreadyCleared
)

var causeName = [...]string{
	CauseNone:                    "none",
	NormalCallClearing:           "Normal_Call_Clearing",
	NetworkFailure:               "Network_Failure",
	Congestion:                   "Congestion",
	OperatorIntervention:         "Operator_Intervention",
	PreemptiveRelease:            "Preemptive_Release",
	CallRejected:                 "Call_Rejected",
	NoAnswerToPage:               "No_Answer_To_Page",
	NoPagingResponse:             "NoPagingResponse",
	NoTransactionExpected:        "NoTransactionExpected",
	RadioInterfaceFailure:        "Radio_Interface_Failure",
	ChannelAssignmentFailure:     "Channel_Assignment_Failure",
	HandoverOutbound:             "Handover_Outbound",
	HandoverImpossible:           "Handover_Impossible",
	LocationAreaNotAllowed:       "Location_Area_Not_Allowed",
	RoamingNotAllowedInLA:        "Roaming_Not_Allowed_In_LA",
	IMSIUnknownInVLR:             "IMSI_Unknown_In_VLR",
	IMSIUnknownInHLR:             "IMSI_Unknown_In_HLR",
	InvalidMandatoryInformation:  "Invalid_Mandatory_Information",
	MMSuccess:                    "MM_Success",
	SMSSuccess:                   "SMS_Success",
	CallAlreadyCleared:           "Call_Already_Cleared",
}

func (c Cause) String() string {
	if int(c) >= len(causeName) || causeName[c] == "" {
		return "unknown-cause"
	}
	return causeName[c]
}

var causeByName map[string]Cause

func init() {
	causeByName = make(map[string]Cause, len(causeName))
	for c, name := range causeName {
		if name != "" {
			causeByName[name] = Cause(c)
		}
	}
}

// ParseCause resolves a configured cause name (e.g.
// Control.LUR.UnprovisionedRejectCause) to a Cause. Used to turn the
// config-file string keys spec.md §6 lists into the closed enum.
func ParseCause(name string) (Cause, bool) {
	c, ok := causeByName[name]
	return c, ok
}

// gsmCCCause is the nearest GSM 04.08 §10.5.4.11 Call-Control cause for
// each Cause, used when a Release/Disconnect must carry a cause IE.
var gsmCCCause = map[Cause]uint8{
	NormalCallClearing:          16,
	NetworkFailure:              17,
	Congestion:                  34,
	OperatorIntervention:        8,
	PreemptiveRelease:           25,
	CallRejected:                21,
	NoAnswerToPage:              18,
	InvalidMandatoryInformation: 96,
	RadioInterfaceFailure:       41,
	HandoverImpossible:          111,
}

// sipMapping is the exact table from spec.md §6 "Registrar reject
// cause mapping", extended with the other §7 user-visible cases.
var sipMapping = map[Cause]struct {
	Code   int
	Reason string
}{
	NormalCallClearing:          {200, "Normal call clearing"},
	NetworkFailure:              {500, "Network failure"},
	Congestion:                  {503, "Congestion"},
	OperatorIntervention:        {603, "Operator intervention"},
	PreemptiveRelease:           {486, "Preemptive release"},
	CallRejected:                {403, "Call rejected"},
	NoAnswerToPage:              {480, "No answer to page"},
	NoPagingResponse:            {480, "No paging response"},
	RadioInterfaceFailure:       {500, "Radio interface failure"},
	ChannelAssignmentFailure:    {500, "Channel assignment failure"},
	HandoverOutbound:            {200, "Handover outbound"},
	HandoverImpossible:          {500, "Handover impossible"},
	LocationAreaNotAllowed:      {403, "Location area not allowed"},
	RoamingNotAllowedInLA:       {403, "Roaming not allowed in location area"},
	IMSIUnknownInVLR:            {404, "IMSI unknown in VLR"},
	IMSIUnknownInHLR:            {404, "IMSI unknown in HLR"},
	InvalidMandatoryInformation: {400, "Invalid mandatory information"},
	CallAlreadyCleared:          {487, "Call already cleared"},
}

// Instigator records which side decided to end the transaction.
type Instigator uint8

const (
	SideLocal Instigator = iota
	SideRemote
)

func (i Instigator) String() string {
	if i == SideRemote {
		return "remote"
	}
	return "local"
}

// TermCause is the immutable, self-initializing cause value attached to
// a terminated Transaction. The zero value is "empty" (tcIsEmpty in the
// original), matching spec.md's "final-disposition TermCause (empty
// until termination)".
type TermCause struct {
	cause      Cause
	instigator Instigator
	sipCode    int
	sipReason  string
}

// Local builds a TermCause for a cause decided by this BTS.
func Local(c Cause) TermCause {
	return TermCause{cause: c, instigator: SideLocal}
}

// Remote builds a TermCause for a cause learned from the SIP peer
// (e.g. a BYE or a non-2xx final response), preserving the SIP code and
// reason phrase so the CDR records exactly what was received.
func Remote(c Cause, sipCode int, sipReason string) TermCause {
	return TermCause{cause: c, instigator: SideRemote, sipCode: sipCode, sipReason: sipReason}
}

// IsEmpty reports whether no cause has been recorded yet.
func (t TermCause) IsEmpty() bool { return t.cause == CauseNone }

// Cause returns the underlying cause value.
func (t TermCause) Cause() Cause { return t.cause }

// Instigator returns which side ended the transaction.
func (t TermCause) Instigator() Instigator { return t.instigator }

// CCCause returns the nearest GSM 04.08 §10.5.4.11 Call-Control cause,
// for use in an outbound Release/Disconnect IE.
func (t TermCause) CCCause() uint8 {
	if v, ok := gsmCCCause[t.cause]; ok {
		return v
	}
	return 41 // "temporary failure", the generic fallback
}

// SIPCodeAndReason returns the SIP status code and reason phrase a peer
// should see for this cause. For a TermCause built with Remote, the
// original SIP code/reason are returned verbatim (recorded for the CDR
// but never re-sent outbound, per spec.md §7).
func (t TermCause) SIPCodeAndReason() (int, string) {
	if t.instigator == SideRemote && t.sipCode != 0 {
		return t.sipCode, t.sipReason
	}
	if m, ok := sipMapping[t.cause]; ok {
		return m.Code, m.Reason
	}
	return 500, "internal error"
}

// ReasonHeader renders a SIP "Reason:" header value carrying the GSM
// cause, as required by spec.md §7 ("SIP peers see ... a Reason header
// carrying the GSM cause").
func (t TermCause) ReasonHeader() string {
	return fmt.Sprintf("GSM;cause=%d;text=%q", t.CCCause(), t.cause.String())
}

func (t TermCause) String() string {
	if t.IsEmpty() {
		return "<no-cause>"
	}
	return fmt.Sprintf("%s (%s, sip=%d)", t.cause, t.instigator, t.sipCode)
}

// RegistrarReject maps a registrar rejection to a Cause, implementing
// the exact table in spec.md §6 "Registrar reject cause mapping". An
// explicitCause other than CauseNone (taken from the private reject-cause
// header) overrides the table, as the table's last rule requires.
func RegistrarReject(sipCode int, explicitCause Cause, unprovisionedRejectCause, notFoundRejectCause Cause) Cause {
	if explicitCause != CauseNone {
		return explicitCause
	}
	switch sipCode {
	case 400:
		return NetworkFailure
	case 401:
		return unprovisionedRejectCause
	case 403:
		return LocationAreaNotAllowed
	case 404:
		return notFoundRejectCause
	case 424:
		return RoamingNotAllowedInLA
	case 504:
		return Congestion
	case 603:
		return IMSIUnknownInVLR
	case 604:
		return IMSIUnknownInHLR
	default:
		return NetworkFailure
	}
}
