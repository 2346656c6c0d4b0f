// Package l3codec is the narrow interface to the external L3 message
// codec. spec.md §1 explicitly excludes "encoding or decoding individual
// L3 message bit layouts" from this layer's scope; everything here is a
// tagged-union result type the real codec (not implemented in this
// module) is assumed to produce, so the procedures can match
// structurally on Tag instead of chasing the dynamic_cast cascades
// spec.md §9 calls out as the thing to avoid.
package l3codec

import "github.com/rangetel/l3ctl/internal/identity"

// Tag identifies which concrete L3 message a Message carries.
type Tag uint8

const (
	TagLocationUpdatingRequest Tag = iota
	TagIMSIDetachIndication
	TagCMServiceRequest
	TagIdentityResponse
	TagAuthenticationResponse
	TagCipheringModeComplete
	TagTMSIReallocationComplete
	TagSetup
	TagCallConfirmed
	TagAlerting
	TagConnect
	TagConnectAcknowledge
	TagAssignmentComplete
	TagDisconnect
	TagRelease
	TagReleaseComplete
	TagCPData
	TagCPAck
	TagCPError
	TagApplicationInformation
	TagRRStatus
	TagPagingResponse
	TagMeasurementReport
	TagHandoverComplete
	TagUnknown
)

// CMServiceType distinguishes the CM service request subtypes
// spec.md §4.1/§4.2 route on.
type CMServiceType uint8

const (
	CMServiceMOC CMServiceType = iota
	CMServiceShortMessage
	CMServiceSupplementary
	CMServiceEmergency
)

// Message is the tagged-union result of decoding one L3 frame. Only the
// fields relevant to Tag are populated; the rest are left at their zero
// value. A real codec would produce this from the radio.Frame payload.
type Message struct {
	Tag Tag

	MobileID   identity.FullMobileId
	TI         identity.TI
	ServiceType CMServiceType

	CalledBCD  string
	CallingBCD string
	CodecSet   []string

	CauseValue uint8

	// RP-layer fields for CP-DATA (spec.md §4.10).
	RPRef     uint8
	RPPayload []byte
	RPError   bool

	// Measurement-report fields for handover selection (spec.md §4.12).
	ServingRxLev int8
	Neighbors    []NeighborMeasurement
}

// NeighborMeasurement is one entry of a SACCH measurement report.
type NeighborMeasurement struct {
	ARFCN uint16
	BSIC  uint8
	RxLev int8 // dBm
}

// Decoder decodes a raw L3 payload into a tagged Message. The real
// implementation lives outside this module's scope.
type Decoder interface {
	Decode(pd, mti uint8, payload []byte) (Message, error)
}

// Encoder builds the raw payload for an outbound L3 message, also out
// of scope for this module.
type Encoder interface {
	Encode(m Message) (pd, mti uint8, payload []byte, err error)
}
