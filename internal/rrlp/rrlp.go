// Package rrlp implements SPEC_FULL.md §4's RRLP positioning pass-
// through: an established transaction's channel hands this package one
// RRLP APDU carried in an uplink L3ApplicationInformation message, and
// this package forwards it to an external RRLP/SMLC assistance server,
// relaying back whatever APDU that server wants delivered downlink.
// Grounded on original_source/Control/RRLPServer.{h,cpp}'s
// rrlpSend/rrlpRecv shape and its gConfig-driven assistance-server URL
// (an HTTP GET against GSM.RRLP.*.URL); the RRLP protocol encoding
// itself stays out of this module's scope, same as spec.md's treatment
// of l3codec.
package rrlp

import (
	"context"
	"time"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/transaction"
)

// Server is the external RRLP/SMLC collaborator. cmd/l3ctld wires a
// concrete net/http client over the Process.RRLPServerURL config key
// (original_source's own assistance fetch is a plain HTTP round trip,
// so no third-party client library is a better fit than net/http
// here -- see DESIGN.md's standard-library justification).
type Server interface {
	// Exchange sends one APDU for imsi and returns the server's reply.
	// more reports whether that reply itself needs delivering back to
	// the MS (an RRLP session can span several round trips).
	Exchange(ctx context.Context, imsi string, apdu []byte) (reply []byte, more bool, err error)
}

// Sender is the downlink boundary: deliver an RRLP APDU to the MS as
// an L3ApplicationInformation message (spec.md §3's radio boundary,
// reused rather than re-declared).
type Sender interface {
	SendApplicationInformation(ti identity.TI, apdu []byte) error
}

// Forwarder relays RRLP APDUs between a transaction's channel and the
// external assistance server, one request/response pair per call.
type Forwarder struct {
	server  Server
	timeout time.Duration
}

// New builds a Forwarder. timeout bounds one Exchange round trip
// (GSM.RRLP.RESPONSETIME in the original).
func New(server Server, timeout time.Duration) *Forwarder {
	return &Forwarder{server: server, timeout: timeout}
}

// Forward implements rrlpRecv: an uplink L3ApplicationInformation
// carrying apdu arrived on t. If the server's reply needs delivering
// back to the MS, it is sent immediately via sender.
func (f *Forwarder) Forward(t *transaction.Transaction, sender Sender, imsi string, apdu []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	reply, more, err := f.server.Exchange(ctx, imsi, apdu)
	if err != nil {
		return err
	}
	if !more || len(reply) == 0 {
		return nil
	}
	return sender.SendApplicationInformation(t.TI, reply)
}
