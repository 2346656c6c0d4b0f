package handover

import (
	"time"

	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/transaction"
)

// SenderFor builds the FACCH downlink Sender for a transaction's
// current channel. Kept separate from Trigger's construction since
// only the controller wiring (cmd/l3ctld) can resolve "the channel
// this transaction is currently on" down to a radio.L2LogicalChannel.
type SenderFor interface {
	HandoverSender(t *transaction.Transaction) Sender
}

// Trigger adapts Selector+PeerRequester into the HandoverStarter
// contract internal/procedures/moc and internal/procedures/mtc declare
// locally (EvaluateAndPush), so those packages never need to import
// internal/procedures/handover directly -- mirroring the
// AssignPusher/BridgeStarter pattern already used for assigntch and
// rtpbridge.
type Trigger struct {
	Selector *Selector
	Peer     PeerRequester
	Senders  SenderFor
	T3103    time.Duration
}

// EvaluateAndPush implements spec.md §4.12's measurement-triggered
// outbound attempt: a MeasurementReport arriving during an active call
// is folded through Selector.Evaluate, and on a hit, OutboundMachine is
// pushed atop the caller's transaction.
func (tr *Trigger) EvaluateAndPush(t *transaction.Transaction, msg l3codec.Message) bool {
	hasIMSI := t.Subject.IMSI != ""
	n, ok := tr.Selector.Evaluate(msg.ServingRxLev, t.ConnectTime, hasIMSI, msg.Neighbors)
	if !ok {
		return false
	}
	sender := tr.Senders.HandoverSender(t)
	t.State = transaction.HandoverOutbound
	t.Push(NewOutbound(tr.Peer, sender, tr.Selector, n, tr.T3103))
	return true
}
