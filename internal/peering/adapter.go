package peering

import (
	"encoding/hex"
	"fmt"

	"github.com/rangetel/l3ctl/internal/procedures/handover"
	"github.com/rangetel/l3ctl/internal/transaction"
)

// AddressResolver maps a candidate neighbor to the UDP address of the
// BTS that owns it. The controller wiring (cmd/l3ctld) supplies this
// from its neighbor-table configuration.
type AddressResolver interface {
	Resolve(n handover.Neighbor) (addr string, ok bool)
}

// HandoverAdapter implements handover.PeerRequester over a Client,
// turning spec.md §6's wire Request/Response into the narrower
// PeerResult shape internal/procedures/handover needs.
type HandoverAdapter struct {
	client   *Client
	resolver AddressResolver
}

// NewHandoverAdapter builds an adapter bound to client and resolver.
func NewHandoverAdapter(client *Client, resolver AddressResolver) *HandoverAdapter {
	return &HandoverAdapter{client: client, resolver: resolver}
}

// RequestHandover implements handover.PeerRequester.
func (a *HandoverAdapter) RequestHandover(t *transaction.Transaction, n handover.Neighbor) (handover.PeerResult, error) {
	addr, ok := a.resolver.Resolve(n)
	if !ok {
		return handover.PeerResult{}, fmt.Errorf("peering: no address configured for neighbor %+v", n)
	}
	req := Request{
		IMSI:          t.Subject.IMSI,
		TransactionID: t.ID,
		ARFCN:         n.ARFCN,
		BSIC:          n.BSIC,
	}
	if t.Dialog != nil {
		req.DialogID = fmt.Sprintf("%d", t.ID)
	}
	resp, err := a.client.RequestHandover(addr, req)
	if err != nil {
		return handover.PeerResult{}, err
	}
	if !resp.Accepted {
		return handover.PeerResult{Accepted: false}, nil
	}
	cmd, err := hex.DecodeString(resp.CommandHex)
	if err != nil {
		return handover.PeerResult{}, fmt.Errorf("peering: decode L3HandoverCommand: %w", err)
	}
	return handover.PeerResult{Accepted: true, Command: cmd, ReferTarget: resp.ReferTarget}, nil
}
