package sipcore

import (
	"net"
	"sync"

	"github.com/intuitivelabs/bytescase"
	sipsp "github.com/intuitivelabs/sipsp"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

// maxDatagram bounds one inbound SIP datagram (internal/peering's own
// UDP cap is smaller, 2048 bytes); SIP over UDP never fragments past
// this in practice for the message shapes this package builds.
const maxDatagram = 4096

// response is the result of parsing one inbound SIP datagram down to
// the fields this package's Dialog/Registrar need.
type response struct {
	statusCode int
	reason     string
	callID     string
	cseqNo     uint32
	cseqMethod string
	assertedID string
	associated string
	challenge  string // X-RAND
	challengeK string // X-Kc
	rejectCause string // sipiface.PrivateCauseHeader
	raw        []byte
}

// Transport owns one UDP socket shared by every Dialog/Registrar
// talking to a single SIP peer, demultiplexing inbound responses to
// the right waiter by Call-ID (the same correlation key
// parse_callid.go's PCallIDBody exists to extract).
type Transport struct {
	conn *net.UDPConn
	peer *net.UDPAddr

	mu      sync.Mutex
	waiters map[string]chan response // keyed by Call-ID
	closed  bool
}

// Dial opens the UDP socket toward the SIP proxy/registrar at addr
// (spec.md §6's SIP.Proxy.Registration) and starts the receive loop.
func Dial(addr string) (*Transport, error) {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, peer)
	if err != nil {
		return nil, err
	}
	tr := &Transport{conn: conn, peer: peer, waiters: make(map[string]chan response)}
	go tr.recvLoop()
	return tr, nil
}

// Close stops the receive loop and releases the socket.
func (tr *Transport) Close() error {
	tr.mu.Lock()
	tr.closed = true
	tr.mu.Unlock()
	return tr.conn.Close()
}

// Send writes a fully-built SIP message verbatim.
func (tr *Transport) Send(msg []byte) error {
	_, err := tr.conn.Write(msg)
	return err
}

// await registers a one-shot waiter for the next response carrying
// callID, and returns a function to deregister it if no answer comes
// (timeout is the caller's responsibility; Dialog and Registrar each
// apply their own with time.After).
func (tr *Transport) await(callID string) (<-chan response, func()) {
	ch := make(chan response, 1)
	tr.mu.Lock()
	tr.waiters[callID] = ch
	tr.mu.Unlock()
	return ch, func() {
		tr.mu.Lock()
		delete(tr.waiters, callID)
		tr.mu.Unlock()
	}
}

func (tr *Transport) recvLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, err := tr.conn.Read(buf)
		if err != nil {
			tr.mu.Lock()
			closed := tr.closed
			tr.mu.Unlock()
			if closed {
				return
			}
			wiretrace.WARN("sipcore: read failed: %v\n", err)
			continue
		}
		resp, ok := parseResponse(buf[:n])
		if !ok {
			continue
		}
		tr.mu.Lock()
		ch, exists := tr.waiters[resp.callID]
		tr.mu.Unlock()
		if exists {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

// parseResponse runs the teacher's parser over one inbound datagram,
// extracting status line, Call-ID, CSeq, and the private/PAI headers
// this module's dialogs and registrar care about. Headers with no
// dedicated HdrT (P-Asserted-Identity, P-Associated-URI, X-RAND, X-Kc,
// sipiface.PrivateCauseHeader) surface as HdrOther and are matched by
// name with bytescase, the same case-insensitive compare
// internal/sipiface already uses.
func parseResponse(buf []byte) (response, bool) {
	var msg sipsp.PSIPMsg
	hdrs := make([]sipsp.Hdr, 32)
	contacts := make([]sipsp.PFromBody, 4)
	msg.Init(buf, hdrs, contacts)

	const flags = sipsp.SIPMsgSkipBodyF | sipsp.SIPMsgNoMoreDataF
	_, err := sipsp.ParseSIPMsg(buf, 0, &msg, flags)
	if err != nil && err != sipsp.ErrHdrOk {
		wiretrace.DBG("sipcore: failed to parse datagram: %v\n", err)
		return response{}, false
	}
	if msg.Request() {
		// requests (e.g. a BYE, CANCEL or REFER from the proxy side)
		// are dropped here; nothing in this package handles inbound
		// SIP requests.
		return response{}, false
	}

	r := response{
		statusCode: int(msg.FL.StatusCode),
		reason:     string(msg.FL.Reason.Get(buf)),
		raw:        buf,
	}
	if cid := msg.PV.GetCallID(); cid.Parsed() {
		r.callID = string(cid.CallID.Get(buf))
	}
	if cs := msg.PV.GetCSeq(); cs.Parsed() {
		r.cseqNo = cs.CSeqNo
		r.cseqMethod = string(cs.Method.Get(buf))
	}

	extractPrivateHeaders(&msg, buf, &r)
	return r, r.callID != ""
}

func extractPrivateHeaders(msg *sipsp.PSIPMsg, buf []byte, r *response) {
	var pais sipsp.PPAIs
	for _, h := range msg.HL.Hdrs {
		if h.Type != sipsp.HdrOther || h.Name.Empty() {
			continue
		}
		name := h.Name.Get(buf)
		switch {
		case headerNameIs(name, "P-Asserted-Identity"):
			pais.Reset()
			if _, err := sipsp.ParseAllPAIValues(buf, int(h.Val.Offs), &pais); err == sipsp.ErrHdrOk || err == sipsp.ErrHdrEOH {
				if pai := pais.GetPAI(0); pai != nil {
					r.assertedID = string(pai.URI.Get(buf))
				}
			}
		case headerNameIs(name, "P-Associated-URI"):
			r.associated = string(h.Val.Get(buf))
		case headerNameIs(name, "X-RAND"):
			r.challenge = string(h.Val.Get(buf))
		case headerNameIs(name, "X-Kc"):
			r.challengeK = string(h.Val.Get(buf))
		case headerNameIs(name, "X-Reject-Cause"):
			r.rejectCause = string(h.Val.Get(buf))
		}
	}
}

func headerNameIs(name []byte, want string) bool {
	return bytescase.CmpEq(name, []byte(want))
}
