package sipcore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rangetel/l3ctl/internal/sipiface"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

// Dialog is the concrete sipiface.SipDialog backing one GSM
// transaction's SIP leg, built directly on Transport --
// github.com/intuitivelabs/sipsp's parser (parse_msg.go et al.) is a
// zero-copy read path with no client/dialog bookkeeping of its own, so
// this package supplies the missing half: request templates and the
// Call-ID-keyed event stream spec.md §6 requires (dialogStarted/
// Proceeding/Ringing/Active/Bye/Fail).
type Dialog struct {
	tr       *Transport
	localURI string
	peerURI  string
	realm    string

	mu      sync.Mutex
	callID  string
	cseq    uint32
	fromTag string
	events  chan sipiface.DialogEvent
	done    bool
}

// NewDialog starts tracking a SIP leg between localURI (this BTS's own
// AOR, spec.md's GSM.Identity.ShortName-derived identity) and peerURI
// (the called/calling party's SIP URI, built from its BCD number by
// the caller).
func NewDialog(tr *Transport, localURI, peerURI, realm string) (*Dialog, error) {
	if err := validateURI(peerURI); err != nil {
		return nil, err
	}
	return &Dialog{
		tr:       tr,
		localURI: localURI,
		peerURI:  peerURI,
		realm:    realm,
		callID:   newCallID(localURI),
		fromTag:  newTag(),
		events:   make(chan sipiface.DialogEvent, 8),
	}, nil
}

func (d *Dialog) nextCSeq(method string) (uint32, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cseq++
	return d.cseq, method
}

// StartInvite sends the initial INVITE carrying a minimal SDP offer
// built from codecs, then follows the response stream until a final
// response or BYE, publishing translated DialogEvents.
func (d *Dialog) StartInvite(calledBCD, callingBCD string, codecs []string) error {
	n, _ := d.nextCSeq("INVITE")
	sdp := buildSDP(codecs)
	req := d.buildRequest("INVITE", n, sdp, "application/sdp")
	if err := d.tr.Send(req); err != nil {
		return fmt.Errorf("sipcore: send INVITE: %w", err)
	}
	go d.followInvite(n)
	return nil
}

func (d *Dialog) followInvite(cseq uint32) {
	ch, cancel := d.tr.await(d.callID)
	defer cancel()
	for {
		select {
		case resp := <-ch:
			if resp.cseqNo != cseq {
				continue
			}
			ev := sipiface.DialogEvent{StatusCode: resp.statusCode, Reason: resp.reason}
			switch {
			case resp.statusCode == 100:
				ev.State = sipiface.DialogProceeding
			case resp.statusCode == 180 || resp.statusCode == 183:
				ev.State = sipiface.DialogRinging
			case resp.statusCode == 200:
				ev.State = sipiface.DialogActive
				d.sendACK(cseq)
			case resp.statusCode >= 300:
				ev.State = sipiface.DialogFail
			default:
				continue
			}
			d.publish(ev)
			if ev.State == sipiface.DialogActive || ev.State == sipiface.DialogFail {
				return
			}
		case <-time.After(32 * time.Second):
			d.publish(sipiface.DialogEvent{State: sipiface.DialogFail, Reason: "Request Timeout", StatusCode: 408})
			return
		}
	}
}

func (d *Dialog) sendACK(cseq uint32) {
	req := d.buildRequest("ACK", cseq, "", "")
	if err := d.tr.Send(req); err != nil {
		wiretrace.WARN("sipcore: send ACK for %s failed: %v\n", d.callID, err)
	}
}

// Reply answers a not-yet-final leg; used by the MTC/MT-SMS side of a
// Dialog started by the SIP core rather than by this BTS.
func (d *Dialog) Reply(code int, reason string) error {
	if code >= 200 {
		d.publish(sipiface.DialogEvent{State: stateForFinal(code), StatusCode: code, Reason: reason})
	}
	n, _ := d.nextCSeq("INVITE")
	req := d.buildResponse(code, reason, n)
	return d.tr.Send(req)
}

func stateForFinal(code int) sipiface.DialogState {
	if code < 300 {
		return sipiface.DialogActive
	}
	return sipiface.DialogFail
}

// Bye ends an established dialog.
func (d *Dialog) Bye(reasonHeader string) error {
	n, _ := d.nextCSeq("BYE")
	req := d.buildRequest("BYE", n, "", "")
	if reasonHeader != "" {
		req = insertHeader(req, "Reason", reasonHeader)
	}
	d.publish(sipiface.DialogEvent{State: sipiface.DialogBye})
	return d.tr.Send(req)
}

// Cancel cancels a not-yet-answered INVITE.
func (d *Dialog) Cancel() error {
	n, _ := d.nextCSeq("CANCEL")
	req := d.buildRequest("CANCEL", n, "", "")
	return d.tr.Send(req)
}

// Refer transfers the dialog to target (spec.md §4.12 outbound
// handover's REFER-instead-of-BYE path).
func (d *Dialog) Refer(target string) error {
	n, _ := d.nextCSeq("REFER")
	req := d.buildRequest("REFER", n, "", "")
	req = insertHeader(req, "Refer-To", target)
	return d.tr.Send(req)
}

// Info sends a SIP INFO carrying BCD DTMF digits.
func (d *Dialog) Info(digits string) error {
	n, _ := d.nextCSeq("INFO")
	body := "Signal=" + digits + "\r\nDuration=160\r\n"
	req := d.buildRequest("INFO", n, body, "application/dtmf-relay")
	return d.tr.Send(req)
}

// SendMessage sends a SIP MESSAGE carrying an SMS body (spec.md §4.10's
// MO-SMS leg).
func (d *Dialog) SendMessage(body, contentType string) error {
	n, _ := d.nextCSeq("MESSAGE")
	req := d.buildRequest("MESSAGE", n, body, contentType)
	go func() {
		ch, cancel := d.tr.await(d.callID)
		defer cancel()
		select {
		case resp := <-ch:
			if resp.cseqNo != n {
				return
			}
			if resp.statusCode == 200 {
				d.publish(sipiface.DialogEvent{State: sipiface.DialogActive, StatusCode: 200})
			} else {
				d.publish(sipiface.DialogEvent{State: sipiface.DialogFail, StatusCode: resp.statusCode, Reason: resp.reason})
			}
		case <-time.After(10 * time.Second):
			d.publish(sipiface.DialogEvent{State: sipiface.DialogFail, StatusCode: 408, Reason: "Request Timeout"})
		}
	}()
	return d.tr.Send(req)
}

// Events returns the channel dialog state changes are delivered on.
func (d *Dialog) Events() <-chan sipiface.DialogEvent { return d.events }

func (d *Dialog) publish(ev sipiface.DialogEvent) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	if ev.State == sipiface.DialogBye || ev.State == sipiface.DialogFail {
		d.done = true
	}
	d.mu.Unlock()
	select {
	case d.events <- ev:
	default:
		wiretrace.WARN("sipcore: dropped dialog event %s for %s, inbox full\n", ev.State, d.callID)
	}
}

func (d *Dialog) buildRequest(method string, cseq uint32, body, contentType string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s SIP/2.0\r\n", method, d.peerURI)
	fmt.Fprintf(&b, "Via: SIP/2.0/UDP %s;branch=%s\r\n", d.localURI, newBranch())
	b.WriteString("Max-Forwards: 70\r\n")
	fmt.Fprintf(&b, "From: <%s>;tag=%s\r\n", d.localURI, d.fromTag)
	fmt.Fprintf(&b, "To: <%s>\r\n", d.peerURI)
	fmt.Fprintf(&b, "Call-ID: %s\r\n", d.callID)
	fmt.Fprintf(&b, "CSeq: %d %s\r\n", cseq, method)
	fmt.Fprintf(&b, "Contact: <%s>\r\n", d.localURI)
	if contentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.WriteString(body)
	return []byte(b.String())
}

func (d *Dialog) buildResponse(code int, reason string, cseq uint32) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "SIP/2.0 %d %s\r\n", code, reason)
	fmt.Fprintf(&b, "From: <%s>\r\n", d.peerURI)
	fmt.Fprintf(&b, "To: <%s>;tag=%s\r\n", d.localURI, d.fromTag)
	fmt.Fprintf(&b, "Call-ID: %s\r\n", d.callID)
	fmt.Fprintf(&b, "CSeq: %d INVITE\r\n", cseq)
	b.WriteString("Content-Length: 0\r\n\r\n")
	return []byte(b.String())
}

func insertHeader(req []byte, name, value string) []byte {
	sep := []byte("\r\n\r\n")
	idx := strings.Index(string(req), "\r\n\r\n")
	if idx < 0 {
		return req
	}
	hdr := fmt.Sprintf("%s: %s\r\n", name, value)
	out := make([]byte, 0, len(req)+len(hdr))
	out = append(out, req[:idx]...)
	out = append(out, []byte(hdr)...)
	out = append(out, req[idx:idx+len(sep)]...)
	out = append(out, req[idx+len(sep):]...)
	return out
}

// buildSDP produces a minimal offer naming each codec as a dynamic RTP
// payload type, enough for the proxy/media core to pick one; actual
// media negotiation detail is the SIP core's concern, out of scope
// here (spec.md §1's SIP dialog machinery boundary).
func buildSDP(codecs []string) string {
	var b strings.Builder
	b.WriteString("v=0\r\no=l3ctl 0 0 IN IP4 0.0.0.0\r\ns=-\r\nc=IN IP4 0.0.0.0\r\nt=0 0\r\n")
	pts := make([]string, len(codecs))
	for i := range codecs {
		pts[i] = fmt.Sprintf("%d", 96+i)
	}
	fmt.Fprintf(&b, "m=audio 0 RTP/AVP %s\r\n", strings.Join(pts, " "))
	for i, c := range codecs {
		fmt.Fprintf(&b, "a=rtpmap:%d %s/8000\r\n", 96+i, c)
	}
	return b.String()
}
