package sipcore

import (
	"fmt"
	"time"

	"github.com/rangetel/l3ctl/internal/sipiface"
)

// Registrar is the concrete sipiface.Registrar backing the LUR
// procedure's REGISTER round trip (spec.md §4.5/§6), built on the same
// Transport as Dialog so both share one UDP socket per SIP proxy.
type Registrar struct {
	tr       *Transport
	localURI string
	realm    string
	timeout  time.Duration
}

// NewRegistrar builds a Registrar addressing SIP.Proxy.Registration
// through tr, identifying itself as localURI within realm
// (SIP.Realm).
func NewRegistrar(tr *Transport, localURI, realm string) (*Registrar, error) {
	if err := validateURI(localURI); err != nil {
		return nil, err
	}
	return &Registrar{tr: tr, localURI: localURI, realm: realm, timeout: 6 * time.Second}, nil
}

// Register implements spec.md §4.5's L3RegisterMachine round trip: a
// bare REGISTER (sres=="") is the initial challenge-seeking attempt,
// a REGISTER with sres set carries the computed authentication
// response.
func (r *Registrar) Register(imsi, sres string) (sipiface.RegistrarResult, error) {
	callID := newCallID(r.localURI)
	aor := fmt.Sprintf("sip:%s@%s", imsi, r.realm)
	if err := validateURI(aor); err != nil {
		return sipiface.RegistrarResult{Error: true}, err
	}
	req := r.buildRegister(aor, callID, sres)
	ch, cancel := r.tr.await(callID)
	defer cancel()
	if err := r.tr.Send(req); err != nil {
		return sipiface.RegistrarResult{Error: true}, fmt.Errorf("sipcore: send REGISTER: %w", err)
	}
	select {
	case resp := <-ch:
		return r.classify(resp), nil
	case <-time.After(r.timeout):
		return sipiface.RegistrarResult{Error: true}, fmt.Errorf("sipcore: REGISTER timed out for %s", imsi)
	}
}

func (r *Registrar) classify(resp response) sipiface.RegistrarResult {
	switch {
	case resp.statusCode >= 200 && resp.statusCode < 300:
		return sipiface.RegistrarResult{
			Success:          true,
			Kc:               resp.challengeK,
			AssociatedURI:    resp.associated,
			AssertedIdentity: resp.assertedID,
		}
	case resp.statusCode == 401 && resp.challenge != "":
		return sipiface.RegistrarResult{Challenge: true, RAND: resp.challenge}
	case resp.statusCode == 0:
		return sipiface.RegistrarResult{Error: true}
	default:
		return sipiface.RegistrarResult{
			FailSIPCode:       resp.statusCode,
			FailExplicitCause: resp.rejectCause,
		}
	}
}

func (r *Registrar) buildRegister(aor, callID, sres string) []byte {
	body := ""
	if sres != "" {
		body = "X-SRES: " + sres + "\r\n"
	}
	return []byte(fmt.Sprintf(
		"REGISTER sip:%s SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP %s;branch=%s\r\n"+
			"Max-Forwards: 70\r\n"+
			"From: <%s>;tag=%s\r\n"+
			"To: <%s>\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: 1 REGISTER\r\n"+
			"Contact: <%s>\r\n"+
			"Expires: 3600\r\n"+
			"Content-Length: %d\r\n\r\n%s",
		r.realm, r.localURI, newBranch(), aor, newTag(), aor, callID, r.localURI, len(body), body))
}
