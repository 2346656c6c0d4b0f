// Package sipcore implements the internal/sipiface boundary over real
// UDP SIP datagrams, built on github.com/intuitivelabs/sipsp's
// zero-copy message parser (parse_msg.go's ParseSIPMsg state machine,
// parse_fline.go's status-line parser, parse_cseq.go/parse_callid.go's
// header-body parsers, and parse_pai.go's P-Asserted-Identity
// extractor) to read inbound responses, and hand-built request
// templates to write outbound ones -- the library ships a parser, not
// a request builder. sipsp.ParseURI is reused to validate the
// Request-URI this package constructs before it is put on the wire,
// the same sanity check a SIP stack runs on outbound traffic.
package sipcore

import (
	"fmt"
	"math/rand"

	sipsp "github.com/intuitivelabs/sipsp"
)

// validateURI rejects a Request-URI this package is about to build a
// message around, using sipsp's own URI parser (sipuri.go) -- the
// same sanity check any SIP stack runs on outbound traffic before it
// reaches the wire.
func validateURI(uri string) error {
	var u sipsp.PsipURI
	if err, _ := sipsp.ParseURI(sipsp.SIPStr(uri), &u); err != sipsp.NoURIErr {
		return fmt.Errorf("sipcore: invalid URI %q: %w", uri, err)
	}
	return nil
}

// newTag returns a random dialog/From tag, RFC 3261 §19.3's
// recommendation of >=32 bits of randomness, hex-encoded the way
// sipsp's own branch parameters are (parse_headers.go's "z9hG4bK"
// branch prefix convention, mirrored here for the branch itself).
func newTag() string {
	return fmt.Sprintf("%08x%08x", rand.Uint32(), rand.Uint32())
}

func newBranch() string {
	return "z9hG4bK" + fmt.Sprintf("%08x%08x", rand.Uint32(), rand.Uint32())
}

func newCallID(localAddr string) string {
	return fmt.Sprintf("%08x%08x@%s", rand.Uint32(), rand.Uint32(), localAddr)
}
