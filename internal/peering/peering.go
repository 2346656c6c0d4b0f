// Package peering implements spec.md §6's inter-BTS peering boundary:
// small UDP messages carrying a handover request/response pair, signed
// with github.com/golang-jwt/jwt/v5 so a neighbor BTS cannot be spoofed
// into accepting or redirecting a handover. Grounded on
// sipiface.Registrar's request/response shape (internal/sipiface.go)
// for the message pair itself; the JWT signing wraps whatever payload
// is given the way a bearer token wraps an API call, repurposed here
// for datagram authentication instead of HTTP auth.
package peering

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxDatagram bounds a single UDP peering message (spec.md §6 "small
// UDP messages").
const maxDatagram = 2048

// Request is sendHandoverRequest's payload.
type Request struct {
	IMSI          string `json:"imsi"`
	TransactionID uint64 `json:"tran_id"`
	ARFCN         uint16 `json:"arfcn"`
	BSIC          uint8  `json:"bsic"`
	DialogID      string `json:"dialog_id"`
	RemoteURI     string `json:"remote_uri"`
}

// Response is what the neighbor BTS answers with: either acceptance
// carrying the hex-encoded L3HandoverCommand and a SIP REFER target,
// or sendHandoverFailure's RRCause/holdoff pair.
type Response struct {
	Accepted      bool   `json:"accepted"`
	CommandHex    string `json:"command_hex,omitempty"`
	ReferTarget   string `json:"refer_target,omitempty"`
	RRCause       uint8  `json:"rr_cause,omitempty"`
	HoldoffMillis int    `json:"holdoff_ms,omitempty"`
}

type claims struct {
	jwt.RegisteredClaims
	Payload json.RawMessage `json:"pld"`
}

// Signer signs and verifies the JWT envelope carrying a Request or
// Response over the wire.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSigner builds a Signer with an HMAC secret shared between peering
// BTSes and issuer, the local BTS's identity (spec.md's
// GSM.Identity.ShortName is a natural fit).
func NewSigner(secret []byte, issuer string) *Signer {
	return &Signer{secret: secret, issuer: issuer, ttl: 5 * time.Second}
}

// Sign wraps payload in a short-lived JWT.
func (s *Signer) Sign(payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("peering: marshal: %w", err)
	}
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Payload: raw,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

// Verify checks tokenStr's signature and expiry, then unmarshals its
// payload into out.
func (s *Signer) Verify(tokenStr string, out interface{}) error {
	var c claims
	tok, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("peering: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return fmt.Errorf("peering: verify: %w", err)
	}
	if !tok.Valid {
		return fmt.Errorf("peering: invalid token")
	}
	return json.Unmarshal(c.Payload, out)
}

// Client sends signed handover requests to neighbor BTSes over UDP.
type Client struct {
	signer  *Signer
	conn    *net.UDPConn
	timeout time.Duration
}

// Dial opens a Client bound to an ephemeral local UDP port.
func Dial(signer *Signer, timeout time.Duration) (*Client, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("peering: dial: %w", err)
	}
	return &Client{signer: signer, conn: conn, timeout: timeout}, nil
}

// Close releases the client's socket.
func (c *Client) Close() error { return c.conn.Close() }

// RequestHandover sends req to peerAddr and blocks for its signed
// Response, implementing spec.md §6's sendHandoverRequest round trip.
func (c *Client) RequestHandover(peerAddr string, req Request) (Response, error) {
	addr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return Response{}, fmt.Errorf("peering: resolve %s: %w", peerAddr, err)
	}
	tok, err := c.signer.Sign(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := c.conn.WriteToUDP([]byte(tok), addr); err != nil {
		return Response{}, fmt.Errorf("peering: send to %s: %w", peerAddr, err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	buf := make([]byte, maxDatagram)
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return Response{}, fmt.Errorf("peering: read from %s: %w", peerAddr, err)
	}
	var resp Response
	if err := c.signer.Verify(string(buf[:n]), &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Server listens for inbound handover requests (BS2's side) and hands
// each one to handler, replying with whatever Response it returns.
type Server struct {
	signer  *Signer
	conn    *net.UDPConn
	handler func(Request) Response
}

// Listen binds a Server to addr.
func Listen(addr string, signer *Signer, handler func(Request) Response) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("peering: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("peering: listen %s: %w", addr, err)
	}
	return &Server{signer: signer, conn: conn, handler: handler}, nil
}

// Close releases the server's socket.
func (s *Server) Close() error { return s.conn.Close() }

// Serve blocks, answering inbound peering datagrams until the socket
// is closed.
func (s *Server) Serve() error {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		var req Request
		if err := s.signer.Verify(string(buf[:n]), &req); err != nil {
			continue
		}
		resp := s.handler(req)
		tok, err := s.signer.Sign(resp)
		if err != nil {
			continue
		}
		_, _ = s.conn.WriteToUDP([]byte(tok), from)
	}
}
