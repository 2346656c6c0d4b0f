// Package handover implements spec.md §4.12's three handover pieces:
// outbound (outbound.go), inbound (inbound.go), and the measurement-
// driven neighbor selection that triggers an outbound attempt (this
// file). Grounded on internal/procedures/assigntch's shape for the
// two-channel state machines; selection itself has no teacher analog
// (calltr never ranks candidate transports), so it is built directly
// from spec.md's step list.
package handover

import (
	"sync"
	"time"

	"github.com/rangetel/l3ctl/internal/l3codec"
)

// Neighbor identifies a candidate cell by its broadcast identity.
type Neighbor struct {
	ARFCN uint16
	BSIC  uint8
}

// Selector implements spec.md §4.12's Selection: apply the margin/
// holdoff/penalty rules to a measurement report and decide whether
// (and where) to hand over. Reports are not accumulated: each Evaluate
// call sees only the batch it is given, and the only state kept across
// calls is the per-neighbor penalty map.
type Selector struct {
	mu             sync.Mutex
	marginDB       int
	holdoff        time.Duration
	failureHoldoff time.Duration
	penalties      map[Neighbor]time.Time
}

// NewSelector builds a Selector from the GSM.Handover.* config keys
// (margin in dB, holdoff/failure-holdoff as durations).
func NewSelector(marginDB int, holdoff, failureHoldoff time.Duration) *Selector {
	return &Selector{
		marginDB:       marginDB,
		holdoff:        holdoff,
		failureHoldoff: failureHoldoff,
		penalties:      make(map[Neighbor]time.Time),
	}
}

// Penalize arms a fresh holdoff timer against n, implementing spec.md
// §4.12's "on negative peer response apply a fresh penalty timer to
// that neighbor".
func (s *Selector) Penalize(n Neighbor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.penalties[n] = time.Now().Add(s.failureHoldoff)
}

func (s *Selector) penalized(n Neighbor) bool {
	until, ok := s.penalties[n]
	return ok && time.Now().Before(until)
}

// Evaluate implements spec.md §4.12's HandoverDetermination: given the
// serving channel's current RxLev, how long the transaction has been
// active, whether the subscriber carries an IMSI (an emergency call
// with no identity can never be handed over, spec.md §4.12), and the
// latest measurement-report batch, it returns the best eligible
// neighbor and whether one was found at all.
func (s *Selector) Evaluate(servingRxLev int8, activeSince time.Time, hasIMSI bool, report []l3codec.NeighborMeasurement) (Neighbor, bool) {
	if !hasIMSI {
		return Neighbor{}, false
	}
	if time.Since(activeSince) < s.holdoff {
		return Neighbor{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Neighbor
	var bestLev int8
	found := false
	for _, m := range report {
		n := Neighbor{ARFCN: m.ARFCN, BSIC: m.BSIC}
		if s.penalized(n) {
			continue
		}
		if int(m.RxLev)-int(servingRxLev) < s.marginDB {
			continue
		}
		if !found || m.RxLev > bestLev {
			best, bestLev, found = n, m.RxLev, true
		}
	}
	return best, found
}
