// Package timers implements TimerSet: spec.md's fixed map from a
// closed enumeration of GSM/SIP timer IDs to (deadline,
// next-state-on-expiry). Grounded on
// calltr/cstimer.go's time.AfterFunc-based CallEntry.Timer, generalized
// from the single implicit timer a CallEntry carries to the named,
// multi-timer set a Transaction needs (spec.md §3: "a TimerSet" per
// Transaction, up to the full closed ID list running concurrently).
package timers

import (
	"sync"
	"time"
)

// ID is one of the closed set of timer identifiers spec.md §3 lists.
type ID int

const (
	T301 ID = iota
	T302
	T303
	T304
	T305
	T308
	T310
	T313
	T3101
	T3113
	T3260
	T3270
	TR1M
	TR2M
	TCancel
	TMMCancel
	TMisc1
	THandoverComplete
	TSipHandover
	numTimerIDs
)

var idName = [numTimerIDs]string{
	T301: "T301", T302: "T302", T303: "T303", T304: "T304", T305: "T305",
	T308: "T308", T310: "T310", T313: "T313", T3101: "T3101", T3113: "T3113",
	T3260: "T3260", T3270: "T3270", TR1M: "TR1M", TR2M: "TR2M",
	TCancel: "TCancel", TMMCancel: "TMMCancel", TMisc1: "TMisc1",
	THandoverComplete: "THandoverComplete", TSipHandover: "TSipHandover",
}

func (i ID) String() string {
	if int(i) < 0 || int(i) >= int(numTimerIDs) {
		return "invalid-timer"
	}
	return idName[i]
}

// NextState is the state a procedure should resume in once a timer
// fires. A negative value encodes one of the special actions spec.md
// §3 describes.
type NextState int

const (
	// ActionAbortTran requests the owning Transaction be cancelled.
	ActionAbortTran NextState = -1
	// ActionAbortChannel requests the whole MMContext/channel be closed.
	ActionAbortChannel NextState = -2
)

// entry is one armed timer.
type entry struct {
	expire    time.Time
	handle    *time.Timer
	nextState NextState
	done      bool
}

// Set is a fixed map of timer ID to armed entry, one per Transaction.
// All methods are safe for concurrent use; a single mutex guards the
// whole set since at most one procedure runs against a transaction at
// a time (spec.md §4.1), so contention is never the reason for this
// lock's existence -- correctness under timer-callback/procedure races
// is.
type Set struct {
	mu      sync.Mutex
	entries map[ID]*entry
	onFire  func(ID, NextState)
}

// NewSet creates an empty TimerSet. onFire is invoked (from a separate
// goroutine, via time.AfterFunc) whenever an armed timer reaches its
// deadline without being stopped first.
func NewSet(onFire func(id ID, next NextState)) *Set {
	return &Set{entries: make(map[ID]*entry), onFire: onFire}
}

// Arm starts (or restarts) timer id, firing after d and resuming at
// next. Re-arming an already-running timer replaces it, as
// csTimerUpdateTimeoutUnsafe does for the single-timer case.
func (s *Set) Arm(id ID, d time.Duration, next NextState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && e.handle != nil {
		e.handle.Stop()
	}
	e := &entry{expire: time.Now().Add(d), nextState: next}
	e.handle = time.AfterFunc(d, func() { s.fire(id) })
	s.entries[id] = e
}

func (s *Set) fire(id ID) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.done {
		s.mu.Unlock()
		return
	}
	e.done = true
	next := e.nextState
	s.mu.Unlock()
	if s.onFire != nil {
		s.onFire(id, next)
	}
}

// Stop cancels timer id if armed. Returns true if it was running and
// was stopped before firing.
func (s *Set) Stop(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.done {
		return false
	}
	e.done = true
	if e.handle != nil {
		return e.handle.Stop()
	}
	return true
}

// StopAll cancels every armed timer in the set; it is called from
// Transaction.teCancel so that "after teCancel(c) returns ... no timer
// fires for it" (spec.md §8, invariant 7).
func (s *Set) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if !e.done {
			e.done = true
			if e.handle != nil {
				e.handle.Stop()
			}
		}
		delete(s.entries, id)
	}
}

// Running reports whether id is currently armed.
func (s *Set) Running(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && !e.done
}

// Remaining returns the time left until id fires, or 0 if not armed.
func (s *Set) Remaining(id ID) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.done {
		return 0
	}
	if d := time.Until(e.expire); d > 0 {
		return d
	}
	return 0
}
