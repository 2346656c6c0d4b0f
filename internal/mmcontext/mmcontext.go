// Package mmcontext implements spec.md §4.3's MMContext: the
// per-radio-channel set of seven transaction slots. Grounded on
// calltr/hash.go's bucket-indexed collection shape (a fixed small
// array instead of a hash bucket, since spec.md §3 fixes the slot
// enumeration at exactly seven members) and on calltr/state_machine.go
// for the dispatch-key derivation dispatchFrame performs.
package mmcontext

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/radio"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

// Slot is the fixed enumeration spec.md §3 requires: "array of seven
// transaction slots, indexed by a fixed enumeration {MM, CS1, CSHold,
// MOSMS1, MOSMS2, MTSMS, SS}".
type Slot int

const (
	SlotMM Slot = iota
	SlotCS1
	SlotCSHold
	SlotMOSMS1
	SlotMOSMS2
	SlotMTSMS
	SlotSS
	numSlots
)

func (s Slot) String() string {
	switch s {
	case SlotMM:
		return "MM"
	case SlotCS1:
		return "CS1"
	case SlotCSHold:
		return "CSHold"
	case SlotMOSMS1:
		return "MOSMS1"
	case SlotMOSMS2:
		return "MOSMS2"
	case SlotMTSMS:
		return "MTSMS"
	case SlotSS:
		return "SS"
	default:
		return "unknown-slot"
	}
}

// MMUserHandle is the narrow surface MMContext needs from its attached
// MMUser: the back-pointer target and the queue-draining primitives
// mmCheckNewActivity uses. internal/mmuser.MMUser implements it; kept
// as an interface here purely to avoid mmcontext<->mmuser import
// cycles (MMUser.Context is itself an *MMContext).
type MMUserHandle interface {
	IMSI() string
	PopMTC() (*transaction.Transaction, bool)
	PopMTSMS() (*transaction.Transaction, bool)
	PopMTSS() (*transaction.Transaction, bool)
}

// PendingServiceRequest is a CMServiceRequest parked by the common
// pre-processing step until the next mmCheckNewActivity pass (spec.md
// §4.1's "enqueued on the context for the next mmCheckNewActivity()
// pass").
type PendingServiceRequest struct {
	ServiceType l3codec.CMServiceType
	Identity    identity.FullMobileId
}

// MMContext is spec.md §4.3's per-channel record.
type MMContext struct {
	mu sync.Mutex

	Channel  radio.L2LogicalChannel
	useCount int

	mmu MMUserHandle // nil until identified

	slots [numSlots]*transaction.Transaction

	tiAlloc *identity.TIAllocator

	pending []PendingServiceRequest

	OpenTime              time.Time
	TerminationRequested  bool
	TerminationCause      termcause.Cause
	HandoverPenaltyARFCN  uint16 // 0 = none
}

// New creates an MMContext over ch with use-count 1 and a randomized
// next-TI counter (spec.md §3 "next-TI counter initialised to a random
// 0-6").
func New(ch radio.L2LogicalChannel) *MMContext {
	return &MMContext{
		Channel:  ch,
		useCount: 1,
		tiAlloc:  identity.NewTIAllocator(uint8(rand.Intn(7))),
		OpenTime: time.Now(),
	}
}

// Slot returns the transaction currently occupying slot s, or nil.
func (c *MMContext) Slot(s Slot) *transaction.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[s]
}

// Install places t in slot s, enforcing spec.md §3's invariant "at most
// one transaction per slot"; it refuses (returning false) if the slot
// is already occupied by a live transaction.
func (c *MMContext) Install(s Slot, t *transaction.Transaction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[s] != nil {
		return false
	}
	c.slots[s] = t
	t.Ref()
	return true
}

// Vacate implements transaction.Owner: called by a Transaction's
// teCancel/teCloseCallNow to release its slot.
func (c *MMContext) Vacate(t *transaction.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		if c.slots[i] == t {
			c.slots[i] = nil
			if t.Unref() {
				transaction.Free(t)
			}
			if Slot(i) == SlotMOSMS1 && c.slots[SlotMOSMS2] != nil {
				// "When MOSMS1 is vacated, MOSMS2 is promoted to
				// MOSMS1" (spec.md §4.2).
				c.slots[SlotMOSMS1], c.slots[SlotMOSMS2] = c.slots[SlotMOSMS2], nil
			}
			return
		}
	}
}

// SlotFor returns the fixed slot a service type is assigned to per
// spec.md §4.2's table. ShortMessage additionally needs a vacancy
// check the caller performs (MOSMS1 else MOSMS2).
func SlotFor(svc transaction.ServiceType) Slot {
	switch svc {
	case transaction.SvcMOC, transaction.SvcMTC, transaction.SvcEmergency,
		transaction.SvcHandoverIn, transaction.SvcHandoverOut:
		return SlotCS1
	case transaction.SvcMOSMS:
		return SlotMOSMS1
	case transaction.SvcMTSMS:
		return SlotMTSMS
	case transaction.SvcLUR:
		return SlotMM
	case transaction.SvcSS:
		return SlotSS
	default:
		return SlotCS1
	}
}

// AllocTI hands out the next TI for a transaction being installed in
// this context (spec.md §4.2 "L3 TI management").
func (c *MMContext) AllocTI() (identity.TI, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inUse := func(ti identity.TI) bool {
		for _, t := range c.slots {
			if t != nil && t.TI.Value() == ti.Value() && t.TI.Assigned() {
				return true
			}
		}
		return false
	}
	return c.tiAlloc.Alloc(inUse)
}

// dispatchTarget decides which slot a frame belongs to, spec.md §4.3
// step 1. pd/mti are the masked dispatch key from radio.Frame.Key();
// ti is the TI carried by a parsed message, if any.
func (c *MMContext) dispatchTarget(pd, mti uint8, ti identity.TI, hasTI bool, isSetup bool) Slot {
	const (
		pdCC = 0x03
		pdMM = 0x05
		pdRR = 0x06
		pdSMS = 0x09
		pdSS = 0x0b
	)
	switch pd {
	case pdCC:
		if c.slots[SlotCS1] != nil {
			if isSetup {
				return SlotCS1
			}
			if hasTI && c.slots[SlotCS1].TI.Equal(ti) {
				return SlotCS1
			}
		}
		return SlotCS1
	case pdSMS:
		for _, s := range []Slot{SlotMOSMS1, SlotMOSMS2, SlotMTSMS} {
			if t := c.slots[s]; t != nil && hasTI && t.TI.Equal(ti) {
				return s
			}
		}
		// MO-SMS with TI not yet bound falls back to MOSMS1.
		return SlotMOSMS1
	case pdRR, pdMM:
		if c.slots[SlotMM] != nil {
			return SlotMM
		}
		for _, s := range []Slot{SlotCS1, SlotMOSMS1, SlotMTSMS} {
			if c.slots[s] != nil {
				return s
			}
		}
		return SlotMM
	case pdSS:
		for _, s := range []Slot{SlotCS1, SlotCSHold} {
			if t := c.slots[s]; t != nil && hasTI && t.TI.Equal(ti) {
				return s
			}
		}
		return SlotSS
	default:
		return SlotCS1
	}
}

// DispatchFrame implements spec.md §4.3's dispatchFrame: resolve the
// owning slot and drive its transaction's Dispatch. Returns false if
// the frame was logged and dropped (no live transaction for it).
func (c *MMContext) DispatchFrame(f radio.Frame, msg l3codec.Message, isSetup bool) bool {
	pd, mti := f.Key()
	c.mu.Lock()
	slot := c.dispatchTarget(pd, mti, msg.TI, msg.TI.Assigned(), isSetup)
	t := c.slots[slot]
	if t != nil {
		t.Ref()
	}
	c.mu.Unlock()
	if t == nil {
		wiretrace.WARN("mmcontext: no transaction for pd=%x mti=%x, dropping frame\n", pd, mti)
		return false
	}
	defer func() {
		if t.Unref() {
			transaction.Free(t)
		}
	}()
	in := transaction.Input{Kind: transaction.InputL3Message, MsgTag: uint8(msg.Tag), MsgValue: msg}
	t.Dispatch(in)
	return true
}

// EnqueueServiceRequest parks a CMServiceRequest for the next
// mmCheckNewActivity pass (spec.md §4.1).
func (c *MMContext) EnqueueServiceRequest(r PendingServiceRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, r)
}

// popServiceRequest drains the oldest pending request, if any.
func (c *MMContext) popServiceRequest() (PendingServiceRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return PendingServiceRequest{}, false
	}
	r := c.pending[0]
	c.pending = c.pending[1:]
	return r, true
}

// ActivityStarter is how mmCheckNewActivity hands a drained pending
// service request or MT queue item off to whatever starts the right
// procedure; internal/mmlayer wires concrete starters for each service
// type, again to avoid an import cycle into the procedures packages.
type ActivityStarter interface {
	StartMO(ctx *MMContext, req PendingServiceRequest)
	AttachMT(ctx *MMContext, slot Slot, t *transaction.Transaction)
}

// CheckNewActivity implements spec.md §4.3's mmCheckNewActivity,
// called on each service-loop pass.
func (c *MMContext) CheckNewActivity(starter ActivityStarter) {
	c.mu.Lock()
	mmBusy := c.slots[SlotMM] != nil
	cs1Free := c.slots[SlotCS1] == nil
	mtsmsFree := c.slots[SlotMTSMS] == nil
	ssFree := c.slots[SlotSS] == nil
	mmu := c.mmu
	c.mu.Unlock()

	if !mmBusy {
		if req, ok := c.popServiceRequest(); ok {
			starter.StartMO(c, req)
		}
	}

	if mmu != nil {
		if cs1Free {
			if t, ok := mmu.PopMTC(); ok {
				starter.AttachMT(c, SlotCS1, t)
			}
		}
		if mtsmsFree {
			if t, ok := mmu.PopMTSMS(); ok {
				starter.AttachMT(c, SlotMTSMS, t)
			}
		}
		if ssFree {
			if t, ok := mmu.PopMTSS(); ok {
				starter.AttachMT(c, SlotSS, t)
			}
		}
	}

	if c.allEmpty() && time.Since(c.OpenTime) > 5*time.Second {
		c.mu.Lock()
		c.TerminationRequested = true
		c.TerminationCause = termcause.NoTransactionExpected
		c.mu.Unlock()
	}
}

func (c *MMContext) allEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.slots {
		if t != nil {
			return false
		}
	}
	return true
}

// AttachedUser returns the currently linked MMUser handle, or nil.
func (c *MMContext) AttachedUser() MMUserHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mmu
}

// Link attaches mmu to this context, implementing spec.md §4.3's
// mmcLink: if the MMUser was attached elsewhere, the caller (MMLayer,
// which can see both contexts) is responsible for first moving
// transactions with MoveTransactionsFrom.
func (c *MMContext) Link(mmu MMUserHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mmu = mmu
}

// Unlink detaches the current MMUser, e.g. when the channel closes.
func (c *MMContext) Unlink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mmu = nil
}

// MoveTransactionsFrom implements spec.md §4.3's mmcMoveTransactions:
// for each slot, if this context's slot is empty and old's is
// occupied, rewire it here; collisions keep the newer transaction (the
// one already in this, the new, context) and let the old one's
// transaction die with its old channel.
func (c *MMContext) MoveTransactionsFrom(old *MMContext) {
	old.mu.Lock()
	defer old.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range old.slots {
		if t == nil {
			continue
		}
		if c.slots[i] != nil {
			wiretrace.WARN("mmcontext: slot %s collision during reassignment, leaving older transaction %d on its old channel\n",
				Slot(i), t.ID)
			continue
		}
		c.slots[i] = t
		old.slots[i] = nil
	}
}

// ReplaceChannel rewires the channel handle this context drives,
// implementing spec.md §4.8 step 5's "rewire the MMContext's channel
// pointer to the new channel". The old channel's own service loop
// observes the swap (by comparing against its own handle) and stops
// servicing this context.
func (c *MMContext) ReplaceChannel(ch radio.L2LogicalChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channel = ch
}

// IncUseCount/DecUseCount track spec.md §3's transient use-count=2
// during channel reassignment (internal/procedures/assigntch).
func (c *MMContext) IncUseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useCount++
	return c.useCount
}

func (c *MMContext) DecUseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useCount--
	return c.useCount
}

func (c *MMContext) UseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCount
}

// TerminationPending reports whether mmCheckNewActivity has flagged
// this context for teardown, and the cause to close out with. Callers
// (the channel service loop) must use this instead of reading
// TerminationRequested/TerminationCause directly, both of which are
// set under c.mu.
func (c *MMContext) TerminationPending() (bool, termcause.Cause) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.TerminationRequested, c.TerminationCause
}
