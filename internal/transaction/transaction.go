package transaction

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/sipiface"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

// Owner is the minimal back-reference a Transaction holds to the
// MMContext slot it occupies (spec.md §3 "back-pointer to the MMContext
// it belongs to, raw, non-owning"). Kept as an interface, not a
// concrete *mmcontext.MMContext, so that package does not have to
// import this one back.
type Owner interface {
	// Vacate is called once by teCloseCallNow/teCancel to tell the
	// owning slot this transaction is done; it must not block.
	Vacate(t *Transaction)
}

// Input is the tagged-union event a Procedure.Run is driven by,
// spec.md §4.1. Exactly one of the pointer/value fields is meaningful,
// selected by Kind -- the same "match on a tag instead of a
// dynamic_cast cascade" shape internal/l3codec.Message uses.
type Kind uint8

const (
	InputNone Kind = iota
	InputL3Message
	InputDialogEvent
	InputTimer
	InputHandoverCmd
	InputPrimitive
)

type Input struct {
	Kind Kind

	// InputL3Message
	MsgTag    uint8 // l3codec.Tag, kept untyped here to avoid an import cycle risk; procedures re-type it
	MsgValue  interface{}

	// InputPrimitive carries a raw radio.Primitive (kept as uint8 to
	// avoid this package importing internal/radio; procedures re-type
	// it). Used for the LAPDm establish/release primitives
	// AssignTCHMachine and the inbound-handover procedure wait on,
	// which are not L3 messages.
	PrimitiveValue uint8

	// InputDialogEvent
	Dialog sipiface.DialogEvent

	// InputTimer
	Timer timers.ID
}

// Procedure is one state machine pushed on a Transaction's stack,
// spec.md §4.1. Concrete procedures (lur.Start, moc.Machine, ...) live
// in internal/procedures/* and are constructed with whatever
// collaborators they need (registrar, radio channel, ...); only their
// Run method is visible here.
type Procedure interface {
	// Run advances the procedure one step for input in, given its
	// current sub-state. It returns the next sub-state (meaningful only
	// when Status is StatusOK) and a Status telling the Transaction what
	// to do with the stack.
	Run(t *Transaction, state int, in Input) (next int, status Status)
	// Name identifies the procedure for logging.
	Name() string
}

type frame struct {
	proc  Procedure
	state int
}

// Transaction is spec.md §3's per-procedure-instance record: one
// Transaction exists for the lifetime of one MOC/MTC/LUR/SMS/SS/
// handover procedure chain on a subscriber's channel. Shaped after
// calltr.CallEntry (refcounted, reset-but-keep-buffers, one timer set
// per entry) but carrying a procedure stack instead of a single SIP
// dialog state, since one GSM transaction can run several chained
// sub-procedures (e.g. LUStart -> LUAuthentication -> L3IdentifyMachine
// -> LUFinish).
type Transaction struct {
	mu sync.Mutex

	// Identity and classification.
	ID      uint64
	Subject identity.FullMobileId
	Service ServiceType
	State   CallState
	TI      identity.TI

	CalledBCD  string
	CallingBCD string
	CodecSet   []string

	Timers *timers.Set

	Dialog sipiface.SipDialog // nil until the SIP leg is started

	Cause termcause.TermCause

	ConnectTime time.Time

	// OnClose, if set by the running procedure, is invoked by
	// teCloseCallNow with the final cause before the SIP leg is torn
	// down, letting the procedure send the matching GSM-side
	// Release/Disconnect downlink (spec.md §4.2's
	// "teCloseCallNow(cause, sendCauseOnWire)"). teCancel never calls
	// this -- cancellation is the no-further-signalling path.
	OnClose func(cause termcause.TermCause)

	// Data is per-service-kind scratch state the top-level procedure
	// package stores its own struct in (e.g. *lur.state). Opaque to
	// Transaction itself.
	Data interface{}

	// Sub carries the result of whatever sub-procedure is currently
	// pushed above the top-level one (e.g. *identify.Result,
	// *assigntch.Result). Kept separate from Data so a pushed
	// sub-procedure's scratch state never clobbers its caller's: the
	// caller reads Sub once it observes StatusPopMachine, the way
	// spec.md §4.9/§4.8 describe a sub-machine reporting back.
	Sub interface{}

	stack []frame

	owner Owner

	refCnt  int32
	hashNo  uint32
}

const freeMarker = ^uint32(0) - 1

// StatCounter mirrors calltr.StatCounter: a plain uint64 updated with
// atomic ops, used for the allocation counters below.
type StatCounter uint64

func (c *StatCounter) Inc(v uint) uint64 { return atomic.AddUint64((*uint64)(c), uint64(v)) }
func (c *StatCounter) Dec(v uint) uint64 { return atomic.AddUint64((*uint64)(c), ^uint64(v-1)) }
func (c *StatCounter) Get() uint64       { return atomic.LoadUint64((*uint64)(c)) }

// AllocStats tracks live/freed Transaction counts, mirroring
// calltr.AllocStats; surfaced on the admin feed (internal/admin).
type AllocStats struct {
	NewCalls  StatCounter
	FreeCalls StatCounter
	Failures  StatCounter
}

var Stats AllocStats

// New allocates a Transaction and arms the finalizer bug-check
// calltr/alloc.go uses: a Transaction that reaches the garbage
// collector without having gone through Free first means some code
// path leaked a reference.
func New(id uint64, owner Owner, onFire func(timers.ID, timers.NextState)) *Transaction {
	Stats.NewCalls.Inc(1)
	t := &Transaction{
		ID:     id,
		owner:  owner,
		Timers: timers.NewSet(onFire),
		hashNo: 0,
	}
	runtime.SetFinalizer(t, func(c *Transaction) {
		if c.hashNo != freeMarker {
			wiretrace.BUG("Transaction %p id %d garbage collected without Free, refCnt %d\n",
				c, c.ID, atomic.LoadInt32(&c.refCnt))
		}
	})
	return t
}

// Ref increments the reference count, returning the new value.
func (t *Transaction) Ref() int32 { return atomic.AddInt32(&t.refCnt, 1) }

// Unref decrements the reference count; the caller must drop its
// pointer once this returns true, and the MMContext/MMUser slot that
// owns the last reference is responsible for calling Free.
func (t *Transaction) Unref() bool { return atomic.AddInt32(&t.refCnt, -1) == 0 }

// Free returns a Transaction's resources; it must not be called while
// any reference is outstanding (mirrors calltr.FreeCallEntry's panic
// check, downgraded to a BUG log since a BTS control process killing
// itself over one stray transaction is worse than logging and moving
// on).
func Free(t *Transaction) {
	Stats.FreeCalls.Inc(1)
	if v := atomic.LoadInt32(&t.refCnt); v != 0 {
		wiretrace.BUG("Free called for referenced Transaction %p id %d ref %d\n", t, t.ID, v)
		return
	}
	t.Timers.StopAll()
	id := t.ID
	owner := t.owner
	*t = Transaction{}
	t.ID = id
	t.owner = owner
	t.hashNo = freeMarker
}

// Push installs proc atop the procedure stack, starting it at state 0
// (spec.md §4.1's "chained sub-procedure" pattern: LUStart pushes
// L3IdentifyMachine, runs it to completion, then resumes at the state
// that follows).
func (t *Transaction) Push(proc Procedure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stack = append(t.stack, frame{proc: proc, state: 0})
}

// Pop discards the top procedure, returning false if the stack is
// already empty.
func (t *Transaction) Pop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.stack) == 0 {
		return false
	}
	t.stack = t.stack[:len(t.stack)-1]
	return true
}

// Top returns the name of the running procedure, or "" when the stack
// is empty.
func (t *Transaction) Top() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.stack) == 0 {
		return ""
	}
	return t.stack[len(t.stack)-1].proc.Name()
}

// Dispatch drives input in through the procedure on top of the stack,
// implementing spec.md §4.1's run(state, input) -> status contract and
// the 5-way status handling:
//
//   - StatusOK: the top frame's state is updated to next.
//   - StatusPopMachine: the top frame is discarded; if another frame
//     remains it resumes unchanged (its own Run is not re-invoked for
//     this input -- the caller re-dispatches on the next input).
//   - StatusQuitTran: teCancel runs and Dispatch reports it to the
//     caller so the owning MMContext slot is released.
//   - StatusQuitChannel: same, but the caller must also hard-release
//     the radio channel.
//   - StatusUnexpectedState: logged as a BUG; treated like QuitTran so
//     a wedged transaction cannot wedge its channel forever.
func (t *Transaction) Dispatch(in Input) Status {
	t.mu.Lock()
	if len(t.stack) == 0 {
		t.mu.Unlock()
		wiretrace.WARN("Dispatch: empty procedure stack for transaction %d\n", t.ID)
		return StatusQuitTran
	}
	top := &t.stack[len(t.stack)-1]
	proc, state := top.proc, top.state
	t.mu.Unlock()

	next, status := proc.Run(t, state, in)

	switch status {
	case StatusOK:
		t.mu.Lock()
		if len(t.stack) > 0 {
			t.stack[len(t.stack)-1].state = next
		}
		t.mu.Unlock()
	case StatusPopMachine:
		t.Pop()
	case StatusUnexpectedState:
		wiretrace.BUG("transaction %d: %s in unexpected state %d for input kind %d\n",
			t.ID, proc.Name(), state, in.Kind)
		status = StatusQuitTran
		fallthrough
	case StatusQuitTran, StatusQuitChannel:
		t.teCloseCallNow(t.Cause)
	}
	return status
}

// teCancel aborts the transaction immediately without attempting any
// further signalling on either leg: all timers are stopped (spec.md §8
// invariant 7, "no timer fires for it"), the SIP dialog if any is
// cancelled, and the owning slot is vacated.
func (t *Transaction) teCancel(cause termcause.TermCause) {
	t.mu.Lock()
	t.Cause = cause
	t.State = TranDeleted
	t.stack = nil
	t.mu.Unlock()
	t.Timers.StopAll()
	if d := t.Dialog; d != nil {
		_ = d.Cancel()
	}
	if t.owner != nil {
		t.owner.Vacate(t)
	}
}

// teCloseCallNow tears the transaction down after sending (or having
// already sent) a release on both legs, recording cause as the final
// TermCause (spec.md §4.13 "TermCause, decided once and reused for both
// the GSM release cause and the SIP response/BYE reason").
func (t *Transaction) teCloseCallNow(cause termcause.TermCause) {
	t.mu.Lock()
	if !t.Cause.IsEmpty() {
		cause = t.Cause // first cause wins
	}
	t.Cause = cause
	t.State = TranDeleted
	t.stack = nil
	onClose := t.OnClose
	t.mu.Unlock()
	if onClose != nil {
		onClose(cause)
	}
	t.Timers.StopAll()
	if d := t.Dialog; d != nil {
		_ = d.Bye(cause.ReasonHeader())
	}
	if t.owner != nil {
		t.owner.Vacate(t)
	}
}

// Cancel is the exported entry point owners use to abort a transaction
// from outside (e.g. MMContext reassigning a slot).
func (t *Transaction) Cancel(cause termcause.TermCause) { t.teCancel(cause) }

// CloseNow is the exported entry point for a graceful close.
func (t *Transaction) CloseNow(cause termcause.TermCause) { t.teCloseCallNow(cause) }
