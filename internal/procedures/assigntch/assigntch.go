// Package assigntch implements spec.md §4.8's AssignTCHMachine: moving
// a transaction from its current (usually SDCCH) channel to a freshly
// allocated TCH/FACCH without losing the transaction or its SIP
// dialog. Grounded on calltr/state_machine.go's state-table dispatch,
// generalized the same way internal/procedures/lur and
// internal/procedures/identify are; the two-channel handoff itself has
// no teacher analog, since the teacher's own domain (SIP call
// tracking) never moves a call between transports mid-dialog.
package assigntch

import (
	"time"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/mmcontext"
	"github.com/rangetel/l3ctl/internal/radio"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

const (
	stateStart = iota
	stateAwaitEstablish
	stateAwaitComplete
)

// hardreleaseDelay is spec.md §4.8 step 5's "sleep 400ms before
// HARDRELEASE on the old channel to avoid a race with the MS still
// emitting frames there".
const hardreleaseDelay = 400 * time.Millisecond

// assignTimeout bounds how long the new channel is given to establish
// and complete the assignment before the attempt is abandoned (spec.md
// §4.8 step 6). GSM 04.08 names this T3101.
const assignTimeout = 5 * time.Second

// Sender is the downlink boundary this machine needs on the old
// channel: the L3AssignmentCommand that tells the MS where to retune.
type Sender interface {
	SendAssignmentCommand(ti identity.TI, desc radio.ChannelDescription, channelMode string) error
}

// Result is reported back via Transaction.Sub once the machine pops
// (spec.md §4.9's pattern, reused here): Success means the new channel
// is now installed on the MMContext and the old one is being released;
// otherwise the old channel remains and the caller must treat this as
// a failed assignment.
type Result struct {
	Success bool
}

// Machine implements transaction.Procedure. One Machine instance is
// constructed per assignment attempt (unlike LUR/identify, which are
// long-lived and reused across transactions) because it holds the
// specific old/new channel pair for this one reassignment.
type Machine struct {
	ctx    *mmcontext.MMContext
	alloc  radio.Allocator
	sender Sender

	oldChannel radio.L2LogicalChannel
	newChannel radio.L2LogicalChannel
}

// New constructs an assignment attempt against ctx's current channel.
func New(ctx *mmcontext.MMContext, alloc radio.Allocator, sender Sender) *Machine {
	return &Machine{ctx: ctx, alloc: alloc, sender: sender, oldChannel: ctx.Channel}
}

func (m *Machine) Name() string { return "AssignTCHMachine" }

func (m *Machine) Run(t *transaction.Transaction, state int, in transaction.Input) (int, transaction.Status) {
	switch state {
	case stateStart:
		return m.runStart(t)
	case stateAwaitEstablish:
		return m.runAwaitEstablish(t, in)
	case stateAwaitComplete:
		return m.runAwaitComplete(t, in)
	default:
		return state, transaction.StatusUnexpectedState
	}
}

// runStart implements steps 1-3: allocate the TCH, copy physical
// parameters, mark both channels mid-reassignment, and send the
// L3AssignmentCommand on the old channel.
func (m *Machine) runStart(t *transaction.Transaction) (int, transaction.Status) {
	ch, err := m.alloc.AllocateTCH()
	if err != nil {
		wiretrace.WARN("assigntch: TCH allocation failed for transaction %d: %v\n", t.ID, err)
		t.Sub = &Result{Success: false}
		return state0Pop()
	}
	ch.SetPhysical(m.oldChannel.Physical())
	m.newChannel = ch

	m.ctx.IncUseCount()

	desc := radio.ChannelDescription{ChannelType: radio.TCHFType}
	if err := m.sender.SendAssignmentCommand(t.TI, desc, "SpeechV1"); err != nil {
		wiretrace.ERR("assigntch: SendAssignmentCommand failed for transaction %d: %v\n", t.ID, err)
		m.ctx.DecUseCount()
		_ = m.newChannel.Hardrelease()
		t.Sub = &Result{Success: false}
		return state0Pop()
	}

	t.Timers.Arm(timers.T3101, assignTimeout, timers.NextState(stateAwaitEstablish))
	return stateAwaitEstablish, transaction.StatusOK
}

// runAwaitEstablish implements step 4: suspend SIP-message processing
// (the caller, MOC/MTC, does this by leaving AssignTCHMachine on top
// of the stack -- no SIP input reaches the procedure underneath until
// this one pops) and wait for EstablishIndication on the new channel.
func (m *Machine) runAwaitEstablish(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind == transaction.InputTimer && in.Timer == timers.T3101 {
		return m.fail(t)
	}
	if in.Kind != transaction.InputPrimitive || radio.Primitive(in.PrimitiveValue) != radio.EstablishIndication {
		// Any frame other than the expected primitive arriving here is
		// ignored per spec.md §4.8 step 6's "any frame other than
		// EstablishIndication/AssignmentComplete" rule -- it simply
		// does not advance the state.
		return stateAwaitEstablish, transaction.StatusOK
	}
	t.Timers.Arm(timers.T3101, assignTimeout, timers.NextState(stateAwaitComplete))
	return stateAwaitComplete, transaction.StatusOK
}

// runAwaitComplete implements the rest of step 4/5: on
// AssignmentComplete, rewire the MMContext's channel pointer and
// schedule the old channel's hard release.
func (m *Machine) runAwaitComplete(t *transaction.Transaction, in transaction.Input) (int, transaction.Status) {
	if in.Kind == transaction.InputTimer && in.Timer == timers.T3101 {
		return m.fail(t)
	}
	if in.Kind != transaction.InputL3Message {
		return stateAwaitComplete, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagAssignmentComplete {
		return stateAwaitComplete, transaction.StatusOK
	}
	t.Timers.Stop(timers.T3101)
	m.succeed(t)
	t.Sub = &Result{Success: true}
	return 0, transaction.StatusPopMachine
}

// succeed rewires the MMContext's channel pointer to the new channel
// and, 400ms later, hard-releases the old one (spec.md §4.8 step 5).
func (m *Machine) succeed(t *transaction.Transaction) {
	m.ctx.ReplaceChannel(m.newChannel)
	m.ctx.DecUseCount()
	old := m.oldChannel
	go func() {
		time.Sleep(hardreleaseDelay)
		if err := old.Hardrelease(); err != nil {
			wiretrace.WARN("assigntch: hardrelease of old channel failed: %v\n", err)
		}
	}()
}

// fail implements step 6's failure path: release the new channel, the
// old one remains untouched.
func (m *Machine) fail(t *transaction.Transaction) (int, transaction.Status) {
	m.ctx.DecUseCount()
	if m.newChannel != nil {
		_ = m.newChannel.Hardrelease()
	}
	t.Sub = &Result{Success: false}
	return 0, transaction.StatusPopMachine
}

func state0Pop() (int, transaction.Status) { return 0, transaction.StatusPopMachine }
