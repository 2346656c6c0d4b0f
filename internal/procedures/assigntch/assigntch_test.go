package assigntch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/mmcontext"
	"github.com/rangetel/l3ctl/internal/radio"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
)

type fakeChannel struct {
	typ         radio.ChannelType
	phys        radio.PhysicalParams
	hardreleased bool
}

func (f *fakeChannel) Recv() (radio.Frame, error)                          { return radio.Frame{}, nil }
func (f *fakeChannel) Send(pd, mti uint8, sapi radio.SAPI, payload []byte) error { return nil }
func (f *fakeChannel) SendUnitData(pd, mti uint8, payload []byte) error    { return nil }
func (f *fakeChannel) Release(cause uint8) error                          { return nil }
func (f *fakeChannel) Hardrelease() error                                 { f.hardreleased = true; return nil }
func (f *fakeChannel) Type() radio.ChannelType                            { return f.typ }
func (f *fakeChannel) Physical() radio.PhysicalParams                     { return f.phys }
func (f *fakeChannel) SetPhysical(p radio.PhysicalParams)                 { f.phys = p }
func (f *fakeChannel) SendSpeechFrame(payload []byte) error               { return nil }
func (f *fakeChannel) RecvSpeechFrame() ([]byte, bool, error)             { return nil, false, nil }

type fakeAllocator struct {
	ch  *fakeChannel
	err error
}

func (a *fakeAllocator) AllocateTCH() (radio.L2LogicalChannel, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.ch, nil
}

type fakeSender struct {
	sent bool
	err  error
}

func (f *fakeSender) SendAssignmentCommand(identity.TI, radio.ChannelDescription, string) error {
	f.sent = true
	return f.err
}

func newTran() *transaction.Transaction {
	return transaction.New(1, nil, func(timers.ID, timers.NextState) {})
}

func TestAssignTCHSuccess(t *testing.T) {
	oldCh := &fakeChannel{typ: radio.SDCCHType, phys: radio.PhysicalParams{TimingAdvance: 3}}
	ctx := mmcontext.New(oldCh)
	newCh := &fakeChannel{typ: radio.TCHFType}
	alloc := &fakeAllocator{ch: newCh}
	sender := &fakeSender{}

	m := New(ctx, alloc, sender)
	tr := newTran()
	tr.Push(m)

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.sent)
	assert.Equal(t, uint8(3), newCh.phys.TimingAdvance)
	assert.Equal(t, 2, ctx.UseCount())

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputPrimitive, PrimitiveValue: uint8(radio.EstablishIndication)})
	require.Equal(t, transaction.StatusOK, status)

	msg := l3codec.Message{Tag: l3codec.TagAssignmentComplete}
	status = tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: msg})
	require.Equal(t, transaction.StatusPopMachine, status)

	res, ok := tr.Sub.(*Result)
	require.True(t, ok)
	assert.True(t, res.Success)
	assert.Same(t, newCh, ctx.Channel)
	assert.Equal(t, 1, ctx.UseCount())
}

func TestAssignTCHAllocationFails(t *testing.T) {
	oldCh := &fakeChannel{typ: radio.SDCCHType}
	ctx := mmcontext.New(oldCh)
	alloc := &fakeAllocator{err: errors.New("congestion")}
	sender := &fakeSender{}

	m := New(ctx, alloc, sender)
	tr := newTran()
	tr.Push(m)

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	require.Equal(t, transaction.StatusPopMachine, status)

	res, ok := tr.Sub.(*Result)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.False(t, sender.sent)
	assert.Same(t, oldCh, ctx.Channel)
}

func TestAssignTCHTimeoutDuringEstablish(t *testing.T) {
	oldCh := &fakeChannel{typ: radio.SDCCHType}
	ctx := mmcontext.New(oldCh)
	newCh := &fakeChannel{typ: radio.TCHFType}
	alloc := &fakeAllocator{ch: newCh}
	sender := &fakeSender{}

	m := New(ctx, alloc, sender)
	tr := newTran()
	tr.Push(m)

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	require.Equal(t, transaction.StatusOK, status)

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputTimer, Timer: timers.T3101})
	require.Equal(t, transaction.StatusPopMachine, status)

	res, ok := tr.Sub.(*Result)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.True(t, newCh.hardreleased)
	assert.Equal(t, 1, ctx.UseCount())
}
