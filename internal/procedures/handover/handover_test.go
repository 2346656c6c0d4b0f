package handover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/radio"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
)

func newHOTran() *transaction.Transaction {
	return transaction.New(1, nil, func(timers.ID, timers.NextState) {})
}

// --- Selector ---

func TestSelectorRefusesEmergencyCallWithNoIMSI(t *testing.T) {
	s := NewSelector(6, 0, time.Minute)
	_, ok := s.Evaluate(-80, time.Now().Add(-time.Hour), false, []l3codec.NeighborMeasurement{
		{ARFCN: 12, BSIC: 3, RxLev: -60},
	})
	assert.False(t, ok)
}

func TestSelectorRefusesDuringHoldoff(t *testing.T) {
	s := NewSelector(6, time.Minute, time.Minute)
	_, ok := s.Evaluate(-80, time.Now(), true, []l3codec.NeighborMeasurement{
		{ARFCN: 12, BSIC: 3, RxLev: -60},
	})
	assert.False(t, ok)
}

func TestSelectorPicksBestNeighborAboveMargin(t *testing.T) {
	s := NewSelector(6, 0, time.Minute)
	n, ok := s.Evaluate(-80, time.Now().Add(-time.Hour), true, []l3codec.NeighborMeasurement{
		{ARFCN: 10, BSIC: 1, RxLev: -76}, // only 4dB over, below margin
		{ARFCN: 12, BSIC: 3, RxLev: -60}, // 20dB over, best
		{ARFCN: 14, BSIC: 5, RxLev: -65}, // 15dB over
	})
	require.True(t, ok)
	assert.Equal(t, Neighbor{ARFCN: 12, BSIC: 3}, n)
}

func TestSelectorSkipsPenalizedNeighbor(t *testing.T) {
	s := NewSelector(6, 0, time.Minute)
	penalized := Neighbor{ARFCN: 12, BSIC: 3}
	s.Penalize(penalized)
	n, ok := s.Evaluate(-80, time.Now().Add(-time.Hour), true, []l3codec.NeighborMeasurement{
		{ARFCN: 12, BSIC: 3, RxLev: -60},
		{ARFCN: 14, BSIC: 5, RxLev: -65},
	})
	require.True(t, ok)
	assert.Equal(t, Neighbor{ARFCN: 14, BSIC: 5}, n)
}

// --- OutboundMachine ---

type fakePeer struct {
	res PeerResult
	err error
}

func (f *fakePeer) RequestHandover(t *transaction.Transaction, n Neighbor) (PeerResult, error) {
	return f.res, f.err
}

type fakeOutSender struct {
	sent    bool
	payload []byte
}

func (f *fakeOutSender) SendHandoverCommand(payload []byte) error {
	f.sent = true
	f.payload = payload
	return nil
}

func TestOutboundRefusedPenalizesAndRestoresActive(t *testing.T) {
	peer := &fakePeer{res: PeerResult{Accepted: false}}
	sender := &fakeOutSender{}
	sel := NewSelector(6, 0, time.Minute)
	n := Neighbor{ARFCN: 12, BSIC: 3}
	m := NewOutbound(peer, sender, sel, n, 5*time.Second)
	tr := newHOTran()
	tr.State = transaction.HandoverOutbound
	tr.Push(m)

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	assert.Equal(t, transaction.StatusPopMachine, status)
	assert.Equal(t, transaction.Active, tr.State)
	assert.False(t, sender.sent)
	assert.True(t, sel.penalized(n))
}

func TestOutboundTimeoutQuitsChannelWithHandoverCause(t *testing.T) {
	peer := &fakePeer{res: PeerResult{Accepted: true, Command: []byte{0x01, 0x02}, ReferTarget: "sip:neighbor@bs2"}}
	sender := &fakeOutSender{}
	m := NewOutbound(peer, sender, nil, Neighbor{ARFCN: 12, BSIC: 3}, 5*time.Second)
	tr := newHOTran()
	tr.Push(m)

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.sent)
	assert.Equal(t, []byte{0x01, 0x02}, sender.payload)

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputTimer, Timer: timers.THandoverComplete})
	assert.Equal(t, transaction.StatusQuitChannel, status)
	assert.Equal(t, termcause.HandoverOutbound, tr.Cause.Cause())
	assert.Nil(t, tr.Dialog)
}

func TestOutboundFrameBeforeTimeoutRestoresActive(t *testing.T) {
	peer := &fakePeer{res: PeerResult{Accepted: true, Command: []byte{0x01}}}
	sender := &fakeOutSender{}
	m := NewOutbound(peer, sender, nil, Neighbor{ARFCN: 12, BSIC: 3}, 5*time.Second)
	tr := newHOTran()
	tr.Push(m)
	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputNone})

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: l3codec.Message{Tag: l3codec.TagMeasurementReport}})
	assert.Equal(t, transaction.StatusPopMachine, status)
	assert.Equal(t, transaction.Active, tr.State)
}

// --- InboundMachine ---

type fakeHOChannel struct {
	phys radio.PhysicalParams
}

func (f *fakeHOChannel) Recv() (radio.Frame, error)                             { return radio.Frame{}, nil }
func (f *fakeHOChannel) Send(pd, mti uint8, sapi radio.SAPI, payload []byte) error { return nil }
func (f *fakeHOChannel) SendUnitData(pd, mti uint8, payload []byte) error       { return nil }
func (f *fakeHOChannel) Release(cause uint8) error                             { return nil }
func (f *fakeHOChannel) Hardrelease() error                                    { return nil }
func (f *fakeHOChannel) Type() radio.ChannelType                              { return radio.TCHFType }
func (f *fakeHOChannel) Physical() radio.PhysicalParams                       { return f.phys }
func (f *fakeHOChannel) SetPhysical(p radio.PhysicalParams)                   { f.phys = p }
func (f *fakeHOChannel) SendSpeechFrame(payload []byte) error                 { return nil }
func (f *fakeHOChannel) RecvSpeechFrame() ([]byte, bool, error)               { return nil, false, nil }

type fakeInSender struct {
	physInfoSent int
	disconnected bool
	released     bool
}

func (f *fakeInSender) SendPhysicalInformation(ta uint8) error { f.physInfoSent++; return nil }
func (f *fakeInSender) SendDisconnect(ti identity.TI, cause uint8) error {
	f.disconnected = true
	return nil
}
func (f *fakeInSender) SendRelease(ti identity.TI, cause uint8) error {
	f.released = true
	return nil
}

type fakeInBridge struct{ started bool }

func (f *fakeInBridge) StartBridge(t *transaction.Transaction) { f.started = true }

func TestInboundAbortsOnExcessiveTA(t *testing.T) {
	ch := &fakeHOChannel{phys: radio.PhysicalParams{TimingAdvance: 70}}
	sender := &fakeInSender{}
	bridge := &fakeInBridge{}
	m := NewInbound(ch, sender, bridge, 63, 5, time.Second)
	tr := newHOTran()
	tr.Push(m)

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputPrimitive, PrimitiveValue: uint8(radio.HandoverAccess)})
	assert.Equal(t, transaction.StatusQuitChannel, status)
	assert.Equal(t, termcause.HandoverImpossible, tr.Cause.Cause())
	assert.Equal(t, 0, sender.physInfoSent)
}

func TestInboundHappyPathStartsBridge(t *testing.T) {
	ch := &fakeHOChannel{phys: radio.PhysicalParams{TimingAdvance: 10}}
	sender := &fakeInSender{}
	bridge := &fakeInBridge{}
	m := NewInbound(ch, sender, bridge, 63, 5, time.Second)
	tr := newHOTran()
	tr.Push(m)

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputPrimitive, PrimitiveValue: uint8(radio.HandoverAccess)})
	require.Equal(t, transaction.StatusOK, status)
	assert.Equal(t, 1, sender.physInfoSent)

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputPrimitive, PrimitiveValue: uint8(radio.EstablishIndication)})
	require.Equal(t, transaction.StatusOK, status)
	assert.Equal(t, transaction.Active, tr.State)
	assert.True(t, bridge.started)
}

func TestInboundRetriesUpToNy1ThenAborts(t *testing.T) {
	ch := &fakeHOChannel{phys: radio.PhysicalParams{TimingAdvance: 10}}
	sender := &fakeInSender{}
	bridge := &fakeInBridge{}
	m := NewInbound(ch, sender, bridge, 63, 2, time.Second)
	tr := newHOTran()
	tr.Push(m)

	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputPrimitive, PrimitiveValue: uint8(radio.HandoverAccess)})
	require.Equal(t, 1, sender.physInfoSent)

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputTimer, Timer: timers.THandoverComplete})
	require.Equal(t, transaction.StatusOK, status)
	require.Equal(t, 2, sender.physInfoSent)

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputTimer, Timer: timers.THandoverComplete})
	assert.Equal(t, transaction.StatusQuitChannel, status)
	assert.Equal(t, termcause.HandoverImpossible, tr.Cause.Cause())
}

func TestInboundInCallDisconnectThenReleaseComplete(t *testing.T) {
	ch := &fakeHOChannel{phys: radio.PhysicalParams{TimingAdvance: 10}}
	sender := &fakeInSender{}
	bridge := &fakeInBridge{}
	m := NewInbound(ch, sender, bridge, 63, 5, time.Second)
	tr := newHOTran()
	tr.Push(m)
	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputPrimitive, PrimitiveValue: uint8(radio.HandoverAccess)})
	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputPrimitive, PrimitiveValue: uint8(radio.EstablishIndication)})

	disc := l3codec.Message{Tag: l3codec.TagDisconnect, CauseValue: 16}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: disc})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.released)

	relComplete := l3codec.Message{Tag: l3codec.TagReleaseComplete}
	status = tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: relComplete})
	assert.Equal(t, transaction.StatusQuitTran, status)
}
