package sms

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/radio"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
)

type fakeMTSender struct {
	establishErr error
	established  bool
	sendErr      error
	sent         bool
	acked        bool
}

func (f *fakeMTSender) RequestSAPI3Establish() error {
	f.established = true
	return f.establishErr
}
func (f *fakeMTSender) SendCPDataRPData(ti identity.TI, payload []byte) error {
	f.sent = true
	return f.sendErr
}
func (f *fakeMTSender) SendCPAck(ti identity.TI) error { f.acked = true; return nil }

func newMTSMSTran() *transaction.Transaction {
	return transaction.New(1, nil, func(timers.ID, timers.NextState) {})
}

func TestMTSMSEstablishFailureQuitsTran(t *testing.T) {
	sender := &fakeMTSender{establishErr: errors.New("lapdm busy")}
	m := NewMTSMS(sender, []byte("payload"))
	tr := newMTSMSTran()
	tr.Push(m)

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.Equal(t, termcause.NetworkFailure, tr.Cause.Cause())
}

func TestMTSMSHappyPath(t *testing.T) {
	sender := &fakeMTSender{}
	m := NewMTSMS(sender, []byte("payload"))
	tr := newMTSMSTran()
	tr.Push(m)

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.established)

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputPrimitive, PrimitiveValue: uint8(radio.EstablishConfirm)})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.sent)

	cpAck := l3codec.Message{Tag: l3codec.TagCPAck}
	status = tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: cpAck})
	require.Equal(t, transaction.StatusOK, status)

	cpData := l3codec.Message{Tag: l3codec.TagCPData}
	status = tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: cpData})
	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.True(t, sender.acked)
	assert.Equal(t, termcause.SMSSuccess, tr.Cause.Cause())
}

func TestMTSMSRPErrorSetsFailureCause(t *testing.T) {
	sender := &fakeMTSender{}
	m := NewMTSMS(sender, []byte("payload"))
	tr := newMTSMSTran()
	tr.Push(m)

	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputPrimitive, PrimitiveValue: uint8(radio.EstablishConfirm)})
	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: l3codec.Message{Tag: l3codec.TagCPAck}})

	cpData := l3codec.Message{Tag: l3codec.TagCPData, RPError: true}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: cpData})
	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.True(t, sender.acked)
	assert.Equal(t, termcause.NetworkFailure, tr.Cause.Cause())
}

func TestMTSMSTimeoutDuringParsingAckQuitsTran(t *testing.T) {
	sender := &fakeMTSender{}
	m := NewMTSMS(sender, []byte("payload"))
	tr := newMTSMSTran()
	tr.Push(m)

	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputPrimitive, PrimitiveValue: uint8(radio.EstablishConfirm)})

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputTimer, Timer: timers.TR2M})
	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.Equal(t, termcause.NetworkFailure, tr.Cause.Cause())
}
