package sms

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/procedures/identify"
	"github.com/rangetel/l3ctl/internal/sipiface"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
)

type fakeMOSender struct {
	accepted, rejected bool
	rejectCause        uint8
	cpAcked            bool
	rpAcked            bool
	rpErrored          bool
	rpRef              uint8
	rpErrCause         uint8
}

func (f *fakeMOSender) SendCMServiceAccept(identity.TI) error { f.accepted = true; return nil }
func (f *fakeMOSender) SendCMServiceReject(cause uint8) error {
	f.rejected = true
	f.rejectCause = cause
	return nil
}
func (f *fakeMOSender) SendCPAck(identity.TI) error { f.cpAcked = true; return nil }
func (f *fakeMOSender) SendCPDataRPAck(ti identity.TI, rpRef uint8) error {
	f.rpAcked = true
	f.rpRef = rpRef
	return nil
}
func (f *fakeMOSender) SendCPDataRPError(ti identity.TI, rpRef uint8, cause uint8) error {
	f.rpErrored = true
	f.rpRef = rpRef
	f.rpErrCause = cause
	return nil
}

type fakeMODialog struct{}

func (d *fakeMODialog) StartInvite(calledBCD, callingBCD string, codecs []string) error { return nil }
func (d *fakeMODialog) Reply(code int, reason string) error                            { return nil }
func (d *fakeMODialog) Bye(reasonHeader string) error                                  { return nil }
func (d *fakeMODialog) Cancel() error                                                  { return nil }
func (d *fakeMODialog) Refer(target string) error                                      { return nil }
func (d *fakeMODialog) Info(digits string) error                                       { return nil }
func (d *fakeMODialog) SendMessage(body, contentType string) error                     { return nil }
func (d *fakeMODialog) Events() <-chan sipiface.DialogEvent                            { return nil }

type fakeMODialogStarter struct {
	err  error
	text string
}

func (f *fakeMODialogStarter) StartSMSDialog(t *transaction.Transaction, text, contentType string) (sipiface.SipDialog, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.text = text
	return &fakeMODialog{}, nil
}

type fakeAttacher struct{ imsi string }

func (f *fakeAttacher) AttachUser(imsi string) { f.imsi = imsi }

func newSMSTran() *transaction.Transaction {
	return transaction.New(1, nil, func(timers.ID, timers.NextState) {})
}

func TestMOSMSRejectsUnauthorizedIdentity(t *testing.T) {
	sender := &fakeMOSender{}
	m := NewMOSMS(sender, &fakeMODialogStarter{}, &fakeAttacher{}, "text/plain")
	tr := newSMSTran()
	tr.Push(m)

	tr.Sub = &identify.Result{Authorized: false}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.True(t, sender.rejected)
}

func TestMOSMSHappyPathAcksThenAttachesUser(t *testing.T) {
	sender := &fakeMOSender{}
	dialogs := &fakeMODialogStarter{}
	attacher := &fakeAttacher{}
	m := NewMOSMS(sender, dialogs, attacher, "text/plain")
	tr := newSMSTran()
	tr.Push(m)

	tr.Sub = &identify.Result{Authorized: true, IMSI: "001010000000099"}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	require.Equal(t, transaction.StatusOK, status)
	require.True(t, sender.accepted)

	cpData := l3codec.Message{Tag: l3codec.TagCPData, RPRef: 7, RPPayload: []byte("hello")}
	status = tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: cpData})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.cpAcked)
	assert.Equal(t, "hello", dialogs.text)
	require.NotNil(t, tr.Dialog)

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputDialogEvent, Dialog: sipiface.DialogEvent{State: sipiface.DialogActive}})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.rpAcked)
	assert.Equal(t, uint8(7), sender.rpRef)

	cpAck := l3codec.Message{Tag: l3codec.TagCPAck}
	status = tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: cpAck})
	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.Equal(t, "001010000000099", attacher.imsi)
}

func TestMOSMSDialogFailureSendsRPError(t *testing.T) {
	sender := &fakeMOSender{}
	m := NewMOSMS(sender, &fakeMODialogStarter{}, &fakeAttacher{}, "text/plain")
	tr := newSMSTran()
	tr.Push(m)

	tr.Sub = &identify.Result{Authorized: true}
	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputNone})

	cpData := l3codec.Message{Tag: l3codec.TagCPData, RPRef: 3}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: cpData})
	require.Equal(t, transaction.StatusOK, status)

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputDialogEvent, Dialog: sipiface.DialogEvent{State: sipiface.DialogFail}})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.rpErrored)
	assert.Equal(t, uint8(3), sender.rpRef)
}

func TestMOSMSStartDialogErrorQuitsWithRPError(t *testing.T) {
	sender := &fakeMOSender{}
	m := NewMOSMS(sender, &fakeMODialogStarter{err: errors.New("no SIP socket")}, &fakeAttacher{}, "text/plain")
	tr := newSMSTran()
	tr.Push(m)

	tr.Sub = &identify.Result{Authorized: true}
	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputNone})

	cpData := l3codec.Message{Tag: l3codec.TagCPData, RPRef: 9}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: cpData})
	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.True(t, sender.rpErrored)
	assert.Nil(t, tr.Dialog)
}
