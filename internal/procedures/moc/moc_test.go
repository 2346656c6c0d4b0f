package moc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/procedures/assigntch"
	"github.com/rangetel/l3ctl/internal/procedures/identify"
	"github.com/rangetel/l3ctl/internal/sipiface"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
)

type fakeSender struct {
	accepted, rejected             bool
	rejectCause                    uint8
	callProceeding, progress       bool
	alerting                       bool
	connect, disconnect, release   bool
	disconnectCause, releaseCause  uint8
}

func (f *fakeSender) SendCMServiceAccept(identity.TI) error { f.accepted = true; return nil }
func (f *fakeSender) SendCMServiceReject(cause uint8) error {
	f.rejected = true
	f.rejectCause = cause
	return nil
}
func (f *fakeSender) SendCallProceeding(identity.TI) error { f.callProceeding = true; return nil }
func (f *fakeSender) SendProgress(identity.TI) error       { f.progress = true; return nil }
func (f *fakeSender) SendAlerting(identity.TI, bool) error { f.alerting = true; return nil }
func (f *fakeSender) SendConnect(identity.TI) error        { f.connect = true; return nil }
func (f *fakeSender) SendDisconnect(ti identity.TI, cause uint8) error {
	f.disconnect = true
	f.disconnectCause = cause
	return nil
}
func (f *fakeSender) SendRelease(ti identity.TI, cause uint8) error {
	f.release = true
	f.releaseCause = cause
	return nil
}

type fakeAllocator struct{ ok bool }

func (f *fakeAllocator) AllocateIfNeeded() bool { return f.ok }

type fakeAssigner struct{ pushed *transaction.Transaction }

func (f *fakeAssigner) PushAssignTCH(t *transaction.Transaction) { f.pushed = t }

type fakeBridge struct{ started bool }

func (f *fakeBridge) StartBridge(t *transaction.Transaction) { f.started = true }

type fakeDialog struct {
	byeCalled    bool
	cancelCalled bool
}

func (d *fakeDialog) StartInvite(calledBCD, callingBCD string, codecs []string) error { return nil }
func (d *fakeDialog) Reply(code int, reason string) error                            { return nil }
func (d *fakeDialog) Bye(reasonHeader string) error                                   { d.byeCalled = true; return nil }
func (d *fakeDialog) Cancel() error                                                   { d.cancelCalled = true; return nil }
func (d *fakeDialog) Refer(target string) error                                       { return nil }
func (d *fakeDialog) Info(digits string) error                                        { return nil }
func (d *fakeDialog) SendMessage(body, contentType string) error                      { return nil }
func (d *fakeDialog) Events() <-chan sipiface.DialogEvent                             { return nil }

type fakeDialogStarter struct {
	dialog *fakeDialog
	err    error
}

func (f *fakeDialogStarter) StartDialog(t *transaction.Transaction, calledBCD, callingBCD string, codecs []string) (sipiface.SipDialog, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.dialog, nil
}

func newTran() *transaction.Transaction {
	return transaction.New(1, nil, func(timers.ID, timers.NextState) {})
}

func newMachine() (*Machine, *fakeSender, *fakeAllocator, *fakeAssigner, *fakeBridge, *fakeDialogStarter) {
	sender := &fakeSender{}
	alloc := &fakeAllocator{ok: true}
	assigner := &fakeAssigner{}
	bridge := &fakeBridge{}
	dialogs := &fakeDialogStarter{dialog: &fakeDialog{}}
	m := New(sender, alloc, assigner, bridge, dialogs, nil)
	return m, sender, alloc, assigner, bridge, dialogs
}

func driveThroughSetup(t *testing.T, tr *transaction.Transaction, m *Machine, sender *fakeSender) {
	// identify.Machine already popped; simulate its result.
	tr.Sub = &identify.Result{Authorized: true, IMSI: "001010000000099"}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	require.Equal(t, transaction.StatusOK, status)
	require.True(t, sender.accepted)

	setup := l3codec.Message{Tag: l3codec.TagSetup, CalledBCD: "5551234", CallingBCD: "5556789"}
	status = tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: setup})
	require.Equal(t, transaction.StatusOK, status)
}

func TestMOCRejectsUnauthorizedIdentity(t *testing.T) {
	m, sender, _, _, _, _ := newMachine()
	tr := newTran()
	tr.Push(m)

	tr.Sub = &identify.Result{Authorized: false}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.True(t, sender.rejected)
}

func TestMOCRejectsOnCongestion(t *testing.T) {
	sender := &fakeSender{}
	alloc := &fakeAllocator{ok: false}
	m := New(sender, alloc, &fakeAssigner{}, &fakeBridge{}, &fakeDialogStarter{dialog: &fakeDialog{}}, nil)
	tr := newTran()
	tr.Push(m)

	tr.Sub = &identify.Result{Authorized: true}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.True(t, sender.rejected)
}

func TestMOCHappyPathThroughActive(t *testing.T) {
	m, sender, _, assigner, bridge, dialogs := newMachine()
	tr := newTran()
	tr.Push(m)

	driveThroughSetup(t, tr, m, sender)
	require.True(t, sender.callProceeding)
	require.NotNil(t, assigner.pushed)
	require.NotNil(t, tr.Dialog)

	// AssignTCHMachine reports success via t.Sub.
	tr.Sub = &assigntch.Result{Success: true}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputNone})
	require.Equal(t, transaction.StatusOK, status)

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputDialogEvent, Dialog: sipiface.DialogEvent{State: sipiface.DialogRinging}})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.alerting)

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputDialogEvent, Dialog: sipiface.DialogEvent{State: sipiface.DialogActive}})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.connect)
	assert.Equal(t, transaction.ConnectIndication, tr.State)

	connAck := l3codec.Message{Tag: l3codec.TagConnectAcknowledge}
	status = tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: connAck})
	require.Equal(t, transaction.StatusOK, status)
	assert.Equal(t, transaction.Active, tr.State)
	assert.True(t, bridge.started)
}

func TestMOCSIPByeDuringCallSendsDisconnectDownlink(t *testing.T) {
	m, sender, _, _, _, _ := newMachine()
	tr := newTran()
	tr.Push(m)
	driveThroughSetup(t, tr, m, sender)
	tr.Sub = &assigntch.Result{Success: true}
	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputNone})

	status := tr.Dispatch(transaction.Input{Kind: transaction.InputDialogEvent, Dialog: sipiface.DialogEvent{State: sipiface.DialogBye}})
	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.True(t, sender.disconnect)
}

func TestMOCMSInitiatedDisconnectWaitsForReleaseComplete(t *testing.T) {
	m, sender, _, _, _, _ := newMachine()
	tr := newTran()
	tr.Push(m)
	driveThroughSetup(t, tr, m, sender)
	tr.Sub = &assigntch.Result{Success: true}
	_ = tr.Dispatch(transaction.Input{Kind: transaction.InputNone})

	disc := l3codec.Message{Tag: l3codec.TagDisconnect, CauseValue: 16}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: disc})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.release)
	// The GSM leg is already fully signalled by RELEASE; the downlink
	// Disconnect path must not also fire.
	assert.False(t, sender.disconnect)

	relComplete := l3codec.Message{Tag: l3codec.TagReleaseComplete}
	status = tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: relComplete})
	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.False(t, sender.disconnect)
}
