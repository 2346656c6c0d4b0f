package lur

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangetel/l3ctl/internal/config"
	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/sipiface"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/tmsi"
	"github.com/rangetel/l3ctl/internal/transaction"
)

type fakeSender struct {
	accepted bool
	rejected bool
	rejectCause uint8
}

func (f *fakeSender) SendIdentityRequest(identity.TI) error             { return nil }
func (f *fakeSender) SendAuthenticationRequest(identity.TI, string) error { return nil }
func (f *fakeSender) SendCipheringModeCommand(identity.TI, string) error { return nil }
func (f *fakeSender) SendLocationUpdatingReject(ti identity.TI, cause uint8) error {
	f.rejected = true
	f.rejectCause = cause
	return nil
}
func (f *fakeSender) SendLocationUpdatingAccept(identity.TI, uint32, bool) error {
	f.accepted = true
	return nil
}
func (f *fakeSender) SendMMInformation(identity.TI, string) error    { return nil }
func (f *fakeSender) SendWelcomeSMS(string, string, string) error { return nil }

type fakeRegistrar struct {
	result sipiface.RegistrarResult
	err    error
}

func (f *fakeRegistrar) Register(imsi, sres string) (sipiface.RegistrarResult, error) {
	return f.result, f.err
}

func newTestConfig(t *testing.T) *config.Store {
	path := filepath.Join(t.TempDir(), "l3ctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o644))
	store, err := config.Load(path)
	require.NoError(t, err)
	return store
}

const testYAML = `
Control.VEA: false
GSM.Cipher.Encrypt: false
Control.LUR:
  FailMode: NORMAL
  RegistrationMessageFrequency: NORMAL
`

func newTran() *transaction.Transaction {
	return transaction.New(1, nil, func(timers.ID, timers.NextState) {})
}

func TestLURAcceptsOnRegistrarSuccess(t *testing.T) {
	sender := &fakeSender{}
	reg := &fakeRegistrar{result: sipiface.RegistrarResult{Success: true}}
	tbl, err := tmsi.Open("")
	require.NoError(t, err)
	cfg := newTestConfig(t)

	m := New(sender, reg, tbl, cfg)
	tr := newTran()
	tr.Push(m)

	msg := l3codec.Message{Tag: l3codec.TagLocationUpdatingRequest, MobileID: identity.FullMobileId{IMSI: "001010000000099"}}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: msg})

	// A freshly-identified IMSI always gets a new TMSI, so Accept carries
	// it and LUR waits for TMSIReallocationComplete (or its timeout)
	// before quitting, per spec.md §4.5 LUFinish.
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.accepted)
	assert.False(t, sender.rejected)

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputTimer, Timer: timers.TMisc1})
	assert.Equal(t, transaction.StatusQuitTran, status)
}

func TestLURRejectsOnRegistrarFailure(t *testing.T) {
	sender := &fakeSender{}
	reg := &fakeRegistrar{result: sipiface.RegistrarResult{FailSIPCode: 404}}
	tbl, err := tmsi.Open("")
	require.NoError(t, err)
	cfg := newTestConfig(t)

	m := New(sender, reg, tbl, cfg)
	tr := newTran()
	tr.Push(m)

	msg := l3codec.Message{Tag: l3codec.TagLocationUpdatingRequest, MobileID: identity.FullMobileId{IMSI: "001010000000098"}}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: msg})

	assert.Equal(t, transaction.StatusQuitTran, status)
	assert.True(t, sender.rejected)
	assert.False(t, sender.accepted)
}

func TestLURChallengeThenSuccess(t *testing.T) {
	sender := &fakeSender{}
	reg := &fakeRegistrar{result: sipiface.RegistrarResult{Challenge: true, RAND: "00112233445566778899aabbccddeeff"}}
	tbl, err := tmsi.Open("")
	require.NoError(t, err)
	cfg := newTestConfig(t)

	m := New(sender, reg, tbl, cfg)
	tr := newTran()
	tr.Push(m)

	msg := l3codec.Message{Tag: l3codec.TagLocationUpdatingRequest, MobileID: identity.FullMobileId{IMSI: "001010000000097"}}
	status := tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: msg})
	require.Equal(t, transaction.StatusOK, status)

	reg.result = sipiface.RegistrarResult{Success: true}
	authMsg := l3codec.Message{Tag: l3codec.TagAuthenticationResponse, RPPayload: []byte("sres")}
	status = tr.Dispatch(transaction.Input{Kind: transaction.InputL3Message, MsgValue: authMsg})
	require.Equal(t, transaction.StatusOK, status)
	assert.True(t, sender.accepted)

	status = tr.Dispatch(transaction.Input{Kind: transaction.InputTimer, Timer: timers.TMisc1})
	assert.Equal(t, transaction.StatusQuitTran, status)
}
