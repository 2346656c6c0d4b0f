package rrlp

import (
	"context"
	"testing"
	"time"

	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	reply []byte
	more  bool
	err   error
}

func (f fakeServer) Exchange(ctx context.Context, imsi string, apdu []byte) ([]byte, bool, error) {
	return f.reply, f.more, f.err
}

type fakeSender struct {
	sent []byte
	ti   identity.TI
}

func (f *fakeSender) SendApplicationInformation(ti identity.TI, apdu []byte) error {
	f.ti = ti
	f.sent = apdu
	return nil
}

func TestForwardDeliversReplyWhenMoreIsTrue(t *testing.T) {
	srv := fakeServer{reply: []byte{0x01, 0x02}, more: true}
	fw := New(srv, time.Second)
	sender := &fakeSender{}
	tr := transaction.New(1, nil, nil)
	tr.TI = identity.TI(3)

	err := fw.Forward(tr, sender, "001010000000001", []byte{0xAA})
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, sender.sent)
}

func TestForwardSkipsSendWhenNoMoreRounds(t *testing.T) {
	srv := fakeServer{reply: []byte{0x01}, more: false}
	fw := New(srv, time.Second)
	sender := &fakeSender{}
	tr := transaction.New(2, nil, nil)

	err := fw.Forward(tr, sender, "001010000000001", []byte{0xAA})
	require.NoError(t, err)
	require.Nil(t, sender.sent)
}
