package mmcontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
)

func newCtx() *MMContext {
	return New(nil)
}

func newTran(id uint64, owner transaction.Owner) *transaction.Transaction {
	return transaction.New(id, owner, func(timers.ID, timers.NextState) {})
}

func TestSlotForMatchesTable(t *testing.T) {
	assert.Equal(t, SlotCS1, SlotFor(transaction.SvcMOC))
	assert.Equal(t, SlotCS1, SlotFor(transaction.SvcMTC))
	assert.Equal(t, SlotMOSMS1, SlotFor(transaction.SvcMOSMS))
	assert.Equal(t, SlotMTSMS, SlotFor(transaction.SvcMTSMS))
	assert.Equal(t, SlotMM, SlotFor(transaction.SvcLUR))
	assert.Equal(t, SlotSS, SlotFor(transaction.SvcSS))
}

func TestInstallRefusesOccupiedSlot(t *testing.T) {
	c := newCtx()
	tr1 := newTran(1, c)
	tr2 := newTran(2, c)
	require.True(t, c.Install(SlotCS1, tr1))
	assert.False(t, c.Install(SlotCS1, tr2))
	assert.Equal(t, tr1, c.Slot(SlotCS1))
}

func TestVacatePromotesMOSMS2(t *testing.T) {
	c := newCtx()
	tr1 := newTran(1, c)
	tr2 := newTran(2, c)
	require.True(t, c.Install(SlotMOSMS1, tr1))
	require.True(t, c.Install(SlotMOSMS2, tr2))

	tr1.Ref() // extra ref so Vacate's Unref doesn't free it from under the test
	c.Vacate(tr1)
	assert.Equal(t, tr2, c.Slot(SlotMOSMS1))
	assert.Nil(t, c.Slot(SlotMOSMS2))
	tr1.Unref()
}

func TestAllEmptyAfterAllVacated(t *testing.T) {
	c := newCtx()
	tr1 := newTran(1, c)
	require.True(t, c.Install(SlotSS, tr1))
	assert.False(t, c.allEmpty())
	tr1.Ref()
	c.Vacate(tr1)
	tr1.Unref()
	assert.True(t, c.allEmpty())
}
