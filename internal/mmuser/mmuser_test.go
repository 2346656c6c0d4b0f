package mmuser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangetel/l3ctl/internal/mmcontext"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/transaction"
)

func newTran(id uint64) *transaction.Transaction {
	return transaction.New(id, nil, func(timers.ID, timers.NextState) {})
}

func TestEnqueueAndPopFIFO(t *testing.T) {
	u := New("001010000000001")
	t1 := newTran(1)
	t2 := newTran(2)
	u.EnqueueMTC(t1)
	u.EnqueueMTC(t2)

	got, ok := u.PopMTC()
	require.True(t, ok)
	assert.Equal(t, t1, got)

	got, ok = u.PopMTC()
	require.True(t, ok)
	assert.Equal(t, t2, got)

	_, ok = u.PopMTC()
	assert.False(t, ok)
}

func TestAttachLinksBothWays(t *testing.T) {
	u := New("001010000000002")
	ctx := mmcontext.New(nil)
	u.Attach(ctx)
	assert.True(t, u.Attached())
	assert.Equal(t, ctx, u.Context())
}

func TestPagingExpiry(t *testing.T) {
	u := New("001010000000003")
	u.SetPagingExpiry(10 * time.Millisecond)
	assert.False(t, u.PagingExpired(time.Now()))
	assert.True(t, u.PagingExpired(time.Now().Add(20*time.Millisecond)))
}

func TestShouldReap(t *testing.T) {
	u := New("001010000000004")
	assert.True(t, u.ShouldReap())
	u.EnqueueMTC(newTran(1))
	assert.False(t, u.ShouldReap())
	u.DrainAll(func(*transaction.Transaction) {})
	assert.True(t, u.ShouldReap())
}
