package mmlayer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangetel/l3ctl/internal/mmcontext"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/tmsi"
	"github.com/rangetel/l3ctl/internal/transaction"
)

type recordingPager struct{ got []PagingEntry }

func (p *recordingPager) Page(entries []PagingEntry) { p.got = append(p.got, entries...) }

func newTran(id uint64) *transaction.Transaction {
	return transaction.New(id, nil, func(timers.ID, timers.NextState) {})
}

func TestAddMTCreatesUserAndPages(t *testing.T) {
	pager := &recordingPager{}
	l := New(mustOpenTable(t), pager, 5*time.Millisecond, time.Second)
	l.AddMT("001010000000001", transaction.SvcMTC, newTran(1))
	assert.Equal(t, 1, l.Count())

	l.pagingPass()
	require.Len(t, pager.got, 1)
	assert.Equal(t, "001010000000001", pager.got[0].IMSI)
}

func TestPageReceivedAttaches(t *testing.T) {
	pager := &recordingPager{}
	l := New(mustOpenTable(t), pager, time.Second, time.Second)
	l.AddMT("001010000000002", transaction.SvcMTC, newTran(2))

	ctx := mmcontext.New(nil)
	ok := l.PageReceived(ctx, "001010000000002", 0, false)
	assert.True(t, ok)
}

func TestPageReceivedUnknownImsiFails(t *testing.T) {
	l := New(mustOpenTable(t), &recordingPager{}, time.Second, time.Second)
	ctx := mmcontext.New(nil)
	assert.False(t, l.PageReceived(ctx, "999999999999999", 0, false))
}

func TestPagingPassReapsExpired(t *testing.T) {
	l := New(mustOpenTable(t), &recordingPager{}, time.Second, time.Millisecond)
	l.AddMT("001010000000003", transaction.SvcMTC, newTran(3))
	time.Sleep(5 * time.Millisecond)
	l.pagingPass()
	assert.Equal(t, 0, l.Count())
}

func mustOpenTable(t *testing.T) *tmsi.Table {
	tbl, err := tmsi.Open("")
	require.NoError(t, err)
	return tbl
}
