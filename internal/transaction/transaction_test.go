package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/timers"
)

type countingOwner struct{ vacated int }

func (o *countingOwner) Vacate(*Transaction) { o.vacated++ }

type stepProc struct {
	name  string
	steps []Status
	calls int
}

func (p *stepProc) Name() string { return p.name }

func (p *stepProc) Run(t *Transaction, state int, in Input) (int, Status) {
	st := p.steps[p.calls]
	p.calls++
	return state + 1, st
}

func TestDispatchAdvancesState(t *testing.T) {
	owner := &countingOwner{}
	tr := New(1, owner, func(timers.ID, timers.NextState) {})
	proc := &stepProc{name: "test", steps: []Status{StatusOK, StatusOK, StatusPopMachine}}
	tr.Push(proc)

	require.Equal(t, StatusOK, tr.Dispatch(Input{Kind: InputL3Message}))
	require.Equal(t, StatusOK, tr.Dispatch(Input{Kind: InputL3Message}))
	require.Equal(t, StatusPopMachine, tr.Dispatch(Input{Kind: InputL3Message}))
	assert.Equal(t, "", tr.Top())
	assert.Equal(t, 0, owner.vacated)
}

func TestDispatchQuitTranVacatesOwner(t *testing.T) {
	owner := &countingOwner{}
	tr := New(2, owner, func(timers.ID, timers.NextState) {})
	proc := &stepProc{name: "test", steps: []Status{StatusQuitTran}}
	tr.Push(proc)

	status := tr.Dispatch(Input{Kind: InputL3Message})
	assert.Equal(t, StatusQuitTran, status)
	assert.Equal(t, 1, owner.vacated)
	assert.Equal(t, TranDeleted, tr.State)
}

func TestDispatchEmptyStackQuits(t *testing.T) {
	owner := &countingOwner{}
	tr := New(3, owner, func(timers.ID, timers.NextState) {})
	assert.Equal(t, StatusQuitTran, tr.Dispatch(Input{Kind: InputL3Message}))
}

func TestTeCloseCallNowKeepsFirstCause(t *testing.T) {
	owner := &countingOwner{}
	tr := New(4, owner, func(timers.ID, timers.NextState) {})
	tr.teCloseCallNow(termcause.Local(termcause.NormalCallClearing))
	tr.teCloseCallNow(termcause.Local(termcause.NetworkFailure))
	assert.Equal(t, termcause.NormalCallClearing, tr.Cause.Cause())
}

func TestRefUnrefAndFree(t *testing.T) {
	owner := &countingOwner{}
	tr := New(5, owner, func(timers.ID, timers.NextState) {})
	tr.Ref()
	assert.True(t, tr.Unref())
	tr.Ref()
	tr.Ref()
	assert.False(t, tr.Unref())
	assert.True(t, tr.Unref())
	Free(tr)
}
