// Package mmlayer implements spec.md §4.4's MMLayer: the
// IMSI-to-MMUser registry behind one coarse lock, plus the paging
// loop. Grounded on calltr/callentry_lst.go's CallEntryHash (a
// locked collection of entries keyed for fast lookup) but collapsed
// from per-bucket locks to the single gMMLock spec.md §4.4 mandates
// ("guarded by one coarse mutex... must NOT be held across run() of
// any state machine").
package mmlayer

import (
	"sync"
	"time"

	"github.com/rangetel/l3ctl/internal/mmcontext"
	"github.com/rangetel/l3ctl/internal/mmuser"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/tmsi"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

// PagingEntry is published to the radio layer once per unattached
// MMUser per paging-loop pass, spec.md §4.4.
type PagingEntry struct {
	ChannelType ChannelKind
	IMSI        string
}

// ChannelKind mirrors radio.ChannelType without importing the radio
// package, since mmlayer only needs to name the choice, not drive a
// channel.
type ChannelKind uint8

const (
	ChannelSDCCH ChannelKind = iota
	ChannelTCHF
)

// Pager is the radio-layer boundary the paging loop publishes through.
type Pager interface {
	Page(entries []PagingEntry)
}

// MMLayer is the process-wide singleton registry, spec.md §4.4 and §9
// ("process-wide singletons with a defined init/teardown sequence").
type MMLayer struct {
	mu    sync.Mutex // gMMLock
	users map[string]*mmuser.MMUser

	tmsiTable *tmsi.Table
	pager     Pager

	// VeryEarlyAssignment mirrors the Control.VEA very-early-assignment
	// knob: when true, a voice-call MT page requests a TCH/F
	// directly instead of an SDCCH (spec.md §4.4).
	VeryEarlyAssignment bool

	pagingInterval time.Duration
	t3113          time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an MMLayer. pagingInterval is the paging-loop period
// ("every N ms"); t3113 is the default paging-response timeout used by
// mmAddMT/mmMTRepage.
func New(tbl *tmsi.Table, pager Pager, pagingInterval, t3113 time.Duration) *MMLayer {
	return &MMLayer{
		users:          make(map[string]*mmuser.MMUser),
		tmsiTable:      tbl,
		pager:          pager,
		pagingInterval: pagingInterval,
		t3113:          t3113,
		stop:           make(chan struct{}),
	}
}

// Start launches the paging-loop goroutine (controlInit, spec.md §9).
func (l *MMLayer) Start() {
	l.wg.Add(1)
	go l.pagingLoop()
}

// Stop halts the paging loop and waits for it to exit (channel-drain +
// thread-join at shutdown, spec.md §9).
func (l *MMLayer) Stop() {
	close(l.stop)
	l.wg.Wait()
}

func (l *MMLayer) pagingLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.pagingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.pagingPass()
		}
	}
}

// pagingPass implements spec.md §4.4's per-tick walk: reap expired
// MMUsers, publish a PagingEntry for every other unattached one.
func (l *MMLayer) pagingPass() {
	now := time.Now()
	var toPage []PagingEntry
	var expired []*mmuser.MMUser

	l.mu.Lock()
	for imsi, u := range l.users {
		if u.Attached() {
			continue
		}
		if u.PagingExpired(now) {
			expired = append(expired, u)
			delete(l.users, imsi)
			continue
		}
		kind := ChannelSDCCH
		if l.VeryEarlyAssignment && firstQueuedIsVoice(u) {
			kind = ChannelTCHF
		}
		toPage = append(toPage, PagingEntry{ChannelType: kind, IMSI: imsi})
	}
	l.mu.Unlock()

	for _, u := range expired {
		u.DrainAll(func(t *transaction.Transaction) {
			t.CloseNow(termcause.Local(termcause.NoPagingResponse))
		})
	}
	if l.pager != nil && len(toPage) > 0 {
		l.pager.Page(toPage)
	}
}

// firstQueuedIsVoice reports whether the oldest queued MT item is a
// voice call (MTCq non-empty takes priority over MTSMS/MTSS).
func firstQueuedIsVoice(u *mmuser.MMUser) bool {
	_, ok := u.PeekMTC()
	return ok
}

// lookup finds or, if create is true, creates the MMUser for imsi.
// Caller must hold l.mu.
func (l *MMLayer) lookup(imsi string, create bool) (*mmuser.MMUser, bool) {
	u, ok := l.users[imsi]
	if !ok && create {
		u = mmuser.New(imsi)
		l.users[imsi] = u
		ok = true
	}
	return u, ok
}

// mmPageReceived implements spec.md §4.4: resolve a paging response's
// identity (by IMSI or via the TMSI table), link it to ctx, returning
// false if the IMSI is unknown (caller releases the channel with
// Call_Already_Cleared).
func (l *MMLayer) PageReceived(ctx *mmcontext.MMContext, imsi string, tmsiVal uint32, hasTMSI bool) bool {
	if imsi == "" && hasTMSI {
		if resolved, ok := l.tmsiTable.IMSIFromTMSI(tmsiVal); ok {
			imsi = resolved
		}
	}
	if imsi == "" {
		return false
	}

	l.mu.Lock()
	u, ok := l.lookup(imsi, false)
	var oldCtx *mmcontext.MMContext
	if ok {
		oldCtx = u.Context()
	}
	l.mu.Unlock()

	if !ok {
		return false
	}
	if oldCtx != nil && oldCtx != ctx {
		ctx.MoveTransactionsFrom(oldCtx)
	}
	u.Attach(ctx)
	return true
}

// TerminateByImsi implements spec.md §4.4's mmTerminateByImsi:
// operator-initiated teardown.
func (l *MMLayer) TerminateByImsi(imsi string) {
	l.mu.Lock()
	u, ok := l.users[imsi]
	if ok && !u.Attached() {
		delete(l.users, imsi)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	if u.Attached() {
		// Attached: this branch only logs. It does not set the attached
		// MMContext's TerminationRequested flag, so the channel stays
		// open and its queued and running transactions are left as
		// they are.
		wiretrace.DBG("mmlayer: termination requested for attached IMSI %s\n", imsi)
		return
	}
	u.DrainAll(func(t *transaction.Transaction) {
		t.CloseNow(termcause.Local(termcause.OperatorIntervention))
	})
}

// AddMT implements spec.md §4.4's mmAddMT: SIP-initiated MT arrival.
func (l *MMLayer) AddMT(imsi string, svc transaction.ServiceType, t *transaction.Transaction) {
	l.mu.Lock()
	u, _ := l.lookup(imsi, true)
	l.mu.Unlock()

	switch svc {
	case transaction.SvcMTC:
		u.EnqueueMTC(t)
	case transaction.SvcMTSMS:
		u.EnqueueMTSMS(t)
	case transaction.SvcSS:
		u.EnqueueMTSS(t)
	}
	if !u.Attached() {
		u.SetPagingExpiry(l.t3113)
	}
}

// MTRepage implements spec.md §4.4's mmMTRepage.
func (l *MMLayer) MTRepage(imsi string) {
	l.mu.Lock()
	u, ok := l.users[imsi]
	l.mu.Unlock()
	if !ok {
		return
	}
	u.ExtendPagingExpiry(l.t3113)
}

// Reap removes u from the registry once ShouldReap reports true,
// called by the channel service loop after draining queues on
// detach (spec.md §3 lifecycle).
func (l *MMLayer) Reap(imsi string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok := l.users[imsi]; ok && u.ShouldReap() {
		delete(l.users, imsi)
	}
}

// Count reports the number of tracked MMUsers, surfaced on the admin
// feed.
func (l *MMLayer) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// Counts reports the total tracked MMUsers and how many are currently
// paging, the two aggregate figures internal/admin's Report carries.
// Per-transaction detail lives on the owning MMContext (spec.md §4.3's
// per-channel ownership), not in a central registry, so the admin
// feed's Transactions list is populated by cmd/l3ctld from whatever
// channel registry it maintains, not from MMLayer itself.
func (l *MMLayer) Counts() (total, paging int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, u := range l.users {
		total++
		if u.State() == mmuser.MMPaging {
			paging++
		}
	}
	return total, paging
}
