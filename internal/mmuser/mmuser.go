// Package mmuser implements spec.md §4.4's MMUser: a per-IMSI record of
// MT transactions waiting for the handset to answer a page. Grounded
// on calltr/regentry_lst.go's queue-of-pending-entries shape (the
// teacher's REGISTER retransmission/binding queue), retargeted from
// SIP bindings to the three MT queues spec.md names.
package mmuser

import (
	"sync"
	"time"

	"github.com/rangetel/l3ctl/internal/mmcontext"
	"github.com/rangetel/l3ctl/internal/transaction"
)

// MMState is the coarse mobility-management attachment state tracked
// per spec.md §4.4.
type MMState uint8

const (
	MMIdle MMState = iota
	MMPaging
	MMAttached
)

// MMUser is spec.md §4.4's per-IMSI record. The back-pointer to its
// attached MMContext is raw and non-owning (spec.md §3's "break the
// cycle" rule); queued transactions are strong (refcounted) references.
type MMUser struct {
	mu sync.Mutex

	imsi string
	tmsi uint32
	hasTMSI bool

	state MMState
	ctx   *mmcontext.MMContext // nil while paging

	mtcQ   []*transaction.Transaction
	mtsmsQ []*transaction.Transaction
	mtssQ  []*transaction.Transaction

	pagingExpiry time.Time
}

// New creates an unattached MMUser for imsi in MMIdle state, with no
// queued work yet (spec.md §4.4 "created on first MT arrival");
// SetPagingExpiry moves it to MMPaging.
func New(imsi string) *MMUser {
	return &MMUser{imsi: imsi, state: MMIdle}
}

func (u *MMUser) IMSI() string { return u.imsi }

// State reports the user's coarse attachment state, surfaced on the
// admin feed's paging-user count.
func (u *MMUser) State() MMState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// CachedTMSI returns the TMSI looked up for this IMSI, if any (spec.md
// §3 "cached TMSI, one lookup per lifetime").
func (u *MMUser) CachedTMSI() (uint32, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tmsi, u.hasTMSI
}

func (u *MMUser) SetCachedTMSI(tmsi uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tmsi = tmsi
	u.hasTMSI = true
}

// Attached reports whether a context is currently linked.
func (u *MMUser) Attached() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ctx != nil
}

// Context returns the attached MMContext, or nil.
func (u *MMUser) Context() *mmcontext.MMContext {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ctx
}

// Attach links ctx, moves state to MMAttached, and implements spec.md
// §3's invariant "that MMContext's mmcMMU field points back" by also
// calling ctx.Link(u).
func (u *MMUser) Attach(ctx *mmcontext.MMContext) {
	u.mu.Lock()
	u.ctx = ctx
	u.state = MMAttached
	u.mu.Unlock()
	ctx.Link(u)
}

// Detach clears the attached context (channel closed).
func (u *MMUser) Detach() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ctx != nil {
		u.ctx.Unlink()
	}
	u.ctx = nil
	u.state = MMIdle
}

// EnqueueMTC, EnqueueMTSMS, EnqueueMTSS append a queued MT transaction
// and hold a strong reference to it (spec.md §3's "strong references
// from MMUser to queued-Transaction").
func (u *MMUser) EnqueueMTC(t *transaction.Transaction) {
	t.Ref()
	u.mu.Lock()
	u.mtcQ = append(u.mtcQ, t)
	u.mu.Unlock()
}

func (u *MMUser) EnqueueMTSMS(t *transaction.Transaction) {
	t.Ref()
	u.mu.Lock()
	u.mtsmsQ = append(u.mtsmsQ, t)
	u.mu.Unlock()
}

func (u *MMUser) EnqueueMTSS(t *transaction.Transaction) {
	t.Ref()
	u.mu.Lock()
	u.mtssQ = append(u.mtssQ, t)
	u.mu.Unlock()
}

// PeekMTC reports the head of the MTC queue without removing it, used
// by the paging loop to decide SDCCH vs TCH/F under very-early
// assignment (spec.md §4.4).
func (u *MMUser) PeekMTC() (*transaction.Transaction, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.mtcQ) == 0 {
		return nil, false
	}
	return u.mtcQ[0], true
}

// PopMTC, PopMTSMS, PopMTSS drain the oldest queued item, implementing
// the MMContext.MMUserHandle contract mmcontext.CheckNewActivity uses.
// The caller takes over the reference the queue held.
func (u *MMUser) PopMTC() (*transaction.Transaction, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.mtcQ) == 0 {
		return nil, false
	}
	t := u.mtcQ[0]
	u.mtcQ = u.mtcQ[1:]
	return t, true
}

func (u *MMUser) PopMTSMS() (*transaction.Transaction, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.mtsmsQ) == 0 {
		return nil, false
	}
	t := u.mtsmsQ[0]
	u.mtsmsQ = u.mtsmsQ[1:]
	return t, true
}

func (u *MMUser) PopMTSS() (*transaction.Transaction, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.mtssQ) == 0 {
		return nil, false
	}
	t := u.mtssQ[0]
	u.mtssQ = u.mtssQ[1:]
	return t, true
}

// QueueLen reports how many MT transactions of any kind are still
// waiting, used by MMLayer to decide whether an MMUser can be reaped.
func (u *MMUser) QueueLen() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.mtcQ) + len(u.mtsmsQ) + len(u.mtssQ)
}

// DrainAll empties every queue, invoking fail for each abandoned
// transaction (paging-expiry cleanup, spec.md §4.4).
func (u *MMUser) DrainAll(fail func(*transaction.Transaction)) {
	u.mu.Lock()
	all := make([]*transaction.Transaction, 0, len(u.mtcQ)+len(u.mtsmsQ)+len(u.mtssQ))
	all = append(all, u.mtcQ...)
	all = append(all, u.mtsmsQ...)
	all = append(all, u.mtssQ...)
	u.mtcQ, u.mtsmsQ, u.mtssQ = nil, nil, nil
	u.mu.Unlock()
	for _, t := range all {
		fail(t)
	}
}

// SetPagingExpiry, ExtendPagingExpiry and PagingExpired implement the paging-expiry deadline
// spec.md §3/§4.4 describe.
func (u *MMUser) SetPagingExpiry(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pagingExpiry = time.Now().Add(d)
	u.state = MMPaging
}

func (u *MMUser) ExtendPagingExpiry(d time.Duration) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ctx != nil {
		return false // already attached, not paging
	}
	u.pagingExpiry = u.pagingExpiry.Add(d)
	return true
}

func (u *MMUser) PagingExpired(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ctx == nil && now.After(u.pagingExpiry)
}

// ShouldReap reports whether this MMUser has no work left and no
// attachment: spec.md §3's "destroyed when queues drain AND no context
// is attached".
func (u *MMUser) ShouldReap() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ctx == nil && len(u.mtcQ)+len(u.mtsmsQ)+len(u.mtssQ) == 0
}
