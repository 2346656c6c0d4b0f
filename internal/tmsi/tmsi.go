// Package tmsi implements the client side of the "SQLite-backed TMSI
// table, subscriber registry, configuration store" spec.md §1 marks as
// an external collaborator reached "through a key-value/record API".
// Record is adapted from regtr.Binding (the teacher's refcounted,
// timer-bearing registration binding): the same
// refcount+timer+created/expire shape, stripped of the SIP
// URI/Call-ID byte-buffer bookkeeping that belonged to the dropped SIP
// wire-parser layer (see DESIGN.md) and retargeted at an IMSI/TMSI row.
package tmsi

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/rangetel/l3ctl/internal/termcause"
)

// Authorization is the final LUR authorization state, spec.md §4.5.
type Authorization uint8

const (
	AuthUnknown Authorization = iota
	Authorized
	FailOpen
	OpenRegistration
	Unauthorized
)

// Record is one subscriber row: IMSI-keyed, refcounted the way
// regtr.Binding is, since it may be referenced by a Transaction's
// identify procedure at the same moment a reload evicts it.
type Record struct {
	IMSI  string
	TMSI  uint32
	HasTMSI bool
	IMEI  string
	Kc    string
	Classmark []byte

	Auth      Authorization
	RejectCause termcause.Cause

	CreatedTS time.Time

	refCnt int32
}

// Ref increments the reference count, returning the new value.
func (r *Record) Ref() int32 { return atomic.AddInt32(&r.refCnt, 1) }

// Unref decrements the reference count; the caller drops its pointer
// once this returns true.
func (r *Record) Unref() bool { return atomic.AddInt32(&r.refCnt, -1) == 0 }

// Table is the narrow key-value/record API spec.md describes. It is
// backed in-memory for fast-path lookups, mirrored to Postgres via
// lib/pq for the durable copy an operator restart must not lose --
// the nearest available pack library to the original's sqlite3 store.
type Table struct {
	mu   sync.RWMutex
	byIMSI map[string]*Record
	byTMSI map[uint32]string // TMSI -> IMSI
	nextTMSI uint32

	db *sql.DB // nil if running memory-only (e.g. in tests)
}

// Open connects to the Postgres-backed mirror at dsn. Pass an empty
// dsn to run memory-only (used by tests and by AllocCallEntry-style
// unit tests of the procedures).
func Open(dsn string) (*Table, error) {
	t := &Table{
		byIMSI:   make(map[string]*Record),
		byTMSI:   make(map[uint32]string),
		nextTMSI: 1,
	}
	if dsn == "" {
		return t, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("tmsi: connect: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("tmsi: ping: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("tmsi: schema: %w", err)
	}
	t.db = db
	return t, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS subscribers (
	imsi TEXT PRIMARY KEY,
	tmsi BIGINT,
	imei TEXT,
	kc TEXT,
	auth SMALLINT,
	reject_cause SMALLINT,
	created_ts TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// IsAuthorized looks up imsi's last-known authorization record without
// contacting the registrar, implementing the auth cache L3IdentifyMachine
// and LUStart consult (spec.md §4.5 step 4, §4.9).
func (t *Table) IsAuthorized(imsi string) (Authorization, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byIMSI[imsi]
	if !ok {
		return AuthUnknown, false
	}
	return r.Auth, true
}

// IMSIFromTMSI resolves a TMSI to an IMSI within the current location
// area, spec.md §4.5 step 1.
func (t *Table) IMSIFromTMSI(tmsi uint32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	imsi, ok := t.byTMSI[tmsi]
	return imsi, ok
}

// Assign creates or refreshes imsi's row and returns its TMSI,
// allocating a new one only "if this BTS has never seen this IMSI"
// (spec.md §4.5 LUFinish).
func (t *Table) Assign(imsi string) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byIMSI[imsi]
	if !ok {
		r = &Record{IMSI: imsi, CreatedTS: time.Now()}
		t.byIMSI[imsi] = r
	}
	if !r.HasTMSI {
		newTMSI := t.nextTMSI
		t.nextTMSI++
		r.TMSI = newTMSI
		r.HasTMSI = true
		t.byTMSI[newTMSI] = imsi
	}
	t.persist(r)
	return r.TMSI
}

// Touch refreshes an existing row without reallocating its TMSI
// ("else touch", spec.md §4.5 LUFinish).
func (t *Table) Touch(imsi string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.byIMSI[imsi]; ok {
		t.persist(r)
	}
}

// SetAuth records the final LUR authorization outcome and, for
// rejections, the reject cause -- "update TMSI-table reject code"
// (spec.md §4.5 LUFinish).
func (t *Table) SetAuth(imsi string, auth Authorization, cause termcause.Cause) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byIMSI[imsi]
	if !ok {
		r = &Record{IMSI: imsi, CreatedTS: time.Now()}
		t.byIMSI[imsi] = r
	}
	r.Auth = auth
	r.RejectCause = cause
	t.persist(r)
}

// RejectCause returns the cached reject cause for imsi's last LUR
// outcome, consulted by LUFinish when an unexpired unauthorized
// record lets LUStart skip a fresh registrar round-trip (spec.md
// §4.5 step 4).
func (t *Table) RejectCause(imsi string) (termcause.Cause, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byIMSI[imsi]
	if !ok {
		return termcause.CauseNone, false
	}
	return r.RejectCause, true
}

// SetKc stores the ciphering key derived from authentication, flushed
// to the table before CipheringModeCommand is sent (spec.md §4.5).
func (t *Table) SetKc(imsi, kc string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.byIMSI[imsi]; ok {
		r.Kc = kc
		t.persist(r)
	}
}

// SetIMEI records a queried IMEI (spec.md §4.5 step 3).
func (t *Table) SetIMEI(imsi, imei string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.byIMSI[imsi]; ok {
		r.IMEI = imei
		t.persist(r)
	}
}

// persist mirrors r to the Postgres table, best-effort: the in-memory
// map is the source of truth for the hot path, matching spec.md's
// framing of the real store as an external collaborator this layer
// merely calls through an API.
func (t *Table) persist(r *Record) {
	if t.db == nil {
		return
	}
	_, _ = t.db.Exec(`
		INSERT INTO subscribers (imsi, tmsi, imei, kc, auth, reject_cause)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (imsi) DO UPDATE SET
			tmsi = EXCLUDED.tmsi, imei = EXCLUDED.imei, kc = EXCLUDED.kc,
			auth = EXCLUDED.auth, reject_cause = EXCLUDED.reject_cause`,
		r.IMSI, r.TMSI, r.IMEI, r.Kc, int16(r.Auth), int16(r.RejectCause))
}

// Close releases the Postgres connection, if any.
func (t *Table) Close() error {
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}
