// Package cdr implements spec.md §6's CDR service thread: one record
// per terminated transaction, written to a rotated file. Grounded on
// internal/logging's zerolog+lumberjack pairing (the same rotation
// library, reused here for the CDR stream instead of the trace log),
// and on calltr/cstimer.go's drain-on-stop shape for the writer
// goroutine's own lifecycle.
package cdr

import (
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

// Record is spec.md §6's CDR field list.
type Record struct {
	Type         string
	TranID       uint64
	ToIMSI       string
	FromIMSI     string
	ToNumber     string
	FromNumber   string
	Peer         string
	ConnectTime  time.Time
	Duration     time.Duration
	MessageSize  int
	ToHandover   bool
	FromHandover bool
	Cause        string
}

// FromTransaction builds a Record from a just-terminated Transaction.
// peer identifies the SIP/RTP core leg (empty if none was ever
// established); messageSize and the handover flags are supplied by the
// caller since Transaction itself carries neither (spec.md §3's fields
// stop at connect-time/cause).
func FromTransaction(t *transaction.Transaction, peer string, messageSize int, toHandover, fromHandover bool) Record {
	var d time.Duration
	if !t.ConnectTime.IsZero() {
		d = time.Since(t.ConnectTime)
	}
	return Record{
		Type:         t.Service.String(),
		TranID:       t.ID,
		ToIMSI:       t.Subject.IMSI,
		FromIMSI:     t.Subject.IMSI,
		ToNumber:     t.CalledBCD,
		FromNumber:   t.CallingBCD,
		Peer:         peer,
		ConnectTime:  t.ConnectTime,
		Duration:     d,
		MessageSize:  messageSize,
		ToHandover:   toHandover,
		FromHandover: fromHandover,
		Cause:        t.Cause.String(),
	}
}

// queueDepth bounds how many pending records Write will buffer before
// dropping, so a stalled disk never blocks a transaction teardown.
const queueDepth = 256

// Writer serializes Records to a rotated file from a single background
// goroutine, through the same lumberjack rotation internal/logging.New
// uses for its log file.
type Writer struct {
	out  io.Writer
	ch   chan Record
	stop chan struct{}
	wg   sync.WaitGroup
}

// New opens a Writer rotating path per the given lumberjack policy.
func New(path string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) *Writer {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}
	return &Writer{out: lj, ch: make(chan Record, queueDepth), stop: make(chan struct{})}
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop drains any queued records and shuts the writer down.
func (w *Writer) Stop() {
	close(w.stop)
	w.wg.Wait()
}

// Write enqueues r, dropping it (with a warning) if the queue is full
// rather than blocking the caller's transaction teardown path.
func (w *Writer) Write(r Record) {
	select {
	case w.ch <- r:
	default:
		wiretrace.WARN("cdr: queue full, dropping record for transaction %d\n", r.TranID)
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			w.drain()
			return
		case r := <-w.ch:
			w.emit(r)
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case r := <-w.ch:
			w.emit(r)
		default:
			return
		}
	}
}

func (w *Writer) emit(r Record) {
	_, err := fmt.Fprintf(w.out, "%s|%d|%s|%s|%s|%s|%s|%s|%d|%d|%t|%t|%s\n",
		r.Type, r.TranID, r.ToIMSI, r.FromIMSI, r.ToNumber, r.FromNumber, r.Peer,
		r.ConnectTime.Format(time.RFC3339), int(r.Duration.Seconds()), r.MessageSize,
		r.ToHandover, r.FromHandover, r.Cause)
	if err != nil {
		wiretrace.ERR("cdr: write failed for transaction %d: %v\n", r.TranID, err)
	}
}
