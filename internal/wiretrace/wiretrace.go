// Package wiretrace is the verbose, per-frame/per-event structured
// trace logger used inside the transaction dispatch hot path. It is
// wired the same way the teacher package (github.com/intuitivelabs/sipsp)
// wires its own logging in log_common.go: a package-level slog.Log plus
// short severity helpers. Kept separate from internal/logging (the
// service-level operational logger) because the original C++ control
// layer itself carries two distinct logging surfaces: pervasive
// per-message LOG(DEBUG) tracing in the state machines, and coarser
// operational logging for startup/CDR/admin.
package wiretrace

import (
	"github.com/intuitivelabs/slog"
)

// Log is the package-level trace logger, backtraces and call-site info
// enabled by default (cheap to leave on; slog only formats what's
// actually emitted at the configured level).
var Log slog.Log = slog.New(slog.LERR, slog.LbackTraceL|slog.LlocInfoL, slog.LStdErr)

// DBGon reports whether debug-level tracing is enabled, so callers can
// skip building an expensive trace message.
func DBGon() bool {
	return Log.DBGon()
}

// DBG traces a state-machine or frame-dispatch event at debug level.
func DBG(f string, a ...interface{}) {
	Log.LLog(slog.LDBG, 1, "DBG: l3ctl: ", f, a...)
}

// WARN traces a tolerated anomaly (unexpected state, retransmission
// treated as a no-op).
func WARN(f string, a ...interface{}) {
	Log.LLog(slog.LWARN, 1, "WARNING: l3ctl: ", f, a...)
}

// ERR traces a hard failure local to one transaction/channel.
func ERR(f string, a ...interface{}) {
	Log.LLog(slog.LERR, 1, "ERROR: l3ctl: ", f, a...)
}

// BUG traces an invariant violation (spec.md §8); it never panics, the
// framework is expected to be tolerant and keep running.
func BUG(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, "BUG: l3ctl: ", f, a...)
}
