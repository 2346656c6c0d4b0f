// Package lur implements spec.md §4.5's location-updating procedure:
// LUStart -> L3RegisterMachine -> LUAuthentication -> L3RegisterMachine
// -> LUFinish, with a TMSI-collision rewind back to LUStart. Grounded
// on calltr/state_machine.go's state-table dispatch, generalized to
// the multi-state chain spec.md describes; the registrar round-trip
// itself is a synchronous call through sipiface.Registrar (spec.md §5
// allows a procedure to block in `run()`, just never while holding the
// coarse MMLayer lock), which collapses the original's async
// RegistrationResult callback into a single call.
package lur

import (
	"strings"

	"github.com/rangetel/l3ctl/internal/config"
	"github.com/rangetel/l3ctl/internal/identity"
	"github.com/rangetel/l3ctl/internal/l3codec"
	"github.com/rangetel/l3ctl/internal/sipiface"
	"github.com/rangetel/l3ctl/internal/termcause"
	"github.com/rangetel/l3ctl/internal/timers"
	"github.com/rangetel/l3ctl/internal/tmsi"
	"github.com/rangetel/l3ctl/internal/transaction"
	"github.com/rangetel/l3ctl/internal/wiretrace"
)

const (
	stateAwaitLURequest = iota
	stateAwaitIdentityResponse
	stateAwaitAuthResponse
	stateAwaitCipheringComplete
	stateAwaitTMSIReallocComplete
)

// LUType is the location-updating type carried in the L3 request.
type LUType uint8

const (
	LUTypeNormal LUType = iota
	LUTypeIMSIAttach
	LUTypePeriodic
)

// Sender is the GSM downlink boundary LUR needs.
type Sender interface {
	SendIdentityRequest(ti identity.TI) error
	SendAuthenticationRequest(ti identity.TI, rand string) error
	SendCipheringModeCommand(ti identity.TI, algo string) error
	SendLocationUpdatingReject(ti identity.TI, cause uint8) error
	SendLocationUpdatingAccept(ti identity.TI, newTMSI uint32, includeTMSI bool) error
	SendMMInformation(ti identity.TI, shortName string) error
	SendWelcomeSMS(imsi, body, shortCode string) error
}

type tmsiStatus uint8

const (
	tmsiNone tmsiStatus = iota
	tmsiProvisional
)

// state is the opaque per-transaction data LUStart accumulates,
// stored in Transaction.Data (spec.md §3 "opaque shared data for the
// currently running procedure family").
type state struct {
	laiCode    string
	luType     LUType
	fullQuery  bool
	tmsiStat   tmsiStatus
	firstPass  bool
	imei       string
	regResult  sipiface.RegistrarResult
	bestAlgo   string
}

// Machine implements transaction.Procedure for the whole LUR chain.
type Machine struct {
	sender    Sender
	registrar sipiface.Registrar
	table     *tmsi.Table
	cfg       *config.Store
}

func New(sender Sender, registrar sipiface.Registrar, table *tmsi.Table, cfg *config.Store) *Machine {
	return &Machine{sender: sender, registrar: registrar, table: table, cfg: cfg}
}

func (m *Machine) Name() string { return "LUR" }

func (m *Machine) Run(t *transaction.Transaction, st int, in transaction.Input) (int, transaction.Status) {
	s, _ := t.Data.(*state)
	if s == nil {
		s = &state{firstPass: true}
		t.Data = s
	}

	switch st {
	case stateAwaitLURequest:
		return m.runStart(t, s, in)
	case stateAwaitIdentityResponse:
		return m.runAwaitIdentity(t, s, in)
	case stateAwaitAuthResponse:
		return m.runAwaitAuth(t, s, in)
	case stateAwaitCipheringComplete:
		return m.runAwaitCiphering(t, s, in)
	case stateAwaitTMSIReallocComplete:
		return m.runAwaitTMSIRealloc(t, s, in)
	default:
		return st, transaction.StatusUnexpectedState
	}
}

// runStart implements LUStart step 1.
func (m *Machine) runStart(t *transaction.Transaction, s *state, in transaction.Input) (int, transaction.Status) {
	if in.Kind != transaction.InputL3Message {
		return stateAwaitLURequest, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagLocationUpdatingRequest {
		return stateAwaitLURequest, transaction.StatusOK
	}

	switch {
	case msg.MobileID.IMSI != "":
		t.Subject.IMSI = msg.MobileID.IMSI
		s.fullQuery = true
	case msg.MobileID.HasTMSI:
		if imsi, found := m.table.IMSIFromTMSI(msg.MobileID.TMSI); found {
			t.Subject.IMSI = imsi
			s.tmsiStat = tmsiProvisional
		} else {
			s.fullQuery = true
			return m.requestIdentity(t)
		}
	case msg.MobileID.IMEI != "":
		s.imei = msg.MobileID.IMEI
		return m.requestIdentity(t)
	}

	return m.afterIdentityResolved(t, s)
}

func (m *Machine) requestIdentity(t *transaction.Transaction) (int, transaction.Status) {
	if err := m.sender.SendIdentityRequest(t.TI); err != nil {
		wiretrace.ERR("lur: SendIdentityRequest failed for transaction %d: %v\n", t.ID, err)
		return stateAwaitLURequest, transaction.StatusQuitTran
	}
	t.Timers.Arm(timers.T3270, 12_000_000_000, timers.NextState(stateAwaitIdentityResponse))
	return stateAwaitIdentityResponse, transaction.StatusOK
}

// runAwaitIdentity implements LUStart step 2.
func (m *Machine) runAwaitIdentity(t *transaction.Transaction, s *state, in transaction.Input) (int, transaction.Status) {
	if in.Kind == transaction.InputTimer && in.Timer == timers.T3270 {
		t.Cause = termcause.Local(termcause.NetworkFailure)
		return stateAwaitIdentityResponse, transaction.StatusQuitTran
	}
	if in.Kind != transaction.InputL3Message {
		return stateAwaitIdentityResponse, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagIdentityResponse {
		return stateAwaitIdentityResponse, transaction.StatusOK // T3270 still running, per spec
	}
	t.Timers.Stop(timers.T3270)
	if msg.MobileID.IMSI != "" {
		t.Subject.IMSI = msg.MobileID.IMSI
	}
	return m.afterIdentityResolved(t, s)
}

// afterIdentityResolved implements LUStart step 4/5: consult the auth
// cache, else call the registrar with an empty SRES.
func (m *Machine) afterIdentityResolved(t *transaction.Transaction, s *state) (int, transaction.Status) {
	if auth, found := m.table.IsAuthorized(t.Subject.IMSI); found && auth == tmsi.Unauthorized {
		cause, _ := m.table.RejectCause(t.Subject.IMSI) // best-effort cached cause
		return m.finish(t, s, tmsi.Unauthorized, cause)
	}
	result, err := m.registrar.Register(t.Subject.IMSI, "")
	return m.classifyRegisterResult(t, s, result, err, false)
}

// classifyRegisterResult implements L3RegisterMachine's outcome
// switch, shared by LUStart's first call and LUAuthentication's
// second call (firstAttemptDone distinguishes the two).
func (m *Machine) classifyRegisterResult(t *transaction.Transaction, s *state, result sipiface.RegistrarResult, err error, firstAttemptDone bool) (int, transaction.Status) {
	if err != nil || result.Error {
		return m.finish(t, s, tmsi.AuthUnknown, termcause.NetworkFailure)
	}
	if result.Challenge {
		s.regResult = result
		rand := strings.ReplaceAll(result.RAND, "-", "")
		if err := m.sender.SendAuthenticationRequest(t.TI, rand); err != nil {
			wiretrace.ERR("lur: SendAuthenticationRequest failed for transaction %d: %v\n", t.ID, err)
			return stateAwaitAuthResponse, transaction.StatusQuitTran
		}
		return stateAwaitAuthResponse, transaction.StatusOK
	}
	if result.Success {
		s.regResult = result
		return m.afterAuthSuccess(t, s)
	}
	// fail(sipCode, explicitCause)
	var explicit termcause.Cause
	if result.FailExplicitCause != "" {
		explicit, _ = termcause.ParseCause(result.FailExplicitCause)
	}
	cfg := m.cfg.Get().LURCfg
	unprov, _ := termcause.ParseCause(cfg.UnprovisionedRejectCause)
	notFound, _ := termcause.ParseCause(cfg.RejectCause404)
	cause := termcause.RegistrarReject(result.FailSIPCode, explicit, unprov, notFound)

	if firstAttemptDone && s.tmsiStat == tmsiProvisional {
		// TMSI collision recovery: rewind to LUStart with a fresh IMSI
		// query (spec.md §4.5 LUAuthentication).
		t.Subject.IMSI = ""
		s.tmsiStat = tmsiNone
		return m.requestIdentity(t)
	}
	return m.finish(t, s, tmsi.Unauthorized, cause)
}

// runAwaitAuth implements LUAuthentication.
func (m *Machine) runAwaitAuth(t *transaction.Transaction, s *state, in transaction.Input) (int, transaction.Status) {
	if in.Kind != transaction.InputL3Message {
		return stateAwaitAuthResponse, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagAuthenticationResponse {
		return stateAwaitAuthResponse, transaction.StatusOK
	}
	sres := ""
	if len(msg.RPPayload) > 0 {
		sres = string(msg.RPPayload)
	}
	result, err := m.registrar.Register(t.Subject.IMSI, sres)
	return m.classifyRegisterResult(t, s, result, err, true)
}

func (m *Machine) afterAuthSuccess(t *transaction.Transaction, s *state) (int, transaction.Status) {
	if s.regResult.Kc != "" {
		m.table.SetKc(t.Subject.IMSI, s.regResult.Kc)
	}
	cfg := m.cfg.Get()
	if cfg.CipherEncrypt {
		s.bestAlgo = "A5/3"
		if err := m.sender.SendCipheringModeCommand(t.TI, s.bestAlgo); err != nil {
			wiretrace.WARN("lur: SendCipheringModeCommand failed for transaction %d: %v\n", t.ID, err)
			return m.finishAuthorized(t, s)
		}
		t.Timers.Arm(timers.TMisc1, 3_000_000_000, timers.NextState(stateAwaitCipheringComplete))
		return stateAwaitCipheringComplete, transaction.StatusOK
	}
	return m.finishAuthorized(t, s)
}

func (m *Machine) runAwaitCiphering(t *transaction.Transaction, s *state, in transaction.Input) (int, transaction.Status) {
	if in.Kind == transaction.InputTimer && in.Timer == timers.TMisc1 {
		return m.finishAuthorized(t, s) // tolerant to failure, per spec.md §4.5
	}
	if in.Kind != transaction.InputL3Message {
		return stateAwaitCipheringComplete, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagCipheringModeComplete {
		return stateAwaitCipheringComplete, transaction.StatusOK
	}
	t.Timers.Stop(timers.TMisc1)
	return m.finishAuthorized(t, s)
}

func (m *Machine) finishAuthorized(t *transaction.Transaction, s *state) (int, transaction.Status) {
	return m.finish(t, s, tmsi.Authorized, termcause.CauseNone)
}

// finish implements LUFinish, spec.md §4.5.
func (m *Machine) finish(t *transaction.Transaction, s *state, registrarOutcome tmsi.Authorization, cause termcause.Cause) (int, transaction.Status) {
	cfg := m.cfg.Get()
	lurCfg := cfg.LURCfg

	var final tmsi.Authorization
	switch {
	case lurCfg.OpenRegistrationMatch(t.Subject.IMSI):
		final = tmsi.OpenRegistration
	case registrarOutcome == tmsi.Authorized:
		final = tmsi.Authorized
	case registrarOutcome == tmsi.AuthUnknown && lurCfg.FailMode == config.FailModeOpen:
		final = tmsi.FailOpen
	default:
		final = tmsi.Unauthorized
	}

	m.table.SetAuth(t.Subject.IMSI, final, cause)

	if final == tmsi.Unauthorized {
		_ = m.sender.SendLocationUpdatingReject(t.TI, termcause.Local(cause).CCCause())
		t.Cause = termcause.Local(cause)
		m.maybeSendWelcomeSMS(t, s, final, lurCfg)
		return 0, transaction.StatusQuitTran
	}

	newTMSI := m.table.Assign(t.Subject.IMSI)
	needRealloc := !s.tmsiFromCache()
	if s.luType == LUTypeIMSIAttach && cfg.IdentityShortName != "" {
		_ = m.sender.SendMMInformation(t.TI, cfg.IdentityShortName)
	}
	if err := m.sender.SendLocationUpdatingAccept(t.TI, newTMSI, needRealloc); err != nil {
		t.Cause = termcause.Local(termcause.NetworkFailure)
		return 0, transaction.StatusQuitTran
	}
	if needRealloc {
		t.Timers.Arm(timers.TMisc1, 5_000_000_000, timers.NextState(stateAwaitTMSIReallocComplete))
		return stateAwaitTMSIReallocComplete, transaction.StatusOK
	}
	return m.statePostAccept(t, s, final, lurCfg)
}

func (m *Machine) runAwaitTMSIRealloc(t *transaction.Transaction, s *state, in transaction.Input) (int, transaction.Status) {
	if in.Kind == transaction.InputTimer && in.Timer == timers.TMisc1 {
		return m.statePostAccept(t, s, tmsi.Authorized, m.cfg.Get().LURCfg)
	}
	if in.Kind != transaction.InputL3Message {
		return stateAwaitTMSIReallocComplete, transaction.StatusOK
	}
	msg, ok := in.MsgValue.(l3codec.Message)
	if !ok || msg.Tag != l3codec.TagTMSIReallocationComplete {
		return stateAwaitTMSIReallocComplete, transaction.StatusOK
	}
	t.Timers.Stop(timers.TMisc1)
	return m.statePostAccept(t, s, tmsi.Authorized, m.cfg.Get().LURCfg)
}

// statePostAccept sends the welcome SMS and quits with MM_Success,
// spec.md §4.5.
func (m *Machine) statePostAccept(t *transaction.Transaction, s *state, final tmsi.Authorization, lurCfg config.LUR) (int, transaction.Status) {
	m.maybeSendWelcomeSMS(t, s, final, lurCfg)
	m.table.Touch(t.Subject.IMSI)
	t.Cause = termcause.Local(termcause.MMSuccess)
	return 0, transaction.StatusQuitTran
}

func (m *Machine) maybeSendWelcomeSMS(t *transaction.Transaction, s *state, final tmsi.Authorization, lurCfg config.LUR) {
	var body, code string
	switch {
	case final == tmsi.OpenRegistration:
		body, code = lurCfg.OpenRegistrationMessage, lurCfg.OpenRegistrationShortCode
	case lurCfg.RegMsgFrequency == config.RegMsgFirst && s.firstPass:
		body, code = lurCfg.FirstMessage, lurCfg.FirstShortCode
	case lurCfg.RegMsgFrequency == config.RegMsgNormal:
		body, code = lurCfg.NormalMessage, lurCfg.NormalShortCode
	}
	if body == "" {
		return
	}
	_ = m.sender.SendWelcomeSMS(t.Subject.IMSI, body, code)
}

// tmsiFromCache reports whether the TMSI used to enter this LUR came
// from a cached lookup rather than a fresh allocation, used to decide
// whether TMSI reallocation is needed.
func (s *state) tmsiFromCache() bool { return s.tmsiStat == tmsiProvisional }
