package agreement

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openreplicator/agreement-engine/internal/agreement/status"
	"github.com/openreplicator/agreement-engine/internal/agreement/validator"
	"github.com/openreplicator/agreement-engine/internal/collab"
)

// ErrStopInProgress names the condition of a mutation attempted while the
// agreement is tearing down its worker. No function in this package returns
// it: setters drop such a mutation silently (see mutate).
var ErrStopInProgress = fmt.Errorf("agreement: stop in progress")

// ErrConfigConflict is returned by a setter that would violate one of the
// invariants of the data model; the existing state is left untouched.
type ErrConfigConflict struct {
	Diagnostics []validator.Diagnostic
}

func (e *ErrConfigConflict) Error() string {
	parts := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		parts[i] = d.String()
	}
	return "agreement: config conflict: " + strings.Join(parts, "; ")
}

// Agreement is the in-memory handle for one replication agreement: an
// internally-locked value, shared by pointer, exposing typed getters,
// individually-guarded setters, and lifecycle state. It keeps no reference
// count; Release tears down its in-memory state. Every exported method is
// safe for concurrent use.
//
// Two locks guard it, per spec §5: mu (a non-reentrant mutex) covers all
// scalar fields; fractionalMu (a reader/writer lock) covers the
// fractional-attribute and strip-attribute sets so the hot write path in
// NotifyChange can take a shared lock instead of contending with admin
// setters. protocolTimeout is lock-free by design: a small channel between
// admin callers and the worker.
type Agreement struct {
	// immutable
	identity          Identity
	replicatedSubtree string
	agreementType     AgreementType

	mu sync.Mutex

	longName       string
	sessionPrefix  string
	sessionCounter int

	remoteHost string
	remotePort int

	transport  Transport
	bindMethod BindMethod
	bindDN     string
	bindCredential []byte

	hasBootstrap            bool
	bootstrapTransport      Transport
	bootstrapBindMethod     BindMethod
	bootstrapBindDN         string
	bootstrapBindCredential []byte

	schedule       collab.Schedule
	enabled        bool
	autoInitialize AutoInitialize

	timeoutSeconds  int64
	busyWaitSeconds int64
	pauseSeconds    int64
	flowWindow      int64
	flowPauseMS     int64
	waitAsyncMS     int64
	ignoreMissing   IgnoreMissing

	consumerRUV       collab.RUV
	consumerSchemaCSN string
	consumerRID       uint16
	ridTentative      bool

	agreementMaxcsn string
	changeCounters  []ChangeCounter

	lastUpdate status.Line
	lastInit   status.Line

	updateInProgress bool
	stopInProgress   bool

	protocol collab.Protocol

	protocolTimeout atomic.Int64

	fractionalMu            sync.RWMutex
	fractionalAttrs         map[string]struct{}
	fractionalAttrsTotal    map[string]struct{}
	hasFractionalAttrsTotal bool
	stripAttrs              map[string]struct{}
}

// Fields is the full set of mutable values needed to construct a new
// Agreement; the parser builds one of these from a configuration record and
// hands it to New.
type Fields struct {
	LongName       string
	SessionPrefix  string
	RemoteHost     string
	RemotePort     int
	Transport      Transport
	BindMethod     BindMethod
	BindDN         string
	BindCredential []byte

	HasBootstrap            bool
	BootstrapTransport      Transport
	BootstrapBindMethod     BindMethod
	BootstrapBindDN         string
	BootstrapBindCredential []byte

	FractionalAttrs         []string
	FractionalAttrsTotal    []string
	HasFractionalAttrsTotal bool
	StripAttrs              []string

	Schedule       collab.Schedule
	Enabled        bool
	AutoInitialize AutoInitialize

	TimeoutSeconds  int64
	BusyWaitSeconds int64
	PauseSeconds    int64
	FlowWindow      int64
	FlowPauseMS     int64
	WaitAsyncMS     int64
	IgnoreMissing   IgnoreMissing
}

// toSet builds a membership set keyed by canonical (lower-cased) attribute
// name. LDAP attribute names are case-insensitive, so every fractional/strip
// set is normalized at construction time and every lookup against it
// (IsFractionalAttr, NotifyChange, ComputeMaxcsnUpdate) normalizes its query
// the same way; otherwise a configured "mail" would silently fail to match
// an incoming mod named "Mail".
func toSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[strings.ToLower(n)] = struct{}{}
	}
	return m
}

func validatorInput(f Fields) validator.Input {
	return validator.Input{
		Port:                f.RemotePort,
		Transport:           validator.Transport(f.Transport),
		BindMethod:          validator.BindMethod(f.BindMethod),
		BindDN:              f.BindDN,
		BindCredential:      f.BindCredential,
		TimeoutSeconds:      f.TimeoutSeconds,
		BusyWaitSeconds:     f.BusyWaitSeconds,
		PauseSeconds:        f.PauseSeconds,
		FlowWindow:          f.FlowWindow,
		FlowPauseMS:         f.FlowPauseMS,
		SessionCounter:      1,
		BootstrapBindMethod: validator.BindMethod(f.BootstrapBindMethod),
		HasBootstrap:        f.HasBootstrap,
	}
}

// New validates f against every invariant of spec §3 and, if valid,
// constructs a new Agreement. On failure it returns the diagnostics and a
// nil Agreement; per spec §7 this is the only fatal creation-time error
// (ConfigInvalid) and the caller must discard the record rather than
// register a half-built agreement.
func New(id Identity, subtree string, typ AgreementType, f Fields) (*Agreement, []validator.Diagnostic) {
	if diags := validator.Validate(validatorInput(f)); len(diags) > 0 {
		return nil, diags
	}

	a := &Agreement{
		identity:          id,
		replicatedSubtree: subtree,
		agreementType:     typ,

		longName:      f.LongName,
		sessionPrefix: f.SessionPrefix,

		remoteHost: f.RemoteHost,
		remotePort: f.RemotePort,
		transport:  f.Transport,
		bindMethod: f.BindMethod,
		bindDN:     f.BindDN,
		bindCredential: f.BindCredential,

		hasBootstrap:            f.HasBootstrap,
		bootstrapTransport:      f.BootstrapTransport,
		bootstrapBindMethod:     f.BootstrapBindMethod,
		bootstrapBindDN:         f.BootstrapBindDN,
		bootstrapBindCredential: f.BootstrapBindCredential,

		schedule:       f.Schedule,
		enabled:        f.Enabled,
		autoInitialize: f.AutoInitialize,

		timeoutSeconds:  f.TimeoutSeconds,
		busyWaitSeconds: f.BusyWaitSeconds,
		pauseSeconds:    f.PauseSeconds,
		flowWindow:      f.FlowWindow,
		flowPauseMS:     f.FlowPauseMS,
		waitAsyncMS:     f.WaitAsyncMS,
		ignoreMissing:   f.IgnoreMissing,

		fractionalAttrs:         toSet(f.FractionalAttrs),
		fractionalAttrsTotal:    toSet(f.FractionalAttrsTotal),
		hasFractionalAttrsTotal: f.HasFractionalAttrsTotal,
		stripAttrs:              toSet(f.StripAttrs),

		changeCounters: make([]ChangeCounter, 0, MaxSuppliers),
	}
	return a, nil
}

// Identity returns the agreement's immutable identity.
func (a *Agreement) Identity() Identity { return a.identity }

// ReplicatedSubtree returns the immutable subtree DN this agreement covers.
func (a *Agreement) ReplicatedSubtree() string { return a.replicatedSubtree }

// AgreementType returns the immutable discriminator.
func (a *Agreement) AgreementType() AgreementType { return a.agreementType }

// notifyProtocolConfigChange is called by every setter after releasing mu,
// never while holding it, per the leaf-lock discipline of spec §5.
func (a *Agreement) notifyProtocolConfigChange() {
	a.mu.Lock()
	p := a.protocol
	a.mu.Unlock()
	if p != nil {
		p.ConfigChanged()
	}
}

// mutate runs fn under mu, dropping the update silently (the no-op outcome
// of spec invariant 5) if stop_in_progress is set, and notifying the
// protocol afterward when fn ran.
func (a *Agreement) mutate(fn func()) {
	a.mu.Lock()
	if a.stopInProgress {
		a.mu.Unlock()
		return
	}
	fn()
	a.mu.Unlock()
	a.notifyProtocolConfigChange()
}

// recomputeLongName rebuilds the display label from the RDN and the
// short (pre-first-dot) hostname; callers must hold mu.
func (a *Agreement) recomputeLongName() {
	short := a.remoteHost
	if idx := strings.IndexByte(short, '.'); idx >= 0 {
		short = short[:idx]
	}
	a.longName = fmt.Sprintf("agmt=%q (%s:%d)", a.identity.RDN, short, a.remotePort)
}

// --- getters -------------------------------------------------------------

func (a *Agreement) GetLongName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.longName
}

func (a *Agreement) GetSessionPrefix() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionPrefix
}

func (a *Agreement) GetSessionCounter() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionCounter
}

func (a *Agreement) GetRemoteHost() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remoteHost
}

func (a *Agreement) GetRemotePort() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remotePort
}

func (a *Agreement) GetTransport() Transport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport
}

func (a *Agreement) GetBindMethod() BindMethod {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bindMethod
}

func (a *Agreement) GetBindDN() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bindDN
}

// GetBindCredential returns a fresh copy, never the live slice.
func (a *Agreement) GetBindCredential() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.bindCredential...)
}

func (a *Agreement) GetEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *Agreement) GetAutoInitialize() AutoInitialize {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.autoInitialize
}

func (a *Agreement) GetTimeoutSeconds() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeoutSeconds
}

func (a *Agreement) GetBusyWaitSeconds() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busyWaitSeconds
}

func (a *Agreement) GetPauseSeconds() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pauseSeconds
}

func (a *Agreement) GetFlowWindow() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flowWindow
}

func (a *Agreement) GetFlowPauseMS() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flowPauseMS
}

func (a *Agreement) GetWaitAsyncMS() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waitAsyncMS
}

func (a *Agreement) GetIgnoreMissing() IgnoreMissing {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ignoreMissing
}

func (a *Agreement) GetConsumerRID() (rid uint16, tentative bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consumerRID, a.ridTentative
}

func (a *Agreement) GetConsumerSchemaCSN() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consumerSchemaCSN
}

func (a *Agreement) GetAgreementMaxcsn() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agreementMaxcsn
}

func (a *Agreement) GetLastUpdate() status.Line {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUpdate
}

func (a *Agreement) GetLastInit() status.Line {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastInit
}

func (a *Agreement) UpdateInProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updateInProgress
}

func (a *Agreement) StopInProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopInProgress
}

// Protocol returns the current worker handle, or nil when stopped.
func (a *Agreement) Protocol() collab.Protocol {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.protocol
}

// --- setters ---------------------------------------------------------

// SetRemoteHost replaces the peer hostname and recomputes long_name.
func (a *Agreement) SetRemoteHost(host string) {
	a.mutate(func() {
		a.remoteHost = host
		a.recomputeLongName()
	})
}

// SetRemotePort validates and replaces the peer port, recomputing
// long_name. Returns ErrConfigConflict without mutating state on failure.
func (a *Agreement) SetRemotePort(port int) error {
	if port < 1 || port > 65535 {
		return &ErrConfigConflict{Diagnostics: []validator.Diagnostic{{Field: "remote_port", Message: "out of range"}}}
	}
	a.mutate(func() {
		a.remotePort = port
		a.recomputeLongName()
	})
	return nil
}

func (a *Agreement) SetTransport(t Transport) {
	a.mutate(func() { a.transport = t })
}

// SetBindMethod validates the new method against the current transport
// before committing (invariant: plain transport excludes tls-client-cert).
func (a *Agreement) SetBindMethod(method BindMethod) error {
	a.mu.Lock()
	if a.stopInProgress {
		a.mu.Unlock()
		return nil
	}
	if a.transport == TransportPlain && method == BindTLSClientCert {
		a.mu.Unlock()
		return &ErrConfigConflict{Diagnostics: []validator.Diagnostic{
			{Field: "bind_method", Message: "tls-client-cert requires a TLS transport, not plain"},
		}}
	}
	a.bindMethod = method
	a.mu.Unlock()
	a.notifyProtocolConfigChange()
	return nil
}

func (a *Agreement) SetBindDN(dn string) {
	a.mutate(func() { a.bindDN = dn })
}

func (a *Agreement) SetBindCredential(cred []byte) {
	a.mutate(func() { a.bindCredential = append([]byte(nil), cred...) })
}

func (a *Agreement) SetBootstrap(transport Transport, method BindMethod, dn string, cred []byte) error {
	if method != BindSimple && method != BindTLSClientCert {
		return &ErrConfigConflict{Diagnostics: []validator.Diagnostic{
			{Field: "bootstrap_bind_method", Message: "restricted to simple or tls-client-cert"},
		}}
	}
	a.mutate(func() {
		a.hasBootstrap = true
		a.bootstrapTransport = transport
		a.bootstrapBindMethod = method
		a.bootstrapBindDN = dn
		a.bootstrapBindCredential = append([]byte(nil), cred...)
	})
	return nil
}

func (a *Agreement) SetSchedule(s collab.Schedule) {
	a.mutate(func() { a.schedule = s })
}

func (a *Agreement) SetAutoInitialize(v AutoInitialize) {
	a.mutate(func() { a.autoInitialize = v })
}

func (a *Agreement) SetTimeoutSeconds(v int64) error {
	if v < 0 {
		return &ErrConfigConflict{Diagnostics: []validator.Diagnostic{{Field: "timeout_seconds", Message: "must be >= 0"}}}
	}
	a.mutate(func() { a.timeoutSeconds = v })
	return nil
}

func (a *Agreement) SetBusyWaitSeconds(v int64) error {
	if v < 0 {
		return &ErrConfigConflict{Diagnostics: []validator.Diagnostic{{Field: "busy_wait_seconds", Message: "must be >= 0"}}}
	}
	a.mutate(func() { a.busyWaitSeconds = v })
	return nil
}

func (a *Agreement) SetPauseSeconds(v int64) error {
	if v < 0 {
		return &ErrConfigConflict{Diagnostics: []validator.Diagnostic{{Field: "pause_seconds", Message: "must be >= 0"}}}
	}
	a.mutate(func() { a.pauseSeconds = v })
	return nil
}

func (a *Agreement) SetFlowWindow(v int64) error {
	if v < 0 {
		return &ErrConfigConflict{Diagnostics: []validator.Diagnostic{{Field: "flow_window", Message: "must be >= 0"}}}
	}
	a.mutate(func() { a.flowWindow = v })
	return nil
}

func (a *Agreement) SetFlowPauseMS(v int64) error {
	if v < 0 {
		return &ErrConfigConflict{Diagnostics: []validator.Diagnostic{{Field: "flow_pause_ms", Message: "must be >= 0"}}}
	}
	a.mutate(func() { a.flowPauseMS = v })
	return nil
}

func (a *Agreement) SetWaitAsyncMS(v int64) {
	a.mutate(func() { a.waitAsyncMS = v })
}

func (a *Agreement) SetIgnoreMissing(v IgnoreMissing) {
	a.mutate(func() { a.ignoreMissing = v })
}

// SetEnabled flips the enabled flag and reports whether it actually changed
// (per spec invariant 5, a no-op while stop_in_progress still reports no
// change and no error). The caller — the Lifecycle Controller — is
// responsible for the start/stop side effect of a transition; Agreement
// itself only tracks the flag and, when turning off, the protocol handle
// still being non-nil until lifecycle finishes stopping it.
func (a *Agreement) SetEnabled(enabled bool) (changed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopInProgress {
		return false
	}
	if a.enabled == enabled {
		return false
	}
	a.enabled = enabled
	return true
}

// SetProtocol installs (or clears, with nil) the running worker handle.
// Invariant: an agreement whose enabled=false has protocol=nil; callers
// must only install a non-nil handle on an enabled agreement.
func (a *Agreement) SetProtocol(p collab.Protocol) {
	a.mu.Lock()
	a.protocol = p
	a.mu.Unlock()
}

func (a *Agreement) SetUpdateInProgress(v bool) {
	a.mu.Lock()
	a.updateInProgress = v
	a.mu.Unlock()
}

// BeginStop sets stop_in_progress, returning false if it was already set
// (making Stop's caller idempotent per spec invariant 4).
func (a *Agreement) BeginStop() (began bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopInProgress {
		return false
	}
	a.stopInProgress = true
	return true
}

// EndStop clears stop_in_progress and the protocol handle; called by the
// Lifecycle Controller once the worker has acknowledged shutdown.
func (a *Agreement) EndStop() {
	a.mu.Lock()
	a.stopInProgress = false
	a.protocol = nil
	a.mu.Unlock()
}

// SetConsumerRUV installs a new RUV handle, returning the previous one so
// the caller can Release() it outside any lock.
func (a *Agreement) SetConsumerRUV(ruv collab.RUV) (previous collab.RUV) {
	a.mu.Lock()
	previous = a.consumerRUV
	a.consumerRUV = ruv
	a.mu.Unlock()
	return previous
}

func (a *Agreement) ConsumerRUV() collab.RUV {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consumerRUV
}

func (a *Agreement) SetConsumerSchemaCSN(csn string) {
	a.mu.Lock()
	a.consumerSchemaCSN = csn
	a.mu.Unlock()
}

// SetConsumerRID records the remote replica id observed on this session;
// tentative=true forces a refresh on the next session, per spec §4.5 start.
func (a *Agreement) SetConsumerRID(rid uint16, tentative bool) {
	a.mu.Lock()
	a.consumerRID = rid
	a.ridTentative = tentative
	a.mu.Unlock()
}

// SetAgreementMaxcsnRaw installs a maxcsn string read verbatim from the
// tombstone entry (used by start when reconciling against the on-disk
// value); it is not re-derived, only validated for the 6-field shape.
func (a *Agreement) SetAgreementMaxcsnRaw(raw string) error {
	if raw != "" {
		if _, err := ParseAgreementMaxcsn(raw); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.agreementMaxcsn = raw
	a.mu.Unlock()
	return nil
}

// NextSessionID advances the session counter (cycling 1..999, per spec
// invariant 8) and returns the "<prefix> NNN" tag used in log correlation.
func (a *Agreement) NextSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionCounter >= 999 || a.sessionCounter < 1 {
		a.sessionCounter = 1
	} else {
		a.sessionCounter++
	}
	return fmt.Sprintf("%s %03d", a.sessionPrefix, a.sessionCounter)
}

// --- fractional / strip attribute sets -----------------------------------

// SetFractionalAttrs replaces the incremental exclude set.
func (a *Agreement) SetFractionalAttrs(attrs []string) {
	a.mu.Lock()
	stopping := a.stopInProgress
	a.mu.Unlock()
	if stopping {
		return
	}
	a.fractionalMu.Lock()
	a.fractionalAttrs = toSet(attrs)
	a.fractionalMu.Unlock()
	a.notifyProtocolConfigChange()
}

// SetFractionalAttrsTotal replaces the total-refresh exclude set; hasTotal
// false means "undefined", falling back to the incremental set per spec §3.
func (a *Agreement) SetFractionalAttrsTotal(attrs []string, hasTotal bool) {
	a.mu.Lock()
	stopping := a.stopInProgress
	a.mu.Unlock()
	if stopping {
		return
	}
	a.fractionalMu.Lock()
	a.fractionalAttrsTotal = toSet(attrs)
	a.hasFractionalAttrsTotal = hasTotal
	a.fractionalMu.Unlock()
	a.notifyProtocolConfigChange()
}

func (a *Agreement) SetStripAttrs(attrs []string) {
	a.mu.Lock()
	stopping := a.stopInProgress
	a.mu.Unlock()
	if stopping {
		return
	}
	a.fractionalMu.Lock()
	a.stripAttrs = toSet(attrs)
	a.fractionalMu.Unlock()
	a.notifyProtocolConfigChange()
}

// IsFractionalAttr reports whether name is excluded from incremental
// replication.
func (a *Agreement) IsFractionalAttr(name string) bool {
	a.fractionalMu.RLock()
	defer a.fractionalMu.RUnlock()
	_, ok := a.fractionalAttrs[strings.ToLower(name)]
	return ok
}

// IsFractionalAttrTotal reports whether name is excluded from a total
// refresh, falling back to the incremental set when the total set is
// undefined.
func (a *Agreement) IsFractionalAttrTotal(name string) bool {
	a.fractionalMu.RLock()
	defer a.fractionalMu.RUnlock()
	name = strings.ToLower(name)
	if !a.hasFractionalAttrsTotal {
		_, ok := a.fractionalAttrs[name]
		return ok
	}
	_, ok := a.fractionalAttrsTotal[name]
	return ok
}

func (a *Agreement) GetFractionalAttrs() []string {
	a.fractionalMu.RLock()
	defer a.fractionalMu.RUnlock()
	out := make([]string, 0, len(a.fractionalAttrs))
	for n := range a.fractionalAttrs {
		out = append(out, n)
	}
	return out
}

// --- protocol_timeout: a lock-free channel between admin and worker ------

func (a *Agreement) LoadProtocolTimeout() int64      { return a.protocolTimeout.Load() }
func (a *Agreement) StoreProtocolTimeout(v int64)    { a.protocolTimeout.Store(v) }

// --- DN matching -----------------------------------------------------

// canonicalDN lower-cases and trims a DN for equality comparison. It is
// recomputed on every call; internal/dnindex's LRU cache is not used here.
func canonicalDN(dn string) string {
	return strings.ToLower(strings.TrimSpace(dn))
}

// MatchesName reports whether dn names this agreement's own configuration
// entry (its identity DN).
func (a *Agreement) MatchesName(dn string) bool {
	return canonicalDN(dn) == canonicalDN(a.identity.DN)
}

// ReplAreaMatches reports whether dn falls under this agreement's
// replicated subtree.
func (a *Agreement) ReplAreaMatches(dn string) bool {
	cdn := canonicalDN(dn)
	csub := canonicalDN(a.replicatedSubtree)
	return cdn == csub || strings.HasSuffix(cdn, ","+csub)
}

// InScheduleNow delegates to the Schedule collaborator; an agreement with
// no schedule installed is always in-window.
func (a *Agreement) InScheduleNow(now time.Time) bool {
	a.mu.Lock()
	s := a.schedule
	a.mu.Unlock()
	if s == nil {
		return true
	}
	return s.InWindowNow(now)
}

// --- change counters -------------------------------------------------

// IncChangeCounter updates (allocating if new) the per-rid tally, preserving
// the single-record-per-rid invariant even as the list grows past its
// initial MaxSuppliers capacity.
func (a *Agreement) IncChangeCounter(rid uint16, skipped bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.changeCounters {
		if a.changeCounters[i].RemoteRID == rid {
			if skipped {
				a.changeCounters[i].Skipped++
			} else {
				a.changeCounters[i].Replayed++
			}
			return
		}
	}
	cc := ChangeCounter{RemoteRID: rid}
	if skipped {
		cc.Skipped = 1
	} else {
		cc.Replayed = 1
	}
	a.changeCounters = append(a.changeCounters, cc)
}

// GetChangeCounters returns a fresh copy of the counter list.
func (a *Agreement) GetChangeCounters() []ChangeCounter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ChangeCounter(nil), a.changeCounters...)
}

// RenderChangeCounters renders the counters as space-separated
// "rid:replayed/skipped" tokens, in insertion order.
func (a *Agreement) RenderChangeCounters() string {
	counters := a.GetChangeCounters()
	rid := make([]uint16, len(counters))
	replayed := make([]uint64, len(counters))
	skipped := make([]uint64, len(counters))
	for i, c := range counters {
		rid[i], replayed[i], skipped[i] = c.RemoteRID, c.Replayed, c.Skipped
	}
	return status.RenderCounters(rid, replayed, skipped)
}

// --- status slots ------------------------------------------------------

// SetLastUpdateStatus applies the pure status mapping of spec §4.4 to the
// last-update slot. start/end are epoch seconds bracketing the session.
func (a *Agreement) SetLastUpdateStatus(startEpoch, endEpoch int64, ldapRC, replRC int, message string) {
	result := status.Build(ldapRC, replRC, false, 0, message)
	if !result.Changed {
		return
	}
	a.mu.Lock()
	a.lastUpdate = status.Line{Start: startEpoch, End: endEpoch, Human: result.Human, JSON: result.JSON}
	a.mu.Unlock()
}

// SetLastInitStatus is the same mapping for the last-init slot, with an
// additional connection result code.
func (a *Agreement) SetLastInitStatus(startEpoch, endEpoch int64, ldapRC, replRC, connRC int, message string) {
	result := status.Build(ldapRC, replRC, true, connRC, message)
	if !result.Changed {
		return
	}
	a.mu.Lock()
	a.lastInit = status.Line{Start: startEpoch, End: endEpoch, Human: result.Human, JSON: result.JSON}
	a.mu.Unlock()
}

// --- notify_change: the hot path ----------------------------------------

// NotifyChange implements spec §4.5's notify_change: drops changes outside
// replicated_subtree, delivers add/delete/modrdn unconditionally, and for
// modify operations delivers only if at least one touched attribute is not
// excluded by the fractional set. Returns whether the change was handed to
// the protocol worker.
func (a *Agreement) NotifyChange(change collab.Change) bool {
	if !a.ReplAreaMatches(change.DN) {
		return false
	}

	if change.Op == collab.OpModify {
		a.fractionalMu.RLock()
		deliver := false
		for _, attr := range change.Mods {
			if _, excluded := a.fractionalAttrs[strings.ToLower(attr)]; !excluded {
				deliver = true
				break
			}
		}
		a.fractionalMu.RUnlock()
		if !deliver {
			return false
		}
	}

	a.mu.Lock()
	p := a.protocol
	a.mu.Unlock()
	if p == nil {
		return false
	}
	p.NotifyChange(change)
	return true
}

// ComputeMaxcsnUpdate implements the counting rule of spec §4.5's
// update_maxcsn / §9's preserved fractional+strip mixing: a change all of
// whose mods are individually filtered by either the fractional or the
// strip set is skipped (skip=true); otherwise it returns the new
// agreement_maxcsn string to persist, using the current consumer_rid or the
// literal "unavailable" if unknown.
func (a *Agreement) ComputeMaxcsnUpdate(change collab.Change) (newMaxcsn string, skip bool) {
	if !a.ReplAreaMatches(change.DN) {
		return "", true
	}

	if change.Op == collab.OpModify && len(change.Mods) > 0 {
		a.fractionalMu.RLock()
		allFiltered := true
		for _, attr := range change.Mods {
			lowered := strings.ToLower(attr)
			_, frac := a.fractionalAttrs[lowered]
			_, strip := a.stripAttrs[lowered]
			if !frac && !strip {
				allFiltered = false
				break
			}
		}
		a.fractionalMu.RUnlock()
		if allFiltered {
			return "", true
		}
	}

	a.mu.Lock()
	rid := a.consumerRID
	a.mu.Unlock()

	ridField := "unavailable"
	if rid != 0 {
		ridField = fmt.Sprintf("%d", rid)
	}
	maxcsn := FormatAgreementMaxcsn(a.replicatedSubtree, a.identity.RDN, a.GetRemoteHost(), a.GetRemotePort(), ridField, change.CSN)
	a.mu.Lock()
	a.agreementMaxcsn = maxcsn
	a.mu.Unlock()
	return maxcsn, false
}

// MaxcsnPrefix returns the "<subtree>;<rdn>;<host>;<port>;" portion used to
// locate this agreement's entry in a tombstone's value list.
func (a *Agreement) MaxcsnPrefix() string {
	return fmt.Sprintf("%s;%s;%s;%d;", a.replicatedSubtree, a.identity.RDN, a.GetRemoteHost(), a.GetRemotePort())
}

// FormatAgreementMaxcsn builds the persisted maxcsn value string, spec §6.
func FormatAgreementMaxcsn(subtree, rdn, host string, port int, ridField, csn string) string {
	return fmt.Sprintf("%s;%s;%s;%d;%s;%s", subtree, rdn, host, port, ridField, csn)
}

// AgreementMaxcsn holds the six ';'-separated fields of a persisted maxcsn
// value, as split by ParseAgreementMaxcsn.
type AgreementMaxcsn struct {
	Subtree string
	RDN     string
	Host    string
	Port    string
	RID     string
	CSN     string
}

// Release tears down the agreement's in-memory state: it releases the
// consumer RUV reference, clears the change-counter list and the
// fractional/strip sets, and clears the schedule and protocol references.
// Callers (the Lifecycle Controller's delete operation) must have already
// stopped the worker; Release does not itself stop anything.
func (a *Agreement) Release() {
	a.mu.Lock()
	ruv := a.consumerRUV
	a.consumerRUV = nil
	a.schedule = nil
	a.protocol = nil
	a.changeCounters = nil
	a.mu.Unlock()

	a.fractionalMu.Lock()
	a.fractionalAttrs = nil
	a.fractionalAttrsTotal = nil
	a.stripAttrs = nil
	a.fractionalMu.Unlock()

	if ruv != nil {
		ruv.Release()
	}
}

// ParseAgreementMaxcsn splits a persisted maxcsn value into its six fields,
// failing unless there are exactly six ';'-separated fields (spec §3, §6).
func ParseAgreementMaxcsn(raw string) (AgreementMaxcsn, error) {
	parts := strings.Split(raw, ";")
	if len(parts) != 6 {
		return AgreementMaxcsn{}, fmt.Errorf("agreement: maxcsn %q does not split into 6 fields", raw)
	}
	return AgreementMaxcsn{
		Subtree: parts[0],
		RDN:     parts[1],
		Host:    parts[2],
		Port:    parts[3],
		RID:     parts[4],
		CSN:     parts[5],
	}, nil
}
