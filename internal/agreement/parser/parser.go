// Package parser implements the Config Parser component: it maps a
// configuration record (an attribute bag, as stored on a replication
// agreement entry) into a fully initialised agreement.Agreement, applying
// the defaults and defaulting rules of spec §3 before overlaying explicit
// values, and rejecting malformed records before they ever reach the
// Agreement Store.
package parser

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/openreplicator/agreement-engine/internal/agreement"
	"github.com/openreplicator/agreement-engine/internal/collab"
)

// Record is a configuration entry: attribute name to one or more string
// values, exactly as it would be read off the directory entry backing an
// agreement.
type Record map[string][]string

func (r Record) first(attr string) string {
	vals := r[attr]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (r Record) has(attr string) bool {
	_, ok := r[attr]
	return ok
}

// forbiddenAttrs can never appear in a fractional-attribute list; they are
// filtered out silently (the caller is handed the filtered set separately
// so it can log an administrative error), per spec §4.2.
var forbiddenAttrs = map[string]struct{}{
	"nsuniqueid":       {},
	"modifiersname":    {},
	"lastmodifiedtime": {},
	"dc":               {},
	"o":                {},
	"ou":               {},
	"cn":               {},
	"objectclass":      {},
}

// Result is the outcome of a successful Parse: the constructed agreement,
// plus any fractional attributes that were silently dropped because they
// were on the forbidden list.
type Result struct {
	Agreement        *agreement.Agreement
	ForbiddenDropped []string
}

// Error wraps the diagnostics produced by an invalid record; this is the
// engine's sole fatal creation-time error (ConfigInvalid per spec §7).
type Error struct {
	Diagnostics []string
}

func (e *Error) Error() string {
	return "parser: config invalid: " + strings.Join(e.Diagnostics, "; ")
}

// Parse maps record into a validated Agreement registered under identity
// and covering subtree. dir is consulted for the backend flavor (to select
// flow-control defaults) and for the process-wide default fractional
// attribute list; ctx bounds those calls.
func Parse(ctx context.Context, dir collab.Directory, identity agreement.Identity, subtree string, typ agreement.AgreementType, record Record) (Result, error) {
	var diags []string

	host := record.first("replica-host")
	portStr := record.first("replica-port")
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		diags = append(diags, fmt.Sprintf("replica-port: invalid port %q", portStr))
		port = 0
	}

	// An unrecognized primary transport is a silent no-op: the transport
	// stays at its default.
	transport, _ := parseTransport(record.first("transport-info"))

	bindMethod, ok := parseBindMethod(record.first("replica-bind-method"))
	if !ok {
		diags = append(diags, fmt.Sprintf("replica-bind-method: unrecognized value %q", record.first("replica-bind-method")))
	}

	var hasBootstrap bool
	var bootstrapTransport agreement.Transport
	var bootstrapMethod agreement.BindMethod
	if record.has("replica-bootstrap-transport-info") || record.has("replica-bootstrap-bind-method") {
		hasBootstrap = true
		bt, btOK := parseTransport(record.first("replica-bootstrap-transport-info"))
		if !btOK {
			// unlike the primary transport, an unrecognized bootstrap
			// transport is a hard error, not a silent no-op (spec §4.2).
			diags = append(diags, fmt.Sprintf("replica-bootstrap-transport-info: unrecognized value %q", record.first("replica-bootstrap-transport-info")))
		}
		bootstrapTransport = bt
		bm, bmOK := parseBindMethod(record.first("replica-bootstrap-bind-method"))
		if !bmOK || (bm != agreement.BindSimple && bm != agreement.BindTLSClientCert) {
			diags = append(diags, "replica-bootstrap-bind-method: bootstrap auth is restricted to SIMPLE or SSLCLIENTAUTH")
		}
		bootstrapMethod = bm
	}

	flowWindow, flowPause := flowControlDefaults(ctx, dir, subtree)
	if v := record.first("flow-control-window"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			flowWindow = n
		} else {
			diags = append(diags, fmt.Sprintf("flow-control-window: invalid value %q", v))
		}
	}
	if v := record.first("flow-control-pause"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			flowPause = n
		} else {
			diags = append(diags, fmt.Sprintf("flow-control-pause: invalid value %q", v))
		}
	}

	timeout := parseNonNegSeconds(record, "replica-timeout", 120, &diags)
	busyWait := parseNonNegSeconds(record, "busy-wait-time", 120, &diags)
	pause := parseNonNegSeconds(record, "session-pause-time", 0, &diags)
	waitAsync := parseNonNegSeconds(record, "wait-for-async-results", 100, &diags)

	fracAttrs, forbiddenInc, err := parseFractionalGrammar(record.first("replicated-attribute-list"))
	if err != nil {
		diags = append(diags, err.Error())
	}
	fracAttrsTotal, hasTotal, forbiddenTot, err := parseFractionalGrammarOptional(record.first("replicated-attribute-list-total"))
	if err != nil {
		diags = append(diags, err.Error())
	}

	defaults, derr := dir.DefaultFractionalAttrs(ctx)
	if derr == nil {
		fracAttrs = mergeDedup(fracAttrs, defaults)
	}

	var forbiddenDropped []string
	fracAttrs, dropped := filterForbidden(fracAttrs)
	forbiddenDropped = append(forbiddenDropped, dropped...)
	forbiddenDropped = append(forbiddenDropped, forbiddenInc...)
	if hasTotal {
		fracAttrsTotal, dropped = filterForbidden(fracAttrsTotal)
		forbiddenDropped = append(forbiddenDropped, dropped...)
		forbiddenDropped = append(forbiddenDropped, forbiddenTot...)
	}

	stripAttrs := splitFields(record.first("replica-strip-attrs"))

	enabled := true
	if v := record.first("replica-enabled"); v != "" {
		enabled = strings.EqualFold(v, "on")
	}

	autoInit := agreement.AutoInitIncremental
	if strings.EqualFold(record.first("begin-replica-refresh"), "start") {
		autoInit = agreement.AutoInitTotal
	}

	ignoreMissing := parseIgnoreMissing(record.first("replica-ignore-missing-change"))

	longName := fmt.Sprintf("agmt=%q (%s:%d)", identity.RDN, shortHost(host), port)
	sessionPrefix := sessionPrefixFor(subtree, host, portStr, record.first("replica-secure-port"))

	fields := agreement.Fields{
		LongName:                longName,
		SessionPrefix:           sessionPrefix,
		RemoteHost:              host,
		RemotePort:              port,
		Transport:               transport,
		BindMethod:              bindMethod,
		BindDN:                  record.first("replica-bind-dn"),
		BindCredential:          []byte(record.first("replica-credentials")),
		HasBootstrap:            hasBootstrap,
		BootstrapTransport:      bootstrapTransport,
		BootstrapBindMethod:     bootstrapMethod,
		BootstrapBindDN:         record.first("replica-bootstrap-bind-dn"),
		BootstrapBindCredential: []byte(record.first("replica-bootstrap-credentials")),
		FractionalAttrs:         fracAttrs,
		FractionalAttrsTotal:    fracAttrsTotal,
		HasFractionalAttrsTotal: hasTotal,
		StripAttrs:              stripAttrs,
		Enabled:                 enabled,
		AutoInitialize:          autoInit,
		TimeoutSeconds:          timeout,
		BusyWaitSeconds:         busyWait,
		PauseSeconds:            pause,
		FlowWindow:              flowWindow,
		FlowPauseMS:             flowPause,
		WaitAsyncMS:             waitAsync,
		IgnoreMissing:           ignoreMissing,
	}

	if len(diags) > 0 {
		return Result{}, &Error{Diagnostics: diags}
	}

	ag, vdiags := agreement.New(identity, subtree, typ, fields)
	if len(vdiags) > 0 {
		strs := make([]string, len(vdiags))
		for i, d := range vdiags {
			strs[i] = d.String()
		}
		return Result{}, &Error{Diagnostics: strs}
	}

	return Result{Agreement: ag, ForbiddenDropped: forbiddenDropped}, nil
}

func parseNonNegSeconds(record Record, attr string, def int64, diags *[]string) int64 {
	v := record.first(attr)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		*diags = append(*diags, fmt.Sprintf("%s: invalid value %q", attr, v))
		return def
	}
	return n
}

func parseTransport(v string) (agreement.Transport, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "LDAP":
		return agreement.TransportPlain, true
	case "SSL", "LDAPS":
		return agreement.TransportImplicitTLS, true
	case "TLS", "STARTTLS":
		return agreement.TransportStartTLS, true
	default:
		return agreement.TransportPlain, false
	}
}

func parseBindMethod(v string) (agreement.BindMethod, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "SIMPLE":
		return agreement.BindSimple, true
	case "SSLCLIENTAUTH":
		return agreement.BindTLSClientCert, true
	case "SASL/GSSAPI":
		return agreement.BindSASLGSSAPI, true
	case "SASL/DIGEST-MD5":
		return agreement.BindSASLDigestMD5, true
	default:
		return agreement.BindSimple, false
	}
}

func parseIgnoreMissing(v string) agreement.IgnoreMissing {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "once":
		return agreement.IgnoreMissingOnce
	case "always":
		return agreement.IgnoreMissingAlways
	default:
		return agreement.IgnoreMissingNever
	}
}

// flowControlDefaults selects the §3 defaults by asking the Directory which
// backend flavor hosts subtree: LMDB gets 50/200ms, everything else 1000/2000ms.
func flowControlDefaults(ctx context.Context, dir collab.Directory, subtree string) (window, pauseMS int64) {
	flavor, err := dir.BackendFlavor(ctx, subtree)
	if err == nil && flavor == collab.BackendLMDB {
		return 50, 200
	}
	return 1000, 2000
}

var fractionalPrefix = "(objectclass=*) $ EXCLUDE "

// parseFractionalGrammar parses the mandatory replicated-attribute-list
// grammar: "(objectclass=*) $ EXCLUDE <attr> [<attr>...]".
func parseFractionalGrammar(v string) (attrs []string, forbidden []string, err error) {
	if v == "" {
		return nil, nil, nil
	}
	if !strings.HasPrefix(v, fractionalPrefix) {
		return nil, nil, fmt.Errorf("replicated-attribute-list: must begin with %q", fractionalPrefix)
	}
	rest := strings.TrimPrefix(v, fractionalPrefix)
	attrs = splitFields(rest)
	return attrs, nil, nil
}

func parseFractionalGrammarOptional(v string) (attrs []string, has bool, forbidden []string, err error) {
	if v == "" {
		return nil, false, nil, nil
	}
	a, f, err := parseFractionalGrammar(v)
	return a, true, f, err
}

func splitFields(v string) []string {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// filterForbidden checks membership case-insensitively (LDAP attribute names
// carry no case) but keeps the administrator's original spelling in dropped,
// since that is only ever surfaced back to them in a diagnostic. kept is
// lower-cased: it becomes the agreement's stored fractional set, which must
// match whatever case incoming mod attribute names happen to arrive in.
func filterForbidden(attrs []string) (kept []string, dropped []string) {
	for _, a := range attrs {
		if _, bad := forbiddenAttrs[strings.ToLower(a)]; bad {
			dropped = append(dropped, a)
			continue
		}
		kept = append(kept, strings.ToLower(a))
	}
	return kept, dropped
}

// mergeDedup merges extra into base, case-insensitively, preferring base's
// spelling when the same attribute appears in both.
func mergeDedup(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	out := make([]string, 0, len(base)+len(extra))
	for _, a := range base {
		key := strings.ToLower(a)
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			out = append(out, a)
		}
	}
	for _, a := range extra {
		key := strings.ToLower(a)
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

func shortHost(host string) string {
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		return host[:idx]
	}
	return host
}

// maxSessionTagBytes bounds the "<prefix> NNN" buffer per spec §4.2.
const maxSessionTagBytes = 64

// sessionPrefixFor computes the deterministic session-correlation prefix:
// SHA-1 of subtree||host||port||securePort, base64-encoded and truncated so
// the composite session tag fits in maxSessionTagBytes. Any missing input
// falls back to the literal "dummyID".
func sessionPrefixFor(subtree, host, port, securePort string) string {
	if subtree == "" || host == "" || port == "" || securePort == "" {
		return "dummyID"
	}
	sum := sha1.Sum([]byte(subtree + host + port + securePort))
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	// " NNN" is 4 bytes; leave room for it within the 64-byte buffer.
	maxPrefixLen := maxSessionTagBytes - 4
	if len(encoded) > maxPrefixLen {
		encoded = encoded[:maxPrefixLen]
	}
	return encoded
}
