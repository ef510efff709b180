// Package status implements the Status & Counters component: the pure
// mapping from LDAP/replication result codes to the two rotating status
// slots (last update, last init), and the rendering of per-replica change
// counters.
package status

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the traffic-light summary of a status slot.
type State string

const (
	StateGreen State = "green"
	StateAmber State = "amber"
	StateRed   State = "red"
)

// Well-known repl_rc values the status builder treats specially. The exact
// numeric values mirror the wire protocol's result codes; the engine only
// needs to recognize them, never interpret their bit layout.
//
// ReplRCUptodate is not a wire result code: the protocol never reports
// "uptodate" as a repl_rc, it simply has nothing to say. It is a distinct
// out-of-band sentinel (no wire repl_rc is negative) so it never collides
// with the literal repl_rc=0 used by the green "acquired" and cleared-slot
// rows below — those two rows and the "no write at all" row are three
// different things, not one.
const (
	ReplRCUptodate         = -1
	ReplRCBusy             = 51
	ReplRCTransient        = 52
	ReplRCBackoff          = 53
	ReplRCReleaseSucceeded = 60
	ReplRCDisabled         = 61
)

var replRCText = map[int]string{
	0:                      "success",
	ReplRCBusy:             "can't acquire busy replica",
	ReplRCTransient:        "transient error",
	ReplRCBackoff:          "backoff requested",
	ReplRCReleaseSucceeded: "release succeeded",
	ReplRCDisabled:         "replica disabled",
}

var connRCText = map[int]string{
	0: "connected",
}

func rcText(table map[int]string, rc int) string {
	if text, ok := table[rc]; ok {
		return text
	}
	return fmt.Sprintf("unknown code %d", rc)
}

// Line is one rotating status slot: a human line, a structured JSON line,
// and the timestamps bracketing the session it describes.
type Line struct {
	Start     int64
	End       int64
	Human     string
	JSON      string
}

// JSONPayload is the structured form written to last-update-status-json /
// last-init-status-json.
type JSONPayload struct {
	State      State  `json:"state"`
	LDAPRC     string `json:"ldap_rc"`
	LDAPRCText string `json:"ldap_rc_text"`
	ReplRC     string `json:"repl_rc"`
	ReplRCText string `json:"repl_rc_text"`
	ConnRC     string `json:"conn_rc,omitempty"`
	ConnRCText string `json:"conn_rc_text,omitempty"`
	Date       string `json:"date"`
	Message    string `json:"message"`
}

// BuildResult is the pair of lines produced by Build, plus whether the slot
// should actually be updated (UPTODATE means "no status write").
type BuildResult struct {
	Changed bool
	Human   string
	JSON    string
}

// Build implements the pure mapping of spec §4.4. connRC is only meaningful
// for the init slot; pass hasConn=false for the update slot.
func Build(ldapRC, replRC int, hasConn bool, connRC int, message string) BuildResult {
	if replRC == ReplRCUptodate && ldapRC == 0 {
		return BuildResult{Changed: false}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	payload := JSONPayload{
		LDAPRC:     fmt.Sprintf("%d", ldapRC),
		LDAPRCText: rcText(map[int]string{0: "success"}, ldapRC),
		ReplRC:     fmt.Sprintf("%d", replRC),
		ReplRCText: rcText(replRCText, replRC),
		Date:       now,
		Message:    message,
	}
	if hasConn {
		payload.ConnRC = fmt.Sprintf("%d", connRC)
		payload.ConnRCText = rcText(connRCText, connRC)
	}

	var human string
	switch {
	case ldapRC != 0:
		payload.State = StateRed
		human = fmt.Sprintf("Error (%d) %s (%s)", ldapRC, payload.LDAPRCText, payload.ReplRCText)
	case replRC == ReplRCBusy || replRC == ReplRCTransient || replRC == ReplRCBackoff:
		payload.State = StateAmber
		human = fmt.Sprintf("Retry (%d) %s", replRC, payload.ReplRCText)
	case replRC == ReplRCReleaseSucceeded:
		payload.State = StateGreen
		human = "Replica acquired successfully"
	case replRC == ReplRCDisabled:
		payload.State = StateRed
		human = "Error: replica disabled; check whether the suffix is enabled for replication"
	case replRC != 0:
		payload.State = StateRed
		human = fmt.Sprintf("Error (%d) %s", replRC, payload.ReplRCText)
	case message != "":
		payload.State = StateGreen
		human = "Replica acquired"
	default:
		// all zero, no message: reset, clear both lines
		return BuildResult{Changed: true, Human: "", JSON: ""}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		// JSONPayload has only string fields; marshal cannot fail in
		// practice, but keep the status slot usable if it somehow does.
		raw = []byte(`{}`)
	}
	return BuildResult{Changed: true, Human: human, JSON: string(raw)}
}

// RenderCounters formats change counters as "rid:replayed/skipped" tokens,
// space-separated, in the order given.
func RenderCounters(rid []uint16, replayed, skipped []uint64) string {
	if len(rid) == 0 {
		return ""
	}
	parts := make([]string, 0, len(rid))
	for i := range rid {
		parts = append(parts, fmt.Sprintf("%d:%d/%d", rid[i], replayed[i], skipped[i]))
	}
	return strings.Join(parts, " ")
}
