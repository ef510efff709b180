// Package agreement implements the Agreement Store: the in-memory
// representation of a replication agreement, an internally-locked handle
// shared by pointer (no reference count) exposing typed getters,
// individually-guarded setters, and lifecycle operations.
package agreement

import "fmt"

// Transport selects how the engine connects to the remote consumer.
type Transport int

const (
	TransportPlain Transport = iota
	TransportImplicitTLS
	TransportStartTLS
)

func (t Transport) String() string {
	switch t {
	case TransportPlain:
		return "plain"
	case TransportImplicitTLS:
		return "implicit-TLS"
	case TransportStartTLS:
		return "starttls"
	default:
		return "unknown"
	}
}

// BindMethod selects how the engine authenticates to the remote consumer.
type BindMethod int

const (
	BindSimple BindMethod = iota
	BindTLSClientCert
	BindSASLGSSAPI
	BindSASLDigestMD5
)

func (b BindMethod) String() string {
	switch b {
	case BindSimple:
		return "simple"
	case BindTLSClientCert:
		return "tls-client-cert"
	case BindSASLGSSAPI:
		return "sasl-gssapi"
	case BindSASLDigestMD5:
		return "sasl-digest-md5"
	default:
		return "unknown"
	}
}

// AutoInitialize selects the initial protocol state for the next session.
type AutoInitialize int

const (
	AutoInitIncremental AutoInitialize = iota
	AutoInitTotal
)

// IgnoreMissing is the tri-state policy for missing changelog entries.
type IgnoreMissing int

const (
	IgnoreMissingNever IgnoreMissing = iota
	IgnoreMissingOnce
	IgnoreMissingAlways
)

// AgreementType discriminates multi-supplier agreements from the
// Windows-sync variant, referenced only as a branch (see spec §1).
type AgreementType int

const (
	TypeMultiSupplier AgreementType = iota
	TypeWindows
)

// Identity is the immutable key of an agreement: its distinguished name and
// the terminal RDN component derived from it.
type Identity struct {
	DN  string
	RDN string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s (%s)", id.RDN, id.DN)
}

// ChangeCounter is a single per-remote-replica replay/skip tally.
type ChangeCounter struct {
	RemoteRID uint16
	Replayed  uint64
	Skipped   uint64
}

// MaxSuppliers bounds the initial capacity of an agreement's change-counter
// list; the list grows dynamically past it if more suppliers are observed.
const MaxSuppliers = 64
