// Package validator implements the Validator component: pure, stateless
// checks of a configuration record (or of the fields about to change on a
// live agreement) against the invariants of the data model. It encodes no
// rule beyond those invariants, and it has no side effects. Validate runs
// when agreement.New builds an agreement during parse (rejecting bad
// records). Setters on a live agreement do not call it: setters of ranged
// fields check that field themselves, and SetBindMethod alone checks the
// transport against the bind method.
package validator

import (
	"fmt"

	goplayground "github.com/go-playground/validator/v10"
)

// Transport and BindMethod are re-declared here as small int types rather
// than imported from package agreement, so this package has no dependency
// on the Agreement Store and can be called from it without a cycle.
type Transport int

const (
	TransportPlain Transport = iota
	TransportImplicitTLS
	TransportStartTLS
)

type BindMethod int

const (
	BindSimple BindMethod = iota
	BindTLSClientCert
	BindSASLGSSAPI
	BindSASLDigestMD5
)

// Input is the subset of agreement fields the validator needs to check the
// invariants of spec §3. agreement.New builds one from the values it is
// about to commit.
type Input struct {
	Port             int     `validate:"gte=1,lte=65535"`
	Transport        Transport
	BindMethod       BindMethod
	BindDN           string
	BindCredential   []byte
	TimeoutSeconds   int64 `validate:"gte=0"`
	BusyWaitSeconds  int64 `validate:"gte=0"`
	PauseSeconds     int64 `validate:"gte=0"`
	FlowWindow       int64 `validate:"gte=0"`
	FlowPauseMS      int64 `validate:"gte=0"`
	SessionCounter   int   `validate:"gte=1,lte=999"`
	BootstrapBindMethod BindMethod
	HasBootstrap     bool
}

// Diagnostic is a single human-readable validation failure. Validate never
// panics and never short-circuits on the first failure: it collects every
// violated invariant so the caller can log (or return) all of them at once.
type Diagnostic struct {
	Field   string
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Field, d.Message)
}

var structural = goplayground.New()

// Validate checks in against every invariant of spec §3 and returns the
// full list of diagnostics, empty if in is valid.
func Validate(in Input) []Diagnostic {
	var diags []Diagnostic

	if err := structural.Struct(in); err != nil {
		if verrs, ok := err.(goplayground.ValidationErrors); ok {
			for _, fe := range verrs {
				diags = append(diags, Diagnostic{
					Field:   fe.Field(),
					Message: fmt.Sprintf("failed check %q (value %v)", fe.Tag(), fe.Value()),
				})
			}
		}
	}

	diags = append(diags, semantic(in)...)
	return diags
}

// semantic implements the cross-field rules that go-playground/validator's
// struct tags cannot express on their own, the way a StructLevel validation
// function would: transport-vs-bind-method and bind-method-vs-credentials.
func semantic(in Input) []Diagnostic {
	var diags []Diagnostic

	if in.Transport == TransportPlain && in.BindMethod == BindTLSClientCert {
		diags = append(diags, Diagnostic{
			Field:   "bind_method",
			Message: "tls-client-cert requires a TLS transport, not plain",
		})
	}

	if in.BindMethod == BindSimple || in.BindMethod == BindSASLDigestMD5 {
		if in.BindDN == "" {
			diags = append(diags, Diagnostic{Field: "bind_dn", Message: "required for this bind method"})
		}
		if len(in.BindCredential) == 0 {
			diags = append(diags, Diagnostic{Field: "bind_credential", Message: "required for this bind method"})
		}
	}

	if in.HasBootstrap {
		if in.BootstrapBindMethod != BindSimple && in.BootstrapBindMethod != BindTLSClientCert {
			diags = append(diags, Diagnostic{
				Field:   "bootstrap_bind_method",
				Message: "bootstrap auth is restricted to simple or tls-client-cert",
			})
		}
	}

	return diags
}

// IsValid is a convenience wrapper for callers that only need a boolean.
func IsValid(in Input) bool {
	return len(Validate(in)) == 0
}
