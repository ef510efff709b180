package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validInput() Input {
	return Input{
		Port:            389,
		Transport:       TransportStartTLS,
		BindMethod:      BindSimple,
		BindDN:          "cn=replication manager,cn=config",
		BindCredential:  []byte("secret"),
		TimeoutSeconds:  120,
		BusyWaitSeconds: 30,
		PauseSeconds:    10,
		FlowWindow:      1000,
		FlowPauseMS:     500,
		SessionCounter:  1,
	}
}

func TestValidate_ValidInput(t *testing.T) {
	assert.Empty(t, Validate(validInput()))
	assert.True(t, IsValid(validInput()))
}

func TestValidate_PortOutOfRange(t *testing.T) {
	in := validInput()
	in.Port = 0
	diags := Validate(in)
	assert.NotEmpty(t, diags)

	in.Port = 70000
	assert.NotEmpty(t, Validate(in))
}

func TestValidate_NegativeDurations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"timeout", func(in *Input) { in.TimeoutSeconds = -1 }},
		{"busy_wait", func(in *Input) { in.BusyWaitSeconds = -1 }},
		{"pause", func(in *Input) { in.PauseSeconds = -1 }},
		{"flow_window", func(in *Input) { in.FlowWindow = -1 }},
		{"flow_pause_ms", func(in *Input) { in.FlowPauseMS = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			assert.NotEmpty(t, Validate(in))
		})
	}
}

func TestValidate_SessionCounterRange(t *testing.T) {
	in := validInput()
	in.SessionCounter = 0
	assert.NotEmpty(t, Validate(in))

	in.SessionCounter = 1000
	assert.NotEmpty(t, Validate(in))
}

func TestValidate_PlainTransportRejectsTLSClientCert(t *testing.T) {
	in := validInput()
	in.Transport = TransportPlain
	in.BindMethod = BindTLSClientCert
	diags := Validate(in)
	assert.NotEmpty(t, diags)
	found := false
	for _, d := range diags {
		if d.Field == "bind_method" {
			found = true
		}
	}
	assert.True(t, found, "expected a bind_method diagnostic")
}

func TestValidate_SimpleBindRequiresDNAndCredential(t *testing.T) {
	in := validInput()
	in.BindDN = ""
	in.BindCredential = nil
	diags := Validate(in)
	assert.GreaterOrEqual(t, len(diags), 2)
}

func TestValidate_DigestMD5RequiresDNAndCredential(t *testing.T) {
	in := validInput()
	in.BindMethod = BindSASLDigestMD5
	in.BindDN = ""
	in.BindCredential = nil
	assert.NotEmpty(t, Validate(in))
}

func TestValidate_GSSAPIDoesNotRequireCredential(t *testing.T) {
	in := validInput()
	in.BindMethod = BindSASLGSSAPI
	in.BindDN = ""
	in.BindCredential = nil
	assert.Empty(t, Validate(in))
}

func TestValidate_BootstrapRestrictedToSimpleOrTLSClientCert(t *testing.T) {
	in := validInput()
	in.HasBootstrap = true
	in.BootstrapBindMethod = BindSASLGSSAPI
	assert.NotEmpty(t, Validate(in))

	in.BootstrapBindMethod = BindTLSClientCert
	assert.Empty(t, Validate(in))
}

func TestDiagnostic_String(t *testing.T) {
	d := Diagnostic{Field: "port", Message: "out of range"}
	assert.Equal(t, "port: out of range", d.String())
}
