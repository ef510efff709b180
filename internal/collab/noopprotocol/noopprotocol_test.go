package noopprotocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openreplicator/agreement-engine/internal/agreement"
	"github.com/openreplicator/agreement-engine/internal/collab"
)

func testAgreement(t *testing.T, pauseSeconds int64) *agreement.Agreement {
	t.Helper()
	f := agreement.Fields{
		LongName:       "agmt1",
		SessionPrefix:  "agmt1",
		RemoteHost:     "consumer1.example.com",
		RemotePort:     389,
		Transport:      agreement.TransportStartTLS,
		BindMethod:     agreement.BindSimple,
		BindDN:         "cn=replication manager,cn=config",
		BindCredential: []byte("secret"),
		Enabled:        true,
		PauseSeconds:   pauseSeconds,
	}
	a, diags := agreement.New(agreement.Identity{DN: "cn=agmt1,cn=config", RDN: "agmt1"}, "dc=example,dc=com", agreement.TypeMultiSupplier, f)
	require.Empty(t, diags)
	return a
}

func TestProtocol_StartAndStop(t *testing.T) {
	ag := testAgreement(t, 0)
	p := New(ag, nil)

	require.NoError(t, p.Start(context.Background(), collab.ProtocolIncremental))
	require.NoError(t, p.Stop(context.Background()))
}

func TestProtocol_NotifyChangeAndConfigChangedDoNotPanic(t *testing.T) {
	ag := testAgreement(t, 0)
	p := New(ag, nil)
	assert.NotPanics(t, func() {
		p.NotifyChange(collab.Change{DN: "uid=bob,dc=example,dc=com", Op: collab.OpAdd})
		p.ConfigChanged()
		p.SetTimeoutSeconds(60)
	})
}

var _ collab.Protocol = (*Protocol)(nil)
