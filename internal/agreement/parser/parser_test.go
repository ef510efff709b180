package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openreplicator/agreement-engine/internal/agreement"
	"github.com/openreplicator/agreement-engine/internal/collab"
	"github.com/openreplicator/agreement-engine/internal/collab/directorymem"
)

func testIdentity() agreement.Identity {
	return agreement.Identity{DN: "cn=agmt to consumer1,cn=replica,cn=dc\\3Dexample\\2Cdc\\3Dcom,cn=mapping tree,cn=config", RDN: "agmt to consumer1"}
}

func validRecord() Record {
	return Record{
		"replica-host":            {"consumer1.example.com"},
		"replica-port":            {"389"},
		"transport-info":          {"LDAP"},
		"replica-bind-method":     {"SIMPLE"},
		"replica-bind-dn":         {"cn=replication manager,cn=config"},
		"replica-credentials":     {"s3cr3t"},
		"replica-enabled":         {"on"},
		"replicated-attribute-list": {"(objectclass=*) $ EXCLUDE memberOf"},
	}
}

func TestParse_ValidRecord(t *testing.T) {
	dir := directorymem.New()
	result, err := Parse(context.Background(), dir, testIdentity(), "dc=example,dc=com", agreement.TypeMultiSupplier, validRecord())
	require.NoError(t, err)
	require.NotNil(t, result.Agreement)

	assert.Equal(t, "consumer1.example.com", result.Agreement.GetRemoteHost())
	assert.Equal(t, 389, result.Agreement.GetRemotePort())
	assert.Equal(t, agreement.TransportPlain, result.Agreement.GetTransport())
	assert.Equal(t, agreement.BindSimple, result.Agreement.GetBindMethod())
	assert.True(t, result.Agreement.GetEnabled())
	assert.Contains(t, result.Agreement.GetFractionalAttrs(), "memberof")
}

func TestParse_InvalidPort(t *testing.T) {
	dir := directorymem.New()
	record := validRecord()
	record["replica-port"] = []string{"not-a-number"}
	_, err := Parse(context.Background(), dir, testIdentity(), "dc=example,dc=com", agreement.TypeMultiSupplier, record)
	require.Error(t, err)
	perr, ok := err.(*Error)
	require.True(t, ok)
	assert.NotEmpty(t, perr.Diagnostics)
}

func TestParse_UnrecognizedTransport(t *testing.T) {
	dir := directorymem.New()
	record := validRecord()
	record["transport-info"] = []string{"CARRIER-PIGEON"}
	result, err := Parse(context.Background(), dir, testIdentity(), "dc=example,dc=com", agreement.TypeMultiSupplier, record)
	require.NoError(t, err)
	assert.Equal(t, agreement.TransportPlain, result.Agreement.GetTransport())
}

func TestParse_ForbiddenFractionalAttrsAreDroppedNotRejected(t *testing.T) {
	dir := directorymem.New()
	record := validRecord()
	record["replicated-attribute-list"] = []string{"(objectclass=*) $ EXCLUDE memberOf nsUniqueId modifiersName"}
	result, err := Parse(context.Background(), dir, testIdentity(), "dc=example,dc=com", agreement.TypeMultiSupplier, record)
	require.NoError(t, err)
	assert.Contains(t, result.Agreement.GetFractionalAttrs(), "memberof")
	assert.NotContains(t, result.Agreement.GetFractionalAttrs(), "nsuniqueid")
	assert.ElementsMatch(t, []string{"nsUniqueId", "modifiersName"}, result.ForbiddenDropped)
}

func TestParse_BootstrapRestrictedToSimpleOrTLSClientCert(t *testing.T) {
	dir := directorymem.New()
	record := validRecord()
	record["replica-bootstrap-transport-info"] = []string{"LDAP"}
	record["replica-bootstrap-bind-method"] = []string{"SASL/GSSAPI"}
	_, err := Parse(context.Background(), dir, testIdentity(), "dc=example,dc=com", agreement.TypeMultiSupplier, record)
	require.Error(t, err)
}

func TestParse_FlowControlDefaultsFromLMDBBackend(t *testing.T) {
	dir := directorymem.New()
	dir.SetBackendFlavor("dc=example,dc=com", collab.BackendLMDB)
	record := validRecord()
	result, err := Parse(context.Background(), dir, testIdentity(), "dc=example,dc=com", agreement.TypeMultiSupplier, record)
	require.NoError(t, err)
	assert.Equal(t, int64(50), result.Agreement.GetFlowWindow())
	assert.Equal(t, int64(200), result.Agreement.GetFlowPauseMS())
}

func TestParse_ExplicitFlowControlOverridesDefault(t *testing.T) {
	dir := directorymem.New()
	record := validRecord()
	record["flow-control-window"] = []string{"5000"}
	record["flow-control-pause"] = []string{"3000"}
	result, err := Parse(context.Background(), dir, testIdentity(), "dc=example,dc=com", agreement.TypeMultiSupplier, record)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.Agreement.GetFlowWindow())
	assert.Equal(t, int64(3000), result.Agreement.GetFlowPauseMS())
}

func TestParse_BeginReplicaRefreshStartSelectsAutoInitTotal(t *testing.T) {
	dir := directorymem.New()
	record := validRecord()
	record["begin-replica-refresh"] = []string{"start"}
	result, err := Parse(context.Background(), dir, testIdentity(), "dc=example,dc=com", agreement.TypeMultiSupplier, record)
	require.NoError(t, err)
	assert.Equal(t, agreement.AutoInitTotal, result.Agreement.GetAutoInitialize())
}

func TestParse_MergesDefaultFractionalAttrsFromDirectory(t *testing.T) {
	dir := directorymem.New()
	dir.SetDefaultFractionalAttrs([]string{"entryusn", "passwordhistory"})
	record := validRecord()
	result, err := Parse(context.Background(), dir, testIdentity(), "dc=example,dc=com", agreement.TypeMultiSupplier, record)
	require.NoError(t, err)
	assert.Contains(t, result.Agreement.GetFractionalAttrs(), "entryusn")
	assert.Contains(t, result.Agreement.GetFractionalAttrs(), "passwordhistory")
	assert.Contains(t, result.Agreement.GetFractionalAttrs(), "memberof")
}
