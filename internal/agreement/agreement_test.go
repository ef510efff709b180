package agreement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openreplicator/agreement-engine/internal/collab"
)

type fakeProtocol struct {
	started       bool
	stopped       bool
	notified      []collab.Change
	configChanges int
	timeout       int64
}

func (p *fakeProtocol) Start(ctx context.Context, state collab.ProtocolState) error {
	p.started = true
	return nil
}
func (p *fakeProtocol) Stop(ctx context.Context) error {
	p.stopped = true
	return nil
}
func (p *fakeProtocol) NotifyChange(change collab.Change) { p.notified = append(p.notified, change) }
func (p *fakeProtocol) SetTimeoutSeconds(seconds int64)   { p.timeout = seconds }
func (p *fakeProtocol) ConfigChanged()                    { p.configChanges++ }

type fakeRUV struct {
	released bool
}

func (r *fakeRUV) Retain() collab.RUV { return r }
func (r *fakeRUV) Release()           { r.released = true }
func (r *fakeRUV) MaxCSN(rid uint16) string { return "" }

func testIdentity() Identity {
	return Identity{DN: "cn=agmt to consumer1,cn=config", RDN: "agmt to consumer1"}
}

func validFields() Fields {
	return Fields{
		LongName:        "agmt to consumer1",
		SessionPrefix:    "agmt1",
		RemoteHost:      "consumer1.example.com",
		RemotePort:      389,
		Transport:       TransportStartTLS,
		BindMethod:      BindSimple,
		BindDN:          "cn=replication manager,cn=config",
		BindCredential:  []byte("secret"),
		Enabled:         true,
		AutoInitialize:  AutoInitIncremental,
		TimeoutSeconds:  120,
		BusyWaitSeconds: 30,
		PauseSeconds:    10,
		FlowWindow:      1000,
		FlowPauseMS:     500,
	}
}

func TestNew_ValidFieldsSucceeds(t *testing.T) {
	a, diags := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	require.Empty(t, diags)
	require.NotNil(t, a)
	assert.Equal(t, "consumer1.example.com", a.GetRemoteHost())
	assert.Equal(t, 389, a.GetRemotePort())
	assert.True(t, a.GetEnabled())
}

func TestNew_InvalidFieldsReturnsNilAndDiagnostics(t *testing.T) {
	f := validFields()
	f.RemotePort = 0
	a, diags := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, f)
	assert.Nil(t, a)
	assert.NotEmpty(t, diags)
}

func TestSetRemotePort_OutOfRangeLeavesStateUntouched(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	err := a.SetRemotePort(70000)
	require.Error(t, err)
	var conflict *ErrConfigConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 389, a.GetRemotePort())
}

func TestSetRemotePort_ValidUpdatesLongName(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	require.NoError(t, a.SetRemotePort(636))
	assert.Equal(t, 636, a.GetRemotePort())
	assert.Contains(t, a.GetLongName(), "636")
}

func TestSetBindMethod_PlainTransportRejectsTLSClientCert(t *testing.T) {
	f := validFields()
	f.Transport = TransportPlain
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, f)
	err := a.SetBindMethod(BindTLSClientCert)
	require.Error(t, err)
	assert.Equal(t, BindSimple, a.GetBindMethod())
}

func TestSetBindMethod_CompatibleChangeSucceeds(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	require.NoError(t, a.SetBindMethod(BindSASLGSSAPI))
	assert.Equal(t, BindSASLGSSAPI, a.GetBindMethod())
}

func TestSetEnabled_NoopWhenUnchanged(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	assert.False(t, a.SetEnabled(true))
}

func TestSetEnabled_ReportsChange(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	assert.True(t, a.SetEnabled(false))
	assert.False(t, a.GetEnabled())
}

func TestSetEnabled_NoopWhileStopInProgress(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	require.True(t, a.BeginStop())
	assert.False(t, a.SetEnabled(false))
	assert.True(t, a.GetEnabled())
}

func TestBeginStop_IdempotentSecondCallFails(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	assert.True(t, a.BeginStop())
	assert.False(t, a.BeginStop())
}

func TestEndStop_ClearsStopAndProtocol(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	p := &fakeProtocol{}
	a.SetProtocol(p)
	require.True(t, a.BeginStop())
	a.EndStop()
	assert.False(t, a.StopInProgress())
	assert.Nil(t, a.Protocol())
}

func TestMutate_SuppressedWhileStopInProgress(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	require.True(t, a.BeginStop())
	a.SetRemoteHost("other.example.com")
	assert.Equal(t, "consumer1.example.com", a.GetRemoteHost())
}

func TestIsFractionalAttr_TotalFallsBackToIncrementalWhenUndefined(t *testing.T) {
	f := validFields()
	f.FractionalAttrs = []string{"memberof"}
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, f)
	assert.True(t, a.IsFractionalAttr("memberof"))
	assert.True(t, a.IsFractionalAttrTotal("memberof"))
}

func TestIsFractionalAttrTotal_UsesDistinctSetWhenDefined(t *testing.T) {
	f := validFields()
	f.FractionalAttrs = []string{"memberof"}
	f.FractionalAttrsTotal = []string{"entryusn"}
	f.HasFractionalAttrsTotal = true
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, f)
	assert.True(t, a.IsFractionalAttr("memberof"))
	assert.False(t, a.IsFractionalAttrTotal("memberof"))
	assert.True(t, a.IsFractionalAttrTotal("entryusn"))
}

func TestMatchesName_CanonicalizesCase(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	assert.True(t, a.MatchesName("CN=Agmt To Consumer1,CN=CONFIG"))
	assert.False(t, a.MatchesName("cn=someone else,cn=config"))
}

func TestReplAreaMatches_SubtreeAndDescendants(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	assert.True(t, a.ReplAreaMatches("dc=example,dc=com"))
	assert.True(t, a.ReplAreaMatches("uid=bob,ou=people,DC=Example,DC=Com"))
	assert.False(t, a.ReplAreaMatches("dc=other,dc=com"))
}

func TestIncChangeCounter_AccumulatesPerRID(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	a.IncChangeCounter(1, false)
	a.IncChangeCounter(1, false)
	a.IncChangeCounter(1, true)
	a.IncChangeCounter(2, true)

	counters := a.GetChangeCounters()
	require.Len(t, counters, 2)
	assert.Equal(t, uint64(2), counters[0].Replayed)
	assert.Equal(t, uint64(1), counters[0].Skipped)
	assert.Equal(t, uint64(1), counters[1].Skipped)
}

func TestRenderChangeCounters(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	a.IncChangeCounter(1, false)
	a.IncChangeCounter(1, true)
	assert.Equal(t, "1:1/1", a.RenderChangeCounters())
}

func TestSetLastUpdateStatus_AllZeroWithoutMessageClearsLine(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	a.SetLastUpdateStatus(100, 100, 0, 0, "")
	assert.Empty(t, a.GetLastUpdate().Human)
}

func TestSetLastUpdateStatus_RecordsLine(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	a.SetLastUpdateStatus(100, 105, 32, 0, "no such object")
	line := a.GetLastUpdate()
	assert.Equal(t, int64(100), line.Start)
	assert.Equal(t, int64(105), line.End)
	assert.Contains(t, line.Human, "Error (32)")
}

func TestNotifyChange_DropsOutsideSubtree(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	p := &fakeProtocol{}
	a.SetProtocol(p)
	delivered := a.NotifyChange(collab.Change{DN: "dc=other,dc=com", Op: collab.OpModify, Mods: []string{"cn"}})
	assert.False(t, delivered)
	assert.Empty(t, p.notified)
}

func TestNotifyChange_AddIsAlwaysDelivered(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	p := &fakeProtocol{}
	a.SetProtocol(p)
	delivered := a.NotifyChange(collab.Change{DN: "uid=bob,dc=example,dc=com", Op: collab.OpAdd})
	assert.True(t, delivered)
	require.Len(t, p.notified, 1)
}

func TestNotifyChange_ModifyDroppedWhenAllAttrsFractional(t *testing.T) {
	f := validFields()
	f.FractionalAttrs = []string{"memberof"}
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, f)
	p := &fakeProtocol{}
	a.SetProtocol(p)
	delivered := a.NotifyChange(collab.Change{DN: "uid=bob,dc=example,dc=com", Op: collab.OpModify, Mods: []string{"memberof"}})
	assert.False(t, delivered)
	assert.Empty(t, p.notified)
}

func TestNotifyChange_ModifyDeliveredWhenOneAttrNotFractional(t *testing.T) {
	f := validFields()
	f.FractionalAttrs = []string{"memberof"}
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, f)
	p := &fakeProtocol{}
	a.SetProtocol(p)
	delivered := a.NotifyChange(collab.Change{DN: "uid=bob,dc=example,dc=com", Op: collab.OpModify, Mods: []string{"memberof", "cn"}})
	assert.True(t, delivered)
	require.Len(t, p.notified, 1)
}

func TestNotifyChange_NilProtocolIsNoop(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	delivered := a.NotifyChange(collab.Change{DN: "uid=bob,dc=example,dc=com", Op: collab.OpAdd})
	assert.False(t, delivered)
}

func TestComputeMaxcsnUpdate_DropsOutsideSubtree(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	_, skip := a.ComputeMaxcsnUpdate(collab.Change{DN: "dc=other,dc=com", Op: collab.OpAdd, CSN: "csn1"})
	assert.True(t, skip)
}

func TestComputeMaxcsnUpdate_SkippedWhenAllModsFilteredByFractionalOrStrip(t *testing.T) {
	f := validFields()
	f.FractionalAttrs = []string{"memberof"}
	f.StripAttrs = []string{"entryusn"}
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, f)
	_, skip := a.ComputeMaxcsnUpdate(collab.Change{DN: "uid=bob,dc=example,dc=com", Op: collab.OpModify, Mods: []string{"memberof", "entryusn"}, CSN: "csn1"})
	assert.True(t, skip)
}

func TestComputeMaxcsnUpdate_ReturnsNewMaxcsnAndStoresIt(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	a.SetConsumerRID(7, false)
	maxcsn, skip := a.ComputeMaxcsnUpdate(collab.Change{DN: "uid=bob,dc=example,dc=com", Op: collab.OpModify, Mods: []string{"cn"}, CSN: "csn123"})
	require.False(t, skip)
	assert.Contains(t, maxcsn, "csn123")
	assert.Contains(t, maxcsn, ";7;")
	assert.Equal(t, maxcsn, a.GetAgreementMaxcsn())
}

func TestComputeMaxcsnUpdate_UsesUnavailableWhenRIDUnknown(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	maxcsn, skip := a.ComputeMaxcsnUpdate(collab.Change{DN: "uid=bob,dc=example,dc=com", Op: collab.OpAdd, CSN: "csn123"})
	require.False(t, skip)
	assert.Contains(t, maxcsn, ";unavailable;")
}

func TestMaxcsnPrefix_MatchesFormattedValuePrefix(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	formatted := FormatAgreementMaxcsn(a.ReplicatedSubtree(), a.Identity().RDN, a.GetRemoteHost(), a.GetRemotePort(), "1", "csn1")
	assert.Contains(t, formatted, a.MaxcsnPrefix())
}

func TestFormatAndParseAgreementMaxcsn_RoundTrip(t *testing.T) {
	raw := FormatAgreementMaxcsn("dc=example,dc=com", "agmt1", "host1", 389, "3", "csn1")
	parsed, err := ParseAgreementMaxcsn(raw)
	require.NoError(t, err)
	assert.Equal(t, "dc=example,dc=com", parsed.Subtree)
	assert.Equal(t, "agmt1", parsed.RDN)
	assert.Equal(t, "host1", parsed.Host)
	assert.Equal(t, "389", parsed.Port)
	assert.Equal(t, "3", parsed.RID)
	assert.Equal(t, "csn1", parsed.CSN)
}

func TestParseAgreementMaxcsn_RejectsWrongFieldCount(t *testing.T) {
	_, err := ParseAgreementMaxcsn("dc=example,dc=com;agmt1;host1")
	assert.Error(t, err)
}

func TestSetAgreementMaxcsnRaw_ValidatesShape(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	err := a.SetAgreementMaxcsnRaw("dc=example,dc=com;agmt1;host1;389;1;csn1")
	require.NoError(t, err)
	assert.Equal(t, "dc=example,dc=com;agmt1;host1;389;1;csn1", a.GetAgreementMaxcsn())

	err = a.SetAgreementMaxcsnRaw("not-enough-fields")
	assert.Error(t, err)
}

func TestNextSessionID_CyclesAndWraps(t *testing.T) {
	f := validFields()
	f.SessionPrefix = "agmt1"
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, f)
	assert.Equal(t, "agmt1 001", a.NextSessionID())
	assert.Equal(t, "agmt1 002", a.NextSessionID())

	a.mu.Lock()
	a.sessionCounter = 999
	a.mu.Unlock()
	assert.Equal(t, "agmt1 001", a.NextSessionID())
}

func TestRelease_ClearsStateAndReleasesRUV(t *testing.T) {
	f := validFields()
	f.FractionalAttrs = []string{"memberof"}
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, f)
	ruv := &fakeRUV{}
	a.SetConsumerRUV(ruv)
	a.SetProtocol(&fakeProtocol{})

	a.Release()

	assert.True(t, ruv.released)
	assert.Nil(t, a.Protocol())
	assert.Empty(t, a.GetChangeCounters())
	assert.Empty(t, a.GetFractionalAttrs())
}

func TestInScheduleNow_NilScheduleIsAlwaysInWindow(t *testing.T) {
	a, _ := New(testIdentity(), "dc=example,dc=com", TypeMultiSupplier, validFields())
	assert.True(t, a.InScheduleNow(time.Now()))
}
