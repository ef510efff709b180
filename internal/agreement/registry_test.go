package agreement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgreement(t *testing.T, dn, rdn, subtree string, typ AgreementType, enabled bool) *Agreement {
	t.Helper()
	f := validFields()
	f.Enabled = enabled
	a, diags := New(Identity{DN: dn, RDN: rdn}, subtree, typ, f)
	require.Empty(t, diags)
	return a
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	a := newTestAgreement(t, "cn=agmt1,cn=config", "agmt1", "dc=example,dc=com", TypeMultiSupplier, true)
	r.Register(a)

	got, ok := r.Get("CN=Agmt1,CN=Config")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RegisterReplacesExisting(t *testing.T) {
	r := NewRegistry()
	a1 := newTestAgreement(t, "cn=agmt1,cn=config", "agmt1", "dc=example,dc=com", TypeMultiSupplier, true)
	a2 := newTestAgreement(t, "cn=agmt1,cn=config", "agmt1", "dc=example,dc=com", TypeMultiSupplier, true)
	r.Register(a1)
	r.Register(a2)

	got, ok := r.Get("cn=agmt1,cn=config")
	require.True(t, ok)
	assert.Same(t, a2, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	a := newTestAgreement(t, "cn=agmt1,cn=config", "agmt1", "dc=example,dc=com", TypeMultiSupplier, true)
	r.Register(a)
	r.Unregister("cn=agmt1,cn=config")

	_, ok := r.Get("cn=agmt1,cn=config")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Get_UnknownDN(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("cn=nobody,cn=config")
	assert.False(t, ok)
}

func TestRegistry_All_ReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	a1 := newTestAgreement(t, "cn=agmt1,cn=config", "agmt1", "dc=example,dc=com", TypeMultiSupplier, true)
	a2 := newTestAgreement(t, "cn=agmt2,cn=config", "agmt2", "dc=example,dc=com", TypeMultiSupplier, true)
	r.Register(a1)
	r.Register(a2)

	all := r.All()
	assert.Len(t, all, 2)
	assert.ElementsMatch(t, []*Agreement{a1, a2}, all)
}

func TestRegistry_CoveringSubtree_ExcludesDisabledAndWindows(t *testing.T) {
	r := NewRegistry()
	enabled := newTestAgreement(t, "cn=agmt1,cn=config", "agmt1", "dc=example,dc=com", TypeMultiSupplier, true)
	disabled := newTestAgreement(t, "cn=agmt2,cn=config", "agmt2", "dc=example,dc=com", TypeMultiSupplier, false)
	windows := newTestAgreement(t, "cn=agmt3,cn=config", "agmt3", "dc=example,dc=com", TypeWindows, true)
	other := newTestAgreement(t, "cn=agmt4,cn=config", "agmt4", "dc=other,dc=com", TypeMultiSupplier, true)

	r.Register(enabled)
	r.Register(disabled)
	r.Register(windows)
	r.Register(other)

	covering := r.CoveringSubtree("uid=bob,dc=example,dc=com")
	assert.Len(t, covering, 1)
	assert.Same(t, enabled, covering[0])
}

func TestRegistry_CoveringSubtree_NoMatches(t *testing.T) {
	r := NewRegistry()
	a := newTestAgreement(t, "cn=agmt1,cn=config", "agmt1", "dc=example,dc=com", TypeMultiSupplier, true)
	r.Register(a)

	assert.Empty(t, r.CoveringSubtree("dc=other,dc=com"))
}

func TestRegistry_Len_Empty(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Len())
}
