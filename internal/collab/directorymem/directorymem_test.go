package directorymem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openreplicator/agreement-engine/internal/collab"
)

func TestBackendFlavor_DefaultsToOther(t *testing.T) {
	d := New()
	flavor, err := d.BackendFlavor(context.Background(), "dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, collab.BackendOther, flavor)
}

func TestBackendFlavor_Configured(t *testing.T) {
	d := New()
	d.SetBackendFlavor("dc=example,dc=com", collab.BackendLMDB)
	flavor, err := d.BackendFlavor(context.Background(), "dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, collab.BackendLMDB, flavor)
}

func TestDefaultFractionalAttrs(t *testing.T) {
	d := New()
	attrs, err := d.DefaultFractionalAttrs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, attrs)

	d.SetDefaultFractionalAttrs([]string{"entryusn", "passwordhistory"})
	attrs, err = d.DefaultFractionalAttrs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"entryusn", "passwordhistory"}, attrs)
}

func TestWriteTombstoneMaxcsn_AppendsWhenAbsent(t *testing.T) {
	d := New()
	err := d.WriteTombstoneMaxcsn(context.Background(), "dc=example,dc=com", "dc=example,dc=com;agmt1;host;389;", "dc=example,dc=com;agmt1;host;389;1;csn1")
	require.NoError(t, err)

	entry, err := d.ReadTombstone(context.Background(), "dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, []string{"dc=example,dc=com;agmt1;host;389;1;csn1"}, entry.AgreementMaxcsns)
}

func TestWriteTombstoneMaxcsn_ReplacesMatchingPrefix(t *testing.T) {
	d := New()
	d.SeedTombstone("dc=example,dc=com", "dc=example,dc=com;agmt1;host;389;1;csn1", "dc=example,dc=com;agmt2;host2;389;2;csn2")

	err := d.WriteTombstoneMaxcsn(context.Background(), "dc=example,dc=com", "dc=example,dc=com;agmt1;host;389;", "dc=example,dc=com;agmt1;host;389;1;csn9")
	require.NoError(t, err)

	entry, err := d.ReadTombstone(context.Background(), "dc=example,dc=com")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"dc=example,dc=com;agmt1;host;389;1;csn9",
		"dc=example,dc=com;agmt2;host2;389;2;csn2",
	}, entry.AgreementMaxcsns)
}

func TestWriteTombstoneMaxcsn_EmptyValueRemovesEntry(t *testing.T) {
	d := New()
	d.SeedTombstone("dc=example,dc=com", "dc=example,dc=com;agmt1;host;389;1;csn1")

	err := d.WriteTombstoneMaxcsn(context.Background(), "dc=example,dc=com", "dc=example,dc=com;agmt1;host;389;", "")
	require.NoError(t, err)

	entry, err := d.ReadTombstone(context.Background(), "dc=example,dc=com")
	require.NoError(t, err)
	assert.Empty(t, entry.AgreementMaxcsns)
}

func TestWriteStatus_AccumulatesAttrs(t *testing.T) {
	d := New()
	err := d.WriteStatus(context.Background(), "cn=agmt1,cn=config", map[string]string{"replica-last-init-status": "success"})
	require.NoError(t, err)
	err = d.WriteStatus(context.Background(), "cn=agmt1,cn=config", map[string]string{"replica-last-update-status": "up to date"})
	require.NoError(t, err)

	status := d.StatusFor("cn=agmt1,cn=config")
	assert.Equal(t, "success", status["replica-last-init-status"])
	assert.Equal(t, "up to date", status["replica-last-update-status"])
}

func TestHasChangelogEntry(t *testing.T) {
	d := New()
	ok, err := d.HasChangelogEntry(context.Background(), "dc=example,dc=com", "csn1")
	require.NoError(t, err)
	assert.False(t, ok)

	d.SeedChangelogEntry("dc=example,dc=com", "csn1")
	ok, err = d.HasChangelogEntry(context.Background(), "dc=example,dc=com", "csn1")
	require.NoError(t, err)
	assert.True(t, ok)
}
