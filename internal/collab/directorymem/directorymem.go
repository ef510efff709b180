// Package directorymem is an in-memory collab.Directory implementation, used
// for unit tests and local runs without a Postgres backend.
package directorymem

import (
	"context"
	"strings"
	"sync"

	"github.com/openreplicator/agreement-engine/internal/collab"
)

// Directory is a thread-safe, in-process collab.Directory.
type Directory struct {
	mu              sync.Mutex
	flavors         map[string]collab.BackendFlavor
	defaultAttrs    []string
	tombstones      map[string][]string // subtree -> raw maxcsn values
	statusWrites    map[string]map[string]string
	changelogEntries map[string]map[string]bool
}

// New returns an empty in-memory Directory.
func New() *Directory {
	return &Directory{
		flavors:          make(map[string]collab.BackendFlavor),
		tombstones:       make(map[string][]string),
		statusWrites:     make(map[string]map[string]string),
		changelogEntries: make(map[string]map[string]bool),
	}
}

// SetBackendFlavor configures the flavor reported for subtree; used by
// tests to exercise LMDB-vs-other flow control defaults.
func (d *Directory) SetBackendFlavor(subtree string, flavor collab.BackendFlavor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flavors[subtree] = flavor
}

// SetDefaultFractionalAttrs configures the process-wide default list.
func (d *Directory) SetDefaultFractionalAttrs(attrs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaultAttrs = append([]string(nil), attrs...)
}

// SeedTombstone installs raw maxcsn values for subtree, as if previously
// persisted by an earlier process.
func (d *Directory) SeedTombstone(subtree string, values ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tombstones[subtree] = append(d.tombstones[subtree], values...)
}

func (d *Directory) BackendFlavor(_ context.Context, dn string) (collab.BackendFlavor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.flavors[dn]; ok {
		return f, nil
	}
	return collab.BackendOther, nil
}

func (d *Directory) DefaultFractionalAttrs(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.defaultAttrs...), nil
}

func (d *Directory) ReadTombstone(_ context.Context, subtree string) (collab.TombstoneEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return collab.TombstoneEntry{
		Subtree:          subtree,
		AgreementMaxcsns: append([]string(nil), d.tombstones[subtree]...),
	}, nil
}

func (d *Directory) WriteTombstoneMaxcsn(_ context.Context, subtree, prefix, newValue string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	values := d.tombstones[subtree]
	replaced := false
	out := make([]string, 0, len(values)+1)
	for _, v := range values {
		if strings.HasPrefix(v, prefix) {
			replaced = true
			if newValue != "" {
				out = append(out, newValue)
			}
			continue
		}
		out = append(out, v)
	}
	if !replaced && newValue != "" {
		out = append(out, newValue)
	}
	d.tombstones[subtree] = out
	return nil
}

func (d *Directory) WriteStatus(_ context.Context, agreementDN string, attrs map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.statusWrites[agreementDN]
	if !ok {
		existing = make(map[string]string)
		d.statusWrites[agreementDN] = existing
	}
	for k, v := range attrs {
		existing[k] = v
	}
	return nil
}

// StatusFor returns whatever WriteStatus has accumulated for agreementDN,
// for test assertions.
func (d *Directory) StatusFor(agreementDN string) map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.statusWrites[agreementDN]))
	for k, v := range d.statusWrites[agreementDN] {
		out[k] = v
	}
	return out
}

func (d *Directory) HasChangelogEntry(_ context.Context, subtree, csn string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changelogEntries[subtree][csn], nil
}

// SeedChangelogEntry marks csn as present under subtree, for ignore_missing
// tests.
func (d *Directory) SeedChangelogEntry(subtree, csn string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.changelogEntries[subtree] == nil {
		d.changelogEntries[subtree] = make(map[string]bool)
	}
	d.changelogEntries[subtree][csn] = true
}

var _ collab.Directory = (*Directory)(nil)
