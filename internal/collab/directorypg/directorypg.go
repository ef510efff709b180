// Package directorypg is the Postgres-backed collab.Directory reference
// implementation: the replicated-subtree backend-flavor lookup, the
// process-wide default fractional-attribute entry, the tombstone's
// agreement-maxcsn value list, and persisted status writeback, all as rows
// in a small schema (see internal/database/migrations.go). It wraps a
// pgxpool.Pool already connected through internal/database/postgres and
// adds no retry, health-check or metrics logic of its own.
package directorypg

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openreplicator/agreement-engine/internal/collab"
)

// Directory is a collab.Directory backed by a pgxpool.Pool.
type Directory struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Schema migrations are applied
// separately via cmd/agreementd's startup path (internal/database).
func New(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) BackendFlavor(ctx context.Context, dn string) (collab.BackendFlavor, error) {
	var flavor string
	err := d.pool.QueryRow(ctx,
		`SELECT backend_flavor FROM subtree_backends WHERE subtree_dn = $1`, dn,
	).Scan(&flavor)
	if err == pgx.ErrNoRows {
		return collab.BackendOther, nil
	}
	if err != nil {
		return collab.BackendOther, fmt.Errorf("directorypg: backend flavor lookup: %w", err)
	}
	if strings.EqualFold(flavor, "lmdb") {
		return collab.BackendLMDB, nil
	}
	return collab.BackendOther, nil
}

func (d *Directory) DefaultFractionalAttrs(ctx context.Context) ([]string, error) {
	var attrs string
	err := d.pool.QueryRow(ctx,
		`SELECT attr_list FROM default_fractional_attrs WHERE id = 1`,
	).Scan(&attrs)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directorypg: default fractional attrs: %w", err)
	}
	return strings.Fields(attrs), nil
}

func (d *Directory) ReadTombstone(ctx context.Context, subtree string) (collab.TombstoneEntry, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT maxcsn_value FROM tombstone_maxcsns WHERE subtree_dn = $1 ORDER BY id`, subtree,
	)
	if err != nil {
		return collab.TombstoneEntry{}, fmt.Errorf("directorypg: read tombstone: %w", err)
	}
	defer rows.Close()

	entry := collab.TombstoneEntry{Subtree: subtree}
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return collab.TombstoneEntry{}, fmt.Errorf("directorypg: scan tombstone row: %w", err)
		}
		entry.AgreementMaxcsns = append(entry.AgreementMaxcsns, value)
	}
	return entry, rows.Err()
}

func (d *Directory) WriteTombstoneMaxcsn(ctx context.Context, subtree, prefix, newValue string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("directorypg: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM tombstone_maxcsns WHERE subtree_dn = $1 AND maxcsn_value LIKE $2`,
		subtree, prefix+"%",
	); err != nil {
		return fmt.Errorf("directorypg: delete stale maxcsn: %w", err)
	}

	if newValue != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tombstone_maxcsns (subtree_dn, maxcsn_value) VALUES ($1, $2)`,
			subtree, newValue,
		); err != nil {
			return fmt.Errorf("directorypg: insert maxcsn: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (d *Directory) WriteStatus(ctx context.Context, agreementDN string, attrs map[string]string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("directorypg: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for name, value := range attrs {
		if value == "" {
			// Tolerate the "no such attribute" condition on delete before
			// replace, per spec §4.4: removing a status attribute that was
			// never set is not an error.
			if _, err := tx.Exec(ctx,
				`DELETE FROM agreement_status_attrs WHERE agreement_dn = $1 AND attr_name = $2`,
				agreementDN, name,
			); err != nil {
				return fmt.Errorf("directorypg: delete status attr %s: %w", name, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO agreement_status_attrs (agreement_dn, attr_name, attr_value)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (agreement_dn, attr_name) DO UPDATE SET attr_value = EXCLUDED.attr_value`,
			agreementDN, name, value,
		); err != nil {
			return fmt.Errorf("directorypg: upsert status attr %s: %w", name, err)
		}
	}

	return tx.Commit(ctx)
}

func (d *Directory) HasChangelogEntry(ctx context.Context, subtree, csn string) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM changelog_entries WHERE subtree_dn = $1 AND csn = $2)`,
		subtree, csn,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("directorypg: changelog entry lookup: %w", err)
	}
	return exists, nil
}

var _ collab.Directory = (*Directory)(nil)
