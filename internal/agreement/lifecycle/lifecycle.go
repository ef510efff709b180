// Package lifecycle implements the Lifecycle Controller: it drives
// start/stop/enable/disable of the Protocol worker, propagates
// configuration changes into the running worker, and performs the maxcsn
// reconcile against the on-disk tombstone entry.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/openreplicator/agreement-engine/internal/agreement"
	"github.com/openreplicator/agreement-engine/internal/collab"
	"github.com/openreplicator/agreement-engine/internal/lock"
	"github.com/openreplicator/agreement-engine/internal/notify"
)

// Controller wires the Agreement Store to its collaborators. One Controller
// serves every agreement in a Registry; it holds no per-agreement state of
// its own beyond the collaborators it was constructed with.
type Controller struct {
	registry  *agreement.Registry
	directory collab.Directory
	logger    *slog.Logger
	// newProtocol constructs the worker for a freshly-started agreement;
	// injected so tests can substitute a fake Protocol.
	newProtocol func(ag *agreement.Agreement) collab.Protocol

	// redis and publisher are optional: nil in single-process deployments
	// or tests, where the maxcsn write needs no cross-process lock and
	// change fan-out stays local to the in-process registry.
	redis     *redis.Client
	publisher *notify.Publisher
}

// New builds a Controller. newProtocol must not be nil in production; tests
// may pass a stub.
func New(registry *agreement.Registry, directory collab.Directory, logger *slog.Logger, newProtocol func(*agreement.Agreement) collab.Protocol) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{registry: registry, directory: directory, logger: logger, newProtocol: newProtocol}
}

// WithDistributedCoordination attaches the Redis client used for the
// tombstone maxcsn lock and the publisher used for best-effort change
// fan-out. Call once after New; omit in tests or single-node setups.
func (c *Controller) WithDistributedCoordination(client *redis.Client, publisher *notify.Publisher) *Controller {
	c.redis = client
	c.publisher = publisher
	return c
}

// Start implements spec §4.5's start: if enabled, it looks up the
// tombstone's agreement-maxcsn entry *before* touching the agreement's
// mutex (avoiding the lock-order inversion with the unique-id index the
// spec calls out), then creates and installs a Protocol worker in the
// state auto_initialize selects. A no-op if the agreement is already
// running or disabled.
func (c *Controller) Start(ctx context.Context, ag *agreement.Agreement) error {
	if !ag.GetEnabled() {
		return nil
	}
	if ag.Protocol() != nil {
		// Already running: the new Protocol object would be discarded
		// without transition, so don't even construct one.
		return nil
	}

	tombstone, err := c.directory.ReadTombstone(ctx, ag.ReplicatedSubtree())
	if err != nil {
		c.logger.Warn("lifecycle: tombstone read failed", "agreement", ag.Identity().String(), "error", err)
	} else {
		prefix := ag.MaxcsnPrefix()
		for _, raw := range tombstone.AgreementMaxcsns {
			if matchesPrefix(raw, prefix) {
				if setErr := ag.SetAgreementMaxcsnRaw(raw); setErr != nil {
					c.logger.Warn("lifecycle: malformed tombstone maxcsn", "value", raw, "error", setErr)
					break
				}
				parsed, _ := agreement.ParseAgreementMaxcsn(raw)
				rid, tentative := parseRID(parsed.RID)
				ag.SetConsumerRID(rid, tentative)
				break
			}
		}
	}

	if ag.Protocol() != nil {
		// Another goroutine won the race while we were reading the
		// tombstone; discard our work rather than double-start.
		return nil
	}

	state := collab.ProtocolIncremental
	if ag.GetAutoInitialize() == agreement.AutoInitTotal {
		state = collab.ProtocolTotal
	}

	proto := c.newProtocol(ag)
	if err := proto.Start(ctx, state); err != nil {
		return fmt.Errorf("lifecycle: protocol start: %w", err)
	}
	ag.SetProtocol(proto)
	return nil
}

// matchesPrefix matches raw's leading fields against prefix. The prefix
// already covers the "unavailable" rid-slot variant: it stops at the
// subtree;rdn;host;port; boundary, before the rid field.
func matchesPrefix(raw, prefix string) bool {
	return strings.HasPrefix(raw, prefix)
}

func parseRID(field string) (rid uint16, tentative bool) {
	if field == "unavailable" || field == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(field, 10, 16)
	if err != nil {
		return 0, true
	}
	return uint16(n), true
}

// Stop implements spec §4.5's stop: idempotent, extracts the protocol
// handle outside the agreement mutex (BeginStop/EndStop do that internally)
// to avoid reentering the locked critical section during worker shutdown.
func (c *Controller) Stop(ctx context.Context, ag *agreement.Agreement) error {
	if !ag.BeginStop() {
		// Another stop is already in progress: return without waiting.
		return nil
	}
	proto := ag.Protocol()
	if proto != nil {
		if err := proto.Stop(ctx); err != nil {
			c.logger.Warn("lifecycle: protocol stop returned error", "agreement", ag.Identity().String(), "error", err)
		}
	}
	ag.EndStop()
	return nil
}

// SetEnabled implements the §4.5 enabled transitions: flipping to enabled
// calls Start; flipping to disabled calls Stop, then persists the init
// status (replica-last-init-status) through Directory, and writes
// "agreement disabled" as the last-update status. The consumer RUV is not
// persisted on disable.
func (c *Controller) SetEnabled(ctx context.Context, ag *agreement.Agreement, enabled bool) error {
	changed := ag.SetEnabled(enabled)
	if !changed {
		return nil
	}
	if enabled {
		return c.Start(ctx, ag)
	}

	if err := c.Stop(ctx, ag); err != nil {
		return err
	}

	last := ag.GetLastInit()
	if writeErr := c.directory.WriteStatus(ctx, ag.Identity().DN, map[string]string{
		"replica-last-init-status": last.Human,
	}); writeErr != nil {
		c.logger.Warn("lifecycle: DirectoryIO persisting disable status", "agreement", ag.Identity().String(), "error", writeErr)
	}
	ag.SetLastUpdateStatus(0, 0, 0, 0, "agreement disabled")
	return nil
}

// NotifyChange implements spec §4.5's notify_change entry point for a
// single agreement — it is a thin pass-through to Agreement.NotifyChange,
// kept here so callers always go through the Controller (which is where a
// real deployment would also publish the best-effort fan-out notification,
// see internal/notify).
func (c *Controller) NotifyChange(ag *agreement.Agreement, change collab.Change) bool {
	delivered := ag.NotifyChange(change)
	c.publishChange(ag.Identity().DN, change)
	return delivered
}

// NotifyAll delivers change to every registered agreement whose replicated
// subtree covers change.DN.
func (c *Controller) NotifyAll(change collab.Change) {
	for _, ag := range c.registry.CoveringSubtree(change.DN) {
		ag.NotifyChange(change)
		c.publishChange(ag.Identity().DN, change)
	}
}

// publishChange is the best-effort pub/sub fan-out of spec §4.5a: it never
// blocks or fails the write path, so a nil publisher (no Redis configured)
// or a publish error are both silently accepted.
func (c *Controller) publishChange(agreementDN string, change collab.Change) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(context.Background(), notify.Event{
		AgreementDN: agreementDN,
		TargetDN:    change.DN,
		Op:          change.Op.String(),
	})
}

// UpdateMaxcsn implements spec §4.5's update_maxcsn: for every enabled,
// non-windows agreement whose subtree contains change.DN, computes the
// updated agreement_maxcsn (skipping agreements where every touched
// attribute was filtered by the fractional or strip set) and persists it to
// the tombstone entry.
func (c *Controller) UpdateMaxcsn(ctx context.Context, change collab.Change) {
	for _, ag := range c.registry.CoveringSubtree(change.DN) {
		maxcsn, skip := ag.ComputeMaxcsnUpdate(change)
		if skip {
			continue
		}
		subtree := ag.ReplicatedSubtree()
		writeErr := c.withMaxcsnLock(ctx, subtree, func() error {
			return c.directory.WriteTombstoneMaxcsn(ctx, subtree, ag.MaxcsnPrefix(), maxcsn)
		})
		if writeErr != nil {
			c.logger.Warn("lifecycle: DirectoryIO persisting maxcsn", "agreement", ag.Identity().String(), "error", writeErr)
		}
	}
}

// withMaxcsnLock serializes fn against other processes writing the same
// tombstone subtree entry, via a Redis-based distributed lock. Falls back to
// running fn unguarded when no Redis client was configured (single-process
// deployments, and tests).
func (c *Controller) withMaxcsnLock(ctx context.Context, subtree string, fn func() error) error {
	if c.redis == nil {
		return fn()
	}
	return lock.TryAcquireMaxcsnLock(ctx, c.redis, subtree, c.logger, fn)
}

// Delete implements spec §4.5's agreement deletion: stop the worker, then
// ask Directory to strip this agreement's entry from the tombstone, then
// release the agreement's in-memory state (consumer RUV, counters,
// fractional sets) and remove it from the registry.
func (c *Controller) Delete(ctx context.Context, ag *agreement.Agreement) error {
	if err := c.Stop(ctx, ag); err != nil {
		return err
	}
	subtree := ag.ReplicatedSubtree()
	removeErr := c.withMaxcsnLock(ctx, subtree, func() error {
		return c.directory.WriteTombstoneMaxcsn(ctx, subtree, ag.MaxcsnPrefix(), "")
	})
	if removeErr != nil {
		c.logger.Warn("lifecycle: DirectoryIO removing maxcsn on delete", "agreement", ag.Identity().String(), "error", removeErr)
	}
	ag.Release()
	c.registry.Unregister(ag.Identity().DN)
	return nil
}
