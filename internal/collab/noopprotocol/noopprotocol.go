// Package noopprotocol is a logging-only collab.Protocol, the default
// worker wired into cmd/agreementd when no real wire-protocol
// implementation is configured. It accepts start/stop/notify calls and
// records them, performing no network I/O — a placeholder for the
// out-of-scope replication protocol collaborator.
package noopprotocol

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/openreplicator/agreement-engine/internal/agreement"
	"github.com/openreplicator/agreement-engine/internal/agreement/lifecycle"
	"github.com/openreplicator/agreement-engine/internal/collab"
)

// Protocol is a no-op collab.Protocol bound to one agreement. It paces a
// background session-tick loop with the agreement's own busy_wait_seconds/
// pause_seconds/flow_pause_ms windows via lifecycle.Pacer, so the interval
// fields configured on the agreement are exercised even with no real wire
// protocol behind them.
type Protocol struct {
	agreementDN string
	logger      *slog.Logger
	timeout     atomic.Int64

	pacer  *lifecycle.Pacer
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Protocol for ag, logging under its identity.
func New(ag *agreement.Agreement, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		agreementDN: ag.Identity().DN,
		logger:      logger,
		pacer:       lifecycle.NewPacer(ag.GetBusyWaitSeconds(), ag.GetPauseSeconds(), ag.GetFlowPauseMS()),
	}
}

func (p *Protocol) Start(ctx context.Context, state collab.ProtocolState) error {
	p.logger.Info("noopprotocol: start", "agreement", p.agreementDN, "state", state)
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.sessionLoop(runCtx)
	return nil
}

// sessionLoop ticks once per pause_seconds, the only thing a logging-only
// worker can meaningfully do with the pacing windows; a real protocol
// implementation would gate its session restarts and flow-window waits the
// same way.
func (p *Protocol) sessionLoop(ctx context.Context) {
	defer close(p.done)
	for {
		if err := p.pacer.WaitPause(ctx); err != nil {
			return
		}
		p.logger.Debug("noopprotocol: session tick", "agreement", p.agreementDN)
	}
}

func (p *Protocol) Stop(ctx context.Context) error {
	p.logger.Info("noopprotocol: stop", "agreement", p.agreementDN)
	if p.cancel != nil {
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Protocol) NotifyChange(change collab.Change) {
	p.logger.Debug("noopprotocol: notify_change", "agreement", p.agreementDN, "dn", change.DN, "op", change.Op.String())
}

func (p *Protocol) SetTimeoutSeconds(seconds int64) {
	p.timeout.Store(seconds)
}

func (p *Protocol) ConfigChanged() {
	p.logger.Debug("noopprotocol: config changed", "agreement", p.agreementDN)
}

var _ collab.Protocol = (*Protocol)(nil)
