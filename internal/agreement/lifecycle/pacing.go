package lifecycle

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer turns an agreement's busy_wait_seconds/pause_seconds/flow_pause_ms
// back-off windows into rate.Limiter-gated waits, so a test can drive them
// deterministically by constructing a Pacer with a fake limiter instead of
// sleeping in real time.
type Pacer struct {
	busyWait *rate.Limiter
	pause    *rate.Limiter
	flow     *rate.Limiter
}

// NewPacer builds a Pacer whose three limiters allow one event per the
// given interval, with a burst of 1 — each Wait call blocks until the next
// token is available, the rate-limiter equivalent of a single-shot sleep
// that tests can fast-forward by swapping in a larger burst.
func NewPacer(busyWaitSeconds, pauseSeconds, flowPauseMS int64) *Pacer {
	return &Pacer{
		busyWait: intervalLimiter(time.Duration(busyWaitSeconds) * time.Second),
		pause:    intervalLimiter(time.Duration(pauseSeconds) * time.Second),
		flow:     intervalLimiter(time.Duration(flowPauseMS) * time.Millisecond),
	}
}

func intervalLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// WaitBusy blocks for the agreement's busy_wait_seconds back-off, honoring
// ctx cancellation.
func (p *Pacer) WaitBusy(ctx context.Context) error { return p.busyWait.Wait(ctx) }

// WaitPause blocks for the agreement's pause_seconds between sessions.
func (p *Pacer) WaitPause(ctx context.Context) error { return p.pause.Wait(ctx) }

// WaitFlow blocks for the agreement's flow_pause_ms on flow-window overflow.
func (p *Pacer) WaitFlow(ctx context.Context) error { return p.flow.Wait(ctx) }
