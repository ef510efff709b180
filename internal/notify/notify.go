// Package notify implements the best-effort change fan-out described in
// SPEC_FULL.md §4.5a: notify_change also publishes a lightweight
// notification (agreement identity, DN, op kind) on a Redis pub/sub
// channel, so a secondary read-only instance's status cache can be
// invalidated promptly. Publish failures are logged, never propagated —
// this path must never block or fail the write path it rides along with.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const channel = "agreement-engine:changes"

// Event is the payload published for every delivered change.
type Event struct {
	AgreementDN string `json:"agreement_dn"`
	TargetDN    string `json:"target_dn"`
	Op          string `json:"op"`
}

// Publisher publishes change events. Safe for concurrent use (the
// underlying redis.Client is).
type Publisher struct {
	client *redis.Client
	logger *slog.Logger
}

func NewPublisher(client *redis.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, logger: logger}
}

// Publish sends ev on the change channel. Errors are logged and swallowed:
// callers must never let a notify failure affect the write path.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("notify: marshal event", "error", err)
		return
	}
	if err := p.client.Publish(ctx, channel, raw).Err(); err != nil {
		p.logger.Warn("notify: publish failed", "error", err)
	}
}

// Subscriber receives change events published by a Publisher.
type Subscriber struct {
	sub *redis.PubSub
}

// NewSubscriber subscribes to the change channel; call Close when done.
func NewSubscriber(ctx context.Context, client *redis.Client) *Subscriber {
	return &Subscriber{sub: client.Subscribe(ctx, channel)}
}

// Events returns a channel of decoded events; malformed payloads are
// dropped silently (this is a cache-invalidation hint, not a durable log).
func (s *Subscriber) Events() <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range s.sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			out <- ev
		}
	}()
	return out
}

func (s *Subscriber) Close() error { return s.sub.Close() }
