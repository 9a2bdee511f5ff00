// Package outbox relays stored events to the broker. Rows are written in the
// same transaction as the state change they announce, or parked by the API
// when a publish fails, and published here in id order.
package outbox

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/metrics"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

type Source interface {
	PendingOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64) error
}

type Sender interface {
	Send(ctx context.Context, msg kafka.Message) (urbandash.Ack, error)
}

type Relay struct {
	source   Source
	sender   Sender
	interval time.Duration
	batch    int
	log      *urbandash.Logger
}

func NewRelay(src Source, sender Sender, interval time.Duration, log *urbandash.Logger) *Relay {
	if interval <= 0 {
		interval = 400 * time.Millisecond
	}
	return &Relay{source: src, sender: sender, interval: interval, batch: 50, log: log.With("component", "outbox")}
}

// Run drains the outbox on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("outbox drain failed", map[string]any{"err": err.Error()})
			}
		}
	}
}

// Drain publishes one batch and returns how many rows were relayed. It stops
// at the first failed publish so rows for one key keep their order.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	batch, err := r.source.PendingOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, row := range batch {
		if _, err := r.sender.Send(ctx, row.Message()); err != nil {
			metrics.OutboxRelayed.WithLabelValues("error").Inc()
			r.log.Warn("outbox publish failed", map[string]any{"id": row.ID, "topic": row.Topic, "err": err.Error()})
			return sent, nil
		}
		if err := r.source.MarkPublished(ctx, row.ID); err != nil {
			return sent, err
		}
		metrics.OutboxRelayed.WithLabelValues("ok").Inc()
		sent++
	}
	if sent > 0 {
		r.log.Debug("outbox relayed", map[string]any{"count": sent})
	}
	return sent, nil
}
