// dispatcher.go — Ties routing, batching, persistence, and posting together.
// Delivery is at-least-once: an event is marked notified only after its post
// succeeds, and a retry sweep re-sends immediate-channel events whose mark
// never landed.
package alert

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/telemetry"
	"github.com/forecourt/oemwatch/internal/types"
)

// retryBatchSize bounds one retry sweep.
const retryBatchSize = 50

// Dispatcher owns the alert path from routed event to confirmed delivery.
type Dispatcher struct {
	log      *zap.Logger
	cfg      config.AlertConfig
	repo     types.EventStore
	notifier *Notifier
	batcher  *Batcher
	metrics  *telemetry.Metrics
	now      func() time.Time

	lastRetry time.Time
}

// NewDispatcher wires the dispatcher. metrics may be nil in tests.
func NewDispatcher(log *zap.Logger, cfg config.AlertConfig, repo types.EventStore, notifier *Notifier, metrics *telemetry.Metrics) *Dispatcher {
	now := time.Now()
	return &Dispatcher{
		log:       log.Named("dispatch"),
		cfg:       cfg,
		repo:      repo,
		notifier:  notifier,
		batcher:   NewBatcher(now),
		metrics:   metrics,
		now:       time.Now,
		lastRetry: now,
	}
}

// Dispatch takes one persisted, routed event. Immediate channels post now;
// batch channels queue for the next drain. A failed immediate post is not an
// error here: the event stays unnotified and the retry sweep picks it up.
func (d *Dispatcher) Dispatch(ctx context.Context, ev types.ChangeEvent) {
	if !ev.Channel.Immediate() {
		d.batcher.Add(ev)
		return
	}
	if err := d.notifier.NotifyEvent(ctx, ev); err != nil {
		d.count(ev.Channel, "failed")
		d.log.Warn("immediate notification failed, will retry",
			zap.String("event", ev.ID), zap.String("channel", string(ev.Channel)), zap.Error(err))
		return
	}
	d.count(ev.Channel, "sent")
	d.markNotified(ctx, []string{ev.ID})
}

// Tick runs the periodic work: drain due batches, then sweep unnotified
// immediate events. The driver calls it once per scheduler tick.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := d.now()
	for _, ch := range d.batcher.Due(now, d.cfg.HourlyInterval(), d.cfg.DailyInterval()) {
		d.drain(ctx, ch)
	}
	if now.Sub(d.lastRetry) >= d.cfg.RetryInterval() {
		d.lastRetry = now
		d.retryImmediate(ctx)
	}
}

// drain posts one channel's accumulated digests, one message per tenant.
func (d *Dispatcher) drain(ctx context.Context, ch types.Channel) {
	for tenant, events := range d.batcher.Drain(ch) {
		if err := d.notifier.NotifyDigest(ctx, tenant, ch, events); err != nil {
			d.count(ch, "failed")
			d.log.Warn("digest post failed, events stay unnotified",
				zap.String("tenant", tenant), zap.String("channel", string(ch)),
				zap.Int("events", len(events)), zap.Error(err))
			continue
		}
		d.count(ch, "sent")
		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.ID
		}
		d.markNotified(ctx, ids)
	}
}

// retryImmediate re-sends immediate-channel events whose notified mark never
// landed. Batch-channel events are not retried here: an undelivered digest
// event reappears via UnnotifiedEvents only after a restart, at which point
// Recover requeues it.
func (d *Dispatcher) retryImmediate(ctx context.Context) {
	for _, ch := range []types.Channel{types.ChannelSlackImmediate, types.ChannelEmail} {
		events, err := d.repo.UnnotifiedEvents(ctx, ch, retryBatchSize)
		if err != nil {
			d.log.Error("list unnotified events", zap.String("channel", string(ch)), zap.Error(err))
			continue
		}
		for _, ev := range events {
			if err := d.notifier.NotifyEvent(ctx, ev); err != nil {
				d.count(ch, "failed")
				continue
			}
			d.count(ch, "sent")
			d.markNotified(ctx, []string{ev.ID})
		}
	}
}

// Recover requeues unnotified batch-channel events after a restart, so a
// crash between persist and drain does not silently eat a digest entry.
func (d *Dispatcher) Recover(ctx context.Context) error {
	for _, ch := range []types.Channel{types.ChannelSlackBatchHour, types.ChannelSlackBatchDaily} {
		events, err := d.repo.UnnotifiedEvents(ctx, ch, retryBatchSize)
		if err != nil {
			return fmt.Errorf("recover %s: %w", ch, err)
		}
		for _, ev := range events {
			d.batcher.Add(ev)
		}
	}
	return nil
}

// Pending reports batch queue depths.
func (d *Dispatcher) Pending() (hourly, daily int) { return d.batcher.Pending() }

func (d *Dispatcher) markNotified(ctx context.Context, ids []string) {
	if err := d.repo.MarkNotified(ctx, ids, d.now()); err != nil {
		// The post succeeded; the mark is what failed. The retry sweep will
		// re-send, which at-least-once delivery permits.
		d.log.Error("mark notified", zap.Strings("events", ids), zap.Error(err))
	}
}

func (d *Dispatcher) count(ch types.Channel, outcome string) {
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(string(ch), outcome).Inc()
	}
}
