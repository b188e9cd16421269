package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/attribute"

	"github.com/driplinehq/dripline/internal/channel"
	"github.com/driplinehq/dripline/internal/errs"
	"github.com/driplinehq/dripline/internal/logging"
	"github.com/driplinehq/dripline/internal/metrics"
	"github.com/driplinehq/dripline/internal/queue"
	"github.com/driplinehq/dripline/internal/tracing"
)

// ItemStore is the slice of the queue store the worker needs. All
// transition methods are conditional on status='pending' and report
// whether the transition applied.
type ItemStore interface {
	Due(ctx context.Context, now time.Time, limit int) ([]queue.Item, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, lastError string) (bool, error)
	MarkSkipped(ctx context.Context, id, reason string) (bool, error)
	MarkRetry(ctx context.Context, id string, nextAt time.Time, lastError string) (bool, error)
	ParentCancelled(ctx context.Context, parentID string) (bool, error)
	RecipientAddress(ctx context.Context, tenantID, recipientID string) (string, error)
	IncrementSentCounter(ctx context.Context, tenantID, recipientID, channelName string) error
}

// AdapterResolver resolves the delivery adapter for a tenant. Resolution
// happens per attempt; tenant configuration may change between attempts.
type AdapterResolver interface {
	Resolve(ctx context.Context, tenantID string) (channel.Adapter, error)
}

// Outcome is the terminal result of one Deliver call.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeRetried Outcome = "retried" // still pending, rescheduled
	OutcomeNoop    Outcome = "noop"    // item was not pending anymore
)

type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RetryCooldown  time.Duration // across-pass delay for rate-limited failures
	SendTimeout    time.Duration
	SendsPerSecond float64
}

// Worker polls the queue for due pending items and delivers them. It
// shares no state with the scheduling jobs except the queue rows.
type Worker struct {
	store    ItemStore
	resolver AdapterResolver
	cfg      Config
	log      *logging.Logger
	limiter  *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(store ItemStore, resolver AdapterResolver, cfg Config, log *logging.Logger) *Worker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Second
	}
	if cfg.SendsPerSecond <= 0 {
		cfg.SendsPerSecond = 1
	}
	return &Worker{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), 1),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run polls until the context is cancelled. Job runs and the worker loop
// communicate only through queue rows, so they never block each other.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.log.Plain().WithField("poll_interval", w.cfg.PollInterval.String()).Info("delivery worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Plain().Info("delivery worker stopped")
			return
		case <-ticker.C:
			w.RunPass(ctx)
		}
	}
}

// PassStats aggregates one polling pass.
type PassStats struct {
	Found   int `json:"found"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Retried int `json:"retried"`
	Noop    int `json:"noop"`
}

// RunPass claims one batch of due items and delivers them sequentially
// under the pacing limiter. Per-item failures never abort the pass.
func (w *Worker) RunPass(ctx context.Context) PassStats {
	var stats PassStats
	items, err := w.store.Due(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		w.log.WithContext(ctx).WithError(err).Error("due items query failed, skipping pass")
		return stats
	}
	stats.Found = len(items)
	if len(items) == 0 {
		return stats
	}

	for i := range items {
		// Pacing between consecutive deliveries keeps aggregate channel
		// rate limits honest.
		if err := w.limiter.Wait(ctx); err != nil {
			return stats
		}
		outcome := w.Deliver(ctx, items[i])
		switch outcome {
		case OutcomeSent:
			stats.Sent++
		case OutcomeFailed:
			stats.Failed++
		case OutcomeSkipped:
			stats.Skipped++
		case OutcomeRetried:
			stats.Retried++
		case OutcomeNoop:
			stats.Noop++
		}
	}

	w.log.WithContext(ctx).WithFields(map[string]any{
		"found": stats.Found, "sent": stats.Sent, "failed": stats.Failed,
		"skipped": stats.Skipped, "retried": stats.Retried,
	}).Info("delivery pass finished")
	return stats
}

// Deliver runs the full attempt pipeline for one item. Calling it on an
// item that is no longer pending is a no-op that never touches the
// channel adapter.
func (w *Worker) Deliver(ctx context.Context, item queue.Item) Outcome {
	if item.Status != queue.StatusPending {
		return OutcomeNoop
	}

	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("item_id", item.ID),
		attribute.String("tenant_id", item.TenantID),
		attribute.String("recipient_id", item.RecipientID),
		attribute.String("kind", item.Kind),
		attribute.Int("retry_count", item.RetryCount),
	)
	defer span.End()

	entry := func() *logging.LogEntry {
		return w.log.WithContext(ctx).WithTenant(item.TenantID).WithItem(item.ID).WithRecipient(item.RecipientID)
	}

	// Cancellation is checked at delivery time, not only at scheduling
	// time: hours may have passed since the item was queued.
	cancelled, err := w.store.ParentCancelled(ctx, item.ParentID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		entry().WithError(err).Error("parent check failed, leaving item for next pass")
		return OutcomeNoop
	}
	if cancelled {
		if applied, _ := w.store.MarkSkipped(ctx, item.ID, "parent_cancelled"); applied {
			metrics.RecordDelivery("skipped", item.Channel, 0)
			entry().Info("item skipped, parent cancelled")
			return OutcomeSkipped
		}
		return OutcomeNoop
	}

	address, err := w.store.RecipientAddress(ctx, item.TenantID, item.RecipientID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		// A recipient row that is gone will still be gone next pass; only
		// transient lookup trouble leaves the item for a retry.
		if errs.IsPermanent(err) {
			return w.fail(ctx, item, permanentReason(err), entry)
		}
		entry().WithError(err).Error("address lookup failed, leaving item for next pass")
		return OutcomeNoop
	}
	if item.Channel == channel.Chat {
		address, err = channel.NormalizePhone(address)
		if err != nil {
			return w.fail(ctx, item, permanentReason(err), entry)
		}
	}

	adapter, err := w.resolver.Resolve(ctx, item.TenantID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		if errs.IsPermanent(err) {
			return w.fail(ctx, item, permanentReason(err), entry)
		}
		// Transient infrastructure trouble: the item stays due and the
		// next pass tries again without consuming retry budget.
		entry().WithError(err).Warn("adapter resolution failed, leaving item for next pass")
		return OutcomeNoop
	}

	return w.attempt(ctx, item, adapter, address, entry)
}

// attempt drives the bounded retry loop around the channel adapter.
// Transient failures retry in-pass with exponential backoff; rate limits
// push the item to a later pass with a longer cooldown.
func (w *Worker) attempt(ctx context.Context, item queue.Item, adapter channel.Adapter, address string, entry func() *logging.LogEntry) Outcome {
	retries := item.RetryCount
	for {
		sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
		start := w.now()
		providerID, err := adapter.Send(sendCtx, channel.Message{
			ItemID:  item.ID,
			Address: address,
			Payload: []byte(item.Payload),
		})
		latency := time.Since(start)
		cancel()

		if err == nil {
			applied, markErr := w.store.MarkSent(ctx, item.ID, w.now())
			if markErr != nil {
				tracing.SetSpanError(ctx, markErr)
				entry().WithError(markErr).Error("mark sent failed")
				return OutcomeNoop
			}
			if !applied {
				// Lost the race against a concurrent pass; the send already
				// happened there.
				return OutcomeNoop
			}
			if cErr := w.store.IncrementSentCounter(ctx, item.TenantID, item.RecipientID, adapter.Name()); cErr != nil {
				entry().WithError(cErr).Warn("sent counter update failed")
			}
			metrics.RecordDelivery("sent", adapter.Name(), latency)
			tracing.AddSpanEvent(ctx, "delivery.sent", attribute.String("provider_message_id", providerID))
			entry().WithChannel(adapter.Name()).WithField("provider_message_id", providerID).Info("item delivered")
			return OutcomeSent
		}

		tracing.SetSpanError(ctx, err)
		reason := channel.ReasonOf(err)
		switch channel.ClassOf(err) {
		case channel.Terminal:
			metrics.RecordDelivery("failed", adapter.Name(), latency)
			return w.fail(ctx, item, truncateErr(err), entry)

		case channel.RateLimited:
			retries++
			metrics.RecordRetry(reason)
			if retries >= w.cfg.MaxRetries {
				metrics.RecordDelivery("failed", adapter.Name(), latency)
				return w.fail(ctx, item, truncateErr(err), entry)
			}
			nextAt := w.now().Add(w.cfg.RetryCooldown)
			if applied, mErr := w.store.MarkRetry(ctx, item.ID, nextAt, truncateErr(err)); mErr != nil || !applied {
				return OutcomeNoop
			}
			entry().WithFields(map[string]any{"retry_count": retries, "next_at": nextAt.UTC().Format(time.RFC3339)}).Warn("rate limited, cooling down")
			return OutcomeRetried

		default: // channel.Retryable
			retries++
			metrics.RecordRetry(reason)
			if applied, mErr := w.store.MarkRetry(ctx, item.ID, w.now(), truncateErr(err)); mErr != nil || !applied {
				return OutcomeNoop
			}
			if retries >= w.cfg.MaxRetries {
				metrics.RecordDelivery("failed", adapter.Name(), latency)
				return w.fail(ctx, item, truncateErr(err), entry)
			}
			delay := backoff(w.cfg.BackoffBase, w.cfg.BackoffCap, retries)
			entry().WithFields(map[string]any{"retry_count": retries, "delay": delay.String(), "reason": reason}).Warn("transient failure, retrying")
			if w.sleep(ctx, delay) != nil {
				return OutcomeRetried // shutdown mid-backoff; item stays pending
			}
		}
	}
}

func (w *Worker) fail(ctx context.Context, item queue.Item, lastError string, entry func() *logging.LogEntry) Outcome {
	applied, err := w.store.MarkFailed(ctx, item.ID, lastError)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		entry().WithError(err).Error("mark failed failed")
		return OutcomeNoop
	}
	if !applied {
		return OutcomeNoop
	}
	entry().WithField("last_error", lastError).Warn("item failed")
	return OutcomeFailed
}

// permanentReason maps a permanent classification error onto the
// last_error string stored on the failed item.
func permanentReason(err error) string {
	var ia *errs.InvalidAddressError
	var nc *errs.NoChannelError
	switch {
	case errors.Is(err, errs.ErrTenantNotFound):
		return "tenant_not_found"
	case errors.Is(err, errs.ErrRecipientNotFound):
		return "recipient_not_found"
	case errors.As(err, &ia):
		return "invalid_address"
	case errors.As(err, &nc):
		return "no_channel_configured"
	}
	return "permanent_failure"
}

// backoff computes base * 2^(n-1) capped. n is the 1-based retry number.
func backoff(base, cap time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

func truncateErr(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
