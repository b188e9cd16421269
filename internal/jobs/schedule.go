package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/driplinehq/dripline/internal/distributor"
	"github.com/driplinehq/dripline/internal/metrics"
	"github.com/driplinehq/dripline/internal/queue"
	"github.com/driplinehq/dripline/internal/selector"
)

// Enqueuer is the slice of the queue store the scheduling job needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, items []queue.Item) (int, error)
}

// ScheduleJob is the Selector -> Distributor -> queue pipeline for one
// notification kind. The delivery worker picks the persisted rows up on
// its own clock; the job never touches the channel adapters.
type ScheduleJob struct {
	Selector *selector.Selector
	Criteria selector.Criteria
	Window   distributor.Window
	Queue    Enqueuer

	TemplateID string
	Payload    string // rendered message body; authoring is upstream

	Rand *rand.Rand
	Now  func() time.Time
}

// Run executes one scheduling pass. Found counts selected recipients,
// Processed the rows actually inserted; recipients dropped by the
// duplicate-pending guard count as Skipped.
func (j *ScheduleJob) Run(ctx context.Context) (RunStats, error) {
	var stats RunStats
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}

	recipients, err := j.Selector.Select(ctx, j.Criteria)
	if err != nil {
		return stats, fmt.Errorf("select: %w", err)
	}
	stats.Found = len(recipients)
	if len(recipients) == 0 {
		return stats, nil
	}

	scheduled, err := distributor.Distribute(recipients, j.Window, now(), j.Rand)
	if err != nil {
		return stats, fmt.Errorf("distribute: %w", err)
	}

	items := make([]queue.Item, 0, len(scheduled))
	for _, s := range scheduled {
		items = append(items, queue.Item{
			TenantID:    s.Recipient.TenantID,
			RecipientID: s.Recipient.ID,
			Channel:     s.Recipient.Channel,
			Kind:        j.Criteria.Kind,
			Payload:     j.Payload,
			ScheduledAt: s.At,
			TemplateID:  j.TemplateID,
		})
	}

	inserted, err := j.Queue.Enqueue(ctx, items)
	if err != nil {
		return stats, fmt.Errorf("enqueue: %w", err)
	}
	stats.Processed = inserted
	stats.Skipped = len(items) - inserted
	metrics.RecordQueued(j.Criteria.Kind, inserted)
	return stats, nil
}

// Reaper is the slice of the queue store the reap job needs.
type Reaper interface {
	ReapStale(ctx context.Context, cutoff time.Time, maxRetries int) (int64, error)
}

// ReapJob fails pending items that exhausted their retry budget and then
// sat untouched past the cutoff, so the backlog cannot accumulate
// zombies.
type ReapJob struct {
	Queue      Reaper
	After      time.Duration
	MaxRetries int
	Now        func() time.Time
}

func (j *ReapJob) Run(ctx context.Context) (RunStats, error) {
	var stats RunStats
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	n, err := j.Queue.ReapStale(ctx, now().Add(-j.After), j.MaxRetries)
	if err != nil {
		return stats, fmt.Errorf("reap: %w", err)
	}
	stats.Found = int(n)
	stats.Processed = int(n)
	return stats, nil
}
