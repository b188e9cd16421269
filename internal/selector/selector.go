package selector

import (
	"context"
	"fmt"
	"time"

	"github.com/driplinehq/dripline/internal/channel"
	"github.com/driplinehq/dripline/internal/logging"
)

// Criteria is the inclusion predicate for one selection pass. Filtering
// happens in the backing store, not client-side: the candidate set can be
// orders of magnitude larger than the eligible set.
type Criteria struct {
	Kind              string // notification kind the batch is for
	InterestConfirmed bool   // only recipients who confirmed interest
	ExcludeQualified  bool   // skip recipients already qualified out of the funnel
	ActivityWindow    time.Duration
	BatchSize         int
}

// Recipient is the descriptor the selector hands to the distributor.
// Channel is filled during the second selection phase from the tenant's
// settings.
type Recipient struct {
	ID            string
	TenantID      string
	PriorityScore float64
	Address       string
	Channel       string
}

// CandidateStore supplies the broad first-phase query. Implementations
// must push all Criteria filters into the store query and bound the
// result to limit rows, ordered by priority score descending.
type CandidateStore interface {
	Candidates(ctx context.Context, c Criteria, limit int) ([]Recipient, error)
}

// Selector chooses the recipients entering a delivery batch. Eligibility
// that cannot be expressed in one query, namely whether the recipient's
// tenant has a delivery channel configured, is resolved in a second phase
// with per-tenant memoization.
type Selector struct {
	Store    CandidateStore
	Settings channel.SettingsSource
	Log      *logging.Logger
}

// Select returns up to c.BatchSize eligible recipients. Fewer than
// requested is normal; zero results is not an error.
func (s *Selector) Select(ctx context.Context, c Criteria) ([]Recipient, error) {
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}

	// Phase 1: broad query bounded to 2x the batch so phase-2 rejections
	// do not starve the batch.
	candidates, err := s.Store.Candidates(ctx, c, 2*c.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("candidate query: %w", err)
	}

	// Phase 2: resolve channel settings per candidate, memoized by tenant.
	// Short-circuits once the batch is full.
	type cached struct {
		channel string
		ok      bool
	}
	memo := make(map[string]cached)
	accepted := make([]Recipient, 0, c.BatchSize)
	for _, cand := range candidates {
		if len(accepted) >= c.BatchSize {
			break
		}
		hit, ok := memo[cand.TenantID]
		if !ok {
			settings, err := s.Settings.ChannelSettings(ctx, cand.TenantID)
			hit = cached{channel: settings.Channel, ok: err == nil && settings.Configured()}
			memo[cand.TenantID] = hit
			if err != nil {
				s.Log.WithContext(ctx).WithTenant(cand.TenantID).WithError(err).Warn("settings lookup failed, skipping tenant this pass")
			}
		}
		if hit.ok {
			cand.Channel = hit.channel
			accepted = append(accepted, cand)
		}
	}

	s.Log.WithContext(ctx).WithFields(map[string]any{
		"kind":       c.Kind,
		"candidates": len(candidates),
		"accepted":   len(accepted),
	}).Debug("selection pass finished")
	return accepted, nil
}
