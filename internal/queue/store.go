package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driplinehq/dripline/internal/errs"
)

// Store persists queue items in the control database. Every state
// transition is a conditional update guarded by status='pending', so
// overlapping workers can never double-apply a transition.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const itemColumns = `id, tenant_id, recipient_id, channel, kind, payload, status,
	scheduled_at, sent_at, retry_count, last_error, template_id, parent_id, created_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	var sentAt *time.Time
	err := row.Scan(&it.ID, &it.TenantID, &it.RecipientID, &it.Channel, &it.Kind,
		&it.Payload, &it.Status, &it.ScheduledAt, &sentAt, &it.RetryCount,
		&it.LastError, &it.TemplateID, &it.ParentID, &it.CreatedAt)
	if err != nil {
		return Item{}, err
	}
	it.SentAt = sentAt
	return it, nil
}

// Enqueue inserts pending items, assigning ids. Items colliding with an
// existing pending row for the same (tenant, recipient, kind) are dropped
// by ON CONFLICT DO NOTHING; the returned count excludes them.
func (s *Store) Enqueue(ctx context.Context, items []Item) (int, error) {
	batch := &pgx.Batch{}
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		batch.Queue(`
			INSERT INTO dripline.queue_items
				(id, tenant_id, recipient_id, channel, kind, payload, status, scheduled_at, template_id, parent_id)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9)
			ON CONFLICT DO NOTHING`,
			items[i].ID, items[i].TenantID, items[i].RecipientID, items[i].Channel,
			items[i].Kind, items[i].Payload, items[i].ScheduledAt,
			items[i].TemplateID, items[i].ParentID)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range items {
		ct, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("enqueue batch: %w", err)
		}
		inserted += int(ct.RowsAffected())
	}
	return inserted, nil
}

// Due returns pending items whose scheduled_at has arrived, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM dripline.queue_items
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2`, itemColumns), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Get fetches a single item by id.
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM dripline.queue_items WHERE id = $1`, itemColumns), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("queue item %s not found", id)
	}
	return it, err
}

// MarkSent transitions a pending item to sent. Returns false when the
// item was no longer pending (another pass won the race).
func (s *Store) MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE dripline.queue_items
		SET status='sent', sent_at=$2, last_error=''
		WHERE id=$1 AND status='pending'`, id, sentAt)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed transitions a pending item to terminal failure.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE dripline.queue_items
		SET status='failed', last_error=$2
		WHERE id=$1 AND status='pending'`, id, lastError)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkSkipped transitions a pending item to skipped with a reason.
func (s *Store) MarkSkipped(ctx context.Context, id, reason string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE dripline.queue_items
		SET status='skipped', last_error=$2
		WHERE id=$1 AND status='pending'`, id, reason)
	if err != nil {
		return false, fmt.Errorf("mark skipped: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkRetry keeps the item pending, bumps retry_count and pushes
// scheduled_at forward so the next polling pass picks it up after the
// cooldown.
func (s *Store) MarkRetry(ctx context.Context, id string, nextAt time.Time, lastError string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE dripline.queue_items
		SET retry_count=retry_count+1, scheduled_at=$2, last_error=$3
		WHERE id=$1 AND status='pending'`, id, nextAt, lastError)
	if err != nil {
		return false, fmt.Errorf("mark retry: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// Stats counts items by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM dripline.queue_items GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusPending:
			st.Pending = n
		case StatusSent:
			st.Sent = n
		case StatusFailed:
			st.Failed = n
		case StatusSkipped:
			st.Skipped = n
		}
	}
	return st, rows.Err()
}

// ReapStale fails pending items that have sat past the cutoff with their
// retry budget exhausted. Returns the number of items reaped.
func (s *Store) ReapStale(ctx context.Context, cutoff time.Time, maxRetries int) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE dripline.queue_items
		SET status='failed', last_error='stale'
		WHERE status='pending' AND scheduled_at < $1 AND retry_count >= $2`,
		cutoff, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("reap stale: %w", err)
	}
	return ct.RowsAffected(), nil
}

// ParentCancelled reports whether the parent consultation of an item was
// cancelled after the item was scheduled. Items without a parent are
// never considered cancelled.
func (s *Store) ParentCancelled(ctx context.Context, parentID string) (bool, error) {
	if parentID == "" {
		return false, nil
	}
	var cancelled bool
	err := s.pool.QueryRow(ctx, `
		SELECT status = 'cancelled' FROM dripline.consultations WHERE id = $1`,
		parentID).Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		// Parent gone entirely: treat like cancelled so the item is skipped.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("parent lookup: %w", err)
	}
	return cancelled, nil
}

// RecipientAddress returns the delivery address stored on the recipient
// row (phone number for chat, device token for push, hashed identifier
// for conversion events).
func (s *Store) RecipientAddress(ctx context.Context, tenantID, recipientID string) (string, error) {
	var address string
	err := s.pool.QueryRow(ctx, `
		SELECT address FROM dripline.recipients
		WHERE tenant_id = $1 AND id = $2`, tenantID, recipientID).Scan(&address)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("recipient %s for tenant %s: %w", recipientID, tenantID, errs.ErrRecipientNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("recipient address lookup: %w", err)
	}
	return address, nil
}

// IncrementSentCounter bumps the denormalized per-channel sent counter
// for a recipient and refreshes last_messaged_at on the recipient row.
func (s *Store) IncrementSentCounter(ctx context.Context, tenantID, recipientID, channel string) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO dripline.recipient_counters (tenant_id, recipient_id, channel, sent_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (tenant_id, recipient_id, channel)
		DO UPDATE SET sent_count = dripline.recipient_counters.sent_count + 1`,
		tenantID, recipientID, channel)
	batch.Queue(`
		UPDATE dripline.recipients
		SET messages_sent = messages_sent + 1, last_messaged_at = now()
		WHERE tenant_id = $1 AND id = $2`, tenantID, recipientID)
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < 2; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("increment sent counter: %w", err)
		}
	}
	return nil
}
