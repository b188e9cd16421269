package selector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGCandidates runs the first-phase eligibility query against the control
// database backlog.
type PGCandidates struct {
	Pool *pgxpool.Pool
}

// Candidates pushes every filter into SQL: funnel flags, activity
// recency, and the absence of a pending queue item of the same kind
// (keeps the no-duplicate-pending invariant from ever being tested by
// the insert path in the common case).
func (p *PGCandidates) Candidates(ctx context.Context, c Criteria, limit int) ([]Recipient, error) {
	rows, err := p.Pool.Query(ctx, `
		SELECT r.id, r.tenant_id, r.priority_score, r.address
		FROM dripline.recipients r
		WHERE ($1::bool = false OR r.interest_confirmed)
		  AND ($2::bool = false OR NOT r.qualified)
		  AND r.last_interaction_at >= now() - $3::interval
		  AND NOT EXISTS (
			SELECT 1 FROM dripline.queue_items q
			WHERE q.tenant_id = r.tenant_id
			  AND q.recipient_id = r.id
			  AND q.kind = $4
			  AND q.status = 'pending'
		  )
		ORDER BY r.priority_score DESC
		LIMIT $5`,
		c.InterestConfirmed, c.ExcludeQualified,
		fmt.Sprintf("%d minutes", int(c.ActivityWindow.Minutes())),
		c.Kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.TenantID, &r.PriorityScore, &r.Address); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
