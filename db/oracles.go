package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Oracle is an invariant check: a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

// Violation is the first offending row of a failed oracle.
type Violation struct {
	Oracle string
	Sample string
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Oracles returns the ledger invariants. staleAfter bounds how long a
// committed resolution or a pending outbox message may sit unprocessed.
func Oracles(staleAfter time.Duration) []Oracle {
	stale := int64(staleAfter / time.Second)
	return []Oracle{
		{
			Name: "filled_matches_active",
			SQL: `SELECT l.id, l.filled_slots, COUNT(m.id) FILTER (WHERE m.active) AS active
                  FROM listings l LEFT JOIN memberships m ON m.listing_id = l.id
                  GROUP BY l.id, l.filled_slots
                  HAVING l.filled_slots <> COUNT(m.id) FILTER (WHERE m.active)`,
		},
		{
			Name: "within_capacity",
			SQL:  `SELECT id, filled_slots, total_slots FROM listings WHERE filled_slots < 0 OR filled_slots > total_slots`,
		},
		{
			Name: "full_status_consistent",
			SQL: `SELECT id, status, filled_slots, total_slots FROM listings
                  WHERE (status = 'full' AND filled_slots < total_slots)
                     OR (status IN ('recruiting','active') AND filled_slots >= total_slots)`,
		},
		{
			Name: "removed_listing_empty",
			SQL: `SELECT l.id FROM listings l JOIN memberships m ON m.listing_id = l.id
                  WHERE l.status = 'removed' AND m.active`,
		},
		{
			Name: "terminal_cases_have_resolution",
			SQL: `SELECT id, status FROM disputes
                  WHERE (status LIKE 'resolved_%') <> (resolution IS NOT NULL)`,
		},
		{
			Name: "stale_unapplied_resolution",
			SQL: fmt.Sprintf(`SELECT id FROM disputes
                  WHERE resolution IS NOT NULL AND resolution ->> 'applied_at' IS NULL
                    AND now() - last_update > interval '%d seconds'`, stale),
		},
		{
			Name: "applied_mutation_audited",
			SQL: `SELECT d.id FROM disputes d
                  WHERE d.resolution ->> 'membership_mutation_id' IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM audit_records a WHERE a.id = d.resolution ->> 'membership_mutation_id')`,
		},
		{
			Name: "stale_outbox",
			SQL: fmt.Sprintf(`SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '%d seconds'`, stale),
		},
	}
}

// CheckOracles runs every oracle and returns the violations found.
func CheckOracles(ctx context.Context, q Querier, oracles []Oracle) ([]Violation, error) {
	var out []Violation
	for _, o := range oracles {
		rows, err := q.Query(ctx, o.SQL)
		if err != nil {
			return out, fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return out, fmt.Errorf("oracle %s: %w", o.Name, err)
			}
			out = append(out, Violation{Oracle: o.Name, Sample: fmt.Sprintf("%v", vals)})
			continue
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return out, fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return out, nil
}
