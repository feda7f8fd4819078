package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
)

// RollupAdapter implements storage.RollupStore using PostgreSQL.
// Dedup inserts and counter upserts share one transaction: a batch either lands
// completely or not at all, and a redelivered batch only touches the dedup set.
type RollupAdapter struct {
	db *sql.DB
}

var _ storage.RollupStore = (*RollupAdapter)(nil)

// NewRollupAdapter creates a RollupAdapter sharing the given connection.
func NewRollupAdapter(db *sql.DB) *RollupAdapter {
	return &RollupAdapter{db: db}
}

func (a *RollupAdapter) ApplyPostings(ctx context.Context, postings []transition.Posting, granularities []transition.Granularity) (int, error) {
	if len(postings) == 0 {
		return 0, nil
	}

	// Stable lock order across concurrent batches with overlapping ids.
	sorted := append([]transition.Posting(nil), postings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("apply postings: begin tx: %w", classify(err))
	}
	defer tx.Rollback() //nolint:errcheck

	dedupStmt, err := tx.PrepareContext(ctx, queryInsertPostingDedup)
	if err != nil {
		return 0, fmt.Errorf("apply postings: prepare dedup: %w", classify(err))
	}
	defer dedupStmt.Close()

	fresh := make([]transition.Posting, 0, len(sorted))
	for _, p := range sorted {
		res, err := dedupStmt.ExecContext(ctx, p.ID, p.SourceEventID)
		if err != nil {
			return 0, fmt.Errorf("apply postings: insert dedup %s: %w", p.ID, classify(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("apply postings: dedup rows affected: %w", err)
		}
		if n == 1 {
			fresh = append(fresh, p)
		}
	}

	deltas := transition.RollUp(fresh, granularities)
	if len(deltas) > 0 {
		upsertStmt, err := tx.PrepareContext(ctx, queryUpsertRollup)
		if err != nil {
			return 0, fmt.Errorf("apply postings: prepare upsert: %w", classify(err))
		}
		defer upsertStmt.Close()

		for _, d := range deltas {
			if _, err := upsertStmt.ExecContext(ctx,
				dbTime(d.BucketStart),
				d.Granularity,
				d.Key.ServiceID,
				d.Key.ObjectType,
				d.Key.Attribute,
				d.Key.Counter,
				d.Key.FromState,
				d.Key.ToState,
				d.Delta,
			); err != nil {
				return 0, fmt.Errorf("apply postings: upsert rollup: %w", classify(err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("apply postings: commit: %w", classify(err))
	}

	slog.Debug("[RollupAdapter] Applied postings",
		"postings", len(postings),
		"fresh", len(fresh),
		"cells", len(deltas))
	return len(fresh), nil
}
