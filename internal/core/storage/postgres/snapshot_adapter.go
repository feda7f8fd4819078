package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
)

// SnapshotAdapter implements storage.SnapshotStore using PostgreSQL.
type SnapshotAdapter struct {
	db *sql.DB
}

var _ storage.SnapshotStore = (*SnapshotAdapter)(nil)

// NewSnapshotAdapter creates a SnapshotAdapter sharing the given connection.
func NewSnapshotAdapter(db *sql.DB) *SnapshotAdapter {
	return &SnapshotAdapter{db: db}
}

func (a *SnapshotAdapter) GetSnapshot(ctx context.Context, key transition.ObjectKey) (transition.Snapshot, bool, error) {
	row := a.db.QueryRowContext(ctx, querySelectSnapshot, key.ServiceID, key.ObjectType, key.ObjectID, key.Attribute)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return transition.Snapshot{}, false, nil
	}
	if err != nil {
		return transition.Snapshot{}, false, fmt.Errorf("get snapshot %s: %w", key, classify(err))
	}
	return snap, true, nil
}

func (a *SnapshotAdapter) UpsertSnapshot(ctx context.Context, key transition.ObjectKey, snap transition.Snapshot, prev *time.Time) error {
	seen := snap.SeenStates
	if seen == nil {
		seen = []string{}
	}
	args := []any{
		key.ServiceID, key.ObjectType, key.ObjectID, key.Attribute,
		snap.LastState, snap.SeenBits, pq.Array(seen), dbTime(snap.LastEventTs), nullString(snap.TerminalState),
	}

	var (
		res sql.Result
		err error
	)
	if prev == nil {
		res, err = a.db.ExecContext(ctx, queryInsertSnapshot, args...)
	} else {
		res, err = a.db.ExecContext(ctx, queryUpdateSnapshot, append(args, dbTime(*prev))...)
	}
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", key, classify(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: rows affected: %w", key, err)
	}
	if n == 0 {
		return storage.ErrSnapshotConflict
	}
	return nil
}

func (a *SnapshotAdapter) FindIdle(ctx context.Context, q storage.IdleQuery) ([]transition.ObjectSnapshot, error) {
	rows, err := a.db.QueryContext(ctx, queryFindIdleSnapshots,
		q.ServiceID, q.ObjectType, q.Attribute, dbTime(q.IdleBefore), q.IncludeTerminal, q.Limit, q.ExcludeState)
	if err != nil {
		return nil, fmt.Errorf("find idle snapshots: %w", classify(err))
	}
	defer rows.Close()

	var out []transition.ObjectSnapshot
	for rows.Next() {
		var objectID string
		snap, err := scanSnapshot(rows, &objectID)
		if err != nil {
			return nil, fmt.Errorf("find idle snapshots: scan row: %w", err)
		}
		out = append(out, transition.ObjectSnapshot{
			Key: transition.ObjectKey{
				ServiceID:  q.ServiceID,
				ObjectType: q.ObjectType,
				ObjectID:   objectID,
				Attribute:  q.Attribute,
			},
			Snapshot: snap,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find idle snapshots: iterate rows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanSnapshot reads the snapshot columns, preceded by any extra leading columns.
func scanSnapshot(row scanner, leading ...any) (transition.Snapshot, error) {
	var (
		snap     transition.Snapshot
		seen     []string
		terminal sql.NullString
	)
	dest := append(leading, &snap.LastState, &snap.SeenBits, pq.Array(&seen), &snap.LastEventTs, &terminal)
	if err := row.Scan(dest...); err != nil {
		return transition.Snapshot{}, err
	}
	snap.SeenStates = seen
	snap.TerminalState = terminal.String
	snap.LastEventTs = snap.LastEventTs.UTC()
	return snap, nil
}
