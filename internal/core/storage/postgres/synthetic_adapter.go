package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
)

// SyntheticAdapter implements storage.SyntheticStore using PostgreSQL.
type SyntheticAdapter struct {
	db *sql.DB
}

var _ storage.SyntheticStore = (*SyntheticAdapter)(nil)

// NewSyntheticAdapter creates a SyntheticAdapter sharing the given connection.
func NewSyntheticAdapter(db *sql.DB) *SyntheticAdapter {
	return &SyntheticAdapter{db: db}
}

func (a *SyntheticAdapter) InsertSyntheticIfUnchanged(ctx context.Context, rec transition.SyntheticTerminalRecord, observedLastEventTs time.Time) (bool, error) {
	status := rec.Status
	if status == "" {
		status = transition.StatusActive
	}

	res, err := a.db.ExecContext(ctx, queryInsertSyntheticIfUnchanged,
		rec.SyntheticEventID,
		rec.ServiceID,
		rec.ObjectType,
		rec.ObjectID,
		rec.Attribute,
		rec.RuleID,
		dbTime(rec.SyntheticTs),
		rec.SyntheticState,
		rec.EmitServiceID,
		rec.Reason,
		rec.Origin,
		string(status),
		dbTime(rec.LastEventTs),
		rec.LastState,
		nullString(rec.PriorTerminalState),
		rec.SeenStateAdded,
		dbTime(observedLastEventTs),
	)
	if err != nil {
		return false, fmt.Errorf("insert synthetic %s: %w", rec.SyntheticEventID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert synthetic %s: rows affected: %w", rec.SyntheticEventID, err)
	}
	return n == 1, nil
}

func (a *SyntheticAdapter) RecordFootprint(ctx context.Context, syntheticEventID string, footprint []transition.FootprintEntry, seenStateAdded bool) error {
	data, err := json.Marshal(footprint)
	if err != nil {
		return fmt.Errorf("failed to marshal footprint: %w", err)
	}

	res, err := a.db.ExecContext(ctx, queryRecordFootprint, syntheticEventID, string(data), seenStateAdded)
	if err != nil {
		return fmt.Errorf("record footprint %s: %w", syntheticEventID, classify(err))
	}
	return requireRow(res, syntheticEventID)
}

func (a *SyntheticAdapter) ListActiveSynthetic(ctx context.Context, key transition.ObjectKey) ([]transition.SyntheticTerminalRecord, error) {
	return a.listSynthetic(ctx, "list active synthetic", queryListActiveSynthetic, key)
}

func (a *SyntheticAdapter) ListUnsettledSynthetic(ctx context.Context, key transition.ObjectKey) ([]transition.SyntheticTerminalRecord, error) {
	return a.listSynthetic(ctx, "list unsettled synthetic", queryListUnsettledSynthetic, key)
}

func (a *SyntheticAdapter) listSynthetic(ctx context.Context, op, query string, key transition.ObjectKey) ([]transition.SyntheticTerminalRecord, error) {
	rows, err := a.db.QueryContext(ctx, query, key.ServiceID, key.ObjectType, key.ObjectID, key.Attribute)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, key, classify(err))
	}
	defer rows.Close()

	var out []transition.SyntheticTerminalRecord
	for rows.Next() {
		rec := transition.SyntheticTerminalRecord{
			ServiceID:  key.ServiceID,
			ObjectType: key.ObjectType,
			ObjectID:   key.ObjectID,
			Attribute:  key.Attribute,
		}
		var (
			status        string
			priorTerminal sql.NullString
			footprintJSON []byte
		)
		if err := rows.Scan(
			&rec.SyntheticEventID,
			&rec.RuleID,
			&rec.SyntheticTs,
			&rec.SyntheticState,
			&rec.EmitServiceID,
			&rec.Reason,
			&rec.Origin,
			&status,
			&rec.LastEventTs,
			&rec.LastState,
			&priorTerminal,
			&rec.SeenStateAdded,
			&footprintJSON,
		); err != nil {
			return nil, fmt.Errorf("%s: scan row: %w", op, err)
		}
		rec.Status = transition.SyntheticStatus(status)
		rec.PriorTerminalState = priorTerminal.String
		rec.SyntheticTs = rec.SyntheticTs.UTC()
		rec.LastEventTs = rec.LastEventTs.UTC()
		if len(footprintJSON) > 0 {
			if err := json.Unmarshal(footprintJSON, &rec.Footprint); err != nil {
				return nil, fmt.Errorf("failed to unmarshal footprint of %s: %w", rec.SyntheticEventID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate rows: %w", op, err)
	}
	return out, nil
}

func (a *SyntheticAdapter) MarkSuperseded(ctx context.Context, syntheticEventID, byEventID string, at time.Time) (bool, error) {
	return a.supersede(ctx, "mark superseded", queryMarkSuperseded, syntheticEventID, byEventID, at)
}

func (a *SyntheticAdapter) RetireSynthetic(ctx context.Context, syntheticEventID, byEventID string, at time.Time) (bool, error) {
	return a.supersede(ctx, "retire synthetic", queryRetireSynthetic, syntheticEventID, byEventID, at)
}

func (a *SyntheticAdapter) supersede(ctx context.Context, op, query, syntheticEventID, byEventID string, at time.Time) (bool, error) {
	res, err := a.db.ExecContext(ctx, query, syntheticEventID, byEventID, dbTime(at))
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", op, syntheticEventID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s %s: rows affected: %w", op, syntheticEventID, err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := a.db.QueryRowContext(ctx, querySyntheticExists, syntheticEventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s %s: check existence: %w", op, syntheticEventID, err)
	}
	if !exists {
		return false, storage.ErrNotFound
	}
	return false, nil
}

func (a *SyntheticAdapter) MarkReversed(ctx context.Context, syntheticEventID string, at time.Time) error {
	res, err := a.db.ExecContext(ctx, queryMarkReversed, syntheticEventID, dbTime(at))
	if err != nil {
		return fmt.Errorf("mark reversed %s: %w", syntheticEventID, classify(err))
	}
	return requireRow(res, syntheticEventID)
}

func requireRow(res sql.Result, syntheticEventID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("synthetic %s: rows affected: %w", syntheticEventID, err)
	}
	if n == 0 {
		return fmt.Errorf("synthetic %s: %w", syntheticEventID, storage.ErrNotFound)
	}
	return nil
}
