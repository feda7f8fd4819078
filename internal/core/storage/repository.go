package storage

import (
	"context"
	"errors"
	"time"

	"github.com/aevon-lab/transitions/internal/core/transition"
)

var (
	// ErrSnapshotConflict is returned when a snapshot changed between read and conditional write.
	ErrSnapshotConflict = errors.New("snapshot changed concurrently")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
)

// SnapshotStore persists per-object transition checkpoints.
type SnapshotStore interface {
	// GetSnapshot returns the snapshot of one object attribute. ok is false when none exists.
	GetSnapshot(ctx context.Context, key transition.ObjectKey) (snap transition.Snapshot, ok bool, err error)

	// UpsertSnapshot writes snap only if the stored lastEventTs still equals prev.
	// A nil prev means the row must not exist yet. Returns ErrSnapshotConflict otherwise.
	UpsertSnapshot(ctx context.Context, key transition.ObjectKey, snap transition.Snapshot, prev *time.Time) error

	// FindIdle returns snapshots whose lastEventTs <= q.IdleBefore, oldest first.
	FindIdle(ctx context.Context, q IdleQuery) ([]transition.ObjectSnapshot, error)
}

// IdleQuery selects inference candidates.
type IdleQuery struct {
	ServiceID       string
	ObjectType      string
	Attribute       string
	IdleBefore      time.Time
	IncludeTerminal bool
	// ExcludeState drops snapshots whose lastState equals it, so rows that already
	// sit in the emitted state do not fill every batch. Empty disables the filter.
	ExcludeState string
	Limit        int
}

// StateCode is one allocated seen-state id.
type StateCode struct {
	Scope transition.Scope
	State string
	Code  int
}

// CodeStore backs the seen-state codec.
type CodeStore interface {
	// LoadStateCodes returns every allocated code.
	LoadStateCodes(ctx context.Context) ([]StateCode, error)

	// LoadScopeCodes returns the allocated codes of one scope.
	LoadScopeCodes(ctx context.Context, scope transition.Scope) ([]StateCode, error)

	// AllocateStateCode returns the code of state within scope, allocating the next
	// free code if the state has never been seen. Codes never change once allocated.
	AllocateStateCode(ctx context.Context, scope transition.Scope, state string) (int, error)
}

// RollupStore is the system of record for counters.
type RollupStore interface {
	// ApplyPostings inserts every posting id into the dedup set (insert-if-absent), rolls the
	// newly inserted postings up per granularity and applies them with upsert-with-increment,
	// all in one transaction. Returns the number of postings that were applied.
	ApplyPostings(ctx context.Context, postings []transition.Posting, granularities []transition.Granularity) (int, error)
}

// SyntheticStore persists synthetic terminal records.
type SyntheticStore interface {
	// InsertSyntheticIfUnchanged inserts rec only if the object's snapshot lastEventTs still
	// equals observedLastEventTs and no record with the same id exists.
	InsertSyntheticIfUnchanged(ctx context.Context, rec transition.SyntheticTerminalRecord, observedLastEventTs time.Time) (bool, error)

	// RecordFootprint stores the counters a synthetic event caused.
	RecordFootprint(ctx context.Context, syntheticEventID string, footprint []transition.FootprintEntry, seenStateAdded bool) error

	// ListActiveSynthetic returns ACTIVE records of an object, newest first.
	ListActiveSynthetic(ctx context.Context, key transition.ObjectKey) ([]transition.SyntheticTerminalRecord, error)

	// ListUnsettledSynthetic returns the records of an object that still need work from
	// a real event: ACTIVE ones, and SUPERSEDED ones whose reversal never completed.
	// Newest first.
	ListUnsettledSynthetic(ctx context.Context, key transition.ObjectKey) ([]transition.SyntheticTerminalRecord, error)

	// MarkSuperseded flips one record from ACTIVE to SUPERSEDED. Returns false when the
	// record was not ACTIVE anymore.
	MarkSuperseded(ctx context.Context, syntheticEventID, byEventID string, at time.Time) (bool, error)

	// RetireSynthetic flips an ACTIVE record that never reached the snapshot to
	// SUPERSEDED and stamps it reversed in the same write, since nothing was counted.
	// Returns false when the record was not ACTIVE anymore.
	RetireSynthetic(ctx context.Context, syntheticEventID, byEventID string, at time.Time) (bool, error)

	// MarkReversed stamps the time the record's footprint was reversed.
	MarkReversed(ctx context.Context, syntheticEventID string, at time.Time) error
}
