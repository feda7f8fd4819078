// Package memory is an in-memory system of record implementing every store contract.
// Useful for tests, local development and running the engine without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
)

// Store keeps snapshots, state codes, the posting dedup set, rollups and synthetic
// records behind one mutex, so every conditional write is trivially atomic.
type Store struct {
	mu sync.RWMutex

	snapshots map[transition.ObjectKey]transition.Snapshot
	codes     map[transition.Scope]map[string]int
	dedup     map[string]struct{}
	rollups   map[transition.RollupKey]int64
	synthetic map[string]transition.SyntheticTerminalRecord
}

var (
	_ storage.SnapshotStore  = (*Store)(nil)
	_ storage.CodeStore      = (*Store)(nil)
	_ storage.RollupStore    = (*Store)(nil)
	_ storage.SyntheticStore = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		snapshots: make(map[transition.ObjectKey]transition.Snapshot),
		codes:     make(map[transition.Scope]map[string]int),
		dedup:     make(map[string]struct{}),
		rollups:   make(map[transition.RollupKey]int64),
		synthetic: make(map[string]transition.SyntheticTerminalRecord),
	}
}

func (s *Store) GetSnapshot(_ context.Context, key transition.ObjectKey) (transition.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[key]
	return copySnapshot(snap), ok, nil
}

func (s *Store) UpsertSnapshot(_ context.Context, key transition.ObjectKey, snap transition.Snapshot, prev *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.snapshots[key]
	switch {
	case prev == nil && ok:
		return storage.ErrSnapshotConflict
	case prev != nil && (!ok || !existing.LastEventTs.Equal(*prev)):
		return storage.ErrSnapshotConflict
	}

	s.snapshots[key] = copySnapshot(snap)
	return nil
}

func (s *Store) FindIdle(_ context.Context, q storage.IdleQuery) ([]transition.ObjectSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []transition.ObjectSnapshot
	for key, snap := range s.snapshots {
		if key.ServiceID != q.ServiceID || key.ObjectType != q.ObjectType || key.Attribute != q.Attribute {
			continue
		}
		if snap.LastEventTs.After(q.IdleBefore) {
			continue
		}
		if !q.IncludeTerminal && snap.IsTerminal() {
			continue
		}
		if q.ExcludeState != "" && snap.LastState == q.ExcludeState {
			continue
		}
		out = append(out, transition.ObjectSnapshot{Key: key, Snapshot: copySnapshot(snap)})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Snapshot.LastEventTs, out[j].Snapshot.LastEventTs
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].Key.ObjectID < out[j].Key.ObjectID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) LoadStateCodes(_ context.Context) ([]storage.StateCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.StateCode
	for scope, states := range s.codes {
		for st, code := range states {
			out = append(out, storage.StateCode{Scope: scope, State: st, Code: code})
		}
	}
	return out, nil
}

func (s *Store) LoadScopeCodes(_ context.Context, scope transition.Scope) ([]storage.StateCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.StateCode, 0, len(s.codes[scope]))
	for st, code := range s.codes[scope] {
		out = append(out, storage.StateCode{Scope: scope, State: st, Code: code})
	}
	return out, nil
}

func (s *Store) AllocateStateCode(_ context.Context, scope transition.Scope, state string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := s.codes[scope]
	if states == nil {
		states = make(map[string]int)
		s.codes[scope] = states
	}
	if code, ok := states[state]; ok {
		return code, nil
	}
	code := len(states)
	states[state] = code
	return code, nil
}

func (s *Store) ApplyPostings(_ context.Context, postings []transition.Posting, granularities []transition.Granularity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]transition.Posting, 0, len(postings))
	for _, p := range postings {
		if _, dup := s.dedup[p.ID]; dup {
			continue
		}
		s.dedup[p.ID] = struct{}{}
		fresh = append(fresh, p)
	}

	for _, d := range transition.RollUp(fresh, granularities) {
		s.rollups[d.RollupKey] += d.Delta
	}
	return len(fresh), nil
}

// RollupValue returns one persisted counter cell.
func (s *Store) RollupValue(bucketStart time.Time, granularity string, key transition.TransitionKey) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollups[transition.RollupKey{BucketStart: bucketStart.UTC(), Granularity: granularity, Key: key}]
}

// CounterTotal sums a counter over every bucket of one granularity.
func (s *Store) CounterTotal(granularity string, key transition.TransitionKey) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for k, v := range s.rollups {
		if k.Granularity == granularity && k.Key == key {
			total += v
		}
	}
	return total
}

// Rollups returns a copy of every non-zero counter cell.
func (s *Store) Rollups() map[transition.RollupKey]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[transition.RollupKey]int64, len(s.rollups))
	for k, v := range s.rollups {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// DedupSize is the number of posting ids ever applied.
func (s *Store) DedupSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dedup)
}

func (s *Store) InsertSyntheticIfUnchanged(_ context.Context, rec transition.SyntheticTerminalRecord, observedLastEventTs time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[rec.ObjectKey()]
	if !ok || !snap.LastEventTs.Equal(observedLastEventTs) {
		return false, nil
	}
	if _, exists := s.synthetic[rec.SyntheticEventID]; exists {
		return false, nil
	}
	for _, other := range s.synthetic {
		if other.ObjectKey() == rec.ObjectKey() && other.RuleID == rec.RuleID && other.SyntheticTs.Equal(rec.SyntheticTs) {
			return false, nil
		}
	}

	if rec.Status == "" {
		rec.Status = transition.StatusActive
	}
	s.synthetic[rec.SyntheticEventID] = copyRecord(rec)
	return true, nil
}

func (s *Store) RecordFootprint(_ context.Context, syntheticEventID string, footprint []transition.FootprintEntry, seenStateAdded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.synthetic[syntheticEventID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Footprint = append([]transition.FootprintEntry(nil), footprint...)
	rec.SeenStateAdded = seenStateAdded
	s.synthetic[syntheticEventID] = rec
	return nil
}

func (s *Store) ListActiveSynthetic(_ context.Context, key transition.ObjectKey) ([]transition.SyntheticTerminalRecord, error) {
	return s.listSynthetic(key, func(rec transition.SyntheticTerminalRecord) bool {
		return rec.Status == transition.StatusActive
	}), nil
}

func (s *Store) ListUnsettledSynthetic(_ context.Context, key transition.ObjectKey) ([]transition.SyntheticTerminalRecord, error) {
	return s.listSynthetic(key, func(rec transition.SyntheticTerminalRecord) bool {
		return rec.Status == transition.StatusActive || rec.ReversedAt == nil
	}), nil
}

func (s *Store) listSynthetic(key transition.ObjectKey, keep func(transition.SyntheticTerminalRecord) bool) []transition.SyntheticTerminalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []transition.SyntheticTerminalRecord
	for _, rec := range s.synthetic {
		if rec.ObjectKey() == key && keep(rec) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SyntheticTs.After(out[j].SyntheticTs) })
	return out
}

func (s *Store) MarkSuperseded(_ context.Context, syntheticEventID, byEventID string, at time.Time) (bool, error) {
	return s.supersede(syntheticEventID, byEventID, at, false)
}

func (s *Store) RetireSynthetic(_ context.Context, syntheticEventID, byEventID string, at time.Time) (bool, error) {
	return s.supersede(syntheticEventID, byEventID, at, true)
}

func (s *Store) supersede(syntheticEventID, byEventID string, at time.Time, reversed bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.synthetic[syntheticEventID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if rec.Status != transition.StatusActive {
		return false, nil
	}
	rec.Status = transition.StatusSuperseded
	rec.SupersededByEventID = byEventID
	rec.SupersededAt = &at
	if reversed {
		rec.ReversedAt = &at
	}
	s.synthetic[syntheticEventID] = rec
	return true, nil
}

func (s *Store) MarkReversed(_ context.Context, syntheticEventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.synthetic[syntheticEventID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.ReversedAt = &at
	s.synthetic[syntheticEventID] = rec
	return nil
}

// Synthetic returns one synthetic record by id.
func (s *Store) Synthetic(syntheticEventID string) (transition.SyntheticTerminalRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.synthetic[syntheticEventID]
	return copyRecord(rec), ok
}

// SyntheticRecords returns every synthetic record ordered by synthetic time.
func (s *Store) SyntheticRecords() []transition.SyntheticTerminalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transition.SyntheticTerminalRecord, 0, len(s.synthetic))
	for _, rec := range s.synthetic {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SyntheticTs.Before(out[j].SyntheticTs) })
	return out
}

func copySnapshot(s transition.Snapshot) transition.Snapshot {
	s.SeenBits = append([]byte(nil), s.SeenBits...)
	s.SeenStates = append([]string(nil), s.SeenStates...)
	return s
}

func copyRecord(r transition.SyntheticTerminalRecord) transition.SyntheticTerminalRecord {
	r.Footprint = append([]transition.FootprintEntry(nil), r.Footprint...)
	return r
}
