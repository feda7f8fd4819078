package aggregation

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aevon-lab/transitions/internal/core/partition"
	"github.com/aevon-lab/transitions/internal/core/transition"
	"github.com/aevon-lab/transitions/internal/telemetry"
)

// Buffer is the short-horizon in-memory aggregation of postings, keyed by
// epoch (bucket start at the buffer granularity) and TransitionKey.
//
// Each entry keeps its count plus the individual postings not yet persisted.
// A flush takes postings (marking them in flight), and the persist worker acks
// exactly the postings it applied. Postings added while a batch is in flight
// stay pending and are picked up by the next sweep.
//
// Keys are spread over independently locked shards.
type Buffer struct {
	granularity transition.Granularity
	shards      []*bufferShard
	pending     atomic.Int64
	metrics     *telemetry.Metrics
}

type bufferShard struct {
	mu     sync.Mutex
	epochs map[time.Time]map[transition.TransitionKey]*bufferEntry
}

type bufferEntry struct {
	count   int64
	pending map[string]*pendingPosting
}

type pendingPosting struct {
	posting  transition.Posting
	inFlight bool
}

// NewBuffer creates a buffer aligned to g with shardCount shards
// (partition.Count when shardCount <= 0).
func NewBuffer(g transition.Granularity, shardCount int, metrics *telemetry.Metrics) *Buffer {
	if shardCount <= 0 {
		shardCount = partition.Count
	}
	b := &Buffer{
		granularity: g,
		shards:      make([]*bufferShard, shardCount),
		metrics:     metrics,
	}
	for i := range b.shards {
		b.shards[i] = &bufferShard{epochs: make(map[time.Time]map[transition.TransitionKey]*bufferEntry)}
	}
	return b
}

// Granularity is the bucket width epochs are aligned to.
func (b *Buffer) Granularity() transition.Granularity {
	return b.granularity
}

// Post implements posting.Sink.
func (b *Buffer) Post(_ context.Context, postings []transition.Posting) error {
	b.Add(postings...)
	return nil
}

// Add buffers postings and returns how many were new.
// A posting whose id is already pending is ignored.
func (b *Buffer) Add(postings ...transition.Posting) int {
	added := 0
	for _, p := range postings {
		epoch := transition.BucketFor(p.Timestamp, b.granularity)
		s := b.shardFor(p.Key)

		s.mu.Lock()
		e := s.entryLocked(epoch, p.Key, true)
		if _, dup := e.pending[p.ID]; !dup {
			e.pending[p.ID] = &pendingPosting{posting: p}
			e.count += p.Delta
			added++
		}
		s.mu.Unlock()
	}
	b.pending.Add(int64(added))
	b.reportPending()
	return added
}

// TakeReady marks every pending, not-in-flight posting of epochs at or before
// cutoff as in flight and returns them ordered by epoch, key and id.
func (b *Buffer) TakeReady(cutoff time.Time) []transition.Posting {
	var out []transition.Posting
	for _, s := range b.shards {
		s.mu.Lock()
		for epoch, entries := range s.epochs {
			if epoch.After(cutoff) {
				continue
			}
			for _, e := range entries {
				for _, pp := range e.pending {
					if pp.inFlight {
						continue
					}
					pp.inFlight = true
					out = append(out, pp.posting)
				}
			}
		}
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		ei := transition.BucketFor(out[i].Timestamp, b.granularity)
		ej := transition.BucketFor(out[j].Timestamp, b.granularity)
		if !ei.Equal(ej) {
			return ei.Before(ej)
		}
		if out[i].Key != out[j].Key {
			return out[i].Key.Less(out[j].Key)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Ack removes persisted postings and subtracts exactly their deltas.
// Unknown ids are ignored, so acking twice is harmless.
func (b *Buffer) Ack(postings []transition.Posting) {
	var acked int64
	for _, p := range postings {
		epoch := transition.BucketFor(p.Timestamp, b.granularity)
		s := b.shardFor(p.Key)

		s.mu.Lock()
		if e := s.entryLocked(epoch, p.Key, false); e != nil {
			if pp, ok := e.pending[p.ID]; ok {
				e.count -= pp.posting.Delta
				delete(e.pending, p.ID)
				acked++
			}
			if len(e.pending) == 0 {
				s.removeLocked(epoch, p.Key)
			}
		}
		s.mu.Unlock()
	}
	b.pending.Add(-acked)
	b.reportPending()
}

// Release returns postings of a failed batch to the pending pool.
func (b *Buffer) Release(postings []transition.Posting) {
	for _, p := range postings {
		epoch := transition.BucketFor(p.Timestamp, b.granularity)
		s := b.shardFor(p.Key)

		s.mu.Lock()
		if e := s.entryLocked(epoch, p.Key, false); e != nil {
			if pp, ok := e.pending[p.ID]; ok {
				pp.inFlight = false
			}
		}
		s.mu.Unlock()
	}
}

// Prune drops entries that have no pending postings, or whose count nets to zero
// with nothing in flight (their postings cancel out in every rollup cell), and
// then empty epochs. Returns the number of entries removed.
func (b *Buffer) Prune() int {
	removed := 0
	var dropped int64
	for _, s := range b.shards {
		s.mu.Lock()
		for epoch, entries := range s.epochs {
			for key, e := range entries {
				if len(e.pending) == 0 || (e.count == 0 && !e.anyInFlight()) {
					dropped += int64(len(e.pending))
					delete(entries, key)
					removed++
				}
			}
			if len(entries) == 0 {
				delete(s.epochs, epoch)
			}
		}
		s.mu.Unlock()
	}
	b.pending.Add(-dropped)
	b.reportPending()
	return removed
}

// Count returns the buffered count of one key in the epoch containing ts.
func (b *Buffer) Count(ts time.Time, key transition.TransitionKey) int64 {
	epoch := transition.BucketFor(ts, b.granularity)
	s := b.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entryLocked(epoch, key, false); e != nil {
		return e.count
	}
	return 0
}

// Pending is the number of postings not yet acked.
func (b *Buffer) Pending() int {
	return int(b.pending.Load())
}

// Epochs returns the buffered epochs in ascending order.
func (b *Buffer) Epochs() []time.Time {
	seen := make(map[time.Time]bool)
	for _, s := range b.shards {
		s.mu.Lock()
		for epoch := range s.epochs {
			seen[epoch] = true
		}
		s.mu.Unlock()
	}
	out := make([]time.Time, 0, len(seen))
	for epoch := range seen {
		out = append(out, epoch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (b *Buffer) shardFor(key transition.TransitionKey) *bufferShard {
	return b.shards[partition.For(key.DedupKey(), len(b.shards))]
}

func (b *Buffer) reportPending() {
	if b.metrics == nil {
		return
	}
	b.metrics.SetBufferPending(b.Pending())
}

func (s *bufferShard) entryLocked(epoch time.Time, key transition.TransitionKey, create bool) *bufferEntry {
	entries := s.epochs[epoch]
	if entries == nil {
		if !create {
			return nil
		}
		entries = make(map[transition.TransitionKey]*bufferEntry)
		s.epochs[epoch] = entries
	}
	e := entries[key]
	if e == nil && create {
		e = &bufferEntry{pending: make(map[string]*pendingPosting)}
		entries[key] = e
	}
	return e
}

func (s *bufferShard) removeLocked(epoch time.Time, key transition.TransitionKey) {
	entries := s.epochs[epoch]
	delete(entries, key)
	if len(entries) == 0 {
		delete(s.epochs, epoch)
	}
}

func (e *bufferEntry) anyInFlight() bool {
	for _, pp := range e.pending {
		if pp.inFlight {
			return true
		}
	}
	return false
}
