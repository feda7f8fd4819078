package posting

import (
	"context"
	"sync"

	"github.com/aevon-lab/transitions/internal/core/transition"
)

// Sink accepts postings for eventual persistence.
// Implementations must tolerate redelivery of the same posting id.
type Sink interface {
	Post(ctx context.Context, postings []transition.Posting) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, postings []transition.Posting) error

func (f SinkFunc) Post(ctx context.Context, postings []transition.Posting) error {
	return f(ctx, postings)
}

// Collector is a Sink that keeps every posting in memory. Used in tests and dry runs.
type Collector struct {
	mu       sync.Mutex
	postings []transition.Posting
}

func (c *Collector) Post(_ context.Context, postings []transition.Posting) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.postings = append(c.postings, postings...)
	return nil
}

// Postings returns a copy of everything posted so far.
func (c *Collector) Postings() []transition.Posting {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transition.Posting(nil), c.postings...)
}

// Net sums deltas per TransitionKey.
func (c *Collector) Net() map[transition.TransitionKey]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[transition.TransitionKey]int64)
	for _, p := range c.postings {
		out[p.Key] += p.Delta
	}
	return out
}

// Reset drops all collected postings.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.postings = nil
	c.mu.Unlock()
}
