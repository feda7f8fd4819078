package partition

import "github.com/zeebo/xxh3"

// Count is the default number of buffer shards.
const Count = 64

// For returns the shard for a key in [0, n).
// Stable and deterministic: same key always maps to the same shard.
// A non-positive n falls back to Count.
func For(key string, n int) int {
	if n <= 0 {
		n = Count
	}
	return int(xxh3.HashString(key) % uint64(n))
}
