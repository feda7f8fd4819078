package partition

import (
	"strconv"
	"testing"
)

func TestFor_Determinism(t *testing.T) {
	// Same input must always produce the same shard.
	id := For("billing\x1fSubscription", Count)
	for i := 0; i < 100; i++ {
		if got := For("billing\x1fSubscription", Count); got != id {
			t.Fatalf("For() = %d on iteration %d, want %d", got, i, id)
		}
	}
}

func TestFor_Range(t *testing.T) {
	inputs := []string{"", "a", "key-1", "key-2", "very-long-transition-key-that-should-still-hash-correctly"}
	for _, n := range []int{1, 7, Count} {
		for _, s := range inputs {
			p := For(s, n)
			if p < 0 || p >= n {
				t.Errorf("For(%q, %d) = %d, want [0, %d)", s, n, p, n)
			}
		}
	}
}

func TestFor_DefaultCount(t *testing.T) {
	if got, want := For("key", 0), For("key", Count); got != want {
		t.Errorf("For(key, 0) = %d, want %d", got, want)
	}
}

func TestFor_Distribution(t *testing.T) {
	// 1 000 keys over 64 shards should touch nearly all of them; 48 is a conservative floor.
	seen := make(map[int]struct{})
	for i := 0; i < 1000; i++ {
		seen[For("key-"+strconv.Itoa(i), Count)] = struct{}{}
	}
	if len(seen) < 48 {
		t.Errorf("only %d distinct shards from 1000 inputs, want >= 48", len(seen))
	}
}
