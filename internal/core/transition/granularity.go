package transition

import (
	"fmt"
	"sort"
	"time"
)

// Granularity is a fixed bucket width used to align and aggregate counts.
type Granularity struct {
	Size  time.Duration
	Label string
}

// ParseGranularity parses a duration string into a Granularity.
// Supports Go duration syntax (e.g., "5s", "1m", "1h") plus "Xd" for days.
func ParseGranularity(s string) (Granularity, error) {
	if s == "" {
		return Granularity{}, fmt.Errorf("granularity must not be empty")
	}

	// Handle "d" suffix (days), which time.ParseDuration does not support.
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return Granularity{}, fmt.Errorf("invalid granularity %q: %w", s, err)
		}
		if days <= 0 {
			return Granularity{}, fmt.Errorf("granularity must be positive, got %q", s)
		}
		return NewGranularity(time.Duration(days) * 24 * time.Hour), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return Granularity{}, fmt.Errorf("invalid granularity %q: %w", s, err)
	}
	if d <= 0 {
		return Granularity{}, fmt.Errorf("granularity must be positive, got %q", s)
	}
	return NewGranularity(d), nil
}

// NewGranularity builds a Granularity with its canonical label.
func NewGranularity(d time.Duration) Granularity {
	return Granularity{Size: d, Label: sizeLabel(d)}
}

// BucketFor truncates a timestamp to the start of its bucket.
// Example: BucketFor(10:35:42, 1m) → 10:35:00
func BucketFor(t time.Time, g Granularity) time.Time {
	return t.UTC().Truncate(g.Size)
}

// SortGranularities orders granularities finest first and drops duplicates.
func SortGranularities(gs []Granularity) []Granularity {
	seen := make(map[time.Duration]bool, len(gs))
	out := make([]Granularity, 0, len(gs))
	for _, g := range gs {
		if seen[g.Size] {
			continue
		}
		seen[g.Size] = true
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Size < out[j].Size })
	return out
}

func sizeLabel(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	return d.String()
}
