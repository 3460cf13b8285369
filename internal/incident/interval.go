package incident

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// IntervalAuto asks DateHistogram to pick the bucket width itself.
const IntervalAuto = "auto"

const autoTargetBuckets = 60

var autoIntervals = []time.Duration{
	time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
}

// AutoInterval returns the smallest ladder interval that splits [start, end]
// into at most 60 buckets, or the largest ladder interval otherwise.
func AutoInterval(start, end time.Time) time.Duration {
	for _, interval := range autoIntervals {
		if BucketCount(start, end, interval) <= autoTargetBuckets {
			return interval
		}
	}
	return autoIntervals[len(autoIntervals)-1]
}

// maxIntervalSeconds is the widest interval a time.Duration can hold.
const maxIntervalSeconds = int64(math.MaxInt64 / time.Second)

// ParseInterval parses a bucket width given either as whole seconds ("300")
// or as a duration ("5m"). The result is a positive whole number of seconds.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidInterval)
	}

	var interval time.Duration
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 1 || secs > maxIntervalSeconds {
			return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidInterval, s)
		}
		interval = time.Duration(secs) * time.Second
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
		}
		interval = d
	}

	if interval < time.Second || interval%time.Second != 0 {
		return 0, fmt.Errorf("%w: %q must be a positive number of seconds", ErrInvalidInterval, s)
	}
	return interval, nil
}

// AlignBucket floors t to the start of its bucket. Buckets are aligned to
// multiples of interval since the Unix epoch.
func AlignBucket(t time.Time, interval time.Duration) time.Time {
	secs := int64(interval / time.Second)
	unix := t.Unix()
	start := unix - mod(unix, secs)
	return time.Unix(start, 0).UTC()
}

// BucketCount returns how many aligned buckets cover [start, end].
func BucketCount(start, end time.Time, interval time.Duration) int {
	if end.Before(start) {
		return 0
	}
	first := AlignBucket(start, interval)
	last := AlignBucket(end, interval)
	return int(last.Sub(first)/interval) + 1
}

// FillHistogram expands sparse buckets into one bucket per aligned interval
// across [start, end], filling gaps with zero counts.
func FillHistogram(start, end time.Time, interval time.Duration, sparse []Bucket) []Bucket {
	counts := make(map[int64]int, len(sparse))
	for _, b := range sparse {
		counts[AlignBucket(b.Start, interval).Unix()] += b.Count
	}

	n := BucketCount(start, end, interval)
	out := make([]Bucket, 0, n)
	t := AlignBucket(start, interval)
	for i := 0; i < n; i++ {
		out = append(out, Bucket{Start: t, Count: counts[t.Unix()]})
		t = t.Add(interval)
	}
	return out
}

// mod is the non-negative remainder, so buckets before the epoch align downward.
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
