// Package metrics provides the streaming duration accumulators used for
// timing reports. Unlike histogram-based percentile tracking, these keep
// exactly the fields that can be merged losslessly across worker processes:
// min, max, sum and count.
package metrics

import (
	"sync"
	"time"
)

// DurationCounter accumulates durations as a streaming min/max/sum/count.
//
// The average is derived as sum/count and is undefined before the first
// sample. DurationCounter is safe for concurrent use.
type DurationCounter struct {
	mu    sync.Mutex
	min   time.Duration
	max   time.Duration
	sum   time.Duration
	count int64
}

// NewDurationCounter returns an empty counter.
func NewDurationCounter() *DurationCounter {
	return &DurationCounter{}
}

// Add records one duration sample.
func (c *DurationCounter) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == 0 || d < c.min {
		c.min = d
	}
	if c.count == 0 || d > c.max {
		c.max = d
	}
	c.sum += d
	c.count++
}

// Time runs fn and records its wall-clock duration.
func (c *DurationCounter) Time(fn func()) {
	start := time.Now()
	fn()
	c.Add(time.Since(start))
}

// Snapshot returns the current values as a mergeable record, in milliseconds.
func (c *DurationCounter) Snapshot() MinMaxAvgSumCount {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := MinMaxAvgSumCount{
		Min:   float64(c.min) / float64(time.Millisecond),
		Max:   float64(c.max) / float64(time.Millisecond),
		Sum:   float64(c.sum) / float64(time.Millisecond),
		Count: c.count,
	}
	if c.count > 0 {
		s.Avg = s.Sum / float64(c.count)
	}
	return s
}

// Count returns the number of recorded samples.
func (c *DurationCounter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// MinMaxAvgSumCount is the wire shape of a merged duration statistic.
// All durations are in milliseconds.
type MinMaxAvgSumCount struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
}

// Merge combines two records. The result keeps the overall min and max,
// sums the sums and counts, and re-derives the average from the merged
// sum and count. Averaging the averages would bias the result when the
// two sides hold unequal sample counts.
func (m MinMaxAvgSumCount) Merge(other MinMaxAvgSumCount) MinMaxAvgSumCount {
	if m.Count == 0 {
		return other
	}
	if other.Count == 0 {
		return m
	}

	merged := MinMaxAvgSumCount{
		Min:   m.Min,
		Max:   m.Max,
		Sum:   m.Sum + other.Sum,
		Count: m.Count + other.Count,
	}
	if other.Min < merged.Min {
		merged.Min = other.Min
	}
	if other.Max > merged.Max {
		merged.Max = other.Max
	}
	merged.Avg = merged.Sum / float64(merged.Count)
	return merged
}
