package flood

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/SolidLabResearch/css-flood/internal/metrics"
)

const (
	histogramMinMs      = 1
	histogramMaxMs      = 3600_000
	histogramSigFigures = 3
)

// Counter aggregates the outcome of every fetch attempt in a run. All
// methods are safe for concurrent use; counts are monotonically
// non-decreasing within a run.
//
// Every attempt ends up as exactly one of success or failure, with
// timeout and exceptions as subsets of failure.
type Counter struct {
	total      atomic.Int64
	success    atomic.Int64
	failure    atomic.Int64
	exceptions atomic.Int64
	timeout    atomic.Int64

	mu               sync.Mutex
	statuses         map[int]int64
	successDurations *metrics.DurationCounter
	// Local latency histogram for the console summary. Not merged across
	// worker processes; cross-process merging uses successDurations.
	histogram *hdrhistogram.Histogram
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{
		statuses:         make(map[int]int64),
		successDurations: metrics.NewDurationCounter(),
		histogram:        hdrhistogram.New(histogramMinMs, histogramMaxMs, histogramSigFigures),
	}
}

// RecordAttempt marks the start of one fetch attempt.
func (c *Counter) RecordAttempt() {
	c.total.Add(1)
}

// RecordStatus counts the HTTP status of a completed request.
func (c *Counter) RecordStatus(status int) {
	c.mu.Lock()
	c.statuses[status]++
	c.mu.Unlock()
}

// RecordSuccess marks an attempt successful and records its duration.
func (c *Counter) RecordSuccess(d time.Duration) {
	c.success.Add(1)
	c.successDurations.Add(d)

	ms := d.Milliseconds()
	if ms < histogramMinMs {
		ms = histogramMinMs
	}
	if ms > histogramMaxMs {
		ms = histogramMaxMs
	}
	c.mu.Lock()
	// RecordValue is not safe for concurrent use, hence the lock.
	c.histogram.RecordValue(ms)
	c.mu.Unlock()
}

// RecordStatusFailure marks an attempt failed on a non-2xx status. The
// return value tells the caller whether this failure is within the
// first 10 and should be logged in detail.
func (c *Counter) RecordStatusFailure() bool {
	logIt := c.failure.Load()-c.exceptions.Load() < 10
	c.failure.Add(1)
	return logIt
}

// RecordFailure marks an attempt failed without a dedicated category.
func (c *Counter) RecordFailure() {
	c.failure.Add(1)
}

// RecordTimeout marks an attempt failed because it exceeded its bound.
func (c *Counter) RecordTimeout() {
	c.failure.Add(1)
	c.timeout.Add(1)
}

// RecordException marks an attempt failed on an unexpected error. The
// return value tells the caller whether to log the error in detail.
func (c *Counter) RecordException() bool {
	c.failure.Add(1)
	return c.exceptions.Add(1) < 10
}

// Total returns the number of attempts started so far.
func (c *Counter) Total() int64 {
	return c.total.Load()
}

// Success returns the number of successful attempts so far.
func (c *Counter) Success() int64 {
	return c.success.Load()
}

// StatusCounts maps HTTP status codes to occurrence counts. JSON
// encoding turns the keys into strings, matching the report format.
type StatusCounts map[int]int64

// Snapshot returns the current fetch counts plus the streaming summary
// of success durations.
func (c *Counter) Snapshot() (FetchCounts, metrics.MinMaxAvgSumCount) {
	c.mu.Lock()
	statuses := make(StatusCounts, len(c.statuses))
	for k, v := range c.statuses {
		statuses[k] = v
	}
	c.mu.Unlock()

	return FetchCounts{
		Total:      c.total.Load(),
		Success:    c.success.Load(),
		Failure:    c.failure.Load(),
		Exceptions: c.exceptions.Load(),
		Statuses:   statuses,
		Timeout:    c.timeout.Load(),
	}, c.successDurations.Snapshot()
}

// LatencyPercentiles reports local latency quantiles in milliseconds
// for the console summary.
func (c *Counter) LatencyPercentiles() (p50, p90, p95, p99 int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.histogram.ValueAtQuantile(50),
		c.histogram.ValueAtQuantile(90),
		c.histogram.ValueAtQuantile(95),
		c.histogram.ValueAtQuantile(99)
}
