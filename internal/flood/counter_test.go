package flood

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounter_EveryAttemptClassifiedOnce(t *testing.T) {
	c := NewCounter()

	for i := 0; i < 4; i++ {
		c.RecordAttempt()
	}
	c.RecordStatus(200)
	c.RecordSuccess(12 * time.Millisecond)
	c.RecordStatus(404)
	c.RecordStatusFailure()
	c.RecordTimeout()
	c.RecordException()

	counts, durations := c.Snapshot()
	assert.Equal(t, int64(4), counts.Total)
	assert.Equal(t, int64(1), counts.Success)
	assert.Equal(t, int64(3), counts.Failure)
	assert.Equal(t, int64(1), counts.Timeout)
	assert.Equal(t, int64(1), counts.Exceptions)
	assert.Equal(t, counts.Total, counts.Success+counts.Failure)
	assert.Equal(t, StatusCounts{200: 1, 404: 1}, counts.Statuses)
	assert.Equal(t, int64(1), durations.Count)
	assert.InDelta(t, 12.0, durations.Avg, 0.001)
}

func TestCounter_LogCaps(t *testing.T) {
	c := NewCounter()

	logged := 0
	for i := 0; i < 25; i++ {
		if c.RecordStatusFailure() {
			logged++
		}
	}
	assert.Equal(t, 10, logged, "only the first 10 status failures are logged")

	c = NewCounter()
	logged = 0
	for i := 0; i < 25; i++ {
		if c.RecordException() {
			logged++
		}
	}
	assert.Equal(t, 9, logged, "only the first exceptions are logged")

	counts, _ := c.Snapshot()
	assert.Equal(t, int64(25), counts.Exceptions, "every exception is counted, logged or not")
}

func TestCounter_ConcurrentUpdates(t *testing.T) {
	c := NewCounter()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.RecordAttempt()
				c.RecordStatus(200)
				c.RecordSuccess(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	counts, durations := c.Snapshot()
	assert.Equal(t, int64(800), counts.Total)
	assert.Equal(t, int64(800), counts.Success)
	assert.Equal(t, int64(800), counts.Statuses[200])
	assert.Equal(t, int64(800), durations.Count)
}

func TestCounter_LatencyPercentiles(t *testing.T) {
	c := NewCounter()
	for i := 1; i <= 100; i++ {
		c.RecordSuccess(time.Duration(i) * time.Millisecond)
	}

	p50, p90, p95, p99 := c.LatencyPercentiles()
	assert.InDelta(t, 50, p50, 2)
	assert.InDelta(t, 90, p90, 2)
	assert.InDelta(t, 95, p95, 2)
	assert.InDelta(t, 99, p99, 2)
}
