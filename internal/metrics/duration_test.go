package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationCounter_Empty(t *testing.T) {
	c := NewDurationCounter()
	s := c.Snapshot()

	assert.Equal(t, int64(0), s.Count)
	assert.Equal(t, 0.0, s.Avg)
	assert.Equal(t, 0.0, s.Sum)
}

func TestDurationCounter_Add(t *testing.T) {
	c := NewDurationCounter()
	c.Add(10 * time.Millisecond)
	c.Add(30 * time.Millisecond)
	c.Add(20 * time.Millisecond)

	s := c.Snapshot()
	assert.Equal(t, int64(3), s.Count)
	assert.Equal(t, 10.0, s.Min)
	assert.Equal(t, 30.0, s.Max)
	assert.Equal(t, 60.0, s.Sum)
	assert.Equal(t, 20.0, s.Avg)
}

func TestDurationCounter_Concurrent(t *testing.T) {
	c := NewDurationCounter()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Add(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), c.Count())
}

func TestMinMaxAvgSumCount_Merge(t *testing.T) {
	a := MinMaxAvgSumCount{Min: 5, Max: 20, Avg: 12.5, Sum: 25, Count: 2}
	b := MinMaxAvgSumCount{Min: 1, Max: 10, Avg: 5.5, Sum: 11, Count: 2}

	m := a.Merge(b)
	assert.Equal(t, 1.0, m.Min)
	assert.Equal(t, 20.0, m.Max)
	assert.Equal(t, 36.0, m.Sum)
	assert.Equal(t, int64(4), m.Count)
	assert.Equal(t, 9.0, m.Avg)
}

func TestMinMaxAvgSumCount_MergeAvoidsAverageOfAverages(t *testing.T) {
	// One side with many fast samples, one side with a single slow one.
	a := MinMaxAvgSumCount{Min: 1, Max: 1, Avg: 1, Sum: 9, Count: 9}
	b := MinMaxAvgSumCount{Min: 91, Max: 91, Avg: 91, Sum: 91, Count: 1}

	m := a.Merge(b)
	// Weighted: (9 + 91) / 10, not (1 + 91) / 2.
	assert.Equal(t, 10.0, m.Avg)
}

func TestMinMaxAvgSumCount_MergeIdentity(t *testing.T) {
	a := MinMaxAvgSumCount{Min: 2, Max: 8, Avg: 5, Sum: 10, Count: 2}

	assert.Equal(t, a, MinMaxAvgSumCount{}.Merge(a))
	assert.Equal(t, a, a.Merge(MinMaxAvgSumCount{}))
}

func TestMinMaxAvgSumCount_MergeAssociative(t *testing.T) {
	a := MinMaxAvgSumCount{Min: 1, Max: 4, Avg: 2.5, Sum: 5, Count: 2}
	b := MinMaxAvgSumCount{Min: 2, Max: 9, Avg: 5.5, Sum: 11, Count: 2}
	c := MinMaxAvgSumCount{Min: 3, Max: 3, Avg: 3, Sum: 3, Count: 1}

	left := a.Merge(b).Merge(c)
	right := a.Merge(b.Merge(c))
	assert.Equal(t, left, right)

	// Commutative too.
	assert.Equal(t, a.Merge(b), b.Merge(a))
}
