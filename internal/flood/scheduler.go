package flood

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// deadlineGrace is the extra time producers get to wind down after the
// nominal deadline before the scheduler stops waiting for them.
const deadlineGrace = 5 * time.Second

// DeadlineTooEarlyError reports a deadline-mode run that finished before
// its requested duration. That means the producer loops stopped
// generating work, so the collected statistics are misleadingly low and
// the run must be treated as failed, not fast.
type DeadlineTooEarlyError struct {
	Elapsed   time.Duration
	Requested time.Duration
}

func (e *DeadlineTooEarlyError) Error() string {
	return fmt.Sprintf("fetches completed too early: runtime %v, requested duration %v",
		e.Elapsed, e.Requested)
}

// LoopError reports a panic escaping a scheduler loop. Fetch failures
// never surface here; only a broken loop does.
type LoopError struct {
	Cause interface{}
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("scheduler loop failed: %v", e.Cause)
}

// Scheduler drives many Executor fetches under a concurrency bound.
type Scheduler struct {
	executor  *Executor
	userCount int
	parallel  int
}

// NewScheduler creates a scheduler running at most parallel fetches at
// once across userCount users. A parallel bound below 1 is raised to 1:
// zero consumers would drain no work yet report the run as completed.
func NewScheduler(executor *Executor, userCount, parallel int) *Scheduler {
	if parallel < 1 {
		parallel = 1
	}
	return &Scheduler{executor: executor, userCount: userCount, parallel: parallel}
}

// Result is the wall-clock window of a completed run.
type Result struct {
	Start time.Time
	End   time.Time
}

type workItem struct {
	userIndex  int
	fetchIndex int
}

// RunFixedCount performs fetchCount fetches per user, with fetch indexes
// starting at indexStart so cooperating processes can own disjoint index
// ranges. Consumers drain a shared work list; individual failures are
// counted, never retried, and never abort the batch.
func (s *Scheduler) RunFixedCount(ctx context.Context, fetchCount, indexStart int) Result {
	work := make(chan workItem, fetchCount*s.userCount)
	for i := indexStart; i < indexStart+fetchCount; i++ {
		for j := 0; j < s.userCount; j++ {
			work <- workItem{userIndex: j, fetchIndex: i}
		}
	}
	close(work)

	logger.Infof("fetching %d files from %d users (= %d fetches), max %d parallel requests",
		fetchCount, s.userCount, fetchCount*s.userCount, s.parallel)

	start := time.Now()
	var wg sync.WaitGroup
	for p := 0; p < s.parallel; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				s.executor.FetchPodFile(ctx, item.userIndex, item.fetchIndex)
			}
		}()
	}
	wg.Wait()
	end := time.Now()

	logger.Infof("all %d fetches completed after %.1f seconds",
		fetchCount*s.userCount, end.Sub(start).Seconds())
	return Result{Start: start, End: end}
}

// RunDeadline performs fetches until the requested duration elapses.
// Producers pick users round-robin with a monotonically increasing fetch
// index per user, starting at indexStart and advancing by indexStride.
// Cooperating processes pass their process count as the stride and
// adjacent starts, keeping their unbounded index sequences disjoint.
// Each producer is bounded by a hard deadline of duration plus a grace
// period, so one hanging fetch cannot stall the run forever.
func (s *Scheduler) RunDeadline(ctx context.Context, duration time.Duration, indexStart, indexStride int) (Result, error) {
	if indexStride < 1 {
		indexStride = 1
	}
	logger.Infof("fetching files from %d users, max %d parallel requests, will stop after %v",
		s.userCount, s.parallel, duration)

	// Shared work source: next user round-robin, next index per user.
	var mu sync.Mutex
	curUser := 0
	fetchIndexForUser := make([]int, s.userCount)
	for i := range fetchIndexForUser {
		fetchIndexForUser[i] = indexStart
	}
	next := func() (int, int) {
		mu.Lock()
		defer mu.Unlock()
		userIndex := curUser
		curUser++
		if curUser >= s.userCount {
			curUser = 0
		}
		fetchIndex := fetchIndexForUser[userIndex]
		fetchIndexForUser[userIndex] += indexStride
		return userIndex, fetchIndex
	}

	start := time.Now()
	var loopErr atomic.Pointer[LoopError]

	var wg sync.WaitGroup
	for p := 0; p < s.parallel; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					loopErr.CompareAndSwap(nil, &LoopError{Cause: r})
				}
			}()
			for time.Since(start) < duration {
				userIndex, fetchIndex := next()
				s.executor.FetchPodFile(ctx, userIndex, fetchIndex)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(duration + deadlineGrace):
		// Stragglers past the grace period are abandoned; they may still
		// write loopErr (atomic) and count their in-flight fetch into the
		// counter after this returns.
		logger.Warnf("producers still busy %v past the deadline, not waiting any longer", deadlineGrace)
	}
	end := time.Now()
	result := Result{Start: start, End: end}

	if err := loopErr.Load(); err != nil {
		return result, err
	}

	elapsed := end.Sub(start)
	logger.Infof("all fetches completed after %.1f seconds", elapsed.Seconds())
	if elapsed < duration {
		return result, &DeadlineTooEarlyError{Elapsed: elapsed, Requested: duration}
	}
	return result, nil
}
