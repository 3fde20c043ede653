// Package steps executes the ordered step pipeline of one process:
// auth-cache preparation, test requests and the flood itself.
package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/SolidLabResearch/css-flood/internal/auth"
	"github.com/SolidLabResearch/css-flood/internal/config"
	"github.com/SolidLabResearch/css-flood/internal/flood"
	"github.com/SolidLabResearch/css-flood/internal/log"
)

var logger = log.New("steps")

// ErrCacheValidation marks a failed validateAC step. Proceeding to
// flood against known-bad credentials would produce meaningless
// results, so callers abort with a distinguished exit code.
var ErrCacheValidation = errors.New("auth cache validation failed")

// fillMargin is the extra validity fillAC demands on top of the
// configured minimum, so tokens filled now survive the following steps.
const fillMargin = 30 * time.Second

// Runner executes steps in canonical order against one auth cache.
//
// The fetch-count, parallelism and filename-index share default to the
// full configured values; a worker process coordinated by a controller
// overrides them with its share before running.
type Runner struct {
	cfg     *config.Config
	cache   *auth.AuthFetchCache
	counter *flood.Counter

	fetchCount int
	parallel   int
	indexStart int

	result   flood.Result
	floodRan bool
}

// NewRunner creates a runner owning this process's full configured load.
func NewRunner(cfg *config.Config, cache *auth.AuthFetchCache) *Runner {
	return &Runner{
		cfg:        cfg,
		cache:      cache,
		counter:    flood.NewCounter(),
		fetchCount: cfg.FetchCount,
		parallel:   cfg.Parallel,
		indexStart: cfg.FilenameIndexingStart,
	}
}

// SetShare overrides this process's share of the total load.
func (r *Runner) SetShare(fetchCount, parallel, indexStart int) {
	r.fetchCount = fetchCount
	r.parallel = parallel
	r.indexStart = indexStart
}

// Cache returns the auth cache the runner operates on.
func (r *Runner) Cache() *auth.AuthFetchCache {
	return r.cache
}

// Counter returns the fetch counter of this process.
func (r *Runner) Counter() *flood.Counter {
	return r.counter
}

// FloodRan reports whether the flood step has executed.
func (r *Runner) FloodRan() bool {
	return r.floodRan
}

// Statistics snapshots this process's results.
func (r *Runner) Statistics() flood.FloodStatistics {
	return flood.MakeStatistics(r.counter, r.result, r.cache)
}

// RunAll executes every configured step in canonical order.
func (r *Runner) RunAll(ctx context.Context) error {
	for _, step := range r.cfg.Steps {
		if err := r.RunStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// RunStep executes one named step and logs its wall-clock duration.
func (r *Runner) RunStep(ctx context.Context, step string) error {
	start := time.Now()
	err := r.runStep(ctx, step)
	logger.Infof("%s took %.1f seconds", step, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("step %s: %w", step, err)
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, step string) error {
	switch step {
	case config.StepLoadAC:
		return r.loadAuthCache()

	case config.StepFillAC:
		if err := r.cache.PreCache(ctx, r.cfg.UserCount, r.cfg.EnsureAuthExpiration()+fillMargin); err != nil {
			return err
		}
		logger.Infof("auth cache now has %s", r.cache.CountString())
		return nil

	case config.StepValidateAC:
		if err := r.cache.Validate(r.cfg.UserCount, r.cfg.EnsureAuthExpiration()); err != nil {
			return fmt.Errorf("%w: %v", ErrCacheValidation, err)
		}
		return nil

	case config.StepTestRequest:
		return r.cache.Test(ctx, 1, r.cfg.Filename, r.cfg.FetchTimeout())

	case config.StepTestRequests:
		return r.cache.Test(ctx, r.cfg.UserCount, r.cfg.Filename, r.cfg.FetchTimeout())

	case config.StepSaveAC:
		if r.cfg.AuthCacheFile == "" {
			return nil
		}
		return r.cache.Save(r.cfg.AuthCacheFile)

	case config.StepFlood:
		return r.runFlood(ctx)

	default:
		return fmt.Errorf("unknown step %q", step)
	}
}

// loadAuthCache restores the cache from file, if one is configured and
// exists, and reports what was loaded.
func (r *Runner) loadAuthCache() error {
	if r.cfg.AuthCacheFile == "" {
		return nil
	}
	if _, err := os.Stat(r.cfg.AuthCacheFile); os.IsNotExist(err) {
		logger.Infof("auth cache file %q does not exist, nothing to load", r.cfg.AuthCacheFile)
		return nil
	}

	if err := r.cache.Load(r.cfg.AuthCacheFile); err != nil {
		return err
	}
	logger.Infof("auth cache now has %s", r.cache.CountString())

	if expire, userIndex, ok := r.cache.EarliestExpiry(r.cfg.UserCount); ok {
		logger.Infof("first access token expiration: %s (in %v, user %d)",
			expire.Format(time.RFC3339), time.Until(expire).Round(time.Second), userIndex)
	}
	if meta := r.cache.LoadedMeta; meta != nil {
		logger.Infof("loaded auth cache metadata: saved %s as %q",
			meta.Timestamp.Format(time.RFC3339), meta.Filename)
	}
	return nil
}

func (r *Runner) runFlood(ctx context.Context) error {
	executor, err := flood.NewExecutor(flood.ExecutorConfig{
		BaseURL:          r.cfg.BaseURL,
		Scenario:         flood.Scenario(r.cfg.Scenario),
		Verb:             r.cfg.Verb,
		Filename:         r.cfg.Filename,
		FilenameIndexing: r.cfg.FilenameIndexing,
		UploadSizeByte:   r.cfg.UploadSizeByte,
		FetchTimeout:     r.cfg.FetchTimeout(),
	}, r.cache, r.counter)
	if err != nil {
		return err
	}
	scheduler := flood.NewScheduler(executor, r.cfg.UserCount, r.parallel)

	r.floodRan = true
	if duration := r.cfg.Duration(); duration > 0 {
		// Cooperating processes interleave the per-user index space:
		// adjacent starts, processCount stride.
		result, err := scheduler.RunDeadline(ctx, duration, r.indexStart, r.cfg.ProcessCount)
		r.result = result
		return err
	}
	r.result = scheduler.RunFixedCount(ctx, r.fetchCount, r.indexStart)
	return nil
}
