package steps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SolidLabResearch/css-flood/internal/auth"
	"github.com/SolidLabResearch/css-flood/internal/config"
	httpc "github.com/SolidLabResearch/css-flood/internal/http"
)

// floodTarget serves pod files and counts requests.
type floodTarget struct {
	*httptest.Server
	requests atomic.Int64
}

func newFloodTarget(t *testing.T) *floodTarget {
	t.Helper()
	target := &floodTarget{}
	target.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target.requests.Add(1)
		w.Write([]byte("content"))
	}))
	t.Cleanup(target.Close)
	return target
}

func newTestRunner(t *testing.T, target *floodTarget, mutate func(*config.Config)) *Runner {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = target.URL
	cfg.UserCount = 2
	cfg.FetchCount = 3
	cfg.Parallel = 1
	cfg.Filename = "dummy.txt"
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	cache := auth.NewAuthFetchCache(cfg.BaseURL, cfg.Authenticate,
		auth.Granularity(cfg.AuthenticateCache), cfg.EnsureAuthExpiration(), httpc.NewClient())
	return NewRunner(&cfg, cache)
}

func TestRunAll_FloodOnly(t *testing.T) {
	target := newFloodTarget(t)
	runner := newTestRunner(t, target, nil)

	require.NoError(t, runner.RunAll(context.Background()))
	assert.True(t, runner.FloodRan())
	assert.Equal(t, int64(6), target.requests.Load())

	stats := runner.Statistics()
	assert.Equal(t, int64(6), stats.FetchStatistics.Total)
	assert.Equal(t, int64(6), stats.FetchStatistics.Success)
}

func TestRunStep_SetShareLimitsLoad(t *testing.T) {
	target := newFloodTarget(t)
	runner := newTestRunner(t, target, nil)
	runner.SetShare(1, 1, 0)

	require.NoError(t, runner.RunStep(context.Background(), config.StepFlood))
	assert.Equal(t, int64(2), target.requests.Load(), "1 fetch for each of 2 users")
}

func TestRunStep_ValidateFailureIsDistinguished(t *testing.T) {
	target := newFloodTarget(t)
	runner := newTestRunner(t, target, func(c *config.Config) {
		c.Authenticate = true
		c.Steps = []string{config.StepValidateAC}
	})

	// Empty cache: every user is missing a token.
	err := runner.RunAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheValidation)
}

func TestRunStep_TestRequests(t *testing.T) {
	target := newFloodTarget(t)
	runner := newTestRunner(t, target, func(c *config.Config) {
		c.UserCount = 3
	})

	require.NoError(t, runner.RunStep(context.Background(), config.StepTestRequests))
	assert.Equal(t, int64(3), target.requests.Load())
	assert.False(t, runner.FloodRan())
}

func TestRunStep_LoadMissingCacheFileIsNoop(t *testing.T) {
	target := newFloodTarget(t)
	runner := newTestRunner(t, target, func(c *config.Config) {
		c.AuthCacheFile = filepath.Join(t.TempDir(), "absent.json")
	})

	assert.NoError(t, runner.RunStep(context.Background(), config.StepLoadAC))
}

func TestRunStep_UnknownStep(t *testing.T) {
	target := newFloodTarget(t)
	runner := newTestRunner(t, target, nil)
	assert.Error(t, runner.RunStep(context.Background(), "explode"))
}

func TestRunStep_DeadlineMode(t *testing.T) {
	target := newFloodTarget(t)
	runner := newTestRunner(t, target, func(c *config.Config) {
		c.DurationS = 1
		c.Parallel = 2
	})

	start := time.Now()
	require.NoError(t, runner.RunStep(context.Background(), config.StepFlood))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Greater(t, target.requests.Load(), int64(0))
}
