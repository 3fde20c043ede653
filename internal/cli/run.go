package cli

import (
	"context"
	"errors"
	"os"

	"github.com/SolidLabResearch/css-flood/internal/auth"
	"github.com/SolidLabResearch/css-flood/internal/config"
	"github.com/SolidLabResearch/css-flood/internal/flood"
	httpc "github.com/SolidLabResearch/css-flood/internal/http"
	"github.com/SolidLabResearch/css-flood/internal/log"
	"github.com/SolidLabResearch/css-flood/internal/output"
	"github.com/SolidLabResearch/css-flood/internal/steps"
	"github.com/SolidLabResearch/css-flood/internal/worker"
)

var logger = log.New("cli")

// ExitCode maps a run error to the process exit code: 2 for a crashed
// scheduler loop, 3 for a failed cache validation, 1 for everything
// else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var loopErr *flood.LoopError
	if errors.As(err, &loopErr) {
		return 2
	}
	if errors.Is(err, steps.ErrCacheValidation) {
		return 3
	}
	return 1
}

// runWorker puts this process in worker mode: it serves the controller
// over stdin/stdout until told to stop.
func runWorker(ctx context.Context) error {
	return worker.Run(ctx, os.Stdin, os.Stdout)
}

// run executes the configured steps, either in this process or fanned
// out over worker processes, and delivers the report.
func run(ctx context.Context, cfg *config.Config) error {
	cache := auth.NewAuthFetchCache(cfg.BaseURL, cfg.Authenticate,
		auth.Granularity(cfg.AuthenticateCache), cfg.EnsureAuthExpiration(), httpc.NewClient())
	runner := steps.NewRunner(cfg, cache)
	sink := output.NewReportSink(cfg.ReportFile)

	var stats flood.FloodStatistics
	var floodRan bool
	var counter *flood.Counter

	if cfg.ProcessCount == 1 {
		if err := runner.RunAll(ctx); err != nil {
			return err
		}
		stats, floodRan, counter = runner.Statistics(), runner.FloodRan(), runner.Counter()
	} else {
		controller := worker.NewController(cfg, runner)
		var err error
		stats, floodRan, err = controller.Run(ctx)
		if err != nil {
			return err
		}
	}

	if !floodRan {
		logger.Infof("steps do not include flood, reporting auth cache statistics only")
		return sink.WriteCacheReport(cache)
	}
	output.NewSummary().PrintFloodRun(stats, counter)
	return sink.WriteFloodStatistics(stats)
}
