package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/SolidLabResearch/css-flood/internal/config"
	"github.com/SolidLabResearch/css-flood/internal/flood"
	"github.com/SolidLabResearch/css-flood/internal/steps"
)

// WorkerFlag is the hidden CLI flag that puts a spawned child process
// into worker mode.
const WorkerFlag = "--worker"

// FairShares divides total as evenly as possible over n parts, giving
// the remainder to the first parts in index order.
func FairShares(total, n int) []int {
	shares := make([]int, n)
	base, remainder := total/n, total%n
	for i := range shares {
		shares[i] = base
		if i < remainder {
			shares[i]++
		}
	}
	return shares
}

// IndexOffsets turns per-worker fetch shares into disjoint starting
// offsets for filename indexing, beginning at start.
func IndexOffsets(start int, shares []int) []int {
	offsets := make([]int, len(shares))
	next := start
	for i, share := range shares {
		offsets[i] = next
		next += share
	}
	return offsets
}

// DeadlineOffsets gives each of n workers an adjacent starting offset.
// In deadline mode there is no per-worker fetch budget to partition, so
// workers keep their unbounded index sequences disjoint by striding the
// index space by n from these starts.
func DeadlineOffsets(start, n int) []int {
	offsets := make([]int, n)
	for i := range offsets {
		offsets[i] = start + i
	}
	return offsets
}

// localSteps are executed by the controller itself: they prepare or
// persist the auth cache, which lives controller-side and is handed to
// workers via SetCache. The remaining steps generate traffic and run on
// the workers.
var localSteps = map[string]bool{
	config.StepLoadAC:     true,
	config.StepFillAC:     true,
	config.StepValidateAC: true,
	config.StepSaveAC:     true,
}

type workerProc struct {
	index   int
	pid     int
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
}

// Controller coordinates processCount worker processes through one run.
type Controller struct {
	cfg    *config.Config
	runner *steps.Runner
	procs  []*workerProc

	floodStats []flood.FloodStatistics
	cacheSent  bool
}

// NewController creates a controller. The runner executes the
// cache-preparation steps locally against the controller's own cache.
func NewController(cfg *config.Config, runner *steps.Runner) *Controller {
	return &Controller{cfg: cfg, runner: runner}
}

// Run executes all configured steps, fanning traffic-generating steps
// out to the workers. It returns the merged statistics and whether the
// flood step ran.
func (c *Controller) Run(ctx context.Context) (flood.FloodStatistics, bool, error) {
	if err := c.spawn(ctx); err != nil {
		return flood.FloodStatistics{}, false, err
	}
	defer c.stopAll()

	if err := c.configureWorkers(); err != nil {
		return flood.FloodStatistics{}, false, err
	}

	for _, step := range c.cfg.Steps {
		if localSteps[step] {
			if err := c.runner.RunStep(ctx, step); err != nil {
				return flood.FloodStatistics{}, false, err
			}
			continue
		}
		if err := c.runRemoteStep(ctx, step); err != nil {
			return flood.FloodStatistics{}, false, err
		}
	}

	if len(c.floodStats) > 0 {
		return flood.SumStatistics(c.floodStats), true, nil
	}
	return flood.FloodStatistics{}, false, nil
}

// spawn starts processCount children of this binary in worker mode and
// waits for each to announce itself.
func (c *Controller) spawn(ctx context.Context) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating own executable: %w", err)
	}

	for i := 0; i < c.cfg.ProcessCount; i++ {
		cmd := exec.CommandContext(ctx, executable, WorkerFlag)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("starting worker %d: %w", i, err)
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
		proc := &workerProc{index: i, cmd: cmd, stdin: stdin, scanner: scanner}

		msg, err := proc.receive()
		if err != nil {
			return fmt.Errorf("worker %d did not announce: %w", i, err)
		}
		announce, ok := msg.(WorkerAnnounce)
		if !ok {
			return fmt.Errorf("worker %d: expected WorkerAnnounce, got %T", i, msg)
		}
		proc.pid = announce.PID
		logger.Infof("worker %d announced as pid %d", i, announce.PID)
		c.procs = append(c.procs, proc)
	}
	return nil
}

// configureWorkers distributes the configuration with each worker's
// fair share of the load.
func (c *Controller) configureWorkers() error {
	fetchShares := FairShares(c.cfg.FetchCount, c.cfg.ProcessCount)
	parallelShares := FairShares(c.cfg.Parallel, c.cfg.ProcessCount)
	offsets := IndexOffsets(c.cfg.FilenameIndexingStart, fetchShares)
	if c.cfg.DurationS > 0 {
		offsets = DeadlineOffsets(c.cfg.FilenameIndexingStart, c.cfg.ProcessCount)
	}

	for i, proc := range c.procs {
		err := proc.send(SetCliArgs{
			CliArgs:            *c.cfg,
			ProcessFetchCount:  fetchShares[i],
			ParallelFetchCount: parallelShares[i],
			Index:              offsets[i],
		})
		if err != nil {
			return fmt.Errorf("configuring worker %d: %w", i, err)
		}
	}
	return nil
}

// distributeCache sends the controller's auth cache to all workers,
// once, before the first traffic-generating step.
func (c *Controller) distributeCache() error {
	if c.cacheSent || !c.cfg.Authenticate {
		return nil
	}
	content, err := c.runner.Cache().Serialize("")
	if err != nil {
		return fmt.Errorf("serializing auth cache for workers: %w", err)
	}
	for i, proc := range c.procs {
		if err := proc.send(SetCache{AuthCacheContent: content}); err != nil {
			return fmt.Errorf("sending cache to worker %d: %w", i, err)
		}
	}
	c.cacheSent = true
	return nil
}

// runRemoteStep runs one step on all workers and waits for each to
// report completion, collecting flood statistics along the way.
func (c *Controller) runRemoteStep(ctx context.Context, step string) error {
	if err := c.distributeCache(); err != nil {
		return err
	}

	for i, proc := range c.procs {
		if err := proc.send(RunStep{StepName: step}); err != nil {
			return fmt.Errorf("starting step %s on worker %d: %w", step, i, err)
		}
	}
	for i, proc := range c.procs {
		if err := c.awaitStepDone(ctx, proc); err != nil {
			return fmt.Errorf("step %s on worker %d: %w", step, i, err)
		}
	}
	return nil
}

func (c *Controller) awaitStepDone(ctx context.Context, proc *workerProc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := proc.receive()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case ReportFloodStatistics:
			c.floodStats = append(c.floodStats, m.Statistics)
		case ReportStepDone:
			return nil
		default:
			return fmt.Errorf("expected step report, got %T", msg)
		}
	}
}

// stopAll asks every worker to exit and reaps the processes.
func (c *Controller) stopAll() {
	for _, proc := range c.procs {
		if err := proc.send(StopWorker{}); err != nil {
			logger.Warnf("stopping worker %d: %v", proc.index, err)
		}
		proc.stdin.Close()
	}
	for _, proc := range c.procs {
		if err := proc.cmd.Wait(); err != nil {
			logger.Warnf("worker %d (pid %d) exited with error: %v", proc.index, proc.pid, err)
		}
	}
}

func (p *workerProc) send(m Message) error {
	encoded, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(p.stdin, "%s\n", encoded)
	return err
}

func (p *workerProc) receive() (Message, error) {
	for p.scanner.Scan() {
		line := bytes.TrimSpace(p.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := p.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
