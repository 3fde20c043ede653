package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/SolidLabResearch/css-flood/internal/auth"
	"github.com/SolidLabResearch/css-flood/internal/config"
	httpc "github.com/SolidLabResearch/css-flood/internal/http"
	"github.com/SolidLabResearch/css-flood/internal/log"
	"github.com/SolidLabResearch/css-flood/internal/steps"
)

var logger = log.New("worker")

// maxMessageSize bounds one protocol line. The serialized auth cache of
// many users dominates, so this is generous.
const maxMessageSize = 64 * 1024 * 1024

// Worker is the child-process side of the protocol: it reads controller
// messages from in, executes them, and reports on out.
type Worker struct {
	out    io.Writer
	runner *steps.Runner
}

// Run executes the worker loop until StopWorker arrives or in closes.
// Any protocol violation or failed step ends the loop with an error;
// the controller observes the worker's exit.
func Run(ctx context.Context, in io.Reader, out io.Writer) error {
	w := &Worker{out: out}
	if err := w.send(WorkerAnnounce{PID: os.Getpid()}); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			return err
		}
		stop, err := w.handle(ctx, msg)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return scanner.Err()
}

// handle processes one controller message. The bool result signals a
// clean stop.
func (w *Worker) handle(ctx context.Context, msg Message) (bool, error) {
	switch m := msg.(type) {
	case SetCliArgs:
		cfg := m.CliArgs
		cache := auth.NewAuthFetchCache(cfg.BaseURL, cfg.Authenticate,
			auth.Granularity(cfg.AuthenticateCache), cfg.EnsureAuthExpiration(), httpc.NewClient())
		w.runner = steps.NewRunner(&cfg, cache)
		w.runner.SetShare(m.ProcessFetchCount, m.ParallelFetchCount, m.Index)
		logger.Infof("configured: %d fetches, %d parallel, index offset %d",
			m.ProcessFetchCount, m.ParallelFetchCount, m.Index)
		return false, nil

	case SetCache:
		if w.runner == nil {
			return false, errors.New("SetCache before SetCliArgs")
		}
		return false, w.runner.Cache().Deserialize(m.AuthCacheContent)

	case RunStep:
		if w.runner == nil {
			return false, errors.New("RunStep before SetCliArgs")
		}
		if err := w.runner.RunStep(ctx, m.StepName); err != nil {
			return false, err
		}
		if m.StepName == config.StepFlood {
			if err := w.send(ReportFloodStatistics{Statistics: w.runner.Statistics()}); err != nil {
				return false, err
			}
		}
		return false, w.send(ReportStepDone{})

	case StopWorker:
		return true, nil

	case WorkerAnnounce, ReportStepDone, ReportFloodStatistics:
		return false, fmt.Errorf("unexpected worker-to-controller message %T", msg)

	default:
		return false, fmt.Errorf("unhandled message %T", msg)
	}
}

func (w *Worker) send(m Message) error {
	encoded, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w.out, "%s\n", encoded)
	return err
}
