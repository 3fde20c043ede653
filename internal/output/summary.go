package output

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/SolidLabResearch/css-flood/internal/flood"
)

// Summary renders a human-readable recap of a flood run. Colors are
// used only when writing to a terminal.
type Summary struct {
	out     io.Writer
	noColor bool
}

// NewSummary creates a summary writer for stderr, coloring only when
// stderr is a terminal.
func NewSummary() *Summary {
	return &Summary{
		out:     os.Stderr,
		noColor: !isatty.IsTerminal(os.Stderr.Fd()),
	}
}

func (s *Summary) scheme() (ok, warn, bad *color.Color) {
	ok = color.New(color.FgGreen, color.Bold)
	warn = color.New(color.FgYellow, color.Bold)
	bad = color.New(color.FgRed, color.Bold)
	if s.noColor {
		ok.DisableColor()
		warn.DisableColor()
		bad.DisableColor()
	}
	return ok, warn, bad
}

// PrintFloodRun writes the recap of merged statistics plus this
// process's local latency percentiles.
func (s *Summary) PrintFloodRun(stats flood.FloodStatistics, counter *flood.Counter) {
	ok, warn, bad := s.scheme()

	fs := stats.FetchStatistics
	fmt.Fprintf(s.out, "\nFlood result (%d process(es)):\n", len(stats.PIDs))
	fmt.Fprintf(s.out, "  total:      %d\n", fs.Total)
	fmt.Fprintf(s.out, "  success:    %s\n", ok.Sprintf("%d", fs.Success))
	failureColor := ok
	if fs.Failure > 0 {
		failureColor = bad
	}
	fmt.Fprintf(s.out, "  failure:    %s", failureColor.Sprintf("%d", fs.Failure))
	if fs.Failure > 0 {
		fmt.Fprintf(s.out, " (%s timeouts, %s exceptions)",
			warn.Sprintf("%d", fs.Timeout), bad.Sprintf("%d", fs.Exceptions))
	}
	fmt.Fprintln(s.out)

	if len(fs.Statuses) > 0 {
		fmt.Fprint(s.out, "  statuses:  ")
		for status, count := range fs.Statuses {
			statusColor := ok
			if status >= 400 {
				statusColor = bad
			} else if status >= 300 {
				statusColor = warn
			}
			fmt.Fprintf(s.out, " %s=%d", statusColor.Sprintf("%d", status), count)
		}
		fmt.Fprintln(s.out)
	}

	d := stats.DurationStatistics
	if d.Count > 0 {
		fmt.Fprintf(s.out, "  durations:  min=%.1fms max=%.1fms avg=%.1fms (%d samples)\n",
			d.Min, d.Max, d.Avg, d.Count)
	}
	if counter != nil && counter.Success() > 0 {
		p50, p90, p95, p99 := counter.LatencyPercentiles()
		fmt.Fprintf(s.out, "  local percentiles: p50=%dms p90=%dms p95=%dms p99=%dms\n",
			p50, p90, p95, p99)
	}
	if fs.DurationMs.Count > 0 && fs.DurationMs.Max >= 0 {
		fmt.Fprintf(s.out, "  run time:   %.1fs\n", fs.DurationMs.Max/1000)
	}
}
