// Package output delivers run results: the machine-readable JSON report
// and the colorized console summary.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/SolidLabResearch/css-flood/internal/auth"
	"github.com/SolidLabResearch/css-flood/internal/flood"
	"github.com/SolidLabResearch/css-flood/internal/log"
)

var logger = log.New("output")

// ReportSink writes JSON reports to stdout or a configured file.
type ReportSink struct {
	// File is the report destination; empty means stdout.
	File string

	stdout io.Writer
}

// NewReportSink creates a sink writing to the given file, or to stdout
// when file is empty.
func NewReportSink(file string) *ReportSink {
	return &ReportSink{File: file, stdout: os.Stdout}
}

// CacheOnlyReport is emitted when the flood step is skipped: the run
// only prepared or checked the auth cache, so only its statistics exist.
type CacheOnlyReport struct {
	AuthFetchCache auth.Report `json:"authFetchCache"`
}

// WriteFloodStatistics delivers the full end-of-run report.
func (s *ReportSink) WriteFloodStatistics(stats flood.FloodStatistics) error {
	return s.write("FINAL STATISTICS", stats)
}

// WriteCacheReport delivers the auth-cache-only report.
func (s *ReportSink) WriteCacheReport(cache *auth.AuthFetchCache) error {
	return s.write("AUTHENTICATION CACHE STATISTICS", CacheOnlyReport{AuthFetchCache: cache.StatsReport()})
}

func (s *ReportSink) write(title string, report interface{}) error {
	content, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	if s.File == "" {
		_, err := fmt.Fprintf(s.stdout, "%s:\n---\n%s\n---\n\n", title, content)
		return err
	}

	logger.Infof("writing report to %q", s.File)
	if err := os.WriteFile(s.File, content, 0o644); err != nil {
		return fmt.Errorf("saving report: %w", err)
	}
	logger.Infof("report saved")
	return nil
}
