package output

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/SolidLabResearch/css-flood/internal/auth"
	"github.com/SolidLabResearch/css-flood/internal/flood"
	httpc "github.com/SolidLabResearch/css-flood/internal/http"
)

func sampleStatistics() flood.FloodStatistics {
	counter := flood.NewCounter()
	counter.RecordAttempt()
	counter.RecordStatus(200)
	counter.RecordSuccess(10 * time.Millisecond)

	cache := auth.NewAuthFetchCache("https://pod.example.org/", false, auth.CacheAll,
		30*time.Second, httpc.NewClient())
	result := flood.Result{Start: time.Now().Add(-time.Second), End: time.Now()}
	return flood.MakeStatistics(counter, result, cache)
}

func TestReportSink_WritesToStdoutWhenNoFile(t *testing.T) {
	var buf bytes.Buffer
	sink := &ReportSink{stdout: &buf}

	require.NoError(t, sink.WriteFloodStatistics(sampleStatistics()))

	out := buf.String()
	assert.Contains(t, out, "FINAL STATISTICS")
	assert.Contains(t, out, `"fetchStatistics"`)
}

func TestReportSink_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	sink := NewReportSink(path)

	require.NoError(t, sink.WriteFloodStatistics(sampleStatistics()))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gjson.GetBytes(content, "fetchStatistics.total").Int())
	assert.True(t, gjson.GetBytes(content, "pid").IsArray())
	assert.True(t, gjson.GetBytes(content, "durationStatistics.avg").Exists())
}

func TestReportSink_CacheOnlyReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	sink := NewReportSink(path)
	cache := auth.NewAuthFetchCache("https://pod.example.org/", true, auth.CacheAll,
		30*time.Second, httpc.NewClient())

	require.NoError(t, sink.WriteCacheReport(cache))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://pod.example.org/",
		gjson.GetBytes(content, "authFetchCache.stats.cssBaseUrl").String())
	assert.False(t, gjson.GetBytes(content, "fetchStatistics").Exists(),
		"a cache-only report has no fetch section")
}

func TestSummary_PrintFloodRun(t *testing.T) {
	var buf bytes.Buffer
	s := &Summary{out: &buf, noColor: true}

	counter := flood.NewCounter()
	counter.RecordSuccess(20 * time.Millisecond)
	s.PrintFloodRun(sampleStatistics(), counter)

	out := buf.String()
	assert.Contains(t, out, "total:      1")
	assert.Contains(t, out, "success:    1")
	assert.Contains(t, out, "p50=")
}
