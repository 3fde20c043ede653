// Package flood generates the actual load: it executes classified HTTP
// fetches against user pods under a parallelism bound, and aggregates
// the outcomes into mergeable statistics.
package flood

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SolidLabResearch/css-flood/internal/auth"
	"github.com/SolidLabResearch/css-flood/internal/log"
)

var logger = log.New("flood")

// Scenario selects how the target file and request headers of each fetch
// are derived.
type Scenario string

const (
	// ScenarioBasic downloads or uploads the configured filename,
	// optionally substituting a per-fetch index into the name.
	ScenarioBasic Scenario = "BASIC"
	// ScenarioNoContentTranslation downloads RDF example files, each in
	// its own serialization format.
	ScenarioNoContentTranslation Scenario = "NO_CONTENT_TRANSLATION"
	// ScenarioContentTranslation downloads RDF example files in formats
	// other than their own, forcing the server to translate.
	ScenarioContentTranslation Scenario = "CONTENT_TRANSLATION"
)

// ParseScenario validates a scenario name.
func ParseScenario(s string) (Scenario, error) {
	switch Scenario(s) {
	case ScenarioBasic, ScenarioNoContentTranslation, ScenarioContentTranslation:
		return Scenario(s), nil
	}
	return "", fmt.Errorf("unknown fetch scenario %q", s)
}

// MustUpload reports whether the verb carries a request body.
func MustUpload(verb string) bool {
	return verb == http.MethodPut || verb == http.MethodPost
}

// GenerateUploadData produces n random bytes to use as upload body.
func GenerateUploadData(n int) ([]byte, error) {
	start := time.Now()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("generating %d random upload bytes: %w", n, err)
	}
	logger.Debugf("generating %d random upload bytes took %v", n, time.Since(start))
	return data, nil
}

// ExecutorConfig fixes the per-fetch parameters for a run.
type ExecutorConfig struct {
	BaseURL          string
	Scenario         Scenario
	Verb             string
	Filename         string
	FilenameIndexing bool
	UploadSizeByte   int
	FetchTimeout     time.Duration
}

// Executor performs single classified fetches against user pods.
//
// Every failure mode is recorded in the shared Counter, never returned:
// a caller driving thousands of fetches concurrently needs no per-call
// error handling.
type Executor struct {
	cfg        ExecutorConfig
	cache      *auth.AuthFetchCache
	counter    *Counter
	uploadData []byte
}

// NewExecutor builds an executor. For write verbs, the upload body is
// generated once and shared by all fetches.
func NewExecutor(cfg ExecutorConfig, cache *auth.AuthFetchCache, counter *Counter) (*Executor, error) {
	e := &Executor{cfg: cfg, cache: cache, counter: counter}
	if MustUpload(cfg.Verb) {
		data, err := GenerateUploadData(cfg.UploadSizeByte)
		if err != nil {
			return nil, err
		}
		e.uploadData = data
	}
	return e, nil
}

// target derives the pod-relative filename and the Content-type header
// for one fetch.
//
// The content-negotiation scenarios map the fetch index onto (file
// format, requested format) combinations by modular arithmetic over
// RDFTypeValues. RDF_XML, the last entry, is excluded from both sides;
// CONTENT_TRANSLATION additionally excludes the degenerate same-format
// combination. The exact formula is load-bearing: downstream statistics
// assume this coverage of the combination space.
func (e *Executor) target(fetchIndex int) (string, string) {
	switch e.cfg.Scenario {
	case ScenarioNoContentTranslation:
		typeIndex := fetchIndex % (len(RDFTypeValues) - 2)
		t := RDFTypeValues[typeIndex]
		return rdfExampleFile(t), RDFContentTypeMap[t]

	case ScenarioContentTranslation:
		// (len-1) candidate files times (len-2) formats to request each
		// file in.
		combinationID := fetchIndex % ((len(RDFTypeValues) - 1) * (len(RDFTypeValues) - 2))
		fileNameIndex := combinationID % (len(RDFTypeValues) - 1)
		contentTypeIndex := (combinationID - fileNameIndex) / (len(RDFTypeValues) - 1)
		filenameType := RDFTypeValues[fileNameIndex]
		contentTypeType := RDFTypeValues[contentTypeIndex]
		if contentTypeIndex == fileNameIndex {
			// Same-format combination is skipped in favor of the one
			// format the outer loop never reaches.
			contentTypeType = RDFTypeValues[len(RDFTypeValues)-2]
		}
		return rdfExampleFile(filenameType), RDFContentTypeMap[contentTypeType]

	default:
		filename := e.cfg.Filename
		if e.cfg.FilenameIndexing {
			filename = strings.Replace(filename, "INDEX", fmt.Sprint(fetchIndex), 1)
		}
		contentType := ""
		if e.uploadData != nil {
			contentType = "application/octet-stream"
		}
		return filename, contentType
	}
}

// FetchPodFile performs exactly one fetch for the given user and fetch
// index and classifies the outcome into the counter.
func (e *Executor) FetchPodFile(ctx context.Context, userIndex, fetchIndex int) {
	e.counter.RecordAttempt()

	account := auth.Account(userIndex)
	fetcher, err := e.cache.GetFetcher(ctx, userIndex)
	if err != nil {
		e.recordError(fmt.Errorf("getting fetcher for %s: %w", account, err))
		return
	}

	filename, contentType := e.target(fetchIndex)
	if e.cfg.Scenario != ScenarioBasic && userIndex < 2 && fetchIndex < 25 {
		logger.Debugf("%s: download %q as %q", e.cfg.Scenario, filename, contentType)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	var body io.Reader
	if e.uploadData != nil {
		body = bytes.NewReader(e.uploadData)
	}
	url := e.cfg.BaseURL + account + "/" + filename
	req, err := http.NewRequestWithContext(callCtx, e.cfg.Verb, url, body)
	if err != nil {
		e.recordError(err)
		return
	}
	if contentType != "" {
		req.Header.Set("Content-type", contentType)
	}

	start := time.Now()
	resp, err := fetcher.Do(req)
	if err != nil {
		e.recordError(err)
		return
	}
	defer resp.Body.Close()

	e.counter.RecordStatus(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyError, _ := io.ReadAll(resp.Body)
		if e.counter.RecordStatusFailure() {
			logger.Errorf("%d - %s with account %s, pod path %q failed (URL=%s): %s",
				resp.StatusCode, e.cfg.Verb, account, filename, url,
				strings.TrimSpace(string(bodyError)))
		}
		return
	}

	// Drain before marking success: required for connection reuse and
	// for timings that include the full transfer.
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		e.recordError(fmt.Errorf("reading body of %s: %w", url, err))
		return
	}
	if n == 0 && e.cfg.Verb == http.MethodGet {
		// A download must return content.
		logger.Warnf("successful %s of %s, but no body", e.cfg.Verb, url)
		e.counter.RecordFailure()
		return
	}
	e.counter.RecordSuccess(time.Since(start))
}

// recordError classifies a fetch-level error as timeout or exception.
func (e *Executor) recordError(err error) {
	if auth.IsTimeout(err) {
		e.counter.RecordTimeout()
		logger.Errorf("fetch took longer than %v: aborted", e.cfg.FetchTimeout)
		return
	}
	if e.counter.RecordException() {
		logger.Errorf("fetch failed: %v", err)
	}
}
