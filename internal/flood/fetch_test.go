package flood

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SolidLabResearch/css-flood/internal/auth"
	httpc "github.com/SolidLabResearch/css-flood/internal/http"
)

func plainCache(baseURL string) *auth.AuthFetchCache {
	return auth.NewAuthFetchCache(baseURL, false, auth.CacheAll, 30*time.Second, httpc.NewClient())
}

func newTestExecutor(t *testing.T, serverURL string, cfg ExecutorConfig) (*Executor, *Counter) {
	t.Helper()
	cfg.BaseURL = serverURL + "/"
	if cfg.Scenario == "" {
		cfg.Scenario = ScenarioBasic
	}
	if cfg.Verb == "" {
		cfg.Verb = http.MethodGet
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 4 * time.Second
	}
	counter := NewCounter()
	executor, err := NewExecutor(cfg, plainCache(cfg.BaseURL), counter)
	require.NoError(t, err)
	return executor, counter
}

func TestTarget_BasicIndexing(t *testing.T) {
	e, _ := newTestExecutor(t, "http://x", ExecutorConfig{
		Filename:         "file_INDEX.rnd",
		FilenameIndexing: true,
	})
	filename, contentType := e.target(42)
	assert.Equal(t, "file_42.rnd", filename)
	assert.Empty(t, contentType)

	e, _ = newTestExecutor(t, "http://x", ExecutorConfig{Filename: "file_INDEX.rnd"})
	filename, _ = e.target(42)
	assert.Equal(t, "file_INDEX.rnd", filename, "substitution only happens when indexing is on")
}

func TestTarget_BasicUpload(t *testing.T) {
	e, _ := newTestExecutor(t, "http://x", ExecutorConfig{
		Filename:       "10.rnd",
		Verb:           http.MethodPut,
		UploadSizeByte: 10,
	})
	_, contentType := e.target(0)
	assert.Equal(t, "application/octet-stream", contentType)
	assert.Len(t, e.uploadData, 10)
}

func TestTarget_NoContentTranslation(t *testing.T) {
	e, _ := newTestExecutor(t, "http://x", ExecutorConfig{Scenario: ScenarioNoContentTranslation})

	// Same format for file and Content-type, cycling over all formats
	// except N_QUADS and RDF_XML.
	seen := map[string]string{}
	for i := 0; i < 8; i++ {
		filename, contentType := e.target(i)
		seen[filename] = contentType
	}
	assert.Equal(t, map[string]string{
		"rdf_example_TURTLE.ttl":     "text/turtle",
		"rdf_example_N_TRIPLES.nt":   "application/n-triples",
		"rdf_example_JSON_LD.jsonld": "application/ld+json",
		"rdf_example_N3.n3":          "text/n3;charset=utf-8",
	}, seen)
}

func TestTarget_ContentTranslation(t *testing.T) {
	e, _ := newTestExecutor(t, "http://x", ExecutorConfig{Scenario: ScenarioContentTranslation})

	type combo struct{ filename, contentType string }
	seen := map[combo]bool{}
	for i := 0; i < 20; i++ {
		filename, contentType := e.target(i)
		seen[combo{filename, contentType}] = true

		// Never request a file in its own format, never involve RDF_XML.
		assert.NotContains(t, filename, "RDF_XML")
		assert.NotEqual(t, "application/rdf+xml", contentType)
	}
	// 5 candidate files x 4 requested formats, all distinct.
	assert.Len(t, seen, 20)

	// The cycle repeats after 20 fetches.
	f0, c0 := e.target(0)
	f20, c20 := e.target(20)
	assert.Equal(t, f0, f20)
	assert.Equal(t, c0, c20)
}

func TestFetchPodFile_SuccessfulGet(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("content"))
	}))
	defer server.Close()

	e, counter := newTestExecutor(t, server.URL, ExecutorConfig{Filename: "dummy.txt"})
	e.FetchPodFile(context.Background(), 3, 0)

	assert.Equal(t, "/user3/dummy.txt", gotPath)
	counts, durations := counter.Snapshot()
	assert.Equal(t, int64(1), counts.Total)
	assert.Equal(t, int64(1), counts.Success)
	assert.Equal(t, int64(1), counts.Statuses[200])
	assert.Equal(t, int64(1), durations.Count)
}

func TestFetchPodFile_GetWithoutBodyIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e, counter := newTestExecutor(t, server.URL, ExecutorConfig{Filename: "dummy.txt"})
	e.FetchPodFile(context.Background(), 0, 0)

	counts, _ := counter.Snapshot()
	assert.Equal(t, int64(0), counts.Success)
	assert.Equal(t, int64(1), counts.Failure)
	assert.Equal(t, int64(1), counts.Statuses[200], "the status is still recorded")
}

func TestFetchPodFile_PutUploadsBody(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	e, counter := newTestExecutor(t, server.URL, ExecutorConfig{
		Filename:       "up.rnd",
		Verb:           http.MethodPut,
		UploadSizeByte: 64,
	})
	e.FetchPodFile(context.Background(), 0, 0)

	assert.Len(t, gotBody, 64)
	assert.Equal(t, "application/octet-stream", gotContentType)
	counts, _ := counter.Snapshot()
	assert.Equal(t, int64(1), counts.Success, "a write verb needs no response body to succeed")
}

func TestFetchPodFile_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	e, counter := newTestExecutor(t, server.URL, ExecutorConfig{Filename: "dummy.txt"})
	for i := 0; i < 3; i++ {
		e.FetchPodFile(context.Background(), 0, i)
	}

	counts, _ := counter.Snapshot()
	assert.Equal(t, int64(3), counts.Total)
	assert.Equal(t, int64(3), counts.Failure)
	assert.Equal(t, int64(0), counts.Exceptions)
	assert.Equal(t, int64(3), counts.Statuses[404])
}

func TestFetchPodFile_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer server.Close()

	e, counter := newTestExecutor(t, server.URL, ExecutorConfig{
		Filename:     "dummy.txt",
		FetchTimeout: 30 * time.Millisecond,
	})
	e.FetchPodFile(context.Background(), 0, 0)

	counts, _ := counter.Snapshot()
	assert.Equal(t, int64(1), counts.Timeout)
	assert.Equal(t, int64(1), counts.Failure)
	assert.Equal(t, int64(0), counts.Exceptions, "timeouts are not exceptions")
}

func TestFetchPodFile_ConnectionErrorIsException(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listens anymore

	e, counter := newTestExecutor(t, server.URL, ExecutorConfig{Filename: "dummy.txt"})
	e.FetchPodFile(context.Background(), 0, 0)

	counts, _ := counter.Snapshot()
	assert.Equal(t, int64(1), counts.Exceptions)
	assert.Equal(t, int64(1), counts.Failure)
	assert.Equal(t, counts.Total, counts.Success+counts.Failure)
}

func TestParseScenario(t *testing.T) {
	for _, name := range []string{"BASIC", "NO_CONTENT_TRANSLATION", "CONTENT_TRANSLATION"} {
		s, err := ParseScenario(name)
		require.NoError(t, err)
		assert.Equal(t, Scenario(name), s)
	}
	_, err := ParseScenario("FANCY")
	assert.Error(t, err)
}

func TestGenerateUploadData(t *testing.T) {
	a, err := GenerateUploadData(1024)
	require.NoError(t, err)
	b, err := GenerateUploadData(1024)
	require.NoError(t, err)
	require.Len(t, a, 1024)
	assert.NotEqual(t, fmt.Sprintf("%x", a), fmt.Sprintf("%x", b))
}
