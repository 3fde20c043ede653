package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SolidLabResearch/css-flood/internal/config"
)

func scriptMessages(t *testing.T, messages ...Message) *bytes.Buffer {
	t.Helper()
	var in bytes.Buffer
	for _, m := range messages {
		encoded, err := Encode(m)
		require.NoError(t, err)
		fmt.Fprintf(&in, "%s\n", encoded)
	}
	return &in
}

func decodeReplies(t *testing.T, out *bytes.Buffer) []Message {
	t.Helper()
	var replies []Message
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		msg, err := Decode(scanner.Bytes())
		require.NoError(t, err)
		replies = append(replies, msg)
	}
	return replies
}

func TestWorker_FullSession(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("content"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.BaseURL = server.URL
	cfg.UserCount = 2
	cfg.Filename = "dummy.txt"
	require.NoError(t, cfg.Validate())

	in := scriptMessages(t,
		SetCliArgs{CliArgs: cfg, ProcessFetchCount: 3, ParallelFetchCount: 1, Index: 0},
		RunStep{StepName: config.StepFlood},
		StopWorker{},
	)
	var out bytes.Buffer

	require.NoError(t, Run(context.Background(), in, &out))
	assert.Equal(t, int64(6), requests.Load(), "3 fetches for each of 2 users")

	replies := decodeReplies(t, &out)
	require.Len(t, replies, 3)

	announce, ok := replies[0].(WorkerAnnounce)
	require.True(t, ok, "first reply must announce the worker")
	assert.NotZero(t, announce.PID)

	report, ok := replies[1].(ReportFloodStatistics)
	require.True(t, ok, "flood must report statistics before completion")
	assert.Equal(t, int64(6), report.Statistics.FetchStatistics.Total)
	assert.Equal(t, []int{announce.PID}, report.Statistics.PIDs)

	_, ok = replies[2].(ReportStepDone)
	assert.True(t, ok)
}

func TestWorker_NonFloodStepReportsDoneOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.BaseURL = server.URL
	cfg.UserCount = 1
	cfg.Filename = "dummy.txt"
	require.NoError(t, cfg.Validate())

	in := scriptMessages(t,
		SetCliArgs{CliArgs: cfg, ProcessFetchCount: 1, ParallelFetchCount: 1, Index: 0},
		RunStep{StepName: config.StepTestRequest},
		StopWorker{},
	)
	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), in, &out))

	replies := decodeReplies(t, &out)
	require.Len(t, replies, 2)
	_, ok := replies[1].(ReportStepDone)
	assert.True(t, ok)
}

func TestWorker_RunStepBeforeConfigurationFails(t *testing.T) {
	in := scriptMessages(t, RunStep{StepName: config.StepFlood})
	var out bytes.Buffer
	assert.Error(t, Run(context.Background(), in, &out))
}

func TestWorker_RejectsWorkerToControllerMessages(t *testing.T) {
	in := scriptMessages(t, WorkerAnnounce{PID: 1})
	var out bytes.Buffer
	assert.Error(t, Run(context.Background(), in, &out))
}

func TestWorker_EOFWithoutStopIsClean(t *testing.T) {
	var out bytes.Buffer
	assert.NoError(t, Run(context.Background(), bytes.NewBuffer(nil), &out))

	replies := decodeReplies(t, &out)
	require.Len(t, replies, 1)
	_, ok := replies[0].(WorkerAnnounce)
	assert.True(t, ok)
}

func TestWorker_SetCacheRestoresTokens(t *testing.T) {
	cfg := config.Default()
	cfg.BaseURL = "https://pod.example.org/"
	cfg.Authenticate = true
	require.NoError(t, cfg.Validate())

	cacheContent := `{
		"timestamp": "2026-08-28T10:00:00Z",
		"filename": "cache.json",
		"cssTokensByUser": [{"id": "a", "secret": "b"}],
		"authAccessTokenByUser": [null]
	}`

	in := scriptMessages(t,
		SetCliArgs{CliArgs: cfg, ProcessFetchCount: 1, ParallelFetchCount: 1, Index: 0},
		SetCache{AuthCacheContent: cacheContent},
		StopWorker{},
	)
	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), in, &out))
}

func TestWorker_SetCacheRejectsMalformedContent(t *testing.T) {
	cfg := config.Default()
	cfg.BaseURL = "https://pod.example.org/"
	require.NoError(t, cfg.Validate())

	in := scriptMessages(t,
		SetCliArgs{CliArgs: cfg, ProcessFetchCount: 1, ParallelFetchCount: 1, Index: 0},
		SetCache{AuthCacheContent: `{"no": "timestamp"}`},
	)
	var out bytes.Buffer
	assert.Error(t, Run(context.Background(), in, &out))
}
