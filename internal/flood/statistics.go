package flood

import (
	"os"

	"github.com/SolidLabResearch/css-flood/internal/auth"
	"github.com/SolidLabResearch/css-flood/internal/metrics"
)

// FetchCounts holds the outcome counts of a run.
type FetchCounts struct {
	Total      int64        `json:"total"`
	Success    int64        `json:"success"`
	Failure    int64        `json:"failure"`
	Exceptions int64        `json:"exceptions"`
	Statuses   StatusCounts `json:"statuses"`
	Timeout    int64        `json:"timeout"`
}

// FetchStatistics is the fetch section of the final report.
type FetchStatistics struct {
	FetchCounts
	// DurationMs holds the wall-clock duration of the whole run, shaped
	// as a mergeable record so durations of cooperating processes can be
	// combined.
	DurationMs metrics.MinMaxAvgSumCount `json:"durationMs"`
}

// FloodStatistics is the immutable end-of-run snapshot of one process.
// Snapshots of cooperating worker processes are combined with
// SumStatistics into a single report.
type FloodStatistics struct {
	PIDs               []int                     `json:"pid"`
	AuthFetchCache     auth.Report               `json:"authFetchCache"`
	FetchStatistics    FetchStatistics           `json:"fetchStatistics"`
	DurationStatistics metrics.MinMaxAvgSumCount `json:"durationStatistics"`
}

func singleValue(v float64) metrics.MinMaxAvgSumCount {
	return metrics.MinMaxAvgSumCount{Min: v, Max: v, Avg: v, Sum: v, Count: 1}
}

// MakeStatistics snapshots this process's counters into a report.
func MakeStatistics(counter *Counter, result Result, cache *auth.AuthFetchCache) FloodStatistics {
	counts, successDurations := counter.Snapshot()

	runMs := float64(-1)
	if !result.Start.IsZero() && !result.End.IsZero() {
		runMs = float64(result.End.Sub(result.Start).Milliseconds())
	}

	return FloodStatistics{
		PIDs:           []int{os.Getpid()},
		AuthFetchCache: cache.StatsReport(),
		FetchStatistics: FetchStatistics{
			FetchCounts: counts,
			DurationMs:  singleValue(runMs),
		},
		DurationStatistics: successDurations,
	}
}

// SumStatistics merges per-worker statistics into one report. The merge
// is associative and commutative: scalar counters sum, status maps merge
// by per-key sum, and duration records keep min/max while re-deriving
// the average from the summed sum and count.
//
// Identity fields (base URL, cache policy) are taken from the first
// element; all workers run the same configuration, enforced upstream.
func SumStatistics(stats []FloodStatistics) FloodStatistics {
	if len(stats) == 0 {
		return FloodStatistics{}
	}

	merged := FloodStatistics{
		AuthFetchCache: auth.Report{
			Stats: auth.CacheStats{
				BaseURL:      stats[0].AuthFetchCache.Stats.BaseURL,
				Granularity:  stats[0].AuthFetchCache.Stats.Granularity,
				Authenticate: stats[0].AuthFetchCache.Stats.Authenticate,
			},
		},
		FetchStatistics: FetchStatistics{
			FetchCounts: FetchCounts{Statuses: make(StatusCounts)},
		},
	}

	for _, s := range stats {
		merged.PIDs = append(merged.PIDs, s.PIDs...)

		cs := &merged.AuthFetchCache.Stats
		cs.LenUserTokens += s.AuthFetchCache.Stats.LenUserTokens
		cs.LenAccessTokens += s.AuthFetchCache.Stats.LenAccessTokens
		cs.LenFetchers += s.AuthFetchCache.Stats.LenFetchers
		cs.UseCount += s.AuthFetchCache.Stats.UseCount
		cs.TokenFetchCount += s.AuthFetchCache.Stats.TokenFetchCount
		cs.AuthFetchCount += s.AuthFetchCache.Stats.AuthFetchCount

		cd := &merged.AuthFetchCache.Durations
		cd.TokenFetch = cd.TokenFetch.Merge(s.AuthFetchCache.Durations.TokenFetch)
		cd.AccessTokenFetch = cd.AccessTokenFetch.Merge(s.AuthFetchCache.Durations.AccessTokenFetch)
		cd.BuildFetcher = cd.BuildFetcher.Merge(s.AuthFetchCache.Durations.BuildFetcher)
		cd.GenerateDPoPKey = cd.GenerateDPoPKey.Merge(s.AuthFetchCache.Durations.GenerateDPoPKey)

		fc := &merged.FetchStatistics
		fc.Total += s.FetchStatistics.Total
		fc.Success += s.FetchStatistics.Success
		fc.Failure += s.FetchStatistics.Failure
		fc.Exceptions += s.FetchStatistics.Exceptions
		fc.Timeout += s.FetchStatistics.Timeout
		for status, count := range s.FetchStatistics.Statuses {
			fc.Statuses[status] += count
		}
		fc.DurationMs = fc.DurationMs.Merge(s.FetchStatistics.DurationMs)

		merged.DurationStatistics = merged.DurationStatistics.Merge(s.DurationStatistics)
	}
	return merged
}
