package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	httpc "github.com/SolidLabResearch/css-flood/internal/http"
	"github.com/SolidLabResearch/css-flood/internal/metrics"
)

// Granularity selects how much of the credential chain is cached per user.
type Granularity string

const (
	// CacheNone caches nothing; every request redoes the full chain.
	CacheNone Granularity = "none"
	// CacheToken caches only the user token; access token and fetcher are
	// rebuilt every time.
	CacheToken Granularity = "token"
	// CacheAll caches everything; renewal happens only on expiry.
	CacheAll Granularity = "all"
)

// ParseGranularity validates a granularity name.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case CacheNone, CacheToken, CacheAll:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("unknown authenticate cache granularity %q", s)
}

// defaultPassword is the password css-populate provisions for every account.
const defaultPassword = "password"

// AuthFetchCache hands out ready-to-use fetchers per virtual user, hiding
// whether authentication is disabled, partially cached, or fully cached.
//
// Entries are keyed by user index. Writes are idempotent: concurrent
// callers for the same user may each fetch and overwrite, and last write
// wins, since any valid token is as good as any other.
type AuthFetchCache struct {
	baseURL      string
	authenticate bool
	granularity  Granularity
	margin       time.Duration

	protocol *Protocol
	plain    httpc.Fetcher
	timings  *Timings

	mu           sync.Mutex
	userTokens   []*UserToken
	accessTokens []*AccessToken
	fetchers     []httpc.Fetcher

	useCount        atomic.Int64
	tokenFetchCount atomic.Int64
	authFetchCount  atomic.Int64

	// Metadata of the last loaded cache file, for diagnostics.
	LoadedMeta *CacheMeta
}

// CacheMeta describes where a loaded cache came from.
type CacheMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
}

// NewAuthFetchCache creates a cache for the given server and policy.
// The margin is the minimum remaining validity an access token must have
// to be served from cache.
func NewAuthFetchCache(baseURL string, authenticate bool, granularity Granularity, margin time.Duration, plain httpc.Fetcher) *AuthFetchCache {
	timings := NewTimings()
	return &AuthFetchCache{
		baseURL:      baseURL,
		authenticate: authenticate,
		granularity:  granularity,
		margin:       margin,
		protocol:     NewProtocol(plain, timings),
		plain:        plain,
		timings:      timings,
	}
}

// Account returns the account name of a user index.
func Account(userIndex int) string {
	return fmt.Sprintf("user%d", userIndex)
}

func (c *AuthFetchCache) ensureLen(n int) {
	for len(c.userTokens) < n {
		c.userTokens = append(c.userTokens, nil)
	}
	for len(c.accessTokens) < n {
		c.accessTokens = append(c.accessTokens, nil)
	}
	for len(c.fetchers) < n {
		c.fetchers = append(c.fetchers, nil)
	}
}

// GetFetcher returns a ready request function for the given user, fetching
// and caching any missing credential pieces according to the configured
// granularity. It never blocks on other users' entries.
func (c *AuthFetchCache) GetFetcher(ctx context.Context, userIndex int) (httpc.Fetcher, error) {
	c.useCount.Add(1)
	if !c.authenticate {
		return c.plain, nil
	}

	account := Account(userIndex)

	var token *UserToken
	var existing *AccessToken
	var fetcher httpc.Fetcher

	if c.granularity != CacheNone {
		c.mu.Lock()
		c.ensureLen(userIndex + 1)
		token = c.userTokens[userIndex]
		if c.granularity == CacheAll {
			existing = c.accessTokens[userIndex]
			// A fetcher is only valid while its access token is usable.
			if existing.StillUsable(c.margin) {
				fetcher = c.fetchers[userIndex]
			} else {
				existing = nil
			}
		}
		c.mu.Unlock()
	}

	if fetcher != nil {
		return fetcher, nil
	}

	if token == nil {
		var err error
		token, err = c.protocol.CreateUserToken(ctx, c.baseURL, account, defaultPassword)
		if err != nil {
			return nil, err
		}
		c.tokenFetchCount.Add(1)
	}

	accessToken, err := c.protocol.EnsureAccessToken(ctx, c.baseURL, account, token, existing, c.margin)
	if err != nil {
		return nil, err
	}
	fetcher = c.protocol.BuildAuthenticatedFetcher(c.plain, accessToken)
	c.authFetchCount.Add(1)

	if c.granularity != CacheNone {
		c.mu.Lock()
		c.ensureLen(userIndex + 1)
		c.userTokens[userIndex] = token
		if c.granularity == CacheAll {
			c.accessTokens[userIndex] = accessToken
			c.fetchers[userIndex] = fetcher
		}
		c.mu.Unlock()
	}

	return fetcher, nil
}

// PreCache eagerly populates the cache for users 0..userCount-1, one user
// at a time, reusing entries that are still valid for at least margin.
//
// A failed exchange aborts the fill but leaves entries of earlier users
// untouched.
func (c *AuthFetchCache) PreCache(ctx context.Context, userCount int, margin time.Duration) error {
	if !c.authenticate || c.granularity == CacheNone {
		return nil
	}

	var tokensFetched, tokensReused, accessFetched, accessReused int

	for userIndex := 0; userIndex < userCount; userIndex++ {
		account := Account(userIndex)

		c.mu.Lock()
		c.ensureLen(userIndex + 1)
		c.fetchers[userIndex] = nil
		token := c.userTokens[userIndex]
		existing := c.accessTokens[userIndex]
		c.mu.Unlock()

		if token == nil {
			var err error
			token, err = c.protocol.CreateUserToken(ctx, c.baseURL, account, defaultPassword)
			if err != nil {
				return fmt.Errorf("pre-caching user %d: %w", userIndex, err)
			}
			c.tokenFetchCount.Add(1)
			tokensFetched++
		} else {
			tokensReused++
		}

		c.mu.Lock()
		c.userTokens[userIndex] = token
		c.mu.Unlock()

		if c.granularity == CacheAll {
			reused := existing.StillUsable(margin)
			accessToken, err := c.protocol.EnsureAccessToken(ctx, c.baseURL, account, token, existing, margin)
			if err != nil {
				return fmt.Errorf("pre-caching user %d: %w", userIndex, err)
			}
			if reused {
				accessReused++
			} else {
				accessFetched++
			}
			fetcher := c.protocol.BuildAuthenticatedFetcher(c.plain, accessToken)
			c.authFetchCount.Add(1)

			c.mu.Lock()
			c.accessTokens[userIndex] = accessToken
			c.fetchers[userIndex] = fetcher
			c.mu.Unlock()
		}
	}

	logger.Infof("pre-cache done: user tokens %d fetched / %d reused, access tokens %d fetched / %d reused",
		tokensFetched, tokensReused, accessFetched, accessReused)
	if expire, userIndex, ok := c.EarliestExpiry(userCount); ok {
		logger.Infof("earliest access token expiry: %s (in %v, user %d)",
			expire.Format(time.RFC3339), time.Until(expire).Round(time.Second), userIndex)
	}
	return nil
}

// EarliestExpiry returns the earliest access-token expiry across users
// 0..userCount-1 and the index of the user that owns it.
func (c *AuthFetchCache) EarliestExpiry(userCount int) (time.Time, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var earliest time.Time
	earliestUser := -1
	for i := 0; i < userCount && i < len(c.accessTokens); i++ {
		at := c.accessTokens[i]
		if at == nil {
			continue
		}
		if earliestUser == -1 || at.Expire.Before(earliest) {
			earliest = at.Expire
			earliestUser = i
		}
	}
	return earliest, earliestUser, earliestUser != -1
}

// Validate checks, without mutating tokens, that every user has a user
// token and, when everything is cached, an access token still valid for at
// least margin. All violations are logged before the overall verdict: the
// list of invalid users is part of the diagnostic value.
//
// The ready-fetcher slots are defensively cleared, since a fetcher built on
// a since-invalidated token must not be reused by a later step.
func (c *AuthFetchCache) Validate(userCount int, margin time.Duration) error {
	if !c.authenticate || c.granularity == CacheNone {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLen(userCount)

	invalid := 0
	for userIndex := 0; userIndex < userCount; userIndex++ {
		c.fetchers[userIndex] = nil

		if c.userTokens[userIndex] == nil {
			logger.Errorf("validate: user %d has no user token", userIndex)
			invalid++
			continue
		}
		if c.granularity != CacheAll {
			continue
		}
		at := c.accessTokens[userIndex]
		if at == nil {
			logger.Errorf("validate: user %d has no access token", userIndex)
			invalid++
			continue
		}
		if !at.StillUsable(margin) {
			logger.Errorf("validate: user %d access token expires %s, less than %v from now",
				userIndex, at.Expire.Format(time.RFC3339), margin)
			invalid++
		}
	}

	if invalid > 0 {
		return fmt.Errorf("auth cache validation failed for %d of %d users", invalid, userCount)
	}
	return nil
}

// Test performs one real request per user via GetFetcher and confirms a
// non-error status and a non-empty body. Failures are aggregated, not
// fatal per user.
func (c *AuthFetchCache) Test(ctx context.Context, userCount int, path string, timeout time.Duration) error {
	failures := 0
	for userIndex := 0; userIndex < userCount; userIndex++ {
		if err := c.testUser(ctx, userIndex, path, timeout); err != nil {
			logger.Errorf("test request for user %d failed: %v", userIndex, err)
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("test requests failed for %d of %d users", failures, userCount)
	}
	logger.Infof("test requests succeeded for all %d users", userCount)
	return nil
}

func (c *AuthFetchCache) testUser(ctx context.Context, userIndex int, path string, timeout time.Duration) error {
	fetcher, err := c.GetFetcher(ctx, userIndex)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.baseURL + Account(userIndex) + "/" + path
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := fetcher.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(body) == 0 {
		return fmt.Errorf("GET %s: empty body", target)
	}
	return nil
}

// CacheStats is the observable state of the cache, mergeable across
// worker processes.
type CacheStats struct {
	BaseURL         string `json:"cssBaseUrl"`
	Granularity     string `json:"authenticateCache"`
	Authenticate    bool   `json:"authenticate"`
	LenUserTokens   int    `json:"lenCssTokensByUser"`
	LenAccessTokens int    `json:"lenAuthAccessTokenByUser"`
	LenFetchers     int    `json:"lenAuthFetchersByUser"`
	UseCount        int64  `json:"useCount"`
	TokenFetchCount int64  `json:"tokenFetchCount"`
	AuthFetchCount  int64  `json:"authFetchCount"`
}

// DurationStats groups the token-exchange phase timings for reporting.
type DurationStats struct {
	TokenFetch       metrics.MinMaxAvgSumCount `json:"fetchUserToken"`
	AccessTokenFetch metrics.MinMaxAvgSumCount `json:"authAccessToken"`
	BuildFetcher     metrics.MinMaxAvgSumCount `json:"buildingAuthFetcher"`
	GenerateDPoPKey  metrics.MinMaxAvgSumCount `json:"generateDpopKeyPair"`
}

// Report bundles stats and durations the way the JSON report expects them.
type Report struct {
	Stats     CacheStats    `json:"stats"`
	Durations DurationStats `json:"durations"`
}

// StatsReport snapshots the cache's counters and timings.
func (c *AuthFetchCache) StatsReport() Report {
	c.mu.Lock()
	lenTokens, lenAccess, lenFetchers := 0, 0, 0
	for _, t := range c.userTokens {
		if t != nil {
			lenTokens++
		}
	}
	for _, t := range c.accessTokens {
		if t != nil {
			lenAccess++
		}
	}
	for _, f := range c.fetchers {
		if f != nil {
			lenFetchers++
		}
	}
	c.mu.Unlock()

	return Report{
		Stats: CacheStats{
			BaseURL:         c.baseURL,
			Granularity:     string(c.granularity),
			Authenticate:    c.authenticate,
			LenUserTokens:   lenTokens,
			LenAccessTokens: lenAccess,
			LenFetchers:     lenFetchers,
			UseCount:        c.useCount.Load(),
			TokenFetchCount: c.tokenFetchCount.Load(),
			AuthFetchCount:  c.authFetchCount.Load(),
		},
		Durations: DurationStats{
			TokenFetch:       c.timings.TokenFetch.Snapshot(),
			AccessTokenFetch: c.timings.AccessTokenFetch.Snapshot(),
			BuildFetcher:     c.timings.BuildFetcher.Snapshot(),
			GenerateDPoPKey:  c.timings.GenerateDPoPKey.Snapshot(),
		},
	}
}

// CountString summarizes cache occupancy for log lines.
func (c *AuthFetchCache) CountString() string {
	r := c.StatsReport().Stats
	return fmt.Sprintf("%d user tokens, %d access tokens, %d fetchers",
		r.LenUserTokens, r.LenAccessTokens, r.LenFetchers)
}
