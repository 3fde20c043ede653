package auth

import (
	"time"

	"github.com/SolidLabResearch/css-flood/internal/metrics"
)

// UserToken is the long-lived client-credential pair of one virtual user,
// obtained once from the server's account API. Immutable once issued.
type UserToken struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// AccessToken is a short-lived bearer token cryptographically bound to its
// DPoP key pair. Replaced, never mutated, on renewal.
type AccessToken struct {
	Token   string
	DPoPKey *DPoPKey
	Expire  time.Time
}

var timeNow = time.Now

// StillUsable reports whether the token remains valid for at least margin
// beyond now. A token exactly at its expiry is never usable, to avoid races
// against in-flight requests.
func (t *AccessToken) StillUsable(margin time.Duration) bool {
	if t == nil {
		return false
	}
	return t.Expire.Sub(timeNow()) > margin
}

// Timings is the injected metrics sink for the token exchange protocol.
// The counters attribute time spent in each phase; they are reporting-only
// and never drive control flow.
type Timings struct {
	TokenFetch       *metrics.DurationCounter
	AccessTokenFetch *metrics.DurationCounter
	BuildFetcher     *metrics.DurationCounter
	GenerateDPoPKey  *metrics.DurationCounter
}

// NewTimings returns a sink with all counters allocated.
func NewTimings() *Timings {
	return &Timings{
		TokenFetch:       metrics.NewDurationCounter(),
		AccessTokenFetch: metrics.NewDurationCounter(),
		BuildFetcher:     metrics.NewDurationCounter(),
		GenerateDPoPKey:  metrics.NewDurationCounter(),
	}
}
