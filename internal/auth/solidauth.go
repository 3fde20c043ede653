// Package auth implements the credential lifecycle for virtual users of a
// pod-style storage server: account secret, DPoP-bound access token, and the
// ready-to-use authenticated fetcher built from both. The AuthFetchCache in
// this package is the single point through which the rest of css-flood
// obtains a fetcher for a given user.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	httpc "github.com/SolidLabResearch/css-flood/internal/http"
	"github.com/SolidLabResearch/css-flood/internal/log"
)

// exchangeTimeout bounds every credential and token network round-trip.
const exchangeTimeout = 5 * time.Second

var logger = log.New("auth")

// Protocol performs the network round-trips that turn an account's
// long-lived secret into a short-lived, DPoP-bound access token.
type Protocol struct {
	fetcher httpc.Fetcher
	timings *Timings
}

// NewProtocol creates a Protocol issuing requests via fetcher and reporting
// phase timings to the given sink.
func NewProtocol(fetcher httpc.Fetcher, timings *Timings) *Protocol {
	if timings == nil {
		timings = NewTimings()
	}
	return &Protocol{fetcher: fetcher, timings: timings}
}

// AccountEmail derives the registration email for an account name.
func AccountEmail(account string) string {
	return account + "@example.org"
}

// accountAPI describes which account-API variant the server exposes.
type accountAPI struct {
	legacy   bool
	loginURL string
}

// probeAccountAPI checks the server's account-API root document to find out
// which credential-creation variant is active. The result is deliberately
// not cached across calls: the server may be upgraded at any time.
func (p *Protocol) probeAccountAPI(ctx context.Context, baseURL string) (accountAPI, error) {
	status, body, err := p.doJSON(ctx, http.MethodGet, baseURL+".account/", nil, "probing account API")
	if err != nil {
		return accountAPI{}, err
	}
	if status < 200 || status >= 300 {
		// No account-API root document: this is the legacy server.
		return accountAPI{legacy: true}, nil
	}
	loginURL := gjson.Get(body, "controls.password.login").String()
	if loginURL == "" {
		return accountAPI{legacy: true}, nil
	}
	return accountAPI{loginURL: loginURL}, nil
}

// CreateUserToken obtains a client-credential pair for an account, probing
// which server API variant is active and then issuing the token via the
// matching sub-flow.
func (p *Protocol) CreateUserToken(ctx context.Context, baseURL, account, password string) (*UserToken, error) {
	var token *UserToken
	var err error
	p.timings.TokenFetch.Time(func() {
		token, err = p.createUserToken(ctx, baseURL, account, password)
	})
	return token, err
}

func (p *Protocol) createUserToken(ctx context.Context, baseURL, account, password string) (*UserToken, error) {
	api, err := p.probeAccountAPI(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	if api.legacy {
		return p.createUserTokenLegacy(ctx, baseURL, account, password)
	}
	return p.createUserTokenCurrent(ctx, baseURL, api, account, password)
}

// createUserTokenLegacy issues credentials via the old idp/credentials/ API.
func (p *Protocol) createUserTokenLegacy(ctx context.Context, baseURL, account, password string) (*UserToken, error) {
	payload := map[string]string{
		"name":     "token-css-flood-" + account,
		"email":    AccountEmail(account),
		"password": password,
	}
	status, body, err := p.doJSON(ctx, http.MethodPost, baseURL+"idp/credentials/", payload, "creating user token")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &CredentialIssuanceError{Account: account, Status: status, Body: body}
	}

	var token UserToken
	if err := json.Unmarshal([]byte(body), &token); err != nil {
		return nil, fmt.Errorf("parsing user token response for %s: %w", account, err)
	}
	return &token, nil
}

// createUserTokenCurrent issues credentials via the current account API:
// password login, then the clientCredentials control advertised to the
// logged-in account.
func (p *Protocol) createUserTokenCurrent(ctx context.Context, baseURL string, api accountAPI, account, password string) (*UserToken, error) {
	loginPayload := map[string]string{
		"email":    AccountEmail(account),
		"password": password,
	}
	status, body, err := p.doJSON(ctx, http.MethodPost, api.loginURL, loginPayload, "logging in")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &CredentialIssuanceError{Account: account, Status: status, Body: body}
	}
	authorization := gjson.Get(body, "authorization").String()
	if authorization == "" {
		return nil, &CredentialIssuanceError{Account: account, Status: status, Body: "login response has no authorization"}
	}

	header := map[string]string{"Authorization": "CSS-Account-Token " + authorization}
	status, body, err = p.doJSONWithHeaders(ctx, http.MethodGet, baseURL+".account/", nil, header, "fetching account controls")
	if err != nil {
		return nil, err
	}
	credentialsURL := gjson.Get(body, "controls.account.clientCredentials").String()
	if status < 200 || status >= 300 || credentialsURL == "" {
		return nil, &CredentialIssuanceError{Account: account, Status: status, Body: body}
	}

	tokenPayload := map[string]string{
		"name":  "token-css-flood-" + account,
		"webId": baseURL + account + "/profile/card#me",
	}
	status, body, err = p.doJSONWithHeaders(ctx, http.MethodPost, credentialsURL, tokenPayload, header, "creating user token")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &CredentialIssuanceError{Account: account, Status: status, Body: body}
	}

	var token UserToken
	if err := json.Unmarshal([]byte(body), &token); err != nil {
		return nil, fmt.Errorf("parsing user token response for %s: %w", account, err)
	}
	return &token, nil
}

// EnsureAccessToken returns an access token for the account that is valid
// for at least minValidity.
//
// If existing still satisfies that margin it is returned unchanged, with
// zero network calls; this reuse path is what makes caching valuable.
// Otherwise a fresh DPoP key pair is generated and the user token exchanged
// via a client-credentials grant at the server's token endpoint.
func (p *Protocol) EnsureAccessToken(ctx context.Context, baseURL, account string, token *UserToken, existing *AccessToken, minValidity time.Duration) (*AccessToken, error) {
	if existing.StillUsable(minValidity) {
		return existing, nil
	}

	var key *DPoPKey
	var err error
	p.timings.GenerateDPoPKey.Time(func() {
		key, err = GenerateDPoPKey()
	})
	if err != nil {
		return nil, err
	}

	tokenURL := baseURL + ".oidc/token"
	proof, err := key.Proof(http.MethodPost, tokenURL)
	if err != nil {
		return nil, err
	}

	authString := url.QueryEscape(token.ID) + ":" + url.QueryEscape(token.Secret)
	req, err := http.NewRequest(http.MethodPost, tokenURL,
		strings.NewReader("grant_type=client_credentials&scope=webid"))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(authString)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", proof)

	var status int
	var body string
	p.timings.AccessTokenFetch.Time(func() {
		status, body, err = p.roundTrip(ctx, req, "creating access token")
	})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &TokenExchangeError{Account: account, Status: status, Body: body}
	}

	accessToken := gjson.Get(body, "access_token").String()
	expiresIn := gjson.Get(body, "expires_in").Int()
	if accessToken == "" {
		return nil, &TokenExchangeError{Account: account, Status: status, Body: "token response has no access_token"}
	}

	at := &AccessToken{
		Token:   accessToken,
		DPoPKey: key,
		Expire:  timeNow().Add(time.Duration(expiresIn) * time.Second),
	}
	// A server that issues tokens shorter than the requested margin can
	// never satisfy the caller; renewing would loop forever.
	if !at.StillUsable(minValidity) {
		return nil, &InsufficientTokenLifetimeError{
			Account:  account,
			Lifetime: time.Duration(expiresIn) * time.Second,
			Required: minValidity,
		}
	}
	return at, nil
}

// BuildAuthenticatedFetcher wraps base so that every outgoing request
// carries the bearer token and a freshly computed per-request DPoP proof.
// It has no side effects on cached state; callers decide whether to reuse
// or rebuild.
func (p *Protocol) BuildAuthenticatedFetcher(base httpc.Fetcher, at *AccessToken) httpc.Fetcher {
	var fetcher httpc.Fetcher
	p.timings.BuildFetcher.Time(func() {
		fetcher = httpc.FetcherFunc(func(req *http.Request) (*http.Response, error) {
			proof, err := at.DPoPKey.Proof(req.Method, req.URL.String())
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "DPoP "+at.Token)
			req.Header.Set("DPoP", proof)
			return base.Do(req)
		})
	})
	return fetcher
}

// doJSON performs one bounded JSON request and returns status and body.
func (p *Protocol) doJSON(ctx context.Context, method, target string, payload interface{}, op string) (int, string, error) {
	return p.doJSONWithHeaders(ctx, method, target, payload, nil, op)
}

func (p *Protocol) doJSONWithHeaders(ctx context.Context, method, target string, payload interface{}, headers map[string]string, op string) (int, string, error) {
	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, "", err
		}
		bodyReader = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequest(method, target, bodyReader)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return p.roundTrip(ctx, req, op)
}

// roundTrip executes the request under the exchange deadline and fully
// reads the response body.
func (p *Protocol) roundTrip(ctx context.Context, req *http.Request, op string) (int, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	resp, err := p.fetcher.Do(req.WithContext(callCtx))
	if err != nil {
		if IsTimeout(err) {
			return 0, "", &TimeoutError{Op: op, Limit: exchangeTimeout, Err: err}
		}
		return 0, "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if IsTimeout(err) {
			return 0, "", &TimeoutError{Op: op, Limit: exchangeTimeout, Err: err}
		}
		return 0, "", fmt.Errorf("%s: reading response: %w", op, err)
	}
	return resp.StatusCode, string(body), nil
}
