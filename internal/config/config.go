// Package config holds the validated configuration bundle the rest of
// the tool runs on. The CLI layer fills it from flags and an optional
// YAML file; everything below it receives the finished value and never
// parses raw input itself.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Step names, in the fixed canonical execution order.
const (
	StepLoadAC       = "loadAC"
	StepFillAC       = "fillAC"
	StepValidateAC   = "validateAC"
	StepTestRequest  = "testRequest"
	StepTestRequests = "testRequests"
	StepSaveAC       = "saveAC"
	StepFlood        = "flood"
)

// AllSteps lists every step in canonical order. Whatever subset and
// order the user requests, execution follows this order: a cache cannot
// be validated before it is filled, nor saved before it exists.
var AllSteps = []string{
	StepLoadAC,
	StepFillAC,
	StepValidateAC,
	StepTestRequest,
	StepTestRequests,
	StepSaveAC,
	StepFlood,
}

// Config is the full configuration of one run. JSON tags are the wire
// shape used when a controller hands the configuration to its worker
// processes; YAML tags are the config-file shape.
type Config struct {
	BaseURL    string   `json:"cssBaseUrl" yaml:"url"`
	Steps      []string `json:"steps" yaml:"steps"`
	ReportFile string   `json:"reportFile" yaml:"reportFile"`

	DurationS    int `json:"durationS" yaml:"duration"`
	FetchCount   int `json:"fetchCount" yaml:"fetchCount"`
	Parallel     int `json:"parallel" yaml:"parallel"`
	ProcessCount int `json:"processCount" yaml:"processCount"`
	UserCount    int `json:"userCount" yaml:"userCount"`

	FetchTimeoutMs        int    `json:"fetchTimeoutMs" yaml:"fetchTimeoutMs"`
	Filename              string `json:"podFilename" yaml:"filename"`
	FilenameIndexing      bool   `json:"filenameIndexing" yaml:"filenameIndexing"`
	FilenameIndexingStart int    `json:"filenameIndexingStart" yaml:"filenameIndexingStart"`
	UploadSizeByte        int    `json:"uploadSizeByte" yaml:"uploadSizeByte"`
	Verb                  string `json:"httpVerb" yaml:"verb"`
	Scenario              string `json:"scenario" yaml:"scenario"`

	Authenticate          bool   `json:"authenticate" yaml:"authenticate"`
	AuthenticateCache     string `json:"authenticateCache" yaml:"authenticateCache"`
	AuthCacheFile         string `json:"authCacheFile" yaml:"authCacheFile"`
	EnsureAuthExpirationS int    `json:"ensureAuthExpirationS" yaml:"ensureAuthExpiration"`
}

// Default returns the configuration with all defaults filled in.
func Default() Config {
	return Config{
		Steps:                 []string{StepFlood},
		FetchCount:            10,
		Parallel:              10,
		ProcessCount:          1,
		UserCount:             10,
		FetchTimeoutMs:        4000,
		Filename:              "10.rnd",
		UploadSizeByte:        10,
		Verb:                  http.MethodGet,
		Scenario:              "BASIC",
		AuthenticateCache:     "all",
		EnsureAuthExpirationS: 90,
	}
}

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var allVerbs = []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete}

var allScenarios = []string{"BASIC", "NO_CONTENT_TRANSLATION", "CONTENT_TRANSLATION"}

var allGranularities = []string{"none", "token", "all"}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Validate checks the configuration and normalizes it: the base URL
// gets its trailing slash and the requested steps are sorted into
// canonical order.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ValidationError{Field: "url", Message: "base URL is required"}
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}

	for _, step := range c.Steps {
		if !contains(AllSteps, step) {
			return ValidationError{Field: "steps", Message: fmt.Sprintf("%q is not a known step", step)}
		}
	}
	c.Steps = SortSteps(c.Steps)

	if !contains(allVerbs, c.Verb) {
		return ValidationError{Field: "verb", Message: fmt.Sprintf("%q is not one of %s", c.Verb, strings.Join(allVerbs, "/"))}
	}
	if !contains(allScenarios, c.Scenario) {
		return ValidationError{Field: "scenario", Message: fmt.Sprintf("%q is not a known scenario", c.Scenario)}
	}
	if c.Scenario != "BASIC" && c.Verb != http.MethodGet {
		return ValidationError{Field: "scenario", Message: "content-negotiation scenarios only support GET"}
	}
	if !contains(allGranularities, c.AuthenticateCache) {
		return ValidationError{Field: "authenticateCache", Message: fmt.Sprintf("%q is not one of none/token/all", c.AuthenticateCache)}
	}

	if c.UserCount < 1 {
		return ValidationError{Field: "userCount", Message: "must be at least 1"}
	}
	if c.Parallel < 1 {
		return ValidationError{Field: "parallel", Message: "must be at least 1"}
	}
	if c.ProcessCount < 1 {
		return ValidationError{Field: "processCount", Message: "must be at least 1"}
	}
	if c.Parallel < c.ProcessCount {
		return ValidationError{Field: "parallel", Message: "must be at least processCount, so every worker process gets a parallel share"}
	}
	if c.DurationS < 0 {
		return ValidationError{Field: "duration", Message: "must not be negative"}
	}
	if c.DurationS == 0 && c.FetchCount < 1 {
		return ValidationError{Field: "fetchCount", Message: "must be at least 1 when no duration is set"}
	}
	if c.FetchTimeoutMs < 1 {
		return ValidationError{Field: "fetchTimeoutMs", Message: "must be at least 1"}
	}
	if c.UploadSizeByte < 0 {
		return ValidationError{Field: "uploadSizeByte", Message: "must not be negative"}
	}
	if c.EnsureAuthExpirationS < 0 {
		return ValidationError{Field: "ensureAuthExpiration", Message: "must not be negative"}
	}
	return nil
}

// SortSteps returns the requested steps sorted into canonical order,
// with duplicates removed.
func SortSteps(requested []string) []string {
	sorted := make([]string, 0, len(requested))
	for _, step := range AllSteps {
		if contains(requested, step) {
			sorted = append(sorted, step)
		}
	}
	return sorted
}

// HasStep reports whether the configuration includes the given step.
func (c *Config) HasStep(step string) bool {
	return contains(c.Steps, step)
}

// FetchTimeout returns the per-fetch timeout as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMs) * time.Millisecond
}

// Duration returns the run duration, zero meaning fixed-count mode.
func (c *Config) Duration() time.Duration {
	return time.Duration(c.DurationS) * time.Second
}

// EnsureAuthExpiration returns the minimum remaining token validity.
func (c *Config) EnsureAuthExpiration() time.Duration {
	return time.Duration(c.EnsureAuthExpirationS) * time.Second
}
