// Package cli wires the command line to the step pipeline: it parses
// flags and an optional YAML config file into a config.Config, then runs
// the steps locally or through a multi-process controller.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/SolidLabResearch/css-flood/internal/config"
	"github.com/SolidLabResearch/css-flood/internal/log"
)

var version = "1.0.0"

const longHelp = `css-flood generates load on a Community Solid Server by fetching pod
files for many users, optionally authenticated with DPoP access tokens.

It performs one or more steps in a fixed order; --steps selects which
steps run. Most steps manage the "authentication cache", which is only
used when --authenticate is set. How much that cache caches is
controlled with --authenticateCache, and --authCacheFile selects the
file it is loaded from and saved to.

The steps, always in this order:

- loadAC:       Load the authentication cache from file.
- fillAC:       Authenticate all users, filling the authentication cache.
- validateAC:   Check that all cache entries are still valid. Exits with
                code 3 if at least one entry has expired.
- testRequest:  Do one request for the first user.
- testRequests: Do one request for each user, back-to-back.
- saveAC:       Save the authentication cache to file.
- flood:        Generate load by running many requests in parallel.

Examples:
  --steps 'loadAC,validateAC,flood'
  --steps 'fillAC,saveAC'
  --steps 'loadAC,testRequest,saveAC,flood'`

// rootState carries the flag values of one command invocation.
type rootState struct {
	flags      config.Config
	steps      string
	configFile string
	logLevel   string
	workerMode bool
}

// NewRootCommand builds the css-flood command with fresh flag state.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

func newRoot() (*cobra.Command, *rootState) {
	st := &rootState{flags: config.Default()}

	cmd := &cobra.Command{
		Use:           "css-flood --url <url> [--steps <steps>] ...",
		Short:         "Load generator for Community Solid Servers",
		Long:          longHelp,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetLevel(st.logLevel)
			if st.workerMode {
				return runWorker(cmd.Context())
			}
			cfg, err := st.buildConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), &cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&st.flags.BaseURL, "url", "", "Base URL of the CSS")
	fl.StringVar(&st.steps, "steps", strings.Join(config.Default().Steps, ","),
		"The steps that need to run, as a comma separated list. See below for details.")
	fl.StringVar(&st.flags.ReportFile, "reportFile", "",
		"File to save the JSON report to. If not specified, the report goes to stdout.")

	fl.IntVar(&st.flags.DurationS, "duration", 0,
		"Total duration (in seconds) of the flood. If set, --fetchCount is ignored.")
	fl.IntVar(&st.flags.FetchCount, "fetchCount", st.flags.FetchCount,
		"Number of fetches per user during the flood.")
	fl.IntVar(&st.flags.Parallel, "parallel", st.flags.Parallel,
		"Number of fetches in parallel during the flood.")
	fl.IntVar(&st.flags.ProcessCount, "processCount", st.flags.ProcessCount,
		"Number of client processes to run in parallel. Load is distributed evenly between them.")
	fl.IntVar(&st.flags.UserCount, "userCount", st.flags.UserCount, "Number of users")

	fl.IntVar(&st.flags.FetchTimeoutMs, "fetchTimeoutMs", st.flags.FetchTimeoutMs,
		"How long before aborting a fetch because it takes too long? (in ms)")
	fl.StringVar(&st.flags.Filename, "filename", st.flags.Filename,
		"Remote file to download from the pod, or filename of the file to upload to the pod")
	fl.BoolVar(&st.flags.FilenameIndexing, "filenameIndexing", false,
		"Replace the literal string 'INDEX' in the filename for each fetch, so each fetch uses a unique filename.")
	fl.IntVar(&st.flags.FilenameIndexingStart, "filenameIndexingStart", 0,
		"Set the index that --filenameIndexing starts with")
	fl.IntVar(&st.flags.UploadSizeByte, "uploadSizeByte", st.flags.UploadSizeByte,
		"Number of bytes of (random) data to upload for POST/PUT")
	fl.StringVar(&st.flags.Verb, "verb", st.flags.Verb,
		"HTTP verb to use for the flood: GET/PUT/POST/DELETE")
	fl.StringVar(&st.flags.Scenario, "scenario", st.flags.Scenario,
		"Fetch scenario: BASIC, NO_CONTENT_TRANSLATION or CONTENT_TRANSLATION")

	fl.BoolVar(&st.flags.Authenticate, "authenticate", false,
		"Authenticate as the user owning the target file")
	fl.StringVar(&st.flags.AuthenticateCache, "authenticateCache", st.flags.AuthenticateCache,
		"How much authentication should be cached? All authentication (=all)? Only the CSS user token (=token)? Or nothing (=none)?")
	fl.StringVar(&st.flags.AuthCacheFile, "authCacheFile", "",
		"File to load/save the authentication cache from/to")
	fl.IntVar(&st.flags.EnsureAuthExpirationS, "ensureAuthExpiration", st.flags.EnsureAuthExpirationS,
		"fillAC and validateAC will ensure the cache content is still valid for at least this number of seconds")

	fl.StringVar(&st.configFile, "config", "", "YAML config file; flags override its values")
	fl.StringVar(&st.logLevel, "logLevel", "info", "Log level: debug, info, warn or error")

	fl.BoolVar(&st.workerMode, "worker", false, "")
	fl.MarkHidden("worker")

	return cmd, st
}

// buildConfig layers defaults, the optional config file and explicitly
// set flags, in that order, then validates the result.
func (st *rootState) buildConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if st.configFile != "" {
		if err := config.LoadFile(st.configFile, &cfg); err != nil {
			return cfg, err
		}
	}

	copyField := map[string]func(){
		"url":                   func() { cfg.BaseURL = st.flags.BaseURL },
		"steps":                 func() { cfg.Steps = strings.Split(st.steps, ",") },
		"reportFile":            func() { cfg.ReportFile = st.flags.ReportFile },
		"duration":              func() { cfg.DurationS = st.flags.DurationS },
		"fetchCount":            func() { cfg.FetchCount = st.flags.FetchCount },
		"parallel":              func() { cfg.Parallel = st.flags.Parallel },
		"processCount":          func() { cfg.ProcessCount = st.flags.ProcessCount },
		"userCount":             func() { cfg.UserCount = st.flags.UserCount },
		"fetchTimeoutMs":        func() { cfg.FetchTimeoutMs = st.flags.FetchTimeoutMs },
		"filename":              func() { cfg.Filename = st.flags.Filename },
		"filenameIndexing":      func() { cfg.FilenameIndexing = st.flags.FilenameIndexing },
		"filenameIndexingStart": func() { cfg.FilenameIndexingStart = st.flags.FilenameIndexingStart },
		"uploadSizeByte":        func() { cfg.UploadSizeByte = st.flags.UploadSizeByte },
		"verb":                  func() { cfg.Verb = st.flags.Verb },
		"scenario":              func() { cfg.Scenario = st.flags.Scenario },
		"authenticate":          func() { cfg.Authenticate = st.flags.Authenticate },
		"authenticateCache":     func() { cfg.AuthenticateCache = st.flags.AuthenticateCache },
		"authCacheFile":         func() { cfg.AuthCacheFile = st.flags.AuthCacheFile },
		"ensureAuthExpiration":  func() { cfg.EnsureAuthExpirationS = st.flags.EnsureAuthExpirationS },
	}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if apply, ok := copyField[f.Name]; ok {
			apply()
		}
	})

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Execute runs the command and returns the process exit code.
func Execute(ctx context.Context) int {
	cmd := NewRootCommand()
	cmd.SetContext(ctx)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitCode(err)
	}
	return 0
}
