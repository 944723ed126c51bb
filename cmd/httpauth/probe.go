package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/torosent/httpauth/internal/config"
	"github.com/torosent/httpauth/internal/feeder"
	"github.com/torosent/httpauth/internal/metrics"
	"github.com/torosent/httpauth/internal/output"
	"github.com/torosent/httpauth/internal/resource"
	"github.com/torosent/httpauth/internal/runner"
	"github.com/torosent/httpauth/internal/threshold"
)

// passwordEnv is read when --password is not given.
const passwordEnv = config.EnvPrefix + "_PASSWORD"

var errUnauthenticated = errors.New("unauthenticated")

type probeOptions struct {
	username    string
	password    string
	credentials string
	count       int
	concurrency int
	rate        int
	duration    time.Duration
	jsonOutput  bool
	thresholds  []string

	parsed []threshold.Threshold
	feed   feeder.Feeder
}

func (o *probeOptions) validate() error {
	o.username = strings.TrimSpace(o.username)
	switch {
	case o.credentials != "" && o.username != "":
		return errors.New("--credentials and --username are mutually exclusive")
	case o.credentials != "":
		list, err := feeder.Load(o.credentials)
		if err != nil {
			return fmt.Errorf("--credentials: %w", err)
		}
		o.feed = list
	case o.username == "":
		return errors.New("--username or --credentials is required")
	default:
		if o.password == "" {
			o.password = os.Getenv(passwordEnv)
		}
		single, err := feeder.Single(o.username, o.password)
		if err != nil {
			return err
		}
		o.feed = single
	}
	if o.count < 0 {
		return fmt.Errorf("--count must be >= 0, got %d", o.count)
	}
	if o.count == 0 && o.duration <= 0 {
		return errors.New("--count 0 requires --duration")
	}
	if o.concurrency <= 0 {
		return fmt.Errorf("--concurrency must be > 0, got %d", o.concurrency)
	}
	if o.rate < 0 {
		return fmt.Errorf("--rate must be >= 0, got %d", o.rate)
	}
	parsed, err := threshold.ParseMultiple(o.thresholds)
	if err != nil {
		return fmt.Errorf("--threshold: %w", err)
	}
	o.parsed = parsed
	return nil
}

func newProbeCommand() *cobra.Command {
	var opts probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Authenticate a username and password and report the outcome",
		Long: "Authenticate a username and password against the configured resource.\n" +
			"With --count or --duration the probe is repeated and latency percentiles are reported.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProbe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.username, "username", "u", "", "Username to authenticate")
	flags.StringVarP(&opts.password, "password", "p", "", "Password to authenticate (defaults to $"+passwordEnv+")")
	flags.StringVar(&opts.credentials, "credentials", "", "CSV, YAML or JSON file of username/password pairs to cycle through")
	flags.IntVarP(&opts.count, "count", "n", 1, "Number of probes (0 runs until --duration elapses)")
	flags.IntVarP(&opts.concurrency, "concurrency", "c", 1, "Number of probes in flight")
	flags.IntVar(&opts.rate, "rate", 0, "Probes per second (0 means unlimited)")
	flags.DurationVarP(&opts.duration, "duration", "d", 0, "Stop probing after this long (0 means no limit)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print the report as JSON")
	flags.StringArrayVar(&opts.thresholds, "threshold", nil, "Assertion on the run, e.g. 'probe_duration:p99 < 250' (repeatable)")
	return cmd
}

func runProbe(cmd *cobra.Command, opts probeOptions) (err error) {
	if err := opts.validate(); err != nil {
		return err
	}

	collector := metrics.NewCollector()
	record := func(outcome metrics.Outcome, latency time.Duration) {
		collector.RecordProbe(latency, outcome)
	}
	env, err := setup(cmd, resource.WithObserver(record))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := env.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	r := runner.New(runner.Options{
		Concurrency:   opts.concurrency,
		Total:         opts.count,
		Duration:      opts.duration,
		RatePerSecond: opts.rate,
		Prober: runner.ProberFunc(func(ctx context.Context) error {
			cred, err := opts.feed.Next(ctx)
			if err != nil {
				return err
			}
			res, err := env.authenticate(ctx, env.lanes.Next(), cred.Username, cred.Password)
			if err != nil {
				return err
			}
			if !res.IsAuthenticated() {
				return fmt.Errorf("%w: %s", errUnauthenticated, cred)
			}
			return nil
		}),
	})

	result := r.Run(cmd.Context())
	stats := collector.Stats(result.Duration)

	checks := threshold.NewEvaluator(opts.parsed).Evaluate(stats)

	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		if err := output.PrintJSONReport(out, stats); err != nil {
			return err
		}
		output.PrintThresholds(cmd.ErrOrStderr(), checks)
	} else {
		output.PrintReport(out, stats)
		output.PrintThresholds(out, checks)
	}

	if len(opts.parsed) > 0 {
		if failed := threshold.Failed(checks); len(failed) > 0 {
			return fmt.Errorf("%d of %d thresholds failed", len(failed), len(checks))
		}
		return nil
	}
	if result.Failures > 0 {
		return fmt.Errorf("%d of %d probes did not authenticate", result.Failures, result.Total)
	}
	return nil
}
