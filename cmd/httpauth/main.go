package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/torosent/httpauth/internal/auth"
	"github.com/torosent/httpauth/internal/config"
	"github.com/torosent/httpauth/internal/el"
	"github.com/torosent/httpauth/internal/lanes"
	"github.com/torosent/httpauth/internal/node"
	"github.com/torosent/httpauth/internal/resource"
	"github.com/torosent/httpauth/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "httpauth",
		Short:         "Authenticate credentials against a remote HTTP endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	config.RegisterFlags(root)
	root.AddCommand(newProbeCommand(), newServeCommand())
	return root
}

// environment is everything a command needs to authenticate.
type environment struct {
	logger    *slog.Logger
	node      node.Node
	lanes     *lanes.Runtime
	evaluator *el.TemplateEvaluator
	provider  *resource.HTTPProvider
	tracing   *tracing.Provider
}

// setup loads the configuration named by the shared flags and starts the
// provider. The caller must Close the environment.
func setup(cmd *cobra.Command, extra ...resource.Option) (*environment, error) {
	opts, err := config.OptionsFromFlags(cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: opts.LogLevel}))

	res, err := config.LoadResource(opts.ResourcePath)
	if err != nil {
		return nil, err
	}
	props, err := config.NewProperties(opts.NodeConfigPath)
	if err != nil {
		return nil, err
	}
	nodeCfg, err := config.LoadNode(props)
	if err != nil {
		return nil, err
	}
	evaluator, err := el.NewTemplateEvaluator(0)
	if err != nil {
		return nil, err
	}

	ctx := cmd.Context()
	tp, err := tracing.Init(ctx, nodeCfg)
	if err != nil {
		return nil, err
	}

	env := &environment{
		logger:    logger,
		node:      node.New(nodeCfg),
		lanes:     lanes.New(opts.Lanes, logger),
		evaluator: evaluator,
		tracing:   tp,
	}
	providerOpts := []resource.Option{
		resource.WithLogger(logger),
		resource.WithProperties(props),
		resource.WithNode(env.node),
		resource.WithTracing(tp),
	}
	env.provider = resource.NewHTTPProvider(res, append(providerOpts, extra...)...)
	if err := env.provider.Start(ctx); err != nil {
		_ = env.Close()
		return nil, err
	}
	return env, nil
}

// authenticate runs one authentication on lane and waits for its result.
func (e *environment) authenticate(ctx context.Context, lane *lanes.Lane, username, password string) (auth.Result, error) {
	if err := ctx.Err(); err != nil {
		return auth.Unauthenticated(), err
	}
	done := make(chan auth.Result, 1)
	err := lane.Submit(func(context.Context) {
		ec := auth.NewExecutionContext(lanes.NewContext(ctx, lane), el.NewEngine(e.evaluator))
		e.provider.Authenticate(username, password, ec, func(res auth.Result) {
			done <- res
		})
	})
	if err != nil {
		return auth.Unauthenticated(), err
	}
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return auth.Unauthenticated(), ctx.Err()
	}
}

// Close stops the provider, drains the lanes and flushes spans.
func (e *environment) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if e.provider != nil {
		errs = append(errs, e.provider.Stop(ctx))
	}
	if e.lanes != nil {
		errs = append(errs, e.lanes.Close(ctx))
	}
	if e.tracing != nil {
		errs = append(errs, e.tracing.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
