package config

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// CLIOptions holds the settings shared by every httpauth command.
type CLIOptions struct {
	ResourcePath   string
	NodeConfigPath string
	Lanes          int
	LogLevel       slog.Level
}

// RegisterFlags registers the shared flags as persistent flags of cmd.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.PersistentFlags())
}

// configureFlags sets up the shared CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	flags.StringP("resource", "r", "", "Path to the resource definition (YAML or JSON)")
	flags.String("node-config", "", "Path to the node properties file (system.proxy.*, node.*, tracing.*)")
	flags.Int("lanes", runtime.NumCPU(), "Number of execution lanes")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
}

// OptionsFromFlags reads the shared flags back from a parsed flag set.
func OptionsFromFlags(fs *pflag.FlagSet) (CLIOptions, error) {
	var opts CLIOptions
	var err error

	if opts.ResourcePath, err = fs.GetString("resource"); err != nil {
		return opts, err
	}
	opts.ResourcePath = strings.TrimSpace(opts.ResourcePath)
	if opts.ResourcePath == "" {
		return opts, errors.New("--resource is required")
	}

	if opts.NodeConfigPath, err = fs.GetString("node-config"); err != nil {
		return opts, err
	}

	if opts.Lanes, err = fs.GetInt("lanes"); err != nil {
		return opts, err
	}
	if opts.Lanes <= 0 {
		return opts, fmt.Errorf("--lanes must be > 0, got %d", opts.Lanes)
	}

	level, err := fs.GetString("log-level")
	if err != nil {
		return opts, err
	}
	if err := opts.LogLevel.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return opts, fmt.Errorf("--log-level: %w", err)
	}
	return opts, nil
}
