// Package main is the entry point for the mTLS sidecar proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Process exit codes.
const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

const (
	envConfigPath = "SIDECAR_CONFIG"
	envLogLevel   = "SIDECAR_LOG_LEVEL"
	envLogFormat  = "SIDECAR_LOG_FORMAT"

	defaultConfigPath = "examples/proxy.yaml"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath string
	logLevel   string
	logFormat  string

	// logLevelSet and logFormatSet report an explicit flag or environment
	// value, which takes precedence over the configuration file.
	logLevelSet  bool
	logFormatSet bool
}

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func startupError(err error) error {
	return &exitError{code: exitStartup, err: err}
}

func runtimeError(err error) error {
	return &exitError{code: exitRuntime, err: err}
}

// exitCode maps a command error to a process exit code. Errors that do not
// carry a code, such as flag parsing errors, are startup failures.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitStartup
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return exitCode(err)
}

func newRootCommand() *cobra.Command {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:   "avasidecar",
		Short: "Zero-trust mTLS sidecar proxy",
		Long: `avasidecar terminates mutual TLS from clients, verifies their certificates
against a trusted CA and forwards each connection over a fresh mutual TLS
session to a single upstream. HTTP/2 streams are forwarded individually,
other traffic is relayed byte for byte.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			flags.resolve(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSidecar(cmd.Context(), flags)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", getEnvOrDefault(envConfigPath, defaultConfigPath),
		"Path to configuration file (env "+envConfigPath+")")
	pf.StringVar(&flags.logLevel, "log-level", getEnvOrDefault(envLogLevel, "info"),
		"Log level: debug, info, warn, error (env "+envLogLevel+")")
	pf.StringVar(&flags.logFormat, "log-format", getEnvOrDefault(envLogFormat, "json"),
		"Log format: json, console (env "+envLogFormat+")")

	cmd.AddCommand(newValidateCommand(flags), newVersionCommand())
	return cmd
}

// resolve records which logging settings were given explicitly.
func (f *cliFlags) resolve(fs *pflag.FlagSet) {
	f.logLevelSet = fs.Changed("log-level") || os.Getenv(envLogLevel) != ""
	f.logFormatSet = fs.Changed("log-format") || os.Getenv(envLogFormat) != ""
}

func newValidateCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and certificates, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd.OutOrStdout(), flags)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "avasidecar version %s\n", version)
	fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}
