package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-play/pkg/telemetry"
)

var (
	// Global flags
	logLevel  string
	logFormat string
	dbPath    string
)

// ExitError carries a process exit code. Reported errors were already
// shown to the user and are not logged again.
type ExitError struct {
	Code     int
	Err      error
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return 1
}

// IsReported reports whether err was already printed.
func IsReported(err error) bool {
	var exit *ExitError
	return errors.As(err, &exit) && exit.Reported
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo-play",
		Short: "froyo-play - idempotent host provisioning",
		Long: `froyo-play applies declarative plans to inventories of hosts.

Every task checks the host first and only acts when the observed state
differs from the desired state, so running a plan twice changes nothing
the second time.

Features:
  - YAML or CUE plans with JSON Schema validation
  - file, package, service, firewall, shell and wait resources
  - guards over facts and registered results
  - retries, per-task failure policy and host isolation
  - encrypted vault values, Rego policy gate, run history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error); defaults to LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "run log database path (FROYO_DB)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newSchemaCommand())
	rootCmd.AddCommand(newVaultCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}

func configureLogging(cmd *cobra.Command) error {
	if logLevel == "" && logFormat == "console" {
		return nil
	}
	cfg := telemetry.LoggingConfig{Level: logLevel, Format: logFormat}
	if cfg.Level == "" {
		cfg.Level = os.Getenv("LOG_LEVEL")
	}
	if cfg.Format != "console" && cfg.Format != "json" {
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	logger := telemetry.NewLoggerTo(cmd.ErrOrStderr(), cfg, nil)
	log.Logger = logger.Zerolog()
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Level))
	return nil
}

func defaultDBPath() string {
	if p := os.Getenv("FROYO_DB"); p != "" {
		return p
	}
	return filepath.Join(".froyo", "runs.db")
}
