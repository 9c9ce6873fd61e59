package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-play/pkg/config"
	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/policy"
	"github.com/openfroyo/froyo-play/pkg/report"
	"github.com/openfroyo/froyo-play/pkg/resources"
	"github.com/openfroyo/froyo-play/pkg/telemetry"
)

type runOptions struct {
	inventory     string
	vaultFile     string
	vaultPassword string
	tags          []string
	limit         []string
	check         bool
	parallel      int
	jsonOut       bool
	reportOut     string
	reportS3      string
	policyDirs    []string
	metricsAddr   string
	traceExporter string
	otlpEndpoint  string
	noRecord      bool
	conn          connectorOptions
}

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run PLAN",
		Short: "Apply a plan to an inventory",
		Long: `Apply a plan to the hosts of an inventory.

For every host the plays run in order and every task:
  - evaluates its guard and is skipped when it is false
  - checks the host and records unchanged when it already converged
  - otherwise applies the correction and records changed
  - retries failed corrections when the task has a retry policy

A fatal failure stops that host only. Other hosts run to completion.
The exit code is 0 when no host failed, 1 otherwise and 2 when the plan
is invalid or denied by policy.`,
		Example: `  # Apply a plan
  froyo-play run site.yml -i hosts.yml

  # Report drift without changing anything
  froyo-play run site.yml -i hosts.yml --check

  # Only tagged tasks on two hosts, with vault secrets
  froyo-play run site.yml -i hosts.yml --tags nginx --limit web1,web2 \
      --vault secrets.vault --vault-password-file ~/.froyo-pass

  # Stream NDJSON and archive the report
  froyo-play run site.yml -i hosts.yml --json --report-s3 s3://reports/site`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.inventory, "inventory", "i", "", "inventory file")
	f.StringVar(&opts.vaultFile, "vault", "", "vault file with secrets")
	f.StringVar(&opts.vaultPassword, "vault-password-file", "", "file holding the vault password (FROYO_VAULT_PASSWORD)")
	f.StringSliceVar(&opts.tags, "tags", nil, "only run tasks with one of these tags")
	f.StringSliceVar(&opts.limit, "limit", nil, "only run on these hosts")
	f.BoolVar(&opts.check, "check", false, "report drift without applying changes")
	f.IntVar(&opts.parallel, "parallel", 10, "maximum hosts worked on at once")
	f.BoolVar(&opts.jsonOut, "json", false, "stream NDJSON events to stdout")
	f.StringVar(&opts.reportOut, "report-out", "", "write the JSON report to this file")
	f.StringVar(&opts.reportS3, "report-s3", "", "archive the JSON report to s3://bucket/prefix")
	f.StringSliceVar(&opts.policyDirs, "policy", nil, "extra Rego policy files or directories")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	f.StringVar(&opts.traceExporter, "trace", "none", "trace exporter (none, stdout, otlp)")
	f.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP collector address for --trace otlp")
	f.BoolVar(&opts.noRecord, "no-record", false, "do not write the run log")
	f.StringVar(&opts.conn.DefaultUser, "user", "", "default SSH user")
	f.StringVar(&opts.conn.KnownHostsPath, "known-hosts", "", "known_hosts file")
	f.BoolVar(&opts.conn.NoHostKeyCheck, "no-host-key-check", false, "accept unknown SSH host keys")
	_ = cmd.MarkFlagRequired("inventory")

	return cmd
}

func runPlan(cmd *cobra.Command, planPath string, opts runOptions) error {
	ctx := cmd.Context()
	logger := log.Logger
	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()

	inv, err := config.LoadInventory(opts.inventory)
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}
	checkers := resources.NewRegistry()
	plan, err := loadPlanChecked(stderr, planPath, inv, checkers)
	if err != nil {
		return err
	}

	secrets, err := loadSecrets(opts.vaultFile, opts.vaultPassword)
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}

	gate, err := policy.NewEngine(logger)
	if err != nil {
		return err
	}
	if len(opts.policyDirs) > 0 {
		if err := gate.LoadPolicies(ctx, opts.policyDirs); err != nil {
			return &ExitError{Code: 2, Err: err}
		}
	}
	verdict, err := gate.EvaluatePlan(ctx, plan, opts.check)
	if err != nil {
		return err
	}
	for _, w := range verdict.Warnings {
		logger.Warn().Str("policy", w.Policy).Str("task", w.Task).Msg(w.Message)
	}
	if err := verdict.Err(); err != nil {
		for _, v := range verdict.Violations {
			fmt.Fprintf(stderr, "policy %s: %s\n", v.Policy, v.Message)
		}
		return &ExitError{Code: 2, Err: err, Reported: true}
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.Logging.Level = globalLevelName()
	tcfg.Logging.Format = logFormat
	tcfg.Metrics.ListenAddress = opts.metricsAddr
	if opts.traceExporter != "none" {
		tcfg.Tracing.Enabled = true
		tcfg.Tracing.Exporter = opts.traceExporter
		tcfg.Tracing.Endpoint = opts.otlpEndpoint
		tcfg.Tracing.Output = stderr
	}
	tel, err := telemetry.New(tcfg)
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}
	defer func() {
		if err := tel.Shutdown(ctx); err != nil {
			logger.Debug().Err(err).Msg("Telemetry shutdown")
		}
	}()
	logger = tel.Logger.Zerolog()
	if _, err := tel.Metrics.Serve(ctx, logger); err != nil {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}

	var observers []engine.Observer
	if opts.jsonOut {
		observers = append(observers, report.NewStream(stdout, logger))
	} else {
		observers = append(observers, report.NewPrinter(stdout))
	}
	observers = append(observers, tel.Metrics)

	var facts *engine.FactStore
	if !opts.noRecord {
		store, err := openStore(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("failed to open run log: %w", err)
		}
		defer store.Close()
		observers = append(observers, engine.NewStoreRecorder(store, planPath, logger))
		facts = engine.NewFactStore(store, logger)
	} else {
		facts = engine.NewFactStore(nil, logger)
	}

	redactor := engine.NewRedactor()
	runner := engine.NewRunner(
		engine.RunnerConfig{
			MaxParallel: opts.parallel,
			Tags:        opts.tags,
			Limit:       opts.limit,
			CheckMode:   opts.check,
			Secrets:     secrets,
		},
		checkers,
		newConnector(opts.conn, componentLogger(logger, "connector")),
		logger,
		engine.WithFactStore(facts),
		engine.WithRedactor(redactor),
		engine.WithVarsEvaluator(config.NewStarlarkEvaluator(30*time.Second, logger).WithRedactor(redactor)),
		engine.WithObservers(observers...),
		engine.WithTracer(tel.Tracer.Tracer()),
	)

	rep, err := runner.Run(ctx, plan, inv)
	if err != nil {
		if engine.IsKind(err, engine.ErrorKindPlanInvalid) {
			return &ExitError{Code: 2, Err: err}
		}
		return err
	}

	tel.Logger.WithRunID(rep.RunID).Infof("Run %s: %d host(s)", rep.Status(), rep.Summary().Hosts)

	if opts.reportOut != "" {
		if err := report.WriteFile(opts.reportOut, rep); err != nil {
			logger.Error().Err(err).Msg("Failed to write report")
		}
	}
	if opts.reportS3 != "" {
		if err := archiveReport(cmd, opts.reportS3, rep, logger); err != nil {
			logger.Error().Err(err).Msg("Failed to archive report")
		}
	}

	if code := rep.ExitCode(); code != 0 {
		return &ExitError{Code: code, Err: fmt.Errorf("run %s %s", rep.RunID, rep.Status()), Reported: true}
	}
	return nil
}

func archiveReport(cmd *cobra.Command, url string, rep *engine.RunReport, logger zerolog.Logger) error {
	cfg, err := report.ParseS3URL(url)
	if err != nil {
		return err
	}
	sink, err := report.NewS3Sink(cfg, logger)
	if err != nil {
		return err
	}
	_, err = sink.Upload(cmd.Context(), rep)
	return err
}

// globalLevelName returns the global log level as a telemetry level name.
func globalLevelName() string {
	name := zerolog.GlobalLevel().String()
	switch name {
	case "trace", "debug", "info", "warn", "error":
		return name
	default:
		return "info"
	}
}
