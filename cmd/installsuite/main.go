package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/alexandremahdhaoui/installsuite/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/installsuite/internal/util/httputil"
	"github.com/alexandremahdhaoui/installsuite/internal/util/logging"
	"github.com/alexandremahdhaoui/installsuite/pkg/metrics"
	"github.com/alexandremahdhaoui/installsuite/pkg/reporting"
	"github.com/alexandremahdhaoui/installsuite/pkg/scenario"
	"github.com/alexandremahdhaoui/installsuite/pkg/suite"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Name = "installsuite"

	defaultFormats = "text,json,junit"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// Exit codes
const (
	exitSuccess = 0 // Operation successful
	exitError   = 1 // Command execution error (including test failures)
)

var errUnknownFormat = errors.New("unknown report format")

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

func run(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitError
	}

	command, args := args[0], args[1:]
	switch command {
	case "run":
		return cmdRun(args, stdout, stderr, getenv)

	case "list-scenarios":
		if err := cmdListScenarios(args, stdout, stderr, getenv); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		return exitSuccess

	case "validate":
		return cmdValidate(args, stdout, stderr, getenv)

	case "version":
		_, _ = fmt.Fprintf(stdout, "%s version %s (%s) %s\n", Name, Version, CommitSHA, BuildTimestamp)
		return exitSuccess

	case "-h", "--help", "help":
		printUsage(stdout)
		return exitSuccess

	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown command '%s'\n", command)
		printUsage(stderr)
		return exitError
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `Usage: %[1]s [command] [options]

Commands:
  run [--format text,json,junit] [--verbose] <scenario-path>...
      Install and verify each scenario on fresh libvirt machines

  list-scenarios [--dir <scenarios-dir>] [--format json|text]
      List all available test scenarios

  validate <scenario-path>...
      Load and validate scenarios without running them

  version
      Print the version

  help
      Show this help message

Environment Variables:
  %[2]s      Config file (YAML or JSON)
  %[3]s     Override scenario directory (default: %[4]s)
  %[5]s     Override artifact directory (default: %[6]s)
  %[7]s         Override work directory (default: %[8]s)
  %[9]s    Installer live image
  %[10]s           SSH private key (generated per run when unset)
  %[11]s         debug, info, warn or error

Exit Codes:
  0  Success (every scenario passed)
  1  Error (invalid arguments or config, scenario failures, etc.)
`,
		Name,
		ConfigPathEnvKey,
		envScenarioDir, scenario.DefaultScenarioPath(),
		envArtifactDir, defaultArtifactDir,
		envWorkDir, defaultWorkDir,
		envInstallerISO,
		envSSHKey,
		envLogLevel,
	)
}

// ------------------------------------------------- Run ------------------------------------------------------------ //

// cmdRun installs and verifies each scenario in turn.
// Returns exit code: 0=every scenario passed, 1=error
func cmdRun(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	formatList := fs.String("format", defaultFormats, "Comma separated report formats: text, json, junit")
	verbose := fs.Bool("verbose", false, "Log at debug level in text format")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	paths := fs.Args()
	if len(paths) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: 'run' requires at least one <scenario-path>\n")
		return exitError
	}

	formats, err := parseFormats(*formatList)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	// --------------------------------------------- Config --------------------------------------------------------- //

	config, err := loadConfig(getenv)
	if err == nil {
		err = config.Validate()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: loading configuration: %v\n", err)
		return exitError
	}

	log := setupLogging(config, *verbose, stderr)

	scenarios, errs := scenario.NewLoader(config.ScenarioDir).LoadMultiple(paths)
	if len(errs) > 0 {
		for _, err := range errs {
			log.Error(err, "loading scenario")
		}
		return exitError
	}

	// --------------------------------------------- Graceful Shutdown ---------------------------------------------- //

	exitCode := exitSuccess
	gs := gracefulshutdown.New(Name, gracefulshutdown.WithExit(func(code int) { exitCode = code }))

	// --------------------------------------------- Environment ---------------------------------------------------- //

	env, err := newEnvironment(config, log)
	if err != nil {
		log.Error(err, "setting up libvirt environment")
		gs.Shutdown(exitError)
		return exitCode
	}
	gs.OnShutdown("close libvirt connection", func(context.Context) error { return env.Close() })

	// --------------------------------------------- Metrics -------------------------------------------------------- //

	recorders := make([]*metrics.Metrics, 0, len(scenarios))
	gatherers := make(prometheus.Gatherers, 0, len(scenarios))
	for _, s := range scenarios {
		m := metrics.New(s.Name)
		recorders = append(recorders, m)
		gatherers = append(gatherers, m.Registry())
	}

	if config.Metrics.Port != 0 {
		log.Info("serving metrics", "port", config.Metrics.Port, "path", config.Metrics.Path)
		httputil.Serve("metrics", setupMetricsServer(config, gatherers), gs)
	}

	// --------------------------------------------- Scenarios ------------------------------------------------------ //

	code := exitSuccess
	reporter := reporting.NewReporter(config.ArtifactDir)
	done := make(chan struct{})

	gs.Go(func(ctx context.Context) {
		defer close(done)

		for i, s := range scenarios {
			if ctx.Err() != nil {
				code = exitError
				return
			}

			result, err := runScenario(ctx, env, s, recorders[i], log)
			if result != nil {
				recorders[i].ObserveRun(result)
				publish(config, reporter, formats, recorders[i], result, stdout, log)
			}
			if err != nil {
				log.Error(err, "scenario failed", "scenario", s.Name)
				code = exitError
			}
		}
	})

	<-done
	gs.Shutdown(code)
	return exitCode
}

// runScenario installs s on fresh machines and verifies the result.
func runScenario(
	ctx context.Context,
	env *environment,
	s *scenario.Scenario,
	m *metrics.Metrics,
	log logr.Logger,
) (*reporting.Result, error) {
	log = log.WithValues("scenario", s.Name)
	cleanupCtx := context.WithoutCancel(ctx)

	p, err := env.prepare(ctx, s)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.cleanup(cleanupCtx); err != nil {
			log.Error(err, "cleaning up scenario")
		}
	}()

	state, err := suite.NewState(ctx, p.factory)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := state.Close(cleanupCtx); err != nil {
			log.Error(err, "releasing machine")
		}
	}()

	info := reporting.ScenarioInfo{Name: s.Name, Description: s.Description, Tags: s.Tags}
	return suite.NewRunner(log, suite.WithObserver(m)).Run(ctx, state, info, suite.Plan(s))
}

// publish writes the reports and the metrics textfile of a finished run.
func publish(
	config *Config,
	reporter *reporting.Reporter,
	formats []reporting.ReportFormat,
	m *metrics.Metrics,
	result *reporting.Result,
	stdout io.Writer,
	log logr.Logger,
) {
	for _, format := range formats {
		if err := reporter.WriteReport(result, format); err != nil {
			log.Error(err, "writing report", "format", format)
		}
	}

	if config.Metrics.TextfileDir != "" {
		path := filepath.Join(config.Metrics.TextfileDir, textfileName(result.Scenario.Name))
		if err := m.WriteTextfile(path); err != nil {
			log.Error(err, "writing metrics textfile", "path", path)
		}
	}

	if err := reporter.PrintSummary(stdout, result); err != nil {
		log.Error(err, "printing summary")
	}
}

// textfileName returns a node-exporter textfile name for a scenario.
func textfileName(scenarioName string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, scenarioName)
	return fmt.Sprintf("%s_%s.prom", Name, name)
}

func parseFormats(list string) ([]reporting.ReportFormat, error) {
	var formats []reporting.ReportFormat
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}

		format := reporting.ReportFormat(f)
		if !slices.Contains(reporting.Formats(), format) {
			return nil, errors.Join(fmt.Errorf("format=%q", f), errUnknownFormat)
		}
		formats = append(formats, format)
	}
	return formats, nil
}

func setupLogging(config *Config, verbose bool, out io.Writer) logr.Logger {
	opts := logging.DefaultOptions()
	opts.Output = out
	opts.Development = config.Log.Development
	opts.Level, _ = logging.ParseLevel(config.Log.Level) // validated by Config.Validate
	if verbose {
		opts.Development = true
		opts.Level = slog.LevelDebug
	}
	return logging.Setup(opts)
}

// setupMetricsServer creates an HTTP server for Prometheus metrics.
func setupMetricsServer(config *Config, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(config.Metrics.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &http.Server{ //nolint:exhaustruct
		Addr:    fmt.Sprintf(":%d", config.Metrics.Port),
		Handler: mux,
	}
}

// ------------------------------------------------- List ----------------------------------------------------------- //

// scenarioInfo holds scenario metadata for listing
type scenarioInfo struct {
	File        string   `json:"file"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// cmdListScenarios lists all available test scenarios
func cmdListScenarios(args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("list-scenarios", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "", "Scenario directory")
	format := fs.String("format", "text", "Output format: json or text")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *format != "json" && *format != "text" {
		return fmt.Errorf("invalid format '%s', must be 'json' or 'text'", *format)
	}

	scenarioDir := *dir
	if scenarioDir == "" {
		config, err := loadConfig(getenv)
		if err != nil {
			return err
		}
		scenarioDir = config.ScenarioDir
	}

	loader := scenario.NewLoader(scenarioDir)
	files, err := loader.List()
	if err != nil {
		return err
	}

	scenarios := make([]scenarioInfo, 0, len(files))
	for _, path := range files {
		file := filepath.Base(path)
		s, err := loader.Load(file)
		if err != nil {
			// Skip invalid scenarios
			_, _ = fmt.Fprintf(stderr, "Warning: failed to load %s: %v\n", file, err)
			continue
		}
		scenarios = append(scenarios, scenarioInfo{
			File:        file,
			Name:        s.Name,
			Description: s.Description,
			Tags:        s.Tags,
		})
	}

	if *format == "json" {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(scenarios)
	}

	if len(scenarios) == 0 {
		_, _ = fmt.Fprintln(stdout, "No scenarios found")
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tNAME\tTAGS\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "----\t----\t----\t-----------")
	for _, s := range scenarios {
		tags := ""
		if len(s.Tags) > 0 {
			tags = strings.Join(s.Tags, ",")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.File, s.Name, tags, truncate(s.Description, 60))
	}
	return w.Flush()
}

// truncate returns the first line of s, cut to max runes.
func truncate(s string, max int) string {
	s, _, _ = strings.Cut(s, "\n")
	if r := []rune(s); len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}

// ------------------------------------------------- Validate ------------------------------------------------------- //

// cmdValidate loads each scenario and prints its plan.
// Returns exit code: 0=every scenario is valid, 1=error
func cmdValidate(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: 'validate' requires at least one <scenario-path>\n")
		return exitError
	}

	config, err := loadConfig(getenv)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: loading configuration: %v\n", err)
		return exitError
	}

	loader := scenario.NewLoader(config.ScenarioDir)
	code := exitSuccess
	for _, path := range args {
		s, err := loader.Load(path)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "❌ %s: %v\n", path, err)
			code = exitError
			continue
		}

		_, _ = fmt.Fprintf(stdout, "✅ %s (%s)\n", path, s.Name)
		for i, name := range suite.PhaseNames(suite.Plan(s)) {
			_, _ = fmt.Fprintf(stdout, "  %2d. %s\n", i+1, name)
		}
	}
	return code
}
