package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tomyan/rdprun/internal/chrome/launcher"
	"github.com/tomyan/rdprun/internal/logging"
	"github.com/tomyan/rdprun/internal/metrics"
	"github.com/tomyan/rdprun/internal/rdp"
	"github.com/tomyan/rdprun/internal/runner"
)

// Exit codes
const (
	ExitSuccess    = 0
	ExitError      = 1
	ExitConnFailed = 2
	ExitTimeout    = 3 // some tests timed out, none failed
	ExitFailures   = 4
)

// Config holds the CLI configuration.
type Config struct {
	Host           string
	Port           int
	FrontendURL    string
	Jobs           int
	Watchdog       time.Duration
	Output         string // text, json, ndjson
	Filter         string
	Launch         bool
	ChromePath     string
	CloseExisting  bool
	MetricsAddr    string
	LogLevel       string
	LogJSON        bool
	MaxSendRetries int
	Quiet          bool

	Stdout io.Writer
	Stderr io.Writer
}

// DefaultConfig returns the built-in defaults. The config file,
// environment and flags are applied later in run.
func DefaultConfig() *Config {
	return &Config{
		Host:        "localhost",
		Port:        9222,
		FrontendURL: "http://localhost:8090/front_end/inspector.html",
		Jobs:        1,
		Watchdog:    runner.DefaultWatchdog,
		Output:      "text",
		LogLevel:    "warn",
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

func main() {
	cfg := DefaultConfig()
	os.Exit(run(os.Args[1:], cfg))
}

// flagValues stores values parsed from CLI flags before the config file
// and environment get applied.
type flagValues struct {
	host           string
	port           int
	frontend       string
	jobs           int
	watchdog       time.Duration
	output         string
	filter         string
	launch         bool
	chrome         string
	closeExisting  bool
	metricsAddr    string
	logLevel       string
	logJSON        bool
	maxSendRetries int
	quiet          bool
}

func run(args []string, cfg *Config) int {
	var fv flagValues
	fs := flag.NewFlagSet("rdprun", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	fs.StringVar(&fv.host, "host", cfg.Host, "Browser debug host (env: RDPRUN_HOST)")
	fs.IntVar(&fv.port, "port", cfg.Port, "Browser debug port (env: RDPRUN_PORT)")
	fs.StringVar(&fv.frontend, "frontend", cfg.FrontendURL, "Front-end URL under test (env: RDPRUN_FRONTEND)")
	fs.IntVar(&fv.jobs, "jobs", cfg.Jobs, "Parallel tab pairs (env: RDPRUN_JOBS)")
	fs.DurationVar(&fv.watchdog, "watchdog", cfg.Watchdog, "Per-test timeout")
	fs.StringVar(&fv.output, "output", cfg.Output, "Output format: text, json, ndjson")
	fs.StringVar(&fv.filter, "filter", cfg.Filter, "Only run tests whose path matches this glob")
	fs.BoolVar(&fv.launch, "launch", cfg.Launch, "Launch a headless browser on -port")
	fs.StringVar(&fv.chrome, "chrome", cfg.ChromePath, "Browser binary for -launch (auto-detected if empty)")
	fs.BoolVar(&fv.closeExisting, "close-existing", cfg.CloseExisting, "Close open tabs before running")
	fs.StringVar(&fv.metricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve prometheus metrics on this address")
	fs.StringVar(&fv.logLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&fv.logJSON, "log-json", cfg.LogJSON, "Log as JSON")
	fs.IntVar(&fv.maxSendRetries, "max-send-retries", cfg.MaxSendRetries, "Give up a send after this many reconnects (0: never)")
	fs.BoolVar(&fv.quiet, "quiet", cfg.Quiet, "Omit diffs and errors from text output")

	fs.Usage = func() { printUsage(cfg, fs) }

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitError
	}

	explicitFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	// Config precedence: built-in defaults < .rdprunrc < env vars < CLI flags
	loadConfigFile(cfg, configPaths())
	applyEnvVars(cfg, explicitFlags)
	reapplyExplicitFlags(cfg, &fv, explicitFlags)

	if err := cfg.validate(); err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}

	paths := fs.Args()
	if len(paths) == 0 {
		printUsage(cfg, fs)
		return ExitError
	}

	runID := uuid.NewString()
	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: cfg.Stderr,
		JSON:   cfg.LogJSON,
	}).With("run", runID)

	tests, err := runner.Discover(paths, cfg.Filter)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	if len(tests) == 0 {
		fmt.Fprintln(cfg.Stderr, "error: no tests found")
		return ExitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, cfg, log, runID, tests)
}

func printUsage(cfg *Config, fs *flag.FlagSet) {
	fmt.Fprintln(cfg.Stderr, "usage: rdprun [flags] <test-dir|test.html>...")
	fmt.Fprintln(cfg.Stderr)
	fmt.Fprintln(cfg.Stderr, "Runs front-end tests against a browser with remote debugging enabled.")
	fmt.Fprintln(cfg.Stderr)
	fmt.Fprintln(cfg.Stderr, "flags:")
	fs.PrintDefaults()
}

func (cfg *Config) validate() error {
	switch cfg.Output {
	case "text", "json", "ndjson":
	default:
		return fmt.Errorf("unknown output format: %s", cfg.Output)
	}
	if cfg.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1, got %d", cfg.Jobs)
	}
	if cfg.Watchdog <= 0 {
		return fmt.Errorf("watchdog must be positive, got %v", cfg.Watchdog)
	}
	if cfg.MaxSendRetries < 0 {
		return fmt.Errorf("max-send-retries must not be negative, got %d", cfg.MaxSendRetries)
	}
	return nil
}

func execute(ctx context.Context, cfg *Config, log *logging.Logger, runID string, tests []runner.TestCase) int {
	cli := log.WithComponent("cli")

	if cfg.Launch {
		inst, err := launcher.Launch(ctx, launcher.LaunchOptions{
			ChromePath: cfg.ChromePath,
			Port:       cfg.Port,
			Headless:   true,
		})
		if err != nil {
			fmt.Fprintf(cfg.Stderr, "error: launching browser: %v\n", err)
			return ExitConnFailed
		}
		defer inst.Stop()
		cli.Info("launched browser", "pid", inst.PID, "port", inst.Port)
	}

	server := rdp.NewServer(cfg.Host, cfg.Port)
	version, err := server.Version(ctx)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitConnFailed
	}
	cli.Info("connected", "browser", version.Browser, "protocol", version.Protocol, "tests", len(tests))

	if cfg.CloseExisting {
		if err := server.CloseTabs(ctx); err != nil {
			cli.Warn("closing existing tabs", "error", err)
		}
	}

	reg := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := reg.Serve(ctx, cfg.MetricsAddr); err != nil {
				cli.Warn("metrics server", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	rep := newReporter(cfg, runID)
	pool := &runner.Pool{
		Jobs: cfg.Jobs,
		NewRunner: runner.BrowserRunners(server, runner.Config{
			FrontendURL: cfg.FrontendURL,
			Watchdog:    cfg.Watchdog,
			Log:         log,
			Metrics:     reg,
		}, rdp.TransportOptions{
			MaxSendRetries: cfg.MaxSendRetries,
			Log:            log,
			Metrics:        reg,
		}),
		OnResult: rep.result,
		Log:      log,
	}

	summary, err := pool.Run(ctx, tests)
	rep.summary(summary)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		if errors.Is(err, runner.ErrTargetUnavailable) {
			return ExitConnFailed
		}
		return ExitError
	}
	return exitCode(summary)
}

func exitCode(s runner.Summary) int {
	switch {
	case s.Failed > 0:
		return ExitFailures
	case s.TimedOut > 0:
		return ExitTimeout
	default:
		return ExitSuccess
	}
}
