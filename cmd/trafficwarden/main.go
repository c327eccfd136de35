// Package main provides the trafficwarden command: it loads each URL given on
// the command line through an intercepting browser session and reports what
// was downloaded, blocked and substituted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Rorqualx/trafficwarden/internal/browser"
	"github.com/Rorqualx/trafficwarden/internal/config"
	"github.com/Rorqualx/trafficwarden/internal/extract"
	"github.com/Rorqualx/trafficwarden/internal/metrics"
	"github.com/Rorqualx/trafficwarden/internal/report"
	"github.com/Rorqualx/trafficwarden/internal/rules"
	"github.com/Rorqualx/trafficwarden/internal/runner"
	"github.com/Rorqualx/trafficwarden/pkg/version"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 1 && (args[0] == "-version" || args[0] == "--version") {
		fmt.Println(version.Full())
		return exitOK
	}
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printUsage(os.Stderr)
		return exitUsage
	}

	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	closeLog := setupLogging(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	cfg.Validate()

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Int("urls", len(args)).
		Msg("Starting trafficwarden")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ruleMgr, err := rules.NewManager(baseRules(cfg), cfg.RulesPath, cfg.RulesHotReload,
		rules.WithReloadHook(func(rs *rules.RuleSet) {
			metrics.RecordRuleReload(rs.Size())
		}))
	if err != nil {
		log.Error().Err(err).Msg("Invalid rule configuration")
		return exitUsage
	}
	defer ruleMgr.Close()

	stopMetrics := startMetricsServer(cfg)
	defer stopMetrics()

	log.Info().Msg("Initializing browser pool...")
	pool, err := browser.NewPool(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize browser pool")
		return exitFailure
	}
	defer func() {
		if err := pool.Close(); err != nil {
			log.Error().Err(err).Msg("Browser pool close error")
		}
	}()

	r, err := runner.New(cfg, pool, ruleMgr, runner.WithExtractor(extract.New()))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create runner")
		return exitUsage
	}
	defer r.Close()

	results := r.RunAll(ctx, args)

	if err := report.Write(os.Stdout, cfg.OutputFormat, results); err != nil {
		log.Error().Err(err).Msg("Failed to write report")
		return exitFailure
	}

	code := exitOK
	for _, res := range results {
		if res.Summary == nil || res.Err != nil {
			code = exitFailure
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		log.Warn().Msg("Interrupted")
		code = exitFailure
	}
	return code
}

// baseRules overlays the rule lists from the environment on the embedded
// defaults. Non-empty lists replace the default lists and "none" clears one.
func baseRules(cfg *config.Config) rules.Config {
	env := rules.Config{Lists: rules.Lists{
		Categories: cfg.BlockedCategories,
		Domains:    cfg.BlockedDomains,
		Paths:      cfg.BlockedPaths,
		Keywords:   cfg.BlockedKeywords,
	}}
	return rules.Defaults().Merge(env)
}

// startMetricsServer serves /metrics when enabled and returns its shutdown
// function.
func startMetricsServer(cfg *config.Config) func() {
	if !cfg.PrometheusEnabled {
		return func() {}
	}

	metrics.SetBuildInfo(version.Full(), version.GoVersion())

	stopCh := make(chan struct{})
	go metrics.StartMemoryCollector(10*time.Second, stopCh)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.PrometheusPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Int("port", cfg.PrometheusPort).
			Msg("Prometheus metrics server started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		close(stopCh)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
}

// setupLogging configures zerolog. Logs go to stderr so that stdout carries
// only the report; with a log file they are also written to a rotated file.
func setupLogging(level, file string) func() {
	var out io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	closer := func() {}
	if file != "" {
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(out, rotated)
		closer = func() { _ = rotated.Close() }
	}
	log.Logger = log.Output(out)

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return closer
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `trafficwarden %s

Usage: trafficwarden URL [URL...]

Loads each URL in a headless browser, blocking or substituting requests
according to the configured rules, and prints a traffic summary per URL.

Configuration is read from the environment and an optional .env file:
  BLOCKED_CATEGORIES, BLOCKED_DOMAINS, BLOCKED_PATHS, BLOCKED_KEYWORDS
    (comma-separated; set a list to "none" to clear its defaults)
  RULES_PATH, RULES_HOT_RELOAD, BLOCKED_SIZE_ESTIMATES
  DEVICE_PROFILE, MOBILE_STRICT, NAVIGATION_TIMEOUT, LOAD_WAIT_POLICY
  HEADLESS, BROWSER_PATH, STEALTH
  BROWSER_POOL_SIZE, BROWSER_POOL_TIMEOUT, MAX_SESSIONS
  LOG_LEVEL, LOG_FILE, OUTPUT_FORMAT (text|json)
  PROMETHEUS_ENABLED, PROMETHEUS_PORT
`, version.Full())
}
