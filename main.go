package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"capium/capability"
	"capium/config"
	"capium/driver"
	"capium/metrics"
	"capium/observability"
	"capium/runner"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// errCaptureFailed signals a run that finished with failed targets or pages.
var errCaptureFailed = errors.New("one or more captures failed")

var rootCmd = &cobra.Command{
	Use:   "capium",
	Short: "Cross-browser screenshot capture",
	Long: `Capium opens each configured page in every requested browser and saves a
screenshot per page under ./output/{os}/{browser}/.

Browsers run locally or on SauceLabs or BrowserStack. The provider is picked
from the credentials in the capabilities unless --provider names one.`,
	SilenceUsage: true,
	RunE:         runCapture,
}

var browsersCmd = &cobra.Command{
	Use:   "browsers",
	Short: "List the browser/os identifiers each provider supports",
	RunE:  listBrowsers,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the capium version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "capium", Version)
	},
}

// Root command flags
var (
	configPath  string
	browsers    []string
	urls        []string
	sourcePath  string
	provider    string
	capFlags    []string
	outputDir   string
	width       int
	height      int
	concurrency int
	logLevel    string
	logFormat   string
	metricsFile string
	headless    bool
)

// Browsers command flags
var listProvider string

// flagKeys maps flags onto config keys.
var flagKeys = map[string]string{
	"provider":     "provider",
	"output":       "output_dir",
	"width":        "viewport.width",
	"height":       "viewport.height",
	"concurrency":  "concurrency",
	"log-level":    "logger.level",
	"log-format":   "logger.format",
	"metrics-file": "metrics_file",
	"headless":     "local.headless",
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "Path to configuration file (default ./capium.yaml or ./capium.json)")
	f.StringSliceVarP(&browsers, "browser", "b", nil, "Target as browser/os, repeatable (e.g. chrome/windows, safari/ios)")
	f.StringSliceVarP(&urls, "url", "u", nil, "URL to capture, repeatable (overrides config file pages)")
	f.StringVarP(&sourcePath, "source", "s", "", "JSON or YAML file listing URLs or page objects")
	f.StringVar(&provider, "provider", "auto", "Browser provider: auto, local, saucelabs or browserstack")
	f.StringArrayVar(&capFlags, "cap", nil, "Capability override as key=value, repeatable")
	f.StringVarP(&outputDir, "output", "o", "./output", "Output directory")
	f.IntVar(&width, "width", 1200, "Desktop window width")
	f.IntVar(&height, "height", 800, "Desktop window height")
	f.IntVar(&concurrency, "concurrency", 2, "Number of targets captured at once")
	f.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	f.StringVar(&logFormat, "log-format", "console", "Log format: console or json")
	f.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file after the run")
	f.BoolVar(&headless, "headless", true, "Run local browsers headless")

	browsersCmd.Flags().StringVar(&listProvider, "provider", "", "Only list this provider")

	rootCmd.AddCommand(browsersCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	observability.Sync()
	if err != nil {
		if !errors.Is(err, errCaptureFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, CAPIUM_ env vars and flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	if err := config.ReadFile(v, configPath); err != nil {
		return nil, err
	}
	if err := bindFlags(cmd, v); err != nil {
		return nil, err
	}

	overrides, err := parseCaps(capFlags)
	if err != nil {
		return nil, err
	}
	return config.Load(v, overrides)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	if cmd.Flags().Changed("browser") {
		v.Set("targets", browsers)
	}
	if cmd.Flags().Changed("url") {
		v.Set("url_list", urls)
		v.Set("pages", []any{})
	}
	if cmd.Flags().Changed("source") {
		v.Set("source", sourcePath)
	}
	return nil
}

// parseCaps turns key=value pairs into capability overrides.
func parseCaps(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --cap %q, expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	observability.InitializeLogger(cfg.Logger)
	logger := observability.GetLogger()
	defer driver.StopDockerChrome(logger)
	defer func() {
		if err := driver.StopPlaywright(); err != nil {
			logger.Warn("Failed to stop playwright", zap.Error(err))
		}
	}()

	rec := metrics.NewRecorder()
	r, err := runner.New(cfg, logger, rec)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	startTime := time.Now()
	summary, err := r.Run(ctx)
	if err != nil {
		var unknown *capability.UnknownBrowserTargetError
		if errors.As(err, &unknown) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Valid browsers for %s:\n  %s\n",
				unknown.Provider, strings.Join(unknown.Valid, "\n  "))
		}
		return err
	}

	if cfg.MetricsFile != "" {
		if err := rec.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn("Failed to write metrics file", zap.String("path", cfg.MetricsFile), zap.Error(err))
		}
	}

	captured, failed := summary.Counts(len(cfg.Pages))
	logger.Info("Screenshot capture completed",
		zap.String("build", summary.BuildID),
		zap.Int("captured", captured),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(startTime)))

	if ctx.Err() != nil {
		logger.Warn("Run interrupted by signal")
	}
	if summary.Failed() {
		return errCaptureFailed
	}
	return nil
}

func listBrowsers(cmd *cobra.Command, args []string) error {
	resolver, err := capability.DefaultResolver()
	if err != nil {
		return err
	}

	providers := capability.Providers
	if listProvider != "" {
		p := capability.Provider(strings.ToLower(listProvider))
		if resolver.ValidTargets(p) == nil {
			return fmt.Errorf("unknown provider %q", listProvider)
		}
		providers = []capability.Provider{p}
	}

	out := cmd.OutOrStdout()
	for _, p := range providers {
		fmt.Fprintf(out, "%s:\n", p)
		for _, t := range resolver.ValidTargets(p) {
			fmt.Fprintf(out, "  %s\n", t)
		}
	}
	return nil
}
