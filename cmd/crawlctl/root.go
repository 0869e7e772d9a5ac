// Package main is the entry point for crawlctl, the crawl engine's
// command-line collaborator. Flag parsing and exit-code conventions are
// grounded on rohmanhakim-docs-crawler's cobra root command
// (internal/cli/root.go) and jonesrussell-north-cloud/crawler's cmd/root.go,
// generalizing erndmrc-spider2's bare os.Args entry point
// (cmd/spider/main.go) onto a full flag surface.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erndmrc/crawlengine/internal/config"
	"github.com/erndmrc/crawlengine/internal/crawlengine"
	"github.com/erndmrc/crawlengine/internal/logging"
)

// Exit codes per the documented external interface: 0 on normal
// termination (including budget reached), 1 on unrecoverable error, 2 on
// configuration error.
const (
	exitOK          = 0
	exitRunError    = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run())
}

// run executes the root command and reports the exit code the crawl (or
// its configuration step) settled on.
func run() int {
	exitCode := exitOK
	root := newRootCmd(&exitCode)
	if err := root.Execute(); err != nil {
		if exitCode == exitOK {
			exitCode = exitConfigError
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCode
}

// flagOverrides holds every CLI-settable field the external interface
// names, applied onto whatever config.Load/DefaultConfig produced.
type flagOverrides struct {
	keywords           []string
	markdownMode       bool
	pathPrefix         string
	maxPages           int
	minWorkers         int
	maxWorkers         int
	initialWorkers     int
	minDelay           string
	maxDelay           string
	initialDelay       string
	disableAdaptive    bool
	aggressive         bool
	allowSubdomains    bool
	allowedExtensions  []string
	spa                bool
	resume             bool
	checkpointInterval string
	maxRestarts        int
	outputDir          string
	verbose            bool
}

func newRootCmd(exitCode *int) *cobra.Command {
	var (
		o              flagOverrides
		configPath     string
		saveConfigPath string
	)

	cmd := &cobra.Command{
		Use:   "crawlctl [seed-url]",
		Short: "An adaptive, checkpointable, parallel crawl engine.",
		Long: `crawlctl drives the crawl engine: a closed-loop rate controller paces a
pool of JS-capable browser workers over a canonicalizing, admission-filtered
frontier, emitting either keyword hits or Markdown documents and checkpointing
progress so a crawl can resume after an interruption.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(args, configPath)
			if err != nil {
				*exitCode = exitConfigError
				return err
			}

			if err := applyFlagOverrides(cfg, cmd, o); err != nil {
				*exitCode = exitConfigError
				return err
			}

			if err := cfg.Validate(); err != nil {
				*exitCode = exitConfigError
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if saveConfigPath != "" {
				if err := cfg.Save(saveConfigPath); err != nil {
					*exitCode = exitConfigError
					return fmt.Errorf("save config: %w", err)
				}
			}

			*exitCode = runCrawl(cfg)
			if *exitCode != exitOK {
				return fmt.Errorf("crawl exited with code %d", *exitCode)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&o.keywords, "keywords", nil, "keywords to match (keyword mode)")
	cmd.Flags().BoolVar(&o.markdownMode, "markdown-mode", false, "convert pages to Markdown instead of matching keywords")
	cmd.Flags().StringVar(&o.pathPrefix, "path-prefix", "", "restrict the crawl to this path prefix")
	cmd.Flags().IntVar(&o.maxPages, "max-pages", 0, "maximum pages to visit (0 = unlimited)")
	cmd.Flags().IntVar(&o.minWorkers, "min-workers", 0, "minimum concurrent workers")
	cmd.Flags().IntVar(&o.maxWorkers, "max-workers", 0, "maximum concurrent workers")
	cmd.Flags().IntVar(&o.initialWorkers, "initial-workers", 0, "starting worker count")
	cmd.Flags().StringVar(&o.minDelay, "min-delay", "", "minimum per-worker delay (e.g. 500ms)")
	cmd.Flags().StringVar(&o.maxDelay, "max-delay", "", "maximum per-worker delay (e.g. 30s)")
	cmd.Flags().StringVar(&o.initialDelay, "initial-delay", "", "starting per-worker delay")
	cmd.Flags().BoolVar(&o.disableAdaptive, "disable-adaptive-control", false, "hold worker count and delay fixed at their initial values")
	cmd.Flags().BoolVar(&o.aggressive, "aggressive-throttling", false, "back off harder on rate-limited/server-error outcomes")
	cmd.Flags().BoolVar(&o.allowSubdomains, "allow-subdomains", false, "admit any host sharing the seed's registrable domain")
	cmd.Flags().StringSliceVar(&o.allowedExtensions, "allowed-extensions", nil, "only admit these file extensions")
	cmd.Flags().BoolVar(&o.spa, "spa", false, "explore clickable elements on pages whose navigation doesn't change the URL")
	cmd.Flags().BoolVar(&o.resume, "resume", false, "resume from the checkpoint file instead of starting fresh")
	cmd.Flags().StringVar(&o.checkpointInterval, "checkpoint-interval", "", "time between periodic checkpoints (e.g. 10m); the page-count trigger can checkpoint sooner")
	cmd.Flags().IntVar(&o.maxRestarts, "max-restarts", 0, "browser session restarts a worker may make before it exits and is replaced")
	cmd.Flags().StringVar(&o.outputDir, "output", "", "output directory for results")
	cmd.Flags().StringVar(&configPath, "config", "", "load configuration from this JSON file")
	cmd.Flags().StringVar(&saveConfigPath, "save-config", "", "write the resolved configuration to this JSON file before crawling")
	cmd.Flags().BoolVar(&o.verbose, "verbose", false, "enable debug logging")

	cmd.AddCommand(newCheckpointCmd())
	return cmd
}

// buildConfig loads defaults or a config file, then applies the positional
// seed URL argument if one was given.
func buildConfig(args []string, configPath string) (*config.CrawlConfig, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if len(args) > 0 {
		cfg.SeedURL = args[0]
	}
	return cfg, nil
}

// applyFlagOverrides layers every explicitly-set flag onto cfg. Only
// flags the user actually passed are applied, so a loaded config file's
// values survive when a flag was left at its zero default.
func applyFlagOverrides(cfg *config.CrawlConfig, cmd *cobra.Command, o flagOverrides) error {
	changed := cmd.Flags().Changed

	if changed("keywords") {
		cfg.Keywords = o.keywords
	}
	if changed("markdown-mode") && o.markdownMode {
		cfg.Mode = config.ModeMarkdown
	}
	if changed("path-prefix") {
		cfg.PathPrefix = o.pathPrefix
	}
	if changed("max-pages") {
		cfg.MaxPages = o.maxPages
	}
	if changed("min-workers") {
		cfg.MinWorkers = o.minWorkers
	}
	if changed("max-workers") {
		cfg.MaxWorkers = o.maxWorkers
	}
	if changed("initial-workers") {
		cfg.InitialWorkers = o.initialWorkers
	}
	if changed("min-delay") {
		d, err := time.ParseDuration(o.minDelay)
		if err != nil {
			return fmt.Errorf("--min-delay: %w", err)
		}
		cfg.MinDelay = d
	}
	if changed("max-delay") {
		d, err := time.ParseDuration(o.maxDelay)
		if err != nil {
			return fmt.Errorf("--max-delay: %w", err)
		}
		cfg.MaxDelay = d
	}
	if changed("initial-delay") {
		d, err := time.ParseDuration(o.initialDelay)
		if err != nil {
			return fmt.Errorf("--initial-delay: %w", err)
		}
		cfg.InitialDelay = d
	}
	if changed("disable-adaptive-control") {
		cfg.DisableAdaptive = o.disableAdaptive
	}
	if changed("aggressive-throttling") {
		cfg.Aggressive = o.aggressive
	}
	if changed("allow-subdomains") {
		cfg.AllowSubdomains = o.allowSubdomains
	}
	if changed("allowed-extensions") {
		cfg.AllowedExtensions = o.allowedExtensions
	}
	if changed("spa") {
		cfg.SPA = o.spa
	}
	if changed("resume") {
		cfg.Resume = o.resume
	}
	if changed("checkpoint-interval") {
		d, err := time.ParseDuration(o.checkpointInterval)
		if err != nil {
			return fmt.Errorf("--checkpoint-interval: %w", err)
		}
		cfg.CheckpointInterval = d
	}
	if changed("max-restarts") {
		cfg.MaxRestarts = o.maxRestarts
	}
	if changed("output") {
		cfg.OutputDir = o.outputDir
	}
	if changed("verbose") {
		cfg.Verbose = o.verbose
	}
	return nil
}

// runCrawl builds the crawl engine Manager and drives it to completion,
// translating its outcome into an exit code.
func runCrawl(cfg *config.CrawlConfig) int {
	logger := logging.New(cfg.Verbose)
	defer logger.Sync()

	mgr, err := crawlengine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize crawl engine", zap.Error(err))
		return exitRunError
	}
	defer mgr.Close()

	summary, err := mgr.Run(context.Background())
	if err != nil {
		logger.Error("crawl run failed", zap.Error(err))
		return exitRunError
	}

	logger.Info("crawl finished",
		zap.Int("pages_visited", summary.PagesVisited),
		zap.Int("final_target_workers", summary.FinalTargetWorkers),
		zap.Duration("final_delay", summary.FinalDelay),
		zap.Bool("checkpointed", summary.Checkpointed),
	)
	return exitOK
}
