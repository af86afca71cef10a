// Command crawlcore runs the multi-network crawl core's orchestrator loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepweb-research/crawlcore/internal/config"
	"github.com/deepweb-research/crawlcore/internal/crawl"
	"github.com/deepweb-research/crawlcore/internal/fetch"
	"github.com/deepweb-research/crawlcore/internal/logging"
	"github.com/deepweb-research/crawlcore/internal/media"
	"github.com/deepweb-research/crawlcore/internal/metrics"
	"github.com/deepweb-research/crawlcore/internal/objectstore"
	"github.com/deepweb-research/crawlcore/internal/orchestrator"
	"github.com/deepweb-research/crawlcore/internal/overlay"
	"github.com/deepweb-research/crawlcore/internal/robots"
	"github.com/deepweb-research/crawlcore/internal/store"
	"github.com/deepweb-research/crawlcore/internal/transport"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "crawlcore",
	Short:   "Multi-network crawl core: clearnet, Tor hidden services, and I2P eepsites",
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the crawl orchestrator loop until interrupted",
	RunE:  runRun,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration without starting a crawl",
	RunE:  runValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.AddCommand(runCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	log, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	log.Info().Str("version", version).Str("build_time", buildTime).Msg("crawlcore starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("received interrupt, shutting down cooperatively")
		cancel()
	}()

	registry, err := transport.New(cfg.Network, log.With().Str("component", "transport").Logger())
	if err != nil {
		return fmt.Errorf("building transport registry: %w", err)
	}

	if cfg.Network.EnableI2P {
		overlayLog := log.With().Str("component", "overlay").Logger()
		mgr := overlay.New(registry, cfg.Network.I2PConsoleURL, nil, overlayLog)
		if err := mgr.WaitUntilReady(ctx, 8*time.Minute); err != nil {
			overlayLog.Warn().Err(err).Msg("i2p overlay did not become ready; continuing with i2p degraded")
		}
	}

	db, err := store.Open(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("opening persistence layer: %w", err)
	}
	defer db.Close()

	objects, err := objectstore.New(cfg.Object, log.With().Str("component", "objectstore").Logger())
	if err != nil {
		return fmt.Errorf("building object store client: %w", err)
	}
	if err := objects.EnsureBuckets(ctx); err != nil {
		return fmt.Errorf("ensuring object store buckets: %w", err)
	}

	fetcher := fetch.New(registry)
	mediaPipe := media.New(registry, objects, db, cfg.Media)
	robotsChecker := robots.New(registry, log.With().Str("component", "robots").Logger())
	worker := crawl.New(fetcher, mediaPipe, db, robotsChecker, cfg.Crawl, log.With().Str("component", "crawl").Logger())
	orch := orchestrator.New(worker, db, cfg.Crawl, log.With().Str("component", "orchestrator").Logger())

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
				log.Warn().Err(err).Msg("metrics server exited")
			}
		}()
	}

	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("orchestrator run: %w", err)
	}

	log.Info().Msg("crawlcore stopped")
	return nil
}
