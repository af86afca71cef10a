package main

import (
	"fmt"
	"os"

	"github.com/deepweb-research/crawlcore/internal/config"
	"github.com/deepweb-research/crawlcore/internal/models"
	"github.com/deepweb-research/crawlcore/internal/orchestrator"
	"github.com/spf13/cobra"
)

// runValidate loads and validates configuration and the site list without
// starting a crawl, mirroring the teacher's standalone validate command but
// against this tool's own config and seed-list shape.
func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Printf("configuration OK (parallel_sites=%d, crawl_depth=%d, pool_size=%d)\n",
		cfg.Crawl.ParallelSites, cfg.Crawl.CrawlDepth, cfg.PoolSize())

	urls, err := orchestrator.LoadSiteList(cfg.Crawl.SitesFile)
	if err != nil {
		return fmt.Errorf("site list invalid: %w", err)
	}

	var bad int
	for _, raw := range urls {
		if err := models.ValidateSeedURL(raw); err != nil {
			fmt.Fprintf(os.Stderr, "invalid seed url %q: %v\n", raw, err)
			bad++
			continue
		}
		isOnion, isI2P, err := models.ClassifySite(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unclassifiable seed url %q: %v\n", raw, err)
			bad++
			continue
		}
		kind := "clearnet"
		switch {
		case isOnion:
			kind = "onion"
		case isI2P:
			kind = "i2p"
		}
		fmt.Printf("  %-10s %s\n", kind, raw)
	}

	fmt.Printf("%d site(s), %d invalid\n", len(urls), bad)
	if bad > 0 {
		return fmt.Errorf("site list %s contains %d invalid entries", cfg.Crawl.SitesFile, bad)
	}
	return nil
}
