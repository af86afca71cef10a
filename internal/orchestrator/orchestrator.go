// Package orchestrator implements the Crawl Orchestrator (spec.md §4.H):
// it reads the site list, dispatches Site Crawl Workers with bounded
// parallelism, rotates failed sites through a retry queue, and loops the
// whole thing on a configurable cycle interval. Grounded on
// original_source/mcp_engine.py's cycle loop (sleep-between-rounds, retry
// counter) and the teacher's main.go signal handling.
package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/deepweb-research/crawlcore/internal/config"
	"github.com/deepweb-research/crawlcore/internal/crawl"
	"github.com/deepweb-research/crawlcore/internal/metrics"
	"github.com/deepweb-research/crawlcore/internal/models"
	"github.com/deepweb-research/crawlcore/internal/store"
	"github.com/rs/zerolog"
)

// retryEntry tracks a failed site's accumulated failure count across
// retry rounds within one cycle (spec.md §4.H step 3/5).
type retryEntry struct {
	site     models.Site
	failures int
}

// Orchestrator runs the top-level crawl cycle loop.
type Orchestrator struct {
	worker *crawl.Worker
	db     *store.Store
	cfg    config.CrawlConfig
	log    zerolog.Logger
}

// New builds an Orchestrator from its collaborators.
func New(worker *crawl.Worker, db *store.Store, cfg config.CrawlConfig, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{worker: worker, db: db, cfg: cfg, log: log}
}

// LoadSiteList reads a newline-delimited site list, ignoring blank and
// '#'-prefixed lines (spec.md §6). If the file does not exist, it is
// bootstrapped empty (SPEC_FULL.md §5.3) rather than treated as fatal.
func LoadSiteList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if createErr := os.WriteFile(path, []byte("# one site URL per line\n"), 0o644); createErr != nil {
				return nil, fmt.Errorf("orchestrator: bootstrapping site list %s: %w", path, createErr)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("orchestrator: opening site list %s: %w", path, err)
	}
	defer f.Close()

	var sites []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sites = append(sites, line)
	}
	return sites, scanner.Err()
}

// Run executes crawl cycles until ctx is cancelled. Shutdown is
// cooperative: in-flight site workers finish their current page before
// the cycle's WaitGroup returns (spec.md §4.H "Shutdown is cooperative").
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("orchestrator shutting down")
			return nil
		default:
		}

		if err := o.runCycle(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(o.cfg.ResearchFrequencyHours) * time.Hour):
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) error {
	cycleStart := time.Now()

	urls, err := LoadSiteList(o.cfg.SitesFile)
	if err != nil {
		return err
	}

	sites, err := o.buildWorkingQueue(ctx, urls)
	if err != nil {
		return err
	}

	var working []retryEntry
	for _, s := range sites {
		working = append(working, retryEntry{site: s})
	}

	var retry []retryEntry
	var abandoned int

	for len(working) > 0 {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		results := o.dispatch(ctx, working)
		working = nil

		for _, r := range results {
			metrics.CycleSitesTotal.Inc()
			if r.outcome == crawl.OutcomeSuccess {
				continue
			}
			failures := r.priorFailures + 1
			if failures >= o.cfg.MaxSiteRetries {
				abandoned++
				metrics.CycleSitesAbandoned.Inc()
				o.log.Warn().Str("site", r.site.URL).Int("failures", failures).Msg("site abandoned for this cycle")
				continue
			}
			retry = append(retry, retryEntry{site: r.site, failures: failures})
		}

		if len(working) == 0 && len(retry) > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(o.cfg.RetryRoundDelaySeconds) * time.Second):
			}
			working = retry
			retry = nil
		}
	}

	duration := time.Since(cycleStart)
	metrics.CycleDurationSeconds.Observe(duration.Seconds())
	o.log.Info().
		Int("sites_attempted", len(urls)).
		Int("abandoned", abandoned).
		Dur("duration", duration).
		Msg("crawl cycle complete")

	return nil
}

// buildWorkingQueue upserts each URL as a Site and skips any whose
// last_crawled is within ResearchFrequencyHours (spec.md §4.H step 1).
func (o *Orchestrator) buildWorkingQueue(ctx context.Context, urls []string) ([]models.Site, error) {
	var working []models.Site
	freshness := time.Duration(o.cfg.ResearchFrequencyHours) * time.Hour

	for _, raw := range urls {
		if err := models.ValidateSeedURL(raw); err != nil {
			o.log.Warn().Err(err).Str("url", raw).Msg("skipping invalid seed url")
			continue
		}
		isOnion, isI2P, err := models.ClassifySite(raw)
		if err != nil {
			o.log.Warn().Err(err).Str("url", raw).Msg("skipping unclassifiable seed url")
			continue
		}

		if _, err := o.db.UpsertSite(ctx, models.Site{URL: raw, IsOnion: isOnion, IsI2P: isI2P}); err != nil {
			o.log.Warn().Err(err).Str("url", raw).Msg("upsert_site failed")
			continue
		}

		site, err := o.db.GetSiteByURL(ctx, raw)
		if err != nil {
			o.log.Warn().Err(err).Str("url", raw).Msg("get_site_by_url failed")
			continue
		}
		if site.LastCrawled != nil && time.Since(*site.LastCrawled) < freshness {
			continue
		}
		working = append(working, site)
	}
	return working, nil
}

type siteResult struct {
	site          models.Site
	outcome       crawl.Outcome
	priorFailures int
}

// dispatch runs sites concurrently, bounded by ParallelSites, and waits
// for all of them (spec.md §4.H step 2).
func (o *Orchestrator) dispatch(ctx context.Context, entries []retryEntry) []siteResult {
	sem := make(chan struct{}, o.cfg.ParallelSites)
	results := make([]siteResult, len(entries))
	var wg sync.WaitGroup

	for i, entry := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, entry retryEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, stats := o.worker.Run(ctx, entry.site)
			metrics.PagesVisitedTotal.Add(float64(stats.PagesVisited))
			metrics.MediaBytesStoredTotal.Add(float64(stats.BytesStored))
			results[i] = siteResult{site: entry.site, outcome: outcome, priorFailures: entry.failures}
		}(i, entry)
	}

	wg.Wait()
	return results
}
