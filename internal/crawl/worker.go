// Package crawl implements the Site Crawl Worker (spec.md §4.G): a
// per-site BFS over a visited set and FIFO frontier, fetching pages,
// persisting them, and fanning each page's media references out to the
// Media Pipeline. Grounded on the teacher's URLQueue
// (internal/crawlers/url_queue.go), generalized from a buffered-channel
// queue shared with Colly callbacks to a plain in-process slice, since one
// worker now owns its frontier start-to-finish with no concurrent callback
// producers.
package crawl

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/deepweb-research/crawlcore/internal/config"
	"github.com/deepweb-research/crawlcore/internal/fetch"
	"github.com/deepweb-research/crawlcore/internal/media"
	"github.com/deepweb-research/crawlcore/internal/models"
	"github.com/deepweb-research/crawlcore/internal/result"
	"github.com/deepweb-research/crawlcore/internal/robots"
	"github.com/deepweb-research/crawlcore/internal/store"
	"github.com/rs/zerolog"
)

var mediaExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".webp": true, ".svg": true,
	".mp4": true, ".avi": true, ".mov": true, ".wmv": true, ".flv": true, ".webm": true, ".mkv": true,
	".mp3": true, ".wav": true, ".ogg": true, ".m4a": true, ".flac": true, ".aac": true,
	".pdf": true, ".doc": true, ".docx": true, ".txt": true, ".zip": true, ".rar": true,
}

// Outcome is a site crawl's terminal result (spec.md §4.G: "Per-site
// terminal outcomes").
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// Worker crawls exactly one site per Run call; it owns no cross-site state.
type Worker struct {
	fetcher     *fetch.Fetcher
	mediaPipe   *media.Pipeline
	db          *store.Store
	robots      *robots.Checker
	cfg         config.CrawlConfig
	log         zerolog.Logger
}

// New builds a Worker from its collaborators and the crawl-wide config.
func New(fetcher *fetch.Fetcher, mediaPipe *media.Pipeline, db *store.Store, robotsChecker *robots.Checker, cfg config.CrawlConfig, log zerolog.Logger) *Worker {
	return &Worker{fetcher: fetcher, mediaPipe: mediaPipe, db: db, robots: robotsChecker, cfg: cfg, log: log}
}

type frontierEntry struct {
	url   string
	depth int
}

// Run crawls one site to completion: BFS over the frontier, bounded by
// CrawlDepth and MaxPagesPerSite, and returns its terminal outcome plus
// accumulated stats (spec.md §4.G).
func (w *Worker) Run(ctx context.Context, site models.Site) (Outcome, models.TaskStats) {
	start := time.Now()
	stats := models.TaskStats{}

	seed, err := url.Parse(site.URL)
	if err != nil {
		w.log.Error().Err(err).Str("site", site.URL).Msg("invalid seed url")
		stats.Duration = time.Since(start)
		return OutcomeFailure, stats
	}
	registeredDomain := seed.Host

	visited := make(map[string]bool)
	frontier := []frontierEntry{{url: site.URL, depth: 0}}
	seedFailed := false

	for len(frontier) > 0 && stats.PagesVisited < w.cfg.MaxPagesPerSite {
		select {
		case <-ctx.Done():
			stats.Duration = time.Since(start)
			return w.finish(ctx, site, visited, stats, seedFailed, start)
		default:
		}

		entry := frontier[0]
		frontier = frontier[1:]

		if visited[entry.url] {
			continue
		}
		visited[entry.url] = true

		if w.cfg.RespectRobotsTxt && !w.robots.Allowed(ctx, entry.url) {
			w.log.Debug().Str("url", entry.url).Msg("disallowed by robots.txt")
			if entry.url == site.URL {
				seedFailed = true
			}
			continue
		}

		parsed, outcome := w.fetcher.FetchAndParse(ctx, entry.url)
		stats.PagesVisited++
		if outcome.IsError() {
			stats.FetchFailures++
			w.log.Warn().Err(outcome.Err).Str("url", entry.url).Msg("fetch_and_parse failed")
			if entry.url == site.URL {
				seedFailed = true
			}
			continue
		}

		page := parsed.ToPage(site.ID, entry.url, entry.depth)
		pageID, err := w.db.InsertPage(ctx, page)
		if err != nil {
			w.log.Warn().Err(err).Str("url", entry.url).Msg("insert page failed")
			continue
		}
		stats.PagesStored++

		if w.cfg.DownloadAllMedia {
			for _, ref := range parsed.Media {
				mo := w.mediaPipe.Process(ctx, pageID, ref.URL)
				switch mo.Status {
				case result.StatusOK:
					stats.MediaStored++
					stats.BytesStored += mo.Bytes
				case result.StatusSkipped:
					stats.MediaSkipped++
				case result.StatusError:
					stats.MediaFailed++
					w.log.Debug().Err(mo.Err).Str("media_url", ref.URL).Msg("media process failed")
				}
			}
		}

		if entry.depth < w.cfg.CrawlDepth {
			for _, link := range parsed.Links {
				if visited[link] {
					continue
				}
				if isMediaURL(link) {
					continue
				}
				if !w.cfg.AllowCrossDomain && !sameDomain(link, registeredDomain) {
					continue
				}
				frontier = append(frontier, frontierEntry{url: link, depth: entry.depth + 1})
			}
		}
	}

	stats.Duration = time.Since(start)
	return w.finish(ctx, site, visited, stats, seedFailed, start)
}

func (w *Worker) finish(ctx context.Context, site models.Site, visited map[string]bool, stats models.TaskStats, seedFailed bool, start time.Time) (Outcome, models.TaskStats) {
	stats.Duration = time.Since(start)
	if seedFailed {
		return OutcomeFailure, stats
	}
	if err := w.db.TouchSiteLastCrawled(ctx, site.ID, time.Now()); err != nil {
		w.log.Warn().Err(err).Str("site", site.URL).Msg("touch_site_last_crawled failed")
		return OutcomeFailure, stats
	}
	return OutcomeSuccess, stats
}

func isMediaURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	return mediaExtensions[ext]
}

func sameDomain(rawURL, domain string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Host == domain
}
