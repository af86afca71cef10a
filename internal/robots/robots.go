// Package robots implements the robots.txt courtesy check supplementing
// spec.md §4.G (SPEC_FULL.md §5.1): before a URL is fetched, consult the
// site's robots.txt and skip disallowed paths. Grounded on
// original_source/mcp_engine.py's is_allowed_by_robots, wired onto a real
// parser instead of a hand-rolled matcher.
package robots

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/deepweb-research/crawlcore/internal/transport"
	"github.com/rs/zerolog"
	"github.com/temoto/robotstxt"
)

const fetchTimeout = 10 * time.Second
const userAgent = "crawlcore"

// Checker caches one parsed robots.txt per host for the Checker's whole
// lifetime (entries are never evicted or refreshed); a fetch failure is
// treated as "everything allowed" (a missing or unreachable robots.txt
// imposes no restriction).
type Checker struct {
	registry *transport.Registry
	log      zerolog.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// New builds a Checker over the given Transport Registry.
func New(registry *transport.Registry, log zerolog.Logger) *Checker {
	return &Checker{registry: registry, log: log, cache: make(map[string]*robotstxt.RobotsData)}
}

// Allowed reports whether rawURL may be fetched per its host's robots.txt.
func (c *Checker) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return true
	}

	data := c.robotsFor(ctx, parsed)
	if data == nil {
		return true
	}
	return data.TestAgent(parsed.Path, userAgent)
}

func (c *Checker) robotsFor(ctx context.Context, pageURL *url.URL) *robotstxt.RobotsData {
	host := pageURL.Scheme + "://" + pageURL.Host

	c.mu.Lock()
	if data, ok := c.cache[host]; ok {
		c.mu.Unlock()
		return data
	}
	c.mu.Unlock()

	data := c.fetch(ctx, host)

	c.mu.Lock()
	c.cache[host] = data
	c.mu.Unlock()

	return data
}

func (c *Checker) fetch(ctx context.Context, host string) *robotstxt.RobotsData {
	tr, _, ok := c.registry.Select(host)
	if !ok {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, host+"/robots.txt", nil)
	if err != nil {
		return nil
	}

	resp, err := tr.Client.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("host", host).Msg("robots.txt fetch failed, treating as allow-all")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		c.log.Debug().Err(err).Str("host", host).Msg("robots.txt parse failed, treating as allow-all")
		return nil
	}
	return data
}
