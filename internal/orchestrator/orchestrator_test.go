package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepweb-research/crawlcore/internal/config"
	"github.com/deepweb-research/crawlcore/internal/crawl"
	"github.com/deepweb-research/crawlcore/internal/fetch"
	"github.com/deepweb-research/crawlcore/internal/media"
	"github.com/deepweb-research/crawlcore/internal/models"
	"github.com/deepweb-research/crawlcore/internal/robots"
	"github.com/deepweb-research/crawlcore/internal/store"
	"github.com/deepweb-research/crawlcore/internal/transport"
	"github.com/rs/zerolog"
)

func TestLoadSiteListIgnoresBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sites.txt")
	content := "https://a.example\n\n# a comment\nhttps://b.example\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	urls, err := LoadSiteList(path)
	if err != nil {
		t.Fatalf("LoadSiteList() error = %v", err)
	}
	if len(urls) != 2 || urls[0] != "https://a.example" || urls[1] != "https://b.example" {
		t.Fatalf("LoadSiteList() = %v, want [https://a.example https://b.example]", urls)
	}
}

func TestLoadSiteListBootstrapsMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing-sites.txt")

	urls, err := LoadSiteList(path)
	if err != nil {
		t.Fatalf("LoadSiteList() error = %v", err)
	}
	if urls != nil {
		t.Fatalf("LoadSiteList() = %v, want nil on bootstrap", urls)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("expected bootstrapped file to exist: %v", statErr)
	}
}

func TestRunCycleMarksSuccessfulSitesCrawled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><title>ok</title><body>hello</body></html>`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	sitesPath := filepath.Join(dir, "sites.txt")
	if err := os.WriteFile(sitesPath, []byte(srv.URL+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	reg := transport.NewFromClients(srv.Client(), nil, zerolog.Nop())
	fetcher := fetch.New(reg)

	db, err := store.Open(context.Background(), config.Config{
		Store: config.StoreConfig{Driver: "sqlite3", DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())},
		Crawl: config.CrawlConfig{ParallelSites: 1},
	})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer db.Close()

	mediaPipe := media.New(reg, nil, db, config.MediaConfig{})
	robotsChecker := robots.New(reg, zerolog.Nop())

	crawlCfg := config.CrawlConfig{
		SitesFile:              sitesPath,
		ParallelSites:          1,
		CrawlDepth:             1,
		MaxPagesPerSite:        5,
		MaxSiteRetries:         3,
		ResearchFrequencyHours: 24,
		DownloadAllMedia:       false,
	}
	worker := crawl.New(fetcher, mediaPipe, db, robotsChecker, crawlCfg, zerolog.Nop())
	orch := New(worker, db, crawlCfg, zerolog.Nop())

	if err := orch.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle() error = %v", err)
	}

	site, err := db.GetSiteByURL(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("GetSiteByURL() error = %v", err)
	}
	if site.LastCrawled == nil {
		t.Fatal("LastCrawled = nil, want it set after a successful crawl")
	}
}

func TestBuildWorkingQueueSkipsRecentlyCrawledSites(t *testing.T) {
	db, err := store.Open(context.Background(), config.Config{
		Store: config.StoreConfig{Driver: "sqlite3", DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())},
		Crawl: config.CrawlConfig{ParallelSites: 1},
	})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer db.Close()

	crawlCfg := config.CrawlConfig{ResearchFrequencyHours: 24}
	orch := New(nil, db, crawlCfg, zerolog.Nop())

	const url = "https://fresh.example"
	siteID, err := db.UpsertSite(context.Background(), models.Site{URL: url})
	if err != nil {
		t.Fatalf("UpsertSite() error = %v", err)
	}
	if err := db.TouchSiteLastCrawled(context.Background(), siteID, time.Now()); err != nil {
		t.Fatalf("TouchSiteLastCrawled() error = %v", err)
	}

	sites, err := orch.buildWorkingQueue(context.Background(), []string{url})
	if err != nil {
		t.Fatalf("buildWorkingQueue() error = %v", err)
	}
	if len(sites) != 0 {
		t.Fatalf("buildWorkingQueue() = %v, want empty (site was crawled recently)", sites)
	}
}
