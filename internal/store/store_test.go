package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/deepweb-research/crawlcore/internal/config"
	"github.com/deepweb-research/crawlcore/internal/models"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Store: config.StoreConfig{
			Driver:          "sqlite3",
			DSN:             "file::memory:?cache=shared",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifeMins: 60,
		},
		Crawl: config.CrawlConfig{ParallelSites: 1},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertSiteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertSite(ctx, models.Site{URL: "https://example.onion", IsOnion: true})
	if err != nil {
		t.Fatalf("UpsertSite() error = %v", err)
	}
	id2, err := s.UpsertSite(ctx, models.Site{URL: "https://example.onion", IsOnion: true})
	if err != nil {
		t.Fatalf("UpsertSite() second call error = %v", err)
	}
	if id1 != id2 {
		t.Fatalf("UpsertSite() not idempotent: %d != %d", id1, id2)
	}
}

func TestInsertPageAndMediaDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	siteID, err := s.UpsertSite(ctx, models.Site{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("UpsertSite() error = %v", err)
	}

	pageID, err := s.InsertPage(ctx, models.Page{
		SiteID: siteID,
		URL:    "https://example.com/index",
		Title:  "Index",
		Text:   "hello",
		Depth:  0,
	})
	if err != nil {
		t.Fatalf("InsertPage() error = %v", err)
	}

	exists, err := s.MediaExists(ctx, pageID, "https://example.com/cat.jpg")
	if err != nil {
		t.Fatalf("MediaExists() error = %v", err)
	}
	if exists {
		t.Fatal("MediaExists() should be false before insert")
	}

	_, err = s.InsertMediaMetadata(ctx, models.MediaFile{
		PageID:       pageID,
		SourceURL:    "https://example.com/cat.jpg",
		MimeType:     "image/jpeg",
		Category:     models.CategoryImage,
		SizeBytes:    1024,
		Inline:       []byte("fake-bytes"),
		DownloadedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertMediaMetadata() error = %v", err)
	}

	exists, err = s.MediaExists(ctx, pageID, "https://example.com/cat.jpg")
	if err != nil {
		t.Fatalf("MediaExists() error = %v", err)
	}
	if !exists {
		t.Fatal("MediaExists() should be true after insert")
	}
}

func TestTouchSiteLastCrawled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	siteID, err := s.UpsertSite(ctx, models.Site{URL: "https://example.net"})
	if err != nil {
		t.Fatalf("UpsertSite() error = %v", err)
	}
	if err := s.TouchSiteLastCrawled(ctx, siteID, time.Now()); err != nil {
		t.Fatalf("TouchSiteLastCrawled() error = %v", err)
	}
}

func TestInsertMediaRowConflictReturnsErrNoRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	siteID, err := s.UpsertSite(ctx, models.Site{URL: "https://conflict.example"})
	if err != nil {
		t.Fatalf("UpsertSite() error = %v", err)
	}
	pageID, err := s.InsertPage(ctx, models.Page{SiteID: siteID, URL: "https://conflict.example/", Title: "t", Text: "x"})
	if err != nil {
		t.Fatalf("InsertPage() error = %v", err)
	}

	m := models.MediaFile{
		PageID:       pageID,
		SourceURL:    "https://conflict.example/cat.jpg",
		MimeType:     "image/jpeg",
		Category:     models.CategoryImage,
		SizeBytes:    1024,
		DownloadedAt: time.Now(),
	}
	if _, err := s.insertMediaRow(ctx, m); err != nil {
		t.Fatalf("insertMediaRow() first insert error = %v", err)
	}

	_, err = s.insertMediaRow(ctx, m)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("insertMediaRow() second insert error = %v, want sql.ErrNoRows", err)
	}
}

func TestGetSiteByURLReflectsLastCrawled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	siteID, err := s.UpsertSite(ctx, models.Site{URL: "https://example.org", IsI2P: true})
	if err != nil {
		t.Fatalf("UpsertSite() error = %v", err)
	}

	before, err := s.GetSiteByURL(ctx, "https://example.org")
	if err != nil {
		t.Fatalf("GetSiteByURL() error = %v", err)
	}
	if before.LastCrawled != nil {
		t.Fatalf("LastCrawled = %v, want nil before first crawl", before.LastCrawled)
	}
	if !before.IsI2P || before.ID != siteID {
		t.Fatalf("GetSiteByURL() = %+v, want IsI2P=true ID=%d", before, siteID)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.TouchSiteLastCrawled(ctx, siteID, now); err != nil {
		t.Fatalf("TouchSiteLastCrawled() error = %v", err)
	}

	after, err := s.GetSiteByURL(ctx, "https://example.org")
	if err != nil {
		t.Fatalf("GetSiteByURL() error = %v", err)
	}
	if after.LastCrawled == nil || !after.LastCrawled.Equal(now) {
		t.Fatalf("LastCrawled = %v, want %v", after.LastCrawled, now)
	}
}
