package objectstore

import (
	"strings"
	"testing"
	"time"

	"github.com/deepweb-research/crawlcore/internal/config"
	"github.com/deepweb-research/crawlcore/internal/models"
	"github.com/rs/zerolog"
)

func TestObjectKeyFormat(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	key := ObjectKey("42", "https://example.com/cat.jpg", at, ".jpg")

	if !strings.HasPrefix(key, "page_42/1700000000_") {
		t.Fatalf("ObjectKey() = %q, want page_42/1700000000_ prefix", key)
	}
	if !strings.HasSuffix(key, ".jpg") {
		t.Fatalf("ObjectKey() = %q, want .jpg suffix", key)
	}
}

func TestObjectKeyIsDeterministic(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	a := ObjectKey("1", "https://example.com/a.png", at, ".png")
	b := ObjectKey("1", "https://example.com/a.png", at, ".png")
	if a != b {
		t.Fatalf("ObjectKey() not deterministic: %q != %q", a, b)
	}
}

func TestObjectKeyVariesBySourceURL(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	a := ObjectKey("1", "https://example.com/a.png", at, ".png")
	b := ObjectKey("1", "https://example.com/b.png", at, ".png")
	if a == b {
		t.Fatal("ObjectKey() should vary with source URL")
	}
}

func TestBucketNamePerCategory(t *testing.T) {
	c := &Client{prefix: "crawlcore", log: zerolog.Nop()}
	cases := map[models.MediaCategory]string{
		models.CategoryImage:    "crawlcore-images",
		models.CategoryAudio:    "crawlcore-audio",
		models.CategoryVideo:    "crawlcore-video",
		models.CategoryDocument: "crawlcore-documents",
		models.CategoryOther:    "crawlcore-other",
	}
	for cat, want := range cases {
		if got := c.Bucket(cat); got != want {
			t.Errorf("Bucket(%v) = %q, want %q", cat, got, want)
		}
	}
}

func TestNewBuildsClientFromConfig(t *testing.T) {
	cfg := config.ObjectConfig{
		Endpoint:        "127.0.0.1:9000",
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UseSSL:          false,
		ForcePathStyle:  true,
		BucketPrefix:    "crawlcore",
	}
	c, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Bucket(models.CategoryImage) != "crawlcore-images" {
		t.Fatalf("Bucket() = %q", c.Bucket(models.CategoryImage))
	}
}
