// Package objectstore implements the Object Store Client (spec.md §4.C): a
// thin wrapper around an S3-compatible bucket-per-category store, used by
// the Media Pipeline to persist every downloaded blob (blobs at or below
// the inline threshold are additionally kept inline in the database).
package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/deepweb-research/crawlcore/internal/config"
	"github.com/deepweb-research/crawlcore/internal/models"
	"github.com/rs/zerolog"
)

// bucketSuffixes maps each media category to its bucket name suffix
// (spec.md §4.C: "bucket per category").
var bucketSuffixes = map[models.MediaCategory]string{
	models.CategoryImage:    "images",
	models.CategoryAudio:    "audio",
	models.CategoryVideo:    "video",
	models.CategoryDocument: "documents",
	models.CategoryOther:    "other",
}

// Client wraps an S3-compatible object store.
type Client struct {
	s3       *s3.S3
	uploader *s3manager.Uploader
	prefix   string
	log      zerolog.Logger
}

// New builds a Client pointed at a custom S3-compatible endpoint
// (e.g. MinIO), using path-style addressing since most self-hosted
// S3-compatible stores don't support virtual-hosted buckets.
func New(cfg config.ObjectConfig, log zerolog.Logger) (*Client, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")).
		WithEndpoint(cfg.Endpoint).
		WithS3ForcePathStyle(cfg.ForcePathStyle).
		WithDisableSSL(!cfg.UseSSL)

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: building session: %w", err)
	}

	svc := s3.New(sess)
	return &Client{
		s3:       svc,
		uploader: s3manager.NewUploaderWithClient(svc),
		prefix:   cfg.BucketPrefix,
		log:      log,
	}, nil
}

// bucketName returns the full bucket name for a category, e.g.
// "crawlcore-images" when BucketPrefix is "crawlcore".
func (c *Client) bucketName(cat models.MediaCategory) string {
	return fmt.Sprintf("%s-%s", c.prefix, bucketSuffixes[cat])
}

// EnsureBuckets idempotently creates all five category buckets. It treats
// BucketAlreadyOwnedByYou / BucketAlreadyExists as success, since a
// previous run (or a concurrent worker) may have created them already.
func (c *Client) EnsureBuckets(ctx context.Context) error {
	for _, cat := range models.Categories {
		name := c.bucketName(cat)
		_, err := c.s3.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)})
		if err != nil {
			if isBucketOwnedErr(err) {
				continue
			}
			return fmt.Errorf("objectstore: creating bucket %s: %w", name, err)
		}
		c.log.Info().Str("bucket", name).Msg("object store bucket created")
	}
	return nil
}

func isBucketOwnedErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "BucketAlreadyOwnedByYou") || strings.Contains(msg, "BucketAlreadyExists")
}

// ObjectKey builds the content-addressed key for a media file, per
// spec.md §4.F: "page_{page_id}/{unix_seconds}_{md5(source_url)}.{ext}".
func ObjectKey(pageID string, sourceURL string, downloadedAt time.Time, ext string) string {
	sum := md5.Sum([]byte(sourceURL))
	return fmt.Sprintf("page_%s/%d_%s%s", pageID, downloadedAt.Unix(), hex.EncodeToString(sum[:]), ext)
}

// Put uploads data to the bucket for cat under key, setting the content
// type so later retrieval doesn't need to guess it.
func (c *Client) Put(ctx context.Context, cat models.MediaCategory, key string, data []byte, mimeType string) error {
	_, err := c.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(c.bucketName(cat)),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return fmt.Errorf("objectstore: uploading %s/%s: %w", c.bucketName(cat), key, err)
	}
	return nil
}

// Bucket exposes the resolved bucket name for a category, so the
// Persistence Layer can store it alongside the object key.
func (c *Client) Bucket(cat models.MediaCategory) string {
	return c.bucketName(cat)
}
