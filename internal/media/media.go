// Package media implements the Media Pipeline (spec.md §4.F): dedup,
// categorization, size-capped streaming download, object-store upload, and
// metadata persistence for one media reference at a time.
package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/deepweb-research/crawlcore/internal/config"
	"github.com/deepweb-research/crawlcore/internal/models"
	"github.com/deepweb-research/crawlcore/internal/objectstore"
	"github.com/deepweb-research/crawlcore/internal/result"
	"github.com/deepweb-research/crawlcore/internal/store"
	"github.com/deepweb-research/crawlcore/internal/transport"
)

const streamChunkSize = 8 * 1024

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".webp": true, ".svg": true}
var videoExts = map[string]bool{".mp4": true, ".avi": true, ".mov": true, ".wmv": true, ".flv": true, ".webm": true, ".mkv": true}
var audioExts = map[string]bool{".mp3": true, ".wav": true, ".ogg": true, ".m4a": true, ".flac": true, ".aac": true}
var documentExts = map[string]bool{".pdf": true, ".doc": true, ".docx": true, ".txt": true, ".zip": true, ".rar": true}

// objectPutter is the object store surface the pipeline needs; satisfied by
// *objectstore.Client, and narrow enough for tests to fake.
type objectPutter interface {
	Put(ctx context.Context, cat models.MediaCategory, key string, data []byte, mimeType string) error
	Bucket(cat models.MediaCategory) string
}

// mediaStore is the persistence surface the pipeline needs.
type mediaStore interface {
	MediaExists(ctx context.Context, pageID int64, sourceURL string) (bool, error)
	InsertMediaMetadata(ctx context.Context, m models.MediaFile) (int64, error)
}

// Pipeline wires the transport registry, object store, and persistence
// layer together to implement process(page_id, media_ref).
type Pipeline struct {
	registry *transport.Registry
	objects  objectPutter
	db       mediaStore
	caps     map[models.MediaCategory]int64
}

// New builds a Pipeline from the Media Pipeline's size caps config.
func New(registry *transport.Registry, objects *objectstore.Client, db *store.Store, cfg config.MediaConfig) *Pipeline {
	return &Pipeline{
		registry: registry,
		objects:  objects,
		db:       db,
		caps: map[models.MediaCategory]int64{
			models.CategoryImage:    cfg.MaxImageSizeBytes,
			models.CategoryAudio:    cfg.MaxAudioSizeBytes,
			models.CategoryVideo:    cfg.MaxVideoSizeBytes,
			models.CategoryDocument: cfg.MaxDocumentSizeBytes,
			models.CategoryOther:    cfg.MaxOtherSizeBytes,
		},
	}
}

// categorizeByExtension classifies a URL path's extension per spec.md §4.F
// step 3, returning ("", false) when the extension is unrecognized.
func categorizeByExtension(rawURL string) (models.MediaCategory, bool) {
	ext := strings.ToLower(path.Ext(stripQuery(rawURL)))
	switch {
	case imageExts[ext]:
		return models.CategoryImage, true
	case videoExts[ext]:
		return models.CategoryVideo, true
	case audioExts[ext]:
		return models.CategoryAudio, true
	case documentExts[ext]:
		return models.CategoryDocument, true
	default:
		return "", false
	}
}

func stripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// categorizeByContentType falls back to the Content-Type header's type
// prefix when the URL extension is unrecognized.
func categorizeByContentType(contentType string) models.MediaCategory {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.CategoryImage
	case strings.HasPrefix(contentType, "video/"):
		return models.CategoryVideo
	case strings.HasPrefix(contentType, "audio/"):
		return models.CategoryAudio
	default:
		return models.CategoryOther
	}
}

// Process implements spec.md §4.F's process(page_id, media_ref) operation.
func (p *Pipeline) Process(ctx context.Context, pageID int64, mediaURL string) result.Outcome {
	exists, err := p.db.MediaExists(ctx, pageID, mediaURL)
	if err != nil {
		return result.Error(result.ReasonStorageError, err)
	}
	if exists {
		return result.Skipped(result.ReasonDuplicate)
	}

	tr, _, ok := p.registry.Select(mediaURL)
	if !ok {
		return result.Error(result.ReasonNoTransport, fmt.Errorf("no transport for %s", mediaURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return result.Error(result.ReasonTransportError, err)
	}
	resp, err := tr.Client.Do(req)
	if err != nil {
		return result.Error(result.ReasonTransportError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result.Error(result.ReasonHTTPError, fmt.Errorf("http status %d", resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	category, ok := categorizeByExtension(mediaURL)
	if !ok {
		category = categorizeByContentType(contentType)
	}

	sizeCap := p.caps[category]
	if sizeCap > 0 && resp.ContentLength > 0 && resp.ContentLength > sizeCap {
		return result.Skipped(result.ReasonTooLarge)
	}

	data, err := streamWithCap(resp.Body, sizeCap)
	if err != nil {
		if err == errTooLarge {
			return result.Skipped(result.ReasonTooLarge)
		}
		return result.Error(result.ReasonTransportError, err)
	}

	downloadedAt := time.Now()
	ext := extensionFor(mediaURL, contentType)
	key := objectstore.ObjectKey(fmt.Sprintf("%d", pageID), mediaURL, downloadedAt, ext)

	if err := p.objects.Put(ctx, category, key, data, mimeTypeFor(contentType, ext)); err != nil {
		return result.Error(result.ReasonStorageError, err)
	}

	m := models.MediaFile{
		PageID:       pageID,
		SourceURL:    mediaURL,
		MimeType:     mimeTypeFor(contentType, ext),
		Category:     category,
		SizeBytes:    int64(len(data)),
		Bucket:       p.objects.Bucket(category),
		ObjectKey:    key,
		DownloadedAt: downloadedAt,
	}
	if models.ShouldInline(m.SizeBytes) {
		m.Inline = data
	}

	if _, err := p.db.InsertMediaMetadata(ctx, m); err != nil {
		if isUniqueViolation(err) {
			return result.Skipped(result.ReasonDuplicate)
		}
		return result.Error(result.ReasonStorageError, err)
	}

	return result.OKWithBytes(m.SizeBytes)
}

var errTooLarge = fmt.Errorf("media: exceeds size cap mid-stream")

// streamWithCap reads r in 8 KiB chunks, aborting once the cumulative size
// exceeds sizeCap (spec.md §4.F step 5). sizeCap <= 0 means unbounded.
func streamWithCap(r io.Reader, sizeCap int64) ([]byte, error) {
	buf := make([]byte, 0, streamChunkSize)
	chunk := make([]byte, streamChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if sizeCap > 0 && int64(len(buf)) > sizeCap {
				return nil, errTooLarge
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func extensionFor(rawURL, contentType string) string {
	ext := path.Ext(stripQuery(rawURL))
	if ext != "" {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func mimeTypeFor(contentType, ext string) string {
	if contentType != "" {
		return contentType
	}
	if guessed := mime.TypeByExtension(ext); guessed != "" {
		return guessed
	}
	return "application/octet-stream"
}

func isUniqueViolation(err error) bool {
	// Both drivers signal a conflict on (page_id, source_url) by returning no
	// row from a DO NOTHING/OR IGNORE insert, which Scan/RowsAffected surfaces
	// as sql.ErrNoRows rather than a distinct constraint-violation error.
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
