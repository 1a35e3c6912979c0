package inventory

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

type objectInfo struct {
	Name   string
	Size   int64
	CRC32C uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// objectStore is the slice of a bucket API the GCS source needs.
type objectStore interface {
	List(ctx context.Context, prefix string, fn func(objectInfo) error) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Close() error
}

// GCSSource lists attachments under gs://bucket/prefix and stages each one
// into a local directory so later stages can read it like any local file.
type GCSSource struct {
	store    objectStore
	prefix   string
	stageDir string
}

// ParseGCSURL splits gs://bucket/prefix. The returned prefix has no leading
// slash and, when non-empty, ends with one.
func ParseGCSURL(raw string) (bucket, prefix string, err error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", err
	}
	if !strings.EqualFold(parsed.Scheme, "gs") {
		return "", "", fmt.Errorf("%w: expected gs:// url, got %q", ErrInvalidInput, raw)
	}
	bucket = strings.TrimSpace(parsed.Host)
	if bucket == "" {
		return "", "", fmt.Errorf("%w: bucket is required in %q", ErrInvalidInput, raw)
	}
	prefix = strings.Trim(parsed.Path, "/")
	if prefix != "" {
		prefix += "/"
	}
	return bucket, prefix, nil
}

func NewGCSSource(ctx context.Context, rawURL, stageDir string) (*GCSSource, error) {
	bucket, prefix, err := ParseGCSURL(rawURL)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return newGCSSourceWithStore(&gcsObjectStore{client: client, bucket: bucket}, prefix, stageDir)
}

func newGCSSourceWithStore(store objectStore, prefix, stageDir string) (*GCSSource, error) {
	stageDir = strings.TrimSpace(stageDir)
	if stageDir == "" {
		return nil, fmt.Errorf("%w: stage directory is required for gs:// sources", ErrInvalidInput)
	}
	return &GCSSource{store: store, prefix: prefix, stageDir: filepath.Clean(stageDir)}, nil
}

func (s *GCSSource) Walk(ctx context.Context, fn WalkFunc) error {
	return s.store.List(ctx, s.prefix, func(obj objectInfo) error {
		if strings.HasSuffix(obj.Name, "/") {
			return nil
		}
		rel := strings.TrimPrefix(obj.Name, s.prefix)
		if rel == "" || !filepath.IsLocal(filepath.FromSlash(rel)) {
			return nil
		}
		segments := strings.Split(rel, "/")
		if len(segments) < MinSegments {
			return nil
		}
		localPath := filepath.Join(s.stageDir, filepath.FromSlash(rel))
		if err := s.stage(ctx, obj, localPath); err != nil {
			return fmt.Errorf("stage %s: %w", obj.Name, err)
		}
		return fn(segments, localPath)
	})
}

func (s *GCSSource) Close() error {
	return s.store.Close()
}

func (s *GCSSource) stage(ctx context.Context, obj objectInfo, localPath string) error {
	if stagedCopyMatches(localPath, obj) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	reader, err := s.store.Open(ctx, obj.Name)
	if err != nil {
		return err
	}
	defer reader.Close()

	tmpFile, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmpFile, reader); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		return err
	}
	committed = true
	return nil
}

// stagedCopyMatches reports whether localPath already holds the object's
// content, judged by size and CRC32C checksum.
func stagedCopyMatches(localPath string, obj objectInfo) bool {
	info, err := os.Stat(localPath)
	if err != nil || !info.Mode().IsRegular() || info.Size() != obj.Size {
		return false
	}
	f, err := os.Open(localPath)
	if err != nil {
		return false
	}
	defer f.Close()
	hash := crc32.New(castagnoli)
	if _, err := io.Copy(hash, f); err != nil {
		return false
	}
	return hash.Sum32() == obj.CRC32C
}

type gcsObjectStore struct {
	client *storage.Client
	bucket string
}

func (g *gcsObjectStore) List(ctx context.Context, prefix string, fn func(objectInfo) error) error {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(objectInfo{Name: attrs.Name, Size: attrs.Size, CRC32C: attrs.CRC32C}); err != nil {
			return err
		}
	}
}

func (g *gcsObjectStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return g.client.Bucket(g.bucket).Object(name).NewReader(ctx)
}

func (g *gcsObjectStore) Close() error {
	return g.client.Close()
}
