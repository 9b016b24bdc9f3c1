package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/janelia-flyem/maskchan/dvid"
	"github.com/janelia-flyem/maskchan/maskchan"
)

// DefaultResolverEntries is the number of resolved paths remembered when
// ResolverConfig.MaxEntries is not set.
const DefaultResolverEntries = 4096

// ResolverConfig is the [resolver] section of a batch configuration.
type ResolverConfig struct {
	Bucket     string // bucket reference for OpenBucket; empty for local files
	Root       string // directory for relative local paths
	CacheDir   string `toml:"cache_dir"`
	MaxEntries int    `toml:"max_entries"`
}

// LocalResolver resolves logical paths against a local root directory.
type LocalResolver struct {
	Root string
}

func (lr LocalResolver) Resolve(ctx context.Context, logical string) (string, error) {
	if filepath.IsAbs(logical) || lr.Root == "" {
		return logical, nil
	}
	return filepath.Join(lr.Root, filepath.FromSlash(logical)), nil
}

// BlobResolver fetches fragment files from a blob bucket into a local cache
// directory and remembers the most recently resolved paths.
type BlobResolver struct {
	bucket   *blob.Bucket
	cacheDir string

	mu       sync.Mutex
	resolved *lru.Cache
	fetched  int
}

// NewBlobResolver returns a resolver reading from bucket.  Fetched files are
// written below cacheDir, which is created if needed.
func NewBlobResolver(bucket *blob.Bucket, cacheDir string, maxEntries int) (*BlobResolver, error) {
	if cacheDir == "" {
		return nil, fmt.Errorf("blob resolver needs a cache directory")
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("can't make resolver cache directory %s: %v", cacheDir, err)
	}
	if maxEntries <= 0 {
		maxEntries = DefaultResolverEntries
	}
	return &BlobResolver{
		bucket:   bucket,
		cacheDir: cacheDir,
		resolved: lru.New(maxEntries),
	}, nil
}

// OpenResolver returns the resolver described by the config: a BlobResolver
// if a bucket is given, else a LocalResolver.
func OpenResolver(ctx context.Context, config ResolverConfig) (maskchan.FileResolver, func() error, error) {
	if config.Bucket == "" {
		return LocalResolver{Root: config.Root}, func() error { return nil }, nil
	}
	bucket, err := OpenBucket(ctx, config.Bucket)
	if err != nil {
		return nil, nil, err
	}
	br, err := NewBlobResolver(bucket, config.CacheDir, config.MaxEntries)
	if err != nil {
		bucket.Close()
		return nil, nil, err
	}
	return br, br.Close, nil
}

func blobKey(logical string) string {
	return strings.TrimPrefix(filepath.ToSlash(logical), "/")
}

// Resolve returns a local path holding the contents of the logical path,
// fetching it from the bucket the first time.
func (br *BlobResolver) Resolve(ctx context.Context, logical string) (string, error) {
	key := blobKey(logical)
	if key == "" {
		return "", fmt.Errorf("empty path cannot be resolved")
	}
	br.mu.Lock()
	defer br.mu.Unlock()

	if v, found := br.resolved.Get(key); found {
		local := v.(string)
		if _, err := os.Stat(local); err == nil {
			return local, nil
		}
		br.resolved.Remove(key)
	}
	local := filepath.Join(br.cacheDir, filepath.FromSlash(key))
	if _, err := os.Stat(local); err == nil {
		br.resolved.Add(key, local)
		return local, nil
	}
	if err := br.fetch(ctx, key, local); err != nil {
		return "", err
	}
	br.fetched++
	br.resolved.Add(key, local)
	return local, nil
}

func (br *BlobResolver) fetch(ctx context.Context, key, local string) error {
	r, err := br.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fmt.Errorf("%q not found in bucket: %w", key, os.ErrNotExist)
		}
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), ".fetch-*")
	if err != nil {
		return err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("fetching %q: %v", key, err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	dvid.Debugf("Fetched %q (%d bytes) into %s\n", key, n, local)
	return nil
}

// Fetched returns the number of files copied from the bucket.
func (br *BlobResolver) Fetched() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.fetched
}

// Close closes the bucket.  Fetched files are left in the cache directory.
func (br *BlobResolver) Close() error {
	return br.bucket.Close()
}
