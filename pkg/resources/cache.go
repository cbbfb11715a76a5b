package resources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/willnjohnson/bilinguis-epub/pkg/data"
	"github.com/willnjohnson/bilinguis-epub/pkg/fetch"
)

// ErrResourceUnavailable means a resource download failed for good. Callers
// substitute a placeholder; the conversion keeps going.
var ErrResourceUnavailable = errors.New("resource unavailable")

// Cache is the content-addressed store for downloaded binary assets.
// Each distinct URL is downloaded at most once per run (including failed
// attempts); byte-identical content behind different URLs collapses to one
// stored resource. Intern is safe for concurrent use: concurrent calls for
// the same URL share a single in-flight download.
type Cache struct {
	dir     string
	fetcher fetch.Fetcher
	logger  *zap.Logger
	group   singleflight.Group

	mu     sync.Mutex
	byURL  map[string]*data.Resource
	byHash map[string]*data.Resource
	failed map[string]error
}

// NewCache creates a cache backed by dir. The directory must exist; its
// lifecycle (temp creation, post-run removal or retention) belongs to the
// caller.
func NewCache(dir string, fetcher fetch.Fetcher, logger *zap.Logger) *Cache {
	return &Cache{
		dir:     dir,
		fetcher: fetcher,
		logger:  logger,
		byURL:   make(map[string]*data.Resource),
		byHash:  make(map[string]*data.Resource),
		failed:  make(map[string]error),
	}
}

// Intern returns the stored resource for url, downloading it first if this is
// the url's first appearance in the run.
func (c *Cache) Intern(ctx context.Context, url string) (*data.Resource, error) {
	v, err, _ := c.group.Do(url, func() (any, error) {
		c.mu.Lock()
		if r, ok := c.byURL[url]; ok {
			c.mu.Unlock()
			return r, nil
		}
		if ferr, ok := c.failed[url]; ok {
			c.mu.Unlock()
			return nil, ferr
		}
		c.mu.Unlock()
		return c.download(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	return v.(*data.Resource), nil
}

func (c *Cache) download(ctx context.Context, url string) (*data.Resource, error) {
	body, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		werr := fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
		c.mu.Lock()
		c.failed[url] = werr
		c.mu.Unlock()
		return nil, werr
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	if r, ok := c.byHash[hash]; ok {
		// Same bytes under a different URL: reuse the stored file.
		c.byURL[url] = r
		c.mu.Unlock()
		c.logger.Debug("resource deduplicated by content hash",
			zap.String("url", url),
			zap.String("filename", r.Filename))
		return r, nil
	}
	c.mu.Unlock()

	mtype := mimetype.Detect(body)
	ext := mtype.Extension()
	if ext == "" {
		ext = ".bin"
	}
	res := &data.Resource{
		URL:       url,
		Hash:      hash,
		Filename:  hash[:16] + ext,
		MediaType: mtype.String(),
	}
	res.LocalPath = filepath.Join(c.dir, res.Filename)

	if err := os.WriteFile(res.LocalPath, body, 0644); err != nil {
		werr := fmt.Errorf("%w: store %s: %v", ErrResourceUnavailable, res.Filename, err)
		c.mu.Lock()
		c.failed[url] = werr
		c.mu.Unlock()
		return nil, werr
	}

	c.mu.Lock()
	c.byURL[url] = res
	c.byHash[hash] = res
	c.mu.Unlock()

	c.logger.Debug("resource stored",
		zap.String("url", url),
		zap.String("filename", res.Filename),
		zap.String("media_type", res.MediaType),
		zap.Int("bytes", len(body)))
	return res, nil
}

// Resources lists all stored resources, ordered by filename for a
// deterministic manifest.
func (c *Cache) Resources() []*data.Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*data.Resource, 0, len(c.byHash))
	for _, r := range c.byHash {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// Dir is the backing directory.
func (c *Cache) Dir() string { return c.dir }

// Cleanup removes the backing files. Not called in constrained mode, where
// the files are kept for inspection.
func (c *Cache) Cleanup() error {
	return os.RemoveAll(c.dir)
}
