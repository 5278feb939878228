package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-catalog-sync/commerce"
	"github.com/aluiziolira/go-catalog-sync/config"
	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/remote"
	"github.com/aluiziolira/go-catalog-sync/store"
	"github.com/gocolly/colly/v2"
)

// Fetcher downloads image bytes from a source URL.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) (contentType string, data []byte, err error)
}

// ImageStore deduplicates image fetches by exact source URL. The first
// reference fetches and stores the bytes; every later reference reuses
// the recorded local asset id. An LRU cache fronts the durable index so
// repeated references within one run skip the KV round trip.
type ImageStore struct {
	kv      store.KV
	local   commerce.Store
	fetcher Fetcher
	cache   *lru.Cache[string, int64]
}

// NewImageStore wires the dedup index over the KV store and local asset
// storage.
func NewImageStore(kv store.KV, local commerce.Store, fetcher Fetcher, cacheSize int) (*ImageStore, error) {
	cache, err := lru.New[string, int64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}
	return &ImageStore{kv: kv, local: local, fetcher: fetcher, cache: cache}, nil
}

// Ensure returns the local asset id for a source URL, fetching and
// storing the bytes only if no dedup entry exists yet.
func (s *ImageStore) Ensure(ctx context.Context, sourceURL string) (int64, error) {
	if assetID, ok := s.cache.Get(sourceURL); ok {
		return assetID, nil
	}

	var entry models.ImageDedupEntry
	found, err := store.LoadJSON(ctx, s.kv, store.ImageKey(sourceURL), &entry)
	if err != nil {
		return 0, err
	}
	if found {
		s.cache.Add(sourceURL, entry.LocalAssetID)
		return entry.LocalAssetID, nil
	}

	contentType, data, err := s.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return 0, err
	}
	assetID, err := s.local.SaveAsset(ctx, sourceURL, contentType, data)
	if err != nil {
		return 0, fmt.Errorf("store asset %s: %w", sourceURL, err)
	}

	entry = models.ImageDedupEntry{SourceURL: sourceURL, LocalAssetID: assetID}
	if err := store.SaveJSON(ctx, s.kv, store.ImageKey(sourceURL), entry); err != nil {
		return 0, err
	}
	s.cache.Add(sourceURL, assetID)

	slog.Debug("fetched new image asset",
		slog.String("source_url", sourceURL),
		slog.Int64("asset_id", assetID),
		slog.Int("bytes", len(data)),
	)
	return assetID, nil
}

// CollyFetcher downloads images through a shared collector so the
// configured per-host delay applies across fetches.
type CollyFetcher struct {
	collector *colly.Collector
}

// NewCollyFetcher builds the image downloader from cfg.
func NewCollyFetcher(cfg *config.Config) (*CollyFetcher, error) {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
	)
	collector.SetRequestTimeout(cfg.CallTimeout)
	collector.IgnoreRobotsTxt = true

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       cfg.ImageFetchDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure image fetch limits: %w", err)
	}

	return &CollyFetcher{collector: collector}, nil
}

// Fetch downloads one image. Failures come back as *remote.CallError so
// callers can classify them for retry.
func (f *CollyFetcher) Fetch(ctx context.Context, sourceURL string) (string, []byte, error) {
	c := f.collector.Clone()

	var (
		contentType string
		data        []byte
		callErr     error
	)
	c.OnResponse(func(r *colly.Response) {
		contentType = r.Headers.Get("Content-Type")
		data = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		var headers http.Header
		status := 0
		if r != nil {
			status = r.StatusCode
			if r.Headers != nil {
				headers = *r.Headers
			}
		}
		callErr = &remote.CallError{
			Endpoint: sourceURL,
			Status:   status,
			Headers:  headers,
			Timeout:  ctx.Err() != nil,
			Err:      err,
		}
	})

	if err := c.Visit(sourceURL); err != nil {
		return "", nil, &remote.CallError{Endpoint: sourceURL, Err: err}
	}
	c.Wait()

	if callErr != nil {
		return "", nil, callErr
	}
	if data == nil {
		return "", nil, &remote.CallError{Endpoint: sourceURL, Err: fmt.Errorf("empty response body")}
	}
	return contentType, data, nil
}
