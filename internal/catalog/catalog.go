// Package catalog loads the furniture catalog and the suggested question pool.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BTreeMap/FurnitureDate/internal/models"
)

// DefaultHTTPTimeout bounds a single catalog request.
const DefaultHTTPTimeout = 10 * time.Second

// DefaultMaxRetries is how often a failed remote fetch is retried.
const DefaultMaxRetries = 3

// ErrSourceUnavailable wraps every transport or decode failure of a catalog source.
var ErrSourceUnavailable = errors.New("catalog source unavailable")

// Source supplies catalog items.
type Source interface {
	FetchItems(ctx context.Context) ([]models.CatalogItem, error)
}

// Clean drops untitled items and keeps the first of any duplicate title.
func Clean(items []models.CatalogItem) []models.CatalogItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]models.CatalogItem, 0, len(items))
	for _, item := range items {
		if err := item.Validate(); err != nil {
			slog.Warn("catalog.Clean: dropping invalid item", "error", err)
			continue
		}
		key := models.NormalizeID(item.Title)
		if _, dup := seen[key]; dup {
			slog.Warn("catalog.Clean: dropping duplicate title", "title", item.Title)
			continue
		}
		seen[key] = struct{}{}
		item.Title = strings.TrimSpace(item.Title)
		out = append(out, item)
	}
	return out
}

// Find returns the item addressed by id.
func Find(items []models.CatalogItem, id string) (models.CatalogItem, bool) {
	for _, item := range items {
		if item.MatchesID(id) {
			return item, true
		}
	}
	return models.CatalogItem{}, false
}

func decodeItems(data []byte) ([]models.CatalogItem, error) {
	var items []models.CatalogItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %v", ErrSourceUnavailable, err)
	}
	return Clean(items), nil
}

// FileSource reads the catalog from a JSON array on disk.
type FileSource struct {
	Path string
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// FetchItems reads and decodes the catalog file.
func (s *FileSource) FetchItems(ctx context.Context) ([]models.CatalogItem, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		slog.Error("FileSource.FetchItems: read failed", "path", s.Path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	items, err := decodeItems(data)
	if err != nil {
		slog.Error("FileSource.FetchItems: decode failed", "path", s.Path, "error", err)
		return nil, err
	}
	slog.Debug("FileSource.FetchItems: loaded catalog", "path", s.Path, "items", len(items))
	return items, nil
}

// HTTPOpts holds configuration options for an HTTPSource.
type HTTPOpts struct {
	Client     *http.Client
	MaxRetries uint64
}

// HTTPOption defines a configuration option for an HTTPSource.
type HTTPOption func(*HTTPOpts)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *HTTPOpts) { o.Client = c }
}

// WithMaxRetries sets how often a failed fetch is retried.
func WithMaxRetries(n uint64) HTTPOption {
	return func(o *HTTPOpts) { o.MaxRetries = n }
}

// HTTPSource fetches the catalog as a JSON array from a remote URL.
type HTTPSource struct {
	url        string
	client     *http.Client
	maxRetries uint64
}

// NewHTTPSource creates an HTTPSource for url.
func NewHTTPSource(url string, opts ...HTTPOption) *HTTPSource {
	cfg := HTTPOpts{MaxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &HTTPSource{url: url, client: cfg.Client, maxRetries: cfg.MaxRetries}
}

// FetchItems downloads the catalog, retrying transient failures with exponential backoff.
func (s *HTTPSource) FetchItems(ctx context.Context) ([]models.CatalogItem, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("catalog server returned %s", resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("catalog server returned %s", resp.Status))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		slog.Warn("HTTPSource.FetchItems: fetch failed, retrying", "url", s.url, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		slog.Error("HTTPSource.FetchItems: fetch failed", "url", s.url, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	items, err := decodeItems(body)
	if err != nil {
		slog.Error("HTTPSource.FetchItems: decode failed", "url", s.url, "error", err)
		return nil, err
	}
	slog.Debug("HTTPSource.FetchItems: loaded catalog", "url", s.url, "items", len(items))
	return items, nil
}

// NewSource picks an HTTPSource for http(s) locations and a FileSource otherwise.
func NewSource(location string, opts ...HTTPOption) Source {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewHTTPSource(location, opts...)
	}
	return NewFileSource(location)
}
