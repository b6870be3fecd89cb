package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FurnitureDate/internal/models"
)

// Cache keeps the last good catalog in memory and refreshes it on demand.
type Cache struct {
	source Source

	mu        sync.RWMutex
	items     []models.CatalogItem
	loaded    bool
	refreshed time.Time
}

// NewCache wraps source. Nothing is fetched until the first call.
func NewCache(source Source) *Cache {
	return &Cache{source: source}
}

// FetchItems returns the cached catalog, loading it on first use.
func (c *Cache) FetchItems(ctx context.Context) ([]models.CatalogItem, error) {
	c.mu.RLock()
	if c.loaded {
		items := append([]models.CatalogItem(nil), c.items...)
		c.mu.RUnlock()
		return items, nil
	}
	c.mu.RUnlock()

	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.CatalogItem(nil), c.items...), nil
}

// Refresh reloads the catalog from the source. On failure the previous copy is kept.
func (c *Cache) Refresh(ctx context.Context) error {
	items, err := c.source.FetchItems(ctx)
	if err != nil {
		slog.Warn("Cache.Refresh: keeping previous catalog", "error", err)
		return err
	}
	c.mu.Lock()
	c.items = items
	c.loaded = true
	c.refreshed = time.Now()
	c.mu.Unlock()
	slog.Info("Cache.Refresh: catalog refreshed", "items", len(items))
	return nil
}

// RefreshedAt reports when the catalog was last loaded successfully.
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}
