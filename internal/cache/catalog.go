package cache

import (
	"context"
	"fmt"
	"time"

	"kassa/internal/core"
)

// CategorySource loads the category catalog from the store.
type CategorySource interface {
	ListCategories(ctx context.Context) ([]core.Category, error)
}

const catalogKey = "categories"

// Catalog caches the category seed, which only changes with a migration.
type Catalog struct {
	source CategorySource
	cache  *LRUCache[[]core.Category]
}

func NewCatalog(source CategorySource, ttl time.Duration) *Catalog {
	return &Catalog{
		source: source,
		cache:  NewLRUCache[[]core.Category](1, ttl),
	}
}

// Categories returns the catalog in display order.
func (c *Catalog) Categories(ctx context.Context) ([]core.Category, error) {
	if cached, ok := c.cache.Get(catalogKey); ok {
		return append([]core.Category(nil), cached...), nil
	}
	categories, err := c.source.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("load category catalog: %w", err)
	}
	c.cache.Set(catalogKey, categories)
	return append([]core.Category(nil), categories...), nil
}

// ByName matches name case-insensitively against the catalog.
func (c *Catalog) ByName(ctx context.Context, name string) (core.Category, error) {
	categories, err := c.Categories(ctx)
	if err != nil {
		return core.Category{}, err
	}
	folded := core.FoldName(name)
	for _, cat := range categories {
		if core.FoldName(cat.Name) == folded {
			return cat, nil
		}
	}
	return core.Category{}, fmt.Errorf("category %q: %w", name, core.ErrNotFound)
}

// Invalidate forces the next read to hit the store.
func (c *Catalog) Invalidate() {
	c.cache.Delete(catalogKey)
}

// CleanExpired implements Cleaner.
func (c *Catalog) CleanExpired() int {
	return c.cache.CleanExpired()
}
