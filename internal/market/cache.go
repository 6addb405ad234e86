// Package market implements market-metadata enrichment: a read-through
// cache over the store, the taxonomy loader, and categorization.
//
// Market documents live in the store only; the taxonomy (sports tag ids
// plus the tag dictionary) is kept resident and refreshed read-through when
// it passes its TTL. A market document is a hit iff it exists and is younger
// than the configured TTL. The engine batches its misses and calls
// FillMissing once per cycle.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"whale-alerts/internal/config"
	"whale-alerts/internal/store"
	"whale-alerts/internal/upstream"
	"whale-alerts/pkg/types"
)

// Cache is the read-through metadata cache plus taxonomy state.
type Cache struct {
	store  *store.Store
	client *upstream.Client
	logger *slog.Logger

	marketTTL   time.Duration
	taxonomyTTL time.Duration

	// Taxonomy is owned by the engine goroutine; no locking needed.
	sportsTagIDs map[string]bool
	tags         map[string]types.TagInfo
	taxLoadedAt  time.Time
}

// NewCache creates the cache. Call EnsureTaxonomy before the first
// enrichment so categorization has its inputs.
func NewCache(cfg config.Config, st *store.Store, client *upstream.Client, logger *slog.Logger) *Cache {
	return &Cache{
		store:        st,
		client:       client,
		logger:       logger.With("component", "market"),
		marketTTL:    cfg.Markets.TTL,
		taxonomyTTL:  cfg.Taxonomy.TTL,
		sportsTagIDs: make(map[string]bool),
		tags:         make(map[string]types.TagInfo),
	}
}

// EnsureTaxonomy makes the in-memory taxonomy usable: store first, then the
// upstream on a miss. If both fail, categorization degrades gracefully (no
// market is flagged sports and no tag labels resolve). A fresh in-memory
// copy short-circuits.
func (c *Cache) EnsureTaxonomy(ctx context.Context) {
	if !c.taxLoadedAt.IsZero() && time.Since(c.taxLoadedAt) < c.taxonomyTTL {
		return
	}

	sports, dict, ok, err := c.store.LoadTaxonomy()
	if err != nil {
		c.logger.Warn("taxonomy cache read failed", "error", err)
	}
	if !ok || err != nil {
		sports, dict, err = c.client.LoadTaxonomy(ctx)
		if err != nil {
			c.logger.Warn("taxonomy fetch failed, categorization degraded", "error", err)
			c.taxLoadedAt = time.Now() // don't hammer the upstream every cycle
			return
		}
		if err := c.store.StoreTaxonomy(sports, dict, c.taxonomyTTL); err != nil {
			c.logger.Warn("taxonomy cache write failed", "error", err)
		}
	}

	c.sportsTagIDs = make(map[string]bool, len(sports))
	for _, id := range sports {
		c.sportsTagIDs[id] = true
	}
	c.tags = dict
	c.taxLoadedAt = time.Now()
	c.logger.Info("taxonomy loaded", "sports_tags", len(sports), "tags", len(dict))
}

// Get returns fresh cached metadata for a market, or nil when the market is
// unknown or the cached document is older than the TTL.
func (c *Cache) Get(conditionID string) (*types.MarketMetadata, error) {
	m, err := c.store.GetMarket(conditionID)
	if err != nil || m == nil {
		return nil, err
	}
	if time.Since(m.UpdatedAt) >= c.marketTTL {
		return nil, nil
	}
	return m, nil
}

// FillMissing fetches and caches metadata for the given condition ids.
// Ids the upstream cannot resolve stay absent; concurrent fills of
// overlapping sets are harmless (same-freshness overwrite).
func (c *Cache) FillMissing(ctx context.Context, conditionIDs []string) error {
	if len(conditionIDs) == 0 {
		return nil
	}

	fetched, err := c.client.FetchMarketsBatch(ctx, conditionIDs)
	if err != nil {
		return fmt.Errorf("fill missing markets: %w", err)
	}

	for _, m := range fetched {
		c.categorize(&m)
		if err := c.store.PutMarket(m, c.marketTTL); err != nil {
			c.logger.Warn("market cache write failed", "condition_id", m.ConditionID, "error", err)
		}
	}
	return nil
}

// categorize stamps IsSports and Categories onto a freshly fetched record.
func (c *Cache) categorize(m *types.MarketMetadata) {
	m.IsSports = false
	for _, id := range m.TagIDs {
		if c.sportsTagIDs[id] {
			m.IsSports = true
			break
		}
	}

	seen := make(map[string]bool)
	categories := []string{}
	for _, id := range m.TagIDs {
		for _, cat := range c.categoriesOf(id) {
			if !seen[cat] {
				seen[cat] = true
				categories = append(categories, cat)
			}
		}
	}
	m.Categories = categories
}

// categoriesOf resolves a tag id to categories: persisted map first, then
// keyword inference from the tag's label/slug. Inferences are persisted for
// reuse; unknown tags resolve to nothing and are not persisted.
func (c *Cache) categoriesOf(tagID string) []string {
	cats, found, err := c.store.GetTagCategories(tagID)
	if err != nil {
		c.logger.Warn("tag category read failed", "tag_id", tagID, "error", err)
		return nil
	}
	if found {
		return cats
	}

	tag, ok := c.tags[tagID]
	if !ok {
		return nil
	}
	inferred := inferCategories(tag.Label, tag.Slug)
	if err := c.store.PutTagCategories(tagID, inferred); err != nil {
		c.logger.Warn("tag category write failed", "tag_id", tagID, "error", err)
	}
	return inferred
}
