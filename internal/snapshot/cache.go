// Package snapshot memoizes product enrichment and detail lookups for the
// lifetime of the process. Entries are never invalidated; a restart clears
// them.
package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/qnb/shoppilot/internal/product"
)

// Enricher fetches product snapshots for a batch of ids.
// Implemented by remote.Client.
type Enricher interface {
	EnrichProducts(ctx context.Context, token string, ids []string) ([]product.Snapshot, error)
}

// DetailFetcher loads the raw detail document of one product.
type DetailFetcher func(ctx context.Context, id string) (json.RawMessage, error)

// Stats counts cache activity.
type Stats struct {
	EnrichHits    int `json:"enrich_hits"`
	EnrichMisses  int `json:"enrich_misses"`
	InflightWaits int `json:"inflight_waits"`
	DetailHits    int `json:"detail_hits"`
	DetailMisses  int `json:"detail_misses"`
	Enriched      int `json:"enriched"`
	Details       int `json:"details"`
}

// batch is one outstanding enrichment request; done closes when its results
// have been stored.
type batch struct {
	done chan struct{}
}

// Cache holds enrichment results and product details keyed by product id.
type Cache struct {
	enricher Enricher
	logger   *slog.Logger
	details  singleflight.Group

	mu        sync.Mutex
	enriched  map[string]product.Ref
	detailMap map[string]*product.Detail
	inflight  map[string]*batch
	stats     Stats
}

// New creates an empty Cache backed by enricher.
func New(enricher Enricher) *Cache {
	return &Cache{
		enricher:  enricher,
		logger:    slog.Default(),
		enriched:  make(map[string]product.Ref),
		detailMap: make(map[string]*product.Detail),
		inflight:  make(map[string]*batch),
	}
}

// Enrich returns a snapshot for every requested id that is cached or that
// the remote returned. Cached ids are served from memory, ids already being
// fetched by a concurrent call are awaited, and the rest are fetched in a
// single batch. Failures leave ids out of the result; Enrich never fails.
func (c *Cache) Enrich(ctx context.Context, ids []string, token string) map[string]product.Ref {
	unique := dedupe(ids)
	out := make(map[string]product.Ref, len(unique))
	if len(unique) == 0 {
		return out
	}

	var missing []string
	var waits []*batch
	var own *batch

	c.mu.Lock()
	for _, id := range unique {
		if ref, ok := c.enriched[id]; ok {
			out[id] = ref
			c.stats.EnrichHits++
			continue
		}
		if b, ok := c.inflight[id]; ok {
			waits = append(waits, b)
			c.stats.InflightWaits++
			continue
		}
		missing = append(missing, id)
		c.stats.EnrichMisses++
	}
	if len(missing) > 0 {
		own = &batch{done: make(chan struct{})}
		for _, id := range missing {
			c.inflight[id] = own
		}
	}
	c.mu.Unlock()

	if own != nil {
		c.fetch(ctx, token, missing, own)
	}

	for _, b := range waits {
		select {
		case <-b.done:
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range unique {
		if _, ok := out[id]; ok {
			continue
		}
		if ref, ok := c.enriched[id]; ok {
			out[id] = ref
		}
	}
	return out
}

func (c *Cache) fetch(ctx context.Context, token string, ids []string, b *batch) {
	snaps, err := c.enricher.EnrichProducts(ctx, token, ids)
	if err != nil {
		c.logger.Debug("enrichment failed", "ids", len(ids), "error", err)
	}

	c.mu.Lock()
	for _, s := range snaps {
		if s.ProductID == "" {
			continue
		}
		ref := product.FromSnapshot(s)
		if prev, ok := c.enriched[s.ProductID]; ok {
			ref = product.Fill(ref, prev)
		}
		c.enriched[s.ProductID] = ref
	}
	for _, id := range ids {
		if c.inflight[id] == b {
			delete(c.inflight, id)
		}
	}
	c.mu.Unlock()
	close(b.done)
}

// Detail returns the cached detail of id, fetching it on first use.
// Concurrent calls for the same id share one fetch. A failed fetch returns
// nil and is not cached, so callers proceed without the detail.
func (c *Cache) Detail(ctx context.Context, id string, fetch DetailFetcher) *product.Detail {
	if id == "" || fetch == nil {
		return nil
	}

	c.mu.Lock()
	if d, ok := c.detailMap[id]; ok {
		c.stats.DetailHits++
		c.mu.Unlock()
		return d
	}
	c.stats.DetailMisses++
	c.mu.Unlock()

	v, err, _ := c.details.Do(id, func() (any, error) {
		raw, err := fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		d := product.ParseDetail(id, raw)
		c.mu.Lock()
		c.detailMap[id] = d
		c.mu.Unlock()
		return d, nil
	})
	if err != nil {
		c.logger.Debug("product detail unavailable", "product_id", id, "error", err)
		return nil
	}
	return v.(*product.Detail)
}

// Stats returns a copy of the activity counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Enriched = len(c.enriched)
	s.Details = len(c.detailMap)
	return s
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
