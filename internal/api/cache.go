package api

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/vozfin/vozfin-core/internal/ledger"
)

// summaryCache holds month summaries until the next ledger write.
type summaryCache struct {
	cache *ristretto.Cache
}

func newSummaryCache(size int64) (*summaryCache, error) {
	if size <= 0 {
		return &summaryCache{}, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create summary cache: %w", err)
	}
	return &summaryCache{cache: cache}, nil
}

func summaryKey(year, month int) string {
	return fmt.Sprintf("summary:%04d-%02d", year, month)
}

func (c *summaryCache) get(key string) (ledger.MonthSummary, bool) {
	if c.cache == nil {
		return ledger.MonthSummary{}, false
	}
	v, ok := c.cache.Get(key)
	if !ok {
		return ledger.MonthSummary{}, false
	}
	summary, ok := v.(ledger.MonthSummary)
	return summary, ok
}

func (c *summaryCache) set(key string, summary ledger.MonthSummary) {
	if c.cache == nil {
		return
	}
	c.cache.Set(key, summary, 1)
	c.cache.Wait()
}

func (c *summaryCache) clear() {
	if c.cache == nil {
		return
	}
	c.cache.Clear()
}

func (c *summaryCache) close() {
	if c.cache == nil {
		return
	}
	c.cache.Close()
}
