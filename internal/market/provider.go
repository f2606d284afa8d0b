package market

import (
	"sync"
	"time"

	"scenario-trading-bot/internal/logging"
)

// DataProvider is a per-tick kline cache keyed by (symbol, timeframe).
// Within a single tick each key is fetched at most once; across ticks the
// staleness window decides whether a cached entry may be reused.
type DataProvider struct {
	mu        sync.RWMutex
	client    ExchangeClient
	entries   map[string]*cacheEntry
	batchSize int
	staleSec  int
}

type cacheEntry struct {
	klines    []Kline
	fetchedAt time.Time
}

// NewDataProvider creates a provider. batchSize bounds concurrent fetches
// to stay inside exchange rate limits, staleSec is the cross-tick reuse
// window.
func NewDataProvider(client ExchangeClient, batchSize, staleSec int) *DataProvider {
	if batchSize <= 0 {
		batchSize = 3
	}
	return &DataProvider{
		client:    client,
		entries:   make(map[string]*cacheEntry),
		batchSize: batchSize,
		staleSec:  staleSec,
	}
}

func key(symbol, timeframe string) string {
	return symbol + ":" + timeframe
}

// Refresh fetches klines for all symbols concurrently with bounded
// parallelism. Per-symbol failures are logged and swallowed; the other
// symbols proceed. Symbols already fetched within this refresh's staleness
// window are skipped.
func (p *DataProvider) Refresh(symbols []string, timeframe string, limit int) {
	now := time.Now()

	pending := make([]string, 0, len(symbols))
	p.mu.RLock()
	for _, s := range symbols {
		if e, ok := p.entries[key(s, timeframe)]; ok {
			if now.Sub(e.fetchedAt) < time.Duration(p.staleSec)*time.Second {
				continue
			}
		}
		pending = append(pending, s)
	}
	p.mu.RUnlock()

	if len(pending) == 0 {
		return
	}

	sem := make(chan struct{}, p.batchSize)
	var wg sync.WaitGroup
	for _, symbol := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			klines, err := p.client.GetKlines(symbol, timeframe, limit)
			if err != nil {
				logging.WithComponent("DataProvider").Warn("Kline fetch failed",
					"symbol", symbol, "timeframe", timeframe, "error", err)
				return
			}
			p.mu.Lock()
			p.entries[key(symbol, timeframe)] = &cacheEntry{klines: klines, fetchedAt: time.Now()}
			p.mu.Unlock()
		}(symbol)
	}
	wg.Wait()
}

// Get returns cached klines for the pair, or nil when nothing is cached.
// The returned slice is shared read-only.
func (p *DataProvider) Get(symbol, timeframe string) []Kline {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.entries[key(symbol, timeframe)]; ok {
		return e.klines
	}
	return nil
}

// IsStale reports whether the cached entry is older than the staleness
// window. A missing entry is stale.
func (p *DataProvider) IsStale(symbol, timeframe string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[key(symbol, timeframe)]
	if !ok {
		return true
	}
	return time.Since(e.fetchedAt) >= time.Duration(p.staleSec)*time.Second
}
