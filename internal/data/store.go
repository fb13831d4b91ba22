// Package data provides historical OHLCV storage and loading: a
// JSON-file-backed cache per (symbol, timeframe), with plausible sample
// data generated on a cache miss so a fresh checkout can replay any
// symbol/date without a pre-seeded data directory.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/marketreplay/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store provides access to historical OHLCV bars, backed by a directory
// of per-(symbol, timeframe) JSON files and an in-memory cache.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]*types.OHLCV
	symbols  []string
	metadata map[string]*SymbolMetadata
	rng      *rand.Rand
}

// SymbolMetadata describes the data on disk for one symbol.
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

// NewStore opens (creating if necessary) a data store rooted at dataDir.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]*types.OHLCV),
		symbols:  make([]string, 0),
		metadata: make(map[string]*SymbolMetadata),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// LoadOHLCV returns the bars for symbol/timeframe within [start, end],
// reading through an in-memory cache to the on-disk JSON file and
// falling back to generated sample data when nothing has been saved yet.
func (s *Store) LoadOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := fmt.Sprintf("%s_%s", symbol, timeframe)

	if cached, ok := s.cache[cacheKey]; ok {
		return s.filterByTimeRange(cached, start, end), nil
	}

	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", symbol, timeframe))
	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no data file on disk, generating sample data", zap.String("symbol", symbol), zap.String("timeframe", string(timeframe)))
			sample := s.generateSampleData(symbol, timeframe, start, end)
			s.cache[cacheKey] = sample
			return sample, nil
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []*types.OHLCV
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data file: %w", err)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

	s.cache[cacheKey] = bars
	return s.filterByTimeRange(bars, start, end), nil
}

// LoadTicks is reserved for a future standalone tick store; this module
// replays ticks synthetically via internal/marketsim instead.
func (s *Store) LoadTicks(ctx context.Context, symbol string, start, end time.Time) ([]*types.Tick, error) {
	return nil, nil
}

// GetAvailableSymbols returns every symbol with known on-disk metadata.
func (s *Store) GetAvailableSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, len(s.symbols))
	copy(symbols, s.symbols)
	return symbols
}

// GetDataRange returns the known [start, end] of stored data for symbol.
func (s *Store) GetDataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.metadata[symbol]
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("no data available for symbol %s", symbol)
	}
	return meta.StartDate, meta.EndDate, nil
}

// SaveOHLCV writes bars to disk, updates the cache and metadata index.
func (s *Store) SaveOHLCV(symbol string, timeframe types.Timeframe, bars []*types.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", symbol, timeframe))
	raw, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(filename, raw, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	cacheKey := fmt.Sprintf("%s_%s", symbol, timeframe)
	s.cache[cacheKey] = bars

	if len(bars) > 0 {
		if _, known := s.metadata[symbol]; !known {
			s.symbols = append(s.symbols, symbol)
		}
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: bars[0].Timestamp,
			EndDate:   bars[len(bars)-1].Timestamp,
			BarCount:  len(bars),
			Timeframe: string(timeframe),
		}
	}

	return s.saveMetadata()
}

// filterByTimeRange returns the subset of bars within the inclusive
// [start, end] window.
func (s *Store) filterByTimeRange(bars []*types.OHLCV, start, end time.Time) []*types.OHLCV {
	var filtered []*types.OHLCV
	for _, bar := range bars {
		if (bar.Timestamp.Equal(start) || bar.Timestamp.After(start)) &&
			(bar.Timestamp.Equal(end) || bar.Timestamp.Before(end)) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}

// equitySeedPrices gives a handful of well-known NSE large-caps a
// plausible starting price for generated sample data; anything else
// starts at a round 100.
var equitySeedPrices = map[string]float64{
	"RELIANCE":  2800.0,
	"TCS":       3900.0,
	"INFY":      1550.0,
	"HDFCBANK":  1650.0,
	"ICICIBANK": 1150.0,
	"SBIN":      800.0,
}

func timeframeInterval(timeframe types.Timeframe) time.Duration {
	switch timeframe {
	case types.Timeframe1m:
		return time.Minute
	case types.Timeframe5m:
		return 5 * time.Minute
	case types.Timeframe15m:
		return 15 * time.Minute
	case types.Timeframe1h:
		return time.Hour
	case types.Timeframe4h:
		return 4 * time.Hour
	case types.Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// generateSampleData produces a plausible random-walk OHLCV series over
// [start, end] so a symbol with no saved data can still be replayed.
func (s *Store) generateSampleData(symbol string, timeframe types.Timeframe, start, end time.Time) []*types.OHLCV {
	interval := timeframeInterval(timeframe)

	price, ok := equitySeedPrices[symbol]
	if !ok {
		price = 100.0
	}

	var bars []*types.OHLCV
	for ts := start; !ts.After(end); ts = ts.Add(interval) {
		open := decimal.NewFromFloat(price)
		price += (s.rng.Float64() - 0.5) * 0.02 * price // +/- 1% per bar
		if price < 1 {
			price = 1
		}
		close := decimal.NewFromFloat(price)

		high := decimal.Max(open, close).Mul(decimal.NewFromFloat(1 + s.rng.Float64()*0.005))
		low := decimal.Min(open, close).Mul(decimal.NewFromFloat(1 - s.rng.Float64()*0.005))
		volume := decimal.NewFromFloat(s.rng.Float64() * 1000000)

		bars = append(bars, &types.OHLCV{
			Timestamp: ts,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    volume,
		})
	}

	return bars
}

// loadMetadata reads the symbol metadata index from disk, if present.
func (s *Store) loadMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	s.metadata = metadata

	s.symbols = make([]string, 0, len(metadata))
	for symbol := range metadata {
		s.symbols = append(s.symbols, symbol)
	}

	return nil
}

// saveMetadata writes the symbol metadata index to disk.
func (s *Store) saveMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, raw, 0644)
}

// ClearCache drops every cached (symbol, timeframe) series.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]*types.OHLCV)
}

// GetCacheSize returns the number of cached (symbol, timeframe) datasets.
func (s *Store) GetCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
