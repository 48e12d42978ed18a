package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/pkg/types"
)

// Store is a file-backed Provider. Series are JSON candle files under the
// data directory, cached in memory after first load. Missing series are a
// configuration error, raised when the series is first required.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.OHLCV
	metadata map[string]*SeriesMetadata
}

// SeriesMetadata describes one stored candle series.
type SeriesMetadata struct {
	Symbol    string         `json:"symbol"`
	Market    string         `json:"market"`
	TimeFrame types.TimeUnit `json:"timeFrame"`
	StartDate time.Time      `json:"startDate"`
	EndDate   time.Time      `json:"endDate"`
	BarCount  int            `json:"barCount"`
}

// NewStore creates a store rooted at dataDir.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger.Named("data"),
		dataDir:  dataDir,
		cache:    make(map[string][]types.OHLCV),
		metadata: make(map[string]*SeriesMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

func seriesKey(symbol, market string, timeFrame types.TimeUnit) string {
	return fmt.Sprintf("%s_%s_%s", symbol, market, timeFrame)
}

// GetOHLCVData implements Provider.
func (s *Store) GetOHLCVData(ctx context.Context, symbol, market string, timeFrame types.TimeUnit, start, end time.Time) ([]types.OHLCV, error) {
	bars, err := s.loadSeries(symbol, market, timeFrame)
	if err != nil {
		return nil, err
	}
	return filterByTimeRange(bars, start, end), nil
}

// GetVectorizedBacktestData implements Provider.
func (s *Store) GetVectorizedBacktestData(ctx context.Context, sources []types.DataSource, start, end time.Time) (map[string][]types.OHLCV, error) {
	out := make(map[string][]types.OHLCV, len(sources))
	for _, src := range sources {
		bars, err := s.loadSeries(src.Symbol, src.Market, src.TimeFrame)
		if err != nil {
			return nil, err
		}
		out[src.Key()] = filterByTimeRange(bars, start, end)
	}
	return out, nil
}

// GetTickerData implements Provider. The price is the close of the last
// bar at or before the requested moment, searched across every stored
// series for the symbol and market, most granular first.
func (s *Store) GetTickerData(ctx context.Context, symbol, market string, at time.Time) (types.Ticker, error) {
	for _, tf := range []types.TimeUnit{types.TimeUnitMinute, types.TimeUnitHour, types.TimeUnitDay} {
		bars, err := s.loadSeries(symbol, market, tf)
		if err != nil {
			continue
		}
		idx := sort.Search(len(bars), func(i int) bool {
			return bars[i].Timestamp.After(at)
		})
		if idx == 0 {
			continue
		}
		bar := bars[idx-1]
		return types.Ticker{
			Symbol:    symbol,
			Market:    market,
			Price:     bar.Close,
			Timestamp: bar.Timestamp,
		}, nil
	}
	return types.Ticker{}, fmt.Errorf("no ticker data for %s on %s at %s", symbol, market, at.Format(time.RFC3339))
}

// SaveOHLCV writes a candle series to disk and the cache.
func (s *Store) SaveOHLCV(symbol, market string, timeFrame types.TimeUnit, bars []types.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]types.OHLCV, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	key := seriesKey(symbol, market, timeFrame)
	filename := filepath.Join(s.dataDir, key+".json")

	payload, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal series: %w", err)
	}
	if err := os.WriteFile(filename, payload, 0644); err != nil {
		return fmt.Errorf("failed to write series file: %w", err)
	}

	s.cache[key] = sorted

	if len(sorted) > 0 {
		s.metadata[key] = &SeriesMetadata{
			Symbol:    symbol,
			Market:    market,
			TimeFrame: timeFrame,
			StartDate: sorted[0].Timestamp,
			EndDate:   sorted[len(sorted)-1].Timestamp,
			BarCount:  len(sorted),
		}
	}

	return s.saveMetadata()
}

// loadSeries returns a sorted series from cache or disk.
func (s *Store) loadSeries(symbol, market string, timeFrame types.TimeUnit) ([]types.OHLCV, error) {
	key := seriesKey(symbol, market, timeFrame)

	s.mu.RLock()
	if cached, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	filename := filepath.Join(s.dataDir, key+".json")
	payload, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no data series for %s on %s (%s): %w", symbol, market, timeFrame, err)
		}
		return nil, fmt.Errorf("failed to read series file: %w", err)
	}

	var bars []types.OHLCV
	if err := json.Unmarshal(payload, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse series file %s: %w", filename, err)
	}
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	s.cache[key] = bars
	return bars, nil
}

func filterByTimeRange(bars []types.OHLCV, start, end time.Time) []types.OHLCV {
	var filtered []types.OHLCV
	for _, bar := range bars {
		if !bar.Timestamp.Before(start) && !bar.Timestamp.After(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}

func (s *Store) loadMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	payload, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SeriesMetadata
	if err := json.Unmarshal(payload, &metadata); err != nil {
		return err
	}
	s.metadata = metadata
	return nil
}

func (s *Store) saveMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	payload, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, payload, 0644)
}

// ClearCache drops the in-memory cache.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.OHLCV)
}
