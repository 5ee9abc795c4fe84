// Package data provides historical bar storage and loading.
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

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// Provider supplies historical bars to the engines. Implementations must
// return bars sorted by timestamp ascending.
type Provider interface {
	LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error)
	AvailableSymbols() []string
}

// Store provides access to historical market data backed by JSON files,
// with an in-memory cache and a deterministic synthetic fallback for
// symbols that have no stored history.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]*types.OHLCV
	metadata map[string]*SymbolMetadata

	synthetic *SyntheticGenerator
}

// SymbolMetadata describes the stored history for a symbol.
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

// NewStore creates a data store rooted at dataDir. Missing symbols fall
// back to the synthetic generator so the lab works without a dataset.
func NewStore(logger *zap.Logger, dataDir string, synthetic *SyntheticGenerator) (*Store, error) {
	store := &Store{
		logger:    logger,
		dataDir:   dataDir,
		cache:     make(map[string][]*types.OHLCV),
		metadata:  make(map[string]*SymbolMetadata),
		synthetic: synthetic,
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// LoadBars loads OHLCV data for a symbol, clipped to [start, end].
func (s *Store) LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := fmt.Sprintf("%s_%s", symbol, timeframe)

	if cached, ok := s.cache[cacheKey]; ok {
		return filterByTimeRange(cached, start, end), nil
	}

	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", sanitizeSymbol(symbol), timeframe))
	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) && s.synthetic != nil {
			s.logger.Info("no stored history, generating synthetic bars",
				zap.String("symbol", symbol),
				zap.String("timeframe", string(timeframe)),
			)
			bars := s.synthetic.Generate(symbol, timeframe, start, end)
			s.cache[cacheKey] = bars
			return bars, nil
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []*types.OHLCV
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	s.cache[cacheKey] = bars
	return filterByTimeRange(bars, start, end), nil
}

// SaveBars persists OHLCV data and refreshes the symbol's metadata.
func (s *Store) SaveBars(symbol string, timeframe types.Timeframe, bars []*types.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", sanitizeSymbol(symbol), timeframe))

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

// AvailableSymbols returns symbols with stored metadata, sorted.
func (s *Store) AvailableSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.metadata))
	for symbol := range s.metadata {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// DataRange returns the stored history bounds for a symbol.
func (s *Store) DataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("no data available for symbol %s", symbol)
}

// ClearCache drops the in-memory cache.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]*types.OHLCV)
}

func filterByTimeRange(bars []*types.OHLCV, start, end time.Time) []*types.OHLCV {
	var filtered []*types.OHLCV
	for _, bar := range bars {
		if !bar.Timestamp.Before(start) && !bar.Timestamp.After(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}

// sanitizeSymbol makes a symbol safe as a filename component.
func sanitizeSymbol(symbol string) string {
	out := make([]byte, 0, len(symbol))
	for i := 0; i < len(symbol); i++ {
		switch symbol[i] {
		case '/', '\\', ':':
			out = append(out, '-')
		default:
			out = append(out, symbol[i])
		}
	}
	return string(out)
}

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
	return nil
}

func (s *Store) saveMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, raw, 0644)
}
