package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// FileStore keeps one JSON file per candle series under a data directory
type FileStore struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[types.MarketKey][]types.Candle
	metadata map[string]*SeriesMetadata
}

// SeriesMetadata describes the stored range of one series
type SeriesMetadata struct {
	Key       types.MarketKey `json:"key"`
	StartTime int64           `json:"startTime"`
	EndTime   int64           `json:"endTime"`
	BarCount  int             `json:"barCount"`
}

// NewFileStore creates a new file-backed candle store
func NewFileStore(logger *zap.Logger, dataDir string) (*FileStore, error) {
	store := &FileStore{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[types.MarketKey][]types.Candle),
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

// GetCandles returns the stored candles of key with open time in [start, end]
func (s *FileStore) GetCandles(ctx context.Context, key types.MarketKey, start, end time.Time) ([]types.Candle, error) {
	bars, err := s.load(key)
	if err != nil {
		return nil, err
	}

	var filtered []types.Candle
	for _, bar := range bars {
		if inRange(bar, start, end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered, nil
}

// SaveCandles merges candles into the stored series, skipping open times already present
func (s *FileStore) SaveCandles(ctx context.Context, key types.MarketKey, candles []types.Candle) (int, error) {
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			return 0, err
		}
	}

	existing, err := s.load(key)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[key]; ok {
		existing = cached
	}

	seen := make(map[int64]struct{}, len(existing))
	for _, c := range existing {
		seen[c.OpenTime] = struct{}{}
	}

	merged := append([]types.Candle(nil), existing...)
	inserted := 0
	for _, c := range candles {
		if _, dup := seen[c.OpenTime]; dup {
			continue
		}
		seen[c.OpenTime] = struct{}{}
		merged = append(merged, c)
		inserted++
	}
	if inserted == 0 {
		return 0, nil
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].OpenTime < merged[j].OpenTime })

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(s.path(key), data, 0644); err != nil {
		return 0, fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[key] = merged
	s.metadata[fileName(key)] = &SeriesMetadata{
		Key:       key,
		StartTime: merged[0].OpenTime,
		EndTime:   merged[len(merged)-1].OpenTime,
		BarCount:  len(merged),
	}
	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}

	s.logger.Debug("Saved candles",
		zap.String("series", key.String()),
		zap.Int("inserted", inserted),
		zap.Int("total", len(merged)))

	return inserted, nil
}

// Series lists the metadata of every stored series
func (s *FileStore) Series() []SeriesMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SeriesMetadata, 0, len(s.metadata))
	for _, m := range s.metadata {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// ClearCache clears the in-memory cache
func (s *FileStore) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[types.MarketKey][]types.Candle)
}

func (s *FileStore) load(key types.MarketKey) ([]types.Candle, error) {
	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.Candle
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime < bars[j].OpenTime })

	s.cache[key] = bars
	return bars, nil
}

func (s *FileStore) path(key types.MarketKey) string {
	return filepath.Join(s.dataDir, fileName(key)+".json")
}

func fileName(key types.MarketKey) string {
	r := strings.NewReplacer("/", "-", ":", "-", " ", "")
	return r.Replace(fmt.Sprintf("%s_%s_%s_%s", key.Exchange, key.Ticker, key.Kind, key.Timeframe))
}

func (s *FileStore) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SeriesMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}
	s.metadata = metadata
	return nil
}

func (s *FileStore) saveMetadata() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), data, 0644)
}
