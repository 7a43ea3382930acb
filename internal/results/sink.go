// Package results persists and renders finished backtest results.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// Sink stores a finished result
type Sink interface {
	Save(ctx context.Context, res *types.Result) error
}

// MultiSink saves to every sink and joins their errors
type MultiSink []Sink

func (m MultiSink) Save(ctx context.Context, res *types.Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONSink writes one indented JSON document per run into dir
type JSONSink struct {
	logger *zap.Logger
	dir    string
}

// NewJSONSink creates the sink and its directory
func NewJSONSink(logger *zap.Logger, dir string) (*JSONSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	return &JSONSink{logger: logger, dir: dir}, nil
}

// Path returns the file a run is written to
func (s *JSONSink) Path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

func (s *JSONSink) Save(ctx context.Context, res *types.Result) error {
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result %s: %w", res.RunID, err)
	}

	// write then rename so readers never see a partial file
	path := s.Path(res.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	s.logger.Info("Result saved", zap.String("run", res.RunID), zap.String("path", path))
	return nil
}

// Load reads a result previously written by Save
func (s *JSONSink) Load(runID string) (*types.Result, error) {
	raw, err := os.ReadFile(s.Path(runID))
	if err != nil {
		return nil, err
	}
	var res types.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse result %s: %w", runID, err)
	}
	return &res, nil
}
