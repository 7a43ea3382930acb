package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/ledger"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
)

var key = types.MarketKey{Exchange: "bybit", Ticker: "ETHUSDT", Kind: types.MarketFutures, Timeframe: types.Timeframe15m}

func newPosition(id string, status types.Status) *types.Position {
	price := types.MoneyFromInt(100, types.CurrencyUSDT)
	return &types.Position{
		ID:                id,
		Key:               key,
		Direction:         types.Long,
		Status:            status,
		Leverage:          decimal.NewFromInt(1),
		InitialEntryPrice: price,
		AverageEntryPrice: price,
		CurrentPrice:      price,
		Volume:            decimal.NewFromInt(1),
		CreatedAt:         time.Unix(0, 0).UTC(),
	}
}

func TestMemoryRepositoryIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	repo := ledger.NewMemoryRepository(ledger.NamespaceFor("run-1"))

	p := newPosition("a", types.StatusOpen)
	if err := repo.Insert(ctx, p); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	p.Volume = decimal.NewFromInt(99)
	got, err := repo.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Volume.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Stored entry changed without Update: volume %s", got.Volume)
	}
	if got.Namespace != "backtest_run1" {
		t.Errorf("Unexpected namespace %q", got.Namespace)
	}

	if err := repo.Insert(ctx, p); !errors.Is(err, ledger.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepositoryListKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	repo := ledger.NewMemoryRepository("ns")

	for _, id := range []string{"c", "a", "b"} {
		if err := repo.Insert(ctx, newPosition(id, types.StatusOpen)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	done := newPosition("d", types.StatusPending)
	if err := repo.Insert(ctx, done); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := done.Transition(types.StatusCanceled, time.Unix(60, 0)); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := repo.Update(ctx, done); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	active, err := repo.List(ctx, ledger.Active(key))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("Expected 3 active entries, got %d", len(active))
	}
	for i, want := range []string{"c", "a", "b"} {
		if active[i].ID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, active[i].ID)
		}
	}

	all, _ := repo.List(ctx, ledger.Filter{})
	if len(all) != 4 {
		t.Errorf("Expected 4 entries, got %d", len(all))
	}
}

func TestArchiveCopiesEntries(t *testing.T) {
	ctx := context.Background()
	src := ledger.NewMemoryRepository("src")
	dst := ledger.NewMemoryRepository("dst")

	for _, id := range []string{"x", "y"} {
		if err := src.Insert(ctx, newPosition(id, types.StatusOpen)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	n, err := ledger.Archive(ctx, src, dst)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 archived, got %d", n)
	}
	got, _ := dst.Get(ctx, "y")
	if got.Namespace != "dst" {
		t.Errorf("Archived entry kept namespace %q", got.Namespace)
	}

	if err := src.Drop(ctx); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	left, _ := src.List(ctx, ledger.Filter{})
	if len(left) != 0 {
		t.Errorf("Expected empty namespace after drop, got %d", len(left))
	}
}
