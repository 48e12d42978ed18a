package data_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/internal/data"
	"github.com/quantkit/tradeledger/pkg/types"
)

var seriesStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourBars(closes ...int64) []types.OHLCV {
	bars := make([]types.OHLCV, len(closes))
	for i, c := range closes {
		v := decimal.NewFromInt(c)
		bars[i] = types.OHLCV{
			Timestamp: seriesStart.Add(time.Duration(i) * time.Hour),
			Open:      v,
			High:      v,
			Low:       v,
			Close:     v,
		}
	}
	return bars
}

func TestStoreRoundTripSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SaveOHLCV("BTC", "BINANCE", types.TimeUnitHour, hourBars(100, 101, 102, 103)); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A fresh store must read the series back from disk.
	reopened, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	bars, err := reopened.GetOHLCVData(context.Background(), "BTC", "BINANCE", types.TimeUnitHour,
		seriesStart.Add(time.Hour), seriesStart.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want range-filtered 2", len(bars))
	}
	if !bars[0].Close.Equal(decimal.NewFromInt(101)) || !bars[1].Close.Equal(decimal.NewFromInt(102)) {
		t.Errorf("closes = %s, %s, want 101, 102", bars[0].Close, bars[1].Close)
	}
}

func TestStoreSortsUnorderedInput(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	unordered := hourBars(100, 101, 102)
	unordered[0], unordered[2] = unordered[2], unordered[0]

	if err := store.SaveOHLCV("BTC", "BINANCE", types.TimeUnitHour, unordered); err != nil {
		t.Fatalf("save: %v", err)
	}
	bars, err := store.GetOHLCVData(context.Background(), "BTC", "BINANCE", types.TimeUnitHour,
		seriesStart, seriesStart.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			t.Fatalf("bars out of order at %d", i)
		}
	}
}

func TestStoreMissingSeries(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.GetOHLCVData(context.Background(), "DOGE", "BINANCE", types.TimeUnitHour,
		seriesStart, seriesStart.Add(time.Hour)); err == nil {
		t.Fatal("expected an error for a series that was never stored")
	}
}

func TestStoreVectorizedDataKeyedBySource(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SaveOHLCV("BTC", "BINANCE", types.TimeUnitHour, hourBars(100, 101)); err != nil {
		t.Fatalf("save BTC: %v", err)
	}
	if err := store.SaveOHLCV("ETH", "BINANCE", types.TimeUnitHour, hourBars(50, 51)); err != nil {
		t.Fatalf("save ETH: %v", err)
	}

	sources := []types.DataSource{
		{Symbol: "BTC", Market: "BINANCE", TimeFrame: types.TimeUnitHour, Interval: 1},
		{Symbol: "ETH", Market: "BINANCE", TimeFrame: types.TimeUnitHour, Interval: 1},
	}
	out, err := store.GetVectorizedBacktestData(context.Background(), sources, seriesStart, seriesStart.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("series = %d, want 2", len(out))
	}
	if len(out[sources[0].Key()]) != 2 || len(out[sources[1].Key()]) != 2 {
		t.Errorf("bar counts = %d/%d, want 2/2", len(out[sources[0].Key()]), len(out[sources[1].Key()]))
	}
}

func TestStoreTickerUsesLastBarAtOrBefore(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SaveOHLCV("BTC", "BINANCE", types.TimeUnitHour, hourBars(100, 110, 120)); err != nil {
		t.Fatalf("save: %v", err)
	}

	ticker, err := store.GetTickerData(context.Background(), "BTC", "BINANCE", seriesStart.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if !ticker.Price.Equal(decimal.NewFromInt(110)) {
		t.Errorf("price = %s, want bar at +1h close 110", ticker.Price)
	}

	if _, err := store.GetTickerData(context.Background(), "BTC", "BINANCE", seriesStart.Add(-time.Hour)); err == nil {
		t.Error("expected an error before the first bar")
	}
}
