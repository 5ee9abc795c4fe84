package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

func hourlyBars(start time.Time, closes []float64) []*types.OHLCV {
	bars := make([]*types.OHLCV, len(closes))
	for i, c := range closes {
		price := decimal.NewFromFloat(c)
		bars[i] = &types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func TestClockMergesChronologically(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	streams := map[string][]*types.OHLCV{
		"AAA": hourlyBars(start, []float64{100, 101, 102}),
		"BBB": hourlyBars(start.Add(30*time.Minute), []float64{50, 51}),
	}
	clock := NewClock(streams)

	if clock.TotalBars() != 5 {
		t.Fatalf("TotalBars = %d, want 5", clock.TotalBars())
	}

	var prev time.Time
	count := 0
	for {
		tick, ok := clock.Next()
		if !ok {
			break
		}
		count++
		if tick.Bar.Timestamp.Before(prev) {
			t.Errorf("tick %d at %v precedes previous tick at %v", count, tick.Bar.Timestamp, prev)
		}
		prev = tick.Bar.Timestamp
	}
	if count != 5 {
		t.Errorf("consumed %d ticks, want 5", count)
	}
}

func TestClockTieBreaksBySymbol(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	streams := map[string][]*types.OHLCV{
		"ZZZ": hourlyBars(start, []float64{1, 2}),
		"AAA": hourlyBars(start, []float64{3, 4}),
	}
	clock := NewClock(streams)

	var order []string
	for {
		tick, ok := clock.Next()
		if !ok {
			break
		}
		order = append(order, tick.Symbol)
	}

	want := []string{"AAA", "ZZZ", "AAA", "ZZZ"}
	for i, symbol := range want {
		if order[i] != symbol {
			t.Fatalf("tick order = %v, want %v", order, want)
		}
	}
}

func TestClockExhaustion(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewClock(map[string][]*types.OHLCV{
		"AAA": hourlyBars(start, []float64{100}),
	})

	if _, ok := clock.Next(); !ok {
		t.Fatal("first Next should succeed")
	}
	if _, ok := clock.Next(); ok {
		t.Error("Next should report exhaustion")
	}
	if clock.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", clock.Remaining())
	}
}

func TestClockNowTracksLastTick(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewClock(map[string][]*types.OHLCV{
		"AAA": hourlyBars(start, []float64{100, 101}),
	})

	clock.Next()
	clock.Next()
	want := start.Add(time.Hour)
	if !clock.Now().Equal(want) {
		t.Errorf("Now = %v, want %v", clock.Now(), want)
	}
}
