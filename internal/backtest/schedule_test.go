package backtest_test

import (
	"testing"
	"time"

	"github.com/quantkit/tradeledger/internal/backtest"
	"github.com/quantkit/tradeledger/pkg/types"
)

func TestGenerateScheduleMergesParticipants(t *testing.T) {
	strategy := &scripted{
		id:      "hourly",
		profile: backtest.Profile{TimeUnit: types.TimeUnitHour, Interval: 1},
	}
	task := &scripted{
		id:      "cleanup",
		profile: backtest.Profile{TimeUnit: types.TimeUnitHour, Interval: 2},
	}

	entries := backtest.GenerateSchedule(
		[]backtest.Strategy{strategy},
		[]backtest.Task{task},
		windowStart,
		windowStart.Add(4*time.Hour),
	)

	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	if !entries[0].Time.Equal(windowStart.Add(time.Hour)) {
		t.Errorf("first entry = %s, want one interval after start", entries[0].Time)
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i].Time.After(entries[i-1].Time) {
			t.Fatalf("entries out of order at %d", i)
		}
	}
	// Shared timestamps collapse into one entry naming both participants.
	second := entries[1]
	if !second.Time.Equal(windowStart.Add(2 * time.Hour)) {
		t.Fatalf("second entry = %s, want +2h", second.Time)
	}
	if len(second.StrategyIDs) != 1 || second.StrategyIDs[0] != "hourly" {
		t.Errorf("strategies = %v, want [hourly]", second.StrategyIDs)
	}
	if len(second.TaskIDs) != 1 || second.TaskIDs[0] != "cleanup" {
		t.Errorf("tasks = %v, want [cleanup]", second.TaskIDs)
	}
	if len(entries[0].TaskIDs) != 0 {
		t.Errorf("tasks at +1h = %v, want none", entries[0].TaskIDs)
	}
}

func TestGenerateScheduleLastTickAtWindowEnd(t *testing.T) {
	strategy := &scripted{
		id:      "hourly",
		profile: backtest.Profile{TimeUnit: types.TimeUnitHour, Interval: 1},
	}
	entries := backtest.GenerateSchedule(
		[]backtest.Strategy{strategy}, nil,
		windowStart, windowStart.Add(150*time.Minute),
	)
	// Ticks at +1h and +2h; +3h falls outside the window.
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if !entries[len(entries)-1].Time.Equal(windowStart.Add(2 * time.Hour)) {
		t.Errorf("last entry = %s, want +2h", entries[len(entries)-1].Time)
	}
}
