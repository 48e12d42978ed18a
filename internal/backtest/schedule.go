package backtest

import (
	"sort"
	"time"
)

// ScheduleEntry lists the strategies and tasks due at one timestamp.
type ScheduleEntry struct {
	Time        time.Time
	StrategyIDs []string
	TaskIDs     []string
}

// GenerateSchedule merges the per-strategy and per-task timelines into a
// single ascending sequence of entries. Each participant is stepped from
// start by its own (time unit, interval); a timestamp shared by several
// participants produces one entry naming all of them. The first tick is
// one interval after start so strategies never run on data they have not
// seen yet.
func GenerateSchedule(strategies []Strategy, tasks []Task, start, end time.Time) []ScheduleEntry {
	due := make(map[time.Time]*ScheduleEntry)

	mark := func(t time.Time, strategyID, taskID string) {
		e, ok := due[t]
		if !ok {
			e = &ScheduleEntry{Time: t}
			due[t] = e
		}
		if strategyID != "" {
			e.StrategyIDs = append(e.StrategyIDs, strategyID)
		}
		if taskID != "" {
			e.TaskIDs = append(e.TaskIDs, taskID)
		}
	}

	walk := func(p Profile, strategyID, taskID string) {
		step := p.TimeUnit.Duration(p.Interval)
		if step <= 0 {
			return
		}
		for t := start.Add(step); !t.After(end); t = t.Add(step) {
			mark(t, strategyID, taskID)
		}
	}

	for _, s := range strategies {
		walk(s.Profile(), s.ID(), "")
	}
	for _, t := range tasks {
		walk(t.Profile(), "", t.ID())
	}

	entries := make([]ScheduleEntry, 0, len(due))
	for _, e := range due {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries
}
