package scheduler

import (
	"testing"
	"time"
)

func TestStartupSpreadOnlyDelaysFirstIntervalFire(t *testing.T) {
	sch, err := ParseSchedule("10m")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cs, jitter := withStartupSpread(sch, now)
	if jitter < 0 || jitter >= maxStartupSpread {
		t.Fatalf("jitter=%v", jitter)
	}
	first := cs.Next(now)
	if want := now.Add(10*time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first=%v want %v", first, want)
	}
	if second := cs.Next(first); !second.Equal(sch.Next(first)) {
		t.Fatalf("second=%v", second)
	}

	cronSch, err := ParseSchedule("*/5 * * * *")
	if err != nil {
		t.Fatalf("parse cron: %v", err)
	}
	if _, j := withStartupSpread(cronSch, now); j != 0 {
		t.Fatalf("cron schedule was spread by %v", j)
	}
}
