package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule wraps every schedule parse failure.
var ErrInvalidSchedule = fmt.Errorf("invalid schedule")

// Schedule is a validated trigger expression.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 */2 * * * *" (with seconds), "@hourly", "@every 10m"
//   - duration: "10m", "1h30m"
//   - HH:MM interval: "00:50" (every 50 minutes)
//
// A "cron:" prefix forces cron parsing; "every:" forces an interval.
type Schedule struct {
	Raw   string
	Cron  string
	Every time.Duration

	sched cron.Schedule
}

// IsInterval reports whether the schedule fires at a fixed interval.
func (s Schedule) IsInterval() bool { return s.Every > 0 }

// Next returns the first fire time after t.
func (s Schedule) Next(t time.Time) time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(t)
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule validates raw without installing it.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(strings.TrimSpace(s[len("every:"):]))
		if err != nil {
			return Schedule{}, err
		}
		return intervalSchedule(raw, d), nil
	case strings.HasPrefix(low, "@every"):
		d, err := parseInterval(strings.TrimSpace(s[len("@every"):]))
		if err != nil {
			return Schedule{}, err
		}
		return intervalSchedule(raw, d), nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(raw, s)
	}
	d, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf(
			"%w %q (use cron like '*/5 * * * *', HH:MM like '00:30', or a duration like '10m')",
			ErrInvalidSchedule, raw,
		)
	}
	return intervalSchedule(raw, d), nil
}

func parseCron(raw, expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("%w: cron expression required", ErrInvalidSchedule)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, raw, err)
	}
	return Schedule{Raw: raw, Cron: expr, sched: sched}, nil
}

func intervalSchedule(raw string, d time.Duration) Schedule {
	return Schedule{Raw: raw, Cron: "@every " + d.String(), Every: d, sched: cron.Every(d)}
}

// parseInterval accepts HH:MM or a Go duration. cron.Every runs at most
// once a second, so shorter intervals are rejected.
func parseInterval(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidSchedule)
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidSchedule, v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid interval %q", ErrInvalidSchedule, v)
		}
	}
	if d < time.Second {
		return 0, fmt.Errorf("%w: interval must be at least 1s", ErrInvalidSchedule)
	}
	return d, nil
}
