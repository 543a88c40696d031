package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// constantDelay fires at a fixed interval after the previous fire time.
type constantDelay struct {
	delay time.Duration
}

func (c constantDelay) Next(t time.Time) time.Time {
	return t.Add(c.delay)
}

// ParseSchedule parses a poll schedule. A Go duration ("30s", "5m") gives a
// fixed interval; anything else is parsed as a five-field cron expression
// or descriptor ("@hourly", "*/5 * * * *").
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule interval must be positive, got %s", spec)
		}
		return constantDelay{delay: d}, nil
	}

	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Every returns a fixed-interval schedule.
func Every(d time.Duration) cron.Schedule {
	return constantDelay{delay: d}
}
