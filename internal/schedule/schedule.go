// Package schedule computes next run times for time-triggered modules.
package schedule

import (
	"fmt"
	"strings"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Schedule reports the first activation strictly after t.
type Schedule interface {
	Next(t time.Time) time.Time
}

var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// Parse accepts standard 5-field expressions, 6-field expressions with a
// leading seconds field, and descriptors such as @hourly or @every 90s.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return s, nil
}

// Every is a fixed interval schedule anchored at the time it is asked about.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }
