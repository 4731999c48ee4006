package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// MinResyncInterval is the minimum allowed interval between drift-resync
// passes. Schedules more frequent than this are rejected by validation.
const MinResyncInterval = 1 * time.Minute

// resyncParser accepts standard 5-field cron expressions plus descriptors
// such as @hourly and @every 10m.
var resyncParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseResyncSchedule parses a resync cron expression and enforces the
// minimum interval.
func ParseResyncSchedule(expr string) (cron.Schedule, error) {
	schedule, err := resyncParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid resync schedule %q: %w", expr, err)
	}

	// Estimate the interval from two consecutive runs.
	now := time.Now().UTC()
	next := schedule.Next(now)
	interval := schedule.Next(next).Sub(next)
	if interval < MinResyncInterval {
		return nil, fmt.Errorf("resync schedule %q interval %v is less than minimum allowed %v", expr, interval, MinResyncInterval)
	}

	return schedule, nil
}
