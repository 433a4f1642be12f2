// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package s3gc

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs one collection cycle per day at a fixed UTC wall time.
type Scheduler struct {
	log    *zap.Logger
	hour   int
	minute int
	run    func(context.Context)
}

// NewScheduler parses an HH:MM UTC trigger time. The format is validated by
// Config.Verify before this is called.
func NewScheduler(log *zap.Logger, at string, run func(context.Context)) *Scheduler {
	parts := strings.SplitN(at, ":", 2)
	hour, _ := strconv.Atoi(parts[0])
	minute, _ := strconv.Atoi(parts[1])
	return &Scheduler{log: log, hour: hour, minute: minute, run: run}
}

// NextAfter returns the next trigger strictly after now.
func (scheduler *Scheduler) NextAfter(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(),
		scheduler.hour, scheduler.minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run triggers cycles until ctx is cancelled.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	for {
		next := scheduler.NextAfter(time.Now())
		scheduler.log.Info("next scheduled cycle", zap.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		scheduler.run(ctx)
	}
}
