// Package schedule triggers periodic snapshot refreshes on a cron schedule.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	appLog "groupcal/internal/log"
)

// Disabled turns periodic refresh off when used as the schedule spec.
const Disabled = "off"

type Scheduler struct {
	cron *cron.Cron
	id   cron.EntryID
	spec string
}

// cronLogger forwards cron's internal logging to the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}

// Validate checks a standard five-field spec or descriptor such as
// "@hourly" or "@every 10m".
func Validate(spec string) error {
	if _, err := cron.ParseStandard(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return nil
}

// New schedules job in loc. Overlapping runs are skipped.
func New(spec string, loc *time.Location, job func()) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if err := Validate(spec); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := c.AddFunc(spec, job)
	if err != nil {
		return nil, fmt.Errorf("add refresh job: %w", err)
	}
	return &Scheduler{cron: c, id: id, spec: spec}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	appLog.Info("schedule: periodic refresh started", "spec", s.spec, "next", s.Next())
}

// Stop halts the schedule and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Next is the next activation time, zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.id).Next
}
