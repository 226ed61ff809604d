package runtime

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Scheduler fires a callback once per day at a fixed UTC hour. The serve
// orchestrator command uses it for unattended operation; manual runs go
// through the run command instead.
type Scheduler struct {
	// Hour is the UTC hour of day in [0, 24) at which Fire runs.
	Hour int
	// Fire is invoked with the trigger time. Errors are logged, not fatal:
	// the next day's trigger retries from the top.
	Fire func(ctx context.Context, now time.Time) error

	// clock is a test hook.
	clock func() time.Time
}

// next returns the first trigger instant after |now|.
func (s *Scheduler) next(now time.Time) time.Time {
	var at = time.Date(now.Year(), now.Month(), now.Day(), s.Hour, 0, 0, 0, time.UTC)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// Run loops until |ctx| is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var clock = s.clock
	if clock == nil {
		clock = time.Now
	}

	for {
		var now = clock().UTC()
		var at = s.next(now)
		log.WithField("at", at).Info("next scheduled orchestration")

		select {
		case <-time.After(at.Sub(now)):
		case <-ctx.Done():
			return nil
		}

		if err := s.Fire(ctx, at); err != nil {
			log.WithFields(log.Fields{"at": at, "err": err}).Error("scheduled orchestration failed")
		}
	}
}
