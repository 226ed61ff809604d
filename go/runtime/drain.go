package runtime

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// drain polls the queue until the year's extraction work is finished:
// nothing ready and nothing in flight. Dead-lettered messages never block
// a drain; they are surfaced by the documents table and the DLQ tooling.
func (o *Orchestrator) drain(ctx context.Context, year int) error {
	var deadline = time.Now().Add(o.cfg.DrainDeadline)
	var interval = o.cfg.DrainPollMin

	for {
		var depth, err = o.stores.Queue.Depth(ctx, year)
		if err != nil {
			return fmt.Errorf("polling queue depth: %w", err)
		}
		drainDepth.Set(float64(depth.Ready + depth.InFlight))
		if depth.Drained() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d ready, %d in flight after %s",
				ErrDrainTimeout, depth.Ready, depth.InFlight, o.cfg.DrainDeadline)
		}

		log.WithFields(log.Fields{
			"year":         year,
			"ready":        depth.Ready,
			"inFlight":     depth.InFlight,
			"deadLettered": depth.DeadLettered,
		}).Debug("waiting for queue drain")

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
		if interval *= 2; interval > o.cfg.DrainPollMax {
			interval = o.cfg.DrainPollMax
		}
	}
}
