package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/capitoldata/fdlake/go/runtime"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type cmdServeOrchestrator struct {
	Log         LogConfig            `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Stores      runtime.StoresConfig `group:"Stores"`
	Orchestrate orchestratorFlags    `group:"Orchestration"`

	Year         int    `long:"year" env:"YEAR" description:"Disclosure year to orchestrate (default: the current UTC year at each trigger)"`
	ScheduleHour int    `long:"schedule-hour" env:"SCHEDULE_HOUR" default:"6" description:"UTC hour of day at which a run triggers"`
	MetricsAddr  string `long:"metrics-addr" env:"METRICS_ADDR" default:":8080" description:"Address of the metrics and health endpoint"`
}

func (cmd cmdServeOrchestrator) Execute(_ []string) error {
	initLog(cmd.Log)

	var cfg, err = cmd.Orchestrate.config(false)
	if err != nil {
		return err
	}
	if cmd.ScheduleHour < 0 || cmd.ScheduleHour > 23 {
		return fmt.Errorf("schedule-hour %d is outside [0, 23]", cmd.ScheduleHour)
	}
	var ctx, cancel = signalCtx()
	defer cancel()

	stores, err := cmd.Stores.Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := stores.Close(); closeErr != nil {
			log.WithField("err", closeErr).Warn("failed to close stores")
		}
	}()
	var orchestrator = runtime.NewOrchestrator(cfg, stores, http.DefaultClient)

	var scheduler = &runtime.Scheduler{
		Hour: cmd.ScheduleHour,
		Fire: func(ctx context.Context, now time.Time) error {
			var year = cmd.Year
			if year == 0 {
				year = now.UTC().Year()
			}
			var _, runErr = orchestrator.Run(ctx, year)
			return runErr
		},
	}

	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { return runtime.ServeDebug(groupCtx, cmd.MetricsAddr) })
	group.Go(func() error { return scheduler.Run(groupCtx) })
	return group.Wait()
}
