package main

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/capitoldata/fdlake/go/runtime"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type cmdBackfill struct {
	Log         LogConfig            `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Stores      runtime.StoresConfig `group:"Stores"`
	Orchestrate orchestratorFlags    `group:"Orchestration"`

	FromYear    int  `long:"from-year" required:"true" description:"First disclosure year of the range (inclusive)"`
	ToYear      int  `long:"to-year" required:"true" description:"Last disclosure year of the range (inclusive)"`
	Concurrency int  `long:"concurrency" default:"2" description:"Years orchestrated in parallel"`
	Force       bool `long:"force-refresh" description:"Bypass change detection and re-stage each archive"`
}

func (cmd cmdBackfill) Execute(_ []string) error {
	initLog(cmd.Log)

	if cmd.ToYear < cmd.FromYear {
		return fmt.Errorf("to-year %d precedes from-year %d", cmd.ToYear, cmd.FromYear)
	}
	var cfg, err = cmd.Orchestrate.config(cmd.Force)
	if err != nil {
		return err
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

	// Years are independent runs. A failure parks its year and the rest of
	// the range continues.
	var mu sync.Mutex
	var failed []int
	var group, groupCtx = errgroup.WithContext(ctx)
	group.SetLimit(cmd.Concurrency)

	for year := cmd.FromYear; year <= cmd.ToYear; year++ {
		var year = year
		group.Go(func() error {
			var out, runErr = orchestrator.Run(groupCtx, year)
			if runErr != nil {
				log.WithFields(log.Fields{
					"year":  year,
					"state": out.State,
					"err":   runErr,
				}).Error("backfill year failed")
				mu.Lock()
				failed = append(failed, year)
				mu.Unlock()
				return nil
			}
			if out.Unchanged {
				fmt.Printf("%s: year %d unchanged\n", green("OK"), year)
			} else {
				fmt.Printf("%s: year %d enqueued %d, %d violations\n",
					green("OK"), year, out.Normalize.Enqueued, out.Quality.Violations)
			}
			return nil
		})
	}
	if err = group.Wait(); err != nil {
		return err
	}

	if len(failed) != 0 {
		sort.Ints(failed)
		return fmt.Errorf("%s: years %v failed; re-run them individually", red("FAILED"), failed)
	}
	fmt.Printf("%s: backfilled years %d through %d\n", green("OK"), cmd.FromYear, cmd.ToYear)
	return nil
}
