package main

import (
	"fmt"

	"github.com/capitoldata/fdlake/go/runtime"
	log "github.com/sirupsen/logrus"
)

type cmdDLQList struct {
	Log    LogConfig            `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Stores runtime.StoresConfig `group:"Stores"`

	Year  int `long:"year" env:"YEAR" required:"true" description:"Disclosure year to list"`
	Limit int `long:"limit" default:"50" description:"Maximum dead letters to list"`
}

func (cmd cmdDLQList) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()

	var stores, err = cmd.Stores.Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := stores.Close(); closeErr != nil {
			log.WithField("err", closeErr).Warn("failed to close stores")
		}
	}()

	letters, err := stores.Queue.ListDeadLetters(ctx, cmd.Year, cmd.Limit)
	if err != nil {
		return fmt.Errorf("listing dead letters: %w", err)
	}
	if len(letters) == 0 {
		fmt.Printf("%s: no dead letters for year %d\n", green("OK"), cmd.Year)
		return nil
	}
	for _, l := range letters {
		fmt.Printf("%s  doc %s type %s attempts %d  %s\n",
			l.DeadLetterAt.Format("2006-01-02 15:04:05"),
			l.Message.DocID, l.Message.FilingType, l.Message.AttemptCount, red(l.Reason))
	}
	fmt.Printf("%d dead letters for year %d\n", len(letters), cmd.Year)
	return nil
}

type cmdDLQRequeue struct {
	Log    LogConfig            `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Stores runtime.StoresConfig `group:"Stores"`

	Year int `long:"year" env:"YEAR" required:"true" description:"Disclosure year to redrive"`
}

func (cmd cmdDLQRequeue) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()

	var stores, err = cmd.Stores.Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := stores.Close(); closeErr != nil {
			log.WithField("err", closeErr).Warn("failed to close stores")
		}
	}()

	moved, err := stores.Queue.RequeueDeadLetters(ctx, cmd.Year)
	if err != nil {
		return fmt.Errorf("requeueing dead letters: %w", err)
	}
	fmt.Printf("%s: requeued %d documents for year %d\n", green("OK"), moved, cmd.Year)
	return nil
}
