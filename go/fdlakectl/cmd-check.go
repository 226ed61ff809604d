package main

import (
	"errors"
	"fmt"

	"github.com/capitoldata/fdlake/go/runtime"
	log "github.com/sirupsen/logrus"
)

type cmdCheck struct {
	Log    LogConfig            `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Stores runtime.StoresConfig `group:"Stores"`

	Year                int     `long:"year" env:"YEAR" required:"true" description:"Disclosure year to check"`
	QualityWarnFraction float64 `long:"quality-warn-fraction" default:"0.001" description:"Violation fraction at which the gate warns"`
	QualityFailFraction float64 `long:"quality-fail-fraction" default:"0.01" description:"Violation fraction at which the gate fails"`
}

func (cmd cmdCheck) Execute(_ []string) error {
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

	report, err := runtime.CheckQuality(ctx, stores, cmd.Year,
		cmd.QualityWarnFraction, cmd.QualityFailFraction)
	for _, sample := range report.Samples {
		fmt.Printf("  %s\n", yellow(sample))
	}
	switch {
	case errors.Is(err, runtime.ErrQualityGateFailed):
		fmt.Printf("%s: year %d: %d of %d checks violated\n",
			red("FAILED"), cmd.Year, report.Violations, report.Checked)
		return err
	case err != nil:
		return err
	case report.Warned:
		fmt.Printf("%s: year %d: %d of %d checks violated\n",
			yellow("OK (with warnings)"), cmd.Year, report.Violations, report.Checked)
	default:
		fmt.Printf("%s: year %d: %d checks passed\n", green("OK"), cmd.Year, report.Checked)
	}
	return nil
}
