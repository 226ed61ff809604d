package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/capitoldata/fdlake/go/labels"
	"github.com/capitoldata/fdlake/go/runtime"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

// orchestratorFlags are the orchestration options shared by the run,
// backfill and serve orchestrator commands.
type orchestratorFlags struct {
	ArchiveURL          string        `long:"archive-url" env:"ARCHIVE_URL" default:"https://disclosures-clerk.house.gov/public_disc/financial-pdfs/%dFD.zip" description:"Archive URL pattern; %d expands to the year"`
	FilingTypes         []string      `long:"filing-type" env:"FILING_TYPES" env-delim:"," description:"Restrict extraction to these filing type codes (may be repeated; default all)"`
	DrainDeadline       time.Duration `long:"drain-deadline" env:"DRAIN_DEADLINE" default:"4h" description:"Maximum time to wait for the extraction queue to drain"`
	QualityWarnFraction float64       `long:"quality-warn-fraction" env:"QUALITY_WARN_FRACTION" default:"0.001" description:"Violation fraction at which the quality gate warns"`
	QualityFailFraction float64       `long:"quality-fail-fraction" env:"QUALITY_FAIL_FRACTION" default:"0.01" description:"Violation fraction at which the quality gate fails"`
}

func (f orchestratorFlags) config(force bool) (runtime.OrchestratorConfig, error) {
	var types []labels.FilingType
	for _, s := range f.FilingTypes {
		var ft = labels.FilingType(s)
		if !ft.Valid() {
			return runtime.OrchestratorConfig{}, fmt.Errorf("unknown filing type %q", s)
		}
		types = append(types, ft)
	}
	return runtime.OrchestratorConfig{
		ArchiveURLPattern:   f.ArchiveURL,
		Force:               force,
		FilingTypes:         types,
		DrainDeadline:       f.DrainDeadline,
		QualityWarnFraction: f.QualityWarnFraction,
		QualityFailFraction: f.QualityFailFraction,
	}, nil
}

type cmdRun struct {
	Log         LogConfig            `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Stores      runtime.StoresConfig `group:"Stores"`
	Orchestrate orchestratorFlags    `group:"Orchestration"`

	Year  int  `long:"year" env:"YEAR" required:"true" description:"Disclosure year to run"`
	Force bool `long:"force-refresh" description:"Bypass change detection and re-stage the archive"`
}

func (cmd cmdRun) Execute(_ []string) error {
	initLog(cmd.Log)

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
	out, err := orchestrator.Run(ctx, cmd.Year)
	if err != nil {
		fmt.Printf("%s: year %d failed in state %s: %v\n", red("FAILED"), cmd.Year, out.State, err)
		return err
	}

	if out.Unchanged {
		fmt.Printf("%s: year %d is unchanged since the last run\n", green("OK"), cmd.Year)
		return nil
	}
	var verdict = green("OK")
	if out.Quality.Warned {
		verdict = yellow("OK (with warnings)")
	}
	fmt.Printf("%s: year %d run %s\n", verdict, cmd.Year, out.RunID)
	fmt.Printf("  archive %s (%d PDFs staged, %d unchanged)\n",
		out.ArchiveHash[:12], out.Ingest.PDFsStaged, out.Ingest.PDFsSkipped)
	fmt.Printf("  normalized %d filings; enqueued %d, already done %d, skipped by type %d, missing %d\n",
		out.Normalize.Filings, out.Normalize.Enqueued, out.Normalize.AlreadyDone,
		out.Normalize.SkippedType, len(out.Normalize.Missing))
	fmt.Printf("  quality gate: %d checks, %d violations\n",
		out.Quality.Checked, out.Quality.Violations)
	for _, sample := range out.Quality.Samples {
		fmt.Printf("    %s\n", yellow(sample))
	}
	return nil
}
