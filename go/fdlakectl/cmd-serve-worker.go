package main

import (
	"time"

	"github.com/capitoldata/fdlake/go/pdftext"
	"github.com/capitoldata/fdlake/go/runtime"
	"github.com/capitoldata/fdlake/go/worker"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type cmdServeWorker struct {
	Log    LogConfig            `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Stores runtime.StoresConfig `group:"Stores"`

	Workers       int           `long:"workers" env:"WORKERS" default:"2" description:"Concurrent worker loops in this process"`
	BatchSize     int           `long:"batch-size" env:"BATCH_SIZE" default:"10" description:"Documents leased per receive"`
	TaskTimeout   time.Duration `long:"task-timeout" env:"TASK_TIMEOUT" default:"5m" description:"Per-document extraction deadline"`
	ClaimLease    time.Duration `long:"claim-lease" env:"CLAIM_LEASE" default:"15m" description:"Bronze claim duration"`
	OCRThreshold  float64       `long:"ocr-fallback-threshold" env:"OCR_FALLBACK_THRESHOLD" default:"0.15" description:"Embedded-text confidence below which pages fall back to OCR"`
	PdftoppmPath  string        `long:"pdftoppm-path" env:"PDFTOPPM_PATH" description:"pdftoppm binary (default: from PATH)"`
	TesseractPath string        `long:"tesseract-path" env:"TESSERACT_PATH" description:"tesseract binary (default: from PATH)"`
	MetricsAddr   string        `long:"metrics-addr" env:"METRICS_ADDR" default:":8081" description:"Address of the metrics and health endpoint"`
}

func (cmd cmdServeWorker) Execute(_ []string) error {
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

	var extractor = pdftext.NewExtractor(&pdftext.TesseractEngine{
		PdftoppmPath:  cmd.PdftoppmPath,
		TesseractPath: cmd.TesseractPath,
	}, cmd.OCRThreshold)
	var cfg = worker.Config{
		BatchSize:    cmd.BatchSize,
		TaskTimeout:  cmd.TaskTimeout,
		ClaimLease:   cmd.ClaimLease,
		MaxAttempts:  cmd.Stores.Queue.MaxAttempts,
		PollInterval: time.Second * 2,
	}

	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { return runtime.ServeDebug(groupCtx, cmd.MetricsAddr) })
	for i := 0; i != cmd.Workers; i++ {
		w, err := worker.New(cfg, stores.Blobs, stores.Queue, stores.Tables, extractor)
		if err != nil {
			cancel()
			_ = group.Wait()
			return err
		}
		group.Go(func() error { return w.Run(groupCtx) })
	}
	return group.Wait()
}
