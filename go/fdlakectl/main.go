package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("run", "Orchestrate one source year", `
Run the full pipeline for one (source, year): probe the remote archive for
changes, stage it to Bronze, normalize the index into Silver tables, wait
for the extraction queue to drain, and gate the Silver outputs.
`, &cmdRun{})

	_, _ = parser.AddCommand("backfill", "Orchestrate a range of years", `
Run the pipeline over an inclusive year range with bounded concurrency.
Years are independent; a failed year does not stop the others.
`, &cmdBackfill{})

	_, _ = parser.AddCommand("check", "Run the Silver quality gate", `
Run the quality gate read-only against the current stores and report
invariant violations, without orchestrating or writing anything.
`, &cmdCheck{})

	serve, err := parser.Command.AddCommand("serve", "Serve a pipeline component", "", &struct{}{})
	must(err)

	_, _ = serve.AddCommand("orchestrator", "Serve the pipeline orchestrator", `
Run the orchestrator on a daily schedule, with a metrics and health
endpoint, until signaled to exit (via SIGTERM).
`, &cmdServeOrchestrator{})

	_, _ = serve.AddCommand("worker", "Serve extraction workers", `
Run extraction workers against the queue until signaled to exit (via
SIGTERM). On a signal, in-flight documents finish or release their leases
before the process exits.
`, &cmdServeWorker{})

	dlq, err := parser.Command.AddCommand("dlq", "Inspect the dead-letter queue", "", &struct{}{})
	must(err)

	_, _ = dlq.AddCommand("list", "List dead-lettered documents", `
List documents that exhausted their delivery budget, with the reason each
was parked.
`, &cmdDLQList{})

	_, _ = dlq.AddCommand("requeue", "Redrive dead-lettered documents", `
Move a year's dead-lettered documents back into the live queue with a
fresh delivery budget.
`, &cmdDLQRequeue{})

	if _, err = parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalCtx returns a context cancelled on SIGTERM or SIGINT.
func signalCtx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}
