package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/retr0-13/kvm-fuzz/internal/bridge"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := parseArgs(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if cfg.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	results, err := runAll(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("run failed")
		return 1
	}

	code := 0
	for i, res := range results {
		entry := log.WithField("input", cfg.inputs[i])
		switch res.Outcome {
		case bridge.OutcomeFault:
			entry.WithFields(logrus.Fields{
				"kind": res.Fault.Kind,
				"rip":  fmt.Sprintf("%#x", res.Fault.FaultingRip),
				"addr": fmt.Sprintf("%#x", res.Fault.FaultingAddress),
			}).Warn("guest faulted")
			code = 1
		case bridge.OutcomeEndRun:
			entry.Info("run ended")
		default:
			entry.Info("dry-run load check passed")
		}
	}
	return code
}

// signalContext cancels on the same signal set _examples/aibor-virtrun's
// cmd/virtrun/main.go watches for, so a harness invocation against a
// real /dev/kvm vCPU can be interrupted cleanly instead of leaving the
// device fd and mmap'd guest memory behind.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
}
