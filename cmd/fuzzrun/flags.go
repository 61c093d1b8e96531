package main

import (
	"flag"
	"fmt"
	"runtime"
	"strconv"
	"time"
)

// config is parsed once from the command line, in the style of
// _examples/aibor-virtrun/cmd/virtrun/flags.go: a flag.FlagSet bound
// directly onto a config struct's fields, with positional arguments
// (here, the input files) consumed after fs.Parse.
type config struct {
	binary   string
	arch     string
	memoryMB uint
	timeout  time.Duration
	useKVM   bool
	verbose  bool
	loadBase uint64
	inputs   []string
}

func parseArgs(args []string) (*config, error) {
	cfg := &config{
		arch:     runtime.GOARCH,
		memoryMB: 64,
		timeout:  10 * time.Second,
		loadBase: 0x400000,
	}

	fsName := fmt.Sprintf("%s [flags...] input...", args[0])
	fs := flag.NewFlagSet(fsName, flag.ContinueOnError)

	fs.StringVar(&cfg.binary, "binary", cfg.binary, "path to the guest PIE/EXEC binary to run")
	fs.StringVar(&cfg.arch, "arch", cfg.arch, "target machine architecture (amd64)")
	fs.UintVar(&cfg.memoryMB, "memory", cfg.memoryMB, "guest physical memory size, in MB")
	fs.DurationVar(&cfg.timeout, "timeout", cfg.timeout, "wall-clock timeout per run")
	fs.BoolVar(&cfg.useKVM, "kvm", cfg.useKVM, "run against a real /dev/kvm vCPU instead of a dry-run load-only check")
	fs.BoolVar(&cfg.verbose, "verbose", cfg.verbose, "enable debug-level logging")
	fs.Func("load-base", fmt.Sprintf("guest load base for ET_DYN binaries (default %#x)", cfg.loadBase), func(s string) error {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid -load-base %q: %w", s, err)
		}
		cfg.loadBase = v
		return nil
	})

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	if cfg.binary == "" {
		return nil, fmt.Errorf("no -binary given")
	}

	cfg.inputs = fs.Args()
	if len(cfg.inputs) == 0 {
		// Running with no file-backed inputs is legitimate (spec.md §6's
		// Get/SetFile* hypercalls tolerate an empty file set); fall back to
		// a single nameless, empty input so there is always at least one
		// run.
		cfg.inputs = []string{""}
	}

	return cfg, nil
}
