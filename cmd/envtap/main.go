// Command envtap reads a named environment variable from the live address
// space of another running process by briefly hijacking it via ptrace. See
// `envtap -h` for usage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tripwire/envtap/internal/audit"
	"github.com/tripwire/envtap/internal/inject"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run implements the full CLI contract from within a testable function,
// rather than calling flag.Parse on the global FlagSet, so usage errors
// surface as Go errors instead of flag calling os.Exit directly.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("envtap", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var pid int
	var variable string
	var verbose bool
	var auditPath string
	fs.IntVar(&pid, "p", -1, "target process id")
	fs.StringVar(&variable, "e", "", "environment variable name to read")
	fs.BoolVar(&verbose, "v", false, "raise log level to info")
	fs.StringVar(&auditPath, "audit-db", "", "path to the local sqlite audit database (disabled when empty)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if pid < 0 {
		fmt.Fprintln(stderr, "envtap: missing required flag -p")
		return 1
	}
	if variable == "" {
		fmt.Fprintln(stderr, "envtap: missing required flag -e")
		return 1
	}

	level := slog.LevelError
	if verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	opts := inject.Options{Logger: logger}

	if auditPath != "" {
		store, err := audit.OpenSQLite(auditPath)
		if err != nil {
			logger.Error("failed to open audit database", slog.Any("error", err))
			return 1
		}
		defer store.Close()
		opts.Recorder = store
	}

	value, ok, err := inject.Peek(context.Background(), pid, variable, opts)
	if err != nil {
		fmt.Fprintf(stderr, "envtap: %v\n", err)
		return 1
	}
	if !ok {
		return 0
	}
	fmt.Fprintln(stdout, value)
	return 0
}
