// Command safehold operates the verified-action engine: snapshots, restores,
// benchmark batteries, and golden baseline inspection.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/safeholdhq/safehold/pkg/config"
	"github.com/safeholdhq/safehold/pkg/contracts"
	"github.com/safeholdhq/safehold/pkg/snapshot"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "exec":
		return runExecCmd(ctx, args[2:], stdout, stderr)
	case "snapshot":
		return runSnapshotCmd(ctx, args[2:], stdout, stderr)
	case "restore":
		return runRestoreCmd(ctx, args[2:], stdout, stderr)
	case "bench":
		return runBenchCmd(ctx, args[2:], stdout, stderr)
	case "golden":
		return runGoldenCmd(ctx, stdout, stderr)
	case "audit":
		return runAuditCmd(ctx, args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: safehold <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  exec -- <cmd>       Run a command under contract with snapshot protection")
	fmt.Fprintln(w, "  snapshot            Capture a manual SafeHold snapshot")
	fmt.Fprintln(w, "  restore <id>        Restore a snapshot (-dry-run to validate only)")
	fmt.Fprintln(w, "  bench               Run the smoke battery (-full for regression)")
	fmt.Fprintln(w, "  golden              Show the latest golden snapshot and baseline run")
	fmt.Fprintln(w, "  audit               Show recent audit entries (-n to limit)")
}

func runSnapshotCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	notes := fs.String("notes", "", "operator notes attached to the snapshot")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sys, err := buildSubsystems(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "safehold: %v\n", err)
		return 1
	}
	defer sys.Close()

	snap, err := sys.snapshots.CreateSnapshot(ctx, snapshot.CreateRequest{
		Type:        contracts.SnapshotManual,
		TriggeredBy: "operator:cli",
		Notes:       *notes,
	})
	if err != nil {
		fmt.Fprintf(stderr, "safehold: snapshot: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, snap)
}

func runRestoreCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dryRun := fs.Bool("dry-run", false, "validate integrity without mutating state")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: safehold restore [-dry-run] <snapshot-id>")
		return 2
	}

	sys, err := buildSubsystems(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "safehold: %v\n", err)
		return 1
	}
	defer sys.Close()

	result, err := sys.snapshots.RestoreSnapshot(ctx, fs.Arg(0), *dryRun)
	if err != nil {
		fmt.Fprintf(stderr, "safehold: restore: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, result)
}

func runBenchCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(stderr)
	full := fs.Bool("full", false, "run the regression battery with baseline comparison")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sys, err := buildSubsystems(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "safehold: %v\n", err)
		return 1
	}
	defer sys.Close()

	var run *contracts.BenchmarkRun
	if *full {
		run, err = sys.bench.RunRegressionSuite(ctx, "operator:cli", true)
	} else {
		run, err = sys.bench.RunSmokeTests(ctx, "operator:cli")
	}
	if err != nil {
		fmt.Fprintf(stderr, "safehold: bench: %v\n", err)
		return 1
	}
	if code := printJSON(stdout, stderr, run); code != 0 {
		return code
	}
	if !run.Passed {
		return 1
	}
	return 0
}

func runGoldenCmd(ctx context.Context, stdout, stderr io.Writer) int {
	sys, err := buildSubsystems(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "safehold: %v\n", err)
		return 1
	}
	defer sys.Close()

	snap, err := sys.snapshots.LatestGolden(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "safehold: golden snapshot: %v\n", err)
		return 1
	}
	run, err := sys.bench.LatestGolden(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "safehold: golden run: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, map[string]any{
		"golden_snapshot": snap,
		"golden_run":      run,
	})
}

func runAuditCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("n", 50, "number of entries to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	sys, err := buildSubsystems(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "safehold: %v\n", err)
		return 1
	}
	defer sys.Close()

	entries, err := sys.recentAudit(ctx, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "safehold: audit: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, entries)
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "safehold: encode: %v\n", err)
		return 1
	}
	return 0
}
