package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/safeholdhq/safehold/pkg/config"
	"github.com/safeholdhq/safehold/pkg/contracts"
	"github.com/safeholdhq/safehold/pkg/executor"
	"github.com/safeholdhq/safehold/pkg/observability"
	"github.com/safeholdhq/safehold/pkg/tiers"
	"github.com/safeholdhq/safehold/pkg/verify"
)

// runExecCmd executes one operator-supplied command under contract. The
// command runs through the full pipeline, so a tier_2 invocation snapshots
// first and rolls back on verification shortfall or benchmark drift.
func runExecCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tier := fs.String("tier", string(tiers.Tier1), "device tier: tier_1, tier_2, or tier_3")
	approved := fs.Bool("approved", false, "assert a human approved this action")
	effectPath := fs.String("effect", "", "JSON file declaring the expected effect")
	missionID := fs.String("mission", "", "mission to record this action against")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Usage: safehold exec [flags] -- <command> [args...]")
		return 2
	}

	effect, err := loadEffect(*effectPath)
	if err != nil {
		fmt.Fprintf(stderr, "safehold: %v\n", err)
		return 2
	}

	cfg := config.Load()
	sys, err := buildSubsystems(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "safehold: %v\n", err)
		return 1
	}
	defer sys.Close()

	engine, obs, err := buildEngine(ctx, cfg, sys)
	if err != nil {
		fmt.Fprintf(stderr, "safehold: %v\n", err)
		return 1
	}
	if obs != nil {
		defer obs.Shutdown(context.Background())
	}

	outcome, err := engine.ExecuteVerifiedAction(ctx, executor.ExecuteRequest{
		ActionType:  "shell_command",
		Params:      map[string]any{"argv": fs.Args()},
		Effect:      *effect,
		Tier:        tiers.Tier(*tier),
		TriggeredBy: "operator:cli",
		Approved:    *approved,
		MissionID:   *missionID,
	})
	if err != nil {
		fmt.Fprintf(stderr, "safehold: exec: %v\n", err)
		return 1
	}
	if code := printJSON(stdout, stderr, outcome); code != 0 {
		return code
	}
	if !outcome.Success {
		return 1
	}
	return 0
}

// buildEngine assembles the execution pipeline over the shared subsystems.
// Observability is wired only when telemetry is enabled; the returned
// provider is nil otherwise.
func buildEngine(ctx context.Context, cfg *config.Config, sys *subsystems) (*executor.Engine, *observability.Provider, error) {
	verifier := verify.NewContractVerifier(sys.contracts, sys.auditLog, sys.log)

	opts := []executor.Option{executor.WithMissionTracker(sys.missions)}
	var obs *observability.Provider
	if cfg.Telemetry {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		var err error
		obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("init observability: %w", err)
		}
		opts = append(opts, executor.WithObservability(obs))
	}

	engine := executor.NewEngine(verifier, sys.snapshots, sys.bench, sys.contracts,
		executor.DriverFunc(runShellCommand), sys.log, opts...)
	return engine, obs, nil
}

// runShellCommand is the CLI's action driver: it runs argv and reports the
// exit code as observable state.
func runShellCommand(ctx context.Context, actionType string, params map[string]any) (*executor.DriverResult, error) {
	argv, ok := params["argv"].([]string)
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("exec: no command given")
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("exec %s: %w", argv[0], runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &executor.DriverResult{
		State: map[string]any{
			"exit_code":         exitCode,
			"command_succeeded": exitCode == 0,
		},
		Metrics: map[string]float64{
			"command_runtime_ms": float64(time.Since(start)) / float64(time.Millisecond),
		},
		Detail: fmt.Sprintf("ran %q", argv[0]),
	}, nil
}

// loadEffect reads an expected-effect declaration, or returns the default
// contract: the command exits zero and the benchmark battery passes.
func loadEffect(path string) (*contracts.ExpectedEffect, error) {
	if path == "" {
		return &contracts.ExpectedEffect{
			TargetResource: "host:local",
			SuccessCriteria: contracts.CriterionList{
				contracts.StateMatch{Key: "command_succeeded", Value: true},
				contracts.StateMatch{Key: "benchmark_passed", Value: true},
			},
		}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load effect: %w", err)
	}
	var effect contracts.ExpectedEffect
	if err := json.Unmarshal(data, &effect); err != nil {
		return nil, fmt.Errorf("parse effect %s: %w", path, err)
	}
	return &effect, nil
}
