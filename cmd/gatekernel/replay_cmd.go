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
	"time"

	"golang.org/x/time/rate"

	"github.com/atlas-gate/gatekernel/pkg/replay"
)

// runReplayCmd implements `gatekernel replay` (spec.md §4.M): reconstructs
// the timeline for a plan hash, verifying the hash chain, sequence
// continuity, determinism, and scope coverage, then classifies the
// result as PASS or FAIL.
//
// Exit codes:
//
//	0 = replay verdict PASS
//	1 = replay verdict FAIL
//	2 = runtime error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root       string
		logPath    string
		planHash   string
		phaseID    string
		tool       string
		watch      bool
		watchHz    float64
		jsonOutput bool
	)
	cmd.StringVar(&root, "root", ".", "Workspace root")
	cmd.StringVar(&logPath, "log", "", "Path to the audit log (REQUIRED)")
	cmd.StringVar(&planHash, "plan-hash", "", "Plan hash to replay (REQUIRED)")
	cmd.StringVar(&phaseID, "phase-id", "", "Restrict replay to one phase id")
	cmd.StringVar(&tool, "tool", "", "Restrict replay to one tool")
	cmd.BoolVar(&watch, "watch", false, "Poll the audit log and re-replay as new entries are appended, until interrupted")
	cmd.Float64Var(&watchHz, "watch-hz", 0.5, "Poll rate in polls per second when --watch is set")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if logPath == "" || planHash == "" {
		fmt.Fprintln(stderr, "Error: --log and --plan-hash are required")
		return 2
	}

	abs, err := absRoot(root)
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	filter := replay.Filter{PhaseID: phaseID, Tool: tool}

	if !watch {
		report, err := replay.Replay(abs, logPath, planHash, filter)
		if err != nil {
			printErr(stderr, err)
			return 2
		}
		printReplayReport(stdout, report, jsonOutput)
		if report.Verdict != "PASS" {
			return 1
		}
		return 0
	}

	return runReplayWatch(stdout, stderr, abs, logPath, planHash, filter, watchHz)
}

// runReplayWatch re-runs Replay at a fixed rate until SIGINT/SIGTERM,
// printing only when the verdict or finding count changes so a
// long-running operator terminal isn't flooded with identical reports.
func runReplayWatch(stdout, stderr io.Writer, workspaceRoot, logPath, planHash string, filter replay.Filter, hz float64) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintf(stdout, "%sreplay watch: shutting down%s\n", ColorGray, ColorReset)
		cancel()
	}()

	limiter := rate.NewLimiter(rate.Limit(hz), 1)
	lastVerdict := ""
	lastFindings := -1

	for {
		if err := limiter.Wait(ctx); err != nil {
			return 0
		}
		report, err := replay.Replay(workspaceRoot, logPath, planHash, filter)
		if err != nil {
			printErr(stderr, err)
			return 2
		}
		if report.Verdict != lastVerdict || len(report.Findings) != lastFindings {
			fmt.Fprintf(stdout, "[%s] verdict=%s findings=%d\n", time.Now().UTC().Format(time.RFC3339), report.Verdict, len(report.Findings))
			for _, f := range report.Findings {
				fmt.Fprintf(stdout, "  - [seq %d] %s: %s\n", f.Seq, f.Code, f.Detail)
			}
			lastVerdict = report.Verdict
			lastFindings = len(report.Findings)
		}
	}
}

func printReplayReport(stdout io.Writer, report *replay.Report, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return
	}
	if report.Verdict == "PASS" {
		fmt.Fprintf(stdout, "%s✓ replay PASS%s (%d timeline entries)\n", ColorGreen, ColorReset, len(report.Timeline))
	} else {
		fmt.Fprintf(stdout, "%s✗ replay FAIL%s (%d finding(s))\n", ColorRed, ColorReset, len(report.Findings))
	}
	for _, f := range report.Findings {
		fmt.Fprintf(stdout, "  - [seq %d] %s: %s\n", f.Seq, f.Code, f.Detail)
	}
}
