package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/atlas-gate/gatekernel/pkg/killswitch"
)

// runKillSwitchCmd dispatches `gatekernel killswitch <subcommand>`.
func runKillSwitchCmd(sub string, args []string, stdout, stderr io.Writer) int {
	switch sub {
	case "status":
		return runKillSwitchStatusCmd(args, stdout, stderr)
	case "engage":
		return runKillSwitchEngageCmd(args, stdout, stderr)
	case "recover":
		return runKillSwitchRecoverCmd(args, stdout, stderr)
	case "verify-pass":
		return runKillSwitchVerifyPassCmd(args, stdout, stderr)
	case "unlock":
		return runKillSwitchUnlockCmd(args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown killswitch subcommand: %s\n", sub)
		return 2
	}
}

func killSwitchManager(root string) (*killswitch.Manager, error) {
	gw, err := openGateway(root, roleFromFlag("EXECUTION"))
	if err != nil {
		return nil, err
	}
	return gw.KillSwitch, nil
}

func printKillSwitchState(w io.Writer, s *killswitch.State, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(s, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	if !s.Engaged {
		fmt.Fprintf(w, "%s✓ kill switch not engaged%s\n", ColorGreen, ColorReset)
		return
	}
	fmt.Fprintf(w, "%s⚠ kill switch ENGAGED%s\n", ColorRed, ColorReset)
	fmt.Fprintf(w, "  reason:      %s\n", s.TriggerReason)
	fmt.Fprintf(w, "  triggered at: %s\n", s.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(w, "  report:      %s\n", s.HaltReportPath)
	var pending []string
	for _, v := range s.RecoveryRequiredVerifications {
		if !s.RecoveryVerificationsPassed[v] {
			pending = append(pending, string(v))
		}
	}
	if len(pending) > 0 {
		fmt.Fprintf(w, "  pending verifications: %s\n", strings.Join(pending, ", "))
	}
}

// runKillSwitchStatusCmd implements `gatekernel killswitch status`.
//
// Exit codes:
//
//	0 = not engaged
//	1 = engaged
//	2 = runtime error
func runKillSwitchStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("killswitch status", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root       string
		jsonOutput bool
	)
	cmd.StringVar(&root, "root", ".", "Workspace root")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	mgr, err := killSwitchManager(root)
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	s, err := mgr.Load()
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	printKillSwitchState(stdout, s, jsonOutput)
	if s.Engaged {
		return 1
	}
	return 0
}

// runKillSwitchEngageCmd implements `gatekernel killswitch engage`
// (spec.md §4.L): persists the HALT state atomically.
//
// Exit codes:
//
//	0 = engaged
//	2 = runtime error
func runKillSwitchEngageCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("killswitch engage", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root         string
		reason       string
		failureIDs   string
		invariantIDs string
		triggerRole  string
		triggerTool  string
		reportPath   string
	)
	cmd.StringVar(&root, "root", ".", "Workspace root")
	cmd.StringVar(&reason, "reason", "", "Trigger reason (REQUIRED)")
	cmd.StringVar(&failureIDs, "failure-ids", "", "Comma-separated failure ids")
	cmd.StringVar(&invariantIDs, "invariant-ids", "", "Comma-separated invariant ids")
	cmd.StringVar(&triggerRole, "role", "", "Role that triggered the halt")
	cmd.StringVar(&triggerTool, "tool", "", "Tool that triggered the halt")
	cmd.StringVar(&reportPath, "report", "", "Halt report path; empty derives a default under docs/reports")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if reason == "" {
		fmt.Fprintln(stderr, "Error: --reason is required")
		return 2
	}

	gw, err := openGateway(root, roleFromFlag("EXECUTION"))
	if err != nil {
		printErr(stderr, err)
		return 2
	}

	state, err := gw.EngageKillSwitch(reason, splitNonEmpty(failureIDs), splitNonEmpty(invariantIDs), triggerRole, triggerTool, reportPath)
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	fmt.Fprintf(stdout, "%s⚠ kill switch engaged%s: %s\n", ColorRed, ColorReset, state.TriggerReason)
	fmt.Fprintf(stdout, "  halt report: %s\n", state.HaltReportPath)
	return 0
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// runKillSwitchRecoverCmd implements the two-step recovery handshake
// (spec.md §4.L) in a single invocation. The confirmation code from step
// 1 is never persisted to disk (killswitch.State.recoveryConfirmCode is
// process-local by design), so acknowledgement and confirmation can only
// be driven from the same Manager/State pair within one process.
//
// Exit codes:
//
//	0 = acknowledged and confirmed
//	2 = runtime error or refused handshake
func runKillSwitchRecoverCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("killswitch recover", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root           string
		reportPath     string
		understandAll  bool
	)
	cmd.StringVar(&root, "root", ".", "Workspace root")
	cmd.StringVar(&reportPath, "report", "", "Halt report path, must match the engaged state (REQUIRED)")
	cmd.BoolVar(&understandAll, "understand", false, "Confirms the operator understands cause, impact, remediation, and responsibility")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if reportPath == "" {
		fmt.Fprintln(stderr, "Error: --report is required")
		return 2
	}
	if !understandAll {
		fmt.Fprintln(stderr, "Error: --understand must be set; recovery requires explicit operator acknowledgement")
		return 2
	}

	mgr, err := killSwitchManager(root)
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	state, err := mgr.Load()
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	if !state.Engaged {
		fmt.Fprintln(stdout, "kill switch is not engaged, nothing to recover")
		return 0
	}

	code, err := mgr.Acknowledge(state, reportPath, understandAll, understandAll, understandAll, understandAll)
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	if err := mgr.Confirm(state, code, understandAll, understandAll, understandAll, understandAll); err != nil {
		printErr(stderr, err)
		return 2
	}

	fmt.Fprintf(stdout, "%s✓ recovery acknowledged and confirmed%s\n", ColorGreen, ColorReset)
	fmt.Fprintln(stdout, "  remaining: run 'killswitch verify-pass' for each required verification, then 'killswitch unlock'")
	return 0
}

// runKillSwitchVerifyPassCmd implements `gatekernel killswitch verify-pass`.
//
// Exit codes:
//
//	0 = recorded
//	2 = runtime error
func runKillSwitchVerifyPassCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("killswitch verify-pass", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root         string
		verification string
	)
	cmd.StringVar(&root, "root", ".", "Workspace root")
	cmd.StringVar(&verification, "verification", "", "One of: audit_verify, plan_lint, maturity_recompute (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	v := killswitch.RequiredVerification(verification)
	switch v {
	case killswitch.VerificationAuditVerify, killswitch.VerificationPlanLint, killswitch.VerificationMaturityRecompute:
	default:
		fmt.Fprintln(stderr, "Error: --verification must be one of audit_verify, plan_lint, maturity_recompute")
		return 2
	}

	mgr, err := killSwitchManager(root)
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	state, err := mgr.Load()
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	if err := mgr.MarkVerificationPassed(state, v); err != nil {
		printErr(stderr, err)
		return 2
	}
	fmt.Fprintf(stdout, "%s✓ verification recorded%s: %s\n", ColorGreen, ColorReset, verification)
	return 0
}

// runKillSwitchUnlockCmd implements `gatekernel killswitch unlock`.
//
// Exit codes:
//
//	0 = cleared
//	1 = refused, a verification is still pending
//	2 = runtime error
func runKillSwitchUnlockCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("killswitch unlock", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var root string
	cmd.StringVar(&root, "root", ".", "Workspace root")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	mgr, err := killSwitchManager(root)
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	state, err := mgr.Load()
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	if err := mgr.Unlock(state); err != nil {
		printErr(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "%s✓ kill switch cleared%s\n", ColorGreen, ColorReset)
	return 0
}
