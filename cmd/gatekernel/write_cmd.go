package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/atlas-gate/gatekernel/pkg/writepolicy"
)

// runWriteCmd implements `gatekernel write`: it mediates one write-time
// tool call through the full gateway pipeline (spec.md §2) and prints
// the verdict or the classified denial.
//
// Exit codes:
//
//	0 = write admitted
//	1 = write denied by the gateway (policy, kill switch, fatigue guard, etc.)
//	2 = runtime error (bad flags, unreadable content file, workspace could not be opened)
func runWriteCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("write", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root         string
		role         string
		tool         string
		target       string
		contentFile  string
		planHash     string
		phaseID      string
		targetRel    string
		jsonOutput   bool
	)
	cmd.StringVar(&root, "root", ".", "Workspace root")
	cmd.StringVar(&role, "role", "EXECUTION", "Session role: EXECUTION, PLANNING, READ_ONLY")
	cmd.StringVar(&tool, "tool", "write_file", "Tool name presenting the write")
	cmd.StringVar(&target, "target", "", "Write target path, relative to root (REQUIRED)")
	cmd.StringVar(&contentFile, "content-file", "", "Path to file whose bytes are the write content (REQUIRED)")
	cmd.StringVar(&planHash, "plan-hash", "", "Plan hash the caller claims authorizes this write")
	cmd.StringVar(&phaseID, "phase-id", "", "Phase id within the plan")
	cmd.StringVar(&targetRel, "target-workspace-relative", "", "Workspace-relative target, for the intent sibling-docs exemption check")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if target == "" || contentFile == "" {
		fmt.Fprintln(stderr, "Error: --target and --content-file are required")
		return 2
	}
	if targetRel == "" {
		targetRel = target
	}

	content, err := os.ReadFile(contentFile)
	if err != nil {
		printErr(stderr, err)
		return 2
	}

	gw, err := openGateway(root, roleFromFlag(role))
	if err != nil {
		printErr(stderr, err)
		return 2
	}

	req := writepolicy.Request{
		SessionID:               gw.Session.SessionID(),
		Role:                    string(gw.Session.Role()),
		Tool:                    tool,
		TargetPath:              target,
		Content:                 string(content),
		PlanHash:                planHash,
		PhaseID:                 phaseID,
		TargetWorkspaceRelative: targetRel,
	}
	verdict, err := gw.HandleWrite(req)
	if err != nil {
		if jsonOutput {
			result := map[string]any{"status": "DENIED", "error": err.Error()}
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else {
			fmt.Fprintf(stdout, "%s✗ write denied%s: %v\n", ColorRed, ColorReset, err)
		}
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(verdict, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	fmt.Fprintf(stdout, "%s✓ write admitted%s\n", ColorGreen, ColorReset)
	fmt.Fprintf(stdout, "  language:      %s\n", verdict.Language)
	fmt.Fprintf(stdout, "  content_hash:  %s\n", verdict.ContentHash)
	fmt.Fprintf(stdout, "  content_bytes: %d\n", verdict.ContentLength)
	for _, warn := range verdict.Warnings {
		fmt.Fprintf(stdout, "  %swarning:%s     %s\n", ColorYellow, ColorReset, warn)
	}
	return 0
}
