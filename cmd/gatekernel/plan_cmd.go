package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/atlas-gate/gatekernel/pkg/planlint"
	"github.com/atlas-gate/gatekernel/pkg/planstore"
)

// runPlanCmd dispatches `gatekernel plan <lint|register>`.
func runPlanCmd(sub string, args []string, stdout, stderr io.Writer) int {
	switch sub {
	case "lint":
		return runPlanLintCmd(args, stdout, stderr)
	case "register":
		return runPlanRegisterCmd(args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown plan subcommand: %s\n", sub)
		return 2
	}
}

// runPlanLintCmd implements `gatekernel plan lint` (spec.md §4.F): reads
// a plan document from disk and reports every structural, semantic,
// enforceability, and auditability violation found, never stopping at
// the first.
//
// Exit codes:
//
//	0 = plan passes lint
//	1 = plan has violations
//	2 = runtime error
func runPlanLintCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("plan lint", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file        string
		expectHash  string
		jsonOutput  bool
	)
	cmd.StringVar(&file, "file", "", "Path to the plan document (REQUIRED)")
	cmd.StringVar(&expectHash, "expect-hash", "", "Expected plan hash; empty skips the hash check")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		printErr(stderr, err)
		return 2
	}

	verdict := planlint.Lint(string(raw), expectHash)

	if jsonOutput {
		data, _ := json.MarshalIndent(verdict, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if verdict.Pass {
		fmt.Fprintf(stdout, "%s✓ plan lint passed%s\n", ColorGreen, ColorReset)
		fmt.Fprintf(stdout, "  computed_hash: %s\n", verdict.ComputedHash)
		fmt.Fprintf(stdout, "  phases:        %d\n", len(verdict.Phases))
	} else {
		fmt.Fprintf(stdout, "%s✗ plan lint failed%s (%d violation(s))\n", ColorRed, ColorReset, len(verdict.Violations))
		for _, v := range verdict.Violations {
			if v.PhaseID != "" {
				fmt.Fprintf(stdout, "  - [%s] %s: %s\n", v.Code, v.PhaseID, v.Detail)
			} else {
				fmt.Fprintf(stdout, "  - [%s] %s\n", v.Code, v.Detail)
			}
		}
	}

	if !verdict.Pass {
		return 1
	}
	return 0
}

// runPlanRegisterCmd implements `gatekernel plan register`: lints the
// plan, refusing to register on any violation, then writes the envelope
// into the workspace's plan store keyed by its computed hash.
//
// Exit codes:
//
//	0 = plan registered
//	1 = plan has violations, not registered
//	2 = runtime error
func runPlanRegisterCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("plan register", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root string
		file string
		role string
	)
	cmd.StringVar(&root, "root", ".", "Workspace root")
	cmd.StringVar(&file, "file", "", "Path to the plan document (REQUIRED)")
	cmd.StringVar(&role, "role", "PLANNING", "Envelope ROLE label: PLANNING, EXECUTION, etc.")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		printErr(stderr, err)
		return 2
	}

	hash, err := planlint.ComputeHash(string(raw))
	if err != nil {
		printErr(stderr, err)
		return 2
	}

	verdict := planlint.Lint(string(raw), hash)
	if !verdict.Pass {
		fmt.Fprintf(stdout, "%s✗ plan has violations, not registered%s\n", ColorRed, ColorReset)
		for _, v := range verdict.Violations {
			fmt.Fprintf(stdout, "  - [%s] %s\n", v.Code, v.Detail)
		}
		return 1
	}

	abs, err := absRoot(root)
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	plansDir := filepath.Join(abs, "docs", "plans")
	if err := os.MkdirAll(plansDir, 0o755); err != nil {
		printErr(stderr, err)
		return 2
	}

	envelope := "<!-- ATLAS-GATE_PLAN_HASH: " + hash + " ROLE: " + role + " STATUS: APPROVED -->\n" + planlint.Canonical(string(raw))
	store := planstore.New(plansDir)
	if err := store.Write(hash, envelope); err != nil {
		printErr(stderr, err)
		return 2
	}

	fmt.Fprintf(stdout, "%s✓ plan registered%s\n", ColorGreen, ColorReset)
	fmt.Fprintf(stdout, "  hash: %s\n", hash)
	return 0
}
