package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/atlas-gate/gatekernel/pkg/audit"
)

// runVerifyCmd implements `gatekernel verify`: walks the audit log
// recomputing every entry's hash and prev_hash linkage (spec.md §8 I1),
// reporting every tampered record rather than stopping at the first.
//
// Exit codes:
//
//	0 = chain verified clean
//	1 = tamper detected
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		logPath    string
		jsonOutput bool
	)
	cmd.StringVar(&logPath, "log", "", "Path to the audit log (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if logPath == "" {
		fmt.Fprintln(stderr, "Error: --log is required")
		return 2
	}

	report, err := audit.VerifyChain(logPath)
	if err != nil {
		printErr(stderr, err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		fmt.Fprintf(stdout, "%s✓ audit chain verified clean%s\n", ColorGreen, ColorReset)
	} else {
		fmt.Fprintf(stdout, "%s✗ audit chain tamper detected%s (%d finding(s))\n", ColorRed, ColorReset, len(report.Findings))
		for _, f := range report.Findings {
			fmt.Fprintf(stdout, "  - [seq %d] %s: %s\n", f.Seq, f.Code, f.Detail)
		}
	}

	if !report.Valid {
		return 1
	}
	return 0
}
