package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

// runReadCmd implements `gatekernel read`: it mediates a read-only tool
// call, which bypasses the write-time policy engine but still has to
// clear the kill-switch allowlist (spec.md §2).
//
// Exit codes:
//
//	0 = read admitted
//	1 = read blocked (kill switch engaged and tool not admitted)
//	2 = runtime error
func runReadCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("read", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root       string
		tool       string
		jsonOutput bool
	)
	cmd.StringVar(&root, "root", ".", "Workspace root")
	cmd.StringVar(&tool, "tool", "read_file", "Tool name presenting the read")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	gw, err := openGateway(root, roleFromFlag("EXECUTION"))
	if err != nil {
		printErr(stderr, err)
		return 2
	}

	if err := gw.HandleRead(tool); err != nil {
		if jsonOutput {
			result := map[string]any{"status": "DENIED", "error": err.Error()}
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else {
			fmt.Fprintf(stdout, "%s✗ read blocked%s: %v\n", ColorRed, ColorReset, err)
		}
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"status": "ADMITTED", "tool": tool}, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	fmt.Fprintf(stdout, "%s✓ read admitted%s: %s\n", ColorGreen, ColorReset, tool)
	return 0
}
