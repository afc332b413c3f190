package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/atlas-gate/gatekernel/pkg/session"
)

// runInitCmd implements `gatekernel init`: it locks the workspace root,
// materializing docs/plans and the secure-by-default governance.json if
// neither already exists, then reports the resulting state.
//
// Exit codes:
//
//	0 = workspace initialized (or already initialized)
//	2 = runtime error
func runInitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("init", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root       string
		jsonOutput bool
	)
	cmd.StringVar(&root, "root", ".", "Workspace root to initialize")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	gw, err := openGateway(root, session.RoleExecution)
	if err != nil {
		printErr(stderr, err)
		return 2
	}

	abs, _ := absRoot(root)
	if jsonOutput {
		result := map[string]any{
			"workspace_root":     abs,
			"bootstrap_enabled":  gw.Governance.BootstrapEnabled,
			"auto_register_plans": gw.Governance.AutoRegisterPlans,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	fmt.Fprintf(stdout, "%s✓ workspace initialized%s\n", ColorGreen, ColorReset)
	fmt.Fprintf(stdout, "  root:               %s\n", abs)
	fmt.Fprintf(stdout, "  bootstrap_enabled:  %v\n", gw.Governance.BootstrapEnabled)
	fmt.Fprintf(stdout, "  auto_register_plans: %v\n", gw.Governance.AutoRegisterPlans)
	return 0
}
