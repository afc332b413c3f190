package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/atlas-gate/gatekernel/pkg/attestation"
	"github.com/atlas-gate/gatekernel/pkg/config"
)

// runAttestCmd dispatches `gatekernel attest <generate|verify>`.
func runAttestCmd(sub string, args []string, stdout, stderr io.Writer) int {
	switch sub {
	case "generate":
		return runAttestGenerateCmd(args, stdout, stderr)
	case "verify":
		return runAttestVerifyCmd(args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown attest subcommand: %s\n", sub)
		return 2
	}
}

func secretResolverFromFlags(secretFile string) attestation.SecretResolver {
	cfg := config.Load()
	return attestation.EnvSecretResolver{
		EnvValue:       cfg.AttestationSecret,
		SecretFilePath: secretFile,
		MasterKey:      cfg.MasterKey,
	}
}

// runAttestGenerateCmd implements `gatekernel attest generate` (spec.md
// §4.N generate()): gathers evidence from the audit log and workspace,
// builds the canonical bundle, and signs it.
//
// Exit codes:
//
//	0 = bundle generated
//	2 = runtime error
func runAttestGenerateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("attest generate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root       string
		logPath    string
		planHash   string
		label      string
		secretFile string
		out        string
		markdown   bool
	)
	cmd.StringVar(&root, "root", ".", "Workspace root")
	cmd.StringVar(&logPath, "log", "", "Path to the audit log (REQUIRED)")
	cmd.StringVar(&planHash, "plan-hash", "", "Restrict evidence to one plan hash")
	cmd.StringVar(&label, "label", "", "Workspace root label recorded in the bundle")
	cmd.StringVar(&secretFile, "secret-file", "", "Path to a JSON file with a \"secret\" field")
	cmd.StringVar(&out, "out", "", "Write the bundle to this file instead of stdout")
	cmd.BoolVar(&markdown, "markdown", false, "Render the bundle as markdown instead of JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if logPath == "" {
		fmt.Fprintln(stderr, "Error: --log is required")
		return 2
	}

	abs, err := absRoot(root)
	if err != nil {
		printErr(stderr, err)
		return 2
	}

	resolver := secretResolverFromFlags(secretFile)
	bundle, err := attestation.Generate(abs, logPath, attestation.Options{PlanHashFilter: planHash, WorkspaceRootLabel: label}, resolver)
	if err != nil {
		printErr(stderr, err)
		return 2
	}

	var rendered []byte
	if markdown {
		rendered = []byte(attestation.ExportMarkdown(bundle))
	} else {
		rendered, err = attestation.ExportJSON(bundle)
		if err != nil {
			printErr(stderr, err)
			return 2
		}
	}

	if out != "" {
		if err := os.WriteFile(out, rendered, 0o644); err != nil {
			printErr(stderr, err)
			return 2
		}
		fmt.Fprintf(stdout, "%s✓ attestation bundle written%s: %s\n", ColorGreen, ColorReset, out)
		fmt.Fprintf(stdout, "  bundle_id: %s\n", bundle.BundleID)
		return 0
	}
	fmt.Fprintln(stdout, string(rendered))
	return 0
}

// runAttestVerifyCmd implements `gatekernel attest verify` (spec.md §4.N
// verify()): recomputes the bundle id, the HMAC signature, and the three
// section hashes, reporting every mismatch rather than stopping at the
// first.
//
// Exit codes:
//
//	0 = bundle verified
//	1 = bundle verification failed
//	2 = runtime error
func runAttestVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("attest verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		secretFile string
		jsonOutput bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "Path to a JSON-exported attestation bundle (REQUIRED)")
	cmd.StringVar(&secretFile, "secret-file", "", "Path to a JSON file with a \"secret\" field")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" {
		fmt.Fprintln(stderr, "Error: --bundle is required")
		return 2
	}

	raw, err := os.ReadFile(bundlePath)
	if err != nil {
		printErr(stderr, err)
		return 2
	}
	var bundle attestation.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		printErr(stderr, err)
		return 2
	}

	resolver := secretResolverFromFlags(secretFile)
	findings := attestation.Verify(&bundle, resolver)

	if jsonOutput {
		result := map[string]any{
			"bundle_id": bundle.BundleID,
			"verified":  len(findings) == 0,
			"findings":  findings,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if len(findings) == 0 {
		fmt.Fprintf(stdout, "%s✓ attestation bundle verified%s: %s\n", ColorGreen, ColorReset, bundle.BundleID)
	} else {
		fmt.Fprintf(stdout, "%s✗ attestation bundle verification failed%s: %s\n", ColorRed, ColorReset, bundle.BundleID)
		for _, f := range findings {
			fmt.Fprintf(stdout, "  - %s\n", f)
		}
	}

	if len(findings) != 0 {
		return 1
	}
	return 0
}
