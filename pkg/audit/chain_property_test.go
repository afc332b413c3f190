//go:build property
// +build property

package audit_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/atlas-gate/gatekernel/pkg/audit"
)

// TestVerifyChainPassesOnUntamperedAppends checks spec.md §8 I1 in its
// positive direction: for every prefix of a log built purely from
// sequential Append calls, VerifyChain reports valid.
func TestVerifyChainPassesOnUntamperedAppends(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("an append-only log verifies clean at every prefix", prop.ForAll(
		func(tools []string) bool {
			dir := t.TempDir()
			logPath := filepath.Join(dir, "audit-log.jsonl")
			lockPath := filepath.Join(dir, "audit.lock")
			log := audit.New(logPath, lockPath)

			for _, tool := range tools {
				if tool == "" {
					tool = "write_file"
				}
				if _, err := log.Append(audit.AppendInput{Tool: tool, Result: audit.ResultOK}); err != nil {
					return false
				}
				report, err := audit.VerifyChain(logPath)
				if err != nil || !report.Valid {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestVerifyChainDetectsSingleByteTamper checks spec.md §8 I1 in its
// negative direction: verify_chain() passes iff no record has been
// modified post-write. Flipping one character inside a persisted record
// line must flip VerifyChain to invalid.
func TestVerifyChainDetectsSingleByteTamper(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("tampering any record line is always caught", prop.ForAll(
		func(tools []string, tamperIdx int) bool {
			if len(tools) == 0 {
				return true
			}
			dir := t.TempDir()
			logPath := filepath.Join(dir, "audit-log.jsonl")
			lockPath := filepath.Join(dir, "audit.lock")
			log := audit.New(logPath, lockPath)

			for _, tool := range tools {
				if tool == "" {
					tool = "write_file"
				}
				if _, err := log.Append(audit.AppendInput{Tool: tool, Result: audit.ResultOK}); err != nil {
					return false
				}
			}

			raw, err := os.ReadFile(logPath)
			if err != nil {
				return false
			}
			lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
			idx := tamperIdx % len(lines)
			if idx < 0 {
				idx += len(lines)
			}
			lines[idx] = strings.Replace(lines[idx], `"ok"`, `"oK"`, 1)
			tampered := strings.Join(lines, "\n") + "\n"
			if err := os.WriteFile(logPath, []byte(tampered), 0o644); err != nil {
				return false
			}

			report, err := audit.VerifyChain(logPath)
			if err != nil {
				return false
			}
			return !report.Valid
		},
		gen.SliceOfN(4, gen.AlphaString()),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
