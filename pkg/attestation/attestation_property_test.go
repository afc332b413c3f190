//go:build property
// +build property

package attestation_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/atlas-gate/gatekernel/pkg/attestation"
	"github.com/atlas-gate/gatekernel/pkg/audit"
)

type staticSecret struct{ secret []byte }

func (s staticSecret) Resolve() ([]byte, string) { return s.secret, "" }

func buildWorkspace(t *testing.T, tools []string) (root, logPath string) {
	t.Helper()
	root = t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	logPath = filepath.Join(root, "audit-log.jsonl")
	lockPath := filepath.Join(root, "audit.lock")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	log := audit.New(logPath, lockPath, audit.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	for _, tool := range tools {
		if tool == "" {
			tool = "write_file"
		}
		if _, err := log.Append(audit.AppendInput{Tool: tool, Type: "write", Result: audit.ResultOK}); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}
	return root, logPath
}

// TestGenerateBundleIDIsDeterministic checks spec.md §8 I7: for a fixed
// workspace state, generate(S).bundle_id is constant across invocations.
func TestGenerateBundleIDIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)
	resolver := staticSecret{secret: []byte("fixed-test-secret")}

	properties.Property("bundle_id is stable across repeated generation", prop.ForAll(
		func(tools []string) bool {
			root, logPath := buildWorkspace(t, tools)

			b1, err := attestation.Generate(root, logPath, attestation.Options{}, resolver)
			if err != nil {
				return false
			}
			b2, err := attestation.Generate(root, logPath, attestation.Options{}, resolver)
			if err != nil {
				return false
			}
			return b1.BundleID == b2.BundleID && b1.BundleID != ""
		},
		gen.SliceOfN(3, gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestVerifyFlipsOnTamperedField checks spec.md §8 I8: verify(generate(S), R)
// returns PASS, and mutating any signed field flips the verdict to FAIL.
func TestVerifyFlipsOnTamperedField(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)
	resolver := staticSecret{secret: []byte("fixed-test-secret")}

	properties.Property("tampering a signed field always flips verify to a finding", prop.ForAll(
		func(tools []string, fieldIdx int) bool {
			root, logPath := buildWorkspace(t, tools)
			bundle, err := attestation.Generate(root, logPath, attestation.Options{}, resolver)
			if err != nil {
				return false
			}
			if findings := attestation.Verify(bundle, resolver); len(findings) != 0 {
				return false
			}

			switch fieldIdx % 3 {
			case 0:
				bundle.MaturityScore += 1.0
			case 1:
				bundle.AuditMetrics.Total++
			case 2:
				bundle.PolicySummary.WritesPassed++
			}
			return len(attestation.Verify(bundle, resolver)) > 0
		},
		gen.SliceOfN(3, gen.AlphaString()),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
