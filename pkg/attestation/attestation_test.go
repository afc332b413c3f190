package attestation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-gate/gatekernel/pkg/audit"
)

const testPlanHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newWorkspace(t *testing.T) (root, logPath string) {
	t.Helper()
	root = t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "main.rs.intent.md"), []byte("intent"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	logPath = filepath.Join(root, "audit-log.jsonl")
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	log := audit.New(logPath, filepath.Join(root, "audit.lock"), audit.WithClock(func() time.Time { return clock }))
	if _, err := log.Append(audit.AppendInput{
		SessionID: "s1", Role: "EXECUTION", Tool: "write_file", Type: "write",
		PlanHash: testPlanHash, PhaseID: "PHASE_BUILD", ArgsHash: "h1", Result: audit.ResultOK, ResultHash: "r1",
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	return root, logPath
}

func fixedSecret() SecretResolver {
	return EnvSecretResolver{EnvValue: "test-secret"}
}

func TestGenerateIsDeterministicAcrossInvocations(t *testing.T) {
	root, logPath := newWorkspace(t)

	b1, err := Generate(root, logPath, Options{}, fixedSecret())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b2, err := Generate(root, logPath, Options{}, fixedSecret())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b1.BundleID != b2.BundleID {
		t.Errorf("expected identical bundle_id for identical state, got %s vs %s", b1.BundleID, b2.BundleID)
	}
	if b1.Signature != b2.Signature {
		t.Error("expected identical signature for identical state and secret")
	}
}

func TestGenerateThenVerifyPasses(t *testing.T) {
	root, logPath := newWorkspace(t)
	bundle, err := Generate(root, logPath, Options{}, fixedSecret())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	findings := Verify(bundle, fixedSecret())
	if len(findings) != 0 {
		t.Errorf("expected no verify findings, got %v", findings)
	}
}

func TestVerifyDetectsTamperedField(t *testing.T) {
	root, logPath := newWorkspace(t)
	bundle, err := Generate(root, logPath, Options{}, fixedSecret())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bundle.AuditMetrics.Total = 999

	findings := Verify(bundle, fixedSecret())
	foundBundleID, foundMetricHash := false, false
	for _, f := range findings {
		if f == FindingBundleIDMismatch {
			foundBundleID = true
		}
		if f == FindingAuditMetricHashMismatch {
			foundMetricHash = true
		}
	}
	if !foundBundleID {
		t.Error("expected BUNDLE_ID_MISMATCH after tampering a hashed field")
	}
	if !foundMetricHash {
		t.Error("expected AUDIT_METRIC_HASH_MISMATCH after tampering audit_metrics")
	}
}

func TestVerifyDetectsWrongSecret(t *testing.T) {
	root, logPath := newWorkspace(t)
	bundle, err := Generate(root, logPath, Options{}, fixedSecret())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	findings := Verify(bundle, EnvSecretResolver{EnvValue: "wrong-secret"})
	found := false
	for _, f := range findings {
		if f == FindingSignatureVerification {
			found = true
		}
	}
	if !found {
		t.Error("expected SIGNATURE_VERIFICATION with the wrong secret")
	}
}

func TestExportMarkdownContainsBundleID(t *testing.T) {
	root, logPath := newWorkspace(t)
	bundle, err := Generate(root, logPath, Options{}, fixedSecret())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	md := ExportMarkdown(bundle)
	if !strings.Contains(md, bundle.BundleID) {
		t.Error("expected markdown export to contain the bundle id")
	}
}

func TestEnvSecretResolverFallsBackToEphemeralWithWarning(t *testing.T) {
	secret, warning := (EnvSecretResolver{}).Resolve()
	if len(secret) != 32 {
		t.Errorf("expected 32-byte ephemeral secret, got %d bytes", len(secret))
	}
	if warning == "" {
		t.Error("expected a loud warning when falling back to an ephemeral secret")
	}
}

func TestEnvSecretResolverDerivesFromMasterKey(t *testing.T) {
	r := EnvSecretResolver{MasterKey: "long-term-master-key"}
	secret, warning := r.Resolve()
	if warning != "" {
		t.Errorf("expected no warning when a master key is configured, got %q", warning)
	}
	secret2, _ := r.Resolve()
	if string(secret) != string(secret2) {
		t.Error("expected HKDF derivation to be deterministic for the same master key")
	}
}
