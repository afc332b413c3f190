// Package attestation implements the Attestation Bundle (spec.md §4.N):
// a deterministic, canonically-ordered digest of audit-log and plan-store
// evidence, HMAC-SHA-256 signed, with a verifier protocol that recomputes
// the bundle id, the signature, and three independent section hashes.
package attestation

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/atlas-gate/gatekernel/pkg/audit"
	"github.com/atlas-gate/gatekernel/pkg/canonicalize"
	"github.com/atlas-gate/gatekernel/pkg/errs"
	"github.com/atlas-gate/gatekernel/pkg/replay"
)

// AuditMetrics is the basic-metrics section.
type AuditMetrics struct {
	Total     int       `json:"total"`
	Failures  int       `json:"failures"`
	FirstTS   time.Time `json:"first_ts,omitempty"`
	LastTS    time.Time `json:"last_ts,omitempty"`
	RootHash  string    `json:"root_hash"`
}

// PolicySummary summarizes write pass/fail rate across the log.
type PolicySummary struct {
	WritesPassed int     `json:"writes_passed"`
	WritesFailed int     `json:"writes_failed"`
	PassRate     float64 `json:"pass_rate"`
}

// IntentCoverage counts intent artifacts present under the workspace.
type IntentCoverage struct {
	IntentFileCount int `json:"intent_file_count"`
}

// ReplaySummary is the replay verdict computed against the plan-hash
// filter when one is given, otherwise against the first observed plan
// hash in the log.
type ReplaySummary struct {
	PlanHash     string `json:"plan_hash,omitempty"`
	Verdict      string `json:"verdict"`
	FindingCount int    `json:"finding_count"`
}

// Bundle is the canonical evidence bundle; BundleID, GeneratedTimestamp,
// and Signature are excluded from the canonicalized/hashed form.
type Bundle struct {
	WorkspaceRootLabel string         `json:"workspace_root_label,omitempty"`
	AuditMetrics       AuditMetrics   `json:"audit_metrics"`
	PlanHashes         []string       `json:"plan_hashes"`
	PolicySummary      PolicySummary  `json:"policy_summary"`
	IntentCoverage     IntentCoverage `json:"intent_coverage"`
	Replay             ReplaySummary  `json:"replay"`
	MaturityScore      float64        `json:"maturity_score"`

	AuditMetricHash   string `json:"audit_metric_hash"`
	PolicySummaryHash string `json:"policy_summary_hash"`
	MaturityHash      string `json:"maturity_hash"`

	BundleID           string    `json:"bundle_id,omitempty"`
	GeneratedTimestamp time.Time `json:"generated_timestamp,omitempty"`
	Signature          string    `json:"signature,omitempty"`
}

// Options narrows Generate's evidence gathering.
type Options struct {
	PlanHashFilter     string
	WorkspaceRootLabel string
}

// canonicalSubject is the hashable/signable projection of Bundle: every
// field except bundle_id, generated_timestamp, and signature.
type canonicalSubject struct {
	WorkspaceRootLabel string         `json:"workspace_root_label,omitempty"`
	AuditMetrics       AuditMetrics   `json:"audit_metrics"`
	PlanHashes         []string       `json:"plan_hashes"`
	PolicySummary      PolicySummary  `json:"policy_summary"`
	IntentCoverage     IntentCoverage `json:"intent_coverage"`
	Replay             ReplaySummary  `json:"replay"`
	MaturityScore      float64        `json:"maturity_score"`
	AuditMetricHash    string         `json:"audit_metric_hash"`
	PolicySummaryHash  string         `json:"policy_summary_hash"`
	MaturityHash       string         `json:"maturity_hash"`
}

func (b Bundle) subject() canonicalSubject {
	return canonicalSubject{
		WorkspaceRootLabel: b.WorkspaceRootLabel,
		AuditMetrics:       b.AuditMetrics,
		PlanHashes:         b.PlanHashes,
		PolicySummary:      b.PolicySummary,
		IntentCoverage:     b.IntentCoverage,
		Replay:             b.Replay,
		MaturityScore:      b.MaturityScore,
		AuditMetricHash:    b.AuditMetricHash,
		PolicySummaryHash:  b.PolicySummaryHash,
		MaturityHash:       b.MaturityHash,
	}
}

func sectionHash(v any) (string, error) {
	return canonicalize.CanonicalHash(v)
}

func countIntentFiles(root string) (int, error) {
	count := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".intent.md") {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// maturityScore is a deterministic function of the evidence gathered so
// far: the policy pass rate weighted against intent coverage density.
// There is no external maturity model in scope; this is the one
// deterministic formula both generate and verify recompute identically.
func maturityScore(policySummary PolicySummary, intentFiles, totalWrites int) float64 {
	if totalWrites == 0 {
		return 0
	}
	coverage := float64(intentFiles) / float64(totalWrites)
	if coverage > 1 {
		coverage = 1
	}
	return 0.7*policySummary.PassRate + 0.3*coverage
}

// Generate implements spec.md §4.N generate(): gather evidence from the
// audit log and workspace, build the canonical bundle, compute bundle_id
// and signature.
func Generate(workspaceRoot, logPath string, opts Options, secretResolver SecretResolver) (*Bundle, error) {
	records, malformed, err := audit.ReadAll(logPath)
	if err != nil {
		return nil, errs.Wrap(errs.CodeFileReadFailed, "failed to read audit log", err)
	}
	_ = malformed // surfaced via replay, not re-derived here

	planHashSet := map[string]bool{}
	var firstPlanHash string
	var firstTS, lastTS time.Time
	failures := 0
	writesPassed, writesFailed := 0, 0

	for i, rec := range records {
		if rec.PlanHash != "" {
			if !planHashSet[rec.PlanHash] {
				planHashSet[rec.PlanHash] = true
				if firstPlanHash == "" {
					firstPlanHash = rec.PlanHash
				}
			}
		}
		if i == 0 {
			firstTS = rec.Timestamp
		}
		lastTS = rec.Timestamp
		if rec.Result == audit.ResultError || rec.Result == audit.ResultBlocked {
			failures++
		}
		if rec.Type == "write" {
			if rec.Result == audit.ResultOK {
				writesPassed++
			} else {
				writesFailed++
			}
		}
	}

	rootHash := audit.Genesis
	if len(records) > 0 {
		rootHash = records[len(records)-1].EntryHash
	}

	var planHashes []string
	for h := range planHashSet {
		if opts.PlanHashFilter == "" || h == opts.PlanHashFilter {
			planHashes = append(planHashes, h)
		}
	}
	sort.Strings(planHashes)

	policyTotal := writesPassed + writesFailed
	passRate := 0.0
	if policyTotal > 0 {
		passRate = float64(writesPassed) / float64(policyTotal)
	}
	policySummary := PolicySummary{WritesPassed: writesPassed, WritesFailed: writesFailed, PassRate: passRate}

	intentCount, err := countIntentFiles(workspaceRoot)
	if err != nil {
		return nil, errs.Wrap(errs.CodeFileReadFailed, "failed to count intent artifacts", err)
	}

	replaySummary := ReplaySummary{Verdict: "PASS"}
	targetPlanHash := opts.PlanHashFilter
	if targetPlanHash == "" {
		targetPlanHash = firstPlanHash
	}
	if targetPlanHash != "" {
		rep, replayErr := replay.Replay(workspaceRoot, logPath, targetPlanHash, replay.Filter{})
		if replayErr == nil {
			replaySummary = ReplaySummary{PlanHash: targetPlanHash, Verdict: rep.Verdict, FindingCount: len(rep.Findings)}
		}
	}

	bundle := &Bundle{
		WorkspaceRootLabel: opts.WorkspaceRootLabel,
		AuditMetrics:       AuditMetrics{Total: len(records), Failures: failures, FirstTS: firstTS, LastTS: lastTS, RootHash: rootHash},
		PlanHashes:         planHashes,
		PolicySummary:      policySummary,
		IntentCoverage:     IntentCoverage{IntentFileCount: intentCount},
		Replay:             replaySummary,
		MaturityScore:      maturityScore(policySummary, intentCount, policyTotal),
	}

	amHash, err := sectionHash(bundle.AuditMetrics)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "failed to hash audit metrics section", err)
	}
	psHash, err := sectionHash(bundle.PolicySummary)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "failed to hash policy summary section", err)
	}
	mHash, err := sectionHash(bundle.MaturityScore)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "failed to hash maturity section", err)
	}
	bundle.AuditMetricHash = amHash
	bundle.PolicySummaryHash = psHash
	bundle.MaturityHash = mHash

	canonicalJSON, err := canonicalize.JCS(bundle.subject())
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "failed to canonicalize bundle", err)
	}
	sum := sha256.Sum256(canonicalJSON)
	bundle.BundleID = hex.EncodeToString(sum[:])
	bundle.GeneratedTimestamp = time.Now().UTC()

	secret, warning := secretResolver.Resolve()
	if warning != "" {
		fmt.Fprintln(os.Stderr, "attestation: "+warning)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalJSON)
	bundle.Signature = hex.EncodeToString(mac.Sum(nil))

	return bundle, nil
}

// VerifyFinding names one verification failure category.
type VerifyFinding string

const (
	FindingBundleIDMismatch        VerifyFinding = "BUNDLE_ID_MISMATCH"
	FindingSignatureVerification   VerifyFinding = "SIGNATURE_VERIFICATION"
	FindingAuditMetricHashMismatch VerifyFinding = "AUDIT_METRIC_HASH_MISMATCH"
	FindingPolicySummaryHashMismatch VerifyFinding = "POLICY_SUMMARY_HASH_MISMATCH"
	FindingMaturityHashMismatch    VerifyFinding = "MATURITY_HASH_MISMATCH"
)

// Verify implements spec.md §4.N verify(): recompute bundle_id, recompute
// the HMAC with a constant-time compare, and re-derive the three section
// hashes, reporting every mismatch rather than stopping at the first.
func Verify(bundle *Bundle, secretResolver SecretResolver) []VerifyFinding {
	var findings []VerifyFinding

	canonicalJSON, err := canonicalize.JCS(bundle.subject())
	if err != nil {
		return []VerifyFinding{FindingBundleIDMismatch}
	}
	sum := sha256.Sum256(canonicalJSON)
	recomputedID := hex.EncodeToString(sum[:])
	if recomputedID != bundle.BundleID {
		findings = append(findings, FindingBundleIDMismatch)
	}

	secret, _ := secretResolver.Resolve()
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalJSON)
	recomputedSig := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(recomputedSig), []byte(bundle.Signature)) != 1 {
		findings = append(findings, FindingSignatureVerification)
	}

	if amHash, err := sectionHash(bundle.AuditMetrics); err != nil || amHash != bundle.AuditMetricHash {
		findings = append(findings, FindingAuditMetricHashMismatch)
	}
	if psHash, err := sectionHash(bundle.PolicySummary); err != nil || psHash != bundle.PolicySummaryHash {
		findings = append(findings, FindingPolicySummaryHashMismatch)
	}
	if mHash, err := sectionHash(bundle.MaturityScore); err != nil || mHash != bundle.MaturityHash {
		findings = append(findings, FindingMaturityHashMismatch)
	}

	return findings
}

// ExportJSON renders the bundle as stable-indent JSON.
func ExportJSON(bundle *Bundle) ([]byte, error) {
	return json.MarshalIndent(bundle, "", "  ")
}

// ExportMarkdown renders a human-readable summary.
func ExportMarkdown(bundle *Bundle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Attestation Bundle %s\n\n", bundle.BundleID)
	fmt.Fprintf(&b, "Generated: %s\n\n", bundle.GeneratedTimestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Audit entries: %d (failures: %d)\n", bundle.AuditMetrics.Total, bundle.AuditMetrics.Failures)
	fmt.Fprintf(&b, "- Audit root hash: %s\n", bundle.AuditMetrics.RootHash)
	fmt.Fprintf(&b, "- Plan hashes observed: %d\n", len(bundle.PlanHashes))
	fmt.Fprintf(&b, "- Write policy pass rate: %.2f (%d passed / %d failed)\n",
		bundle.PolicySummary.PassRate, bundle.PolicySummary.WritesPassed, bundle.PolicySummary.WritesFailed)
	fmt.Fprintf(&b, "- Intent artifacts: %d\n", bundle.IntentCoverage.IntentFileCount)
	fmt.Fprintf(&b, "- Replay verdict against %s: %s (%d finding(s))\n",
		bundle.Replay.PlanHash, bundle.Replay.Verdict, bundle.Replay.FindingCount)
	fmt.Fprintf(&b, "- Maturity score: %.3f\n", bundle.MaturityScore)
	return b.String()
}

// SecretResolver resolves the HMAC secret, returning a loud warning
// string when it falls back to an ephemeral key.
type SecretResolver interface {
	Resolve() (secret []byte, warning string)
}

// EnvSecretResolver resolves the secret from an environment variable,
// then a secret file, then an HKDF-derived key from a master key, then
// an ephemeral random key as a last resort — the order spec.md §4.N
// step 4 specifies, extended with the master-key derivation step this
// gateway's Open Question decision adds.
type EnvSecretResolver struct {
	EnvValue        string
	SecretFilePath  string
	MasterKey       string
}

// Resolve implements SecretResolver.
func (r EnvSecretResolver) Resolve() ([]byte, string) {
	if r.EnvValue != "" {
		return []byte(r.EnvValue), ""
	}
	if r.SecretFilePath != "" {
		if raw, err := os.ReadFile(r.SecretFilePath); err == nil {
			var doc struct {
				Secret string `json:"secret"`
			}
			if json.Unmarshal(raw, &doc) == nil && doc.Secret != "" {
				return []byte(doc.Secret), ""
			}
		}
	}
	if r.MasterKey != "" {
		hk := hkdf.New(sha256.New, []byte(r.MasterKey), nil, []byte("atlas-gate-attestation-secret"))
		derived := make([]byte, 32)
		if _, err := hk.Read(derived); err == nil {
			return derived, ""
		}
	}
	ephemeral := make([]byte, 32)
	_, _ = rand.Read(ephemeral)
	return ephemeral, "no attestation secret configured; using an ephemeral key for this process only, signatures will not verify across restarts"
}
