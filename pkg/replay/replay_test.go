package replay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-gate/gatekernel/pkg/audit"
	"github.com/atlas-gate/gatekernel/pkg/errs"
)

const planHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newLog(t *testing.T) (string, *audit.Log) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit-log.jsonl")
	lockPath := filepath.Join(dir, "audit.lock")
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	log := audit.New(logPath, lockPath, audit.WithClock(func() time.Time { return clock }))
	return logPath, log
}

func codeOf(t *testing.T, err error) errs.Code {
	t.Helper()
	e, ok := err.(*errs.Envelope)
	if !ok {
		t.Fatalf("expected *errs.Envelope, got %T: %v", err, err)
	}
	return e.ErrorCode
}

func TestReplayRejectsInvalidPlanHash(t *testing.T) {
	logPath, _ := newLog(t)
	_, err := Replay("/ws", logPath, "not-hex", Filter{})
	if codeOf(t, err) != errs.CodeInvalidFormat {
		t.Errorf("expected CodeInvalidFormat, got %v", err)
	}
}

func TestReplayPassesOnCleanLogWithinScope(t *testing.T) {
	logPath, log := newLog(t)
	if _, err := log.Append(audit.AppendInput{
		SessionID: "s1", Role: "EXECUTION", Tool: "write_file", Type: "write",
		PlanHash: planHash, PhaseID: "PHASE_BUILD", ArgsHash: "h1", Result: audit.ResultOK, ResultHash: "r1",
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	report, err := Replay("/ws", logPath, planHash, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Verdict != "PASS" {
		t.Errorf("expected PASS, got %s with findings %+v", report.Verdict, report.Findings)
	}
	if len(report.Timeline) != 1 {
		t.Errorf("expected 1 timeline entry, got %d", len(report.Timeline))
	}
}

func TestReplayDetectsEvidenceGapForUnseenPlanHash(t *testing.T) {
	logPath, log := newLog(t)
	if _, err := log.Append(audit.AppendInput{
		SessionID: "s1", Role: "EXECUTION", Tool: "write_file", Type: "write",
		PlanHash: "b" + planHash[1:], ArgsHash: "h1", Result: audit.ResultOK, ResultHash: "r1",
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	report, err := Replay("/ws", logPath, planHash, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Verdict != "FAIL" {
		t.Error("expected FAIL due to evidence gap")
	}
	found := false
	for _, f := range report.Findings {
		if f.Code == "EVIDENCE_GAP_INCOMPLETE_PLAN_EXECUTION" {
			found = true
		}
	}
	if !found {
		t.Error("expected an EVIDENCE_GAP_INCOMPLETE_PLAN_EXECUTION finding")
	}
}

func TestReplayDetectsDivergentResultsForIdenticalArgs(t *testing.T) {
	logPath, log := newLog(t)
	for _, resultHash := range []string{"r1", "r2"} {
		if _, err := log.Append(audit.AppendInput{
			SessionID: "s1", Role: "EXECUTION", Tool: "write_file", Type: "write",
			PlanHash: planHash, PhaseID: "PHASE_BUILD", ArgsHash: "same-args", Result: audit.ResultOK, ResultHash: resultHash,
		}); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	report, err := Replay("/ws", logPath, planHash, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Verdict != "FAIL" {
		t.Error("expected FAIL due to divergence")
	}
	found := false
	for _, f := range report.Findings {
		if f.Code == "DIVERGENCE_IDENTICAL_ARGS_DIFFERENT_RESULTS" {
			found = true
		}
	}
	if !found {
		t.Error("expected a DIVERGENCE_IDENTICAL_ARGS_DIFFERENT_RESULTS finding")
	}
}

func TestReplayClassifiesPolicyAndAuthorityErrorCodes(t *testing.T) {
	logPath, log := newLog(t)
	if _, err := log.Append(audit.AppendInput{
		SessionID: "s1", Role: "EXECUTION", Tool: "write_file", Type: "write",
		PlanHash: planHash, Result: audit.ResultBlocked, ErrorCode: string(errs.CodePolicyViolation),
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := log.Append(audit.AppendInput{
		SessionID: "s1", Role: "EXECUTION", Tool: "write_file", Type: "write",
		PlanHash: planHash, Result: audit.ResultBlocked, ErrorCode: string(errs.CodePlanNotApproved),
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	report, err := Replay("/ws", logPath, planHash, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var codes []string
	for _, f := range report.Findings {
		codes = append(codes, f.Code)
	}
	joined := strings.Join(codes, ",")
	if !strings.Contains(joined, "POLICY_VIOLATION_BLOCKED_BY_GATE") {
		t.Errorf("expected POLICY_VIOLATION_BLOCKED_BY_GATE among findings, got %v", codes)
	}
	if !strings.Contains(joined, "AUTHORITY_VIOLATION_EXECUTION_WITHOUT_PLAN") {
		t.Errorf("expected AUTHORITY_VIOLATION_EXECUTION_WITHOUT_PLAN among findings, got %v", codes)
	}
}

func TestReplaySurfacesTamperedChainAsFindingNotError(t *testing.T) {
	logPath, log := newLog(t)
	if _, err := log.Append(audit.AppendInput{
		SessionID: "s1", Role: "EXECUTION", Tool: "write_file", Type: "write",
		PlanHash: planHash, Result: audit.ResultOK, ResultHash: "r1",
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	tampered := strings.Replace(string(raw), `"role":"EXECUTION"`, `"role":"PLANNING"`, 1)
	if err := os.WriteFile(logPath, []byte(tampered), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	report, err := Replay("/ws", logPath, planHash, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Verdict != "FAIL" {
		t.Error("expected FAIL due to recomputation mismatch")
	}
}

func TestReplayFilterNarrowsTimeline(t *testing.T) {
	logPath, log := newLog(t)
	if _, err := log.Append(audit.AppendInput{
		SessionID: "s1", Role: "EXECUTION", Tool: "tool_a", Type: "write", PlanHash: planHash, Result: audit.ResultOK, ResultHash: "r1",
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := log.Append(audit.AppendInput{
		SessionID: "s1", Role: "EXECUTION", Tool: "tool_b", Type: "write", PlanHash: planHash, Result: audit.ResultOK, ResultHash: "r2",
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	report, err := Replay("/ws", logPath, planHash, Filter{Tool: "tool_a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Timeline) != 1 || report.Timeline[0].Tool != "tool_a" {
		t.Errorf("expected timeline filtered to tool_a, got %+v", report.Timeline)
	}
}
