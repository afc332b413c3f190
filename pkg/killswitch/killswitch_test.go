package killswitch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/atlas-gate/gatekernel/pkg/errs"
)

func codeOf(t *testing.T, err error) errs.Code {
	t.Helper()
	e, ok := err.(*errs.Envelope)
	if !ok {
		t.Fatalf("expected *errs.Envelope, got %T: %v", err, err)
	}
	return e.ErrorCode
}

func TestLoadReturnsNotEngagedWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "kill_switch.json"))
	s, err := m.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Engaged {
		t.Error("expected not engaged when no state file exists")
	}
}

func TestLoadFailsSafeOnCorruptedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kill_switch.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	m := New(path)
	s, err := m.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Engaged {
		t.Error("expected corrupted state to fail safe as engaged")
	}
	if s.TriggerReason != "CORRUPTED_STATE" {
		t.Errorf("expected CORRUPTED_STATE trigger reason, got %s", s.TriggerReason)
	}
}

func TestEngagePersistsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kill_switch.json")
	m := New(path)

	s, err := m.Engage("INVARIANT_VIOLATION", []string{"f1"}, []string{"I2PathContainment"}, "EXECUTION", "write_file", "/ws/halt-report.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Engaged {
		t.Error("expected engaged state returned")
	}

	reloaded, err := m.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reloaded.Engaged {
		t.Error("expected persisted state to be engaged after reload")
	}
	if reloaded.TriggerReason != "INVARIANT_VIOLATION" {
		t.Errorf("expected persisted trigger reason, got %s", reloaded.TriggerReason)
	}
	if len(reloaded.RecoveryRequiredVerifications) != 3 {
		t.Errorf("expected all three recovery verifications required, got %v", reloaded.RecoveryRequiredVerifications)
	}
}

func TestIsToolAdmittedWhenNotEngaged(t *testing.T) {
	s := &State{Engaged: false}
	if !IsToolAdmitted(s, "write_file") {
		t.Error("expected every tool admitted when not engaged")
	}
}

func TestIsToolAdmittedReadOnlyWhileEngaged(t *testing.T) {
	s := &State{Engaged: true}
	if !IsToolAdmitted(s, "read_file") {
		t.Error("expected read_file admitted while engaged")
	}
	if IsToolAdmitted(s, "write_file") {
		t.Error("expected write_file blocked while engaged")
	}
}

func TestAcknowledgeRequiresMatchingHaltReportPath(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "kill_switch.json"))
	s, err := m.Engage("INVARIANT_VIOLATION", nil, nil, "EXECUTION", "write_file", "/ws/halt-report.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = m.Acknowledge(s, "/ws/wrong-report.md", true, true, true, true)
	if codeOf(t, err) != errs.CodeUnauthorizedAction {
		t.Errorf("expected CodeUnauthorizedAction, got %v", err)
	}
}

func TestAcknowledgeRequiresAllFourFlags(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "kill_switch.json"))
	s, err := m.Engage("INVARIANT_VIOLATION", nil, nil, "EXECUTION", "write_file", "/ws/halt-report.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = m.Acknowledge(s, "/ws/halt-report.md", true, true, true, false)
	if codeOf(t, err) != errs.CodeUnauthorizedAction {
		t.Errorf("expected CodeUnauthorizedAction, got %v", err)
	}
}

func TestAcknowledgeGeneratesUsableConfirmationCode(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "kill_switch.json"))
	s, err := m.Engage("INVARIANT_VIOLATION", nil, nil, "EXECUTION", "write_file", "/ws/halt-report.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code, err := m.Acknowledge(s, "/ws/halt-report.md", true, true, true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(code) != 32 {
		t.Errorf("expected 32-hex confirmation code, got %q (%d chars)", code, len(code))
	}
	if err := m.Confirm(s, code, true, true, true, true); err != nil {
		t.Errorf("expected Confirm to succeed with the code from Acknowledge, got %v", err)
	}
}

func TestConfirmRejectsMismatchedCode(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "kill_switch.json"))
	s, err := m.Engage("INVARIANT_VIOLATION", nil, nil, "EXECUTION", "write_file", "/ws/halt-report.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Acknowledge(s, "/ws/halt-report.md", true, true, true, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Confirm(s, "0000000000000000000000000000000", true, true, true, true); codeOf(t, err) != errs.CodeUnauthorizedAction {
		t.Errorf("expected CodeUnauthorizedAction for mismatched code, got %v", err)
	}
}

func TestConfirmRejectsMissingFlags(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "kill_switch.json"))
	s, err := m.Engage("INVARIANT_VIOLATION", nil, nil, "EXECUTION", "write_file", "/ws/halt-report.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code, err := m.Acknowledge(s, "/ws/halt-report.md", true, true, true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Confirm(s, code, true, false, true, true); codeOf(t, err) != errs.CodeUnauthorizedAction {
		t.Errorf("expected CodeUnauthorizedAction for a missing flag, got %v", err)
	}
}

func TestUnlockBlockedUntilAllVerificationsPass(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "kill_switch.json"))
	s, err := m.Engage("INVARIANT_VIOLATION", nil, nil, "EXECUTION", "write_file", "/ws/halt-report.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Unlock(s); codeOf(t, err) != errs.CodeUnauthorizedAction {
		t.Errorf("expected Unlock to block with no verifications passed, got %v", err)
	}

	if err := m.MarkVerificationPassed(s, VerificationAuditVerify); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.MarkVerificationPassed(s, VerificationPlanLint); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Unlock(s); codeOf(t, err) != errs.CodeUnauthorizedAction {
		t.Errorf("expected Unlock to still block with one verification pending, got %v", err)
	}

	if err := m.MarkVerificationPassed(s, VerificationMaturityRecompute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Unlock(s); err != nil {
		t.Fatalf("expected Unlock to succeed once all verifications pass, got %v", err)
	}

	reloaded, err := m.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Engaged {
		t.Error("expected state to be cleared after Unlock")
	}
}
