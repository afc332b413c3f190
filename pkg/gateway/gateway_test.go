package gateway

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-gate/gatekernel/pkg/config"
	"github.com/atlas-gate/gatekernel/pkg/errs"
	"github.com/atlas-gate/gatekernel/pkg/planlint"
	"github.com/atlas-gate/gatekernel/pkg/session"
	"github.com/atlas-gate/gatekernel/pkg/writepolicy"
)

const planBody = `## Metadata
Title: Add hello world
Author Role: PLANNING
scope: src

## Phases
### PHASE_BUILD
- Objective: add a minimal entrypoint
- Allowed Operations:
  - CREATE
- Forbidden Operations:
  - DELETE
- Required Intents:
  - src/main.rs
- Verification Commands:
  - cargo build
- Expected Outcomes:
  - binary compiles
- Failure Stops:
  - compile error halts phase

## Path Allowlist
- src/**

## Verification Gates
- cargo build must succeed

## Forbidden Actions
- no network access

## Rollback Policy
- revert the commit
`

const intentBody = `# Intent: src/main.rs

## Purpose
- add a minimal entrypoint

## Authority
Plan Hash: PLACEHOLDER_PLAN_HASH
Phase ID: PHASE_BUILD

## Inputs
- none

## Outputs
- compiled binary

## Invariants
- entrypoint exits zero on success

## Failure Modes
- compile error aborts the phase

## Debug Signals
- build log

## Out-of-Scope
- packaging
`

func codeOf(t *testing.T, err error) errs.Code {
	t.Helper()
	e, ok := err.(*errs.Envelope)
	if !ok {
		t.Fatalf("expected *errs.Envelope, got %T: %v", err, err)
	}
	return e.ErrorCode
}

func newFixture(t *testing.T) (*Gateway, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	gw, err := Open(root, session.RoleExecution, config.Load())
	if err != nil {
		t.Fatalf("unexpected error opening gateway: %v", err)
	}

	hash, err := planlint.ComputeHash(planBody)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	envelope := "<!-- ATLAS-GATE_PLAN_HASH: " + hash + " ROLE: PLANNING STATUS: APPROVED -->\n" + planBody
	if err := gw.Plans.Write(hash, envelope); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	content := strings.Replace(intentBody, "PLACEHOLDER_PLAN_HASH", hash, 1)
	if err := os.WriteFile(filepath.Join(root, "src", "main.rs.intent.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	return gw, hash
}

func TestOpenMaterializesDefaultGovernance(t *testing.T) {
	root := t.TempDir()
	gw, err := Open(root, session.RoleExecution, config.Load())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.Governance.BootstrapEnabled {
		t.Error("expected bootstrap disabled by default")
	}
	if _, err := os.Stat(filepath.Join(root, ".kaiza", "governance.json")); err != nil {
		t.Errorf("expected governance.json to be materialized, got %v", err)
	}
}

func TestHandleWriteHappyPath(t *testing.T) {
	gw, hash := newFixture(t)
	verdict, err := gw.HandleWrite(writepolicy.Request{
		SessionID:               gw.Session.SessionID(),
		Role:                    "EXECUTION",
		Tool:                    "write_file",
		TargetPath:              "src/main.rs",
		Content:                 "fn main() {}\n",
		PlanHash:                hash,
		PhaseID:                 "PHASE_BUILD",
		TargetWorkspaceRelative: "src/main.rs",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Status != "PASS" {
		t.Errorf("expected PASS, got %s", verdict.Status)
	}
}

func TestHandleWriteBlockedWhileKillSwitchEngaged(t *testing.T) {
	gw, hash := newFixture(t)
	if _, err := gw.EngageKillSwitch("INVARIANT_VIOLATION", nil, nil, "EXECUTION", "write_file", ""); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	_, err := gw.HandleWrite(writepolicy.Request{
		SessionID: gw.Session.SessionID(), Role: "EXECUTION", Tool: "write_file",
		TargetPath: "src/main.rs", Content: "fn main() {}\n", PlanHash: hash, PhaseID: "PHASE_BUILD",
		TargetWorkspaceRelative: "src/main.rs",
	})
	if codeOf(t, err) != errs.CodeKillSwitchEngaged {
		t.Errorf("expected CodeKillSwitchEngaged, got %v", err)
	}
}

func TestHandleReadAllowedWhileKillSwitchEngaged(t *testing.T) {
	gw, _ := newFixture(t)
	if _, err := gw.EngageKillSwitch("INVARIANT_VIOLATION", nil, nil, "EXECUTION", "write_file", ""); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := gw.HandleRead("read_file"); err != nil {
		t.Errorf("expected read_file to remain admitted while engaged, got %v", err)
	}
	if err := gw.HandleRead("write_file"); codeOf(t, err) != errs.CodeKillSwitchEngaged {
		t.Errorf("expected write_file blocked even as a read-path call, got %v", err)
	}
}

func TestOpenAttachesRedisAcceleratorOnlyWhenConfigured(t *testing.T) {
	root := t.TempDir()

	gw, err := Open(root, session.RoleExecution, &config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.Session.HasAccelerator() {
		t.Error("expected no accelerator when RedisAddr is unset")
	}

	root2 := t.TempDir()
	gw2, err := Open(root2, session.RoleExecution, &config.Config{RedisAddr: "127.0.0.1:6379"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gw2.Session.HasAccelerator() {
		t.Error("expected an accelerator to be attached when RedisAddr is configured")
	}
}

func TestBindOperatorRequiresConfiguredSecret(t *testing.T) {
	root := t.TempDir()
	gw, err := Open(root, session.RoleExecution, &config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tok, err := session.NewOperatorToken(session.Identity{OperatorID: "op-1", OperatorRole: session.OperatorOwner}, []byte("s"), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := gw.BindOperator(tok); codeOf(t, err) != errs.CodeInvariantViolation {
		t.Errorf("expected CodeInvariantViolation without a configured secret, got %v", err)
	}
}

func TestBindOperatorValidatesAndBinds(t *testing.T) {
	root := t.TempDir()
	secret := "operator-secret"
	gw, err := Open(root, session.RoleExecution, &config.Config{OperatorTokenSecret: secret})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tok, err := session.NewOperatorToken(session.Identity{OperatorID: "op-1", OperatorRole: session.OperatorOwner}, []byte(secret), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := gw.BindOperator(tok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.Session.Identity().OperatorID != "op-1" {
		t.Errorf("expected operator identity bound, got %+v", gw.Session.Identity())
	}
}

func TestEngageKillSwitchDerivesDefaultReportPath(t *testing.T) {
	gw, _ := newFixture(t)
	state, err := gw.EngageKillSwitch("INVARIANT_VIOLATION", []string{"f1"}, nil, "EXECUTION", "write_file", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.HaltReportPath == "" {
		t.Error("expected a default halt report path to be derived")
	}
	if !strings.Contains(state.HaltReportPath, "INVARIANT_VIOLATION") {
		t.Errorf("expected derived path to mention the trigger reason, got %s", state.HaltReportPath)
	}
}
