package pathresolver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/atlas-gate/gatekernel/pkg/errs"
)

func errCode(t *testing.T, err error) errs.Code {
	t.Helper()
	var e *errs.Envelope
	if !errors.As(err, &e) {
		t.Fatalf("expected *errs.Envelope, got %T: %v", err, err)
	}
	return e.ErrorCode
}

func TestLockSucceedsOnExistingDir(t *testing.T) {
	dir := t.TempDir()
	r := New()
	if err := r.Lock(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	root, err := r.Root()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root != filepath.Clean(dir) {
		t.Errorf("expected root %s, got %s", dir, root)
	}
	if _, err := os.Stat(filepath.Join(dir, "docs", "plans")); err != nil {
		t.Errorf("expected plans dir materialized: %v", err)
	}
}

func TestLockRejectsSecondCall(t *testing.T) {
	dir := t.TempDir()
	r := New()
	if err := r.Lock(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := r.Lock(dir)
	if errCode(t, err) != errs.CodeRefuseLockSecond {
		t.Errorf("expected CodeRefuseLockSecond, got %v", err)
	}
}

func TestLockRejectsRelativePath(t *testing.T) {
	r := New()
	err := r.Lock("relative/path")
	if errCode(t, err) != errs.CodePathNotAbsolute {
		t.Errorf("expected CodePathNotAbsolute, got %v", err)
	}
}

func TestLockRejectsMissingPath(t *testing.T) {
	r := New()
	err := r.Lock(filepath.Join(t.TempDir(), "does-not-exist"))
	if errCode(t, err) != errs.CodePathNotExist {
		t.Errorf("expected CodePathNotExist, got %v", err)
	}
}

func TestLockRejectsNonDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	r := New()
	err := r.Lock(file)
	if errCode(t, err) != errs.CodePathNotDir {
		t.Errorf("expected CodePathNotDir, got %v", err)
	}
}

func TestRootFailsWhenUnlocked(t *testing.T) {
	r := New()
	_, err := r.Root()
	if errCode(t, err) != errs.CodeSessionNotInitialized {
		t.Errorf("expected CodeSessionNotInitialized, got %v", err)
	}
}

func TestResolveWriteTargetRejectsParentSegment(t *testing.T) {
	dir := t.TempDir()
	r := New()
	_ = r.Lock(dir)

	_, err := r.ResolveWriteTarget("../outside.txt")
	if errCode(t, err) != errs.CodeTraversalBlocked {
		t.Errorf("expected CodeTraversalBlocked, got %v", err)
	}
}

func TestResolveWriteTargetRejectsAbsoluteOutside(t *testing.T) {
	dir := t.TempDir()
	r := New()
	_ = r.Lock(dir)

	_, err := r.ResolveWriteTarget("/etc/passwd")
	if errCode(t, err) != errs.CodeOutsideWorkspace {
		t.Errorf("expected CodeOutsideWorkspace, got %v", err)
	}
}

func TestResolveWriteTargetAcceptsRelativeInside(t *testing.T) {
	dir := t.TempDir()
	r := New()
	_ = r.Lock(dir)

	resolved, err := r.ResolveWriteTarget("src/a.rs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(filepath.Clean(dir), "src", "a.rs")
	if resolved != want {
		t.Errorf("expected %s, got %s", want, resolved)
	}
}

func TestResolveWriteTargetAcceptsRootItself(t *testing.T) {
	dir := t.TempDir()
	r := New()
	_ = r.Lock(dir)

	resolved, err := r.ResolveWriteTarget(".")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != filepath.Clean(dir) {
		t.Errorf("expected %s, got %s", dir, resolved)
	}
}

func TestDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	r := New()
	_ = r.Lock(dir)

	plansDir, _ := r.PlansDir()
	if plansDir != filepath.Join(filepath.Clean(dir), "docs", "plans") {
		t.Errorf("unexpected plans dir %s", plansDir)
	}
	planPath, _ := r.PlanPath("deadbeef")
	if planPath != filepath.Join(plansDir, "deadbeef.md") {
		t.Errorf("unexpected plan path %s", planPath)
	}
	auditPath, _ := r.AuditLogPath()
	if auditPath != filepath.Join(filepath.Clean(dir), "audit-log.jsonl") {
		t.Errorf("unexpected audit path %s", auditPath)
	}
	lockPath, _ := r.LockPath()
	if lockPath != filepath.Join(filepath.Clean(dir), ".atlas-gate", "audit.lock") {
		t.Errorf("unexpected lock path %s", lockPath)
	}
}
