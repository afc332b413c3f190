// Package pathresolver owns the single mutable workspace-root cell and
// every derivation from it: the plans directory, the audit log path, the
// governance/kill-switch files, and write-target bounds checking. No
// other package may construct a path under the workspace root without
// going through a Resolver.
package pathresolver

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/atlas-gate/gatekernel/pkg/errs"
)

// Resolver holds the locked workspace root. The zero value is unlocked.
type Resolver struct {
	mu     sync.RWMutex
	locked bool
	root   string
}

// New returns an unlocked resolver.
func New() *Resolver {
	return &Resolver{}
}

// Lock is one-shot: it binds the workspace root for the lifetime of the
// resolver. A second call always fails, even with the same path.
func (r *Resolver) Lock(absPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return errs.New(errs.CodeRefuseLockSecond, "workspace root already locked for this session")
	}
	if !filepath.IsAbs(absPath) {
		return errs.New(errs.CodePathNotAbsolute, "workspace root must be an absolute path")
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.CodePathNotExist, "workspace root does not exist")
		}
		return errs.Wrap(errs.CodeFileReadFailed, "failed to stat workspace root", err)
	}
	if !info.IsDir() {
		return errs.New(errs.CodePathNotDir, "workspace root is not a directory")
	}

	normalized := filepath.Clean(absPath)
	r.root = normalized
	r.locked = true

	// Eagerly materialize the plans directory so later plan-store writes
	// never race on its absence.
	if err := os.MkdirAll(filepath.Join(normalized, "docs", "plans"), 0o755); err != nil {
		r.locked = false
		r.root = ""
		return errs.Wrap(errs.CodeFileWriteFailed, "failed to materialize plans directory", err)
	}
	return nil
}

// Root returns the locked workspace root or fails SESSION_NOT_INITIALIZED.
func (r *Resolver) Root() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.locked {
		return "", errs.New(errs.CodeSessionNotInitialized, "workspace root not locked")
	}
	return r.root, nil
}

// PlansDir returns R/docs/plans.
func (r *Resolver) PlansDir() (string, error) {
	root, err := r.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "docs", "plans"), nil
}

// ReportsDir returns R/docs/reports.
func (r *Resolver) ReportsDir() (string, error) {
	root, err := r.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "docs", "reports"), nil
}

// PlanPath returns R/docs/plans/{H}.md for a 64-hex plan hash.
func (r *Resolver) PlanPath(planHash string) (string, error) {
	dir, err := r.PlansDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, planHash+".md"), nil
}

// AuditLogPath returns R/audit-log.jsonl.
func (r *Resolver) AuditLogPath() (string, error) {
	root, err := r.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "audit-log.jsonl"), nil
}

// GovernancePath returns R/.kaiza/governance.json.
func (r *Resolver) GovernancePath() (string, error) {
	root, err := r.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, ".kaiza", "governance.json"), nil
}

// KillSwitchPath returns R/.kaiza/kill_switch.json.
func (r *Resolver) KillSwitchPath() (string, error) {
	root, err := r.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, ".kaiza", "kill_switch.json"), nil
}

// AttestationSecretPath returns R/.kaiza/attestation_secret.json.
func (r *Resolver) AttestationSecretPath() (string, error) {
	root, err := r.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, ".kaiza", "attestation_secret.json"), nil
}

// LockPath returns R/.atlas-gate/audit.lock, the directory used as the
// audit log's cross-process mutex.
func (r *Resolver) LockPath() (string, error) {
	root, err := r.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, ".atlas-gate", "audit.lock"), nil
}

// containsParentSegment reports whether p contains a literal ".." path
// segment in any form (leading, trailing, or internal), independent of
// the OS path separator.
func containsParentSegment(p string) bool {
	normalized := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// ResolveWriteTarget resolves relOrAbs against the locked workspace root
// and bounds-checks the result. It rejects any input containing a literal
// ".." segment before attempting resolution, and rejects any resolved
// path that does not lie at or under the workspace root.
func (r *Resolver) ResolveWriteTarget(relOrAbs string) (string, error) {
	root, err := r.Root()
	if err != nil {
		return "", err
	}
	if containsParentSegment(relOrAbs) {
		return "", errs.New(errs.CodeTraversalBlocked, "path traversal segment not permitted")
	}

	var candidate string
	if filepath.IsAbs(relOrAbs) {
		candidate = filepath.Clean(relOrAbs)
	} else {
		candidate = filepath.Clean(filepath.Join(root, relOrAbs))
	}

	if candidate != root && !strings.HasPrefix(candidate, root+string(filepath.Separator)) {
		return "", errs.New(errs.CodeOutsideWorkspace, "resolved path does not lie under the workspace root")
	}
	return candidate, nil
}
