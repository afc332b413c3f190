// Package planstore implements content-addressed, approval-gated plan
// lookup and enforcement (spec.md §4.G). A plan's filename is its
// canonical hash; the plan store never mutates a plan file in place.
package planstore

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/atlas-gate/gatekernel/pkg/errs"
	"github.com/atlas-gate/gatekernel/pkg/planlint"
)

// SchemaVersion is the plan envelope format this store accepts. It is
// checked with semver so a future minor-version-compatible plan format
// is not spuriously rejected, while a major bump is.
const SchemaVersion = "1.0.0"

var acceptedSchemaRange = mustConstraint("^1.0.0")

func mustConstraint(c string) *semver.Constraints {
	con, err := semver.NewConstraint(c)
	if err != nil {
		panic("planstore: invalid built-in semver constraint: " + err.Error())
	}
	return con
}

var envelopeRe = regexp.MustCompile(`^<!--\s*ATLAS-GATE_PLAN_HASH:\s*([0-9a-f]{64})\s+ROLE:\s*(\S+)\s+STATUS:\s*(PENDING|APPROVED|REJECTED)\s*-->`)
var scopeRe = regexp.MustCompile(`(?mi)^scope:\s*(.+)$`)

// Store resolves plan files under a plans directory.
type Store struct {
	plansDir string
}

// New binds a Store to plansDir (R/docs/plans).
func New(plansDir string) *Store {
	return &Store{plansDir: plansDir}
}

// Envelope is the parsed plan header.
type Envelope struct {
	PlanHash string
	Role     string
	Status   string
}

// Plan is a loaded, parsed plan file.
type Plan struct {
	Hash     string
	Envelope Envelope
	Body     string
	Scope    string // workspace-relative scope base, if declared
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.plansDir, hash+".md")
}

// Load reads and parses the plan at hash, without linting or enforcing
// status.
func (s *Store) Load(hash string) (*Plan, error) {
	raw, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CodePlanNotFound, "plan not found: "+hash)
		}
		return nil, errs.Wrap(errs.CodeFileReadFailed, "failed to read plan file", err)
	}
	body := string(raw)

	m := envelopeRe.FindStringSubmatch(body)
	if m == nil {
		return nil, errs.New(errs.CodePlanNotApproved, "plan envelope missing or malformed")
	}
	env := Envelope{PlanHash: m[1], Role: m[2], Status: m[3]}

	var scope string
	if sm := scopeRe.FindStringSubmatch(body); sm != nil {
		scope = strings.TrimSpace(sm[1])
	}

	return &Plan{Hash: hash, Envelope: env, Body: body, Scope: scope}, nil
}

// EnforcePlan implements spec.md §4.G: load, require APPROVED, check the
// embedded hash matches the filename, re-lint the full text, and, if a
// scope is declared, require targetPath to lie strictly under
// workspaceRoot/scope.
func (s *Store) EnforcePlan(hash, workspaceRoot, targetPath string) (*Plan, error) {
	plan, err := s.Load(hash)
	if err != nil {
		return nil, err
	}

	if plan.Envelope.Status != "APPROVED" {
		return nil, errs.New(errs.CodePlanNotApproved, "plan is not in APPROVED status")
	}
	if plan.Envelope.PlanHash != hash {
		return nil, errs.New(errs.CodePlanHashMismatch, "embedded plan hash does not match filename")
	}

	verdict := planlint.Lint(plan.Body, hash)
	if !verdict.Pass {
		return nil, errs.New(errs.CodePlanLintFailed, "plan failed re-lint at enforcement time")
	}

	if plan.Scope != "" {
		scopeBase := filepath.Clean(filepath.Join(workspaceRoot, plan.Scope))
		cleanTarget := filepath.Clean(targetPath)
		if cleanTarget != scopeBase && !strings.HasPrefix(cleanTarget, scopeBase+string(filepath.Separator)) {
			return nil, errs.New(errs.CodePlanScopeViolation, "target path is outside the plan's declared scope")
		}
	}

	return plan, nil
}

// Write persists a new plan's text content-addressed by its canonical
// hash; it is append-only by convention — callers never overwrite an
// existing plan file; any mutation to an approved plan must be detected
// by the hash check, never silently accepted here.
func (s *Store) Write(hash, body string) error {
	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return errs.New(errs.CodeFileAlreadyExist, "a plan with this hash already exists")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return errs.Wrap(errs.CodeFileWriteFailed, "failed to stage plan file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.CodeFileWriteFailed, "failed to commit plan file", err)
	}
	return nil
}

// ValidateSchemaVersion checks a plan-declared schema version string
// against the accepted semver range, used before trusting any
// schema-versioned metadata block in the plan's JSON shadow.
func ValidateSchemaVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidFormat, "plan schema version is not valid semver", err)
	}
	if !acceptedSchemaRange.Check(v) {
		return errs.New(errs.CodeInvalidValue, "plan schema version "+version+" is outside the accepted range")
	}
	return nil
}
