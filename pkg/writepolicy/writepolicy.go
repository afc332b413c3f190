// Package writepolicy implements the Write-Time Policy Engine (spec.md
// §4.J): the single orchestration point a mutating tool call must pass
// through before a byte touches disk. It runs, in order, path
// resolution, plan authorization, universal and language-specific
// static content policy, and intent artifact validation, appending one
// classified audit entry on every terminal outcome.
package writepolicy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/atlas-gate/gatekernel/pkg/audit"
	"github.com/atlas-gate/gatekernel/pkg/errs"
	"github.com/atlas-gate/gatekernel/pkg/intent"
	"github.com/atlas-gate/gatekernel/pkg/pathresolver"
	"github.com/atlas-gate/gatekernel/pkg/planstore"
	"github.com/atlas-gate/gatekernel/pkg/policy"
)

// Request is the write-time call a tool presents to the engine.
type Request struct {
	SessionID              string
	Role                   string
	Tool                   string
	TargetPath             string // relative or absolute
	Content                string
	PlanHash               string
	PhaseID                string
	TargetWorkspaceRelative string // for the intent sibling-docs-exemption check
}

// Verdict is the successful outcome of Evaluate.
type Verdict struct {
	Status        string // "PASS"
	Language       policy.Language
	ContentHash    string
	ContentLength  int
	Warnings       []string
}

// Engine binds the collaborators the write path must pass through.
type Engine struct {
	Resolver *pathresolver.Resolver
	Plans    *planstore.Store
	AuditLog *audit.Log

	// ExtraDenyRules are the optional operator-supplied CEL expressions
	// (spec.md §4.J domain stack), set by the caller through
	// WithExtraDenyRules; they are not read from governance.json. Nil
	// means no extra deny layer is configured.
	ExtraDenyRules *policy.CELRuleSet
}

// New constructs a Write-Time Policy Engine.
func New(resolver *pathresolver.Resolver, plans *planstore.Store, auditLog *audit.Log) *Engine {
	return &Engine{Resolver: resolver, Plans: plans, AuditLog: auditLog}
}

// WithExtraDenyRules attaches an optional CEL-based deny layer.
func (e *Engine) WithExtraDenyRules(rs *policy.CELRuleSet) *Engine {
	e.ExtraDenyRules = rs
	return e
}

func languageErrorCode(lang policy.Language) errs.Code {
	switch lang {
	case policy.LangRust:
		return errs.CodeRustPolicyViolation
	case policy.LangTypeScript, policy.LangJavaScript:
		return errs.CodeTSPolicyViolation
	case policy.LangPython:
		return errs.CodePythonPolicyViolation
	default:
		return errs.CodePolicyViolation
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) appendAudit(req Request, result audit.Result, errCode errs.Code, invariantID, notes string) {
	_, _ = e.AuditLog.Append(audit.AppendInput{
		SessionID:   req.SessionID,
		Role:        req.Role,
		Tool:        req.Tool,
		Type:        "write",
		PlanHash:    req.PlanHash,
		PhaseID:     req.PhaseID,
		ArgsHash:    contentHash(req.TargetPath + "\x00" + req.Content),
		Result:      result,
		ErrorCode:   string(errCode),
		InvariantID: invariantID,
		Notes:       notes,
	})
}

// Evaluate runs the seven-step write-time sequence described in spec.md
// §4.J. Every branch, success or failure, appends exactly one audit
// entry before returning.
func (e *Engine) Evaluate(req Request) (*Verdict, error) {
	// Step 1: required fields.
	if req.SessionID == "" || req.Role == "" || req.Tool == "" || req.TargetPath == "" {
		err := errs.New(errs.CodeMissingRequiredField, "one or more required fields are missing or null")
		e.appendAudit(req, audit.ResultError, err.ErrorCode, "", "missing required field")
		return nil, err
	}

	// Step 2: path resolution and bounds check.
	absTarget, err := e.Resolver.ResolveWriteTarget(req.TargetPath)
	if err != nil {
		env := errs.FromUnknown(err, "path resolution")
		e.appendAudit(req, audit.ResultBlocked, env.ErrorCode, "I2PathContainment", "path resolution rejected target")
		return nil, env
	}

	// Step 3: plan authorization.
	if req.PlanHash == "" {
		err := errs.New(errs.CodePlanNotApproved, "no plan hash supplied for a mutating write")
		e.appendAudit(req, audit.ResultBlocked, err.ErrorCode, "", "missing plan hash")
		return nil, err
	}
	workspaceRoot, err := e.Resolver.Root()
	if err != nil {
		env := errs.FromUnknown(err, "workspace root lookup")
		e.appendAudit(req, audit.ResultError, env.ErrorCode, "", "workspace root not locked")
		return nil, env
	}
	if _, err := e.Plans.EnforcePlan(req.PlanHash, workspaceRoot, absTarget); err != nil {
		env := errs.FromUnknown(err, "plan enforcement")
		e.appendAudit(req, audit.ResultBlocked, env.ErrorCode, "", "plan enforcement failed")
		return nil, env
	}

	lang := policy.DetectLanguage(req.TargetPath, req.Content)

	// Step 4: universal denylist, checked before any language-specific or
	// plan-conditioned allowance (I5HardBlockOverridesPlan applies to the
	// hard-block pass specifically; the universal denylist is likewise
	// unconditional).
	if hits := policy.HardBlockHits(req.Content); len(hits) > 0 {
		err := errs.New(errs.CodeHardBlockViolation, fmt.Sprintf("hard-blocked pattern matched: %s (%s)", hits[0].Name, hits[0].Reason))
		e.appendAudit(req, audit.ResultBlocked, err.ErrorCode, "I5HardBlockOverridesPlan", hits[0].Name)
		return nil, err
	}
	if hits := policy.UniversalHits(req.Content); len(hits) > 0 {
		err := errs.New(errs.CodePolicyViolation, fmt.Sprintf("universal denylist pattern matched: %s (%s)", hits[0].Name, hits[0].Reason))
		e.appendAudit(req, audit.ResultBlocked, err.ErrorCode, "", hits[0].Name)
		return nil, err
	}

	// Step 5: language profile denylist.
	if hits := policy.LanguageHits(lang, req.Content); len(hits) > 0 {
		err := errs.New(languageErrorCode(lang), fmt.Sprintf("%s denylist pattern matched: %s (%s)", lang, hits[0].Name, hits[0].Reason))
		e.appendAudit(req, audit.ResultBlocked, err.ErrorCode, "", hits[0].Name)
		return nil, err
	}

	// Step 5b: optional operator-supplied CEL deny layer.
	if e.ExtraDenyRules != nil {
		hits, celErr := e.ExtraDenyRules.Eval(req.Content)
		if celErr != nil {
			err := errs.Wrap(errs.CodeInternalError, "extra deny rule evaluation failed", celErr)
			e.appendAudit(req, audit.ResultError, err.ErrorCode, "", "cel rule evaluation error")
			return nil, err
		}
		if len(hits) > 0 {
			err := errs.New(errs.CodePolicyViolation, fmt.Sprintf("extra deny rule matched: %s (%s)", hits[0].Name, hits[0].Reason))
			e.appendAudit(req, audit.ResultBlocked, err.ErrorCode, "", hits[0].Name)
			return nil, err
		}
	}

	// Step 6: intent artifact. Validate returns a classified error for
	// both structural failures and a failing Result, so a single branch
	// covers rejection here.
	if _, err := intent.Validate(absTarget, req.TargetWorkspaceRelative, req.PlanHash, req.PhaseID); err != nil {
		env := errs.FromUnknown(err, "intent validation")
		e.appendAudit(req, audit.ResultBlocked, env.ErrorCode, "", "intent artifact failed validation")
		return nil, env
	}

	// Step 7: success.
	hash := contentHash(req.Content)
	e.appendAudit(req, audit.ResultOK, "", "", fmt.Sprintf("write admitted, language=%s", lang))
	return &Verdict{
		Status:        "PASS",
		Language:      lang,
		ContentHash:   hash,
		ContentLength: len(req.Content),
	}, nil
}
