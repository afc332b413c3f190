// Package remediation implements the Remediation Proposer (spec.md
// §4.O): a deterministic evidence-to-proposal mapping that produces
// immutable PENDING records. Proposers never mutate target state; only a
// human-gated transition moves a proposal to APPROVED or REJECTED.
package remediation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/atlas-gate/gatekernel/pkg/errs"
)

// ProposalType is one of the closed set of remediation kinds.
type ProposalType string

const (
	TypePolicyExceptionRequest ProposalType = "POLICY_EXCEPTION_REQUEST"
	TypeExecutionRetry         ProposalType = "EXECUTION_RETRY"
	TypeInvestigationRequired  ProposalType = "INVESTIGATION_REQUIRED"
	TypeIntentCorrection       ProposalType = "INTENT_CORRECTION"
	TypePlanCorrection         ProposalType = "PLAN_CORRECTION"
)

// Status is the proposal lifecycle state. Only a human-gated transition
// may move a proposal out of Pending.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Evidence is the classified finding or error code a proposal is raised
// against.
type Evidence struct {
	Code string // e.g. "POLICY_VIOLATION_UNSAFE_UNWRAP", "TAMPER_DETECTED_BROKEN_HASH_CHAIN"
	Hash string // evidence_hash: a stable digest of the underlying finding
}

// proposalTypeFor implements the deterministic evidence→proposal-type
// mapping table (spec.md §4.O).
func proposalTypeFor(code string) ProposalType {
	switch {
	case code == "POLICY_VIOLATION_UNSAFE_UNWRAP":
		return TypePolicyExceptionRequest
	case strings.Contains(code, "DIVERGENCE"):
		return TypeExecutionRetry
	case code == "TAMPER_DETECTED_BROKEN_HASH_CHAIN":
		return TypeInvestigationRequired
	case code == "INTENT_SCHEMA_VIOLATION" || strings.Contains(code, "INTENT"):
		return TypeIntentCorrection
	case strings.Contains(code, "INVARIANT_VIOLATION"):
		return TypePlanCorrection
	case strings.Contains(code, "POLICY_VIOLATION"):
		return TypePolicyExceptionRequest
	default:
		return TypeInvestigationRequired
	}
}

// Proposal is the immutable remediation record spec.md §4.O defines.
type Proposal struct {
	ProposalID             string       `json:"proposal_id"`
	ProposalType           ProposalType `json:"proposal_type"`
	EvidenceRefs           []string     `json:"evidence_refs"`
	ViolationsAddressed    []string     `json:"violations_addressed"`
	ExactChangesRequested  string       `json:"exact_changes_requested"`
	FilesAffected          []string     `json:"files_affected"`
	Scope                  string       `json:"scope"`
	RiskAssessment         string       `json:"risk_assessment"`
	VerificationAfterApply string       `json:"verification_after_apply"`
	Status                 Status       `json:"status"`
	CreatedAt              time.Time    `json:"created_at"`
	WorkspaceRoot          string       `json:"workspace_root"`
	PlanHash               string       `json:"plan_hash,omitempty"`
	ExpirationCondition    string       `json:"expiration_condition"`
}

// CreationInput is the caller-provided portion of a new proposal.
type CreationInput struct {
	Evidence               Evidence
	ViolationsAddressed    []string
	ExactChangesRequested  string
	FilesAffected          []string
	Scope                  string
	RiskAssessment         string
	VerificationAfterApply string
	WorkspaceRoot          string
	PlanHash               string
	ExpirationCondition    string
	Now                    time.Time
}

// computeProposalID implements proposal_id = "PROP-" + first 16 hex of
// SHA-256(evidence_hash + proposal_type + creation_input).
func computeProposalID(evidenceHash string, proposalType ProposalType, creationInput string) string {
	sum := sha256.Sum256([]byte(evidenceHash + string(proposalType) + creationInput))
	return "PROP-" + hex.EncodeToString(sum[:])[:16]
}

// Propose builds one immutable PENDING proposal from a piece of
// evidence. It never mutates target state; it only produces a record
// for a later human-gated transition.
func Propose(in CreationInput) (*Proposal, error) {
	if in.Evidence.Code == "" {
		return nil, errs.New(errs.CodeMissingRequiredField, "evidence code is required")
	}
	if len(in.ViolationsAddressed) == 0 {
		return nil, errs.New(errs.CodeMissingRequiredField, "evidence_refs/violations_addressed must be non-empty")
	}

	proposalType := proposalTypeFor(in.Evidence.Code)
	creationInput := in.ExactChangesRequested + "|" + in.Scope + "|" + in.WorkspaceRoot
	id := computeProposalID(in.Evidence.Hash, proposalType, creationInput)

	return &Proposal{
		ProposalID:             id,
		ProposalType:           proposalType,
		EvidenceRefs:           []string{in.Evidence.Hash},
		ViolationsAddressed:    in.ViolationsAddressed,
		ExactChangesRequested:  in.ExactChangesRequested,
		FilesAffected:          in.FilesAffected,
		Scope:                  in.Scope,
		RiskAssessment:         in.RiskAssessment,
		VerificationAfterApply: in.VerificationAfterApply,
		Status:                 StatusPending,
		CreatedAt:              in.Now,
		WorkspaceRoot:          in.WorkspaceRoot,
		PlanHash:               in.PlanHash,
		ExpirationCondition:    in.ExpirationCondition,
	}, nil
}

// Transition moves a proposal from PENDING to APPROVED or REJECTED. Only
// a human-gated caller may invoke this; the proposer itself never calls
// it. Any other source or target status is refused.
func Transition(p *Proposal, target Status) error {
	if p.Status != StatusPending {
		return errs.New(errs.CodeUnauthorizedAction, "only a PENDING proposal may transition")
	}
	if target != StatusApproved && target != StatusRejected {
		return errs.New(errs.CodeInvalidValue, "target status must be APPROVED or REJECTED")
	}
	p.Status = target
	return nil
}
