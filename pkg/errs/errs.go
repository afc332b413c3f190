// Package errs implements the canonical typed error envelope used across
// the gate kernel: a closed, classified error-code enumeration, a cause
// chain, and a wire-safe serialization that omits stack traces unless
// debugging is enabled.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

// Code is a closed, stable error-code enumeration grouped by domain, in
// the HELM/<NAMESPACE>/<CODE> style the classified errors in this gateway
// follow.
type Code string

const (
	// Session domain.
	CodeSessionNotInitialized Code = "GATE/SESSION/NOT_INITIALIZED"
	CodeSessionLocked         Code = "GATE/SESSION/LOCKED"
	CodeSessionInitFailed     Code = "GATE/SESSION/INIT_FAILED"
	CodeOperatorAlreadyBound  Code = "GATE/SESSION/OPERATOR_IDENTITY_ALREADY_BOUND"
	CodeFatigueGuardTripped   Code = "GATE/SESSION/FATIGUE_GUARD_TRIPPED"

	// Input domain.
	CodeInvalidType           Code = "GATE/INPUT/INVALID_TYPE"
	CodeInvalidFormat         Code = "GATE/INPUT/INVALID_FORMAT"
	CodeInvalidValue          Code = "GATE/INPUT/INVALID_VALUE"
	CodeMissingRequiredField  Code = "GATE/INPUT/MISSING_REQUIRED_FIELD"

	// Authorization domain.
	CodeUnauthorizedAction      Code = "GATE/AUTH/UNAUTHORIZED_ACTION"
	CodeInsufficientPermissions Code = "GATE/AUTH/INSUFFICIENT_PERMISSIONS"
	CodeRoleMismatch            Code = "GATE/AUTH/ROLE_MISMATCH"

	// Path domain.
	CodePathNotAbsolute   Code = "GATE/PATH/PATH_NOT_ABSOLUTE"
	CodePathNotExist      Code = "GATE/PATH/PATH_NOT_EXIST"
	CodePathNotDir        Code = "GATE/PATH/PATH_NOT_DIR"
	CodeTraversalBlocked  Code = "GATE/PATH/TRAVERSAL_BLOCKED"
	CodeOutsideWorkspace  Code = "GATE/PATH/OUTSIDE_WORKSPACE"
	CodeRefuseLockSecond  Code = "GATE/PATH/REFUSE_LOCK_SECOND_TIME"

	// File domain.
	CodeFileNotFound     Code = "GATE/FILE/NOT_FOUND"
	CodeFileAlreadyExist Code = "GATE/FILE/ALREADY_EXISTS"
	CodeFileReadFailed   Code = "GATE/FILE/READ_FAILED"
	CodeFileWriteFailed  Code = "GATE/FILE/WRITE_FAILED"

	// Patch domain.
	CodePatchInvalid      Code = "GATE/PATCH/INVALID"
	CodePatchApplyFailed  Code = "GATE/PATCH/APPLY_FAILED"
	CodePatchHashMismatch Code = "GATE/PATCH/HASH_MISMATCH"

	// Plan domain.
	CodePlanNotFound        Code = "GATE/PLAN/NOT_FOUND"
	CodePlanNotApproved     Code = "GATE/PLAN/NOT_APPROVED"
	CodePlanHashMismatch    Code = "GATE/PLAN/HASH_MISMATCH"
	CodePlanEnforceFailed   Code = "GATE/PLAN/ENFORCEMENT_FAILED"
	CodePlanScopeViolation  Code = "GATE/PLAN/SCOPE_VIOLATION"
	CodePlanLintFailed      Code = "GATE/PLAN/LINT_FAILED"

	// Policy domain.
	CodePolicyViolation       Code = "GATE/POLICY/UNIVERSAL_DENYLIST"
	CodeRustPolicyViolation   Code = "GATE/POLICY/RUST_DENYLIST"
	CodeTSPolicyViolation     Code = "GATE/POLICY/TS_DENYLIST"
	CodePythonPolicyViolation Code = "GATE/POLICY/PYTHON_DENYLIST"
	CodeHardBlockViolation    Code = "GATE/POLICY/HARD_BLOCK"
	CodePreflightFailed       Code = "GATE/POLICY/PREFLIGHT_FAILED"
	CodeWriteRejected         Code = "GATE/POLICY/WRITE_REJECTED"

	// Governance domain.
	CodeInvariantViolation Code = "GATE/GOVERNANCE/INVARIANT_VIOLATION"
	CodeBootstrapFailure   Code = "GATE/GOVERNANCE/BOOTSTRAP_FAILURE"
	CodeSelfAuditFailure   Code = "GATE/GOVERNANCE/SELF_AUDIT_FAILURE"
	CodeKillSwitchEngaged  Code = "GATE/GOVERNANCE/KILL_SWITCH_ENGAGED"

	// Audit domain.
	CodeAuditLockFailed   Code = "GATE/AUDIT/LOCK_ACQUISITION_FAILED"
	CodeAuditAppendFailed Code = "GATE/AUDIT/APPEND_FAILED"
	CodeTamperDetected    Code = "GATE/AUDIT/TAMPER_DETECTED"

	// Intent domain.
	CodeIntentMissing         Code = "GATE/INTENT/MISSING"
	CodeIntentSchemaViolation Code = "GATE/INTENT/SCHEMA_VIOLATION"
	CodeIntentAuthorityDrift  Code = "GATE/INTENT/AUTHORITY_DRIFT"

	// Internal / catch-all — never leaked without classification.
	CodeInternalError Code = "GATE/CORE/INTERNAL_ERROR"
)

// Envelope is the canonical classified error. It is the only error shape
// that crosses the gate kernel's public boundary.
type Envelope struct {
	ErrorCode      Code      `json:"error_code"`
	HumanMessage   string    `json:"human_message"`
	Role           string    `json:"role,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	WorkspaceRoot  string    `json:"workspace_root,omitempty"`
	ToolName       string    `json:"tool_name,omitempty"`
	InvariantID    string    `json:"invariant_id,omitempty"`
	PhaseID        string    `json:"phase_id,omitempty"`
	PlanHash       string    `json:"plan_hash,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	cause          error
	stack          string
}

// debugStack reports whether stack traces should be attached on creation;
// gated by DEBUG_STACK the way the teacher gates debug behavior via env.
func debugStack() bool {
	return os.Getenv("DEBUG_STACK") == "true"
}

// New creates a classified error with no cause.
func New(code Code, msg string) *Envelope {
	e := &Envelope{
		ErrorCode:    code,
		HumanMessage: msg,
		Timestamp:    time.Now().UTC(),
	}
	if debugStack() {
		e.stack = string(debug.Stack())
	}
	return e
}

// Wrap creates a classified error chained to a cause.
func Wrap(code Code, msg string, cause error) *Envelope {
	e := New(code, msg)
	e.cause = cause
	return e
}

// FromUnknown lifts an unclassified error at a process boundary into
// CodeInternalError, preserving the original as cause. This is the only
// place an unclassified error may enter the envelope type: every other
// call site must use New/Wrap with an explicit well-known code.
func FromUnknown(err error, context string) *Envelope {
	if err == nil {
		return nil
	}
	var e *Envelope
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternalError, fmt.Sprintf("%s: unclassified failure", context), err)
}

// WithContext annotates the session, workspace, role and tool fields on a
// copy of the envelope.
func (e *Envelope) WithContext(sessionID, workspaceRoot, role, toolName string) *Envelope {
	cp := *e
	cp.SessionID = sessionID
	cp.WorkspaceRoot = workspaceRoot
	cp.Role = role
	cp.ToolName = toolName
	return &cp
}

// WithInvariant attaches an invariant id to a copy of the envelope.
func (e *Envelope) WithInvariant(id string) *Envelope {
	cp := *e
	cp.InvariantID = id
	return &cp
}

// WithPlan attaches plan hash and phase id to a copy of the envelope.
func (e *Envelope) WithPlan(planHash, phaseID string) *Envelope {
	cp := *e
	cp.PlanHash = planHash
	cp.PhaseID = phaseID
	return &cp
}

func (e *Envelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrorCode, e.HumanMessage, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.HumanMessage)
}

// Unwrap exposes the cause chain to errors.Is / errors.As.
func (e *Envelope) Unwrap() error {
	return e.cause
}

// Is matches by error code, letting callers write errors.Is(err, errs.New(CodeX, "")).
func (e *Envelope) Is(target error) bool {
	var o *Envelope
	if errors.As(target, &o) {
		return e.ErrorCode == o.ErrorCode
	}
	return false
}

// wireEnvelope is the serialized shape; stack is only ever attached to the
// in-process struct, never the wire form, unless DEBUG_STACK is set.
type wireEnvelope struct {
	ErrorCode     Code      `json:"error_code"`
	HumanMessage  string    `json:"human_message"`
	Role          string    `json:"role,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	WorkspaceRoot string    `json:"workspace_root,omitempty"`
	ToolName      string    `json:"tool_name,omitempty"`
	InvariantID   string    `json:"invariant_id,omitempty"`
	PhaseID       string    `json:"phase_id,omitempty"`
	PlanHash      string    `json:"plan_hash,omitempty"`
	Cause         string    `json:"cause,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Stack         string    `json:"stack,omitempty"`
}

// MarshalJSON serializes to the wire envelope described in spec §6/§7.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		ErrorCode:     e.ErrorCode,
		HumanMessage:  e.HumanMessage,
		Role:          e.Role,
		SessionID:     e.SessionID,
		WorkspaceRoot: e.WorkspaceRoot,
		ToolName:      e.ToolName,
		InvariantID:   e.InvariantID,
		PhaseID:       e.PhaseID,
		PlanHash:      e.PlanHash,
		Timestamp:     e.Timestamp,
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	if debugStack() {
		w.Stack = e.stack
	}
	return json.Marshal(w)
}
