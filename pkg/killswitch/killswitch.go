// Package killswitch implements the persisted HALT state and two-step
// human recovery protocol (spec.md §4.L). State lives at
// R/.kaiza/kill_switch.json; a corrupted file fails safe (engaged, with
// reason CORRUPTED_STATE) rather than silently treating absence of a
// valid file as "not engaged".
package killswitch

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	"github.com/atlas-gate/gatekernel/pkg/errs"
)

// ReadOnlyTools is the closed set of tools admitted while engaged.
var ReadOnlyTools = map[string]bool{
	"read_file":                     true,
	"read_audit_log":                true,
	"read_prompt":                   true,
	"list_plans":                    true,
	"replay_execution":              true,
	"verify_workspace_integrity":    true,
	"generate_attestation_bundle":   true,
	"verify_attestation_bundle":     true,
	"export_attestation_bundle":     true,
}

// RequiredVerification names one of the three independent recovery gates.
type RequiredVerification string

const (
	VerificationAuditVerify       RequiredVerification = "audit_verify"
	VerificationPlanLint          RequiredVerification = "plan_lint"
	VerificationMaturityRecompute RequiredVerification = "maturity_recompute"
)

func allVerifications() []RequiredVerification {
	return []RequiredVerification{VerificationAuditVerify, VerificationPlanLint, VerificationMaturityRecompute}
}

// State is the persisted kill-switch object (spec.md §3).
type State struct {
	Engaged                      bool                             `json:"engaged"`
	Timestamp                    time.Time                        `json:"timestamp"`
	TriggerFailureIDs            []string                         `json:"trigger_failure_ids,omitempty"`
	TriggerInvariantIDs          []string                         `json:"trigger_invariant_ids,omitempty"`
	TriggerReason                string                           `json:"trigger_reason,omitempty"`
	TriggeredByRole              string                           `json:"triggered_by_role,omitempty"`
	TriggeredByTool              string                           `json:"triggered_by_tool,omitempty"`
	HaltReportPath               string                           `json:"halt_report_path,omitempty"`
	RecoveryRequiredVerifications []RequiredVerification          `json:"recovery_required_verifications,omitempty"`
	RecoveryVerificationsPassed  map[RequiredVerification]bool    `json:"recovery_verifications_passed,omitempty"`

	// recoveryConfirmCode is the ephemeral 32-hex code from step 1 of the
	// recovery protocol; not part of the persisted JSON surface exposed
	// to tools, only used in-process during the two-step handshake.
	recoveryConfirmCode string `json:"-"`
}

// Manager owns the kill-switch file at path.
type Manager struct {
	path string
}

// New binds a Manager to the kill_switch.json path.
func New(path string) *Manager {
	return &Manager{path: path}
}

// Load reads the kill-switch state. A corrupted JSON file fails safe: it
// returns an engaged state with reason CORRUPTED_STATE rather than
// propagating the parse error as if nothing were wrong.
func (m *Manager) Load() (*State, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Engaged: false}, nil
		}
		return nil, errs.Wrap(errs.CodeFileReadFailed, "failed to read kill-switch state", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return &State{Engaged: true, Timestamp: time.Now().UTC(), TriggerReason: "CORRUPTED_STATE"}, nil
	}
	return &s, nil
}

func (m *Manager) write(s *State) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errs.Wrap(errs.CodeFileWriteFailed, "failed to marshal kill-switch state", err)
	}
	tmp := m.path + ".tmp"
	if err := os.MkdirAll(parentDir(m.path), 0o755); err != nil {
		return errs.Wrap(errs.CodeFileWriteFailed, "failed to create kill-switch directory", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errs.Wrap(errs.CodeFileWriteFailed, "failed to stage kill-switch state", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return errs.Wrap(errs.CodeFileWriteFailed, "failed to commit kill-switch state", err)
	}
	return nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Engage writes the HALT state atomically.
func (m *Manager) Engage(reason string, failureIDs, invariantIDs []string, triggerRole, triggerTool, haltReportPath string) (*State, error) {
	s := &State{
		Engaged: true, Timestamp: time.Now().UTC(), TriggerReason: reason,
		TriggerFailureIDs: failureIDs, TriggerInvariantIDs: invariantIDs,
		TriggeredByRole: triggerRole, TriggeredByTool: triggerTool, HaltReportPath: haltReportPath,
		RecoveryRequiredVerifications: allVerifications(),
		RecoveryVerificationsPassed:   map[RequiredVerification]bool{},
	}
	if err := m.write(s); err != nil {
		return nil, err
	}
	return s, nil
}

// IsToolAdmitted reports whether tool may run while s is engaged.
func IsToolAdmitted(s *State, tool string) bool {
	if !s.Engaged {
		return true
	}
	return ReadOnlyTools[tool]
}

// Acknowledge is step 1 of recovery: OWNER supplies the halt report path
// and four explicit understanding flags, all of which must be true. On
// success a random 32-hex confirmation code is returned and stored for
// step 2.
func (m *Manager) Acknowledge(s *State, haltReportPath string, understandsCause, understandsImpact, understandsRemediation, understandsResponsibility bool) (string, error) {
	if s.HaltReportPath != haltReportPath {
		return "", errs.New(errs.CodeUnauthorizedAction, "halt report path does not match engaged state")
	}
	if !(understandsCause && understandsImpact && understandsRemediation && understandsResponsibility) {
		return "", errs.New(errs.CodeUnauthorizedAction, "all four understanding flags must be true")
	}
	codeBytes := make([]byte, 16)
	if _, err := rand.Read(codeBytes); err != nil {
		return "", errs.Wrap(errs.CodeInternalError, "failed to generate confirmation code", err)
	}
	s.recoveryConfirmCode = hex.EncodeToString(codeBytes)
	return s.recoveryConfirmCode, nil
}

// Confirm is step 2 of recovery: OWNER resubmits the same flags plus the
// confirmation code from step 1.
func (m *Manager) Confirm(s *State, confirmationCode string, understandsCause, understandsImpact, understandsRemediation, understandsResponsibility bool) error {
	if s.recoveryConfirmCode == "" || confirmationCode != s.recoveryConfirmCode {
		return errs.New(errs.CodeUnauthorizedAction, "confirmation code does not match")
	}
	if !(understandsCause && understandsImpact && understandsRemediation && understandsResponsibility) {
		return errs.New(errs.CodeUnauthorizedAction, "all four understanding flags must be true")
	}
	return nil
}

// MarkVerificationPassed records that one required verification has
// independently passed.
func (m *Manager) MarkVerificationPassed(s *State, v RequiredVerification) error {
	if s.RecoveryVerificationsPassed == nil {
		s.RecoveryVerificationsPassed = map[RequiredVerification]bool{}
	}
	s.RecoveryVerificationsPassed[v] = true
	return m.write(s)
}

// Unlock clears the engaged state only if every required verification
// has independently passed; any pending verification blocks unlock.
func (m *Manager) Unlock(s *State) error {
	for _, v := range allVerifications() {
		if !s.RecoveryVerificationsPassed[v] {
			return errs.New(errs.CodeUnauthorizedAction, "recovery verification pending: "+string(v))
		}
	}
	cleared := &State{Engaged: false}
	return m.write(cleared)
}
