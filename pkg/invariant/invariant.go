// Package invariant implements the gate kernel's invariant registry: a
// closed set of named invariants (I1-I9) each with an assertion that
// converts a breach into an errs.CodeInvariantViolation envelope carrying
// the invariant id. This package appends no audit record itself.
package invariant

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-gate/gatekernel/pkg/errs"
)

// ID names one of the closed set of invariants this gateway enforces.
type ID string

const (
	// I1: every mutating operation passes through the full pipeline; there
	// is no bypass path from tool call to filesystem write.
	I1NoBypass ID = "I1-NO-BYPASS"
	// I2: a write to any path outside the locked workspace root is
	// impossible regardless of symlinks or relative traversal.
	I2WorkspaceContainment ID = "I2-WORKSPACE-CONTAINMENT"
	// I3: the audit log's hash chain is strictly append-only and
	// monotonic in sequence; no entry may be rewritten or reordered.
	I3AuditAppendOnly ID = "I3-AUDIT-APPEND-ONLY"
	// I4: a plan, once approved, is referenced by its canonical hash; any
	// mutation to the plan body invalidates that hash.
	I4PlanImmutability ID = "I4-PLAN-IMMUTABILITY"
	// I5: a write whose target matches a hard-block pattern is rejected
	// even if an approved plan authorizes it.
	I5HardBlockOverridesPlan ID = "I5-HARD-BLOCK-OVERRIDES-PLAN"
	// I6: a write target missing its sibling intent artifact is rejected
	// before any content policy check runs.
	I6IntentRequired ID = "I6-INTENT-REQUIRED"
	// I7: the kill-switch, once engaged, blocks all mutating operations
	// until the two-step human unlock completes; no code path clears it
	// unilaterally.
	I7KillSwitchHolds ID = "I7-KILL-SWITCH-HOLDS"
	// I8: replay of the audit log from genesis deterministically
	// reproduces the same verdict sequence as the original run.
	I8ReplayDeterminism ID = "I8-REPLAY-DETERMINISM"
	// I9: an attestation bundle's signature verifies against its own
	// canonical digest and nothing else.
	I9AttestationIntegrity ID = "I9-ATTESTATION-INTEGRITY"
)

// All lists every invariant id this gateway defines, in spec order.
func All() []ID {
	return []ID{
		I1NoBypass,
		I2WorkspaceContainment,
		I3AuditAppendOnly,
		I4PlanImmutability,
		I5HardBlockOverridesPlan,
		I6IntentRequired,
		I7KillSwitchHolds,
		I8ReplayDeterminism,
		I9AttestationIntegrity,
	}
}

// Definition documents one invariant in human-readable form.
type Definition struct {
	ID          ID
	Name        string
	Description string
}

// Definitions returns the human-readable registry of all invariants.
func Definitions() map[ID]Definition {
	return map[ID]Definition{
		I1NoBypass: {I1NoBypass, "No bypass", "every mutating operation traverses the full pipeline"},
		I2WorkspaceContainment: {I2WorkspaceContainment, "Workspace containment",
			"no write lands outside the locked workspace root"},
		I3AuditAppendOnly: {I3AuditAppendOnly, "Audit append-only",
			"the hash chain is strictly monotonic and never rewritten"},
		I4PlanImmutability: {I4PlanImmutability, "Plan immutability",
			"an approved plan's canonical hash never changes under it"},
		I5HardBlockOverridesPlan: {I5HardBlockOverridesPlan, "Hard block overrides plan",
			"a hard-blocked pattern is rejected regardless of plan approval"},
		I6IntentRequired: {I6IntentRequired, "Intent required",
			"a missing sibling intent artifact rejects the write before policy runs"},
		I7KillSwitchHolds: {I7KillSwitchHolds, "Kill-switch holds",
			"an engaged kill-switch blocks all mutation until two-step unlock"},
		I8ReplayDeterminism: {I8ReplayDeterminism, "Replay determinism",
			"replay from genesis reproduces the original verdict sequence"},
		I9AttestationIntegrity: {I9AttestationIntegrity, "Attestation integrity",
			"a bundle signature verifies against its own digest only"},
	}
}

// Violation is what a Check returns when its invariant is breached;
// Assert converts it into a classified envelope, which the caller must
// treat as fatal to the in-flight operation, never retry past it.
type Violation struct {
	InvariantID ID
	Detail      string
	CheckedAt   time.Time
}

func (v *Violation) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", v.InvariantID, v.Detail)
}

// Check is a single invariant assertion. It returns nil when the
// invariant holds, or a *Violation describing the breach.
type Check func(ctx context.Context) *Violation

// Assert runs check and converts a violation into a classified envelope
// carrying the invariant id, suitable for direct return from a pipeline
// stage. Assert never recovers from a panic in check: a panicking check
// indicates the invariant machinery itself is broken and must abort the
// process, not be swallowed.
func Assert(ctx context.Context, id ID, check Check) error {
	v := check(ctx)
	if v == nil {
		return nil
	}
	return errs.New(errs.CodeInvariantViolation, v.Error()).WithInvariant(string(id))
}

// Registry holds named checks so a caller can run the full battery and
// report pass/fail per invariant without needing to know each check's
// signature.
type Registry struct {
	checks map[ID]Check
}

// NewRegistry builds an empty registry; callers populate it with Register.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[ID]Check)}
}

// Register binds a concrete check function to an invariant id. Registering
// the same id twice replaces the previous check.
func (r *Registry) Register(id ID, check Check) {
	r.checks[id] = check
}

// Result is one invariant's outcome from a RunAll pass.
type Result struct {
	InvariantID ID
	Passed      bool
	Detail      string
	CheckedAt   time.Time
}

// Report aggregates every registered invariant's outcome.
type Report struct {
	Results   map[ID]Result
	AllPassed bool
}

// RunAll executes every registered check and aggregates the outcomes. A
// check with no Violation is recorded Passed; an invariant with no
// registered check is reported as not passed with detail "not registered"
// (and clears AllPassed) rather than silently omitted.
func (r *Registry) RunAll(ctx context.Context) *Report {
	report := &Report{Results: make(map[ID]Result), AllPassed: true}
	for _, id := range All() {
		check, ok := r.checks[id]
		if !ok {
			report.Results[id] = Result{InvariantID: id, Passed: false, Detail: "not registered", CheckedAt: time.Now().UTC()}
			report.AllPassed = false
			continue
		}
		if v := check(ctx); v != nil {
			report.Results[id] = Result{InvariantID: id, Passed: false, Detail: v.Detail, CheckedAt: v.CheckedAt}
			report.AllPassed = false
			continue
		}
		report.Results[id] = Result{InvariantID: id, Passed: true, CheckedAt: time.Now().UTC()}
	}
	return report
}
