// Package planlint implements structural, semantic, enforceability,
// auditability, and hash validation of plan documents (spec.md §4.F).
// Canonicalization for hashing is the sole canonical form in this tree:
// any rewrite of a plan must reproduce byte-identical canonical output
// for identical input (spec.md §9 design note 2 retires the inline
// STATUS: parser entirely; only the envelope-regex form is implemented
// anywhere in this module).
package planlint

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/atlas-gate/gatekernel/pkg/canonicalize"
)

// requiredSections is the declared order every plan body must follow.
var requiredSections = []string{
	"## Metadata",
	"## Phases",
	"## Path Allowlist",
	"## Verification Gates",
	"## Forbidden Actions",
	"## Rollback Policy",
}

var (
	envelopeRe  = regexp.MustCompile(`^<!--\s*ATLAS-GATE_PLAN_HASH:\s*([0-9a-f]{64})\s+ROLE:\s*(\S+)\s+STATUS:\s*(PENDING|APPROVED|REJECTED)\s*-->`)
	footerRe    = regexp.MustCompile(`\[SHA256_HASH:\s*[0-9a-f]{64}\]\s*$`)
	phaseIDRe   = regexp.MustCompile(`^[A-Z0-9_]+$`)
	phaseHeadRe = regexp.MustCompile(`(?m)^###\s+PHASE_([A-Z0-9_]+)\s*$`)
	ambiguousRe = regexp.MustCompile(`(?i)\b(may|should|could|if possible|use best judgment|optional|try to|attempt to)\b`)
	placeholderRe = regexp.MustCompile(`(?i)\b(TODO|FIXME|XXX|HACK|stub|mock|placeholder|temp\w*\s+implementation|to be (determined|implemented|defined)|tbd|wip)\b`)
	humanJudgmentRe = regexp.MustCompile(`(?i)\bhuman judg[e]?ment\b`)
	codeSymbolRe    = regexp.MustCompile("(`|\\$\\{|<\\w+>)|\\b(function|const|let|var)\\b")
	absPathNoGlobRe = regexp.MustCompile(`^/[^*]*$`)
	unresolvedVarRe = regexp.MustCompile(`\$\{[^}]*\}`)
)

// ViolationCode names one lint failure category.
type ViolationCode string

const (
	ViolationMissingSection      ViolationCode = "STRUCTURE_MISSING_SECTION"
	ViolationSectionOutOfOrder   ViolationCode = "STRUCTURE_SECTION_OUT_OF_ORDER"
	ViolationNoPhases            ViolationCode = "PHASES_EMPTY"
	ViolationPhaseMissingField   ViolationCode = "PHASES_MISSING_FIELD"
	ViolationPhaseIDInvalid      ViolationCode = "PHASES_ID_INVALID"
	ViolationPhaseIDDuplicate    ViolationCode = "PHASES_ID_DUPLICATE"
	ViolationAllowlistTraversal  ViolationCode = "ALLOWLIST_PARENT_DIR_ESCAPE"
	ViolationAllowlistAbsolute   ViolationCode = "ALLOWLIST_ABSOLUTE_PATH"
	ViolationAllowlistUnresolved ViolationCode = "ALLOWLIST_UNRESOLVED_VARIABLE"
	ViolationAmbiguousLanguage   ViolationCode = "ENFORCEABILITY_AMBIGUOUS_LANGUAGE"
	ViolationHumanJudgment       ViolationCode = "ENFORCEABILITY_HUMAN_JUDGMENT"
	ViolationPlaceholder         ViolationCode = "ENFORCEABILITY_PLACEHOLDER"
	ViolationCodeSymbol          ViolationCode = "AUDITABILITY_CODE_SYMBOL"
	ViolationHashMismatch        ViolationCode = "PLAN_HASH_MISMATCH"
	ViolationSchemaViolation     ViolationCode = "PHASES_SCHEMA_VIOLATION"
)

// Violation is one structured lint failure.
type Violation struct {
	Code    ViolationCode
	Detail  string
	PhaseID string
}

// Phase is one parsed plan phase.
type Phase struct {
	ID               string
	Objective        string
	AllowedOps       []string
	ForbiddenOps     []string
	RequiredIntents  []string
	VerificationCmds []string
	ExpectedOutcomes []string
	FailureStops     []string
}

// Verdict is the outcome of Lint.
type Verdict struct {
	Pass       bool
	Violations []Violation
	Phases     []Phase
	ComputedHash string
}

// Canonical strips the leading HTML-comment envelope, the trailing
// [SHA256_HASH: ...] footer, trims trailing whitespace per line, and
// drops leading/trailing blank lines. This is the one authoritative
// canonicalization function for plan hashing; nothing else in this tree
// computes a plan hash independently of this function.
func Canonical(body string) string {
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))
	skippedEnvelope := false
	for i, line := range lines {
		if !skippedEnvelope && i == 0 && envelopeRe.MatchString(strings.TrimSpace(line)) {
			skippedEnvelope = true
			continue
		}
		out = append(out, strings.TrimRight(line, " \t\r"))
	}
	// Strip a trailing footer line if present, along with any blank lines
	// after it.
	for len(out) > 0 && (out[len(out)-1] == "" || footerRe.MatchString(strings.TrimSpace(out[len(out)-1]))) {
		out = out[:len(out)-1]
	}
	// Drop leading/trailing blank lines.
	start := 0
	for start < len(out) && out[start] == "" {
		start++
	}
	end := len(out)
	for end > start && out[end-1] == "" {
		end--
	}
	return strings.Join(out[start:end], "\n")
}

// ComputeHash returns SHA-256(canonical(body)) in lowercase hex.
func ComputeHash(body string) (string, error) {
	return canonicalize.HashBytes([]byte(Canonical(body))), nil
}

// Lint runs all stages in order and accumulates violations rather than
// stopping at the first one, so a caller sees the full structural
// picture of a rejected plan.
func Lint(body string, expectedHash string) *Verdict {
	v := &Verdict{Pass: true}

	checkStructure(body, v)
	phases := parsePhases(body, v)
	v.Phases = phases
	validateSchemaShadow(phases, v)
	checkPathAllowlist(body, v)
	checkEnforceability(body, v)
	checkAuditability(body, v)

	if expectedHash != "" {
		computed, err := ComputeHash(body)
		if err == nil {
			v.ComputedHash = computed
			if computed != expectedHash {
				v.Pass = false
				v.Violations = append(v.Violations, Violation{
					Code: ViolationHashMismatch,
					Detail: fmt.Sprintf("computed hash %s does not match expected %s", computed, expectedHash),
				})
			}
		}
	}

	if len(v.Violations) > 0 {
		v.Pass = false
	}
	return v
}

func checkStructure(body string, v *Verdict) {
	lastIdx := -1
	for _, section := range requiredSections {
		idx := strings.Index(body, section)
		if idx == -1 {
			v.Violations = append(v.Violations, Violation{Code: ViolationMissingSection, Detail: "missing section " + section})
			continue
		}
		if idx < lastIdx {
			v.Violations = append(v.Violations, Violation{Code: ViolationSectionOutOfOrder, Detail: "section out of order: " + section})
		}
		lastIdx = idx
	}
}

func parsePhases(body string, v *Verdict) []Phase {
	matches := phaseHeadRe.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		v.Violations = append(v.Violations, Violation{Code: ViolationNoPhases, Detail: "plan declares no phases"})
		return nil
	}

	seen := make(map[string]bool)
	phases := make([]Phase, 0, len(matches))
	for i, m := range matches {
		id := body[m[2]:m[3]]
		blockStart := m[1]
		blockEnd := len(body)
		if i+1 < len(matches) {
			blockEnd = matches[i+1][0]
		}
		block := body[blockStart:blockEnd]

		if !phaseIDRe.MatchString(id) {
			v.Violations = append(v.Violations, Violation{Code: ViolationPhaseIDInvalid, Detail: "invalid phase id", PhaseID: id})
		}
		if seen[id] {
			v.Violations = append(v.Violations, Violation{Code: ViolationPhaseIDDuplicate, Detail: "duplicate phase id", PhaseID: id})
		}
		seen[id] = true

		phase := Phase{ID: id}
		phase.Objective = extractField(block, "Objective")
		phase.AllowedOps = extractList(block, "Allowed Operations")
		phase.ForbiddenOps = extractList(block, "Forbidden Operations")
		phase.RequiredIntents = extractList(block, "Required Intents")
		phase.VerificationCmds = extractList(block, "Verification Commands")
		phase.ExpectedOutcomes = extractList(block, "Expected Outcomes")
		phase.FailureStops = extractList(block, "Failure Stops")

		if phase.Objective == "" || len(phase.AllowedOps) == 0 || len(phase.RequiredIntents) == 0 ||
			len(phase.VerificationCmds) == 0 || len(phase.ExpectedOutcomes) == 0 || len(phase.FailureStops) == 0 {
			v.Violations = append(v.Violations, Violation{Code: ViolationPhaseMissingField, Detail: "phase missing a mandatory field", PhaseID: id})
		}
		phases = append(phases, phase)
	}
	return phases
}

var fieldRe = func(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?mi)^-?\s*` + regexp.QuoteMeta(name) + `:\s*(.+)$`)
}

func extractField(block, name string) string {
	m := fieldRe(name).FindStringSubmatch(block)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func extractList(block, name string) []string {
	idx := strings.Index(block, name+":")
	if idx == -1 {
		return nil
	}
	rest := block[idx+len(name)+1:]
	lines := strings.Split(rest, "\n")
	var items []string
	for _, l := range lines[1:] {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			break
		}
		if strings.HasPrefix(trimmed, "-") {
			items = append(items, strings.TrimSpace(strings.TrimPrefix(trimmed, "-")))
			continue
		}
		break
	}
	return items
}

func checkPathAllowlist(body string, v *Verdict) {
	idx := strings.Index(body, "## Path Allowlist")
	if idx == -1 {
		return
	}
	end := len(body)
	if next := strings.Index(body[idx+1:], "\n## "); next != -1 {
		end = idx + 1 + next
	}
	section := body[idx:end]
	for _, line := range strings.Split(section, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "-") {
			continue
		}
		entry := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "..") {
			v.Violations = append(v.Violations, Violation{Code: ViolationAllowlistTraversal, Detail: "allowlist entry contains parent-dir escape: " + entry})
		}
		if absPathNoGlobRe.MatchString(entry) {
			v.Violations = append(v.Violations, Violation{Code: ViolationAllowlistAbsolute, Detail: "absolute path without glob terminator: " + entry})
		}
		if unresolvedVarRe.MatchString(entry) {
			v.Violations = append(v.Violations, Violation{Code: ViolationAllowlistUnresolved, Detail: "unresolved variable in allowlist entry: " + entry})
		}
	}
}

func checkEnforceability(body string, v *Verdict) {
	if loc := ambiguousRe.FindString(body); loc != "" {
		v.Violations = append(v.Violations, Violation{Code: ViolationAmbiguousLanguage, Detail: "ambiguous language token: " + loc})
	}
	if loc := humanJudgmentRe.FindString(body); loc != "" {
		v.Violations = append(v.Violations, Violation{Code: ViolationHumanJudgment, Detail: "human-judgment clause present: " + loc})
	}
	if loc := placeholderRe.FindString(body); loc != "" {
		v.Violations = append(v.Violations, Violation{Code: ViolationPlaceholder, Detail: "placeholder token present: " + loc})
	}
}

func checkAuditability(body string, v *Verdict) {
	for _, line := range strings.Split(body, "\n") {
		if !strings.Contains(strings.ToLower(line), "objective:") {
			continue
		}
		if codeSymbolRe.MatchString(line) {
			v.Violations = append(v.Violations, Violation{Code: ViolationCodeSymbol, Detail: "code symbol found in objective line: " + strings.TrimSpace(line)})
		}
	}
}
