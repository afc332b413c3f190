// Package intent implements the intent artifact validator (spec.md §4.H):
// every write target outside docs/reports/ must have a co-located
// <target>.intent.md sibling declaring purpose, authority, inputs,
// outputs, invariants, failure modes, debug signals, and out-of-scope
// notes, in that exact order.
package intent

import (
	"os"
	"regexp"
	"strings"

	"github.com/atlas-gate/gatekernel/pkg/canonicalize"
	"github.com/atlas-gate/gatekernel/pkg/errs"
)

var requiredHeaders = []string{
	"## Purpose",
	"## Authority",
	"## Inputs",
	"## Outputs",
	"## Invariants",
	"## Failure Modes",
	"## Debug Signals",
	"## Out-of-Scope",
}

var (
	titleRe          = regexp.MustCompile(`(?m)^# Intent: (.+)$`)
	planHashRe       = regexp.MustCompile(`(?m)^Plan Hash:\s*([0-9a-f]{64})\s*$`)
	phaseIDRe        = regexp.MustCompile(`(?m)^Phase ID:\s*PHASE_([A-Z0-9_]+)\s*$`)
	forbiddenPattern = regexp.MustCompile("(?i)```|`|\\bTODO\\b|\\bFIXME\\b|\\b(19|20)\\d{2}-\\d{2}-\\d{2}\\b|\\bauthor\\b|\\bwip\\b|\\bin progress\\b")
	invariantWeasel  = regexp.MustCompile(`(?i)\b(might|should|could|ideal\w*)\b`)
	bulletItemRe     = regexp.MustCompile(`(?m)^\s*-\s+\S`)
)

// Result is the outcome of validating one intent artifact.
type Result struct {
	Pass        bool
	Violations  []string
	IntentHash  string
	PlanHash    string
	PhaseID     string
}

// underReports reports whether targetWorkspaceRelative lies under
// docs/reports/, which is exempt from the intent-artifact requirement.
func underReports(targetWorkspaceRelative string) bool {
	clean := strings.TrimPrefix(filepathToSlash(targetWorkspaceRelative), "/")
	return strings.HasPrefix(clean, "docs/reports/")
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// Validate loads <targetAbsPath>.intent.md and validates it against
// targetWorkspaceRelative, the plan hash and phase id of the currently
// executing context (either may be empty, meaning "not checked").
func Validate(targetAbsPath, targetWorkspaceRelative, expectedPlanHash, expectedPhaseID string) (*Result, error) {
	if underReports(targetWorkspaceRelative) {
		return &Result{Pass: true}, nil
	}

	intentPath := targetAbsPath + ".intent.md"
	raw, err := os.ReadFile(intentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CodeIntentMissing, "intent artifact missing: "+intentPath)
		}
		return nil, errs.Wrap(errs.CodeFileReadFailed, "failed to read intent artifact", err)
	}
	content := string(raw)
	if strings.TrimSpace(content) == "" {
		return nil, errs.New(errs.CodeIntentMissing, "intent artifact is empty")
	}

	res := &Result{Pass: true}

	if m := forbiddenPattern.FindString(content); m != "" {
		res.Pass = false
		res.Violations = append(res.Violations, "forbidden pattern present: "+m)
	}

	lastIdx := -1
	for _, h := range requiredHeaders {
		idx := strings.Index(content, h)
		if idx == -1 {
			res.Pass = false
			res.Violations = append(res.Violations, "missing section: "+h)
			continue
		}
		if idx < lastIdx {
			res.Pass = false
			res.Violations = append(res.Violations, "section out of order: "+h)
		}
		lastIdx = idx
	}

	tm := titleRe.FindStringSubmatch(content)
	if tm == nil || tm[1] != targetWorkspaceRelative {
		res.Pass = false
		res.Violations = append(res.Violations, "title does not exactly match workspace-relative target")
	}

	authority := section(content, "## Authority", "## Inputs")
	ph := planHashRe.FindStringSubmatch(authority)
	pid := phaseIDRe.FindStringSubmatch(authority)
	if ph == nil || pid == nil {
		res.Pass = false
		res.Violations = append(res.Violations, "Authority section missing Plan Hash or Phase ID")
	} else {
		res.PlanHash = ph[1]
		res.PhaseID = "PHASE_" + pid[1]
		if schemaErr := validateAuthorityShadow(res.PlanHash, res.PhaseID); schemaErr != nil {
			res.Pass = false
			res.Violations = append(res.Violations, "Authority shadow failed schema validation: "+schemaErr.Error())
		}
		if expectedPlanHash != "" && res.PlanHash != expectedPlanHash {
			return nil, errs.New(errs.CodeIntentAuthorityDrift, "intent authority plan hash does not match executing plan")
		}
		if expectedPhaseID != "" && res.PhaseID != expectedPhaseID {
			return nil, errs.New(errs.CodeIntentAuthorityDrift, "intent authority phase id does not match executing phase")
		}
	}

	for _, h := range []string{"## Inputs", "## Outputs", "## Failure Modes", "## Debug Signals", "## Out-of-Scope"} {
		next := nextHeader(h)
		body := section(content, h, next)
		if !bulletItemRe.MatchString(body) {
			res.Pass = false
			res.Violations = append(res.Violations, h+" requires at least one bulleted item")
		}
	}

	invariants := section(content, "## Invariants", "## Failure Modes")
	if !bulletItemRe.MatchString(invariants) {
		res.Pass = false
		res.Violations = append(res.Violations, "## Invariants requires at least one bulleted item")
	}
	if m := invariantWeasel.FindString(invariants); m != "" {
		res.Pass = false
		res.Violations = append(res.Violations, "## Invariants contains forbidden conditional language: "+m)
	}

	if !res.Pass {
		return res, errs.New(errs.CodeIntentSchemaViolation, "intent artifact failed validation")
	}

	res.IntentHash = canonicalize.HashBytes([]byte(strings.TrimSpace(content)))
	return res, nil
}

func nextHeader(current string) string {
	idx := -1
	for i, h := range requiredHeaders {
		if h == current {
			idx = i
			break
		}
	}
	if idx == -1 || idx == len(requiredHeaders)-1 {
		return ""
	}
	return requiredHeaders[idx+1]
}

func section(content, start, end string) string {
	sIdx := strings.Index(content, start)
	if sIdx == -1 {
		return ""
	}
	rest := content[sIdx+len(start):]
	if end == "" {
		return rest
	}
	eIdx := strings.Index(rest, end)
	if eIdx == -1 {
		return rest
	}
	return rest[:eIdx]
}
